// Package pagestore provides the page-level persistence primitives the
// index core builds on: fixed-size slotted pages, an append-only tape
// allocator, and read / modify-commit / append access to individual items.
//
// In a database host these primitives are backed by the buffer manager and
// page-level locking; the implementations here (in-memory and single-file)
// carry the same contract for standalone use and tests. An item is never
// mutated in place by callers: Modify hands out an owned copy and Commit
// writes the whole item back atomically at the page level.
package pagestore
