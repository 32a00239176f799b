// Package storage implements the node persistence backends behind the graph
// traversal: a full-precision backend that keeps raw vectors on node pages,
// and a quantized backend that keeps compact codes and defers exactness to
// the external heap.
//
// Both backends satisfy the same Engine contract. A query binds to a backend
// through BeginSearch, which captures the per-query distance state (the raw
// query vector, or a precomputed code lookup table) in an ephemeral session
// implementing the traversal's storage hooks. Deleted nodes stay on their
// pages as tombstones; sessions traverse through them without ever trusting
// their stored vector or code.
package storage
