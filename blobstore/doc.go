// Package blobstore abstracts where index snapshots live: local disk,
// memory (tests), or S3-compatible object storage (see the s3 and minio
// subpackages).
//
// Snapshots are immutable once written. Export streams pages into a new
// blob, then publishes it by rewriting the CURRENT pointer; Import resolves
// CURRENT and streams the referenced blob back. Stores that cannot update
// CURRENT atomically can delegate the pointer to a commit store (see
// s3.DDBCommitStore).
package blobstore
