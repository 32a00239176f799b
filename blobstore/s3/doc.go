// Package s3 implements blobstore.Store on Amazon S3, plus a DynamoDB-backed
// commit store that gives snapshot publication the atomic compare-and-swap
// S3 itself lacks.
package s3
