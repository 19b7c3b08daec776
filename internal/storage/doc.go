// Package storage uploads finalized call recordings to S3-compatible object
// storage.
package storage
