// Package blobstore is the byte sink behind external oplog payloads and the
// blob archive tier. Implementations: local filesystem, S3 compatible object
// storage through minio-go, and an in-memory map.
package blobstore
