// Package oplogstore persists worker oplogs across storage tiers.
//
// The primary tier keeps one Pebble key per entry and buffers uncommitted
// entries in the open handle. Archive tiers hold zstd-compressed chunks,
// either in Pebble (CompressedArchiveService) or in a blob store
// (BlobArchiveService). MultiLayerService composes them: commits land in the
// primary, and a per-worker goroutine moves entries one tier colder once a
// tier reaches its limit, appending to the colder tier before dropping the
// source prefix.
//
// Ephemeral workers bypass the primary and commit straight into the coldest
// archive tier.
package oplogstore
