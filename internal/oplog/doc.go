// Package oplog defines the operation log of a durable worker: the entry
// variants, their binary codec, index and region arithmetic, payload
// references and the service interfaces implemented by the storage tiers.
//
// Entries are immutable once committed. History is edited only by adding
// regions to a DeletedRegions set (through Jump and Revert entries), never
// by rewriting stored entries.
package oplog
