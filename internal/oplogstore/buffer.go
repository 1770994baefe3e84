package oplogstore

import (
	"context"

	"github.com/rzbill/golem-oplog/internal/oplog"
)

// entryBuffer tracks the entries added to an open handle but not yet
// committed. The owning handle guards it with its mutex.
type entryBuffer struct {
	entries      []oplog.Entry
	lastIdx      oplog.Index
	committedIdx oplog.Index
	lastNonHint  oplog.Index
	persistence  oplog.PersistenceLevel
}

func newEntryBuffer(last oplog.Index) entryBuffer {
	return entryBuffer{lastIdx: last, committedIdx: last}
}

func (b *entryBuffer) add(e oplog.Entry) oplog.Index {
	b.entries = append(b.entries, e)
	b.lastIdx++
	if !oplog.IsHint(e) {
		b.lastNonHint = b.lastIdx
	}
	return b.lastIdx
}

// pending returns the buffered entries with their indices.
func (b *entryBuffer) pending() []oplog.IndexedEntry {
	out := make([]oplog.IndexedEntry, len(b.entries))
	for i, e := range b.entries {
		out[i] = oplog.IndexedEntry{Index: b.committedIdx + 1 + oplog.Index(i), Entry: e}
	}
	return out
}

func (b *entryBuffer) markCommitted() {
	b.entries = nil
	b.committedIdx = b.lastIdx
}

func (b *entryBuffer) get(idx oplog.Index) (oplog.Entry, bool) {
	if idx <= b.committedIdx || idx > b.lastIdx {
		return nil, false
	}
	return b.entries[idx-b.committedIdx-1], true
}

// switchPersistence reports whether level differs from the current one.
func (b *entryBuffer) switchPersistence(level oplog.PersistenceLevel) bool {
	if b.persistence == level {
		return false
	}
	b.persistence = level
	return true
}

type rangeReader func(ctx context.Context, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error)

// readThrough serves [idx, idx+n) from storage up to committed and from the
// pending entries beyond it.
func readThrough(ctx context.Context, read rangeReader, committed oplog.Index, pending []oplog.IndexedEntry, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error) {
	end := idx + oplog.Index(n) // exclusive
	var out []oplog.IndexedEntry
	if idx <= committed {
		stop := end
		if stop > committed+1 {
			stop = committed + 1
		}
		stored, err := read(ctx, idx, uint64(stop-idx))
		if err != nil {
			return nil, err
		}
		out = stored
	}
	for _, e := range pending {
		if e.Index >= idx && e.Index < end {
			out = append(out, e)
		}
	}
	return out, nil
}
