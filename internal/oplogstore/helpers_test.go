package oplogstore

import (
	"testing"

	"github.com/google/uuid"

	"github.com/rzbill/golem-oplog/internal/blobstore"
	"github.com/rzbill/golem-oplog/internal/oplog"
	pebblestore "github.com/rzbill/golem-oplog/internal/storage/pebble"
)

func openDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newPrimary(t *testing.T, db *pebblestore.DB) *PrimaryService {
	t.Helper()
	return NewPrimaryService(db, blobstore.NewMemory(), PrimaryOptions{MaxPayloadSize: 16})
}

func testWorker(component uuid.UUID, name string) oplog.OwnedWorkerID {
	return oplog.OwnedWorkerID{
		ProjectID: uuid.MustParse("7a3c6e1a-7a47-4b52-9d8b-0f6a1b2c3d4e"),
		WorkerID:  oplog.WorkerID{ComponentID: component, Name: name},
	}
}

func createEntry(owned oplog.OwnedWorkerID) oplog.Entry {
	return oplog.Create{
		Stamp:                        oplog.Now(),
		WorkerID:                     owned.WorkerID,
		ComponentVersion:             1,
		ComponentSize:                100,
		InitialTotalLinearMemorySize: 200,
	}
}

// indexed builds entries first..last as GrowMemory entries whose delta is
// the index, so reads can be checked by position.
func indexed(first, last oplog.Index) []oplog.IndexedEntry {
	var out []oplog.IndexedEntry
	for i := first; i <= last; i++ {
		out = append(out, oplog.IndexedEntry{Index: i, Entry: oplog.NewGrowMemory(uint64(i))})
	}
	return out
}

func checkContiguous(t *testing.T, entries []oplog.IndexedEntry, first, last oplog.Index) {
	t.Helper()
	if want := int(last-first) + 1; len(entries) != want {
		t.Fatalf("got %d entries, want %d", len(entries), want)
	}
	for i, e := range entries {
		if e.Index != first+oplog.Index(i) {
			t.Fatalf("entry %d has index %d", i, e.Index)
		}
	}
}
