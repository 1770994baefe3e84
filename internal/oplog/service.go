package oplog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Oplog is the handle a running worker appends to. A worker has exactly one
// open handle; entries added but not committed are visible only through it.
type Oplog interface {
	Add(ctx context.Context, e Entry) error
	Commit(ctx context.Context, level CommitLevel) error
	// CurrentOplogIndex is the index of the last added entry.
	CurrentOplogIndex(ctx context.Context) Index
	LastAddedNonHintEntry() (Index, bool)
	Read(ctx context.Context, idx Index) (Entry, error)
	ReadMany(ctx context.Context, idx Index, n uint64) ([]IndexedEntry, error)
	Length(ctx context.Context) (uint64, error)
	DropPrefix(ctx context.Context, lastDropped Index) error
	WaitForReplicas(ctx context.Context, replicas uint8, timeout time.Duration) bool
	// SwitchPersistenceLevel records a ChangePersistenceLevel entry when the
	// level differs from the current one.
	SwitchPersistenceLevel(ctx context.Context, level PersistenceLevel) error
	UploadPayload(ctx context.Context, data []byte) (Payload, error)
	DownloadPayload(ctx context.Context, p Payload) ([]byte, error)
	Close() error
}

// ScanCursor pages through the workers of a component across tiers.
type ScanCursor struct {
	Layer    int    `json:"layer"`
	Position uint64 `json:"position"`
	Finished bool   `json:"finished"`
}

func (c ScanCursor) IsFinished() bool { return c.Finished }

// Service manages the oplogs of all workers.
type Service interface {
	Create(ctx context.Context, owned OwnedWorkerID, initial Entry, ctype ComponentType) (Oplog, error)
	Open(ctx context.Context, owned OwnedWorkerID, lastIdx Index, ctype ComponentType) (Oplog, error)
	GetLastIndex(ctx context.Context, owned OwnedWorkerID) (Index, error)
	Delete(ctx context.Context, owned OwnedWorkerID) error
	Exists(ctx context.Context, owned OwnedWorkerID) (bool, error)
	// Read returns the existing entries in [idx, idx+n).
	Read(ctx context.Context, owned OwnedWorkerID, idx Index, n uint64) ([]IndexedEntry, error)
	ScanForComponent(ctx context.Context, projectID, componentID uuid.UUID, cursor ScanCursor, count uint64) (ScanCursor, []OwnedWorkerID, error)
	UploadPayload(ctx context.Context, owned OwnedWorkerID, data []byte) (Payload, error)
	DownloadPayload(ctx context.Context, owned OwnedWorkerID, p Payload) ([]byte, error)
}

// ArchiveService is one cold tier below the primary.
type ArchiveService interface {
	Open(ctx context.Context, owned OwnedWorkerID) (Archive, error)
	Delete(ctx context.Context, owned OwnedWorkerID) error
	Read(ctx context.Context, owned OwnedWorkerID, idx Index, n uint64) ([]IndexedEntry, error)
	Exists(ctx context.Context, owned OwnedWorkerID) (bool, error)
	// ScanForComponent pages by an opaque position; next is 0 when done.
	ScanForComponent(ctx context.Context, projectID, componentID uuid.UUID, position, count uint64) (next uint64, ids []OwnedWorkerID, err error)
	GetLastIndex(ctx context.Context, owned OwnedWorkerID) (Index, error)
}

// Archive is a worker's oplog within one archive tier.
type Archive interface {
	CurrentOplogIndex(ctx context.Context) (Index, error)
	Read(ctx context.Context, idx Index) (Entry, bool, error)
	// ReadPrefix returns every stored entry up to and including last.
	ReadPrefix(ctx context.Context, last Index) ([]IndexedEntry, error)
	// Append stores a contiguous run of entries. Entries at or below the
	// current index are ignored.
	Append(ctx context.Context, chunk []IndexedEntry) error
	DropPrefix(ctx context.Context, last Index) error
	Length(ctx context.Context) (uint64, error)
	GetLastIndex(ctx context.Context) (Index, error)
}

// ReadRange reads the inclusive range [from, to] from svc.
func ReadRange(ctx context.Context, svc Service, owned OwnedWorkerID, from, to Index) ([]IndexedEntry, error) {
	if to < from {
		return nil, nil
	}
	return svc.Read(ctx, owned, from, uint64(to-from)+1)
}
