package oplogstore

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/rzbill/golem-oplog/internal/oplog"
	pebblestore "github.com/rzbill/golem-oplog/internal/storage/pebble"
	"github.com/rzbill/golem-oplog/pkg/log"
)

// CompressedArchiveService stores zstd-compressed chunks of entries in
// Pebble, keyed by the last index of each chunk.
type CompressedArchiveService struct {
	db        *pebblestore.DB
	level     int
	codec     *chunkCodec
	maxChunk  int
	log       log.Logger
	workerMus sync.Map // OwnedWorkerID -> *sync.Mutex
}

var _ oplog.ArchiveService = (*CompressedArchiveService)(nil)

// NewCompressedArchiveService creates archive tier level. Distinct levels in
// the same DB do not overlap.
func NewCompressedArchiveService(db *pebblestore.DB, level int, logger log.Logger) (*CompressedArchiveService, error) {
	codec, err := newChunkCodec()
	if err != nil {
		return nil, errors.Wrap(err, "zstd codec")
	}
	return &CompressedArchiveService{
		db:       db,
		level:    level,
		codec:    codec,
		maxChunk: DefaultMaxChunkEntries,
		log:      log.OrNop(logger).WithComponent("oplog.compressed").With(log.Int("level", level)),
	}, nil
}

func (s *CompressedArchiveService) lock(owned oplog.OwnedWorkerID) *sync.Mutex {
	mu, _ := s.workerMus.LoadOrStore(owned, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *CompressedArchiveService) Open(_ context.Context, owned oplog.OwnedWorkerID) (oplog.Archive, error) {
	return &compressedArchive{svc: s, owned: owned}, nil
}

func (s *CompressedArchiveService) Delete(ctx context.Context, owned oplog.OwnedWorkerID) error {
	prefix := archiveWorkerPrefix(s.level, owned)
	if err := s.db.DeleteRange(ctx, prefix, pebblestore.PrefixEnd(prefix)); err != nil {
		return oplog.StorageError(err, "delete archive %s", owned)
	}
	return nil
}

func (s *CompressedArchiveService) Exists(_ context.Context, owned oplog.OwnedWorkerID) (bool, error) {
	ok, err := s.db.Has(archiveWorkerPrefix(s.level, owned))
	if err != nil {
		return false, oplog.StorageError(err, "probe archive %s", owned)
	}
	return ok, nil
}

func (s *CompressedArchiveService) GetLastIndex(_ context.Context, owned oplog.OwnedWorkerID) (oplog.Index, error) {
	it, err := s.db.NewPrefixIter(archiveWorkerPrefix(s.level, owned))
	if err != nil {
		return 0, oplog.StorageError(err, "scan archive %s", owned)
	}
	defer it.Close()
	if !it.Last() {
		return oplog.NoneIndex, it.Error()
	}
	return indexFromKey(it.Key()), nil
}

// Read returns archived entries in [idx, idx+n).
func (s *CompressedArchiveService) Read(_ context.Context, owned oplog.OwnedWorkerID, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error) {
	if n == 0 {
		return nil, nil
	}
	end := idx + oplog.Index(n)
	var out []oplog.IndexedEntry
	err := s.eachChunk(owned, idx, func(chunk []oplog.IndexedEntry) bool {
		for _, e := range chunk {
			if e.Index >= end {
				return false
			}
			if e.Index >= idx {
				out = append(out, e)
			}
		}
		return true
	})
	return out, err
}

// eachChunk visits decoded chunks whose last index is >= from, in order,
// until fn returns false.
func (s *CompressedArchiveService) eachChunk(owned oplog.OwnedWorkerID, from oplog.Index, fn func([]oplog.IndexedEntry) bool) error {
	prefix := archiveWorkerPrefix(s.level, owned)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: archiveChunkKey(s.level, owned, from),
		UpperBound: pebblestore.PrefixEnd(prefix),
	})
	if err != nil {
		return oplog.StorageError(err, "read archive %s", owned)
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		chunk, err := s.codec.decode(it.Value())
		if err != nil {
			return err
		}
		if !fn(chunk) {
			break
		}
	}
	if err := it.Error(); err != nil {
		return oplog.StorageError(err, "read archive %s", owned)
	}
	return nil
}

func (s *CompressedArchiveService) ScanForComponent(_ context.Context, projectID, componentID uuid.UUID, position, count uint64) (uint64, []oplog.OwnedWorkerID, error) {
	next, names, err := scanWorkerNames(s.db, archiveComponentPrefix(s.level, projectID, componentID), position, count)
	if err != nil {
		return 0, nil, oplog.StorageError(err, "scan archive component %s", componentID)
	}
	return next, ownedIDs(projectID, componentID, names), nil
}

type compressedArchive struct {
	svc   *CompressedArchiveService
	owned oplog.OwnedWorkerID
}

func (a *compressedArchive) CurrentOplogIndex(ctx context.Context) (oplog.Index, error) {
	return a.svc.GetLastIndex(ctx, a.owned)
}

func (a *compressedArchive) GetLastIndex(ctx context.Context) (oplog.Index, error) {
	return a.svc.GetLastIndex(ctx, a.owned)
}

func (a *compressedArchive) Read(ctx context.Context, idx oplog.Index) (oplog.Entry, bool, error) {
	entries, err := a.svc.Read(ctx, a.owned, idx, 1)
	if err != nil || len(entries) == 0 {
		return nil, false, err
	}
	return entries[0].Entry, true, nil
}

func (a *compressedArchive) ReadPrefix(_ context.Context, last oplog.Index) ([]oplog.IndexedEntry, error) {
	var out []oplog.IndexedEntry
	err := a.svc.eachChunk(a.owned, oplog.NoneIndex, func(chunk []oplog.IndexedEntry) bool {
		for _, e := range chunk {
			if e.Index > last {
				return false
			}
			out = append(out, e)
		}
		return true
	})
	return out, err
}

func (a *compressedArchive) Append(ctx context.Context, entries []oplog.IndexedEntry) error {
	mu := a.svc.lock(a.owned)
	mu.Lock()
	defer mu.Unlock()

	current, err := a.svc.GetLastIndex(ctx, a.owned)
	if err != nil {
		return err
	}
	entries = entriesAfter(entries, current)
	if len(entries) == 0 {
		return nil
	}
	b := a.svc.db.NewBatch()
	defer b.Close()
	for _, chunk := range splitChunks(entries, a.svc.maxChunk) {
		val, err := a.svc.codec.encode(chunk)
		if err != nil {
			return err
		}
		key := archiveChunkKey(a.svc.level, a.owned, chunk[len(chunk)-1].Index)
		if err := b.Set(key, val, nil); err != nil {
			return oplog.StorageError(err, "append archive %s", a.owned)
		}
	}
	if err := a.svc.db.CommitBatchWith(ctx, b, pebblestore.DurabilitySync); err != nil {
		return oplog.StorageError(err, "append archive %s", a.owned)
	}
	return nil
}

// DropPrefix removes entries up to and including last. A chunk straddling
// last is rewritten with its surviving tail.
func (a *compressedArchive) DropPrefix(ctx context.Context, last oplog.Index) error {
	mu := a.svc.lock(a.owned)
	mu.Lock()
	defer mu.Unlock()

	var straddling []oplog.IndexedEntry
	if err := a.svc.eachChunk(a.owned, last.Next(), func(chunk []oplog.IndexedEntry) bool {
		if chunk[0].Index <= last {
			straddling = entriesAfter(chunk, last)
		}
		return false
	}); err != nil {
		return err
	}

	b := a.svc.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(archiveWorkerPrefix(a.svc.level, a.owned), archiveChunkKey(a.svc.level, a.owned, last.Next()), nil); err != nil {
		return oplog.StorageError(err, "drop archive prefix %s", a.owned)
	}
	if len(straddling) > 0 {
		val, err := a.svc.codec.encode(straddling)
		if err != nil {
			return err
		}
		key := archiveChunkKey(a.svc.level, a.owned, straddling[len(straddling)-1].Index)
		if err := b.Set(key, val, nil); err != nil {
			return oplog.StorageError(err, "drop archive prefix %s", a.owned)
		}
	}
	if err := a.svc.db.CommitBatchWith(ctx, b, pebblestore.DurabilitySync); err != nil {
		return oplog.StorageError(err, "drop archive prefix %s", a.owned)
	}
	a.svc.log.Debug("archive prefix dropped", log.WorkerID(a.owned), log.OplogIdx("last_dropped", uint64(last)))
	return nil
}

// Length sums the entry counts from chunk headers.
func (a *compressedArchive) Length(context.Context) (uint64, error) {
	it, err := a.svc.db.NewPrefixIter(archiveWorkerPrefix(a.svc.level, a.owned))
	if err != nil {
		return 0, oplog.StorageError(err, "scan archive %s", a.owned)
	}
	defer it.Close()
	var total uint64
	for ok := it.First(); ok; ok = it.Next() {
		count, _, _, valid := chunkHeader(it.Value())
		if !valid {
			return 0, &oplog.DecodeError{Reason: "bad chunk header"}
		}
		total += count
	}
	return total, it.Error()
}
