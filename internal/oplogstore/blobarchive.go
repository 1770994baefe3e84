package oplogstore

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rzbill/golem-oplog/internal/blobstore"
	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/pkg/log"
)

// DefaultChunkCacheSize is the number of decoded chunks kept in memory per
// blob archive tier.
const DefaultChunkCacheSize = 256

// BlobArchiveService stores compressed chunks as objects in a blob store.
// Each object is named by the last index it holds.
type BlobArchiveService struct {
	blobs     blobstore.Store
	level     int
	codec     *chunkCodec
	maxChunk  int
	cache     *lru.Cache[string, []oplog.IndexedEntry]
	log       log.Logger
	workerMus sync.Map
}

var _ oplog.ArchiveService = (*BlobArchiveService)(nil)

func NewBlobArchiveService(blobs blobstore.Store, level int, logger log.Logger) (*BlobArchiveService, error) {
	codec, err := newChunkCodec()
	if err != nil {
		return nil, errors.Wrap(err, "zstd codec")
	}
	cache, err := lru.New[string, []oplog.IndexedEntry](DefaultChunkCacheSize)
	if err != nil {
		return nil, err
	}
	return &BlobArchiveService{
		blobs:    blobs,
		level:    level,
		codec:    codec,
		maxChunk: DefaultMaxChunkEntries,
		cache:    cache,
		log:      log.OrNop(logger).WithComponent("oplog.blob").With(log.Int("level", level)),
	}, nil
}

func (s *BlobArchiveService) lock(owned oplog.OwnedWorkerID) *sync.Mutex {
	mu, _ := s.workerMus.LoadOrStore(owned, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// chunkRef names one stored chunk.
type chunkRef struct {
	key  string
	last oplog.Index
}

// chunks lists a worker's chunks ordered by last index.
func (s *BlobArchiveService) chunks(ctx context.Context, owned oplog.OwnedWorkerID) ([]chunkRef, error) {
	prefix := blobWorkerPrefix(s.level, owned)
	keys, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, oplog.StorageError(err, "list archive %s", owned)
	}
	refs := make([]chunkRef, 0, len(keys))
	for _, k := range keys {
		last, err := strconv.ParseUint(strings.TrimPrefix(k, prefix), 10, 64)
		if err != nil {
			continue
		}
		refs = append(refs, chunkRef{key: k, last: oplog.Index(last)})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].last < refs[j].last })
	return refs, nil
}

func (s *BlobArchiveService) load(ctx context.Context, key string) ([]oplog.IndexedEntry, error) {
	if c, ok := s.cache.Get(key); ok {
		return c, nil
	}
	raw, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, oplog.StorageError(err, "get chunk %s", key)
	}
	c, err := s.codec.decode(raw)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, c)
	return c, nil
}

func (s *BlobArchiveService) store(ctx context.Context, owned oplog.OwnedWorkerID, chunk []oplog.IndexedEntry) error {
	val, err := s.codec.encode(chunk)
	if err != nil {
		return err
	}
	key := blobChunkKey(s.level, owned, chunk[len(chunk)-1].Index)
	if err := s.blobs.Put(ctx, key, val); err != nil {
		return oplog.StorageError(err, "put chunk %s", key)
	}
	s.cache.Remove(key)
	return nil
}

func (s *BlobArchiveService) Open(_ context.Context, owned oplog.OwnedWorkerID) (oplog.Archive, error) {
	return &blobArchive{svc: s, owned: owned}, nil
}

func (s *BlobArchiveService) Delete(ctx context.Context, owned oplog.OwnedWorkerID) error {
	refs, err := s.chunks(ctx, owned)
	if err != nil {
		return err
	}
	for _, r := range refs {
		s.cache.Remove(r.key)
	}
	if err := s.blobs.DeletePrefix(ctx, blobWorkerPrefix(s.level, owned)); err != nil {
		return oplog.StorageError(err, "delete archive %s", owned)
	}
	return nil
}

func (s *BlobArchiveService) Exists(ctx context.Context, owned oplog.OwnedWorkerID) (bool, error) {
	refs, err := s.chunks(ctx, owned)
	return len(refs) > 0, err
}

func (s *BlobArchiveService) GetLastIndex(ctx context.Context, owned oplog.OwnedWorkerID) (oplog.Index, error) {
	refs, err := s.chunks(ctx, owned)
	if err != nil || len(refs) == 0 {
		return oplog.NoneIndex, err
	}
	return refs[len(refs)-1].last, nil
}

func (s *BlobArchiveService) Read(ctx context.Context, owned oplog.OwnedWorkerID, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error) {
	if n == 0 {
		return nil, nil
	}
	end := idx + oplog.Index(n)
	refs, err := s.chunks(ctx, owned)
	if err != nil {
		return nil, err
	}
	var out []oplog.IndexedEntry
	for _, r := range refs {
		if r.last < idx {
			continue
		}
		chunk, err := s.load(ctx, r.key)
		if err != nil {
			return nil, err
		}
		for _, e := range chunk {
			if e.Index >= end {
				return out, nil
			}
			if e.Index >= idx {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// ScanForComponent lists worker directories under the component prefix.
func (s *BlobArchiveService) ScanForComponent(ctx context.Context, projectID, componentID uuid.UUID, position, count uint64) (uint64, []oplog.OwnedWorkerID, error) {
	prefix := blobComponentPrefix(s.level, projectID, componentID)
	keys, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return 0, nil, oplog.StorageError(err, "scan archive component %s", componentID)
	}
	var names []string
	for _, k := range keys {
		escaped, _, ok := strings.Cut(strings.TrimPrefix(k, prefix), "/")
		if !ok {
			continue
		}
		name, err := url.PathUnescape(escaped)
		if err != nil {
			continue
		}
		if len(names) == 0 || names[len(names)-1] != name {
			names = append(names, name)
		}
	}
	if position >= uint64(len(names)) {
		return 0, nil, nil
	}
	page := names[position:]
	next := uint64(0)
	if uint64(len(page)) > count {
		page = page[:count]
		next = position + count
	}
	return next, ownedIDs(projectID, componentID, page), nil
}

type blobArchive struct {
	svc   *BlobArchiveService
	owned oplog.OwnedWorkerID
}

func (a *blobArchive) CurrentOplogIndex(ctx context.Context) (oplog.Index, error) {
	return a.svc.GetLastIndex(ctx, a.owned)
}

func (a *blobArchive) GetLastIndex(ctx context.Context) (oplog.Index, error) {
	return a.svc.GetLastIndex(ctx, a.owned)
}

func (a *blobArchive) Read(ctx context.Context, idx oplog.Index) (oplog.Entry, bool, error) {
	entries, err := a.svc.Read(ctx, a.owned, idx, 1)
	if err != nil || len(entries) == 0 {
		return nil, false, err
	}
	return entries[0].Entry, true, nil
}

func (a *blobArchive) ReadPrefix(ctx context.Context, last oplog.Index) ([]oplog.IndexedEntry, error) {
	if last == oplog.NoneIndex {
		return nil, nil
	}
	return a.svc.Read(ctx, a.owned, oplog.InitialIndex, uint64(last))
}

func (a *blobArchive) Append(ctx context.Context, entries []oplog.IndexedEntry) error {
	mu := a.svc.lock(a.owned)
	mu.Lock()
	defer mu.Unlock()

	current, err := a.svc.GetLastIndex(ctx, a.owned)
	if err != nil {
		return err
	}
	for _, chunk := range splitChunks(entriesAfter(entries, current), a.svc.maxChunk) {
		if err := a.svc.store(ctx, a.owned, chunk); err != nil {
			return err
		}
	}
	return nil
}

// DropPrefix deletes whole chunks at or below last and rewrites the chunk
// straddling it.
func (a *blobArchive) DropPrefix(ctx context.Context, last oplog.Index) error {
	mu := a.svc.lock(a.owned)
	mu.Lock()
	defer mu.Unlock()

	refs, err := a.svc.chunks(ctx, a.owned)
	if err != nil {
		return err
	}
	for _, r := range refs {
		if r.last <= last {
			if err := a.svc.blobs.Delete(ctx, r.key); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
				return oplog.StorageError(err, "drop chunk %s", r.key)
			}
			a.svc.cache.Remove(r.key)
			continue
		}
		chunk, err := a.svc.load(ctx, r.key)
		if err != nil {
			return err
		}
		if chunk[0].Index <= last {
			if err := a.svc.store(ctx, a.owned, entriesAfter(chunk, last)); err != nil {
				return err
			}
		}
		break
	}
	return nil
}

func (a *blobArchive) Length(ctx context.Context) (uint64, error) {
	refs, err := a.svc.chunks(ctx, a.owned)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, r := range refs {
		chunk, err := a.svc.load(ctx, r.key)
		if err != nil {
			return 0, err
		}
		total += uint64(len(chunk))
	}
	return total, nil
}
