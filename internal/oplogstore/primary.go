package oplogstore

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/rzbill/golem-oplog/internal/blobstore"
	"github.com/rzbill/golem-oplog/internal/observability"
	"github.com/rzbill/golem-oplog/internal/oplog"
	pebblestore "github.com/rzbill/golem-oplog/internal/storage/pebble"
	"github.com/rzbill/golem-oplog/pkg/log"
)

// DefaultMaxOperationsBeforeCommit forces a commit once this many entries
// are buffered.
const DefaultMaxOperationsBeforeCommit = 128

// PrimaryOptions configures the hot tier.
type PrimaryOptions struct {
	MaxOperationsBeforeCommit int
	MaxPayloadSize            int
	Logger                    log.Logger
	Metrics                   Metrics
}

// PrimaryService keeps live oplogs in Pebble, one key per entry.
type PrimaryService struct {
	db      *pebblestore.DB
	blobs   blobstore.Store
	opts    PrimaryOptions
	log     log.Logger
	metrics Metrics
}

var _ oplog.Service = (*PrimaryService)(nil)

func NewPrimaryService(db *pebblestore.DB, blobs blobstore.Store, opts PrimaryOptions) *PrimaryService {
	if opts.MaxOperationsBeforeCommit <= 0 {
		opts.MaxOperationsBeforeCommit = DefaultMaxOperationsBeforeCommit
	}
	if opts.MaxPayloadSize <= 0 {
		opts.MaxPayloadSize = oplog.DefaultMaxPayloadSize
	}
	m := opts.Metrics
	if m == nil {
		m = NoopMetrics{}
	}
	return &PrimaryService{
		db:      db,
		blobs:   blobs,
		opts:    opts,
		log:     log.OrNop(opts.Logger).WithComponent("oplog.primary"),
		metrics: m,
	}
}

// Create writes the initial entry and opens the oplog.
func (s *PrimaryService) Create(ctx context.Context, owned oplog.OwnedWorkerID, initial oplog.Entry, _ oplog.ComponentType) (oplog.Oplog, error) {
	return s.create(ctx, owned, initial)
}

func (s *PrimaryService) create(ctx context.Context, owned oplog.OwnedWorkerID, initial oplog.Entry) (*PrimaryOplog, error) {
	exists, err := s.Exists(ctx, owned)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.Newf("oplog of %s already exists", owned)
	}
	val, err := oplog.Encode(initial)
	if err != nil {
		return nil, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(primaryEntryKey(owned, oplog.InitialIndex), val, nil); err != nil {
		return nil, oplog.StorageError(err, "create oplog %s", owned)
	}
	if err := s.db.CommitBatchWith(ctx, b, pebblestore.DurabilitySync); err != nil {
		return nil, oplog.StorageError(err, "create oplog %s", owned)
	}
	s.log.Debug("oplog created", log.WorkerID(owned))
	return s.open(owned, oplog.InitialIndex), nil
}

// Open resumes the oplog whose last committed index is lastIdx. NoneIndex
// looks the index up.
func (s *PrimaryService) Open(ctx context.Context, owned oplog.OwnedWorkerID, lastIdx oplog.Index, _ oplog.ComponentType) (oplog.Oplog, error) {
	if lastIdx == oplog.NoneIndex {
		var err error
		if lastIdx, err = s.GetLastIndex(ctx, owned); err != nil {
			return nil, err
		}
	}
	return s.open(owned, lastIdx), nil
}

func (s *PrimaryService) open(owned oplog.OwnedWorkerID, lastIdx oplog.Index) *PrimaryOplog {
	return &PrimaryOplog{
		svc:    s,
		owned:  owned,
		maxOps: s.opts.MaxOperationsBeforeCommit,
		buf:    newEntryBuffer(lastIdx),
	}
}

func (s *PrimaryService) GetLastIndex(ctx context.Context, owned oplog.OwnedWorkerID) (oplog.Index, error) {
	_, last, err := s.bounds(owned)
	return last, err
}

// bounds returns the first and last stored index, or NoneIndex twice.
func (s *PrimaryService) bounds(owned oplog.OwnedWorkerID) (oplog.Index, oplog.Index, error) {
	it, err := s.db.NewPrefixIter(primaryWorkerPrefix(owned))
	if err != nil {
		return 0, 0, oplog.StorageError(err, "scan oplog %s", owned)
	}
	defer it.Close()
	if !it.First() {
		return oplog.NoneIndex, oplog.NoneIndex, it.Error()
	}
	first := indexFromKey(it.Key())
	it.Last()
	return first, indexFromKey(it.Key()), nil
}

// Length counts stored entries.
func (s *PrimaryService) Length(ctx context.Context, owned oplog.OwnedWorkerID) (uint64, error) {
	first, last, err := s.bounds(owned)
	if err != nil || last == oplog.NoneIndex {
		return 0, err
	}
	return uint64(last-first) + 1, nil
}

func (s *PrimaryService) Delete(ctx context.Context, owned oplog.OwnedWorkerID) error {
	prefix := primaryWorkerPrefix(owned)
	if err := s.db.DeleteRange(ctx, prefix, pebblestore.PrefixEnd(prefix)); err != nil {
		return oplog.StorageError(err, "delete oplog %s", owned)
	}
	return nil
}

func (s *PrimaryService) Exists(ctx context.Context, owned oplog.OwnedWorkerID) (bool, error) {
	ok, err := s.db.Has(primaryWorkerPrefix(owned))
	if err != nil {
		return false, oplog.StorageError(err, "probe oplog %s", owned)
	}
	return ok, nil
}

// Read returns the committed entries in [idx, idx+n).
func (s *PrimaryService) Read(ctx context.Context, owned oplog.OwnedWorkerID, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error) {
	if n == 0 {
		return nil, nil
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: primaryEntryKey(owned, idx),
		UpperBound: primaryEntryKey(owned, idx+oplog.Index(n)),
	})
	if err != nil {
		return nil, oplog.StorageError(err, "read oplog %s", owned)
	}
	defer it.Close()
	var out []oplog.IndexedEntry
	for ok := it.First(); ok; ok = it.Next() {
		e, err := oplog.Decode(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, oplog.IndexedEntry{Index: indexFromKey(it.Key()), Entry: e})
	}
	if err := it.Error(); err != nil {
		return nil, oplog.StorageError(err, "read oplog %s", owned)
	}
	return out, nil
}

// ScanForComponent pages through the workers of a component stored in the
// primary tier.
func (s *PrimaryService) ScanForComponent(ctx context.Context, projectID, componentID uuid.UUID, cursor oplog.ScanCursor, count uint64) (oplog.ScanCursor, []oplog.OwnedWorkerID, error) {
	next, ids, err := s.scan(ctx, projectID, componentID, cursor.Position, count)
	if err != nil {
		return cursor, nil, err
	}
	return oplog.ScanCursor{Position: next, Finished: next == 0}, ids, nil
}

func (s *PrimaryService) scan(ctx context.Context, projectID, componentID uuid.UUID, position, count uint64) (uint64, []oplog.OwnedWorkerID, error) {
	next, names, err := scanWorkerNames(s.db, primaryComponentPrefix(projectID, componentID), position, count)
	if err != nil {
		return 0, nil, oplog.StorageError(err, "scan component %s", componentID)
	}
	return next, ownedIDs(projectID, componentID, names), nil
}

// scanWorkerNames lists distinct worker names under prefix, skipping the
// first position names. next is 0 when the listing is exhausted.
func scanWorkerNames(db *pebblestore.DB, prefix []byte, position, count uint64) (uint64, []string, error) {
	it, err := db.NewPrefixIter(prefix)
	if err != nil {
		return 0, nil, err
	}
	defer it.Close()
	var (
		names []string
		seen  uint64
	)
	for ok := it.First(); ok; {
		name, valid := workerNameFromKey(prefix, it.Key())
		if !valid {
			ok = it.Next()
			continue
		}
		if seen >= position {
			if uint64(len(names)) == count {
				return seen, names, nil
			}
			names = append(names, name)
		}
		seen++
		skip := append(append(append([]byte(nil), prefix...), name...), nameTerm+1)
		ok = it.SeekGE(skip)
	}
	return 0, names, it.Error()
}

func ownedIDs(projectID, componentID uuid.UUID, names []string) []oplog.OwnedWorkerID {
	out := make([]oplog.OwnedWorkerID, len(names))
	for i, n := range names {
		out[i] = oplog.OwnedWorkerID{ProjectID: projectID, WorkerID: oplog.WorkerID{ComponentID: componentID, Name: n}}
	}
	return out
}

// UploadPayload keeps small payloads inline and stores larger ones in the
// blob sink.
func (s *PrimaryService) UploadPayload(ctx context.Context, owned oplog.OwnedWorkerID, data []byte) (oplog.Payload, error) {
	if len(data) <= s.opts.MaxPayloadSize {
		return oplog.InlinePayload(append([]byte(nil), data...)), nil
	}
	ext := oplog.NewExternalPayload(data)
	key := oplog.PayloadKey(owned, ext)
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return oplog.Payload{}, oplog.StorageError(err, "upload payload %s", key)
	}
	s.metrics.PayloadUploaded(len(data))
	return oplog.Payload{External: &ext}, nil
}

func (s *PrimaryService) DownloadPayload(ctx context.Context, owned oplog.OwnedWorkerID, p oplog.Payload) ([]byte, error) {
	if p.External == nil {
		return p.Inline, nil
	}
	key := oplog.PayloadKey(owned, *p.External)
	data, err := s.blobs.Get(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, &oplog.PayloadNotFoundError{Key: key}
	}
	if err != nil {
		return nil, oplog.StorageError(err, "download payload %s", key)
	}
	if !p.External.Verify(data) {
		return nil, &oplog.PayloadCorruptError{Key: key}
	}
	return data, nil
}

// PrimaryOplog is an open handle on the primary tier. Entries are buffered
// until Commit.
type PrimaryOplog struct {
	svc    *PrimaryService
	owned  oplog.OwnedWorkerID
	maxOps int

	mu     sync.Mutex
	buf    entryBuffer
	closed bool
}

var _ oplog.Oplog = (*PrimaryOplog)(nil)

func (o *PrimaryOplog) Add(ctx context.Context, e oplog.Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return oplog.ErrClosed
	}
	o.buf.add(e)
	o.svc.metrics.EntriesAdded(1)
	if len(o.buf.entries) > o.maxOps {
		return o.commitLocked(ctx, oplog.Immediate)
	}
	return nil
}

func (o *PrimaryOplog) Commit(ctx context.Context, level oplog.CommitLevel) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return oplog.ErrClosed
	}
	return o.commitLocked(ctx, level)
}

func (o *PrimaryOplog) commitLocked(ctx context.Context, level oplog.CommitLevel) (err error) {
	if len(o.buf.entries) == 0 {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "oplog.commit")
	defer func() { observability.EndSpan(span, err) }()
	start := time.Now()

	b := o.svc.db.NewBatch()
	defer b.Close()
	pending := o.buf.pending()
	for _, e := range pending {
		val, err := oplog.Encode(e.Entry)
		if err != nil {
			return err
		}
		if err := b.Set(primaryEntryKey(o.owned, e.Index), val, nil); err != nil {
			return oplog.StorageError(err, "commit oplog %s", o.owned)
		}
	}
	durability := pebblestore.DurabilitySync
	if level == oplog.DurableOnly {
		durability = pebblestore.DurabilityRelaxed
	}
	if err := o.svc.db.CommitBatchWith(ctx, b, durability); err != nil {
		return oplog.StorageError(err, "commit oplog %s", o.owned)
	}
	o.buf.markCommitted()
	o.svc.metrics.Committed(len(pending), time.Since(start))
	return nil
}

func (o *PrimaryOplog) CurrentOplogIndex(context.Context) oplog.Index {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.lastIdx
}

func (o *PrimaryOplog) lastCommitted() oplog.Index {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.committedIdx
}

// snapshot returns the last committed index and the pending entries.
func (o *PrimaryOplog) snapshot() (oplog.Index, []oplog.IndexedEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.committedIdx, o.buf.pending()
}

func (o *PrimaryOplog) LastAddedNonHintEntry() (oplog.Index, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.lastNonHint, o.buf.lastNonHint != oplog.NoneIndex
}

func (o *PrimaryOplog) Read(ctx context.Context, idx oplog.Index) (oplog.Entry, error) {
	if e, ok := o.buffered(idx); ok {
		return e, nil
	}
	val, err := o.svc.db.Get(primaryEntryKey(o.owned, idx))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, errors.Wrapf(oplog.ErrEntryNotFound, "%s at %d", o.owned, idx)
	}
	if err != nil {
		return nil, oplog.StorageError(err, "read oplog %s", o.owned)
	}
	return oplog.Decode(val)
}

func (o *PrimaryOplog) buffered(idx oplog.Index) (oplog.Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.get(idx)
}

// ReadMany returns committed and buffered entries in [idx, idx+n).
func (o *PrimaryOplog) ReadMany(ctx context.Context, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error) {
	committed, pending := o.snapshot()
	read := func(ctx context.Context, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error) {
		return o.svc.Read(ctx, o.owned, idx, n)
	}
	return readThrough(ctx, read, committed, pending, idx, n)
}

func (o *PrimaryOplog) Length(ctx context.Context) (uint64, error) {
	return o.svc.Length(ctx, o.owned)
}

// DropPrefix deletes every committed entry up to and including lastDropped.
func (o *PrimaryOplog) DropPrefix(ctx context.Context, lastDropped oplog.Index) error {
	if lastDropped == oplog.NoneIndex {
		return nil
	}
	start := primaryWorkerPrefix(o.owned)
	end := primaryEntryKey(o.owned, lastDropped.Next())
	if err := o.svc.db.DeleteRange(ctx, start, end); err != nil {
		return oplog.StorageError(err, "drop prefix of %s", o.owned)
	}
	o.svc.log.Debug("oplog prefix dropped", log.WorkerID(o.owned), log.OplogIdx("last_dropped", uint64(lastDropped)))
	return nil
}

// WaitForReplicas reports success once the WAL is synced; a single Pebble
// node has no replicas to wait for.
func (o *PrimaryOplog) WaitForReplicas(ctx context.Context, replicas uint8, timeout time.Duration) bool {
	return ctx.Err() == nil
}

func (o *PrimaryOplog) SwitchPersistenceLevel(ctx context.Context, level oplog.PersistenceLevel) error {
	o.mu.Lock()
	changed := o.buf.switchPersistence(level)
	o.mu.Unlock()
	if !changed {
		return nil
	}
	if err := o.Add(ctx, oplog.NewChangePersistenceLevel(level)); err != nil {
		return err
	}
	return o.Commit(ctx, oplog.DurableOnly)
}

func (o *PrimaryOplog) UploadPayload(ctx context.Context, data []byte) (oplog.Payload, error) {
	return o.svc.UploadPayload(ctx, o.owned, data)
}

func (o *PrimaryOplog) DownloadPayload(ctx context.Context, p oplog.Payload) ([]byte, error) {
	return o.svc.DownloadPayload(ctx, o.owned, p)
}

// Close discards uncommitted entries.
func (o *PrimaryOplog) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.buf.entries = nil
	return nil
}
