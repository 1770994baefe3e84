package oplogstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rzbill/golem-oplog/internal/observability"
	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/pkg/log"
)

const (
	// DefaultEntryCountLimit is the number of committed primary entries that
	// triggers a transfer to the first archive layer.
	DefaultEntryCountLimit = 1024

	transferQueueSize = 64
)

// MultiLayerOptions configures tiering.
type MultiLayerOptions struct {
	// EntryCountLimit triggers a transfer out of the primary tier.
	EntryCountLimit uint64
	// LayerEntryLimits triggers transfers out of each intermediate archive
	// layer. Missing values default to ten times EntryCountLimit.
	LayerEntryLimits []uint64
	// MaxOperationsBeforeCommitEphemeral bounds the buffer of ephemeral oplogs.
	MaxOperationsBeforeCommitEphemeral int
	Logger                             log.Logger
	Metrics                            Metrics
}

// MultiLayerService fronts the primary tier with one or more archive tiers.
// Entries move from hotter to colder tiers in the background.
type MultiLayerService struct {
	primary *PrimaryService
	lower   []oplog.ArchiveService
	opts    MultiLayerOptions
	log     log.Logger
	metrics Metrics

	mu   sync.Mutex
	open map[oplog.OwnedWorkerID]*openOplog
}

type openOplog struct {
	handle   oplog.Oplog
	refs     int
	shutdown func() error
}

var _ oplog.Service = (*MultiLayerService)(nil)

func NewMultiLayerService(primary *PrimaryService, lower []oplog.ArchiveService, opts MultiLayerOptions) (*MultiLayerService, error) {
	if len(lower) == 0 {
		return nil, errors.New("oplogstore: at least one archive layer is required")
	}
	if opts.EntryCountLimit == 0 {
		opts.EntryCountLimit = DefaultEntryCountLimit
	}
	if opts.MaxOperationsBeforeCommitEphemeral <= 0 {
		opts.MaxOperationsBeforeCommitEphemeral = DefaultMaxOperationsBeforeCommit
	}
	m := opts.Metrics
	if m == nil {
		m = NoopMetrics{}
	}
	return &MultiLayerService{
		primary: primary,
		lower:   lower,
		opts:    opts,
		log:     log.OrNop(opts.Logger).WithComponent("oplog.multilayer"),
		metrics: m,
		open:    make(map[oplog.OwnedWorkerID]*openOplog),
	}, nil
}

func (s *MultiLayerService) layerLimit(i int) uint64 {
	if i < len(s.opts.LayerEntryLimits) && s.opts.LayerEntryLimits[i] > 0 {
		return s.opts.LayerEntryLimits[i]
	}
	return 10 * s.opts.EntryCountLimit
}

// getOrOpen returns the registered handle of owned or registers a new one.
func (s *MultiLayerService) getOrOpen(owned oplog.OwnedWorkerID, build func() (oplog.Oplog, func() error, error)) (oplog.Oplog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.open[owned]; ok {
		o.refs++
		return o.handle, nil
	}
	h, shutdown, err := build()
	if err != nil {
		return nil, err
	}
	s.open[owned] = &openOplog{handle: h, refs: 1, shutdown: shutdown}
	return h, nil
}

// release drops one reference and shuts the handle down with the last one.
func (s *MultiLayerService) release(owned oplog.OwnedWorkerID) error {
	s.mu.Lock()
	o, ok := s.open[owned]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	o.refs--
	if o.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.open, owned)
	s.mu.Unlock()
	return o.shutdown()
}

func (s *MultiLayerService) Create(ctx context.Context, owned oplog.OwnedWorkerID, initial oplog.Entry, ctype oplog.ComponentType) (oplog.Oplog, error) {
	return s.getOrOpen(owned, func() (oplog.Oplog, func() error, error) {
		if ctype == oplog.Ephemeral {
			target, err := s.lower[len(s.lower)-1].Open(ctx, owned)
			if err != nil {
				return nil, nil, err
			}
			if err := target.Append(ctx, []oplog.IndexedEntry{{Index: oplog.InitialIndex, Entry: initial}}); err != nil {
				return nil, nil, err
			}
			e := s.newEphemeral(owned, oplog.InitialIndex, target)
			return e, e.shutdown, nil
		}
		primary, err := s.primary.create(ctx, owned, initial)
		if err != nil {
			return nil, nil, err
		}
		o, err := s.newMultiLayerOplog(ctx, owned, primary)
		if err != nil {
			return nil, nil, err
		}
		return o, o.shutdown, nil
	})
}

// Open resumes the oplog of owned. A NoneIndex lastIdx is looked up across
// tiers.
func (s *MultiLayerService) Open(ctx context.Context, owned oplog.OwnedWorkerID, lastIdx oplog.Index, ctype oplog.ComponentType) (oplog.Oplog, error) {
	return s.getOrOpen(owned, func() (oplog.Oplog, func() error, error) {
		if lastIdx == oplog.NoneIndex {
			var err error
			if lastIdx, err = s.GetLastIndex(ctx, owned); err != nil {
				return nil, nil, err
			}
		}
		if ctype == oplog.Ephemeral {
			target, err := s.lower[len(s.lower)-1].Open(ctx, owned)
			if err != nil {
				return nil, nil, err
			}
			e := s.newEphemeral(owned, lastIdx, target)
			return e, e.shutdown, nil
		}
		o, err := s.newMultiLayerOplog(ctx, owned, s.primary.open(owned, lastIdx))
		if err != nil {
			return nil, nil, err
		}
		return o, o.shutdown, nil
	})
}

// GetLastIndex is the highest index stored in any tier.
func (s *MultiLayerService) GetLastIndex(ctx context.Context, owned oplog.OwnedWorkerID) (oplog.Index, error) {
	last, err := s.primary.GetLastIndex(ctx, owned)
	if err != nil {
		return oplog.NoneIndex, err
	}
	for _, l := range s.lower {
		idx, err := l.GetLastIndex(ctx, owned)
		if err != nil {
			return oplog.NoneIndex, err
		}
		if idx > last {
			last = idx
		}
	}
	return last, nil
}

func (s *MultiLayerService) Delete(ctx context.Context, owned oplog.OwnedWorkerID) error {
	if err := s.primary.Delete(ctx, owned); err != nil {
		return err
	}
	for _, l := range s.lower {
		if err := l.Delete(ctx, owned); err != nil {
			return err
		}
	}
	return nil
}

func (s *MultiLayerService) Exists(ctx context.Context, owned oplog.OwnedWorkerID) (bool, error) {
	if ok, err := s.primary.Exists(ctx, owned); ok || err != nil {
		return ok, err
	}
	for _, l := range s.lower {
		if ok, err := l.Exists(ctx, owned); ok || err != nil {
			return ok, err
		}
	}
	return false, nil
}

// Read probes tiers from hottest to coldest. An index found in a hotter tier
// shadows the copies in colder ones.
func (s *MultiLayerService) Read(ctx context.Context, owned oplog.OwnedWorkerID, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error) {
	last, err := s.GetLastIndex(ctx, owned)
	if err != nil {
		return nil, err
	}
	if n == 0 || idx > last {
		return nil, nil
	}
	if avail := uint64(last-idx) + 1; n > avail {
		n = avail
	}

	found := make(map[oplog.Index]oplog.Entry, n)
	collect := func(entries []oplog.IndexedEntry) bool {
		for _, e := range entries {
			if _, ok := found[e.Index]; !ok {
				found[e.Index] = e.Entry
			}
		}
		return len(entries) > 0 && entries[0].Index == idx
	}
	entries, err := s.primary.Read(ctx, owned, idx, n)
	if err != nil {
		return nil, err
	}
	if !collect(entries) {
		for _, l := range s.lower {
			entries, err := l.Read(ctx, owned, idx, n)
			if err != nil {
				return nil, err
			}
			if collect(entries) {
				break
			}
		}
	}

	out := make([]oplog.IndexedEntry, 0, len(found))
	for i, e := range found {
		out = append(out, oplog.IndexedEntry{Index: i, Entry: e})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out, nil
}

// ScanForComponent walks the primary tier and then each archive tier. A
// worker is reported by the coldest tier holding it.
func (s *MultiLayerService) ScanForComponent(ctx context.Context, projectID, componentID uuid.UUID, cursor oplog.ScanCursor, count uint64) (oplog.ScanCursor, []oplog.OwnedWorkerID, error) {
	if cursor.Finished {
		return cursor, nil, nil
	}
	var (
		next uint64
		ids  []oplog.OwnedWorkerID
		err  error
	)
	switch {
	case cursor.Layer == 0:
		next, ids, err = s.primary.scan(ctx, projectID, componentID, cursor.Position, count)
	case cursor.Layer <= len(s.lower):
		next, ids, err = s.lower[cursor.Layer-1].ScanForComponent(ctx, projectID, componentID, cursor.Position, count)
	default:
		return cursor, nil, errors.Newf("oplogstore: invalid scan layer %d", cursor.Layer)
	}
	if err != nil {
		return cursor, nil, err
	}
	if ids, err = s.filterColder(ctx, ids, cursor.Layer); err != nil {
		return cursor, nil, err
	}
	switch {
	case next != 0:
		return oplog.ScanCursor{Layer: cursor.Layer, Position: next}, ids, nil
	case cursor.Layer < len(s.lower):
		return oplog.ScanCursor{Layer: cursor.Layer + 1}, ids, nil
	default:
		return oplog.ScanCursor{Layer: cursor.Layer, Finished: true}, ids, nil
	}
}

// filterColder drops ids that also exist in a tier colder than layer.
func (s *MultiLayerService) filterColder(ctx context.Context, ids []oplog.OwnedWorkerID, layer int) ([]oplog.OwnedWorkerID, error) {
	out := ids[:0]
	for _, id := range ids {
		colder := false
		for _, l := range s.lower[layer:] {
			ok, err := l.Exists(ctx, id)
			if err != nil {
				return nil, err
			}
			if ok {
				colder = true
				break
			}
		}
		if !colder {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *MultiLayerService) UploadPayload(ctx context.Context, owned oplog.OwnedWorkerID, data []byte) (oplog.Payload, error) {
	return s.primary.UploadPayload(ctx, owned, data)
}

func (s *MultiLayerService) DownloadPayload(ctx context.Context, owned oplog.OwnedWorkerID, p oplog.Payload) ([]byte, error) {
	return s.primary.DownloadPayload(ctx, owned, p)
}

// transferRequest moves every entry up to upTo from source to the next tier.
// Source 0 is the primary tier; source i is archive layer i-1.
type transferRequest struct {
	source int
	upTo   oplog.Index
	done   chan error
}

// MultiLayerOplog is an open durable oplog. Writes go to the primary tier;
// a goroutine drains transfer requests towards the archive tiers.
type MultiLayerOplog struct {
	svc     *MultiLayerService
	owned   oplog.OwnedWorkerID
	primary *PrimaryOplog
	lower   []oplog.Archive
	log     log.Logger

	transfers chan transferRequest
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu                sync.Mutex
	lastTransferPoint oplog.Index
}

var _ oplog.Oplog = (*MultiLayerOplog)(nil)

func (s *MultiLayerService) newMultiLayerOplog(ctx context.Context, owned oplog.OwnedWorkerID, primary *PrimaryOplog) (*MultiLayerOplog, error) {
	o := &MultiLayerOplog{
		svc:       s,
		owned:     owned,
		primary:   primary,
		log:       s.log.With(log.WorkerID(owned)),
		transfers: make(chan transferRequest, transferQueueSize),
	}
	for i, svc := range s.lower {
		a, err := svc.Open(ctx, owned)
		if err != nil {
			return nil, err
		}
		if i < len(s.lower)-1 {
			n, err := a.Length(ctx)
			if err != nil {
				return nil, err
			}
			a = &countingArchive{Archive: a, source: i + 1, owner: o, limit: s.layerLimit(i), count: n}
		}
		o.lower = append(o.lower, a)
	}
	stored, err := primary.Length(ctx)
	if err != nil {
		return nil, err
	}
	o.lastTransferPoint = primary.lastCommitted().Subtract(stored)

	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.wg.Add(1)
	go o.runTransfers()
	return o, nil
}

func (o *MultiLayerOplog) runTransfers() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case req := <-o.transfers:
			err := o.transfer(o.ctx, req)
			if req.done != nil {
				req.done <- err
			}
		}
	}
}

// enqueue schedules req without blocking and reports whether it was queued.
func (o *MultiLayerOplog) enqueue(req transferRequest) bool {
	select {
	case o.transfers <- req:
		return true
	default:
		o.log.Warn("transfer queue full", log.Int("source", req.source))
		return false
	}
}

// transferAndWait queues req and waits for the transfer goroutine to run it.
func (o *MultiLayerOplog) transferAndWait(ctx context.Context, source int, upTo oplog.Index) error {
	req := transferRequest{source: source, upTo: upTo, done: make(chan error, 1)}
	select {
	case o.transfers <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.ctx.Done():
		return oplog.ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.ctx.Done():
		return oplog.ErrClosed
	}
}

// transfer copies entries to the next tier and only then drops them from
// the source.
func (o *MultiLayerOplog) transfer(ctx context.Context, req transferRequest) (err error) {
	ctx, span := observability.StartSpan(ctx, "oplog.transfer", attribute.Int("source", req.source))
	defer func() { observability.EndSpan(span, err) }()

	var (
		entries []oplog.IndexedEntry
		target  oplog.Archive
		drop    func(context.Context, oplog.Index) error
	)
	if req.source == 0 {
		entries, err = o.svc.primary.Read(ctx, o.owned, oplog.InitialIndex, uint64(req.upTo))
		target, drop = o.lower[0], o.primary.DropPrefix
	} else {
		src := o.lower[req.source-1]
		entries, err = src.ReadPrefix(ctx, req.upTo)
		target, drop = o.lower[req.source], src.DropPrefix
	}
	if err == nil && len(entries) == 0 {
		o.log.Warn("no entries to transfer", log.Int("source", req.source), log.OplogIdx("up_to", uint64(req.upTo)))
		return nil
	}
	if err == nil {
		err = target.Append(ctx, entries)
	}
	last := oplog.NoneIndex
	if err == nil {
		last = entries[len(entries)-1].Index
		err = drop(ctx, last)
	}
	if err != nil {
		o.svc.metrics.TransferFailed(req.source)
		o.log.Error("oplog transfer failed", log.Int("source", req.source), log.Err(err))
		return err
	}
	o.svc.metrics.Transferred(req.source, len(entries))
	o.log.Debug("oplog entries transferred",
		log.Int("source", req.source),
		log.Int("entries", len(entries)),
		log.OplogIdx("last", uint64(last)))
	return nil
}

func (o *MultiLayerOplog) Add(ctx context.Context, e oplog.Entry) error {
	return o.primary.Add(ctx, e)
}

// Commit flushes the primary buffer and schedules a transfer once the
// primary holds EntryCountLimit entries beyond the last transfer point.
func (o *MultiLayerOplog) Commit(ctx context.Context, level oplog.CommitLevel) error {
	if err := o.primary.Commit(ctx, level); err != nil {
		return err
	}
	last := o.primary.lastCommitted()
	o.mu.Lock()
	defer o.mu.Unlock()
	if uint64(last.Subtract(uint64(o.lastTransferPoint))) >= o.svc.opts.EntryCountLimit {
		if o.enqueue(transferRequest{upTo: last}) {
			o.lastTransferPoint = last
		}
	}
	return nil
}

func (o *MultiLayerOplog) CurrentOplogIndex(ctx context.Context) oplog.Index {
	return o.primary.CurrentOplogIndex(ctx)
}

func (o *MultiLayerOplog) LastAddedNonHintEntry() (oplog.Index, bool) {
	return o.primary.LastAddedNonHintEntry()
}

func (o *MultiLayerOplog) Read(ctx context.Context, idx oplog.Index) (oplog.Entry, error) {
	if e, ok := o.primary.buffered(idx); ok {
		return e, nil
	}
	entries, err := o.svc.Read(ctx, o.owned, idx, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || entries[0].Index != idx {
		return nil, errors.Wrapf(oplog.ErrEntryNotFound, "%s at %d", o.owned, idx)
	}
	return entries[0].Entry, nil
}

func (o *MultiLayerOplog) ReadMany(ctx context.Context, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error) {
	committed, pending := o.primary.snapshot()
	read := func(ctx context.Context, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error) {
		return o.svc.Read(ctx, o.owned, idx, n)
	}
	return readThrough(ctx, read, committed, pending, idx, n)
}

// Length sums the entries stored in every tier.
func (o *MultiLayerOplog) Length(ctx context.Context) (uint64, error) {
	total, err := o.primary.Length(ctx)
	if err != nil {
		return 0, err
	}
	for _, l := range o.lower {
		n, err := l.Length(ctx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (o *MultiLayerOplog) DropPrefix(ctx context.Context, lastDropped oplog.Index) error {
	if err := o.primary.DropPrefix(ctx, lastDropped); err != nil {
		return err
	}
	o.mu.Lock()
	if lastDropped > o.lastTransferPoint {
		o.lastTransferPoint = lastDropped
	}
	o.mu.Unlock()
	return nil
}

func (o *MultiLayerOplog) WaitForReplicas(ctx context.Context, replicas uint8, timeout time.Duration) bool {
	return o.primary.WaitForReplicas(ctx, replicas, timeout)
}

func (o *MultiLayerOplog) SwitchPersistenceLevel(ctx context.Context, level oplog.PersistenceLevel) error {
	o.primary.mu.Lock()
	changed := o.primary.buf.switchPersistence(level)
	o.primary.mu.Unlock()
	if !changed {
		return nil
	}
	if err := o.Add(ctx, oplog.NewChangePersistenceLevel(level)); err != nil {
		return err
	}
	return o.Commit(ctx, oplog.DurableOnly)
}

func (o *MultiLayerOplog) UploadPayload(ctx context.Context, data []byte) (oplog.Payload, error) {
	return o.primary.UploadPayload(ctx, data)
}

func (o *MultiLayerOplog) DownloadPayload(ctx context.Context, p oplog.Payload) ([]byte, error) {
	return o.primary.DownloadPayload(ctx, p)
}

// Close releases this reference. The last reference stops the transfer
// goroutine and discards uncommitted entries.
func (o *MultiLayerOplog) Close() error {
	return o.svc.release(o.owned)
}

func (o *MultiLayerOplog) shutdown() error {
	o.cancel()
	o.wg.Wait()
	return o.primary.Close()
}

// TryArchive moves the entries of the hottest non-empty tier of h one tier
// colder and waits for it. more reports whether another call would still
// have a tier to move; ok is false when h is not a multi-layer oplog.
func TryArchive(ctx context.Context, h oplog.Oplog) (more, ok bool, err error) {
	o, isMulti := h.(*MultiLayerOplog)
	if !isMulti {
		return false, false, nil
	}
	_, more, err = o.archive(ctx)
	return more, true, err
}

// ArchiveAll repeats TryArchive until every entry of h sits in the coldest
// tier and returns the number of transfers made.
func ArchiveAll(ctx context.Context, h oplog.Oplog) (steps int, ok bool, err error) {
	o, isMulti := h.(*MultiLayerOplog)
	if !isMulti {
		return 0, false, nil
	}
	for {
		moved, more, err := o.archive(ctx)
		if err != nil {
			return steps, true, err
		}
		if moved {
			steps++
		}
		if !more {
			return steps, true, nil
		}
	}
}

func (o *MultiLayerOplog) archive(ctx context.Context) (moved, more bool, err error) {
	stored, err := o.primary.Length(ctx)
	if err != nil {
		return false, false, err
	}
	if stored > 0 {
		last := o.primary.lastCommitted()
		o.mu.Lock()
		if last > o.lastTransferPoint {
			o.lastTransferPoint = last
		}
		o.mu.Unlock()
		return true, len(o.lower) > 1, o.transferAndWait(ctx, 0, last)
	}
	for i := 0; i < len(o.lower)-1; i++ {
		n, err := o.lower[i].Length(ctx)
		if err != nil {
			return false, false, err
		}
		if n == 0 {
			continue
		}
		last, err := o.lower[i].CurrentOplogIndex(ctx)
		if err != nil {
			return false, false, err
		}
		return true, i < len(o.lower)-2, o.transferAndWait(ctx, i+1, last)
	}
	return false, false, nil
}

// countingArchive wraps an intermediate archive layer and schedules a
// transfer to the next layer once limit entries were appended.
type countingArchive struct {
	oplog.Archive
	source int
	owner  *MultiLayerOplog
	limit  uint64

	mu    sync.Mutex
	count uint64
}

func (a *countingArchive) Append(ctx context.Context, chunk []oplog.IndexedEntry) error {
	if len(chunk) == 0 {
		return nil
	}
	if err := a.Archive.Append(ctx, chunk); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count += uint64(len(chunk))
	if a.count >= a.limit && a.owner.enqueue(transferRequest{source: a.source, upTo: chunk[len(chunk)-1].Index}) {
		a.count = 0
	}
	return nil
}

func (a *countingArchive) DropPrefix(ctx context.Context, last oplog.Index) error {
	if err := a.Archive.DropPrefix(ctx, last); err != nil {
		return err
	}
	n, err := a.Archive.Length(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if n < a.count {
		a.count = n
	}
	a.mu.Unlock()
	return nil
}
