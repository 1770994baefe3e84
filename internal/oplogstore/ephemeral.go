package oplogstore

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/golem-oplog/internal/oplog"
)

// EphemeralOplog skips the primary tier: committed entries go straight to
// the coldest archive layer.
type EphemeralOplog struct {
	svc    *MultiLayerService
	owned  oplog.OwnedWorkerID
	target oplog.Archive
	maxOps int

	mu     sync.Mutex
	buf    entryBuffer
	closed bool
}

var _ oplog.Oplog = (*EphemeralOplog)(nil)

func (s *MultiLayerService) newEphemeral(owned oplog.OwnedWorkerID, last oplog.Index, target oplog.Archive) *EphemeralOplog {
	return &EphemeralOplog{
		svc:    s,
		owned:  owned,
		target: target,
		maxOps: s.opts.MaxOperationsBeforeCommitEphemeral,
		buf:    newEntryBuffer(last),
	}
}

func (o *EphemeralOplog) Add(ctx context.Context, e oplog.Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return oplog.ErrClosed
	}
	o.buf.add(e)
	o.svc.metrics.EntriesAdded(1)
	if len(o.buf.entries) > o.maxOps {
		return o.commitLocked(ctx)
	}
	return nil
}

// Commit appends the buffer to the archive. Every level is treated alike.
func (o *EphemeralOplog) Commit(ctx context.Context, _ oplog.CommitLevel) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return oplog.ErrClosed
	}
	return o.commitLocked(ctx)
}

func (o *EphemeralOplog) commitLocked(ctx context.Context) error {
	if len(o.buf.entries) == 0 {
		return nil
	}
	start := time.Now()
	pending := o.buf.pending()
	if err := o.target.Append(ctx, pending); err != nil {
		return err
	}
	o.buf.markCommitted()
	o.svc.metrics.Committed(len(pending), time.Since(start))
	return nil
}

func (o *EphemeralOplog) CurrentOplogIndex(context.Context) oplog.Index {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.lastIdx
}

func (o *EphemeralOplog) LastAddedNonHintEntry() (oplog.Index, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.lastNonHint, o.buf.lastNonHint != oplog.NoneIndex
}

func (o *EphemeralOplog) Read(ctx context.Context, idx oplog.Index) (oplog.Entry, error) {
	o.mu.Lock()
	e, ok := o.buf.get(idx)
	o.mu.Unlock()
	if ok {
		return e, nil
	}
	e, found, err := o.target.Read(ctx, idx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(oplog.ErrEntryNotFound, "%s at %d", o.owned, idx)
	}
	return e, nil
}

func (o *EphemeralOplog) ReadMany(ctx context.Context, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error) {
	o.mu.Lock()
	committed, pending := o.buf.committedIdx, o.buf.pending()
	o.mu.Unlock()
	read := func(ctx context.Context, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error) {
		return o.svc.Read(ctx, o.owned, idx, n)
	}
	return readThrough(ctx, read, committed, pending, idx, n)
}

func (o *EphemeralOplog) Length(ctx context.Context) (uint64, error) {
	return o.target.Length(ctx)
}

func (o *EphemeralOplog) DropPrefix(ctx context.Context, lastDropped oplog.Index) error {
	return o.target.DropPrefix(ctx, lastDropped)
}

// WaitForReplicas always succeeds; ephemeral entries are not replicated.
func (o *EphemeralOplog) WaitForReplicas(ctx context.Context, _ uint8, _ time.Duration) bool {
	return ctx.Err() == nil
}

func (o *EphemeralOplog) SwitchPersistenceLevel(ctx context.Context, level oplog.PersistenceLevel) error {
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

func (o *EphemeralOplog) UploadPayload(ctx context.Context, data []byte) (oplog.Payload, error) {
	return o.svc.UploadPayload(ctx, o.owned, data)
}

func (o *EphemeralOplog) DownloadPayload(ctx context.Context, p oplog.Payload) ([]byte, error) {
	return o.svc.DownloadPayload(ctx, o.owned, p)
}

func (o *EphemeralOplog) Close() error {
	return o.svc.release(o.owned)
}

func (o *EphemeralOplog) shutdown() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.buf.entries = nil
	return nil
}
