package status

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rzbill/golem-oplog/internal/observability"
	"github.com/rzbill/golem-oplog/internal/oplog"
)

// Reader is the part of oplog.Service the status calculation reads from.
type Reader interface {
	GetLastIndex(ctx context.Context, owned oplog.OwnedWorkerID) (oplog.Index, error)
	Read(ctx context.Context, owned oplog.OwnedWorkerID, idx oplog.Index, n uint64) ([]oplog.IndexedEntry, error)
}

// maxRecalculations bounds the restarts from scratch. A fold from an empty
// record never needs one.
const maxRecalculations = 1

// ErrNoOplog is returned for workers without a Create entry.
var ErrNoOplog = errors.New("status: worker has no oplog")

// Calculate brings cached up to the end of the worker's oplog, reading only
// the entries after cached.OplogIdx. A nil cached folds the whole oplog.
func Calculate(ctx context.Context, reader Reader, owned oplog.OwnedWorkerID, cached *Record, defaultRetry oplog.RetryConfig) (_ *Record, err error) {
	ctx, span := observability.StartSpan(ctx, "status.calculate", attribute.String("worker", owned.String()))
	defer func() { observability.EndSpan(span, err) }()
	return calculate(ctx, reader, owned, cached, defaultRetry, 0)
}

func calculate(ctx context.Context, reader Reader, owned oplog.OwnedWorkerID, cached *Record, defaultRetry oplog.RetryConfig, depth int) (*Record, error) {
	if cached == nil {
		cached = NewRecord()
	}
	last, err := reader.GetLastIndex(ctx, owned)
	if err != nil {
		return nil, err
	}
	if last == oplog.NoneIndex {
		return nil, ErrNoOplog
	}
	if last < cached.OplogIdx {
		return nil, errors.Newf("status: cached index %d is past the end of the oplog at %d", cached.OplogIdx, last)
	}
	if last == cached.OplogIdx {
		return cached, nil
	}

	entries, err := reader.Read(ctx, owned, cached.OplogIdx.Next(), uint64(last-cached.OplogIdx))
	if err != nil {
		return nil, errors.Wrapf(err, "read oplog of %s", owned)
	}
	if r, ok := Fold(cached, entries, defaultRetry); ok {
		return r, nil
	}
	if depth >= maxRecalculations {
		return nil, errors.Newf("status: cannot recompute status of %s", owned)
	}
	return calculate(ctx, reader, owned, nil, defaultRetry, depth+1)
}
