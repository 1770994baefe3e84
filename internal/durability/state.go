package durability

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/pkg/log"
)

// commitPollInterval bounds each wait in OplogCommit so cancellation is
// noticed.
const commitPollInterval = time.Second

// Options configures a State.
type Options struct {
	DefaultRetry      oplog.RetryConfig
	AssumeIdempotence bool
	Logger            log.Logger
}

// State is the durable execution state of one running worker. It is owned
// by the worker's goroutine and is not safe for concurrent use.
type State struct {
	Replay *ReplayState
	Oplog  oplog.Oplog

	// AssumeIdempotence lets remote writes be retried without brackets.
	AssumeIdempotence bool
	// RetryCount is the number of failed attempts at the current retry
	// point, maintained by the executor from the worker status.
	RetryCount uint32

	persistence   oplog.PersistenceLevel
	defaultRetry  oplog.RetryConfig
	overrideRetry *oplog.RetryConfig
	log           log.Logger
}

// NewState opens the execution state of the worker behind h. skipped are
// the regions known from the worker status.
func NewState(ctx context.Context, h oplog.Oplog, skipped oplog.DeletedRegions, opts Options) *State {
	logger := log.OrNop(opts.Logger)
	if opts.DefaultRetry.MaxAttempts == 0 {
		opts.DefaultRetry = oplog.DefaultRetryConfig()
	}
	return &State{
		Replay:            NewReplayState(ctx, h, skipped, logger),
		Oplog:             h,
		AssumeIdempotence: opts.AssumeIdempotence,
		defaultRetry:      opts.DefaultRetry,
		log:               logger.WithComponent("durability"),
	}
}

func (s *State) IsLive() bool { return s.Replay.IsLive() }

// PersistenceLevel is the level set by the last SetPersistenceLevel.
func (s *State) PersistenceLevel() oplog.PersistenceLevel { return s.persistence }

// CurrentOplogIndex is the last added index when live and the last
// replayed index otherwise.
func (s *State) CurrentOplogIndex(ctx context.Context) oplog.Index {
	if s.IsLive() {
		return s.Oplog.CurrentOplogIndex(ctx)
	}
	return s.Replay.LastReplayedIndex()
}

func (s *State) addAndCommit(ctx context.Context, e oplog.Entry) error {
	if err := s.Oplog.Add(ctx, e); err != nil {
		return err
	}
	return s.Oplog.Commit(ctx, oplog.Always)
}

// skipAbandonedAttempt is called after replay switched to live in the middle
// of an unfinished operation. It records a Jump over the abandoned attempt
// so a later replay only sees the retry. The region starts after keep and
// includes the Jump itself.
func (s *State) skipAbandonedAttempt(ctx context.Context, keep oplog.Index) error {
	region := oplog.Region{Start: keep.Next(), End: s.Replay.ReplayTarget().Next()}
	s.Replay.AddSkippedRegion(region)
	s.log.Debug("skipping abandoned attempt", log.Str("region", region.String()))
	return s.addAndCommit(ctx, oplog.NewJump(region))
}

// SetOplogIndex rewinds the worker to just after target. When live it
// records a Jump and returns an InterruptError of kind InterruptJump; the
// replayed call is a no-op.
func (s *State) SetOplogIndex(ctx context.Context, target oplog.Index) error {
	jumpSource := s.CurrentOplogIndex(ctx).Next() // index of the Jump entry
	jumpTarget := target.Next()
	if jumpTarget > jumpSource {
		return errors.Newf("attempted to jump forward in oplog to %d from %d", jumpTarget, jumpSource)
	}
	if s.Replay.IsInSkippedRegion(jumpTarget) {
		return errors.Newf("attempted to jump into a deleted region of the oplog at %d from %d", jumpTarget, jumpSource)
	}
	if !s.IsLive() {
		return nil
	}
	region := oplog.Region{Start: jumpTarget, End: jumpSource}
	s.Replay.AddSkippedRegion(region)
	if err := s.addAndCommit(ctx, oplog.NewJump(region)); err != nil {
		return err
	}
	s.log.Debug("interrupting for jump", log.OplogIdx("from", uint64(jumpSource)), log.OplogIdx("to", uint64(jumpTarget)))
	return &InterruptError{Kind: InterruptJump}
}

// MarkBeginOperation opens an atomic region. When replay finds the region
// was never closed, the worker goes live and the earlier attempt is skipped.
func (s *State) MarkBeginOperation(ctx context.Context) (oplog.Index, error) {
	if s.IsLive() {
		if err := s.Oplog.Add(ctx, oplog.NewBeginAtomicRegion()); err != nil {
			return oplog.NoneIndex, err
		}
		return s.Oplog.CurrentOplogIndex(ctx), nil
	}
	begin, _, err := s.Replay.NextOf(ctx, oplog.KindBeginAtomicRegion)
	if err != nil {
		return oplog.NoneIndex, err
	}
	_, closed, err := s.Replay.Lookup(ctx, func(_ oplog.Index, e oplog.Entry) bool {
		end, ok := e.(oplog.EndAtomicRegion)
		return ok && end.BeginIndex == begin
	})
	if err != nil {
		return oplog.NoneIndex, err
	}
	if !closed {
		s.Replay.SwitchToLive()
		if err := s.skipAbandonedAttempt(ctx, begin); err != nil {
			return oplog.NoneIndex, err
		}
	}
	return begin, nil
}

func (s *State) MarkEndOperation(ctx context.Context, begin oplog.Index) error {
	if s.IsLive() {
		return s.Oplog.Add(ctx, oplog.NewEndAtomicRegion(begin))
	}
	_, _, err := s.Replay.NextOf(ctx, oplog.KindEndAtomicRegion)
	return err
}

// RetryPolicy is the overridden policy if any, else the default.
func (s *State) RetryPolicy() oplog.RetryConfig {
	if s.overrideRetry != nil {
		return *s.overrideRetry
	}
	return s.defaultRetry
}

func (s *State) SetRetryPolicy(ctx context.Context, policy oplog.RetryConfig) error {
	s.overrideRetry = &policy
	if s.IsLive() {
		return s.Oplog.Add(ctx, oplog.NewChangeRetryPolicy(policy))
	}
	_, _, err := s.Replay.NextOf(ctx, oplog.KindChangeRetryPolicy)
	return err
}

// SetPersistenceLevel records a level change. Replaying into a
// persist-nothing zone that was never closed switches to live and skips
// the zone.
func (s *State) SetPersistenceLevel(ctx context.Context, level oplog.PersistenceLevel) error {
	if level == s.persistence {
		return nil
	}
	if s.IsLive() {
		if err := s.Oplog.Add(ctx, oplog.NewChangePersistenceLevel(level)); err != nil {
			return err
		}
		if err := s.Oplog.Commit(ctx, oplog.DurableOnly); err != nil {
			return err
		}
	} else {
		before := s.CurrentOplogIndex(ctx)
		if _, _, err := s.Replay.NextOf(ctx, oplog.KindChangePersistenceLevel); err != nil {
			return err
		}
		if s.IsLive() && s.CurrentOplogIndex(ctx) > before.Next() {
			if err := s.skipAbandonedAttempt(ctx, before); err != nil {
				return err
			}
		}
	}
	s.persistence = level
	s.log.Debug("persistence level changed", log.Str("level", level.String()))
	return nil
}

// OplogCommit waits until the oplog reached replicas replicas. It polls so
// a cancelled ctx interrupts the wait.
func (s *State) OplogCommit(ctx context.Context, replicas uint8) error {
	if !s.IsLive() {
		return nil
	}
	for {
		if s.Oplog.WaitForReplicas(ctx, replicas, commitPollInterval) {
			return nil
		}
		if ctx.Err() != nil {
			return &InterruptError{Kind: InterruptCancel}
		}
		s.log.Debug("oplog not yet replicated, retrying", log.Int("replicas", int(replicas)))
	}
}
