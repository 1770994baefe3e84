package durability

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/pkg/log"
)

// Guard wraps one durable host function call. In live mode the caller runs
// the side effect and records it with Persist; in replay mode it reads the
// recorded result with Replay instead.
type Guard struct {
	state     *State
	name      string
	ft        oplog.DurableFunctionType
	begin     oplog.Index
	bracketed bool
}

func needsBracket(ft oplog.DurableFunctionType, assumeIdempotence bool) bool {
	switch ft.Kind {
	case oplog.WriteRemote:
		return !assumeIdempotence
	case oplog.WriteRemoteBatched:
		return ft.BatchBegin == nil
	default:
		return false
	}
}

// Begin starts a durable call. Non-idempotent remote writes are bracketed
// by BeginRemoteWrite and EndRemoteWrite so a crash between the two is
// detected on replay.
func (s *State) Begin(ctx context.Context, name string, ft oplog.DurableFunctionType) (*Guard, error) {
	g := &Guard{state: s, name: name, ft: ft}
	if s.persistence == oplog.PersistNothing || !needsBracket(ft, s.AssumeIdempotence) {
		g.begin = s.CurrentOplogIndex(ctx)
		return g, nil
	}
	g.bracketed = true

	if s.IsLive() {
		if err := s.Oplog.Add(ctx, oplog.NewBeginRemoteWrite()); err != nil {
			return nil, err
		}
		if err := s.Oplog.Commit(ctx, oplog.Always); err != nil {
			return nil, err
		}
		g.begin = s.Oplog.CurrentOplogIndex(ctx)
		return g, nil
	}

	begin, _, err := s.Replay.NextOf(ctx, oplog.KindBeginRemoteWrite)
	if err != nil {
		return nil, err
	}
	g.begin = begin
	_, completed, err := s.Replay.Lookup(ctx, func(_ oplog.Index, e oplog.Entry) bool {
		end, ok := e.(oplog.EndRemoteWrite)
		return ok && end.BeginIndex == begin
	})
	if err != nil {
		return nil, err
	}
	if completed {
		return g, nil
	}
	// the last attempt crashed between the bracket entries
	s.Replay.SwitchToLive()
	if !s.AssumeIdempotence {
		s.log.Warn("remote write was not completed", log.Str("function", name), log.OplogIdx("begin_index", uint64(begin)))
		return nil, errors.Wrapf(ErrIncompleteRemoteWrite, "%s", name)
	}
	if err := s.skipAbandonedAttempt(ctx, begin); err != nil {
		return nil, err
	}
	return g, nil
}

// IsLive reports whether the caller must run the side effect. Calls in a
// persist-nothing zone always run.
func (g *Guard) IsLive() bool {
	return g.state.IsLive() || g.state.persistence == oplog.PersistNothing
}

// BeginIndex is the index of the BeginRemoteWrite entry of a bracketed call,
// else the index the call started at.
func (g *Guard) BeginIndex() oplog.Index { return g.begin }

// Persist records the request and response of a live call.
func (g *Guard) Persist(ctx context.Context, request, response []byte) error {
	s := g.state
	if s.persistence == oplog.PersistNothing {
		return nil
	}
	req, err := s.Oplog.UploadPayload(ctx, request)
	if err != nil {
		return errors.Wrapf(err, "upload request of %s", g.name)
	}
	resp, err := s.Oplog.UploadPayload(ctx, response)
	if err != nil {
		return errors.Wrapf(err, "upload response of %s", g.name)
	}
	if err := s.Oplog.Add(ctx, oplog.NewImportedFunctionInvoked(g.name, req, resp, g.ft)); err != nil {
		return err
	}
	return g.end(ctx)
}

// Replay returns the recorded response of the call.
func (g *Guard) Replay(ctx context.Context) ([]byte, error) {
	s := g.state
	if s.persistence == oplog.PersistNothing {
		return nil, ErrPersistNothingReplay
	}
	_, e, err := s.Replay.NextOf(ctx, oplog.KindImportedFunctionInvoked)
	if err != nil {
		return nil, err
	}
	inv := e.(oplog.ImportedFunctionInvoked)
	if inv.FunctionName != g.name {
		return nil, &oplog.UnexpectedOplogEntryError{
			Expected: "ImportedFunctionInvoked(" + g.name + ")",
			Got:      "ImportedFunctionInvoked(" + inv.FunctionName + ")",
		}
	}
	response, err := s.Oplog.DownloadPayload(ctx, inv.Response)
	if err != nil {
		return nil, errors.Wrapf(err, "download response of %s", g.name)
	}
	if err := g.end(ctx); err != nil {
		return nil, err
	}
	return response, nil
}

func (g *Guard) end(ctx context.Context) error {
	s := g.state
	if g.bracketed {
		if s.IsLive() {
			if err := s.Oplog.Add(ctx, oplog.NewEndRemoteWrite(g.begin)); err != nil {
				return err
			}
		} else if _, _, err := s.Replay.NextOf(ctx, oplog.KindEndRemoteWrite); err != nil {
			return err
		}
	}
	if s.IsLive() && (g.ft.Kind == oplog.WriteRemote || g.ft.Kind == oplog.WriteRemoteBatched) {
		return s.Oplog.Commit(ctx, oplog.DurableOnly)
	}
	return nil
}

// TryTriggerRetry decides what to do with a failed live call. It returns
// err when the retry policy allows another attempt, which makes the
// executor restart the worker. A nil result means the failure is final and
// should be persisted as the call's result.
func (g *Guard) TryTriggerRetry(err error) error {
	s := g.state
	policy := s.RetryPolicy()
	if policy.IsRetriable(oplog.WorkerError{Kind: oplog.ErrorUnknown, Details: err.Error()}, s.RetryCount+1) {
		s.log.Debug("triggering retry", log.Str("function", g.name), log.Err(err))
		return err
	}
	return nil
}
