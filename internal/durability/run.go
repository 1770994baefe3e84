package durability

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/golem-oplog/internal/oplog"
)

// result is the recorded outcome of a call made through Run.
type result[T any] struct {
	Value T      `json:"value"`
	Error string `json:"error,omitempty"`
}

// Run executes effect durably. When live, effect runs and its outcome is
// recorded; failures the retry policy allows to retry are returned without
// being recorded. When replaying, the recorded outcome is returned and
// effect is not called. A recorded failure comes back as *RecordedError.
func Run[Req, Resp any](ctx context.Context, s *State, name string, ft oplog.DurableFunctionType, req Req, effect func(context.Context, Req) (Resp, error)) (Resp, error) {
	var zero Resp
	g, err := s.Begin(ctx, name, ft)
	if err != nil {
		return zero, err
	}

	if !g.IsLive() {
		raw, err := g.Replay(ctx)
		if err != nil {
			return zero, err
		}
		var rec result[Resp]
		if err := json.Unmarshal(raw, &rec); err != nil {
			return zero, errors.Wrapf(err, "decode recorded result of %s", name)
		}
		if rec.Error != "" {
			return zero, &RecordedError{Message: rec.Error}
		}
		return rec.Value, nil
	}

	resp, callErr := effect(ctx, req)
	rec := result[Resp]{Value: resp}
	if callErr != nil {
		if retry := g.TryTriggerRetry(callErr); retry != nil {
			return zero, retry
		}
		rec = result[Resp]{Error: callErr.Error()}
	}
	request, err := json.Marshal(req)
	if err != nil {
		return zero, errors.Wrapf(err, "encode request of %s", name)
	}
	response, err := json.Marshal(rec)
	if err != nil {
		return zero, errors.Wrapf(err, "encode result of %s", name)
	}
	if err := g.Persist(ctx, request, response); err != nil {
		return zero, err
	}
	return resp, callErr
}
