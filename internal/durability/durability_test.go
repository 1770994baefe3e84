package durability

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/rzbill/golem-oplog/internal/blobstore"
	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/internal/oplogstore"
	pebblestore "github.com/rzbill/golem-oplog/internal/storage/pebble"
)

var readRemote = oplog.DurableFunctionType{Kind: oplog.ReadRemote}

type harness struct {
	t     *testing.T
	svc   *oplogstore.PrimaryService
	owned oplog.OwnedWorkerID
	h     oplog.Oplog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	hs := &harness{
		t:   t,
		svc: oplogstore.NewPrimaryService(db, blobstore.NewMemory(), oplogstore.PrimaryOptions{MaxPayloadSize: 32}),
		owned: oplog.OwnedWorkerID{
			ProjectID: uuid.New(),
			WorkerID:  oplog.WorkerID{ComponentID: uuid.New(), Name: "w1"},
		},
	}
	create := oplog.Create{Stamp: oplog.Now(), WorkerID: hs.owned.WorkerID, ComponentVersion: 1}
	hs.h, err = hs.svc.Create(context.Background(), hs.owned, create, oplog.Durable)
	if err != nil {
		t.Fatalf("create oplog: %v", err)
	}
	return hs
}

// restart commits, closes and reopens the oplog as a recovering executor
// would.
func (hs *harness) restart() {
	hs.t.Helper()
	ctx := context.Background()
	if err := hs.h.Commit(ctx, oplog.Immediate); err != nil {
		hs.t.Fatalf("commit: %v", err)
	}
	_ = hs.h.Close()
	last, err := hs.svc.GetLastIndex(ctx, hs.owned)
	if err != nil {
		hs.t.Fatalf("last index: %v", err)
	}
	hs.h, err = hs.svc.Open(ctx, hs.owned, last, oplog.Durable)
	if err != nil {
		hs.t.Fatalf("open: %v", err)
	}
}

func (hs *harness) state(skipped ...oplog.Region) *State {
	return NewState(context.Background(), hs.h, oplog.NewDeletedRegions(skipped...), Options{})
}

func (hs *harness) entry(idx oplog.Index) oplog.Entry {
	hs.t.Helper()
	e, err := hs.h.Read(context.Background(), idx)
	if err != nil {
		hs.t.Fatalf("read %d: %v", idx, err)
	}
	return e
}

// counter is a side effect that returns how often it ran.
type counter struct{ calls int }

func (c *counter) call(context.Context, string) (int, error) {
	c.calls++
	return c.calls, nil
}

func TestRunPersistsThenReplays(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	var c counter

	s := hs.state()
	if !s.IsLive() {
		t.Fatalf("fresh worker should be live")
	}
	for want := 1; want <= 2; want++ {
		got, err := Run(ctx, s, "rand::next", readRemote, "seed", c.call)
		if err != nil || got != want {
			t.Fatalf("live run: got %d err %v, want %d", got, err, want)
		}
	}

	hs.restart()
	s = hs.state()
	if s.IsLive() {
		t.Fatalf("reopened worker should replay")
	}
	for want := 1; want <= 2; want++ {
		got, err := Run(ctx, s, "rand::next", readRemote, "seed", c.call)
		if err != nil || got != want {
			t.Fatalf("replayed run: got %d err %v, want %d", got, err, want)
		}
	}
	if c.calls != 2 {
		t.Fatalf("side effect ran %d times during replay", c.calls-2)
	}
	if !s.IsLive() {
		t.Fatalf("replay should end at the last recorded entry")
	}
	if got, _ := Run(ctx, s, "rand::next", readRemote, "seed", c.call); got != 3 {
		t.Fatalf("live run after replay: got %d", got)
	}
}

func TestReplayDetectsDivergence(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	var c counter

	if _, err := Run(ctx, hs.state(), "clock::now", readRemote, "", c.call); err != nil {
		t.Fatalf("run: %v", err)
	}
	hs.restart()
	_, err := Run(ctx, hs.state(), "rand::next", readRemote, "", c.call)
	var unexpected *oplog.UnexpectedOplogEntryError
	if !errors.As(err, &unexpected) {
		t.Fatalf("expected unexpected entry error, got %v", err)
	}
}

func TestFinalFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	fail := func(context.Context, string) (int, error) { return 0, errors.New("connection refused") }

	s := hs.state()
	if err := s.SetRetryPolicy(ctx, oplog.RetryConfig{MaxAttempts: 1}); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	if _, err := Run(ctx, s, "http::get", readRemote, "u", fail); err == nil {
		t.Fatalf("expected the failure to be returned")
	}

	hs.restart()
	s = hs.state()
	if err := s.SetRetryPolicy(ctx, oplog.RetryConfig{MaxAttempts: 1}); err != nil {
		t.Fatalf("replay policy: %v", err)
	}
	_, err := Run(ctx, s, "http::get", readRemote, "u", fail)
	var recorded *RecordedError
	if !errors.As(err, &recorded) || recorded.Message != "connection refused" {
		t.Fatalf("expected recorded failure, got %v", err)
	}
}

func TestRetriableFailureIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	s := hs.state()
	boom := errors.New("boom")

	_, err := Run(ctx, s, "http::get", readRemote, "u", func(context.Context, string) (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected retry error, got %v", err)
	}
	if got := hs.h.CurrentOplogIndex(ctx); got != oplog.InitialIndex {
		t.Fatalf("retriable failure was recorded at %d", got)
	}

	s.RetryCount = 3
	if _, err := Run(ctx, s, "http::get", readRemote, "u", func(context.Context, string) (int, error) { return 0, boom }); err == nil {
		t.Fatalf("exhausted failure should still be returned")
	}
	if got := hs.h.CurrentOplogIndex(ctx); got != 2 {
		t.Fatalf("exhausted failure not recorded, current index %d", got)
	}
}

func TestSetOplogIndexJumps(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	var c counter

	s := hs.state()
	for i := 0; i < 3; i++ {
		if _, err := Run(ctx, s, "rand::next", readRemote, "", c.call); err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	if err := s.SetOplogIndex(ctx, 10); err == nil {
		t.Fatalf("forward jump should fail")
	}
	err := s.SetOplogIndex(ctx, 2)
	if kind, ok := IsInterrupt(err); !ok || kind != InterruptJump {
		t.Fatalf("expected jump interrupt, got %v", err)
	}
	jump, ok := hs.entry(5).(oplog.Jump)
	if !ok || jump.Region != (oplog.Region{Start: 3, End: 5}) {
		t.Fatalf("unexpected jump entry %#v", hs.entry(5))
	}
	if err := s.SetOplogIndex(ctx, 3); err == nil {
		t.Fatalf("jumping into a skipped region should fail")
	}

	hs.restart()
	s = hs.state(jump.Region)
	if got, _ := Run(ctx, s, "rand::next", readRemote, "", c.call); got != 1 {
		t.Fatalf("first call should replay, got %d", got)
	}
	if !s.IsLive() {
		t.Fatalf("replay should stop at the jumped region")
	}
	if got, _ := Run(ctx, s, "rand::next", readRemote, "", c.call); got != 4 {
		t.Fatalf("second call should run live, got %d", got)
	}
	if err := s.SetOplogIndex(ctx, 2); err == nil {
		t.Fatalf("the earlier jump target is now skipped")
	}
	if kind, ok := IsInterrupt(s.SetOplogIndex(ctx, 5)); !ok || kind != InterruptJump {
		t.Fatalf("expected a second jump")
	}
}

func TestUnfinishedAtomicRegionIsSkipped(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	var c counter

	s := hs.state()
	begin, err := s.MarkBeginOperation(ctx)
	if err != nil || begin != 2 {
		t.Fatalf("begin: %d %v", begin, err)
	}
	if _, err := Run(ctx, s, "rand::next", readRemote, "", c.call); err != nil {
		t.Fatalf("run: %v", err)
	}

	hs.restart()
	s = hs.state()
	begin, err = s.MarkBeginOperation(ctx)
	if err != nil || begin != 2 {
		t.Fatalf("replayed begin: %d %v", begin, err)
	}
	if !s.IsLive() {
		t.Fatalf("unfinished region should switch to live")
	}
	jump, ok := hs.entry(4).(oplog.Jump)
	if !ok || jump.Region != (oplog.Region{Start: 3, End: 4}) {
		t.Fatalf("unexpected entry %#v", hs.entry(4))
	}
	if got, _ := Run(ctx, s, "rand::next", readRemote, "", c.call); got != 2 {
		t.Fatalf("region body should rerun, got %d", got)
	}
	if err := s.MarkEndOperation(ctx, begin); err != nil {
		t.Fatalf("end: %v", err)
	}
}

func TestFinishedAtomicRegionReplays(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	var c counter

	s := hs.state()
	begin, _ := s.MarkBeginOperation(ctx)
	if _, err := Run(ctx, s, "rand::next", readRemote, "", c.call); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := s.MarkEndOperation(ctx, begin); err != nil {
		t.Fatalf("end: %v", err)
	}

	hs.restart()
	s = hs.state()
	if _, err := s.MarkBeginOperation(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if s.IsLive() {
		t.Fatalf("finished region should replay")
	}
	if got, _ := Run(ctx, s, "rand::next", readRemote, "", c.call); got != 1 || c.calls != 1 {
		t.Fatalf("body should replay, got %d after %d calls", got, c.calls)
	}
	if err := s.MarkEndOperation(ctx, begin); err != nil {
		t.Fatalf("end: %v", err)
	}
	if !s.IsLive() {
		t.Fatalf("expected live after the region")
	}
}

func TestRemoteWriteBrackets(t *testing.T) {
	ctx := context.Background()
	write := oplog.DurableFunctionType{Kind: oplog.WriteRemote}

	t.Run("completed", func(t *testing.T) {
		hs := newHarness(t)
		var c counter
		if _, err := Run(ctx, hs.state(), "kv::put", write, "k", c.call); err != nil {
			t.Fatalf("run: %v", err)
		}
		if _, ok := hs.entry(2).(oplog.BeginRemoteWrite); !ok {
			t.Fatalf("missing begin bracket")
		}
		if end, ok := hs.entry(4).(oplog.EndRemoteWrite); !ok || end.BeginIndex != 2 {
			t.Fatalf("missing end bracket: %#v", hs.entry(4))
		}
		hs.restart()
		if got, err := Run(ctx, hs.state(), "kv::put", write, "k", c.call); err != nil || got != 1 {
			t.Fatalf("replay: %d %v", got, err)
		}
	})

	t.Run("incomplete", func(t *testing.T) {
		hs := newHarness(t)
		if _, err := hs.state().Begin(ctx, "kv::put", write); err != nil {
			t.Fatalf("begin: %v", err)
		}
		hs.restart()
		s := hs.state()
		_, err := s.Begin(ctx, "kv::put", write)
		if !errors.Is(err, ErrIncompleteRemoteWrite) {
			t.Fatalf("expected incomplete remote write, got %v", err)
		}
		if !s.IsLive() {
			t.Fatalf("state should be live to record the failure")
		}
	})

	t.Run("idempotent batch", func(t *testing.T) {
		hs := newHarness(t)
		batch := oplog.DurableFunctionType{Kind: oplog.WriteRemoteBatched}
		s := hs.state()
		s.AssumeIdempotence = true
		if _, err := s.Begin(ctx, "kv::batch", batch); err != nil {
			t.Fatalf("begin: %v", err)
		}
		hs.restart()
		s = hs.state()
		s.AssumeIdempotence = true
		g, err := s.Begin(ctx, "kv::batch", batch)
		if err != nil || !g.IsLive() {
			t.Fatalf("expected a live retry, got %v", err)
		}
		if jump, ok := hs.entry(3).(oplog.Jump); !ok || jump.Region != (oplog.Region{Start: 3, End: 3}) {
			t.Fatalf("unexpected entry %#v", hs.entry(3))
		}
	})
}

func TestPersistNothingZone(t *testing.T) {
	ctx := context.Background()
	hs := newHarness(t)
	var inside, after counter

	s := hs.state()
	if err := s.SetPersistenceLevel(ctx, oplog.PersistNothing); err != nil {
		t.Fatalf("enter zone: %v", err)
	}
	if _, err := Run(ctx, s, "rand::next", readRemote, "", inside.call); err != nil {
		t.Fatalf("run in zone: %v", err)
	}
	if got := hs.h.CurrentOplogIndex(ctx); got != 2 {
		t.Fatalf("call in zone was recorded, current index %d", got)
	}
	if err := s.SetPersistenceLevel(ctx, oplog.Smart); err != nil {
		t.Fatalf("leave zone: %v", err)
	}
	if _, err := Run(ctx, s, "rand::next", readRemote, "", after.call); err != nil {
		t.Fatalf("run: %v", err)
	}

	hs.restart()
	s = hs.state()
	if err := s.SetPersistenceLevel(ctx, oplog.PersistNothing); err != nil {
		t.Fatalf("replay enter: %v", err)
	}
	if got, _ := Run(ctx, s, "rand::next", readRemote, "", inside.call); got != 2 {
		t.Fatalf("calls in the zone always run, got %d", got)
	}
	if err := s.SetPersistenceLevel(ctx, oplog.Smart); err != nil {
		t.Fatalf("replay leave: %v", err)
	}
	if got, _ := Run(ctx, s, "rand::next", readRemote, "", after.call); got != 1 || after.calls != 1 {
		t.Fatalf("call after the zone should replay, got %d", got)
	}
	if !s.IsLive() {
		t.Fatalf("expected live at the end of the oplog")
	}
}

func TestOplogCommit(t *testing.T) {
	hs := newHarness(t)
	s := hs.state()
	if err := s.OplogCommit(context.Background(), 1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if kind, ok := IsInterrupt(s.OplogCommit(ctx, 1)); !ok || kind != InterruptCancel {
		t.Fatalf("expected cancel interrupt")
	}
}
