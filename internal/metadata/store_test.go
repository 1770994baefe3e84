package metadata

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/golem-oplog/internal/blobstore"
	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/internal/oplogstore"
	"github.com/rzbill/golem-oplog/internal/status"
	pebblestore "github.com/rzbill/golem-oplog/internal/storage/pebble"
)

var (
	project   = uuid.MustParse("0b8f5a52-9a57-4c1e-a5d2-6c7c35d1f001")
	component = uuid.MustParse("0b8f5a52-9a57-4c1e-a5d2-6c7c35d1f002")
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "metadata.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func owned(name string) oplog.OwnedWorkerID {
	return oplog.OwnedWorkerID{ProjectID: project, WorkerID: oplog.WorkerID{ComponentID: component, Name: name}}
}

func worker(name string, version uint64, st status.WorkerStatus, env string, created time.Time) WorkerMetadata {
	r := status.NewRecord()
	r.OplogIdx = 1
	r.ComponentVersion = version
	r.Status = st
	return WorkerMetadata{
		WorkerID:  owned(name),
		Args:      []string{"--name", name},
		Env:       []oplog.KeyValue{{Key: "REGION", Value: env}},
		CreatedAt: created,
		Status:    r,
	}
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Put(ctx, worker("w1", 2, status.Running, "eu", created)))
	got, err := s.Get(ctx, owned("w1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"--name", "w1"}, got.Args)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, status.Running, got.Status.Status)
	assert.Equal(t, uint64(2), got.Status.ComponentVersion)

	r := got.Status.Clone()
	r.Status = status.Exited
	require.NoError(t, s.UpdateStatus(ctx, owned("w1"), r))
	got, err = s.Get(ctx, owned("w1"))
	require.NoError(t, err)
	assert.Equal(t, status.Exited, got.Status.Status)

	require.NoError(t, s.Delete(ctx, owned("w1")))
	_, err = s.Get(ctx, owned("w1"))
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.UpdateStatus(ctx, owned("w1"), r), ErrNotFound)
}

func TestListWithFilters(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put(ctx, worker("alpha", 1, status.Idle, "eu", base)))
	require.NoError(t, s.Put(ctx, worker("beta", 2, status.Running, "us", base.Add(time.Hour))))
	require.NoError(t, s.Put(ctx, worker("gamma", 2, status.Failed, "eu", base.Add(2*time.Hour))))
	require.NoError(t, s.Put(ctx, worker("alphabet", 3, status.Exited, "ap", base.Add(3*time.Hour))))

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "all", filter: nil, want: []string{"alpha", "beta", "gamma", "alphabet"}},
		{name: "name prefix", filter: NameFilter{Comparator: StartsWith, Value: "alpha"}, want: []string{"alpha", "alphabet"}},
		{name: "version", filter: VersionFilter{Comparator: GreaterEqual, Value: 2}, want: []string{"beta", "gamma", "alphabet"}},
		{name: "status", filter: StatusFilter{Comparator: Equal, Value: status.Failed}, want: []string{"gamma"}},
		{name: "env", filter: EnvFilter{Name: "REGION", Comparator: Equal, Value: "eu"}, want: []string{"alpha", "gamma"}},
		{name: "missing env", filter: EnvFilter{Name: "ZONE", Comparator: NotEqual, Value: "x"}, want: []string{}},
		{name: "created at", filter: CreatedAtFilter{Comparator: Less, Value: base.Add(90 * time.Minute)}, want: []string{"alpha", "beta"}},
		{
			name:   "and or not",
			filter: And{Or{NameFilter{Comparator: Like, Value: "ph"}, VersionFilter{Comparator: Equal, Value: 2}}, Not{StatusFilter{Comparator: Equal, Value: status.Exited}}},
			want:   []string{"alpha", "beta", "gamma"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, next, err := s.List(ctx, project, component, tt.filter, 0, 10)
			require.NoError(t, err)
			require.Zero(t, next)
			names := []string{}
			for _, m := range got {
				names = append(names, m.WorkerID.WorkerID.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestListPages(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	for i := 0; i < 300; i++ {
		require.NoError(t, s.Put(ctx, worker(fmt.Sprintf("w%03d", i), 1, status.Idle, "eu", time.Now())))
	}
	require.NoError(t, s.Put(ctx, WorkerMetadata{WorkerID: oplog.OwnedWorkerID{ProjectID: project, WorkerID: oplog.WorkerID{ComponentID: uuid.New(), Name: "other"}}}))

	seen := map[string]bool{}
	var cursor uint64
	pages := 0
	for {
		got, next, err := s.List(ctx, project, component, nil, cursor, 70)
		require.NoError(t, err)
		for _, m := range got {
			require.False(t, seen[m.WorkerID.WorkerID.Name], "duplicate %s", m.WorkerID.WorkerID.Name)
			seen[m.WorkerID.WorkerID.Name] = true
		}
		pages++
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.Len(t, seen, 300)
	assert.Equal(t, 5, pages)
}

func TestRefreshStatus(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	oplogs := oplogstore.NewPrimaryService(db, blobstore.NewMemory(), oplogstore.PrimaryOptions{})

	w := owned("refresh")
	create := oplog.Create{Stamp: oplog.Now(), WorkerID: w.WorkerID, ComponentVersion: 5, Args: []string{"a"}}
	h, err := oplogs.Create(ctx, w, create, oplog.Durable)
	require.NoError(t, err)

	r, err := s.RefreshStatus(ctx, w, oplogs, oplog.DefaultRetryConfig())
	require.NoError(t, err)
	assert.Equal(t, status.Idle, r.Status)
	got, err := s.Get(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Args)
	assert.Equal(t, uint64(5), got.Status.ComponentVersion)

	require.NoError(t, h.Add(ctx, oplog.NewExportedFunctionInvoked("run", oplog.InlinePayload(nil), "k1")))
	require.NoError(t, h.Commit(ctx, oplog.Immediate))
	r, err = s.RefreshStatus(ctx, w, oplogs, oplog.DefaultRetryConfig())
	require.NoError(t, err)
	assert.Equal(t, status.Running, r.Status)
	assert.Equal(t, oplog.Index(2), r.OplogIdx)
	got, err = s.Get(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, status.Running, got.Status.Status)

	_, err = s.RefreshStatus(ctx, owned("missing"), oplogs, oplog.DefaultRetryConfig())
	require.ErrorIs(t, err, ErrNotFound)
}
