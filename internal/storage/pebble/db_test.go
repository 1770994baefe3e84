package pebblestore

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testMetrics struct {
	wrote        int
	read         int
	batchCommits int
	batchBytes   int
}

func (m *testMetrics) ObserveWrite(d time.Duration, bytes int) { m.wrote += bytes }
func (m *testMetrics) ObserveRead(d time.Duration, bytes int)  { m.read += bytes }
func (m *testMetrics) ObserveBatchCommit(d time.Duration, numOps int, bytes int) {
	m.batchCommits++
	m.batchBytes += bytes
}

func newTestDB(t *testing.T) (*DB, *testMetrics) {
	t.Helper()
	dir := t.TempDir()
	metrics := &testMetrics{}
	db, err := Open(Options{
		DataDir:       dir,
		Fsync:         FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, metrics
}

func TestCRUD(t *testing.T) {
	db, metrics := newTestDB(t)

	key := []byte("k1")
	val := []byte("v1")
	if err := db.Set(key, val); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(val) {
		t.Fatalf("got %q want %q", got, val)
	}

	if metrics.read == 0 {
		t.Fatalf("expected read metrics to record bytes")
	}

	if err := db.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(key); err == nil {
		t.Fatalf("expected not found after delete")
	}
}

func TestBatchCommitMetrics(t *testing.T) {
	db, metrics := newTestDB(t)

	b := db.NewBatch()
	if err := b.Set([]byte("a"), []byte("1"), nil); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if err := b.Set([]byte("b"), []byte("2"), nil); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b.Close()

	if metrics.batchCommits != 1 {
		t.Fatalf("want 1 batch commit, got %d", metrics.batchCommits)
	}
	if metrics.batchBytes <= 0 {
		t.Fatalf("expected positive batch bytes")
	}
}

func TestDeleteRangeAndHas(t *testing.T) {
	db, _ := newTestDB(t)

	for _, k := range []string{"w/a/1", "w/a/2", "w/a/3", "w/b/1"} {
		if err := db.Set([]byte(k), []byte("x")); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	if err := db.DeleteRange(context.Background(), []byte("w/a/1"), []byte("w/a/3")); err != nil {
		t.Fatalf("delete range: %v", err)
	}
	if _, err := db.Get([]byte("w/a/2")); err != ErrNotFound {
		t.Fatalf("w/a/2 should be gone, got %v", err)
	}
	if _, err := db.Get([]byte("w/a/3")); err != nil {
		t.Fatalf("end bound is exclusive: %v", err)
	}

	has, err := db.Has([]byte("w/b/"))
	if err != nil || !has {
		t.Fatalf("has w/b/: %v %v", has, err)
	}
	has, err = db.Has([]byte("w/c/"))
	if err != nil || has {
		t.Fatalf("has w/c/: %v %v", has, err)
	}
}

type stubIter struct {
	first bool
	err   error
}

func (s stubIter) First() bool  { return s.first }
func (s stubIter) Error() error { return s.err }

func TestPositionedSurfacesIteratorError(t *testing.T) {
	boom := errors.New("read failed")
	if ok, err := positioned(stubIter{err: boom}); ok || err != boom {
		t.Fatalf("got %v %v, want false %v", ok, err, boom)
	}
	if ok, err := positioned(stubIter{first: true}); !ok || err != nil {
		t.Fatalf("got %v %v", ok, err)
	}
	if ok, err := positioned(stubIter{}); ok || err != nil {
		t.Fatalf("empty range: %v %v", ok, err)
	}
}

func TestCommitBatchWithCanceledContext(t *testing.T) {
	db, metrics := newTestDB(t)

	b := db.NewBatch()
	defer b.Close()
	_ = b.Set([]byte("k"), []byte("v"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := db.CommitBatchWith(ctx, b, DurabilitySync); err == nil {
		t.Fatalf("expected context error")
	}
	if metrics.batchCommits != 0 {
		t.Fatalf("canceled commit should not be observed")
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		in   []byte
		want []byte
	}{
		{[]byte("ab"), []byte("ac")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
	}
	for _, tt := range tests {
		got := PrefixEnd(tt.in)
		if string(got) != string(tt.want) {
			t.Fatalf("PrefixEnd(%x)=%x want %x", tt.in, got, tt.want)
		}
	}
}

func TestParseFsyncMode(t *testing.T) {
	for in, want := range map[string]FsyncMode{"": FsyncModeAlways, "always": FsyncModeAlways, "interval": FsyncModeInterval, "never": FsyncModeNever} {
		got, err := ParseFsyncMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseFsyncMode(%q)=%v,%v", in, got, err)
		}
	}
	if _, err := ParseFsyncMode("sometimes"); err == nil {
		t.Fatalf("expected error")
	}
}
