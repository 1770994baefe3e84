package oplogstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/rzbill/golem-oplog/internal/oplog"
)

func TestPrimaryCommitAndRead(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t, openDB(t))
	owned := testWorker(uuid.New(), "w")

	h, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := h.Add(ctx, oplog.NewGrowMemory(uint64(i))); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if got := h.CurrentOplogIndex(ctx); got != 6 {
		t.Fatalf("current index %d", got)
	}
	if n, _ := h.Length(ctx); n != 1 {
		t.Fatalf("uncommitted entries counted: %d", n)
	}
	// buffered entries are readable through the handle
	if e, err := h.Read(ctx, 4); err != nil || e.Kind() != oplog.KindGrowMemory {
		t.Fatalf("buffered read: %v %v", e, err)
	}
	if err := h.Commit(ctx, oplog.Always); err != nil {
		t.Fatalf("commit: %v", err)
	}
	entries, err := svc.Read(ctx, owned, oplog.InitialIndex, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	checkContiguous(t, entries, 1, 6)
	if entries[0].Entry.Kind() != oplog.KindCreate {
		t.Fatalf("first entry %s", entries[0].Entry.Kind())
	}
	if last, _ := svc.GetLastIndex(ctx, owned); last != 6 {
		t.Fatalf("last index %d", last)
	}
	if _, err := h.Read(ctx, 42); !errors.Is(err, oplog.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestPrimaryCreateTwiceFails(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t, openDB(t))
	owned := testWorker(uuid.New(), "w")
	if _, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable); err == nil {
		t.Fatalf("expected error on second create")
	}
}

func TestPrimaryForcedCommit(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	svc := NewPrimaryService(db, nil, PrimaryOptions{MaxOperationsBeforeCommit: 2})
	owned := testWorker(uuid.New(), "w")
	h, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = h.Add(ctx, oplog.NewNoOp())
	}
	if n, _ := h.Length(ctx); n != 4 {
		t.Fatalf("expected forced commit, length %d", n)
	}
}

func TestPrimaryCloseDiscardsBuffer(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t, openDB(t))
	owned := testWorker(uuid.New(), "w")
	h, _ := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)
	_ = h.Add(ctx, oplog.NewNoOp())
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Add(ctx, oplog.NewNoOp()); !errors.Is(err, oplog.ErrClosed) {
		t.Fatalf("add after close: %v", err)
	}
	if last, _ := svc.GetLastIndex(ctx, owned); last != 1 {
		t.Fatalf("uncommitted entry persisted, last %d", last)
	}

	reopened, err := svc.Open(ctx, owned, oplog.NoneIndex, oplog.Durable)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := reopened.CurrentOplogIndex(ctx); got != 1 {
		t.Fatalf("reopened at %d", got)
	}
}

func TestPrimaryDropPrefix(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t, openDB(t))
	owned := testWorker(uuid.New(), "w")
	h, _ := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)
	for i := 0; i < 9; i++ {
		_ = h.Add(ctx, oplog.NewNoOp())
	}
	_ = h.Commit(ctx, oplog.Always)

	if err := h.DropPrefix(ctx, 4); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if n, _ := h.Length(ctx); n != 6 {
		t.Fatalf("length after drop %d", n)
	}
	entries, _ := h.ReadMany(ctx, oplog.InitialIndex, 10)
	checkContiguous(t, entries, 5, 10)

	if err := h.DropPrefix(ctx, 10); err != nil {
		t.Fatalf("drop all: %v", err)
	}
	if ok, _ := svc.Exists(ctx, owned); ok {
		t.Fatalf("emptied oplog still exists")
	}
}

func TestPrimarySwitchPersistenceLevel(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t, openDB(t))
	owned := testWorker(uuid.New(), "w")
	h, _ := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)

	_ = h.SwitchPersistenceLevel(ctx, oplog.PersistNothing)
	_ = h.SwitchPersistenceLevel(ctx, oplog.PersistNothing)
	if got := h.CurrentOplogIndex(ctx); got != 2 {
		t.Fatalf("expected a single ChangePersistenceLevel entry, index %d", got)
	}
	e, _ := h.Read(ctx, 2)
	if c, ok := e.(oplog.ChangePersistenceLevel); !ok || c.Level != oplog.PersistNothing {
		t.Fatalf("unexpected entry %#v", e)
	}
	if idx, ok := h.LastAddedNonHintEntry(); !ok || idx != 1 {
		t.Fatalf("last non-hint %d %v", idx, ok)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t, openDB(t))
	owned := testWorker(uuid.New(), "w")

	small := []byte("tiny")
	p, err := svc.UploadPayload(ctx, owned, small)
	if err != nil || p.IsExternal() {
		t.Fatalf("small payload should be inline: %v %v", p, err)
	}
	large := bytes.Repeat([]byte("x"), 100)
	p, err = svc.UploadPayload(ctx, owned, large)
	if err != nil || !p.IsExternal() {
		t.Fatalf("large payload should be external: %v %v", p, err)
	}
	got, err := svc.DownloadPayload(ctx, owned, p)
	if err != nil || !bytes.Equal(got, large) {
		t.Fatalf("download: %v", err)
	}

	if err := svc.blobs.Put(ctx, oplog.PayloadKey(owned, *p.External), []byte("tampered")); err != nil {
		t.Fatalf("put: %v", err)
	}
	var corrupt *oplog.PayloadCorruptError
	if _, err := svc.DownloadPayload(ctx, owned, p); !errors.As(err, &corrupt) {
		t.Fatalf("expected corrupt payload error, got %v", err)
	}

	missing := oplog.NewExternalPayload([]byte("never uploaded"))
	var notFound *oplog.PayloadNotFoundError
	if _, err := svc.DownloadPayload(ctx, owned, oplog.Payload{External: &missing}); !errors.As(err, &notFound) {
		t.Fatalf("expected missing payload error, got %v", err)
	}
}

func TestPrimaryScanForComponent(t *testing.T) {
	ctx := context.Background()
	svc := newPrimary(t, openDB(t))
	component := uuid.New()
	for _, name := range []string{"c", "a", "b"} {
		owned := testWorker(component, name)
		if _, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	other := testWorker(uuid.New(), "z")
	_, _ = svc.Create(ctx, other, createEntry(other), oplog.Durable)

	project := testWorker(component, "").ProjectID
	cursor, ids, err := svc.ScanForComponent(ctx, project, component, oplog.ScanCursor{}, 2)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(ids) != 2 || ids[0].WorkerID.Name != "a" || ids[1].WorkerID.Name != "b" || cursor.IsFinished() {
		t.Fatalf("first page %v %+v", ids, cursor)
	}
	cursor, ids, err = svc.ScanForComponent(ctx, project, component, cursor, 2)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(ids) != 1 || ids[0].WorkerID.Name != "c" || !cursor.IsFinished() {
		t.Fatalf("second page %v %+v", ids, cursor)
	}
}
