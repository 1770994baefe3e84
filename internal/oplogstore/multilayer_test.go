package oplogstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/golem-oplog/internal/blobstore"
	"github.com/rzbill/golem-oplog/internal/oplog"
)

func newMultiLayer(t *testing.T, opts MultiLayerOptions, layers int) *MultiLayerService {
	t.Helper()
	db := openDB(t)
	var lower []oplog.ArchiveService
	for i := 1; i <= layers; i++ {
		if i%2 == 1 {
			c, err := NewCompressedArchiveService(db, i, nil)
			require.NoError(t, err)
			lower = append(lower, c)
		} else {
			b, err := NewBlobArchiveService(blobstore.NewMemory(), i, nil)
			require.NoError(t, err)
			lower = append(lower, b)
		}
	}
	svc, err := NewMultiLayerService(NewPrimaryService(db, blobstore.NewMemory(), PrimaryOptions{}), lower, opts)
	require.NoError(t, err)
	return svc
}

func appendCommitted(t *testing.T, h oplog.Oplog, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, h.Add(ctx, oplog.NewGrowMemory(uint64(h.CurrentOplogIndex(ctx)+1))))
		require.NoError(t, h.Commit(ctx, oplog.Always))
	}
}

func TestMultiLayerRoundTripThroughTiers(t *testing.T) {
	ctx := context.Background()
	svc := newMultiLayer(t, MultiLayerOptions{EntryCountLimit: 1000}, 2)
	owned := testWorker(uuid.New(), "w")
	h, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)
	require.NoError(t, err)
	defer h.Close()
	appendCommitted(t, h, 49)

	before, err := h.ReadMany(ctx, oplog.InitialIndex, 100)
	require.NoError(t, err)
	checkContiguous(t, before, 1, 50)

	for _, want := range []bool{true, false, false} {
		more, ok, err := TryArchive(ctx, h)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, more)

		after, err := h.ReadMany(ctx, oplog.InitialIndex, 100)
		require.NoError(t, err)
		require.Equal(t, before, after)
		n, err := h.Length(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(50), n)
	}

	// all entries now sit in the coldest tier
	last, err := svc.lower[1].GetLastIndex(ctx, owned)
	require.NoError(t, err)
	require.Equal(t, oplog.Index(50), last)
	exists, err := svc.primary.Exists(ctx, owned)
	require.NoError(t, err)
	require.False(t, exists)

	// appends continue in the primary tier
	appendCommitted(t, h, 1)
	e, err := h.Read(ctx, 51)
	require.NoError(t, err)
	require.Equal(t, uint64(51), e.(oplog.GrowMemory).Delta)
	e, err = h.Read(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), e.(oplog.GrowMemory).Delta)
}

func TestTryArchiveTwiceSingleLayer(t *testing.T) {
	ctx := context.Background()
	svc := newMultiLayer(t, MultiLayerOptions{EntryCountLimit: 1000}, 1)
	owned := testWorker(uuid.New(), "w")
	h, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)
	require.NoError(t, err)
	defer h.Close()
	appendCommitted(t, h, 9)

	more, ok, err := TryArchive(ctx, h)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, more, "a single archive layer is reached in one call")
	inPrimary, err := svc.primary.Exists(ctx, owned)
	require.NoError(t, err)
	require.False(t, inPrimary)
	more, _, err = TryArchive(ctx, h)
	require.NoError(t, err)
	require.False(t, more)

	entries, err := svc.Read(ctx, owned, oplog.InitialIndex, 20)
	require.NoError(t, err)
	checkContiguous(t, entries, 1, 10)
}

func TestTryArchiveIdempotentAcrossLayers(t *testing.T) {
	ctx := context.Background()
	svc := newMultiLayer(t, MultiLayerOptions{EntryCountLimit: 1000}, 2)
	owned := testWorker(uuid.New(), "w")
	h, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)
	require.NoError(t, err)
	defer h.Close()
	appendCommitted(t, h, 9)

	first, _, err := TryArchive(ctx, h)
	require.NoError(t, err)
	second, _, err := TryArchive(ctx, h)
	require.NoError(t, err)
	require.True(t, first)
	require.False(t, second)

	steps, ok, err := ArchiveAll(ctx, h)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, steps)
}

func TestArchiveAllCountsTransfers(t *testing.T) {
	ctx := context.Background()
	svc := newMultiLayer(t, MultiLayerOptions{EntryCountLimit: 1000}, 3)
	owned := testWorker(uuid.New(), "w")
	h, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)
	require.NoError(t, err)
	defer h.Close()
	appendCommitted(t, h, 5)

	steps, ok, err := ArchiveAll(ctx, h)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, steps)
	last, err := svc.lower[2].GetLastIndex(ctx, owned)
	require.NoError(t, err)
	require.Equal(t, oplog.Index(6), last)

	entries, err := h.ReadMany(ctx, oplog.InitialIndex, 10)
	require.NoError(t, err)
	checkContiguous(t, entries, 1, 6)
}

func TestTryArchiveRejectsPlainHandles(t *testing.T) {
	ctx := context.Background()
	primary := newPrimary(t, openDB(t))
	owned := testWorker(uuid.New(), "w")
	h, err := primary.Create(ctx, owned, createEntry(owned), oplog.Durable)
	require.NoError(t, err)
	_, ok, err := TryArchive(ctx, h)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBackgroundTransferKeepsEveryEntry(t *testing.T) {
	ctx := context.Background()
	svc := newMultiLayer(t, MultiLayerOptions{EntryCountLimit: 100, LayerEntryLimits: []uint64{300}}, 2)
	owned := testWorker(uuid.New(), "busy")
	h, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)
	require.NoError(t, err)
	defer h.Close()
	appendCommitted(t, h, 1199)

	require.Eventually(t, func() bool {
		n, err := svc.primary.Length(ctx, owned)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	// tiers never count an index twice once transfers settle
	require.Eventually(t, func() bool {
		n, err := h.Length(ctx)
		return err == nil && n == 1200
	}, 5*time.Second, 10*time.Millisecond)

	entries, err := h.ReadMany(ctx, oplog.InitialIndex, 2000)
	require.NoError(t, err)
	checkContiguous(t, entries, 1, 1200)
	for _, e := range entries[1:] {
		require.Equal(t, uint64(e.Index), e.Entry.(oplog.GrowMemory).Delta)
	}
	coldest, err := svc.lower[1].GetLastIndex(ctx, owned)
	require.NoError(t, err)
	require.NotEqual(t, oplog.NoneIndex, coldest, "intermediate layer should have spilled over")
}

func TestMultiLayerReopenAfterArchive(t *testing.T) {
	ctx := context.Background()
	svc := newMultiLayer(t, MultiLayerOptions{EntryCountLimit: 1000}, 1)
	owned := testWorker(uuid.New(), "w")
	h, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)
	require.NoError(t, err)
	appendCommitted(t, h, 4)
	_, _, err = TryArchive(ctx, h)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h, err = svc.Open(ctx, owned, oplog.NoneIndex, oplog.Durable)
	require.NoError(t, err)
	defer h.Close()
	require.Equal(t, oplog.Index(5), h.CurrentOplogIndex(ctx))
	appendCommitted(t, h, 1)
	entries, err := svc.Read(ctx, owned, oplog.InitialIndex, 10)
	require.NoError(t, err)
	checkContiguous(t, entries, 1, 6)
}

func TestMultiLayerSharesOpenHandles(t *testing.T) {
	ctx := context.Background()
	svc := newMultiLayer(t, MultiLayerOptions{}, 1)
	owned := testWorker(uuid.New(), "w")
	a, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)
	require.NoError(t, err)
	b, err := svc.Open(ctx, owned, oplog.NoneIndex, oplog.Durable)
	require.NoError(t, err)
	require.Same(t, a, b)

	require.NoError(t, a.Close())
	require.NoError(t, b.Add(ctx, oplog.NewNoOp()), "handle stays usable while referenced")
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Add(ctx, oplog.NewNoOp()), oplog.ErrClosed)
}

func TestMultiLayerScanReportsEachWorkerOnce(t *testing.T) {
	ctx := context.Background()
	svc := newMultiLayer(t, MultiLayerOptions{EntryCountLimit: 1000}, 2)
	component := uuid.New()

	// hot stays in the primary, warm reaches layer 1, cold reaches layer 2
	plan := map[string]int{"hot": 0, "warm": 1, "cold": 2}
	for name, steps := range plan {
		owned := testWorker(component, name)
		h, err := svc.Create(ctx, owned, createEntry(owned), oplog.Durable)
		require.NoError(t, err)
		appendCommitted(t, h, 3)
		for i := 0; i < steps; i++ {
			_, _, err := TryArchive(ctx, h)
			require.NoError(t, err)
		}
		if name == "warm" {
			// entries split across two tiers must not produce a duplicate
			appendCommitted(t, h, 1)
		}
		require.NoError(t, h.Close())
	}

	project := testWorker(component, "").ProjectID
	seen := map[string]int{}
	cursor := oplog.ScanCursor{}
	for !cursor.IsFinished() {
		var ids []oplog.OwnedWorkerID
		var err error
		cursor, ids, err = svc.ScanForComponent(ctx, project, component, cursor, 1)
		require.NoError(t, err)
		for _, id := range ids {
			seen[id.WorkerID.Name]++
		}
	}
	require.Equal(t, map[string]int{"hot": 1, "warm": 1, "cold": 1}, seen)
}

func TestEphemeralOplogWritesToColdestLayer(t *testing.T) {
	ctx := context.Background()
	svc := newMultiLayer(t, MultiLayerOptions{}, 2)
	owned := testWorker(uuid.New(), "eph")
	h, err := svc.Create(ctx, owned, createEntry(owned), oplog.Ephemeral)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Add(ctx, oplog.NewGrowMemory(2)))
	e, err := h.Read(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, oplog.KindGrowMemory, e.Kind())
	require.NoError(t, h.Commit(ctx, oplog.Always))

	inPrimary, err := svc.primary.Exists(ctx, owned)
	require.NoError(t, err)
	require.False(t, inPrimary)
	last, err := svc.lower[1].GetLastIndex(ctx, owned)
	require.NoError(t, err)
	require.Equal(t, oplog.Index(2), last)

	_, ok, _ := TryArchive(ctx, h)
	require.False(t, ok)
}
