package oplog

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleEntries() []Entry {
	worker := WorkerID{ComponentID: uuid.New(), Name: "w1"}
	parent := WorkerID{ComponentID: uuid.New(), Name: "parent"}
	batch := Index(4)
	jitter := 0.2
	ext := NewExternalPayload([]byte("large"))
	return []Entry{
		Create{
			Stamp: Now(), WorkerID: worker, ComponentVersion: 3,
			Args: []string{"a", "b"}, Env: []KeyValue{{"K", "V"}}, CreatedBy: "acct",
			Parent: &parent, ComponentSize: 100, InitialTotalLinearMemorySize: 200,
			InitialActivePlugins: []string{"p1"},
		},
		NewImportedFunctionInvoked("http::get", InlinePayload([]byte("req")), Payload{External: &ext},
			DurableFunctionType{Kind: WriteRemoteBatched, BatchBegin: &batch}),
		NewExportedFunctionInvoked("run", InlinePayload([]byte{1, 2}), "k1"),
		NewExportedFunctionCompleted(InlinePayload([]byte("ok")), -12),
		NewSuspend(),
		NewError(WorkerError{Kind: ErrorInvalidRequest, Details: "bad"}, 7),
		NewNoOp(),
		NewJump(Region{3, 9}),
		NewInterrupted(),
		NewExited(),
		NewChangeRetryPolicy(RetryConfig{MaxAttempts: 5, MinDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, MaxJitterFactor: &jitter}),
		NewBeginAtomicRegion(),
		NewEndAtomicRegion(12),
		NewBeginRemoteWrite(),
		NewEndRemoteWrite(14),
		NewPendingWorkerInvocation(WorkerInvocation{Kind: ExportedFunctionInvocation, IdempotencyKey: "k2", FunctionName: "f", Input: []byte("in")}),
		NewPendingUpdate(UpdateDescription{Kind: SnapshotBasedUpdate, TargetVersion: 2, Payload: InlinePayload([]byte("snap"))}),
		NewSuccessfulUpdate(2, 2000, []string{"p1", "p2"}),
		NewFailedUpdate(3, "boom"),
		NewGrowMemory(10),
		NewCreateResource(1, "owner", "res"),
		NewDropResource(1),
		DescribeResource{Stamp: Now(), ID: 2, Name: "r", Indexed: []string{"x"}},
		NewLog(LogWarn, "ctx", "hello"),
		NewRestart(),
		ActivatePlugin{Stamp: Now(), Plugin: "p1"},
		DeactivatePlugin{Stamp: Now(), Plugin: "p1"},
		NewRevert(Region{2, 5}),
		NewCancelPendingInvocation("k2"),
		StartSpan{Stamp: Now(), SpanID: "s1", ParentID: "s0", LinkedContext: "l", Attributes: []KeyValue{{"a", "b"}}},
		FinishSpan{Stamp: Now(), SpanID: "s1"},
		SetSpanAttribute{Stamp: Now(), SpanID: "s1", Key: "k", Value: "v"},
		NewChangePersistenceLevel(PersistNothing),
		CreateAgentInstance{Stamp: Now(), Key: "agent", Parameters: []byte("p")},
		DropAgentInstance{Stamp: Now(), Key: "agent"},
	}
}

func TestCodecRoundTripsEveryVariant(t *testing.T) {
	entries := sampleEntries()
	require.Len(t, entries, int(maxKind))

	for _, e := range entries {
		t.Run(e.Kind().String(), func(t *testing.T) {
			b, err := Encode(e)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, e, got)
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	at := Now()
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, protowire.EncodeZigZag(at.At.UnixMilli()))
	body = protowire.AppendTag(body, 2, protowire.VarintType)
	body = protowire.AppendVarint(body, 10)
	body = protowire.AppendTag(body, 42, protowire.BytesType)
	body = protowire.AppendString(body, "added in a later schema")

	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(KindGrowMemory))
	msg = protowire.AppendTag(msg, 2, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 2)
	msg = protowire.AppendTag(msg, 3, protowire.BytesType)
	msg = protowire.AppendBytes(msg, body)

	got, err := Decode(frameRecord(msg))
	require.NoError(t, err)
	assert.Equal(t, GrowMemory{Stamp: at, Delta: 10}, got)
}

func TestDecodeErrors(t *testing.T) {
	good, err := Encode(NewGrowMemory(1))
	require.NoError(t, err)

	corrupt := append([]byte(nil), good...)
	corrupt[len(corrupt)-5] ^= 0xff

	var unknown []byte
	unknown = protowire.AppendTag(unknown, 1, protowire.VarintType)
	unknown = protowire.AppendVarint(unknown, 200)
	unknown = protowire.AppendTag(unknown, 3, protowire.BytesType)
	unknown = protowire.AppendBytes(unknown, nil)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"truncated", good[:len(good)-3]},
		{"checksum", corrupt},
		{"unknown tag", frameRecord(unknown)},
		{"oversized header length", append(binary.AppendUvarint(nil, 1<<63), 0, 0, 0, 0, 0, 0)},
		{"header length past end", append(binary.AppendUvarint(nil, 1<<40), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.in)
			var de *DecodeError
			require.True(t, errors.As(err, &de), "got %v", err)
		})
	}
}

func TestChunkRoundTrip(t *testing.T) {
	entries := sampleEntries()[:5]
	b, err := EncodeChunk(entries)
	require.NoError(t, err)
	got, err := DecodeChunk(b)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	_, err = DecodeChunk(b[:len(b)-1])
	assert.Error(t, err)
}

func TestIsHint(t *testing.T) {
	assert.True(t, IsHint(NewGrowMemory(1)))
	assert.True(t, IsHint(NewSuspend()))
	assert.False(t, IsHint(NewBeginRemoteWrite()))
	assert.False(t, IsHint(NewImportedFunctionInvoked("f", Payload{}, Payload{}, DurableFunctionType{})))
}

func TestPayloadKeyAndVerify(t *testing.T) {
	owned := OwnedWorkerID{ProjectID: uuid.New(), WorkerID: WorkerID{ComponentID: uuid.New(), Name: "w"}}
	ext := NewExternalPayload([]byte("data"))
	key := PayloadKey(owned, ext)
	assert.Contains(t, key, "payloads/"+owned.ProjectID.String())
	assert.Contains(t, key, "/w/8d777f385d3dfec8815d20f7496026dc/")
	assert.True(t, ext.Verify([]byte("data")))
	assert.False(t, ext.Verify([]byte("other")))
}

func TestStorageErrorMarks(t *testing.T) {
	err := StorageError(errors.New("disk gone"), "write %s", "k")
	assert.True(t, IsStorageError(err))
	assert.Contains(t, err.Error(), "write k")
	assert.Nil(t, StorageError(nil, "noop"))
}
