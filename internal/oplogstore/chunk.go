package oplogstore

import (
	"encoding/binary"

	"github.com/klauspost/compress/zstd"

	"github.com/rzbill/golem-oplog/internal/oplog"
)

// Archived chunk value: uvarint count | uvarint firstIdx | zstd(oplog chunk).

// DefaultMaxChunkEntries bounds the entries stored in one archived chunk.
const DefaultMaxChunkEntries = 4096

type chunkCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newChunkCodec() (*chunkCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &chunkCodec{enc: enc, dec: dec}, nil
}

func (c *chunkCodec) encode(entries []oplog.IndexedEntry) ([]byte, error) {
	plain := make([]oplog.Entry, len(entries))
	for i, e := range entries {
		plain[i] = e.Entry
	}
	raw, err := oplog.EncodeChunk(plain)
	if err != nil {
		return nil, err
	}
	out := binary.AppendUvarint(nil, uint64(len(entries)))
	out = binary.AppendUvarint(out, uint64(entries[0].Index))
	return c.enc.EncodeAll(raw, out), nil
}

// header reads the entry count and first index without decompressing.
func chunkHeader(b []byte) (count uint64, first oplog.Index, rest []byte, ok bool) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, nil, false
	}
	f, m := binary.Uvarint(b[n:])
	if m <= 0 {
		return 0, 0, nil, false
	}
	return count, oplog.Index(f), b[n+m:], true
}

func (c *chunkCodec) decode(b []byte) ([]oplog.IndexedEntry, error) {
	count, first, rest, ok := chunkHeader(b)
	if !ok {
		return nil, &oplog.DecodeError{Reason: "bad chunk header"}
	}
	raw, err := c.dec.DecodeAll(rest, nil)
	if err != nil {
		return nil, &oplog.DecodeError{Reason: "chunk decompression: " + err.Error()}
	}
	plain, err := oplog.DecodeChunk(raw)
	if err != nil {
		return nil, err
	}
	if uint64(len(plain)) != count {
		return nil, &oplog.DecodeError{Reason: "chunk entry count mismatch"}
	}
	out := make([]oplog.IndexedEntry, len(plain))
	for i, e := range plain {
		out[i] = oplog.IndexedEntry{Index: first + oplog.Index(i), Entry: e}
	}
	return out, nil
}

// splitChunks cuts entries into runs of at most max contiguous indices.
func splitChunks(entries []oplog.IndexedEntry, max int) [][]oplog.IndexedEntry {
	var out [][]oplog.IndexedEntry
	start := 0
	for i := 1; i <= len(entries); i++ {
		if i == len(entries) || i-start == max || entries[i].Index != entries[i-1].Index+1 {
			out = append(out, entries[start:i])
			start = i
		}
	}
	return out
}

// entriesAfter drops every entry at or below last.
func entriesAfter(entries []oplog.IndexedEntry, last oplog.Index) []oplog.IndexedEntry {
	for i, e := range entries {
		if e.Index > last {
			return entries[i:]
		}
	}
	return nil
}
