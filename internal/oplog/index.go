package oplog

import "strconv"

// Index is a 1-based position in a worker's oplog.
type Index uint64

const (
	// NoneIndex sorts below every real entry.
	NoneIndex Index = 0
	// InitialIndex is the index of the Create entry.
	InitialIndex Index = 1
)

func (i Index) Next() Index { return i + 1 }

// Previous saturates at NoneIndex.
func (i Index) Previous() Index {
	if i == NoneIndex {
		return NoneIndex
	}
	return i - 1
}

// Subtract saturates at NoneIndex.
func (i Index) Subtract(n uint64) Index {
	if uint64(i) < n {
		return NoneIndex
	}
	return i - Index(n)
}

// RangeEnd returns the index of the last of count entries starting at i.
func (i Index) RangeEnd(count uint64) Index {
	if count == 0 {
		return i.Previous()
	}
	return i + Index(count) - 1
}

func (i Index) String() string { return strconv.FormatUint(uint64(i), 10) }

// IndexedEntry pairs an entry with its position.
type IndexedEntry struct {
	Index Index
	Entry Entry
}
