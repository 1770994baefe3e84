package publicoplog

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/golem-oplog/internal/oplog"
)

// ErrInvalidCursor is returned for cursors not produced by this package.
var ErrInvalidCursor = errors.New("publicoplog: invalid cursor")

// Cursor resumes a Get or Search after the last returned page.
type Cursor struct {
	NextIndex        oplog.Index
	ComponentVersion uint64
}

// String encodes c as base64(next index | component version).
func (c Cursor) String() string {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(c.NextIndex))
	binary.BigEndian.PutUint64(b[8:], c.ComponentVersion)
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// ParseCursor decodes a cursor produced by Cursor.String.
func ParseCursor(s string) (Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(b) != 16 {
		return Cursor{}, errors.Wrapf(ErrInvalidCursor, "%q", s)
	}
	c := Cursor{
		NextIndex:        oplog.Index(binary.BigEndian.Uint64(b[:8])),
		ComponentVersion: binary.BigEndian.Uint64(b[8:]),
	}
	if c.NextIndex == oplog.NoneIndex {
		return Cursor{}, errors.Wrapf(ErrInvalidCursor, "%q", s)
	}
	return c, nil
}
