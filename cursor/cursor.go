// Package cursor provides the opaque resume position for the change feed.
// A cursor is a per-collection high-water mark: after a reconnect the feed
// resumes from the last persisted cursor so missed events are re-delivered.
package cursor

import (
	"fmt"
	"strconv"
)

// Cursor is a monotonic high-water mark (sequence number) within one
// collection's change feed.
type Cursor struct {
	Seq uint64 `json:"seq"`
}

// Zero is the initial cursor, before any event has been observed.
var Zero = Cursor{}

// New returns a cursor at the given sequence.
func New(seq uint64) Cursor { return Cursor{Seq: seq} }

// IsZero reports whether the cursor is the initial position.
func (c Cursor) IsZero() bool { return c.Seq == 0 }

// Compare returns -1 if c is before other, 0 if equal, 1 if after.
func (c Cursor) Compare(other Cursor) int {
	switch {
	case c.Seq < other.Seq:
		return -1
	case c.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// Advance returns the later of c and other. Cursors only move forward.
func (c Cursor) Advance(other Cursor) Cursor {
	if other.Seq > c.Seq {
		return other
	}
	return c
}

func (c Cursor) String() string { return strconv.FormatUint(c.Seq, 10) }

// Parse converts the string form back into a Cursor. The empty string and
// "0" both parse to the zero cursor.
func Parse(s string) (Cursor, error) {
	if s == "" || s == "0" {
		return Zero, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Zero, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	return Cursor{Seq: seq}, nil
}
