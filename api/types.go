// Package api holds the value types shared between the gridlock client, its
// internal plumbing and callers: lock records as mirrored from the lock
// server, per-cell lock states and the error envelope.
package api

import (
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/gridlock/region"
)

// Lock is one rectangle held on the lock server.
type Lock struct {
	// Rect is the locked area, already padded by the requesting client.
	Rect region.Rect `json:"rect" yaml:"rect"`
	// Username is the user that requested the lock.
	Username string `json:"username" yaml:"username"`
	// Description is the free-form reason supplied with the lock request.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Time is the server timestamp in Unix seconds. It travels as a float32,
	// so values near the present are multiples of 128 seconds.
	Time float64 `json:"time" yaml:"time"`
}

// Acquired returns Time as a time.Time.
func (l Lock) Acquired() time.Time {
	sec := int64(l.Time)
	nsec := int64((l.Time - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// Computer groups the locks held from one machine.
type Computer struct {
	// Name is the machine name, truncated at the first '.'.
	Name string `json:"name" yaml:"name"`
	// Locks lists the rectangles held by the machine in arrival order.
	Locks []Lock `json:"locks" yaml:"locks"`
}

// Clone returns a deep copy of c.
func (c Computer) Clone() Computer {
	out := Computer{Name: c.Name}
	if len(c.Locks) > 0 {
		out.Locks = append([]Lock(nil), c.Locks...)
	}
	return out
}

// GridInfo describes the lock covering one grid cell.
type GridInfo struct {
	Username    string    `json:"username,omitempty" yaml:"username,omitempty"`
	Computer    string    `json:"computer,omitempty" yaml:"computer,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Acquired    time.Time `json:"acquired,omitzero" yaml:"acquired,omitempty"`
	// Time is Acquired rendered in the classic ctime layout.
	Time string `json:"time,omitempty" yaml:"time,omitempty"`
}

// Locked reports whether the cell was covered by any lock.
func (g GridInfo) Locked() bool {
	return g.Computer != ""
}

// Age renders how long before now the lock was taken, for example
// "3 minutes ago". It is empty for unlocked cells.
func (g GridInfo) Age(now time.Time) string {
	if !g.Locked() || g.Acquired.IsZero() {
		return ""
	}
	return humanize.RelTime(g.Acquired, now, "ago", "from now")
}

// CellState is the per-cell value returned by lock data queries.
type CellState uint8

const (
	// CellUnlocked means nobody holds the cell.
	CellUnlocked CellState = 0
	// CellLockedByMe means this machine holds the cell.
	CellLockedByMe CellState = 1
	// CellLockedByOthers means another machine holds the cell.
	CellLockedByOthers CellState = 2
	// CellWritableByMe means this machine holds the cell and every cell within
	// the configured extents around it.
	CellWritableByMe CellState = 3
)

// String returns a short label for the state.
func (s CellState) String() string {
	switch s {
	case CellUnlocked:
		return "unlocked"
	case CellLockedByMe:
		return "locked-by-me"
	case CellLockedByOthers:
		return "locked-by-others"
	case CellWritableByMe:
		return "writable-by-me"
	default:
		return "unknown"
	}
}
