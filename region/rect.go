// Package region implements the rectangle algebra used to reason about grid
// locks: point containment, the corner-based intersection test, connected
// grouping of rectangles and link points that join distant grid cells.
//
// Coordinates are signed 16-bit grid cells. A Rect is inclusive on all four
// edges. Top and Bottom bound the vertical (z) span; containment accepts them
// in either numeric order so rectangles coming back from the server keep
// working whichever convention the caller used to build them.
package region

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// Point is a single grid cell.
type Point struct {
	X int16
	Z int16
}

// Rect is an axis-aligned rectangle of grid cells, inclusive on every edge.
type Rect struct {
	Left   int16
	Top    int16
	Right  int16
	Bottom int16
}

// String renders the rectangle as (left,top,right,bottom).
func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", r.Left, r.Top, r.Right, r.Bottom)
}

func (r Rect) zSpan() (int, int) {
	lo, hi := int(r.Top), int(r.Bottom)
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

// Contains reports whether the cell (x, z) lies inside r, edges included.
func (r Rect) Contains(x, z int) bool {
	if x < int(r.Left) || x > int(r.Right) {
		return false
	}
	lo, hi := r.zSpan()
	return z >= lo && z <= hi
}

// ContainsPoint is Contains for a Point.
func (r Rect) ContainsPoint(p Point) bool {
	return r.Contains(int(p.X), int(p.Z))
}

// Corners returns the four corner cells of r.
func (r Rect) Corners() [4]Point {
	return [4]Point{
		{X: r.Left, Z: r.Top},
		{X: r.Right, Z: r.Top},
		{X: r.Left, Z: r.Bottom},
		{X: r.Right, Z: r.Bottom},
	}
}

// Intersects reports whether any corner of b lies in a or any corner of a lies
// in b. Two rectangles crossing each other without either holding a corner of
// the other do not intersect under this test; lock servers rely on the same
// rule so it must not be replaced with an interval overlap check.
func Intersects(a, b Rect) bool {
	for _, c := range b.Corners() {
		if a.ContainsPoint(c) {
			return true
		}
	}
	for _, c := range a.Corners() {
		if b.ContainsPoint(c) {
			return true
		}
	}
	return false
}

// Compare orders rectangles by left, top, right, bottom.
func Compare(a, b Rect) int {
	if c := cmp.Compare(a.Left, b.Left); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Top, b.Top); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Right, b.Right); c != 0 {
		return c
	}
	return cmp.Compare(a.Bottom, b.Bottom)
}

// Sort orders rects in place using Compare and drops duplicates.
func Sort(rects []Rect) []Rect {
	slices.SortFunc(rects, Compare)
	return slices.Compact(rects)
}

// GridRect is a half-open selection of grid cells as the editor expresses it:
// cells [MinX, MaxX) x [MinZ, MaxZ). The corners may be given in any order.
type GridRect struct {
	MinX int
	MinZ int
	MaxX int
	MaxZ int
}

// Pad widens g by xExtent/zExtent cells on each side and converts it into an
// inclusive Rect. It fails when the result does not fit the 16-bit grid.
func (g GridRect) Pad(xExtent, zExtent int) (Rect, error) {
	left := min(g.MinX, g.MaxX) - xExtent
	right := max(g.MinX, g.MaxX) + xExtent - 1
	top := min(g.MinZ, g.MaxZ) - zExtent
	bottom := max(g.MinZ, g.MaxZ) + zExtent - 1
	for _, v := range [...]int{left, right, top, bottom} {
		if v < math.MinInt16 || v > math.MaxInt16 {
			return Rect{}, fmt.Errorf("region: padded selection %d,%d,%d,%d exceeds grid range", left, top, right, bottom)
		}
	}
	return Rect{Left: int16(left), Top: int16(top), Right: int16(right), Bottom: int16(bottom)}, nil
}
