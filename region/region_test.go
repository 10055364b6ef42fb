package region_test

import (
	"slices"
	"testing"

	"pkt.systems/gridlock/region"
)

func TestContainsIsInclusive(t *testing.T) {
	r := region.Rect{Left: 0, Top: 0, Right: 5, Bottom: 5}
	for _, tc := range []struct {
		x, z int
		want bool
	}{
		{0, 0, true}, {5, 5, true}, {0, 5, true}, {5, 0, true}, {2, 3, true},
		{-1, 0, false}, {6, 0, false}, {0, -1, false}, {0, 6, false},
	} {
		if got := r.Contains(tc.x, tc.z); got != tc.want {
			t.Fatalf("Contains(%d,%d) = %v, want %v", tc.x, tc.z, got, tc.want)
		}
	}
}

func TestContainsAcceptsEitherVerticalOrder(t *testing.T) {
	upward := region.Rect{Left: 0, Top: 9, Right: 3, Bottom: 2}
	downward := region.Rect{Left: 0, Top: 2, Right: 3, Bottom: 9}
	for z := 0; z < 12; z++ {
		if upward.Contains(1, z) != downward.Contains(1, z) {
			t.Fatalf("vertical order changed containment at z=%d", z)
		}
	}
}

func TestIntersectsReflexiveAndSymmetric(t *testing.T) {
	rects := []region.Rect{
		{Left: 0, Top: 0, Right: 5, Bottom: 5},
		{Left: 5, Top: 5, Right: 9, Bottom: 9},
		{Left: 6, Top: 0, Right: 10, Bottom: 5},
		{Left: 2, Top: 2, Right: 2, Bottom: 2},
		{Left: -4, Top: -4, Right: 1, Bottom: 1},
		{Left: 3, Top: -10, Right: 3, Bottom: 10},
	}
	for _, a := range rects {
		if !region.Intersects(a, a) {
			t.Fatalf("%v does not intersect itself", a)
		}
		for _, b := range rects {
			if region.Intersects(a, b) != region.Intersects(b, a) {
				t.Fatalf("Intersects(%v,%v) not symmetric", a, b)
			}
		}
	}
}

func TestIntersectsUsesCornerRule(t *testing.T) {
	wide := region.Rect{Left: 0, Top: 4, Right: 10, Bottom: 6}
	tall := region.Rect{Left: 4, Top: 0, Right: 6, Bottom: 10}
	if region.Intersects(wide, tall) {
		t.Fatalf("crossing rectangles without shared corners must not intersect")
	}
	touching := region.Rect{Left: 10, Top: 6, Right: 12, Bottom: 8}
	if !region.Intersects(wide, touching) {
		t.Fatalf("rectangles sharing a corner cell must intersect")
	}
}

func TestGroupSeparatesDisjointRects(t *testing.T) {
	a := region.Rect{Left: 0, Top: 0, Right: 5, Bottom: 5}
	b := region.Rect{Left: 6, Top: 0, Right: 10, Bottom: 5}
	rects := []region.Rect{a, b}
	if got := region.Group(rects, region.Point{X: 2, Z: 2}); !slices.Equal(got, []region.Rect{a}) {
		t.Fatalf("group from a = %v", got)
	}
	if got := region.Group(rects, region.Point{X: 8, Z: 2}); !slices.Equal(got, []region.Rect{b}) {
		t.Fatalf("group from b = %v", got)
	}
	if got := region.Group(rects, region.Point{X: 50, Z: 50}); got != nil {
		t.Fatalf("expected nil group for uncovered seed, got %v", got)
	}
}

func TestGroupFollowsChainsToFixpoint(t *testing.T) {
	// Each rect only touches its neighbour, and the list order forces more
	// than one pass to reach the far end.
	rects := []region.Rect{
		{Left: 30, Top: 0, Right: 40, Bottom: 5},
		{Left: 20, Top: 0, Right: 30, Bottom: 5},
		{Left: 10, Top: 0, Right: 20, Bottom: 5},
		{Left: 0, Top: 0, Right: 10, Bottom: 5},
		{Left: 100, Top: 100, Right: 101, Bottom: 101},
	}
	got := region.Group(rects, region.Point{X: 1, Z: 1})
	if len(got) != 4 {
		t.Fatalf("expected 4 chained rects, got %v", got)
	}
}

func TestGroupIsIdempotent(t *testing.T) {
	rects := []region.Rect{
		{Left: 0, Top: 0, Right: 4, Bottom: 4},
		{Left: 4, Top: 4, Right: 8, Bottom: 8},
		{Left: 8, Top: 0, Right: 12, Bottom: 4},
		{Left: 20, Top: 20, Right: 22, Bottom: 22},
	}
	first := region.Group(rects, region.Point{X: 1, Z: 1})
	for _, member := range first {
		again := region.GroupFrom(rects, member)
		if !slices.Equal(first, again) {
			t.Fatalf("grouping from %v = %v, want %v", member, again, first)
		}
	}
}

func TestLinkedMergesAcrossLinkPoints(t *testing.T) {
	a := region.Rect{Left: 0, Top: 0, Right: 5, Bottom: 5}
	b := region.Rect{Left: 6, Top: 0, Right: 10, Bottom: 5}
	rects := []region.Rect{a, b}
	var graph region.LinkGraph
	if got := region.Linked(rects, region.Point{X: 2, Z: 2}, &graph); len(got) != 1 {
		t.Fatalf("expected singleton before linking, got %v", got)
	}
	graph.Add(region.Point{X: 5, Z: 2}, region.Point{X: 6, Z: 2})
	want := []region.Rect{a, b}
	if got := region.Linked(rects, region.Point{X: 2, Z: 2}, &graph); !slices.Equal(got, want) {
		t.Fatalf("linked from a = %v, want %v", got, want)
	}
	if got := region.Linked(rects, region.Point{X: 8, Z: 2}, &graph); !slices.Equal(got, want) {
		t.Fatalf("linked from b (reverse direction) = %v, want %v", got, want)
	}
}

func TestLinkedFollowsChainedLinks(t *testing.T) {
	rects := []region.Rect{
		{Left: 0, Top: 0, Right: 1, Bottom: 1},
		{Left: 10, Top: 0, Right: 11, Bottom: 1},
		{Left: 20, Top: 0, Right: 21, Bottom: 1},
	}
	var graph region.LinkGraph
	graph.Add(region.Point{X: 11, Z: 0}, region.Point{X: 20, Z: 0})
	graph.Add(region.Point{X: 0, Z: 0}, region.Point{X: 10, Z: 0})
	if got := region.Linked(rects, region.Point{X: 0, Z: 1}, &graph); len(got) != 3 {
		t.Fatalf("expected all three rects through chained links, got %v", got)
	}
}

func TestGridRectPad(t *testing.T) {
	g := region.GridRect{MinX: 10, MinZ: 20, MaxX: 4, MaxZ: 30}
	got, err := g.Pad(2, 1)
	if err != nil {
		t.Fatalf("pad: %v", err)
	}
	want := region.Rect{Left: 2, Top: 19, Right: 11, Bottom: 30}
	if got != want {
		t.Fatalf("pad = %v, want %v", got, want)
	}
	if _, err := (region.GridRect{MinX: 32760, MaxX: 32767}).Pad(10, 0); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestSortOrdersAndDeduplicates(t *testing.T) {
	in := []region.Rect{
		{Left: 1, Top: 2, Right: 3, Bottom: 4},
		{Left: 0, Top: 9, Right: 9, Bottom: 9},
		{Left: 1, Top: 2, Right: 3, Bottom: 4},
		{Left: 1, Top: 1, Right: 3, Bottom: 4},
	}
	got := region.Sort(in)
	want := []region.Rect{
		{Left: 0, Top: 9, Right: 9, Bottom: 9},
		{Left: 1, Top: 1, Right: 3, Bottom: 4},
		{Left: 1, Top: 2, Right: 3, Bottom: 4},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("sort = %v, want %v", got, want)
	}
}
