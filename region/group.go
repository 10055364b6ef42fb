package region

import "slices"

// Group returns the connected component of rects that contains seed: the
// first rectangle holding seed, plus every rectangle reachable from it through
// Intersects. The result is ordered by Compare. Group returns nil when no
// rectangle contains seed.
func Group(rects []Rect, seed Point) []Rect {
	for _, r := range rects {
		if r.ContainsPoint(seed) {
			return GroupFrom(rects, r)
		}
	}
	return nil
}

// GroupFrom returns the connected component of rects that contains start.
// Passes repeat until a full pass absorbs nothing.
func GroupFrom(rects []Rect, start Rect) []Rect {
	group := []Rect{start}
	in := map[Rect]struct{}{start: {}}
	for changed := true; changed; {
		changed = false
		for _, candidate := range rects {
			if _, ok := in[candidate]; ok {
				continue
			}
			for _, member := range group {
				if Intersects(member, candidate) {
					group = append(group, candidate)
					in[candidate] = struct{}{}
					changed = true
					break
				}
			}
		}
	}
	return Sort(group)
}

// Link declares two cells adjacent for grouping purposes.
type Link struct {
	A Point
	B Point
}

// LinkGraph is an ordered list of links. The zero value is ready to use.
type LinkGraph struct {
	links []Link
}

// Add records a link between a and b.
func (g *LinkGraph) Add(a, b Point) {
	g.links = append(g.links, Link{A: a, B: b})
}

// Links returns a copy of the recorded links.
func (g *LinkGraph) Links() []Link {
	if g == nil {
		return nil
	}
	return slices.Clone(g.links)
}

// Len returns the number of recorded links.
func (g *LinkGraph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.links)
}

// Reset drops every link.
func (g *LinkGraph) Reset() {
	g.links = nil
}

// Linked extends Group across links: whenever one endpoint of a link lies in
// the component, the component containing the other endpoint is merged in.
// Merging repeats until no link adds anything, so chains of links are followed.
func Linked(rects []Rect, seed Point, graph *LinkGraph) []Rect {
	group := Group(rects, seed)
	if len(group) == 0 || graph.Len() == 0 {
		return group
	}
	members := make(map[Rect]struct{}, len(group))
	for _, r := range group {
		members[r] = struct{}{}
	}
	covers := func(p Point) bool {
		for r := range members {
			if r.ContainsPoint(p) {
				return true
			}
		}
		return false
	}
	for changed := true; changed; {
		changed = false
		for _, link := range graph.links {
			var far Point
			switch {
			case covers(link.A):
				far = link.B
			case covers(link.B):
				far = link.A
			default:
				continue
			}
			for _, r := range Group(rects, far) {
				if _, ok := members[r]; ok {
					continue
				}
				members[r] = struct{}{}
				changed = true
			}
		}
	}
	out := make([]Rect, 0, len(members))
	for r := range members {
		out = append(out, r)
	}
	return Sort(out)
}
