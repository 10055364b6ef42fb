// Package registry mirrors the lock server's view of who holds which
// rectangles in the current lock space.
package registry

import (
	"slices"
	"strings"
	"sync"
	"time"

	"pkt.systems/gridlock/api"
	"pkt.systems/gridlock/region"
)

// Registry is an in-memory projection of the server's lock table. Computer
// names are stored truncated at the first '.' and compared case-insensitively.
// Mutators report whether the content changed. Registry is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	self      string
	computers []api.Computer
	links     region.LinkGraph
}

// New returns an empty registry for the machine named self.
func New(self string) *Registry {
	return &Registry{self: shortName(self)}
}

// Self returns the normalised name of this machine.
func (r *Registry) Self() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

func shortName(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

func (r *Registry) indexOf(name string) int {
	for i := range r.computers {
		if strings.EqualFold(r.computers[i].Name, name) {
			return i
		}
	}
	return -1
}

func (r *Registry) isSelf(name string) bool {
	return strings.EqualFold(name, r.self)
}

// ApplyStatusSnapshot replaces the whole table with computers. Records
// sharing a normalised name are merged in arrival order. Link points are kept.
// The caller's slices are not retained.
func (r *Registry) ApplyStatusSnapshot(computers []api.Computer) bool {
	next := make([]api.Computer, 0, len(computers))
	for _, c := range computers {
		name := shortName(c.Name)
		merged := false
		for i := range next {
			if strings.EqualFold(next[i].Name, name) {
				next[i].Locks = append(next[i].Locks, c.Locks...)
				merged = true
				break
			}
		}
		if !merged {
			next = append(next, api.Computer{Name: name, Locks: slices.Clone(c.Locks)})
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := !equalComputers(r.computers, next)
	r.computers = next
	return changed
}

// ApplyLockAdded records lock as held by computer, creating the computer
// record when needed.
func (r *Registry) ApplyLockAdded(computer string, lock api.Lock) bool {
	name := shortName(computer)
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(name); i >= 0 {
		r.computers[i].Locks = append(r.computers[i].Locks, lock)
		return true
	}
	r.computers = append(r.computers, api.Computer{Name: name, Locks: []api.Lock{lock}})
	return true
}

// ApplyLockRemoved drops the first lock of computer whose rectangle equals
// rect exactly. A computer left without locks is removed. Unknown computers
// or rectangles leave the registry untouched.
func (r *Registry) ApplyLockRemoved(computer string, rect region.Rect) bool {
	name := shortName(computer)
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(name)
	if i < 0 {
		return false
	}
	locks := r.computers[i].Locks
	j := slices.IndexFunc(locks, func(l api.Lock) bool { return l.Rect == rect })
	if j < 0 {
		return false
	}
	r.computers[i].Locks = slices.Delete(locks, j, j+1)
	if len(r.computers[i].Locks) == 0 {
		r.computers = slices.Delete(r.computers, i, i+1)
	}
	return true
}

// Clear drops every lock. Link points are kept.
func (r *Registry) Clear() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := len(r.computers) > 0
	r.computers = nil
	return changed
}

// Computers returns a deep copy of the table.
func (r *Registry) Computers() []api.Computer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]api.Computer, len(r.computers))
	for i, c := range r.computers {
		out[i] = c.Clone()
	}
	return out
}

// Len returns the number of computers holding locks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.computers)
}

// IsLockedByMe reports whether a lock held by this machine covers (x, z).
func (r *Registry) IsLockedByMe(x, z int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lockedByMe(x, z)
}

func (r *Registry) lockedByMe(x, z int) bool {
	for _, c := range r.computers {
		if !r.isSelf(c.Name) {
			continue
		}
		for _, l := range c.Locks {
			if l.Rect.Contains(x, z) {
				return true
			}
		}
	}
	return false
}

// IsLockedByOthers reports whether a lock held by another machine covers
// (x, z).
func (r *Registry) IsLockedByOthers(x, z int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.computers {
		if r.isSelf(c.Name) {
			continue
		}
		for _, l := range c.Locks {
			if l.Rect.Contains(x, z) {
				return true
			}
		}
	}
	return false
}

// IsWritableByMe reports whether this machine holds every cell in
// [x-xExtent, x+xExtent] by [z-zExtent, z+zExtent].
func (r *Registry) IsWritableByMe(x, z, xExtent, zExtent int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := -xExtent; i <= xExtent; i++ {
		for j := -zExtent; j <= zExtent; j++ {
			if !r.lockedByMe(x+i, z+j) {
				return false
			}
		}
	}
	return true
}

// CellState classifies one cell the way LockData reports it.
func (r *Registry) CellState(x, z, xExtent, zExtent int) api.CellState {
	switch {
	case r.IsWritableByMe(x, z, xExtent, zExtent):
		return api.CellWritableByMe
	case r.IsLockedByMe(x, z):
		return api.CellLockedByMe
	case r.IsLockedByOthers(x, z):
		return api.CellLockedByOthers
	default:
		return api.CellUnlocked
	}
}

// GridInfo describes the first lock, in table order, that covers (x, z).
// The zero value is returned when the cell is free.
func (r *Registry) GridInfo(x, z int) api.GridInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.computers {
		for _, l := range c.Locks {
			if !l.Rect.Contains(x, z) {
				continue
			}
			acquired := l.Acquired()
			return api.GridInfo{
				Username:    l.Username,
				Computer:    c.Name,
				Description: l.Description,
				Acquired:    acquired,
				Time:        acquired.Local().Format(time.ANSIC),
			}
		}
	}
	return api.GridInfo{}
}

func (r *Registry) ownRects() []region.Rect {
	i := r.indexOf(r.self)
	if i < 0 {
		return nil
	}
	rects := make([]region.Rect, len(r.computers[i].Locks))
	for j, l := range r.computers[i].Locks {
		rects[j] = l.Rect
	}
	return rects
}

// LockRectCount returns the number of locks held by this machine.
func (r *Registry) LockRectCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexOf(r.self); i >= 0 {
		return len(r.computers[i].Locks)
	}
	return 0
}

// LockRect returns the index'th lock held by this machine, in arrival order.
func (r *Registry) LockRect(index int) (region.Rect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	own := r.ownRects()
	if index < 0 || index >= len(own) {
		return region.Rect{}, api.Errorf(api.KindPreconditionViolated, "lock_rect", "index %d out of range [0, %d)", index, len(own))
	}
	return own[index], nil
}

// LockRects returns the group of this machine's rectangles connected to
// (x, z) by intersection or link points, ordered by region.Compare.
func (r *Registry) LockRects(x, z int) []region.Rect {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lockRects(x, z)
}

func (r *Registry) lockRects(x, z int) []region.Rect {
	p, ok := point(x, z)
	if !ok {
		return nil
	}
	return region.Linked(r.ownRects(), p, &r.links)
}

// IsSameLock reports whether both cells are held by this machine and belong
// to the same linked group.
func (r *Registry) IsSameLock(x1, z1, x2, z2 int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.lockedByMe(x1, z1) || !r.lockedByMe(x2, z2) {
		return false
	}
	for _, rect := range r.lockRects(x1, z1) {
		if rect.Contains(x2, z2) {
			return true
		}
	}
	return false
}

// LinkPoint records that the cell at newPoint continues the cell at
// oldPoint. The link is only kept when the group at newPoint adds rectangles
// to the group at oldPoint, so relinking an already merged group is a no-op.
func (r *Registry) LinkPoint(oldPoint, newPoint region.Point) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	oldRects := r.lockRects(int(oldPoint.X), int(oldPoint.Z))
	newRects := r.lockRects(int(newPoint.X), int(newPoint.Z))
	for _, rect := range newRects {
		if _, found := slices.BinarySearchFunc(oldRects, rect, region.Compare); !found {
			r.links.Add(oldPoint, newPoint)
			return true
		}
	}
	return false
}

// Links returns the recorded link points.
func (r *Registry) Links() []region.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.links.Links()
}

// ResetLinks drops every link point.
func (r *Registry) ResetLinks() {
	r.mu.Lock()
	r.links.Reset()
	r.mu.Unlock()
}

func point(x, z int) (region.Point, bool) {
	const lo, hi = -1 << 15, 1<<15 - 1
	if x < lo || x > hi || z < lo || z > hi {
		return region.Point{}, false
	}
	return region.Point{X: int16(x), Z: int16(z)}, true
}

func equalComputers(a, b []api.Computer) bool {
	return slices.EqualFunc(a, b, func(x, y api.Computer) bool {
		return x.Name == y.Name && slices.Equal(x.Locks, y.Locks)
	})
}
