package fs

// allocation is the reference count of one generation. It exists only
// while at least one reader holds the generation open.
type allocation struct {
	gen   uint64
	name  string
	refs  int
	stale bool // superseded or deleted while referenced
}

// refTable maps generations to their open allocations. It is the
// alloc.RefSource the filesystem presents to the allocator, and is only
// used with the filesystem lock held.
type refTable map[uint64]*allocation

// Refs returns the open reference count of gen.
func (t refTable) Refs(gen uint64) int {
	if a, ok := t[gen]; ok {
		return a.refs
	}
	return 0
}

func (t refTable) acquire(gen uint64, name string) *allocation {
	a, ok := t[gen]
	if !ok {
		a = &allocation{gen: gen, name: name}
		t[gen] = a
	}
	a.refs++
	return a
}

// release drops one reference and reports whether the allocation became
// reclaimable. Counts never go below zero.
func (t refTable) release(gen uint64) (reclaimable bool) {
	a, ok := t[gen]
	if !ok || a.refs == 0 {
		return false
	}
	a.refs--
	if a.refs > 0 {
		return false
	}
	delete(t, gen)
	return a.stale
}

// retire flags an open allocation as superseded or deleted.
func (t refTable) retire(gen uint64) {
	if a, ok := t[gen]; ok {
		a.stale = true
	}
}

// readers returns the number of open references across all generations.
func (t refTable) readers() int {
	n := 0
	for _, a := range t {
		n += a.refs
	}
	return n
}
