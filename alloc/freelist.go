package alloc

// A byteRange is a reclaimed range of an address space.
type byteRange struct {
	offset uint64
	length uint64
}

// A rangeAllocator hands out byte ranges from one address space. It is a
// bump allocator whose high-water mark becomes the space's total
// requirement; when reuse is enabled, reclaimed ranges are recycled best-fit
// before the bump pointer grows.
type rangeAllocator struct {
	reuse bool
	next  uint64
	free  []byteRange
}

func newRangeAllocator(reuse bool) *rangeAllocator {
	return &rangeAllocator{reuse: reuse}
}

// alloc returns the offset of a range of the given length.
func (a *rangeAllocator) alloc(length uint64) uint64 {
	if a.reuse {
		best := -1
		for i, r := range a.free {
			if r.length < length {
				continue
			}
			if best == -1 || r.length < a.free[best].length ||
				(r.length == a.free[best].length &&
					r.offset < a.free[best].offset) {
				best = i
			}
		}
		if best != -1 {
			r := a.free[best]
			if r.length == length {
				a.free = append(a.free[:best], a.free[best+1:]...)
			} else {
				a.free[best] = byteRange{
					offset: r.offset + length,
					length: r.length - length,
				}
			}
			return r.offset
		}
	}

	offset := a.next
	a.next += length
	return offset
}

// release returns a range to the free list, coalescing with neighbors.
// Without reuse the range is simply abandoned.
func (a *rangeAllocator) release(offset, length uint64) {
	if !a.reuse {
		return
	}

	insert := len(a.free)
	for i, r := range a.free {
		if r.offset > offset {
			insert = i
			break
		}
	}
	a.free = append(a.free, byteRange{})
	copy(a.free[insert+1:], a.free[insert:])
	a.free[insert] = byteRange{offset: offset, length: length}

	// Coalesce with the right neighbor, then the left.
	if insert+1 < len(a.free) &&
		a.free[insert].offset+a.free[insert].length == a.free[insert+1].offset {
		a.free[insert].length += a.free[insert+1].length
		a.free = append(a.free[:insert+1], a.free[insert+2:]...)
	}
	if insert > 0 &&
		a.free[insert-1].offset+a.free[insert-1].length == a.free[insert].offset {
		a.free[insert-1].length += a.free[insert].length
		a.free = append(a.free[:insert], a.free[insert+1:]...)
	}
}

// highWater returns the committed extent of the address space.
func (a *rangeAllocator) highWater() uint64 {
	return a.next
}
