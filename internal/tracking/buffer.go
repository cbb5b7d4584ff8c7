package tracking

// Buffer is an owned byte buffer whose allocation is reused while the
// requested size stays the same.
//
// Ensure reallocates if and only if the requested size differs from the size
// of the previous allocation. Shrinking therefore reallocates too: the
// service reports an exact size and the contents must span the whole buffer.
//
// Thread Safety: not safe for concurrent use. Each Buffer has a single owner.
type Buffer struct {
	data        []byte
	allocations uint64
}

// Ensure makes the buffer exactly n bytes long and returns it.
//
// Parameters:
//   - n: required size in bytes; n <= 0 releases the buffer
//
// Returns:
//   - []byte: the buffer, reused when n matches the previous allocation
//   - bool: true if a new allocation was made
func (b *Buffer) Ensure(n int) ([]byte, bool) {
	if n <= 0 {
		b.Release()
		return nil, false
	}
	if b.data != nil && len(b.data) == n {
		return b.data, false
	}
	b.data = make([]byte, n)
	b.allocations++
	return b.data, true
}

// Bytes returns the current buffer, or nil if nothing is allocated.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Cap returns the capacity of the current allocation.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Len returns the size of the current allocation.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Allocations returns how many times Ensure has allocated.
func (b *Buffer) Allocations() uint64 {
	return b.allocations
}

// Release drops the allocation. The next Ensure allocates afresh.
func (b *Buffer) Release() {
	b.data = nil
}
