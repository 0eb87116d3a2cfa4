package download

// bitmap tracks which parts of a file have been written.
type bitmap struct {
	bits int
	data []byte
}

func newBitmap(bits int) *bitmap {
	if bits < 0 {
		bits = 0
	}
	return &bitmap{bits: bits, data: make([]byte, (bits+7)/8)}
}

// set marks bit i and reports whether it was previously clear.
func (b *bitmap) set(i int) bool {
	if i < 0 || i >= b.bits {
		return false
	}
	mask := byte(1) << uint(i%8)
	if b.data[i/8]&mask != 0 {
		return false
	}
	b.data[i/8] |= mask
	return true
}

func (b *bitmap) get(i int) bool {
	if i < 0 || i >= b.bits {
		return false
	}
	return b.data[i/8]&(1<<uint(i%8)) != 0
}

func (b *bitmap) count() int {
	n := 0
	for _, v := range b.data {
		for v != 0 {
			v &= v - 1
			n++
		}
	}
	return n
}

func (b *bitmap) full() bool {
	return b.count() == b.bits
}
