package arch

func Memset(m Memory, dst uint32, c byte, n uint32) {
	b := m.Bytes(dst, n)
	for i := range b {
		b[i] = c
	}
}

func Memcpy(m Memory, dst, src uint32, n uint32) {
	copy(m.Bytes(dst, n), m.Bytes(src, n))
}

// Bzero clears the frame at pa.
func Bzero(m Memory, pa uint32) {
	clear(m.Bytes(pa, PGSIZE))
}
