package playback

// ring is a fixed-capacity byte FIFO. It is not safe for concurrent use; the
// owning [Stream] guards it with its mutex.
type ring struct {
	buf  []byte
	head int // next read position
	size int // bytes currently stored
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]byte, capacity)}
}

// Len returns the number of buffered bytes.
func (r *ring) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *ring) Cap() int { return len(r.buf) }

// Free returns the number of bytes that can be written without overwriting.
func (r *ring) Free() int { return len(r.buf) - r.size }

// Write copies as much of p as fits and returns the count.
func (r *ring) Write(p []byte) int {
	n := min(len(p), r.Free())
	if n == 0 {
		return 0
	}
	tail := (r.head + r.size) % len(r.buf)
	first := copy(r.buf[tail:], p[:n])
	if first < n {
		copy(r.buf, p[first:n])
	}
	r.size += n
	return n
}

// Read moves up to len(p) bytes into p and returns the count.
func (r *ring) Read(p []byte) int {
	n := min(len(p), r.size)
	if n == 0 {
		return 0
	}
	first := copy(p[:n], r.buf[r.head:])
	if first < n {
		copy(p[first:n], r.buf)
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	return n
}

// Reset discards all buffered bytes.
func (r *ring) Reset() {
	r.head = 0
	r.size = 0
}
