package logging

import "sync"

// Tail keeps the most recent bytes written to it. It is used to serve the
// daemon's recent log output over the API.
type Tail struct {
	mu   sync.Mutex
	buf  []byte
	pos  int
	full bool
}

// NewTail creates a Tail holding up to size bytes.
func NewTail(size int) *Tail {
	return &Tail{buf: make([]byte, size)}
}

// Write implements io.Writer. It never fails.
func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if n >= len(t.buf) {
		copy(t.buf, p[n-len(t.buf):])
		t.pos = 0
		t.full = true
		return n, nil
	}
	c := copy(t.buf[t.pos:], p)
	if c < n {
		copy(t.buf, p[c:])
		t.full = true
	}
	t.pos = (t.pos + n) % len(t.buf)
	if t.pos == 0 && n > 0 {
		t.full = true
	}
	return n, nil
}

// Last returns up to n of the most recent bytes.
func (t *Tail) Last(n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	available := t.pos
	if t.full {
		available = len(t.buf)
	}
	if n > available || n <= 0 {
		n = available
	}
	if n == 0 {
		return nil
	}

	out := make([]byte, n)
	start := t.pos - n
	if start < 0 {
		start += len(t.buf)
	}
	for i := range out {
		out[i] = t.buf[(start+i)%len(t.buf)]
	}
	return out
}

// Len returns the number of bytes stored.
func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.buf)
	}
	return t.pos
}
