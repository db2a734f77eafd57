package bridge

// scrollback keeps the most recent output of a session so a newly attached
// consumer can redraw. It is a ring over a fixed buffer; once full, the
// oldest byte sits at end:
//
//	size 5, write "abcde": [a b c d e]  end=0 full
//	write "fg":            [f g c d e]  end=2 -> "cdefg"
//
// It is not safe for concurrent use; the owning Session's mutex guards it.
type scrollback struct {
	data []byte
	end  int
	full bool
}

func newScrollback(size int) *scrollback {
	if size <= 0 {
		size = defaultScrollbackBytes
	}
	return &scrollback{data: make([]byte, size)}
}

func (r *scrollback) Write(p []byte) (int, error) {
	n := len(p)
	size := len(r.data)
	if n >= size {
		// Only the tail survives.
		copy(r.data, p[n-size:])
		r.end, r.full = 0, true
		return n, nil
	}

	c := copy(r.data[r.end:], p)
	if c < n {
		copy(r.data, p[c:])
	}
	if r.end+n >= size {
		r.full = true
	}
	r.end = (r.end + n) % size
	return n, nil
}

// Bytes returns a copy of the buffered output, oldest first.
func (r *scrollback) Bytes() []byte {
	if !r.full {
		return append([]byte(nil), r.data[:r.end]...)
	}
	out := make([]byte, 0, len(r.data))
	out = append(out, r.data[r.end:]...)
	return append(out, r.data[:r.end]...)
}

func (r *scrollback) Len() int {
	if r.full {
		return len(r.data)
	}
	return r.end
}
