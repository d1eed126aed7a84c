package decoders

// StreamBuf accumulates partial reads until a complete protocol frame is
// available. Frames may arrive split across any number of socket reads.
type StreamBuf struct {
	data []byte
}

func (b *StreamBuf) Write(p []byte) {
	b.data = append(b.data, p...)
}

func (b *StreamBuf) Len() int { return len(b.data) }

// Peek returns the first n buffered bytes without consuming, or nil when
// fewer are available.
func (b *StreamBuf) Peek(n int) []byte {
	if len(b.data) < n {
		return nil
	}
	return b.data[:n]
}

// Next consumes and returns a copy of the first n bytes, or nil when fewer
// are available.
func (b *StreamBuf) Next(n int) []byte {
	if len(b.data) < n {
		return nil
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = b.data[n:]
	return out
}

// Drain consumes and returns everything buffered.
func (b *StreamBuf) Drain() []byte {
	if len(b.data) == 0 {
		return nil
	}
	out := b.data
	b.data = nil
	return out
}
