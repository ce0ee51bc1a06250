package audio

// Framer splits an arbitrary sequence of binary messages into fixed-size
// frames, carrying any remainder over to the next Push. It is not safe for
// concurrent use.
type Framer struct {
	size    int
	pending []byte
}

// NewFramer creates a framer emitting frames of size bytes.
func NewFramer(size int) *Framer {
	return &Framer{size: size}
}

// Push appends p and returns every complete frame now available.
func (f *Framer) Push(p []byte) [][]byte {
	if f.size <= 0 {
		return nil
	}
	f.pending = append(f.pending, p...)

	var frames [][]byte
	for len(f.pending) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.pending[:f.size])
		frames = append(frames, frame)
		f.pending = f.pending[f.size:]
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
	return frames
}

// Pending returns the number of bytes waiting for a complete frame.
func (f *Framer) Pending() int {
	return len(f.pending)
}
