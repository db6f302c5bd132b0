package audio

import "sync"

// CaptureAccumulator collects raw microphone bytes and slices them into
// fixed-size chunks. A chunk is emitted if and only if at least ChunkSize
// bytes are buffered; the remainder is preserved for the next chunk.
//
// Write is safe to call from a device callback concurrently with Next.
type CaptureAccumulator struct {
	mu        sync.Mutex
	buf       []byte
	chunkSize int
}

// NewCaptureAccumulator returns an accumulator emitting chunks of chunkSize
// bytes. chunkSize is rounded down to a whole number of PCM16 samples and
// must be at least one sample.
func NewCaptureAccumulator(chunkSize int) *CaptureAccumulator {
	chunkSize -= chunkSize % BytesPerSample
	if chunkSize < BytesPerSample {
		chunkSize = BytesPerSample
	}
	return &CaptureAccumulator{
		buf:       make([]byte, 0, chunkSize*2),
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the size of emitted chunks in bytes.
func (a *CaptureAccumulator) ChunkSize() int { return a.chunkSize }

// Write appends p to the accumulator. p is copied.
func (a *CaptureAccumulator) Write(p []byte) {
	a.mu.Lock()
	a.buf = append(a.buf, p...)
	a.mu.Unlock()
}

// Next slices off exactly one chunk if enough bytes are buffered. The
// returned slice is freshly allocated and owned by the caller.
func (a *CaptureAccumulator) Next() ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf) < a.chunkSize {
		return nil, false
	}
	chunk := make([]byte, a.chunkSize)
	copy(chunk, a.buf)
	rest := copy(a.buf, a.buf[a.chunkSize:])
	a.buf = a.buf[:rest]
	return chunk, true
}

// Buffered returns the number of bytes not yet emitted.
func (a *CaptureAccumulator) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Reset discards buffered bytes.
func (a *CaptureAccumulator) Reset() {
	a.mu.Lock()
	a.buf = a.buf[:0]
	a.mu.Unlock()
}
