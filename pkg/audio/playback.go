package audio

import "sync"

// entry is one element of the playback queue: either a chunk of PCM or an end
// marker closing a generation.
type entry struct {
	data []byte
	end  bool
}

// PlaybackBuffer is the jitter buffer between the network receive loop
// (producer) and the output device callback (consumer).
//
// It is a deque of chunks with a read offset into the head chunk, so
// [PlaybackBuffer.Pull] costs O(n) in the number of bytes requested and never
// moves the remaining buffered audio. The mutex is held only across the
// slice bookkeeping, never across I/O.
//
// The zero value is not usable; create instances with [NewPlaybackBuffer].
type PlaybackBuffer struct {
	mu      sync.Mutex
	queue   []entry
	head    int // index of the first live entry in queue
	offset  int // bytes already consumed from queue[head]
	size    int // buffered audio bytes
	drained chan struct{}
}

// NewPlaybackBuffer returns an empty buffer.
func NewPlaybackBuffer() *PlaybackBuffer {
	return &PlaybackBuffer{
		queue:   make([]entry, 0, 64),
		drained: make(chan struct{}, 1),
	}
}

// Append adds chunk to the tail. The buffer takes ownership of chunk; callers
// must not modify it afterwards. A nil chunk enqueues an end marker meaning
// the current generation is complete. Empty non-nil chunks are ignored.
func (b *PlaybackBuffer) Append(chunk []byte) {
	if chunk != nil && len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	if chunk == nil {
		b.queue = append(b.queue, entry{end: true})
	} else {
		b.queue = append(b.queue, entry{data: chunk})
		b.size += len(chunk)
	}
	b.mu.Unlock()
}

// Pull consumes exactly n bytes from the head and returns them in a new
// slice, zero-filling any shortfall. It never blocks.
func (b *PlaybackBuffer) Pull(n int) []byte {
	if n <= 0 {
		return []byte{}
	}
	out := make([]byte, n)
	b.PullInto(out)
	return out
}

// PullInto fills dst from the head of the buffer and zero-fills whatever the
// buffer could not supply. It returns the number of audio bytes copied; the
// remaining len(dst)-copied bytes are silence. PullInto does not allocate and
// is safe to call from a device callback.
func (b *PlaybackBuffer) PullInto(dst []byte) int {
	n, _ := b.PullPeriod(dst)
	return n
}

// PullPeriod is PullInto for device callbacks. ended reports whether an end
// marker was consumed, which tells a normal end of generation apart from an
// underrun.
func (b *PlaybackBuffer) PullPeriod(dst []byte) (copied int, ended bool) {
	b.mu.Lock()
	sawEnd := false
	for copied < len(dst) && b.head < len(b.queue) {
		e := &b.queue[b.head]
		if e.end {
			sawEnd = true
			b.pop()
			continue
		}
		n := copy(dst[copied:], e.data[b.offset:])
		copied += n
		b.offset += n
		b.size -= n
		if b.offset == len(e.data) {
			b.pop()
		}
	}
	// Consume end markers that are now at the head so the drained signal
	// fires as soon as the last byte of a generation has been pulled.
	for b.head < len(b.queue) && b.queue[b.head].end {
		sawEnd = true
		b.pop()
	}
	b.compact()
	empty := b.size == 0
	b.mu.Unlock()

	clear(dst[copied:])

	if sawEnd && empty {
		select {
		case b.drained <- struct{}{}:
		default:
		}
	}
	return copied, sawEnd
}

// Clear drops all queued chunks and end markers. It is atomic with respect to
// concurrent Append and Pull calls.
func (b *PlaybackBuffer) Clear() {
	b.mu.Lock()
	clear(b.queue)
	b.queue = b.queue[:0]
	b.head = 0
	b.offset = 0
	b.size = 0
	b.mu.Unlock()
}

// Len returns the number of buffered audio bytes.
func (b *PlaybackBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Drained delivers a value each time Pull consumes an end marker and leaves
// the buffer empty, i.e. when a complete generation has finished playing.
// Signals are coalesced: at most one is pending at a time.
func (b *PlaybackBuffer) Drained() <-chan struct{} {
	return b.drained
}

// pop drops the head entry. Caller holds mu.
func (b *PlaybackBuffer) pop() {
	b.queue[b.head] = entry{}
	b.head++
	b.offset = 0
}

// compact reclaims the consumed prefix of queue once it dominates the slice.
// Only entry headers move, never audio bytes. Caller holds mu.
func (b *PlaybackBuffer) compact() {
	if b.head == len(b.queue) {
		b.queue = b.queue[:0]
		b.head = 0
		return
	}
	if b.head > 32 && b.head*2 >= len(b.queue) {
		n := copy(b.queue, b.queue[b.head:])
		clear(b.queue[n:])
		b.queue = b.queue[:n]
		b.head = 0
	}
}
