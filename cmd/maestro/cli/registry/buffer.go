package registry

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// defaultBufferCap is the soft cap on buffered live output per child.
const defaultBufferCap = 4 << 20 // 4 MiB

// outputBuffer is a memory-bounded FIFO of output chunks. When the total
// size exceeds the cap the oldest chunks are evicted and counted.
type outputBuffer struct {
	mu      sync.Mutex
	cap     int
	size    int
	chunks  [][]byte
	dropped uint64
}

func newOutputBuffer(capBytes int) *outputBuffer {
	if capBytes <= 0 {
		capBytes = defaultBufferCap
	}
	return &outputBuffer{cap: capBytes}
}

// append adds a chunk, evicting oldest chunks once over the cap.
func (b *outputBuffer) append(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)

	for b.size > b.cap && len(b.chunks) > 0 {
		evicted := b.chunks[0]
		b.size -= len(evicted)
		b.dropped += uint64(len(evicted))
		b.chunks = b.chunks[1:]
	}
}

// snapshot returns the buffered output as a lossy UTF-8 string.
// Never blocks on the child.
func (b *outputBuffer) snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	sb.Grow(b.size)
	for _, chunk := range b.chunks {
		sb.Write(chunk)
	}
	return strings.ToValidUTF8(sb.String(), string(utf8.RuneError))
}

// droppedBytes reports how many bytes have been evicted so far.
func (b *outputBuffer) droppedBytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
