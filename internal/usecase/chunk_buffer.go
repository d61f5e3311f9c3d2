package usecase

import (
	"voicelab/internal/audio"
	"voicelab/internal/domain"
)

// chunkBuffer batches captured frames into outbound PCM chunks. Frames are
// converted on arrival so capture buffers can be reused immediately.
type chunkBuffer struct {
	threshold int
	pending   []byte
	frames    int
	next      int64
}

func newChunkBuffer(threshold int) *chunkBuffer {
	if threshold < 1 {
		threshold = 1
	}
	b := &chunkBuffer{threshold: threshold}
	b.Reset()
	return b
}

// Reset drops queued frames and restarts sequence numbering at 1.
func (b *chunkBuffer) Reset() {
	b.pending = b.pending[:0]
	b.frames = 0
	b.next = 1
}

// Push queues one frame. Once threshold frames are queued it returns the
// concatenated chunk and clears the queue.
func (b *chunkBuffer) Push(frame []float32) (domain.AudioChunk, bool) {
	b.pending = audio.AppendPCM16LE(b.pending, frame)
	b.frames++
	if b.frames < b.threshold {
		return domain.AudioChunk{}, false
	}

	pcm := make([]byte, len(b.pending))
	copy(pcm, b.pending)
	chunk := domain.AudioChunk{Sequence: b.next, PCM: pcm}

	b.next++
	b.pending = b.pending[:0]
	b.frames = 0
	return chunk, true
}

// Pending reports how many frames are waiting for the next flush.
func (b *chunkBuffer) Pending() int { return b.frames }
