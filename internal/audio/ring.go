package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrClosed is returned by GetChunk once the buffer is stopped and every
// queued chunk has been consumed.
var ErrClosed = errors.New("audio: ring buffer closed")

// DefaultPollInterval is how long the slicer idles when starved of samples
const DefaultPollInterval = 5 * time.Millisecond

// Chunk is a window of samples extracted from the ring buffer.
// Samples is owned by the receiver and never touched by the buffer again.
type Chunk[S Sample] struct {
	Seq      uint64 // position within the session, starting at 0
	Samples  []S
	Terminal bool // produced by Flush; may be shorter than the chunk size
}

// Len returns the number of samples in the chunk
func (c Chunk[S]) Len() int {
	return len(c.Samples)
}

// Duration returns the chunk duration at the given sample rate
func (c Chunk[S]) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(sampleRate)
}

// RingConfig describes the window geometry of a RingBuffer
type RingConfig struct {
	SampleRate      int     // samples per second
	ChunkDuration   float64 // seconds per extracted window
	OverlapDuration float64 // seconds shared by consecutive windows
	BufferDuration  float64 // seconds of storage; capacity = BufferDuration * SampleRate

	PollInterval    time.Duration // slicer idle interval; DefaultPollInterval when zero
	MaxQueuedChunks int           // 0 keeps the chunk queue unbounded
}

// RingStats represents ring buffer statistics for monitoring
type RingStats struct {
	SampleRate         int    `json:"sample_rate"`
	Capacity           int    `json:"capacity_samples"`
	ChunkSize          int    `json:"chunk_size_samples"`
	Overlap            int    `json:"overlap_samples"`
	Step               int    `json:"step_samples"`
	Available          int    `json:"available_samples"`
	QueuedChunks       int    `json:"queued_chunks"`
	SamplesAdded       uint64 `json:"samples_added"`
	SamplesOverwritten uint64 `json:"samples_overwritten"`
	ChunksProduced     uint64 `json:"chunks_produced"`
	ChunksDropped      uint64 `json:"chunks_dropped"`
}

// RingBuffer is a fixed-capacity circular sample store with a background
// slicer that cuts overlapping windows out of it.
//
// Add is called by the audio producer, the slicer goroutine extracts
// windows under the same lock and queues them, and a consumer pulls them
// with GetChunk. Writing past capacity silently overwrites the oldest unread
// samples.
type RingBuffer[S Sample] struct {
	sampleRate   int
	chunkSize    int
	overlap      int
	step         int
	capacity     int
	pollInterval time.Duration

	// mu guards the storage and indices; add, clear, flush and the slicer
	// all serialize on it.
	mu        sync.Mutex
	buf       []S
	writeIdx  int
	readIdx   int
	available int
	nextSeq   uint64

	samplesAdded       uint64
	samplesOverwritten uint64
	chunksProduced     uint64

	// sliceMu is held by the slicer from extraction until the chunk is
	// queued, so Clear and Flush never miss a chunk in transit. Add does not
	// take it.
	sliceMu sync.Mutex

	queue *chunkQueue[S]

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewRingBuffer creates a ring buffer and starts its slicer goroutine
func NewRingBuffer[S Sample](cfg RingConfig) (*RingBuffer[S], error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}

	chunkSize := samplesFor(cfg.ChunkDuration, cfg.SampleRate)
	overlap := samplesFor(cfg.OverlapDuration, cfg.SampleRate)
	capacity := samplesFor(cfg.BufferDuration, cfg.SampleRate)

	if overlap <= 0 {
		return nil, fmt.Errorf("overlap must be at least one sample, got %d (%.3fs)", overlap, cfg.OverlapDuration)
	}
	if chunkSize <= overlap {
		return nil, fmt.Errorf("chunk size (%d samples) must exceed overlap (%d samples)", chunkSize, overlap)
	}
	if capacity < chunkSize {
		return nil, fmt.Errorf("capacity (%d samples) must hold at least one chunk (%d samples)", capacity, chunkSize)
	}
	if cfg.MaxQueuedChunks < 0 {
		return nil, fmt.Errorf("max queued chunks cannot be negative, got %d", cfg.MaxQueuedChunks)
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	rb := &RingBuffer[S]{
		sampleRate:   cfg.SampleRate,
		chunkSize:    chunkSize,
		overlap:      overlap,
		step:         chunkSize - overlap,
		capacity:     capacity,
		pollInterval: poll,
		buf:          make([]S, capacity),
		queue:        newChunkQueue[S](cfg.MaxQueuedChunks),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go rb.sliceLoop()

	return rb, nil
}

// samplesFor converts a duration to samples, rounded rather than truncated
// so values like 2.01s at 100Hz give 201 and not 200.
func samplesFor(seconds float64, sampleRate int) int {
	return int(math.Round(seconds * float64(sampleRate)))
}

// Add appends samples to the ring. It never fails; when the ring is full
// the oldest unread samples are overwritten.
func (rb *RingBuffer[S]) Add(samples []S) {
	n := len(samples)
	if n == 0 {
		return
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.samplesAdded += uint64(n)

	// Only the newest capacity samples of an oversized write survive.
	src := samples
	start := rb.writeIdx
	if n > rb.capacity {
		src = samples[n-rb.capacity:]
		start = (rb.writeIdx + n - rb.capacity) % rb.capacity
	}

	first := copy(rb.buf[start:], src)
	copy(rb.buf, src[first:])

	rb.writeIdx = (rb.writeIdx + n) % rb.capacity

	if rb.available+n > rb.capacity {
		rb.samplesOverwritten += uint64(rb.available + n - rb.capacity)
		rb.available = rb.capacity
		// The oldest surviving sample sits right after the newest one.
		rb.readIdx = rb.writeIdx
	} else {
		rb.available += n
	}
}

// copyFromLocked copies n samples starting at start, wrapping at capacity
func (rb *RingBuffer[S]) copyFromLocked(start, n int) []S {
	out := make([]S, n)
	copied := copy(out, rb.buf[start:min(start+n, rb.capacity)])
	copy(out[copied:], rb.buf[:n-copied])
	return out
}

// nextChunk extracts one window if enough samples are available.
// The read index advances by step and available drops by step, which
// leaves the overlap tail available for the next window.
func (rb *RingBuffer[S]) nextChunk() (Chunk[S], bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.available < rb.chunkSize {
		return Chunk[S]{}, false
	}

	chunk := Chunk[S]{
		Seq:     rb.nextSeq,
		Samples: rb.copyFromLocked(rb.readIdx, rb.chunkSize),
	}

	rb.readIdx = (rb.readIdx + rb.step) % rb.capacity
	rb.available -= rb.step
	rb.nextSeq++
	rb.chunksProduced++

	return chunk, true
}

// sliceLoop runs until Stop, polling for enough samples to cut a window
func (rb *RingBuffer[S]) sliceLoop() {
	defer close(rb.done)
	defer rb.queue.close()

	ticker := time.NewTicker(rb.pollInterval)
	defer ticker.Stop()

	for {
		if rb.ctx.Err() != nil {
			return
		}

		rb.sliceMu.Lock()
		chunk, ok := rb.nextChunk()
		if ok {
			rb.queue.push(chunk)
		}
		rb.sliceMu.Unlock()

		if ok {
			continue
		}

		select {
		case <-rb.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GetChunk blocks until the next window is available. It returns ErrClosed
// once the buffer is stopped and drained, or ctx.Err() if ctx ends first.
func (rb *RingBuffer[S]) GetChunk(ctx context.Context) (Chunk[S], error) {
	return rb.queue.pop(ctx)
}

// WaitChunk blocks until a window is queued without removing it
func (rb *RingBuffer[S]) WaitChunk(ctx context.Context) error {
	return rb.queue.wait(ctx)
}

// TryGetChunk pops the next queued window without blocking
func (rb *RingBuffer[S]) TryGetChunk() (Chunk[S], bool) {
	return rb.queue.tryPop()
}

// Clear resets the ring to its empty state and discards queued windows.
// Used at the start of a recording session.
func (rb *RingBuffer[S]) Clear() {
	rb.sliceMu.Lock()
	defer rb.sliceMu.Unlock()

	rb.clearLocked()
}

func (rb *RingBuffer[S]) clearLocked() {
	rb.mu.Lock()
	rb.writeIdx = 0
	rb.readIdx = 0
	rb.available = 0
	rb.nextSeq = 0
	rb.mu.Unlock()

	rb.queue.drain()
}

// Flush returns every queued window followed by one terminal window built
// from the remaining available samples (at most one chunk size), then
// clears the ring.
func (rb *RingBuffer[S]) Flush() []Chunk[S] {
	rb.sliceMu.Lock()
	defer rb.sliceMu.Unlock()

	chunks := rb.queue.drain()

	rb.mu.Lock()
	if rb.available > 0 {
		size := min(rb.available, rb.chunkSize)
		chunks = append(chunks, Chunk[S]{
			Seq:      rb.nextSeq,
			Samples:  rb.copyFromLocked(rb.readIdx, size),
			Terminal: true,
		})
		rb.readIdx = (rb.readIdx + size) % rb.capacity
		rb.available -= size
		rb.nextSeq++
	}
	rb.mu.Unlock()

	rb.clearLocked()

	return chunks
}

// Stop signals the slicer to exit and waits for it. The slicer notices
// at its next poll, after which GetChunk drains the queue and then reports
// ErrClosed.
func (rb *RingBuffer[S]) Stop() {
	rb.stopOnce.Do(rb.cancel)
	<-rb.done
}

// Done is closed once the slicer goroutine has exited
func (rb *RingBuffer[S]) Done() <-chan struct{} {
	return rb.done
}

// Available returns the number of samples a new window can start from
func (rb *RingBuffer[S]) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.available
}

// SampleRate returns the configured sample rate
func (rb *RingBuffer[S]) SampleRate() int {
	return rb.sampleRate
}

// ChunkSize returns the window length in samples
func (rb *RingBuffer[S]) ChunkSize() int {
	return rb.chunkSize
}

// Overlap returns the number of samples shared by consecutive windows
func (rb *RingBuffer[S]) Overlap() int {
	return rb.overlap
}

// Capacity returns the ring capacity in samples
func (rb *RingBuffer[S]) Capacity() int {
	return rb.capacity
}

// Stats returns current ring buffer statistics
func (rb *RingBuffer[S]) Stats() RingStats {
	rb.mu.Lock()
	stats := RingStats{
		SampleRate:         rb.sampleRate,
		Capacity:           rb.capacity,
		ChunkSize:          rb.chunkSize,
		Overlap:            rb.overlap,
		Step:               rb.step,
		Available:          rb.available,
		SamplesAdded:       rb.samplesAdded,
		SamplesOverwritten: rb.samplesOverwritten,
		ChunksProduced:     rb.chunksProduced,
	}
	rb.mu.Unlock()

	stats.QueuedChunks = rb.queue.len()
	stats.ChunksDropped = rb.queue.droppedCount()
	return stats
}
