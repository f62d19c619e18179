package audio

import (
	"context"
	"errors"
	"testing"
	"time"
)

// smallConfig gives chunk=4, overlap=1, step=3, capacity=10 samples
func smallConfig() RingConfig {
	return RingConfig{
		SampleRate:      10,
		ChunkDuration:   0.4,
		OverlapDuration: 0.1,
		BufferDuration:  1.0,
		PollInterval:    time.Millisecond,
	}
}

func sequence(from, to int) []int16 {
	out := make([]int16, 0, to-from+1)
	for v := from; v <= to; v++ {
		out = append(out, int16(v))
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func getChunk[S Sample](t *testing.T, rb *RingBuffer[S]) Chunk[S] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	chunk, err := rb.GetChunk(ctx)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	return chunk
}

func expectNoChunk[S Sample](t *testing.T, rb *RingBuffer[S]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if chunk, err := rb.GetChunk(ctx); err == nil {
		t.Fatalf("Expected no chunk, got one with %d samples", chunk.Len())
	} else if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func equalSamples[S Sample](a, b []S) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewRingBufferValidation(t *testing.T) {
	tests := []struct {
		name      string
		config    RingConfig
		expectErr bool
	}{
		{
			name:   "valid parameters",
			config: RingConfig{SampleRate: 16000, ChunkDuration: 2.0, OverlapDuration: 0.25, BufferDuration: 20.0},
		},
		{
			name:      "zero sample rate",
			config:    RingConfig{SampleRate: 0, ChunkDuration: 2.0, OverlapDuration: 0.25, BufferDuration: 20.0},
			expectErr: true,
		},
		{
			name:      "overlap equals chunk",
			config:    RingConfig{SampleRate: 16000, ChunkDuration: 1.0, OverlapDuration: 1.0, BufferDuration: 20.0},
			expectErr: true,
		},
		{
			name:      "zero overlap",
			config:    RingConfig{SampleRate: 16000, ChunkDuration: 1.0, OverlapDuration: 0, BufferDuration: 20.0},
			expectErr: true,
		},
		{
			name:      "capacity smaller than chunk",
			config:    RingConfig{SampleRate: 16000, ChunkDuration: 2.0, OverlapDuration: 0.25, BufferDuration: 1.0},
			expectErr: true,
		},
		{
			name:      "negative queue bound",
			config:    RingConfig{SampleRate: 16000, ChunkDuration: 2.0, OverlapDuration: 0.25, BufferDuration: 20.0, MaxQueuedChunks: -1},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb, err := NewRingBuffer[int16](tt.config)
			if tt.expectErr {
				if err == nil {
					rb.Stop()
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			rb.Stop()
		})
	}
}

func TestRingBufferGeometry(t *testing.T) {
	rb, err := NewRingBuffer[float32](RingConfig{
		SampleRate:      16000,
		ChunkDuration:   2.0,
		OverlapDuration: 0.25,
		BufferDuration:  20.0,
	})
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	defer rb.Stop()

	stats := rb.Stats()
	if stats.ChunkSize != 32000 {
		t.Errorf("Expected chunk size 32000, got %d", stats.ChunkSize)
	}
	if stats.Overlap != 4000 {
		t.Errorf("Expected overlap 4000, got %d", stats.Overlap)
	}
	if stats.Step != 28000 {
		t.Errorf("Expected step 28000, got %d", stats.Step)
	}
	if stats.Capacity != 320000 {
		t.Errorf("Expected capacity 320000, got %d", stats.Capacity)
	}
}

func TestRingBufferSingleChunk(t *testing.T) {
	rb, err := NewRingBuffer[float32](RingConfig{
		SampleRate:      16000,
		ChunkDuration:   2.0,
		OverlapDuration: 0.25,
		BufferDuration:  20.0,
	})
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	defer rb.Stop()

	rb.Add(make([]float32, 32000))

	chunk := getChunk(t, rb)
	if chunk.Len() != 32000 {
		t.Errorf("Expected chunk of 32000 samples, got %d", chunk.Len())
	}
	if chunk.Seq != 0 {
		t.Errorf("Expected first chunk sequence 0, got %d", chunk.Seq)
	}
	if chunk.Terminal {
		t.Error("Expected sliced chunk not to be terminal")
	}
	if chunk.Duration(16000) != 2*time.Second {
		t.Errorf("Expected chunk duration 2s, got %v", chunk.Duration(16000))
	}

	expectNoChunk(t, rb)

	// Only the overlap stays available after one window.
	if rb.Available() != 4000 {
		t.Errorf("Expected 4000 available samples, got %d", rb.Available())
	}
}

func TestRingBufferOverlapContinuity(t *testing.T) {
	rb, err := NewRingBuffer[int16](RingConfig{
		SampleRate:      16000,
		ChunkDuration:   2.0,
		OverlapDuration: 0.25,
		BufferDuration:  20.0,
	})
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	defer rb.Stop()

	samples := make([]int16, 64000)
	for i := range samples {
		samples[i] = int16(i % 30000)
	}
	rb.Add(samples)

	first := getChunk(t, rb)
	second := getChunk(t, rb)
	expectNoChunk(t, rb)

	if first.Len() != 32000 || second.Len() != 32000 {
		t.Fatalf("Expected two chunks of 32000 samples, got %d and %d", first.Len(), second.Len())
	}
	if second.Seq != first.Seq+1 {
		t.Errorf("Expected consecutive sequence numbers, got %d and %d", first.Seq, second.Seq)
	}

	if !equalSamples(first.Samples[32000-4000:], second.Samples[:4000]) {
		t.Error("Expected the last 4000 samples of the first chunk to equal the first 4000 of the second")
	}

	if second.Samples[0] != samples[28000] {
		t.Errorf("Expected second chunk to start at sample 28000 (%d), got %d", samples[28000], second.Samples[0])
	}
}

func TestRingBufferWraparound(t *testing.T) {
	rb, err := NewRingBuffer[int16](smallConfig())
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	defer rb.Stop()

	rb.Add(sequence(1, 3))
	expectNoChunk(t, rb)

	// Every further write of one step yields exactly one window, and the
	// windows walk across the end of the 10-sample storage several times.
	for k := 0; k < 9; k++ {
		from := 4 + 3*k
		rb.Add(sequence(from, from+2))

		chunk := getChunk(t, rb)
		expected := sequence(3*k+1, 3*k+4)
		if !equalSamples(chunk.Samples, expected) {
			t.Fatalf("Chunk %d: expected %v, got %v", k, expected, chunk.Samples)
		}
		if chunk.Seq != uint64(k) {
			t.Errorf("Chunk %d: expected sequence %d, got %d", k, k, chunk.Seq)
		}
	}

	stats := rb.Stats()
	if stats.SamplesOverwritten != 0 {
		t.Errorf("Expected no overwritten samples, got %d", stats.SamplesOverwritten)
	}
	if stats.ChunksProduced != 9 {
		t.Errorf("Expected 9 chunks produced, got %d", stats.ChunksProduced)
	}
}

func TestRingBufferAddEmpty(t *testing.T) {
	rb, err := NewRingBuffer[int16](smallConfig())
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	defer rb.Stop()

	rb.Add(nil)
	rb.Add([]int16{})

	stats := rb.Stats()
	if stats.Available != 0 || stats.SamplesAdded != 0 {
		t.Errorf("Expected empty adds to be no-ops, got available=%d added=%d", stats.Available, stats.SamplesAdded)
	}
}

func TestRingBufferFlushPartial(t *testing.T) {
	rb, err := NewRingBuffer[float32](RingConfig{
		SampleRate:      16000,
		ChunkDuration:   2.0,
		OverlapDuration: 0.25,
		BufferDuration:  20.0,
	})
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	defer rb.Stop()

	rb.Add(make([]float32, 10000))

	chunks := rb.Flush()
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 flushed chunk, got %d", len(chunks))
	}
	if chunks[0].Len() != 10000 {
		t.Errorf("Expected terminal chunk of 10000 samples, got %d", chunks[0].Len())
	}
	if !chunks[0].Terminal {
		t.Error("Expected flushed chunk to be terminal")
	}

	if again := rb.Flush(); len(again) != 0 {
		t.Errorf("Expected second flush to return no chunks, got %d", len(again))
	}
}

func TestRingBufferFlushWithQueuedChunks(t *testing.T) {
	rb, err := NewRingBuffer[int16](smallConfig())
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	defer rb.Stop()

	rb.Add(sequence(1, 7))
	waitFor(t, "two chunks", func() bool { return rb.Stats().ChunksProduced == 2 })

	chunks := rb.Flush()
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks from flush, got %d", len(chunks))
	}

	expected := [][]int16{sequence(1, 4), sequence(4, 7), sequence(7, 7)}
	for i, chunk := range chunks {
		if !equalSamples(chunk.Samples, expected[i]) {
			t.Errorf("Chunk %d: expected %v, got %v", i, expected[i], chunk.Samples)
		}
		if chunk.Seq != uint64(i) {
			t.Errorf("Chunk %d: expected sequence %d, got %d", i, i, chunk.Seq)
		}
	}
	if chunks[0].Terminal || chunks[1].Terminal || !chunks[2].Terminal {
		t.Error("Expected only the last flushed chunk to be terminal")
	}

	stats := rb.Stats()
	if stats.Available != 0 {
		t.Errorf("Expected 0 available after flush, got %d", stats.Available)
	}
	if stats.QueuedChunks != 0 {
		t.Errorf("Expected 0 queued chunks after flush, got %d", stats.QueuedChunks)
	}
}

func TestRingBufferFlushResetsToClearedState(t *testing.T) {
	rb, err := NewRingBuffer[int16](smallConfig())
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	defer rb.Stop()

	rb.Add(sequence(1, 2))
	rb.Flush()

	// A flushed ring behaves exactly like a fresh one: the next window
	// starts at storage index 0 with sequence 0.
	rb.Add(sequence(50, 53))
	chunk := getChunk(t, rb)
	if !equalSamples(chunk.Samples, sequence(50, 53)) {
		t.Errorf("Expected %v, got %v", sequence(50, 53), chunk.Samples)
	}
	if chunk.Seq != 0 {
		t.Errorf("Expected sequence to restart at 0, got %d", chunk.Seq)
	}
}

func TestRingBufferClearIdempotent(t *testing.T) {
	rb, err := NewRingBuffer[int16](smallConfig())
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	defer rb.Stop()

	rb.Add(sequence(1, 9))
	waitFor(t, "queued chunks", func() bool { return rb.Stats().QueuedChunks > 0 })

	for i := 0; i < 3; i++ {
		rb.Clear()

		stats := rb.Stats()
		if stats.Available != 0 {
			t.Errorf("Clear %d: expected 0 available, got %d", i, stats.Available)
		}
		if stats.QueuedChunks != 0 {
			t.Errorf("Clear %d: expected 0 queued chunks, got %d", i, stats.QueuedChunks)
		}
	}

	if chunks := rb.Flush(); len(chunks) != 0 {
		t.Errorf("Expected nothing to flush after clear, got %d chunks", len(chunks))
	}
}

func TestRingBufferOverflow(t *testing.T) {
	rb, err := NewRingBuffer[int16](smallConfig())
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	// Stop slicing so only the write path moves the indices.
	rb.Stop()

	rb.Add(sequence(1, 8))
	rb.Add(sequence(9, 15))

	stats := rb.Stats()
	if stats.Available != 10 {
		t.Errorf("Expected available capped at 10, got %d", stats.Available)
	}
	if stats.SamplesOverwritten != 5 {
		t.Errorf("Expected 5 overwritten samples, got %d", stats.SamplesOverwritten)
	}

	chunks := rb.Flush()
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 flushed chunk, got %d", len(chunks))
	}
	if !equalSamples(chunks[0].Samples, sequence(6, 9)) {
		t.Errorf("Expected oldest surviving samples %v, got %v", sequence(6, 9), chunks[0].Samples)
	}
}

func TestRingBufferOversizedWrite(t *testing.T) {
	rb, err := NewRingBuffer[int16](smallConfig())
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	rb.Stop()

	rb.Add(sequence(1, 3))
	rb.Add(sequence(4, 28))

	if rb.Available() != 10 {
		t.Errorf("Expected available capped at 10, got %d", rb.Available())
	}

	chunks := rb.Flush()
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 flushed chunk, got %d", len(chunks))
	}
	if !equalSamples(chunks[0].Samples, sequence(19, 22)) {
		t.Errorf("Expected %v, got %v", sequence(19, 22), chunks[0].Samples)
	}
}

func TestRingBufferStopClosesChannel(t *testing.T) {
	rb, err := NewRingBuffer[int16](smallConfig())
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}

	rb.Add(sequence(1, 4))
	waitFor(t, "one chunk", func() bool { return rb.Stats().ChunksProduced == 1 })

	rb.Stop()
	rb.Stop() // idempotent

	select {
	case <-rb.Done():
	default:
		t.Fatal("Expected slicer to have exited after Stop")
	}

	// Chunks queued before the stop are still delivered.
	chunk := getChunk(t, rb)
	if !equalSamples(chunk.Samples, sequence(1, 4)) {
		t.Errorf("Expected %v, got %v", sequence(1, 4), chunk.Samples)
	}

	_, err = rb.GetChunk(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after stop, got %v", err)
	}
}

func TestRingBufferBoundedQueueDropsOldest(t *testing.T) {
	cfg := smallConfig()
	cfg.MaxQueuedChunks = 1

	rb, err := NewRingBuffer[int16](cfg)
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	defer rb.Stop()

	rb.Add(sequence(1, 10))
	waitFor(t, "two dropped chunks", func() bool { return rb.Stats().ChunksDropped == 2 })

	stats := rb.Stats()
	if stats.QueuedChunks != 1 {
		t.Errorf("Expected 1 queued chunk, got %d", stats.QueuedChunks)
	}
	if stats.ChunksDropped != 2 {
		t.Errorf("Expected 2 dropped chunks, got %d", stats.ChunksDropped)
	}

	chunk := getChunk(t, rb)
	if chunk.Seq != 2 {
		t.Errorf("Expected newest chunk (sequence 2), got %d", chunk.Seq)
	}
	if !equalSamples(chunk.Samples, sequence(7, 10)) {
		t.Errorf("Expected %v, got %v", sequence(7, 10), chunk.Samples)
	}
}

func TestRingBufferTryGetChunk(t *testing.T) {
	rb, err := NewRingBuffer[int16](smallConfig())
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	defer rb.Stop()

	if _, ok := rb.TryGetChunk(); ok {
		t.Fatal("Expected no chunk on an empty ring")
	}

	rb.Add(sequence(1, 4))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rb.WaitChunk(ctx); err != nil {
		t.Fatalf("WaitChunk failed: %v", err)
	}

	chunk, ok := rb.TryGetChunk()
	if !ok {
		t.Fatal("Expected a chunk after WaitChunk returned")
	}
	if chunk.Len() != 4 {
		t.Errorf("Expected 4 samples, got %d", chunk.Len())
	}
}

func TestSamplesForRounds(t *testing.T) {
	tests := []struct {
		seconds float64
		rate    int
		want    int
	}{
		{2.0, 16000, 32000},
		{0.25, 16000, 4000},
		{2.01, 100, 201},
		{0.33333, 16000, 5333},
		{0.4, 10, 4},
	}

	for _, tt := range tests {
		if got := samplesFor(tt.seconds, tt.rate); got != tt.want {
			t.Errorf("samplesFor(%v, %d) = %d, want %d", tt.seconds, tt.rate, got, tt.want)
		}
	}
}
