package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
	"github.com/skypro1111/ptt-transcriber/internal/transcription"
	"github.com/skypro1111/ptt-transcriber/internal/vad"
)

// fakeEngine answers "c<seq>" for every chunk it is asked to transcribe
type fakeEngine[S audio.Sample] struct {
	mu        sync.Mutex
	chunks    []audio.Chunk[S]
	sessions  []string
	deadlines []bool

	accept   func([]S) bool
	failSeq  map[uint64]bool
	panicSeq map[uint64]bool
	started  chan struct{}
	release  chan struct{}
}

func (e *fakeEngine[S]) IsTranscribable(samples []S) bool {
	if e.accept == nil {
		return true
	}
	return e.accept(samples)
}

func (e *fakeEngine[S]) Transcribe(ctx context.Context, chunk audio.Chunk[S]) (string, error) {
	_, hasDeadline := ctx.Deadline()

	e.mu.Lock()
	e.chunks = append(e.chunks, chunk)
	e.sessions = append(e.sessions, transcription.SessionIDFromContext(ctx))
	e.deadlines = append(e.deadlines, hasDeadline)
	e.mu.Unlock()

	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.release != nil {
		<-e.release
	}

	if e.panicSeq[chunk.Seq] {
		panic("engine exploded")
	}
	if e.failSeq[chunk.Seq] {
		return "", errors.New("backend unavailable")
	}
	return fmt.Sprintf("c%d", chunk.Seq), nil
}

func (e *fakeEngine[S]) calls() []audio.Chunk[S] {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]audio.Chunk[S], len(e.chunks))
	copy(out, e.chunks)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testRingConfig gives chunk=4, overlap=1, step=3, capacity=10 samples
func testRingConfig() audio.RingConfig {
	return audio.RingConfig{
		SampleRate:      10,
		ChunkDuration:   0.4,
		OverlapDuration: 0.1,
		BufferDuration:  1.0,
		PollInterval:    time.Millisecond,
	}
}

func newTestStage[S audio.Sample](t *testing.T, engine transcription.Engine[S], config StageConfig) (*audio.RingBuffer[S], *Stage[S]) {
	t.Helper()

	ring, err := audio.NewRingBuffer[S](testRingConfig())
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	stage, err := NewStage(ring, engine, config, testLogger())
	if err != nil {
		t.Fatalf("Failed to create stage: %v", err)
	}

	t.Cleanup(func() {
		stage.Stop()
		ring.Stop()
	})
	return ring, stage
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

func loud(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = 1000
	}
	return out
}

func TestNewStageValidation(t *testing.T) {
	ring, err := audio.NewRingBuffer[int16](testRingConfig())
	if err != nil {
		t.Fatalf("Failed to create ring buffer: %v", err)
	}
	defer ring.Stop()

	if _, err := NewStage[int16](nil, &fakeEngine[int16]{}, StageConfig{}, testLogger()); err == nil {
		t.Error("Expected error for nil ring")
	}
	if _, err := NewStage[int16](ring, nil, StageConfig{}, testLogger()); err == nil {
		t.Error("Expected error for nil engine")
	}
	if _, err := NewStage[int16](ring, &fakeEngine[int16]{}, StageConfig{TranscribeTimeout: -time.Second}, testLogger()); err == nil {
		t.Error("Expected error for negative timeout")
	}
}

func TestStageTranscribesInOrder(t *testing.T) {
	engine := &fakeEngine[int16]{}
	ring, stage := newTestStage[int16](t, engine, StageConfig{})

	samples := make([]int16, 10)
	for i := range samples {
		samples[i] = int16(i + 1)
	}
	ring.Add(samples)

	waitFor(t, "three chunks", func() bool { return len(engine.calls()) == 3 })

	expected := [][]int16{{1, 2, 3, 4}, {4, 5, 6, 7}, {7, 8, 9, 10}}
	for i, chunk := range engine.calls() {
		if chunk.Seq != uint64(i) {
			t.Errorf("Chunk %d: expected seq %d, got %d", i, i, chunk.Seq)
		}
		if fmt.Sprint(chunk.Samples) != fmt.Sprint(expected[i]) {
			t.Errorf("Chunk %d: expected %v, got %v", i, expected[i], chunk.Samples)
		}
	}

	// One sample is left over for the terminal chunk.
	if n := stage.FlushAndTranscribe(context.Background()); n != 1 {
		t.Fatalf("Expected 1 flushed chunk, got %d", n)
	}

	calls := engine.calls()
	last := calls[len(calls)-1]
	if !last.Terminal || fmt.Sprint(last.Samples) != "[10]" {
		t.Errorf("Expected terminal chunk [10], got %v (terminal=%v)", last.Samples, last.Terminal)
	}

	if got := stage.SessionText(); got != "c0 c1 c2 c3 " {
		t.Errorf("Expected %q, got %q", "c0 c1 c2 c3 ", got)
	}
}

func TestStageGateRejectsQuietChunks(t *testing.T) {
	gate, err := vad.NewGate(vad.DefaultAmplitudeThreshold, 0.2, 10)
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}
	engine := &fakeEngine[int16]{
		accept: func(s []int16) bool { return vad.Evaluate(gate, s).Accept },
	}
	ring, stage := newTestStage[int16](t, engine, StageConfig{})

	// Loud first window, mostly silent second window, silent tail.
	ring.Add([]int16{1000, 1000, 1000, 1000, 0, 0, 0})

	waitFor(t, "two chunks", func() bool { return stage.Stats().ChunksReceived == 2 })
	stage.FlushAndTranscribe(context.Background())

	calls := engine.calls()
	if len(calls) != 1 || calls[0].Seq != 0 {
		t.Fatalf("Expected only chunk 0 to be transcribed, got %d calls", len(calls))
	}

	stats := stage.Stats()
	if stats.ChunksReceived != 3 {
		t.Errorf("Expected 3 chunks received, got %d", stats.ChunksReceived)
	}
	if stats.ChunksRejected != 2 {
		t.Errorf("Expected 2 chunks rejected, got %d", stats.ChunksRejected)
	}
	if got := stage.SessionText(); got != "c0 " {
		t.Errorf("Expected %q, got %q", "c0 ", got)
	}
}

func TestStageFlushPartialChunk(t *testing.T) {
	engine := &fakeEngine[int16]{}
	ring, stage := newTestStage[int16](t, engine, StageConfig{})

	ring.Add(loud(2))
	if n := stage.FlushAndTranscribe(context.Background()); n != 1 {
		t.Fatalf("Expected 1 flushed chunk, got %d", n)
	}

	calls := engine.calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 call, got %d", len(calls))
	}
	if !calls[0].Terminal || calls[0].Len() != 2 {
		t.Errorf("Expected terminal chunk of 2 samples, got %d (terminal=%v)", calls[0].Len(), calls[0].Terminal)
	}
	if ring.Available() != 0 {
		t.Errorf("Expected empty ring after flush, got %d available", ring.Available())
	}
	if got := stage.SessionText(); got != "c0 " {
		t.Errorf("Expected %q, got %q", "c0 ", got)
	}
}

func TestStageFlushEmpty(t *testing.T) {
	engine := &fakeEngine[int16]{}
	_, stage := newTestStage[int16](t, engine, StageConfig{})

	if n := stage.FlushAndTranscribe(context.Background()); n != 0 {
		t.Errorf("Expected nothing to flush, got %d", n)
	}
	if got := stage.SessionText(); got != "" {
		t.Errorf("Expected empty transcript, got %q", got)
	}
}

func TestStageFlushRacingConsumerKeepsOrder(t *testing.T) {
	engine := &fakeEngine[int16]{}
	ring, stage := newTestStage[int16](t, engine, StageConfig{})

	for i := 0; i < 20; i++ {
		ring.Add(loud(3))
		if i%5 == 4 {
			stage.FlushAndTranscribe(context.Background())
		}
	}
	stage.FlushAndTranscribe(context.Background())

	// Seq restarts after every flush; within a run it must increase by one.
	calls := engine.calls()
	for i := 1; i < len(calls); i++ {
		prev, cur := calls[i-1], calls[i]
		if prev.Terminal {
			if cur.Seq != 0 {
				t.Errorf("Call %d: expected seq to restart after flush, got %d", i, cur.Seq)
			}
			continue
		}
		if cur.Seq != prev.Seq+1 {
			t.Errorf("Call %d: expected seq %d, got %d", i, prev.Seq+1, cur.Seq)
		}
	}
}

func TestStageRecoversFromFailures(t *testing.T) {
	engine := &fakeEngine[int16]{
		failSeq:  map[uint64]bool{1: true},
		panicSeq: map[uint64]bool{2: true},
	}
	ring, stage := newTestStage[int16](t, engine, StageConfig{})

	ring.Add(loud(10))
	waitFor(t, "three chunks", func() bool { return stage.Stats().ChunksReceived == 3 })
	ring.Add(loud(3))
	waitFor(t, "chunk 3 to land", func() bool { return stage.SessionText() == "c0 c3 " })

	stats := stage.Stats()
	if stats.Failures != 1 {
		t.Errorf("Expected 1 failure, got %d", stats.Failures)
	}
	if stats.Panics != 1 {
		t.Errorf("Expected 1 panic, got %d", stats.Panics)
	}
	if !stats.Running {
		t.Error("Expected stage to keep running")
	}
	if stats.ChunksTranscribed != 2 {
		t.Errorf("Expected 2 chunks transcribed, got %d", stats.ChunksTranscribed)
	}
}

func TestStageSessionLabel(t *testing.T) {
	engine := &fakeEngine[int16]{}
	ring, stage := newTestStage[int16](t, engine, StageConfig{TranscribeTimeout: time.Second})

	stage.Transcript().Append("stale")
	stage.SetSession("session-1")

	if stage.SessionID() != "session-1" {
		t.Errorf("Expected session-1, got %q", stage.SessionID())
	}
	if stage.SessionText() != "" {
		t.Errorf("Expected SetSession to reset the transcript, got %q", stage.SessionText())
	}

	ring.Add(loud(4))
	waitFor(t, "one chunk", func() bool { return len(engine.calls()) == 1 })

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.sessions[0] != "session-1" {
		t.Errorf("Expected session id in context, got %q", engine.sessions[0])
	}
	if !engine.deadlines[0] {
		t.Error("Expected transcription context to carry a deadline")
	}
}

func TestStageStopWaitsForInFlight(t *testing.T) {
	engine := &fakeEngine[int16]{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	ring, stage := newTestStage[int16](t, engine, StageConfig{})

	ring.Add(loud(4))
	select {
	case <-engine.started:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for transcription to start")
	}

	stopped := make(chan struct{})
	go func() {
		stage.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a transcription was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(engine.release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Stop")
	}

	if stage.Stats().Running {
		t.Error("Expected stage to report stopped")
	}
	if got := stage.SessionText(); got != "c0 " {
		t.Errorf("Expected in-flight result to land, got %q", got)
	}
}

func TestStageExitsWhenRingStops(t *testing.T) {
	engine := &fakeEngine[int16]{}
	ring, stage := newTestStage[int16](t, engine, StageConfig{})

	ring.Stop()

	select {
	case <-stage.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected stage to exit after the ring buffer closed")
	}
}

func TestStageFloatSamples(t *testing.T) {
	engine := &fakeEngine[float32]{}
	ring, stage := newTestStage[float32](t, engine, StageConfig{})

	ring.Add([]float32{0.1, 0.2, 0.3, 0.4, 0.5})
	waitFor(t, "one chunk", func() bool { return len(engine.calls()) == 1 })
	stage.FlushAndTranscribe(context.Background())

	calls := engine.calls()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 calls, got %d", len(calls))
	}
	if fmt.Sprint(calls[1].Samples) != "[0.4 0.5]" {
		t.Errorf("Expected terminal chunk [0.4 0.5], got %v", calls[1].Samples)
	}
	if got := stage.SessionText(); got != "c0 c1 " {
		t.Errorf("Expected %q, got %q", "c0 c1 ", got)
	}
}
