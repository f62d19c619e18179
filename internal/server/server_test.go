package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/ptt-transcriber/internal/stream"
)

// fakeController records what transports ask of it
type fakeController struct {
	mu         sync.Mutex
	active     bool
	begins     int
	id         string
	source     string
	rate       int
	pushed     [][]int16
	ended      []stream.EndReason
	transcript string
	last       *stream.Result
	beginErr   error
}

var _ stream.SessionController = (*fakeController)(nil)

func (f *fakeController) Begin(source string, sampleRate int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return "", f.beginErr
	}
	f.begins++
	f.active = true
	f.id = fmt.Sprintf("s%d", f.begins)
	f.source = source
	f.rate = sampleRate
	return f.id, nil
}

func (f *fakeController) PushPCM16(sessionID string, pcm []int16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return stream.ErrNoSession
	}
	if sessionID != "" && sessionID != f.id {
		return stream.ErrSessionMismatch
	}
	f.pushed = append(f.pushed, append([]int16(nil), pcm...))
	return nil
}

func (f *fakeController) End(ctx context.Context, sessionID string, reason stream.EndReason) (*stream.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return nil, stream.ErrNoSession
	}
	if sessionID != "" && sessionID != f.id {
		return nil, stream.ErrSessionMismatch
	}
	f.active = false
	f.ended = append(f.ended, reason)
	f.last = &stream.Result{
		SessionID: f.id,
		Source:    f.source,
		Text:      f.transcript,
		Reason:    reason,
		EndedAt:   time.Now(),
	}
	return f.last, nil
}

func (f *fakeController) Info() stream.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return stream.SessionInfo{}
	}
	return stream.SessionInfo{Active: true, SessionID: f.id, Source: f.source, InputRate: f.rate}
}

func (f *fakeController) Transcript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcript
}

func (f *fakeController) LastResult() *stream.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeController) Stats() stream.ControllerStats {
	return stream.ControllerStats{
		SessionsStarted: uint64(f.beginCount()),
		Session:         f.Info(),
		Stage:           stream.StageStats{Running: true},
	}
}

func (f *fakeController) setTranscript(text string) {
	f.mu.Lock()
	f.transcript = text
	f.mu.Unlock()
}

func (f *fakeController) begun() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.source, f.rate
}

func (f *fakeController) beginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begins
}

func (f *fakeController) pushedFrames() [][]int16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]int16(nil), f.pushed...)
}

func (f *fakeController) endReasons() []stream.EndReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stream.EndReason(nil), f.ended...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
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
