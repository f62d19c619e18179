package history

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skypro1111/ptt-transcriber/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "data", "history.db"), testLogger())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testResult(id string, ended time.Time) *stream.Result {
	return &stream.Result{
		SessionID:    id,
		Source:       "radio-1",
		Text:         "hello world ",
		Fragments:    []string{"hello", "world"},
		Reason:       stream.EndReleased,
		StartedAt:    ended.Add(-3 * time.Second),
		EndedAt:      ended,
		AudioSeconds: 2.5,
	}
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open("", testLogger()); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ended := time.Date(2024, 5, 1, 12, 0, 0, 500, time.UTC)
	result := testResult("session-1", ended)
	result.RecordingPath = "/tmp/session-1.wav"

	if err := store.Save(ctx, result); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	record, err := store.Get(ctx, "session-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if record.Text != result.Text || record.Source != result.Source {
		t.Errorf("Unexpected record: %+v", record)
	}
	if record.Reason != string(stream.EndReleased) {
		t.Errorf("Expected reason released, got %s", record.Reason)
	}
	if len(record.Fragments) != 2 || record.Fragments[1] != "world" {
		t.Errorf("Unexpected fragments: %v", record.Fragments)
	}
	if !record.EndedAt.Equal(ended) || !record.StartedAt.Equal(result.StartedAt) {
		t.Errorf("Timestamps did not round-trip: %v / %v", record.StartedAt, record.EndedAt)
	}
	if record.AudioSeconds != 2.5 {
		t.Errorf("Expected 2.5 audio seconds, got %f", record.AudioSeconds)
	}
	if record.RecordingPath != result.RecordingPath {
		t.Errorf("Expected recording path %s, got %s", result.RecordingPath, record.RecordingPath)
	}
}

func TestStoreGetUnknown(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsDuplicateSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	result := testResult("dup", time.Now())
	if err := store.Save(ctx, result); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(ctx, result); err == nil {
		t.Error("Expected error for duplicate session id")
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ids := []string{"a", "b", "c", "d"}
	for i, id := range ids {
		if err := store.Save(ctx, testResult(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Save %s failed: %v", id, err)
		}
	}

	tests := []struct {
		name     string
		limit    int
		offset   int
		expected []string
	}{
		{"all", 10, 0, []string{"d", "c", "b", "a"}},
		{"first page", 2, 0, []string{"d", "c"}},
		{"second page", 2, 2, []string{"b", "a"}},
		{"past end", 2, 10, nil},
		{"default limit", 0, 0, []string{"d", "c", "b", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := store.List(ctx, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(records) != len(tt.expected) {
				t.Fatalf("Expected %d records, got %d", len(tt.expected), len(records))
			}
			for i, r := range records {
				if r.SessionID != tt.expected[i] {
					t.Errorf("Record %d: expected %s, got %s", i, tt.expected[i], r.SessionID)
				}
			}
		})
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Expected 4 sessions, got %d", n)
	}
}

func TestStoreEmptyFragments(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	result := testResult("quiet", time.Now())
	result.Text = ""
	result.Fragments = []string{}

	if err := store.Save(ctx, result); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	record, err := store.Get(ctx, "quiet")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(record.Fragments) != 0 || record.Text != "" {
		t.Errorf("Expected empty transcript, got %+v", record)
	}
}
