package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skypro1111/ptt-transcriber/internal/transcription"
)

func TestMockTranscriberServesHTTPBackend(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		format string
		seq    uint64
		want   string
	}{
		{"numbered json", "", "json", 4, "chunk 4"},
		{"fixed json", "roger", "json", 1, "roger"},
		{"numbered text", "", "text", 2, "chunk 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockTranscriber{text: tt.text, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
			srv := httptest.NewServer(m.routes())
			defer srv.Close()

			client, err := transcription.NewClient(transcription.Config{
				Endpoint:       srv.URL + "/transcribe",
				Timeout:        5 * time.Second,
				MaxConcurrent:  1,
				ResponseFormat: tt.format,
			})
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}
			defer client.Close()

			resp, err := client.Transcribe(context.Background(), &transcription.Request{
				RequestID:  "r1",
				ChunkSeq:   tt.seq,
				SampleRate: 16000,
				Samples:    make([]int16, 1600),
				Model:      transcription.DefaultModel,
				Timestamp:  time.Now(),
			})
			if err != nil {
				t.Fatalf("Transcribe() error = %v", err)
			}
			if resp.Text != tt.want {
				t.Errorf("Text = %q, want %q", resp.Text, tt.want)
			}
		})
	}
}
