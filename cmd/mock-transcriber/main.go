// Command mock-transcriber is a stand-in for a whisper-style transcription
// server. It accepts the multipart requests the http backend sends and
// answers with a fixed or chunk-numbered transcript.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
)

// transcriptionResponse matches what the http backend parses
type transcriptionResponse struct {
	Text        string    `json:"text"`
	Language    string    `json:"language"`
	Duration    float64   `json:"duration"`
	ProcessedAt time.Time `json:"processed_at"`
}

type mockTranscriber struct {
	text   string
	delay  time.Duration
	logger *slog.Logger
}

func (m *mockTranscriber) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	wav, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, err := audio.GetWAVInfo(wav)
	if err != nil {
		http.Error(w, "Invalid WAV file: "+err.Error(), http.StatusBadRequest)
		return
	}

	seq := r.FormValue("chunk_seq")
	m.logger.Info("Transcription request received",
		slog.String("session_id", r.FormValue("session_id")),
		slog.String("chunk_seq", seq),
		slog.String("terminal", r.FormValue("terminal")),
		slog.String("model", r.FormValue("model")),
		slog.String("filename", header.Filename),
		slog.Uint64("sample_rate", uint64(info.SampleRate)),
		slog.Float64("duration", info.Duration),
	)

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-r.Context().Done():
			return
		}
	}

	text := m.text
	if text == "" {
		text = "chunk " + seq
	}

	resp := transcriptionResponse{
		Text:        text,
		Language:    r.FormValue("language"),
		Duration:    info.Duration,
		ProcessedAt: time.Now(),
	}

	if r.FormValue("response_format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, resp.Text)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (m *mockTranscriber) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transcribe", m.handleTranscribe)
	return mux
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "", "Fixed transcript; empty answers \"chunk <seq>\"")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	m := &mockTranscriber{text: *text, delay: *delay, logger: logger}

	logger.Info("Mock transcription server starting",
		slog.String("endpoint", fmt.Sprintf("http://localhost%s/transcribe", *addr)),
	)

	if err := http.ListenAndServe(*addr, m.routes()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
