package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// options holds the flags shared by every command
type options struct {
	server     string
	outputJSON bool
	timeout    time.Duration
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "pttctl",
		Short: "Client for the push-to-talk transcription service",
		Long: `pttctl - command line client for ptt-transcriber.

Audio is sent over the UDP push-to-talk protocol; everything else goes
through the HTTP API.

Examples:
  # Replay a recording as one PTT press and wait for its transcript
  pttctl send recording.wav --wait

  # Inspect the service
  pttctl status
  pttctl sessions --limit 5
  pttctl sessions 6f1c... --json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.server, "server", "s", "http://localhost:8080", "HTTP API base URL")
	cmd.PersistentFlags().BoolVar(&opts.outputJSON, "json", false, "output as JSON (for piping)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "HTTP request timeout")

	cmd.AddCommand(newSendCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newTranscriptCmd(opts))
	cmd.AddCommand(newSessionsCmd(opts))
	cmd.AddCommand(newStatsCmd(opts))

	return cmd
}

// apiError is returned for non-2xx API responses
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// getJSON fetches path from the API and decodes the body into v
func (o *options) getJSON(ctx context.Context, path string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	url := strings.TrimRight(o.server, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// output writes v as YAML, or JSON with --json
func (o *options) output(w io.Writer, v any) error {
	if o.outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
