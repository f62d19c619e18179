package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
	"github.com/skypro1111/ptt-transcriber/internal/protocol"
)

// sendOptions configures one replayed PTT session
type sendOptions struct {
	udpAddr     string
	sourceID    uint32
	device      string
	frameMs     int
	realtime    bool
	wait        bool
	waitTimeout time.Duration
}

func newSendCmd(opts *options) *cobra.Command {
	so := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send <file.wav>",
		Short: "Send a WAV file as one PTT session",
		Long: `Send a 16-bit mono WAV file to the UDP listener as a single push-to-talk
press: a begin packet, the audio in fixed-size frames, then an end packet.

With --wait the command polls the HTTP API until the session result is
available and prints it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			samples, rate, err := audio.DecodeWAV(data)
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", args[0], err)
			}

			var before string
			if so.wait {
				before = lastSessionID(cmd.Context(), opts)
			}

			conn, err := net.Dial("udp", so.udpAddr)
			if err != nil {
				return fmt.Errorf("failed to dial %s: %w", so.udpAddr, err)
			}
			defer conn.Close()

			n, err := sendSession(cmd.Context(), conn, samples, rate, so)
			if err != nil {
				return err
			}

			if !so.wait {
				return opts.output(cmd.OutOrStdout(), map[string]any{
					"packets":  n,
					"samples":  len(samples),
					"seconds":  float64(len(samples)) / float64(rate),
					"rate":     rate,
					"udp_addr": so.udpAddr,
				})
			}

			result, err := waitForResult(cmd.Context(), opts, before, so.waitTimeout)
			if err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout(), result)
		},
	}

	f := cmd.Flags()
	f.StringVar(&so.udpAddr, "udp", "localhost:4444", "UDP listener address")
	f.Uint32Var(&so.sourceID, "source-id", 1, "source id carried in every packet")
	f.StringVar(&so.device, "device", "pttctl", "device name sent in the begin packet")
	f.IntVar(&so.frameMs, "frame-ms", 20, "audio per packet in milliseconds")
	f.BoolVar(&so.realtime, "realtime", true, "pace packets at the audio rate")
	f.BoolVar(&so.wait, "wait", false, "wait for the session result")
	f.DurationVar(&so.waitTimeout, "wait-timeout", time.Minute, "how long --wait polls")

	return cmd
}

// sendSession writes begin, audio and end packets to w and returns the
// number of packets written.
func sendSession(ctx context.Context, w io.Writer, samples []int16, rate int, so *sendOptions) (int, error) {
	if rate <= 0 {
		return 0, fmt.Errorf("sample rate must be positive, got %d", rate)
	}
	if so.frameMs <= 0 {
		return 0, fmt.Errorf("frame-ms must be positive, got %d", so.frameMs)
	}

	frame := max(rate*so.frameMs/1000, 1)
	frame = min(frame, protocol.MaxAudioSamples)
	frameDur := time.Duration(frame) * time.Second / time.Duration(rate)
	ts := uint32(time.Now().Unix())

	count := 0
	write := func(p []byte) error {
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("failed to send packet: %w", err)
		}
		count++
		return nil
	}

	if err := write(protocol.EncodeBegin(so.sourceID, so.device, uint32(rate), ts)); err != nil {
		return count, err
	}

	var ticker *time.Ticker
	if so.realtime {
		ticker = time.NewTicker(frameDur)
		defer ticker.Stop()
	}

	var seq uint32
	for start := 0; start < len(samples); start += frame {
		end := min(start+frame, len(samples))

		p, err := protocol.EncodeAudio(so.sourceID, seq, samples[start:end])
		if err != nil {
			return count, err
		}
		if err := write(p); err != nil {
			return count, err
		}
		seq++

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return count, ctx.Err()
			}
		}
	}

	if err := write(protocol.EncodeEnd(so.sourceID, uint32(time.Now().Unix()))); err != nil {
		return count, err
	}
	return count, nil
}

// lastSessionID returns the id of the most recently ended session, or ""
func lastSessionID(ctx context.Context, opts *options) string {
	var last struct {
		SessionID string `json:"session_id"`
	}
	if err := opts.getJSON(ctx, "/session/last", &last); err != nil {
		return ""
	}
	return last.SessionID
}

// waitForResult polls until a session other than before has ended
func waitForResult(ctx context.Context, opts *options, before string, timeout time.Duration) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		var result map[string]any
		err := opts.getJSON(ctx, "/session/last", &result)
		var apiErr *apiError
		switch {
		case err == nil:
			if id, _ := result["session_id"].(string); id != "" && id != before {
				return result, nil
			}
		case errors.As(err, &apiErr):
			// 404 until the first session ends
		default:
			if ctx.Err() == nil {
				return nil, err
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for the session result")
		}
	}
}
