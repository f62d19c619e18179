package commands

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var info map[string]any
			if err := opts.getJSON(cmd.Context(), "/session", &info); err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout(), info)
		},
	}
}

func newTranscriptCmd(opts *options) *cobra.Command {
	var last bool

	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Show the transcript of the current session",
		Long: `Show the transcript of the current session so far.

With --last, show the result of the most recently ended session instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/session/transcript"
			if last {
				path = "/session/last"
			}

			var result map[string]any
			if err := opts.getJSON(cmd.Context(), path, &result); err != nil {
				return err
			}
			if opts.outputJSON {
				return opts.output(cmd.OutOrStdout(), result)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), result["text"])
			return err
		},
	}

	cmd.Flags().BoolVar(&last, "last", false, "show the most recently ended session")
	return cmd
}

func newSessionsCmd(opts *options) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "sessions [session-id]",
		Short: "List stored sessions or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any

			if len(args) == 1 {
				if err := opts.getJSON(cmd.Context(), "/sessions/"+url.PathEscape(args[0]), &result); err != nil {
					return err
				}
				return opts.output(cmd.OutOrStdout(), result)
			}

			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))
			if err := opts.getJSON(cmd.Context(), "/sessions?"+q.Encode(), &result); err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of sessions to skip")
	return cmd
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show service statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats map[string]any
			if err := opts.getJSON(cmd.Context(), "/stats", &stats); err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout(), stats)
		},
	}
}
