// Command pttctl talks to a running ptt-transcriber: it streams WAV files
// as push-to-talk sessions over UDP and queries the HTTP API.
//
// Usage:
//
//	pttctl [flags] <command> [args]
//
// Commands:
//
//	send        - Send a WAV file as one PTT session
//	status      - Show the current session
//	transcript  - Show the transcript of the current session
//	sessions    - List stored sessions or show one
//	stats       - Show service statistics
package main

import (
	"fmt"
	"os"

	"github.com/skypro1111/ptt-transcriber/cmd/pttctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
