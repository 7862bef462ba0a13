package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wpos/feedrelay/internal/relay"
)

// runStatus implements the "feedrelay status" command. It queries the
// /status endpoint of a running relay and prints the result.
func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "127.0.0.1:8080", "Relay address")
	jsonOut := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: feedrelay status [options]

Query a running relay for uptime, connection count, and online devices.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", *addr))
	if err != nil {
		fmt.Fprintf(stderr, "Error: relay not reachable at %s: %v\n", *addr, err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Error: relay returned %s\n", resp.Status)
		return 1
	}

	var status relay.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintf(stderr, "Error: failed to decode status: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "Feedrelay status\n")
	fmt.Fprintf(stdout, "  Address:         %s\n", status.ListeningAddress)
	fmt.Fprintf(stdout, "  Connections:     %d\n", status.ConnectedClients)
	fmt.Fprintf(stdout, "  Online devices:  %d\n", status.OnlineDevices)
	fmt.Fprintf(stdout, "  Uptime:          %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(stdout, "  Sweep interval:  %ds\n", status.SweepIntervalSeconds)
	return 0
}
