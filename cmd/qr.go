package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"

	"github.com/skip2/go-qrcode"
)

// runQR implements the "feedrelay qr" command. It renders the relay's
// WebSocket URL as a QR code for provisioning POS terminals, optionally
// embedding the shared secret as the legacy query credential so a freshly
// unboxed terminal connects pre-authenticated.
func runQR(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("qr", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "127.0.0.1:8080", "Relay address as reachable by terminals")
	key := fs.String("key", "", "Embed this shared secret in the URL (omit to provision without credentials)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: feedrelay qr [options]

Display the relay connection URL as a QR code for terminal provisioning.

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

	// Build the connection URL. The hashkey query parameter is the legacy
	// credential path the relay already accepts at connection-open time.
	payload := fmt.Sprintf("ws://%s/ws", *addr)
	if *key != "" {
		payload += "?hashkey=" + url.QueryEscape(*key)
	}

	// Medium error correction keeps the code scannable at terminal density.
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(stderr, "Error generating QR code: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "")
	fmt.Fprintln(stdout, "===========================================")
	fmt.Fprintln(stdout, "         SCAN TO CONNECT")
	fmt.Fprintln(stdout, "===========================================")
	fmt.Fprintln(stdout, "")

	// ASCII art using half-block characters; compact, no border.
	fmt.Fprint(stdout, qr.ToSmallString(false))

	fmt.Fprintln(stdout, "-------------------------------------------")
	fmt.Fprintf(stdout, "  URL: %s\n", payload)
	if *key != "" {
		fmt.Fprintln(stdout, "  The URL embeds the shared secret; share with care.")
	}
	fmt.Fprintln(stdout, "===========================================")
	fmt.Fprintln(stdout, "")
	return 0
}
