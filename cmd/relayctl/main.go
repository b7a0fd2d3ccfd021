// Command relayctl sends one command to relayd and prints the response.
//
//	relayctl -r valve1 -a on
//	relayctl -r all -a status
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"time"

	"github.com/spf13/pflag"

	"github.com/sweeney/relayd/internal/protocol"
	"github.com/sweeney/relayd/internal/socket"
)

// Exit codes.
const (
	exitOK        = 0
	exitCommand   = 1 // daemon answered with an error
	exitUsage     = 2
	exitTransport = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("relayctl", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	relayName := fs.StringP("relay", "r", "", "relay name, or \"all\" (status only)")
	action := fs.StringP("action", "a", "", "on, off or status")
	socketPath := fs.StringP("socket", "s", socket.DefaultPath, "daemon socket path")
	timeout := fs.DurationP("timeout", "t", 15*time.Second, "time to wait for the daemon")
	username := fs.StringP("username", "u", currentUser(), "name logged by the daemon")
	useCBOR := fs.Bool("cbor", false, "send the request as CBOR")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: relayctl -r <relay|all> -a <on|off|status> [flags]\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "relayctl: %v\n", err)
		fs.Usage()
		return exitUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "relayctl: unexpected arguments %q\n", fs.Args())
		fs.Usage()
		return exitUsage
	}

	req := protocol.Request{Relay: *relayName, Action: protocol.Action(*action), Username: *username}
	if err := req.Validate(); err != nil {
		fmt.Fprintf(stderr, "relayctl: %v\n", err)
		fs.Usage()
		return exitUsage
	}

	enc := protocol.EncodingJSON
	if *useCBOR {
		enc = protocol.EncodingCBOR
	}
	client := socket.NewClient(*socketPath, enc, *timeout)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	raw, err := client.Exchange(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "relayctl: %v\n", err)
		return exitTransport
	}

	resp, err := protocol.DecodeResponse(bytes.NewReader(raw), enc)
	if err != nil {
		fmt.Fprintf(stderr, "relayctl: bad response: %v\n", err)
		return exitTransport
	}

	// JSON responses are printed as sent so "all" keeps registry order.
	out := bytes.TrimSpace(raw)
	if enc == protocol.EncodingCBOR {
		out, _ = json.Marshal(resp)
	}
	fmt.Fprintf(stdout, "%s\n", out)

	if msg, ok := resp["error"]; ok {
		fmt.Fprintf(stderr, "relayctl: %v (%v)\n", msg, resp["code"])
		return exitCommand
	}
	return exitOK
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
