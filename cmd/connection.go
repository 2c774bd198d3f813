// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/Thermoquad/rpsplc/internal/config"
	"github.com/Thermoquad/rpsplc/internal/transport"
)

// EnvWSPassword holds the WebSocket Basic auth password for peer commands
const EnvWSPassword = "RPSPLC_WS_PASSWORD"

var (
	// Peer connection flags, overriding the config file
	peerAddr      string
	portName      string
	baudRate      int
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool
)

// addPeerFlags registers the connection flags shared by peer commands
func addPeerFlags(fs *pflag.FlagSet) {
	fs.StringVar(&peerAddr, "peer", "", "PLC UDP address (host:port)")
	fs.StringVarP(&portName, "port", "p", "", "Serial port device")
	fs.IntVarP(&baudRate, "baud", "b", 0, "Baud rate (serial only)")
	fs.StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	fs.StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	fs.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
}

// prompt reads a secret from the terminal without echo
func prompt(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)

	secret, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %v", strings.ToLower(label), err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(line), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(secret), nil
}

// GetLinkKey returns the link key from config or the environment, and
// prompts for it when stdin is a terminal. An empty key disables
// authentication.
func GetLinkKey(cfg *config.Config) ([]byte, error) {
	if key := cfg.LinkKey(); key != nil {
		return key, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, nil
	}
	key, err := prompt("Link key (empty for none)")
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, nil
	}
	return []byte(key), nil
}

// GetPassword retrieves the WebSocket password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv(EnvWSPassword); pw != "" {
		return pw, nil
	}
	return prompt("Password")
}

// openPLCTransport opens the PLC side of the link. A WebSocket link returns
// the hub, which the HTTP API serves on /link.
func openPLCTransport(cfg *config.Config, log *slog.Logger) (transport.Transport, *transport.Hub, error) {
	switch cfg.Link.Transport {
	case config.TransportUDP:
		tr, err := opened(transport.ListenUDP(cfg.Link.Listen, ""))
		return tr, nil, err
	case config.TransportSerial:
		tr, err := opened(transport.OpenSerial(cfg.Link.SerialPort, cfg.Link.Baud, log))
		return tr, nil, err
	case config.TransportWebSocket:
		hub := transport.NewHub(log)
		return hub, hub, nil
	default:
		return nil, nil, fmt.Errorf("unknown link transport %q", cfg.Link.Transport)
	}
}

// openPeerTransport opens the peer side of the link based on flags, falling
// back to the config file
func openPeerTransport(ctx context.Context, cfg *config.Config, log *slog.Logger) (transport.Transport, error) {
	switch {
	case wsURL != "":
		password := ""
		if wsUsername != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, err
			}
		}
		return opened(transport.DialWebSocket(ctx, wsURL, wsUsername, password, wsNoSSLVerify))

	case portName != "":
		baud := baudRate
		if baud == 0 {
			baud = cfg.Link.Baud
		}
		return opened(transport.OpenSerial(portName, baud, log))

	case peerAddr != "":
		return opened(transport.ListenUDP(":0", peerAddr))
	}

	switch cfg.Link.Transport {
	case config.TransportSerial:
		return opened(transport.OpenSerial(cfg.Link.SerialPort, cfg.Link.Baud, log))
	case config.TransportWebSocket:
		return nil, fmt.Errorf("websocket link requires --url")
	default:
		return opened(transport.ListenUDP(":0", cfg.Link.Peer))
	}
}

// opened keeps a failed open from yielding a non-nil interface holding a
// nil pointer
func opened[T transport.Transport](tr T, err error) (transport.Transport, error) {
	if err != nil {
		return nil, err
	}
	return tr, nil
}
