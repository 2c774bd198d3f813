// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/rpsplc/internal/transport"
	"github.com/Thermoquad/rpsplc/pkg/link"
)

var (
	monitorListen string
	monitorRaw    bool
	monitorStats  time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display link frames in human-readable format",
	Long: `Continuously decode and display link frames as they arrive, without
opening a session.

Frames are authenticated with the link key when one is configured; frames
that fail to decode are shown with the reason. A statistics summary is
printed on exit.

Sources:
  UDP tap:   --listen 0.0.0.0:7421
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host:8420/link [--username user]`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	addPeerFlags(monitorCmd.Flags())
	monitorCmd.Flags().StringVar(&monitorListen, "listen", "", "UDP address to listen on")
	monitorCmd.Flags().BoolVar(&monitorRaw, "raw", false, "Also print each frame as hex")
	monitorCmd.Flags().DurationVar(&monitorStats, "stats", 0, "Print statistics at this interval (0 disables)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := GetLinkKey(cfg)
	if err != nil {
		return err
	}
	dec, err := link.NewDecoder(key)
	if err != nil {
		return err
	}

	var tr transport.Transport
	if monitorListen != "" {
		tr, err = opened(transport.ListenUDP(monitorListen, ""))
	} else {
		tr, err = openPeerTransport(ctx, cfg, logger.Logger)
	}
	if err != nil {
		return err
	}
	defer tr.Close()

	fmt.Printf("rpsplc - Link Monitor\n")
	fmt.Printf("Source: %s\n", tr)
	fmt.Printf("Authentication: %v\n", key != nil)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := link.NewStatistics()
	defer func() { fmt.Print("\n" + stats.String()) }()

	var tick <-chan time.Time
	if monitorStats > 0 {
		ticker := time.NewTicker(monitorStats)
		defer ticker.Stop()
		tick = ticker.C
	}

	frames := make(chan transport.Datagram)
	recvErr := make(chan error, 1)
	go func() {
		for {
			dg, err := tr.Receive(ctx)
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- dg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-recvErr:
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				fmt.Println("Connection closed")
				return nil
			}
			return err
		case <-tick:
			fmt.Print(stats.String())
		case dg := <-frames:
			printFrame(dec, stats, dg)
		}
	}
}

func printFrame(dec *link.Decoder, stats *link.Statistics, dg transport.Datagram) {
	if monitorRaw {
		fmt.Printf("  %s\n", hex.EncodeToString(dg.Data))
	}

	pkt, err := dec.Decode(dg.Data)
	stats.Update(err)
	if err != nil {
		fmt.Printf("[ERROR] from=%s %v\n", dg.From, err)
		return
	}
	fmt.Printf("from=%s ", dg.From)
	fmt.Print(link.FormatPacket(pkt))
}
