// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/rpsplc/internal/comms"
	"github.com/Thermoquad/rpsplc/internal/panel"
	"github.com/Thermoquad/rpsplc/pkg/link"
)

var (
	remoteWatch bool
	pingCount   int
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Supervise a PLC over the link",
	Long: `Open a session with a running controller and query or command it.

Connection modes:
  UDP:       --peer host:7420 (default: link.peer from the config file)
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host:8420/link [--username user]

status and ping open a monitor session; the other commands open a
supervisor session, which the PLC grants to one peer at a time.`,
}

var remoteStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the PLC status report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), link.RoleMonitor, remoteStatus)
	},
}

var remoteScramCmd = &cobra.Command{
	Use:   "scram [reason]",
	Short: "Trip the RPS",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := "remote operator scram"
		if len(args) == 1 {
			reason = args[0]
		}
		return remoteCommand(cmd.Context(), link.OpScram, 0, reason)
	},
}

var remoteResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset latched protection flags",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteCommand(cmd.Context(), link.OpReset, 0, "")
	},
}

var remoteBurnRateCmd = &cobra.Command{
	Use:   "burn-rate <rate>",
	Short: "Set the burn-rate setpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid burn rate %q: %w", args[0], err)
		}
		return remoteCommand(cmd.Context(), link.OpSetBurnRate, rate, "")
	},
}

var remoteBurnCmd = &cobra.Command{
	Use:       "burn <on|off>",
	Short:     "Enable or disable burning",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var value float64
		switch strings.ToLower(args[0]) {
		case "on", "true", "1":
			value = 1
		case "off", "false", "0":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		return remoteCommand(cmd.Context(), link.OpEnableBurn, value, "")
	},
}

var remotePingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure link round-trip time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), link.RoleMonitor, remotePing)
	},
}

func init() {
	rootCmd.AddCommand(remoteCmd)
	addPeerFlags(remoteCmd.PersistentFlags())

	remoteStatusCmd.Flags().BoolVarP(&remoteWatch, "watch", "w", false, "Keep printing status reports")
	remotePingCmd.Flags().IntVarP(&pingCount, "count", "n", 5, "Number of round trips")

	remoteCmd.AddCommand(remoteStatusCmd, remoteScramCmd, remoteResetCmd,
		remoteBurnRateCmd, remoteBurnCmd, remotePingCmd)
}

// withSession opens a transport, establishes a session with the given role
// and runs fn while the client's receive loop is active
func withSession(parent context.Context, role link.Role, fn func(ctx context.Context, c *comms.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevel == "" {
		cfg.Log.Level = "warn"
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	log := logger.Logger

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := GetLinkKey(cfg)
	if err != nil {
		return err
	}

	tr, err := openPeerTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer tr.Close()

	client, err := comms.NewClient(tr, comms.ClientConfig{
		Key:              key,
		Role:             role,
		Firmware:         "rpsplc-remote/" + rootCmd.Version,
		EstablishTimeout: cfg.Link.EstablishTimeout,
		KeepAlivePeriod:  cfg.Link.KeepAlivePeriod,
		Timeout:          cfg.Link.Timeout,
	}, log)
	if err != nil {
		return err
	}

	if err := client.Establish(ctx); err != nil {
		return fmt.Errorf("establish session with %s: %w", tr, err)
	}

	// fn sees runCtx end when the session does
	runCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(runCtx)
		cancel()
	}()

	fnErr := fn(runCtx, client)

	closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	_ = client.Close(closeCtx, "remote done")
	cancelClose()
	cancel()

	if err := <-runErr; err != nil && fnErr == nil && !errors.Is(err, comms.ErrPeerClosed) {
		return err
	}
	return fnErr
}

func remoteCommand(ctx context.Context, op link.CommandOp, value float64, reason string) error {
	return withSession(ctx, link.RoleSupervisor, func(ctx context.Context, c *comms.Client) error {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		ack, err := c.Command(cctx, op, value, reason)
		if err != nil {
			if len(ack.Held) > 0 {
				return fmt.Errorf("%w (held: %s)", err, strings.Join(ack.Held, ", "))
			}
			return err
		}
		fmt.Printf("%s: ok\n", op)
		return nil
	})
}

func remoteStatus(ctx context.Context, c *comms.Client) error {
	p := panel.New(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case report := <-c.Status():
			fmt.Println(p.StatusBox(report))
			if !remoteWatch || report.Final {
				return nil
			}
		}
	}
}

func remotePing(ctx context.Context, c *comms.Client) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var total time.Duration
	var samples int
	for samples < pingCount {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		rtt := c.RTT()
		if rtt == 0 {
			continue
		}
		samples++
		total += rtt
		fmt.Printf("session %08x: rtt=%s\n", c.SessionID(), rtt)
	}
	fmt.Printf("avg rtt=%s over %d samples\n%s\n", total/time.Duration(samples), samples, c.Statistics())
	return nil
}
