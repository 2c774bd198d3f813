// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/rpsplc/internal/api"
	"github.com/Thermoquad/rpsplc/internal/comms"
	"github.com/Thermoquad/rpsplc/internal/config"
	"github.com/Thermoquad/rpsplc/internal/device"
	"github.com/Thermoquad/rpsplc/internal/events"
	"github.com/Thermoquad/rpsplc/internal/metrics"
	"github.com/Thermoquad/rpsplc/internal/panel"
	"github.com/Thermoquad/rpsplc/internal/plc"
	"github.com/Thermoquad/rpsplc/internal/transport"
	"github.com/Thermoquad/rpsplc/pkg/rps"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller",
	Long: `Start the RPS loop, the setpoint task and, when networked, the
supervisory link. SIGINT or SIGTERM stops the controller; with
rps.scram_on_exit the unit is tripped before the final status is sent.`,
	RunE: runController,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	log := logger.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := metrics.NewCollector(nil)
	if err != nil {
		return err
	}
	bus := events.NewEventBus()

	dev := openDevice(cfg, log)
	if closer, ok := dev.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var tr transport.Transport
	var hub *transport.Hub
	if cfg.Networked {
		tr, hub, err = openPLCTransport(cfg, log)
		if err != nil {
			return fmt.Errorf("link transport: %w", err)
		}
		log.Info("link transport open", "transport", tr.String())
	}

	engineCfg, err := cfg.RPSEngineConfig()
	if err != nil {
		return err
	}

	ctrl, err := plc.New(plc.Options{
		Device:          dev,
		Engine:          engineCfg,
		Cadence:         cfg.RPS.Cadence,
		ScramOnExit:     cfg.RPS.ScramOnExit,
		InitialBurnRate: cfg.Setpoint.InitialBurnRate,
		MaxBurnRate:     cfg.Setpoint.MaxBurnRate,
		Transport:       tr,
		Link: comms.Config{
			Key:          cfg.LinkKey(),
			Timeout:      cfg.Link.Timeout,
			StatusPeriod: cfg.Link.StatusPeriod,
			InboxSize:    cfg.Link.InboxSize,
			Firmware:     rootCmd.Version,
		},
		PanelReady: cfg.Panel.Enabled,
		Firmware:   rootCmd.Version,
		Bus:        bus,
		Metrics:    m,
		Log:        log,
	})
	if err != nil {
		if tr != nil {
			tr.Close()
		}
		return err
	}

	if cfg.Panel.Enabled {
		panel.New(os.Stdout).Attach(bus)
	}

	// Event sinks outlive the controller so its stopping events are delivered
	sinkCtx, cancelSinks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSinks()
	var sinks errgroup.Group

	if cfg.Events.MQTT.Enabled {
		pub, disconnect, err := events.DialMQTT(events.MQTTConfig{
			Broker:   cfg.Events.MQTT.Broker,
			Port:     cfg.Events.MQTT.Port,
			ClientID: cfg.Events.MQTT.ClientID,
			Topic:    cfg.Events.MQTT.Topic,
		})
		if err != nil {
			log.Warn("mqtt unavailable, events not published", "error", err)
		} else {
			defer disconnect()
			sink := events.NewMQTTSink(pub, cfg.Events.MQTT.Topic, log)
			sink.Attach(bus)
			sinks.Go(func() error { return sink.Run(sinkCtx) })
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		opts := api.Options{Metrics: m.Handler(), Log: log}
		if hub != nil {
			opts.Link = hub
		}
		router := api.NewRouter(ctrl, opts)
		g.Go(func() error { return api.Serve(gctx, cfg.API.Listen, router, log) })
	}

	g.Go(func() error { return ctrl.Run(gctx) })

	err = g.Wait()
	bus.Close()
	cancelSinks()
	_ = sinks.Wait()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("controller stopped with error", "error", err)
		return err
	}
	log.Info("controller stopped")
	return nil
}

// openDevice connects the configured unit. An unreachable unit is replaced
// by rps.NullDevice and the controller runs degraded.
func openDevice(cfg *config.Config, log *slog.Logger) rps.Device {
	if cfg.Device.Driver != config.DriverModbus {
		log.Warn("no controlled device configured, running degraded")
		return rps.NullDevice{}
	}

	dev, err := device.Dial(device.Config{
		Endpoint: cfg.Device.Endpoint,
		SlaveID:  cfg.Device.SlaveID,
		Timeout:  cfg.Device.Timeout,
	}, log)
	if err != nil {
		log.Error("controlled device unavailable, running degraded", "error", err)
		return rps.NullDevice{}
	}
	log.Info("controlled device connected",
		"endpoint", cfg.Device.Endpoint,
		"formed", dev.IsFormed())
	return dev
}
