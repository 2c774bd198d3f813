// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/rpsplc/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the controller configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write a config file with default settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Defaults().Save(args[0]); err != nil {
			return fmt.Errorf("write %s: %w", args[0], err)
		}
		fmt.Printf("Wrote default configuration to %s\n", args[0])
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := cfg.RPSEngineConfig(); err != nil {
			return err
		}
		fmt.Printf("%s: ok (transport=%s networked=%v device=%s)\n",
			configPath, cfg.Link.Transport, cfg.Networked, cfg.Device.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configCheckCmd)
}
