// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// rpsplc - Reactor protection PLC
//
// A supervisory controller that protects a controlled unit with a
// latching trip system and reports to a remote peer over an authenticated
// link.

package main

import (
	"os"

	"github.com/Thermoquad/rpsplc/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
