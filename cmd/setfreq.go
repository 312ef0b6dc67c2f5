// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/physic"

	"github.com/Thermoquad/clockbox/pkg/si570"
)

var setfreqDryRun bool

var setfreqCmd = &cobra.Command{
	Use:   "setfreq <startup-frequency> <output-frequency>",
	Short: "Program the oscillator to a new output frequency",
	Long: `Compute and write the register block for a new output frequency.

The startup frequency is the factory frequency printed on the part (for
example 156.25MHz). It is used with the power-up registers to recover the
internal crystal frequency. The largest HS_DIV keeping the DCO between
4.85 and 5.67 GHz is chosen, and RFFREQ is derived from the crystal.

After writing, the live registers are read back and compared.

Examples:
  clockbox setfreq --port /dev/ttyUSB0 156.25MHz 100MHz
  clockbox setfreq --port /dev/ttyUSB0 10MHz 14.31818MHz --dry-run

Exit codes:
  0 - Success
  1 - Device error, verification mismatch or timeout
  2 - Connection error`,
	Args: cobra.ExactArgs(2),
	RunE: runSetfreq,
}

func init() {
	rootCmd.AddCommand(setfreqCmd)
	setfreqCmd.Flags().BoolVar(&setfreqDryRun, "dry-run", false, "Compute the registers without writing them")
}

func parseFrequency(s string) (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(s); err != nil {
		return 0, fmt.Errorf("invalid frequency %q: %w", s, err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("frequency %q must be positive", s)
	}
	return f, nil
}

func runSetfreq(cmd *cobra.Command, args []string) error {
	f0, err := parseFrequency(args[0])
	if err != nil {
		return err
	}
	f1, err := parseFrequency(args[1])
	if err != nil {
		return err
	}

	c, conn, connInfo := OpenClient()
	defer conn.Close()

	fmt.Printf("clockbox - Set Frequency\n")
	fmt.Printf("Connection: %s\n\n", connInfo)

	ctx := context.Background()
	startup, err := c.Info(ctx)
	if err != nil {
		fmt.Printf("FAILED reading power-up values: %v\n", err)
		os.Exit(1)
	}
	printRegisters("Power-up", startup)

	fxtal, err := startup.FXtal(f0)
	if err != nil {
		fmt.Printf("FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Crystal:  %s\n", fxtal)

	regs, err := si570.Plan(startup, f0, f1)
	if err != nil {
		fmt.Printf("FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("DCO:      %s\n", regs.DCO(fxtal))
	printRegisters("New", regs)
	fmt.Printf("Output:   %s\n", regs.Output(fxtal))

	if setfreqDryRun {
		fmt.Printf("\nDry run, nothing written\n")
		return nil
	}

	if err := c.Write(ctx, regs); err != nil {
		fmt.Printf("\nWrite FAILED: %v\n", err)
		os.Exit(1)
	}

	live, err := c.Read(ctx)
	if err != nil {
		fmt.Printf("\nVerify FAILED: %v\n", err)
		os.Exit(1)
	}
	if live != regs {
		fmt.Printf("\nVerify FAILED: device reports %s\n", live.Hex())
		os.Exit(1)
	}
	fmt.Printf("\nVerified: %s\n", live.Hex())
	return nil
}
