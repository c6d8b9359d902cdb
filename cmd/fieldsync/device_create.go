package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var deviceCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a new device",
	Long:  "Register a new device and print its one-shot pairing code. The code is shown exactly once; it cannot be recovered after redemption.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceCreate,
}

func runDeviceCreate(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := context.Background()

	devices, db, err := resolveDeviceService()
	if err != nil {
		return err
	}
	defer db.Close()

	d, err := devices.Register(ctx, name)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}

	if deviceJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":           d.ID,
			"uuid":         d.UUID,
			"name":         d.Name,
			"pairing_code": d.PairingCode,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Registered device %q (uuid: %s)\n", d.Name, d.UUID)
	fmt.Fprintf(cmd.OutOrStdout(), "Pairing code: %s\n", d.PairingCode)
	return nil
}
