package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var deviceReissueCmd = &cobra.Command{
	Use:   "reissue <device-id>",
	Short: "Issue a fresh pairing code for an existing device",
	Long:  "Put a device back into the pairable state with a new one-shot code. Redeeming the new code revokes all previously issued tokens.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceReissue,
}

func runDeviceReissue(cmd *cobra.Command, args []string) error {
	deviceID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid device id %q", args[0])
	}
	ctx := context.Background()

	devices, db, err := resolveDeviceService()
	if err != nil {
		return err
	}
	defer db.Close()

	code, err := devices.Reissue(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("reissue pairing code: %w", err)
	}

	if deviceJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":           deviceID,
			"pairing_code": code,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Pairing code: %s\n", code)
	return nil
}
