package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	Args:  cobra.NoArgs,
	RunE:  runDeviceList,
}

func runDeviceList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	_, db, err := resolveDeviceService()
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := db.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	if deviceJSONOutput {
		items := make([]map[string]any, len(devices))
		for i, d := range devices {
			items[i] = map[string]any{
				"id":       d.ID,
				"uuid":     d.UUID,
				"name":     d.Name,
				"pairable": d.PairingCode != "",
				"created":  d.CreatedAt,
			}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"devices": items,
			"total":   len(items),
		})
	}

	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No devices registered.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tUUID\tNAME\tSTATE\tCREATED")
	for _, d := range devices {
		// The code itself is never listed; only whether one is outstanding.
		state := "paired"
		if d.PairingCode != "" {
			state = "pairable"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			d.ID,
			d.UUID,
			d.Name,
			state,
			d.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}
