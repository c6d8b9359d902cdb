package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/healthstack/fieldsync/internal/config"
	"github.com/healthstack/fieldsync/internal/device"
	"github.com/healthstack/fieldsync/internal/store"
)

var (
	deviceDBOverride string
	deviceJSONOutput bool
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage paired devices",
	Long:  "Register devices, list pairing state, and reissue one-shot pairing codes without running the server.",
}

func init() {
	deviceCmd.PersistentFlags().StringVar(&deviceDBOverride, "db", "",
		"Database path (overrides config and FIELDSYNC_DB_PATH)")
	deviceCmd.PersistentFlags().BoolVar(&deviceJSONOutput, "json", false,
		"Output in JSON format")

	deviceCmd.AddCommand(deviceCreateCmd)
	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceReissueCmd)
}

// resolveDeviceService opens the store from config with optional --db override.
func resolveDeviceService() (*device.Service, *store.SQLiteStore, error) {
	dbPath := deviceDBOverride
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		dbPath = cfg.Database.Path
	}

	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return device.NewService(db), db, nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
