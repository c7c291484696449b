package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"sonnen-monitor/internal/battery"
	"sonnen-monitor/internal/logger"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// rawOutput holds the payloads as returned by the battery.
type rawOutput struct {
	LatestData json.RawMessage `json:"latestdata"`
	Status     json.RawMessage `json:"status"`
}

func readCmd() *cobra.Command {
	var (
		format string
		raw    bool
	)

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read data once from the battery",
		Long:  "Fetch both payloads once and print the derived metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unknown format %q (want json or yaml)", format)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Initialize(logLevel(cfg), os.Stderr)

			snap, err := newClient(cfg).Fetch(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read data: %w", err)
			}
			if missing := snap.MissingKeys(); len(missing) > 0 {
				logger.Warn().Strs("keys", missing).Msg("Battery payload is missing keys")
			}

			return writeSnapshot(cmd.OutOrStdout(), snap, format, raw)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json or yaml)")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the raw payloads instead of derived metrics")
	return cmd
}

func writeSnapshot(w io.Writer, snap *battery.Snapshot, format string, raw bool) error {
	var out interface{}
	if raw {
		r := rawOutput{LatestData: snap.RawDetails, Status: snap.RawStatus}
		if format == "yaml" {
			var decoded map[string]interface{}
			b, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode raw payloads: %w", err)
			}
			if err := json.Unmarshal(b, &decoded); err != nil {
				return err
			}
			out = decoded
		} else {
			out = r
		}
	} else {
		out = battery.Derive(snap).Report()
	}

	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	}

	output, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test connection to the battery",
		Long:  "Test the authenticated connection to the battery API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Initialize(logLevel(cfg), os.Stderr)

			fmt.Printf("Testing connection to %s...\n", cfg.Battery.IP)

			client := newClient(cfg)
			ctx := context.Background()
			if err := client.TestConnection(ctx); err != nil {
				fmt.Printf("Connection FAILED: %v\n", err)
				return err
			}

			fmt.Println("Connection SUCCESS!")

			snap, err := client.Fetch(ctx)
			if err != nil {
				fmt.Printf("Warning: Could not read data: %v\n", err)
				return nil
			}

			m := battery.Derive(snap)
			show := func(label string, name battery.Metric, value string) {
				if m.Err(name) != nil {
					value = "n/a"
				}
				fmt.Printf("  %-20s %s\n", label+":", value)
			}

			fmt.Printf("\nBattery Info:\n")
			fmt.Printf("  %-20s %s\n", "System Status:", snap.Status.SystemStatus)
			show("Modules", battery.MetricInstalledModules, fmt.Sprint(m.InstalledModules))
			show("User SOC", battery.MetricUserSOC, fmt.Sprintf("%.0f %%", m.UserSOC))
			show("Remaining", battery.MetricRemainingCapacity, fmt.Sprintf("%.0f Wh", m.RemainingCapacityWh))
			fmt.Printf("\nCurrent Values:\n")
			show("Consumption", battery.MetricConsumption, fmt.Sprintf("%.0f W", m.ConsumptionW))
			show("Production", battery.MetricProduction, fmt.Sprintf("%.0f W", m.ProductionW))
			show("Charging", battery.MetricCharging, fmt.Sprintf("%.0f W", m.ChargingW))
			show("Discharging", battery.MetricDischarging, fmt.Sprintf("%.0f W", m.DischargingW))
			show("Grid feed in", battery.MetricGridIn, fmt.Sprintf("%.0f W", m.GridInW))
			show("From grid", battery.MetricGridOut, fmt.Sprintf("%.0f W", m.GridOutW))
			show("Time since full", battery.MetricTimeSinceFull, m.TimeSinceFull)
			return nil
		},
	}
}
