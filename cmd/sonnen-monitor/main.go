package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sonnen-monitor/config"
	"sonnen-monitor/internal/api"
	"sonnen-monitor/internal/collector"
	"sonnen-monitor/internal/dashboard"
	"sonnen-monitor/internal/logger"
	"sonnen-monitor/internal/metrics"
	"sonnen-monitor/internal/mqtt"
	"sonnen-monitor/internal/sonnen"
	"sonnen-monitor/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "sonnen-monitor",
		Short:        "sonnenBatterie monitor",
		Long:         "A tool to monitor a sonnenBatterie through its local JSON API",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(testCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig exits the process when no auth token is configured.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if errors.Is(err, config.ErrMissingAuthToken) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func logLevel(cfg *config.Config) string {
	if verbose {
		return "debug"
	}
	return cfg.Logging.Level
}

func newClient(cfg *config.Config) *sonnen.Client {
	return sonnen.NewClient(sonnen.Config{
		Host:             cfg.Battery.IP,
		AuthToken:        cfg.Battery.AuthToken,
		Timeout:          cfg.Battery.Timeout,
		BreakerThreshold: cfg.Battery.BreakerThreshold,
		BreakerTimeout:   cfg.Battery.BreakerTimeout,
	})
}

func serveCmd() *cobra.Command {
	var noDashboard bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the monitoring service",
		Long:  "Start the collector, the terminal dashboard and the enabled sinks and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			showDashboard := cfg.Dashboard.Enabled && !noDashboard

			// The dashboard owns the terminal, so logs go to a file.
			var logOutput io.Writer = os.Stderr
			if showDashboard {
				f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return fmt.Errorf("failed to open log file: %w", err)
				}
				defer f.Close()
				logOutput = f
			}
			logger.Initialize(logLevel(cfg), logOutput)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			sinks, db, publisher := buildSinks(ctx, cfg)

			coll := collector.NewCollector(collector.CollectorConfig{
				Device:   newClient(cfg),
				Sinks:    sinks,
				Interval: cfg.Collector.Interval,
				Enabled:  cfg.Collector.Enabled,
			})
			defer coll.Stop()

			prometheus.MustRegister(metrics.NewExporter(coll.Store(), cfg.Battery.Name))

			go func() {
				if err := coll.Start(ctx); err != nil {
					logger.Error().Err(err).Msg("Collector error")
				}
			}()

			if db != nil && cfg.Database.Retention > 0 {
				go cleanReadings(ctx, db, cfg.Database.Retention)
			}

			var server *api.Server
			if cfg.API.Enabled {
				server = api.NewServer(api.ServerConfig{
					Port:      cfg.API.Port,
					Collector: coll,
					Database:  db,
					MQTT:      publisher,
					Config:    cfg,
					LogWriter: logOutput,
				})

				go func() {
					if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error().Err(err).Msg("API server error")
					}
				}()
			}

			logger.Info().Str("battery", cfg.Battery.IP).Msg("sonnen monitor started")

			if showDashboard {
				model := dashboard.NewModel(coll.Store(), dashboard.Limits{
					BatteryMaxW:  cfg.Limits.BatteryMaxW,
					GridMaxW:     cfg.Limits.GridMaxW,
					InverterMaxW: cfg.Limits.InverterMaxW,
					HouseMaxW:    cfg.Limits.HouseMaxW(),
				}, cfg.Dashboard.Interval)
				if err := dashboard.Run(ctx, model); err != nil {
					logger.Error().Err(err).Msg("Dashboard error")
				}
			} else {
				fmt.Println("sonnen monitor started. Press Ctrl+C to stop.")
				<-ctx.Done()
			}

			logger.Info().Msg("Shutting down...")
			cancel()

			if server != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := server.Stop(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("API server shutdown")
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "run without the terminal dashboard")
	return cmd
}

// buildSinks creates the enabled sinks. A sink that cannot be created is
// logged and skipped.
func buildSinks(ctx context.Context, cfg *config.Config) ([]collector.Sink, *storage.Database, *mqtt.Publisher) {
	var (
		sinks     []collector.Sink
		db        *storage.Database
		publisher *mqtt.Publisher
	)

	if cfg.Database.Enabled {
		d, err := storage.NewDatabase(cfg.Database.Path)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to open database")
		} else {
			logger.Info().Str("path", cfg.Database.Path).Msg("Database opened")
			db = d
			sinks = append(sinks, d)
		}
	}

	if cfg.MQTT.Enabled {
		p, err := mqtt.NewPublisher(mqtt.PublisherConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Device:      cfg.Battery.Name,
			Enabled:     true,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("MQTT connection failed")
		} else {
			if cfg.MQTT.Discovery {
				if err := p.PublishHomeAssistantDiscovery(); err != nil {
					logger.Warn().Err(err).Msg("Home Assistant discovery failed")
				}
			}
			publisher = p
			sinks = append(sinks, p)
		}
	}

	if cfg.InfluxDB.Enabled {
		w, err := storage.NewInfluxWriter(ctx, cfg.InfluxDB.URL, cfg.InfluxDB.Token,
			cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket, cfg.Battery.Name)
		if err != nil {
			logger.Warn().Err(err).Msg("InfluxDB connection failed")
		} else {
			sinks = append(sinks, w)
		}
	}

	return sinks, db, publisher
}

func cleanReadings(ctx context.Context, db *storage.Database, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		removed, err := db.CleanOldReadings(retention)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to clean old readings")
		} else if removed > 0 {
			logger.Info().Int64("removed", removed).Msg("Cleaned old readings")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
