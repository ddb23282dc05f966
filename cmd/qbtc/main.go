package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"qbtc-market/internal/app"
	"qbtc-market/internal/config"
	"qbtc-market/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	envPath    string
	outFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "qbtc",
	Short: "Binance spot and futures market scanner",
	Long: `qbtc reads Binance spot and USD-M futures market data, scores momentum
opportunities and serves the results over HTTP.

Examples:
  qbtc serve --config internal/config/config.yaml
  qbtc scan --format json
  qbtc funding --top 10`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "internal/config/config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "path to .env file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	if err := config.LoadEnv(envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envPath, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Log)
	log.Debug("config loaded", zap.String("path", configPath))
	return cfg, log, nil
}

// newOneShotApp builds an app for commands that run a single query and exit.
func newOneShotApp() (*app.App, *config.Config, *zap.Logger, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	cfg.Server.Enabled = false
	cfg.Stream.Enabled = false
	a, err := app.New(cfg, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initialize app: %w", err)
	}
	return a, cfg, log, nil
}

func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&outFormat, "format", "table", "output format (table|json)")
}

func checkFormat() error {
	switch outFormat {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("unsupported format %q (table|json)", outFormat)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
