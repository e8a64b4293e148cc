// Package cli implements the expertline command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/expertline/expertline/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "expertline",
	Short: "Pay-per-minute expert consultation engine",
	Long: `expertline runs the consultation session engine: the call state machine,
the token ledger, expert availability and the reconciliation sweep.

Configuration is read from ~/.expertline/config.toml (or --config) and
overridden by EXPERTLINE_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.toml")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// openApp loads configuration and wires an App for one-shot commands. The
// periodic sweep never runs from these.
func openApp(ctx context.Context) (*daemon.App, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Sweep.Enabled = false
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return daemon.Open(ctx, cfg, logger)
}

// withApp runs fn against a freshly opened App and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *daemon.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close(ctx)
	return fn(ctx, app)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
