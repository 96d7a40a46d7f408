package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mechcat/partsync/internal/logging"
	"github.com/mechcat/partsync/internal/settings"
	"github.com/mechcat/partsync/internal/ui"
)

// app is the state shared by every command, built in PersistentPreRunE.
type app struct {
	cfg      settings.Config
	logger   *slog.Logger
	closer   io.Closer
	settings *settings.File
}

var (
	configFile string
	noColor    bool

	state = &app{}
)

var rootCmd = &cobra.Command{
	Use:   "partsync",
	Short: "Replicate the part catalog between a local and a shared store",
	Long: `partsync keeps a local catalog database and a shared remote database
(a file on a mounted share) eventually consistent.

Every tracked change is captured in a change ledger on the store it was made
on. A sync pass moves ledger entries across, either as a batch reconciled by
last writer wins or as a continuous push that asks before overwriting a row
someone else changed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.DisableColor()
		}

		v := viper.New()
		if err := v.BindPFlag("settings_file", cmd.Flags().Lookup("settings")); err != nil {
			return err
		}
		if err := v.BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
			return err
		}
		if f := cmd.Flags().Lookup("policy"); f != nil {
			if err := v.BindPFlag("policy", f); err != nil {
				return err
			}
		}

		cfg, err := settings.LoadConfig(v, configFile)
		if err != nil {
			return err
		}

		logger, closer, err := logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}

		state.cfg = cfg
		state.logger = logger
		state.closer = closer
		state.settings = settings.NewFile(cfg.SettingsFile)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if state.closer != nil {
			_ = state.closer.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: partsync.yaml or partsync.toml)")
	rootCmd.PersistentFlags().String("settings", "", "Settings file holding store paths and the sync checkpoint")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error, critical")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Catalog and ledger:"},
	)
}

func main() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
