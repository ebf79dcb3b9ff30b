package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ankicommunity/ankisyncd/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// loadedCfg holds the effective configuration resolved by PersistentPreRunE
// and is available to all subcommands afterwards.
var loadedCfg config.Config

// newRootCmd builds the fully-assembled root command. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ankisyncd",
		Short:   "Self-hosted Anki sync server",
		Long:    "A personal synchronization server for Anki collections and media.",
		Version: version,
		// Silence Cobra's default error/usage printing, we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			loadedCfg = cfg

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newUserCmd())

	return cmd
}

// buildLogger creates the slog.Logger for the process. The config file sets
// the baseline level and format; --verbose and --quiet override the level
// because CLI flags always win. Non-terminal stderr defaults to JSON so log
// collectors get structured output.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	switch loadedCfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	useJSON := loadedCfg.LogFormat == "json" ||
		(loadedCfg.LogFormat != "text" && !isatty.IsTerminal(os.Stderr.Fd()))

	if useJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
