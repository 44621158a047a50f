// Command colloquy simulates conversations between a model under test and a
// simulated counterpart, then assesses and rates every transcript.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/colloquy/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "colloquy: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "colloquy",
		Short: "Simulate, assess and rate LLM dialogues",
		Long: `Colloquy runs a model under test against a simulated counterpart,
lets a reviewer model flag known mistakes in each transcript, and asks a panel
of expert personas to score it.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "preset.yaml", "path to the YAML preset")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newRunCommand(g))
	cmd.AddCommand(newValidateCommand(g))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the colloquy version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "colloquy %s\n", version)
		},
	}
}

// loadConfig loads the preset and installs the logger it asks for.
func loadConfig(g *globalFlags) (*config.Config, error) {
	// Validation warnings are logged before the configured level is known.
	if g.debug {
		slog.SetDefault(newLogger(config.LogDebug))
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Server.LogLevel
	if g.debug {
		level = config.LogDebug
	}
	slog.SetDefault(newLogger(level))
	return cfg, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
