package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"meetscribe/internal/capture"
	"meetscribe/internal/config"
	"meetscribe/internal/device"
	"meetscribe/internal/pipeline"
	"meetscribe/internal/probe"
	"meetscribe/internal/session"
	"meetscribe/internal/store"
)

var (
	cfg          *config.Config
	cfgFile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "meetscribe",
	Short: "Meeting audio capture service",
	Long: `Meetscribe records meetings on a single host: the microphone and the
system-audio loopback device are captured as separate tracks, optionally
combined into a mixed track, and finished recordings are handed to the
processing pipeline.

Capture runs through external ffmpeg processes; session state survives
restarts in a JSON document under the workspace directory.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		// config init writes the file the other commands read.
		if cmd.Name() == "init" {
			return nil
		}

		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/meetscribe.yaml)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// setupLogging configures slog for terminal output.
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))
}

// buildManager wires the session manager from the loaded config.
func buildManager() (*session.Manager, error) {
	st, err := store.New(cfg.StateFile())
	if err != nil {
		return nil, err
	}
	resolver := device.NewResolver(cfg.Tools.FFmpeg, cfg.Tools.SystemProfiler)
	procs := capture.NewSupervisor(cfg.Tools.FFmpeg)
	prober := probe.New(cfg.Tools.FFprobe)
	registry := pipeline.NewRegistry(cfg.ProcessingDir())
	return session.NewManager(cfg, st, resolver, procs, prober, registry), nil
}
