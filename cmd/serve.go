package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meetscribe/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recording API server",
	Long: `Run the HTTP API for controlling recordings. The server binds to the
configured host and port and shuts down cleanly on SIGINT or SIGTERM;
capture processes keep running so an in-flight recording survives a
server restart and can still be stopped afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := buildManager()
		if err != nil {
			return fmt.Errorf("failed to initialize recording manager: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := server.New(cfg, mgr)
		if err := srv.ListenAndServe(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}
