package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current recording state",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := buildManager()
		if err != nil {
			return err
		}
		view, err := mgr.Status()
		if err != nil {
			return err
		}

		if view.State == "idle" {
			fmt.Println("idle")
			return nil
		}
		fmt.Printf("recording %s", *view.RecordingTaskID)
		if view.ElapsedSeconds != nil {
			fmt.Printf(" (%.1fs elapsed)", *view.ElapsedSeconds)
		}
		fmt.Println()
		return nil
	},
}
