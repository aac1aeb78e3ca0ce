package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"meetscribe/internal/session"
	"meetscribe/internal/store"
)

var (
	recordNoMixed    bool
	recordSampleRate int
	recordFormat     string

	stopID       string
	stopHandoff  bool
	stopArtifact string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Start and stop recording sessions",
}

var recordStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new recording session",
	Long: `Start capturing the microphone and the system loopback device. The
capture processes are detached from this command; use 'record stop' or
the API to finalize the session later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := buildManager()
		if err != nil {
			return err
		}

		startCfg := mgr.DefaultStartConfig()
		startCfg.CreateMixed = !recordNoMixed
		if recordSampleRate > 0 {
			startCfg.SampleRate = recordSampleRate
		}
		if recordFormat != "" {
			startCfg.Format = recordFormat
		}

		res, err := mgr.Start(cmd.Context(), startCfg)
		if err != nil {
			if errors.Is(err, session.ErrConflict) {
				return fmt.Errorf("a recording is already active: %w", err)
			}
			return err
		}

		fmt.Printf("Recording started: %s\n", res.Task.ID)
		fmt.Printf("Output directory:  %s\n", res.OutputDir)
		return nil
	},
}

var recordStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active recording session",
	Long: `Stop the capture processes and finalize the session. Without --id the
currently active session is stopped. Stopping an already finalized
session prints its result again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := buildManager()
		if err != nil {
			return err
		}

		id := stopID
		if id == "" {
			view, err := mgr.Status()
			if err != nil {
				return err
			}
			if view.RecordingTaskID == nil {
				return fmt.Errorf("no active recording")
			}
			id = *view.RecordingTaskID
		}

		result, err := mgr.Stop(cmd.Context(), id, stopHandoff, stopArtifact)
		if err != nil {
			return err
		}

		fmt.Printf("Recording stopped: %s (%s)\n", result.ID, result.Status)
		for _, key := range []string{"mic", "system", "mixed"} {
			a := result.Artifacts[key]
			if a == nil {
				continue
			}
			line := fmt.Sprintf("  %-7s %s", key, a.Path)
			if a.DurationSeconds != nil {
				line += fmt.Sprintf("  (%.1fs)", *a.DurationSeconds)
			}
			fmt.Println(line)
		}
		if len(result.Warnings) > 0 {
			fmt.Printf("Warnings: %v\n", result.Warnings)
		}
		if result.AutoHandoff != nil {
			fmt.Printf("Handoff: %s\n", result.AutoHandoff.Message)
		}
		if result.Status == store.StatusError && result.Error != nil {
			return fmt.Errorf("recording finalized with error: %s", *result.Error)
		}
		return nil
	},
}

var recordShowCmd = &cobra.Command{
	Use:   "show <recording-id>",
	Short: "Show the stored result for a recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := buildManager()
		if err != nil {
			return err
		}
		detail, err := mgr.Detail(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

func init() {
	recordStartCmd.Flags().BoolVar(&recordNoMixed, "no-mixed", false, "skip the mixed track")
	recordStartCmd.Flags().IntVar(&recordSampleRate, "sample-rate", 0, "sample rate override")
	recordStartCmd.Flags().StringVar(&recordFormat, "format", "", "output format override")

	recordStopCmd.Flags().StringVar(&stopID, "id", "", "recording id (default: the active session)")
	recordStopCmd.Flags().BoolVar(&stopHandoff, "handoff", false, "register the result with the processing pipeline")
	recordStopCmd.Flags().StringVar(&stopArtifact, "artifact", "", "preferred artifact for handoff (mixed, system, mic)")

	recordCmd.AddCommand(recordStartCmd)
	recordCmd.AddCommand(recordStopCmd)
	recordCmd.AddCommand(recordShowCmd)
}
