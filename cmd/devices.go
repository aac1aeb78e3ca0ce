package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"meetscribe/internal/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices and check capture readiness",
	Long: `List the audio input devices visible to ffmpeg, show which indices
would be used for the microphone and the system-audio loopback with the
current configuration, and summarize whether a recording could start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver := device.NewResolver(cfg.Tools.FFmpeg, cfg.Tools.SystemProfiler)

		inputs, err := resolver.EnumerateInputs(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to enumerate input devices: %w", err)
		}

		fmt.Println("Audio input devices:")
		for _, in := range inputs {
			fmt.Printf("  [%d] %s\n", in.Index, in.Name)
		}

		defaultInput := resolver.DefaultInputName(cmd.Context())
		dm, resolveErr := resolver.Resolve(cmd.Context(),
			cfg.Recording.LoopbackDeviceName, cfg.IgnorePatterns(), cfg.Recording.MicNameHint)

		fmt.Println("\nReadiness:")
		if resolveErr != nil {
			fmt.Printf("  loopback (%s):  MISSING\n", cfg.Recording.LoopbackDeviceName)
		} else {
			fmt.Printf("  loopback (%s):  [%d] %s\n",
				cfg.Recording.LoopbackDeviceName, dm.LoopbackIndex, dm.DeviceNames[dm.LoopbackIndex])
		}
		if defaultInput != "" {
			fmt.Printf("  default input:  %s\n", defaultInput)
		} else {
			fmt.Println("  default input:  not detected")
		}
		if resolveErr == nil {
			fmt.Printf("  microphone:     [%d] %s\n", dm.MicIndex, dm.DeviceNames[dm.MicIndex])
			fmt.Println("\nReady to record.")
		} else {
			fmt.Printf("\nNot ready: %v\n", resolveErr)
			fmt.Printf("Hint: is %q installed and enabled?\n", cfg.Recording.LoopbackDeviceName)
		}
		return nil
	},
}
