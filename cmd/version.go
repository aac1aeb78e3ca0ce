package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"meetscribe/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the meetscribe version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
	},
}
