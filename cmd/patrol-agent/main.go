package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "patrol-agent",
	Short: "Autonomous security patrol client",
	Long: `patrol-agent watches a workstation through its camera and microphone,
narrates the scene over a live perception link and escalates threats.

Running it without a subcommand is the same as "patrol-agent serve".`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
