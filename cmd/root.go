package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wechatbot",
	Short: "WeChat bot driven by a tree of message handlers",
	Long:  "Receives GeWe webhook callbacks and runs every message through a configurable tree of handlers.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
