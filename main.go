package main

import (
	"os"

	"github.com/raidanetwork/raida-go/cmd/run"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "raida-node",
	Short:   "RAIDA network transport node.",
	Version: Version,
}

func init() {
	rootCmd.AddCommand(run.Cmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
