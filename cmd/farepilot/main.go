// FarePilot daemon - scores ride offers read off partner app screens and
// advises the driver when to pause.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "farepilot",
	Short: "FarePilot - local copilot for ride-hailing drivers",
	Long: `FarePilot runs on the driver's machine, takes ride offer text from a
capture agent over WebSocket, scores each offer against the driver's
thresholds, and pushes verdicts and pause advice to an overlay.

Configuration comes from FAREPILOT_* environment variables; a .env file
in the working directory is read first when present.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(pairCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
