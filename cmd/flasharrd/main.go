// Command flasharrd is the Flasharr download daemon: it serves the
// HTTP/JSON control surface and runs the segmented transfer engine in
// the background, persisting its task and account state to disk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "flasharrd",
	Short:   "Flasharr download daemon",
	Long:    "Flasharr runs a segmented, session-aware download engine for a single file-hosting provider and exposes it over HTTP/JSON and Server-Sent Events.",
	Version: Version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
