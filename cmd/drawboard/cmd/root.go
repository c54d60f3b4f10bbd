package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "drawboard",
	Short: "Drawboard is a collaborative drawing session server",
	Long: `A server hosting shared drawing sessions: clients connect, draw together
in real time, and late joiners are caught up from the recorded session history.
Complete documentation is available at https://github.com/jmcleod/drawboard`,
	Version: Version,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
