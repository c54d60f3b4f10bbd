package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/drawboard/history/filed"
)

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "Session recording inspection tools",
	Long:  `Commands for inspecting the recording files of persisted sessions.`,
}

var inspectJSONOutput bool

var inspectCmd = &cobra.Command{
	Use:   "inspect [file...]",
	Short: "Check the integrity of session recording files",
	Long: `Scans recording files and reports their block structure. Bytes past the
last complete record mean the server went down mid-write; they are dropped
the next time the session loads.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(recordingsCmd)
	recordingsCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectJSONOutput, "json", false, "Output results as JSON")
}

type inspectResult struct {
	File string `json:"file"`
	filed.RecordingInfo
	Error string `json:"error,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	results := make([]inspectResult, 0, len(args))
	failed := false
	for _, path := range args {
		result := inspectResult{File: path}
		info, err := filed.InspectRecording(path)
		if err != nil {
			result.Error = err.Error()
			failed = true
		} else {
			result.RecordingInfo = info
			if info.TornBytes > 0 {
				failed = true
			}
		}
		results = append(results, result)
	}

	if inspectJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Error != "" {
				fmt.Printf("[FAIL] %s: %s\n", r.File, r.Error)
				continue
			}
			tag := "[ OK ]"
			if r.TornBytes > 0 {
				tag = "[WARN]"
			}
			fmt.Printf("%s %s: %d messages in %d block(s), %d bytes", tag, r.File, r.Messages, r.Blocks, r.Bytes)
			if r.TornBytes > 0 {
				fmt.Printf(", %d torn trailing byte(s)", r.TornBytes)
			}
			fmt.Println()
		}
	}

	if failed {
		os.Exit(1)
	}
	return nil
}
