package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"agtools/internal/version"
)

var (
	releaseCheckVersion string
	releaseCheckDir     string
)

// releaseCmd groups release engineering helpers
var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release engineering helpers",
}

// releaseCheckCmd verifies release consistency of a working tree
var releaseCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify release consistency of the working tree",
	Long: `Checks that the candidate version is recorded consistently before
tagging: valid semver, the topmost CHANGELOG.md entry, README version
references, and the git tag at HEAD when one exists.

The candidate defaults to the version compiled into this binary; pass
--version to check a different one.`,
	RunE: runReleaseCheck,
}

func init() {
	releaseCheckCmd.Flags().StringVar(&releaseCheckVersion, "version", "", "Candidate version (default: built-in)")
	releaseCheckCmd.Flags().StringVar(&releaseCheckDir, "dir", ".", "Repository directory to check")
	releaseCmd.AddCommand(releaseCheckCmd)
}

func runReleaseCheck(cmd *cobra.Command, args []string) error {
	candidate := releaseCheckVersion
	if candidate == "" {
		candidate = version.Version
	}

	report, err := version.CheckRelease(releaseCheckDir, candidate)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Check", "Result", "Detail"})
	for _, c := range report.Checks {
		result := text.FgGreen.Sprint("pass")
		if !c.OK {
			result = text.FgRed.Sprint("FAIL")
		}
		t.AppendRow(table.Row{c.Name, result, c.Detail})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()

	if !report.OK() {
		return fmt.Errorf("release check failed for %s", report.Version)
	}
	fmt.Printf("Release check passed for %s\n", report.Version)
	return nil
}
