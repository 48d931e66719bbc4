package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agtools/internal/config"
	"agtools/internal/logging"
	"agtools/internal/version"
)

var (
	// Global flags
	verbose bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "agt",
	Short: "agtools - local OpenAI/Anthropic proxy for Google Antigravity",
	Long: `agtools runs a local proxy that speaks the OpenAI and Anthropic chat
protocols and serves them from Google Antigravity accounts.

Point a coding tool at http://127.0.0.1:8045/v1/chat/completions (OpenAI)
or /v1/messages (Anthropic). agtools maps the requested model onto an
Antigravity target, rotates across your linked Google accounts when one
hits a rate limit, and records every request for 'agt monitor'.

Get started:
  agt account add    # link a Google account via OAuth
  agt serve          # start the proxy in the foreground`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if path, perr := config.Path(); perr == nil {
			if loaded, lerr := config.Load(path); lerr == nil {
				cfg = loaded
			}
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		var err error
		logger, err = logging.Init(level, cfg.Logging.File)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// versionCmd prints the build identity
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version, commit, and build time",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Printf("agt %s\n", info.Version)
		fmt.Printf("  commit:     %s\n", info.Commit)
		fmt.Printf("  build time: %s\n", info.BuildTime)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	// Add commands to root
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
