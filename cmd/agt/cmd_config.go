package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"agtools/internal/config"
)

// configCmd is the parent command for configuration management
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage agtools configuration",
	Long: `Inspect and edit ~/.agtools/config.json.

Available subcommands:
  show - Print the resolved configuration with secrets redacted
  set  - Update a single value by dotted key`,
}

// configShowCmd prints the resolved configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	RunE:  runConfigShow,
}

// configSetCmd updates one configuration value
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Update one configuration value addressed by a dotted key.

Examples:
  agt config set proxy.port 8050
  agt config set proxy.request_timeout_secs 180
  agt config set scheduling.mode round-robin
  agt config set zai.dispatch_mode fallback`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	path, err := config.Path()
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Println(string(out))
	fmt.Printf("\nConfig file: %s\n", path)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	path, err := config.Path()
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Set(key, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Set %s = %s\n", key, value)
	fmt.Println("A running server applies the change without a restart.")
	return nil
}
