package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agtools/internal/config"
	"agtools/internal/logging"
	"agtools/internal/proxy/routing"
)

// modelsCmd lists the models the proxy serves
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the proxy serves",
	Long: `Prints every model name the proxy accepts: builtin targets, custom
mappings, and pinned aliases, including the routing overlay when one is
present. The running server reports the same set on /v1/models.`,
	RunE: runModels,
}

func runModels(cmd *cobra.Command, args []string) error {
	path, err := config.Path()
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tables := cfg.Proxy.Tables()
	if dir, derr := config.Dir(); derr == nil {
		if merged, terr := cfg.LoadTables(dir); terr == nil {
			tables = merged
		} else {
			logger.Warn("routing overlay unreadable", zap.Error(terr))
		}
	}

	resolver := routing.NewResolver(tables, logging.Named("router"))
	models := resolver.Models()
	for _, id := range models {
		fmt.Println(id)
	}
	fmt.Printf("\n%d models\n", len(models))
	return nil
}
