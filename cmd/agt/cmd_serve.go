package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agtools/internal/config"
	"agtools/internal/logging"
	"agtools/internal/proxy"
	"agtools/internal/proxy/routing"
)

var servePort int

// serveCmd runs the proxy server in the foreground
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy server in the foreground",
	Long: `Starts the local proxy and blocks until interrupted.

The server listens on the configured port (default 8045, loopback only
unless allow_lan is set) and serves:
  POST /v1/chat/completions   OpenAI chat protocol
  POST /v1/messages           Anthropic messages protocol
  GET  /v1/models             OpenAI model listing
  GET  /v1beta/models         Gemini model listing
  GET  /healthz               health probe

Edits to ~/.agtools/config.json or routing.yaml are applied live without
a restart. Press Ctrl+C to stop.`,
	RunE: runServe,
}

// serveStopCmd exists for symmetry with tools that expect a stop verb
var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Explain how to stop the server",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("'agt serve' runs in the foreground; stop it with Ctrl+C.")
		fmt.Println("If you daemonized it yourself, stop it through your process manager.")
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override the configured port")
	serveCmd.AddCommand(serveStopCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path, err := config.Path()
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if servePort > 0 {
		cfg.Proxy.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	srv := proxy.NewServer(cfg, logging.Named("proxy"))
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	status := srv.Status()
	fmt.Printf("Server running at %s\n", status.BaseURL)
	fmt.Printf("  Accounts:   %d\n", status.ActiveAccounts)
	fmt.Printf("  Scheduling: %s\n", cfg.Proxy.SchedulingMode())
	if cfg.Proxy.ZAIActive() {
		fmt.Printf("  z.ai:       %s\n", cfg.Proxy.ZAIDispatch())
	}
	fmt.Println("Press Ctrl+C to stop")

	// Live reload of config.json and routing.yaml.
	dir, err := config.Dir()
	if err == nil {
		watcher, werr := config.NewWatcher(dir, logging.Named("config"), func(next *config.Config, tables routing.Tables) {
			if servePort > 0 {
				next.Proxy.Port = servePort
			}
			srv.ApplyConfig(next, tables)
		})
		if werr != nil {
			logger.Warn("config watcher unavailable", zap.Error(werr))
		} else if werr := watcher.Start(ctx); werr != nil {
			logger.Warn("config watcher failed to start", zap.Error(werr))
		} else {
			defer watcher.Stop()
		}
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	fmt.Println("\nShutting down...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
