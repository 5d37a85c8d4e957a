package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/colla/internal/cmd/client"
	serverrun "github.com/rzbill/colla/internal/cmd/server"
	cfgpkg "github.com/rzbill/colla/internal/config"
	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
	logpkg "github.com/rzbill/colla/pkg/log"
)

func main() {
	// Respect COLLA_LOG_LEVEL for both CLI and server start output
	level := os.Getenv("COLLA_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	// Redirect standard library logs (used by Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "colla",
		Short: "colla sync engine CLI",
		Long:  "colla is a single-binary real-time document sync engine. This CLI runs the server and talks to it.",
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a colla node (HTTP and websocket RPC)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			configPath, _ := cmd.Flags().GetString("config")
			nodeID, _ := cmd.Flags().GetString("node-id")
			backend, _ := cmd.Flags().GetString("backend")
			natsURL, _ := cmd.Flags().GetString("nats-url")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "never":
				mode = pebblestore.FsyncModeNever
			case "interval":
				mode = pebblestore.FsyncModeInterval
			case "always":
				mode = pebblestore.FsyncModeAlways
			default:
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfgpkg.FromEnv(&cfg)
			if backend != "" {
				cfg.Backend.Kind = backend
			}
			if natsURL != "" {
				cfg.Backend.NATSURL = natsURL
			}
			if logLevel != "" {
				_ = os.Setenv("COLLA_LOG_LEVEL", logLevel)
			}
			if logFormat != "" {
				_ = os.Setenv("COLLA_LOG_FORMAT", logFormat)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:       dataDir,
				HTTPAddr:      httpAddr,
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Config:        cfg,
				NodeID:        nodeID,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("http", ":8080", "HTTP listen address (API and /v1/rpc websocket)")
	serverStartCmd.Flags().String("config", os.Getenv("COLLA_CONFIG"), "JSON config file (COLLA_* variables override it)")
	serverStartCmd.Flags().String("node-id", os.Getenv("COLLA_NODE_ID"), "Node id (default random)")
	serverStartCmd.Flags().String("backend", "", "Log backend: pebble|nats (default from config)")
	serverStartCmd.Flags().String("nats-url", "", "NATS url when --backend=nats")
	serverStartCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms (default 5)")
	serverStartCmd.Flags().String("log-level", os.Getenv("COLLA_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("COLLA_LOG_FORMAT"), "Log format: text|json (default text)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	clientcmd.AddCommands(rootCmd, apiURL)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("COLLA_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
