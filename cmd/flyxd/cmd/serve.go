package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flyxtv/flyxd/internal/analytics"
	"github.com/flyxtv/flyxd/internal/config"
	"github.com/flyxtv/flyxd/internal/engine"
	internalhttp "github.com/flyxtv/flyxd/internal/http"
	"github.com/flyxtv/flyxd/internal/http/handlers"
	"github.com/flyxtv/flyxd/internal/keyauth"
	"github.com/flyxtv/flyxd/internal/resolver"
	"github.com/flyxtv/flyxd/internal/version"
	"github.com/flyxtv/flyxd/pkg/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flyxd server",
	Long: `Start the flyxd HTTP server and control API.

The server provides:
- REST API for starting, inspecting and stopping playback sessions
- Per-session status streaming over SSE
- Health check endpoint`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8554, "Port to listen on")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Unmarshal(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	upstream, keys, reporterClient := buildClients(cfg, logger)

	res := resolver.New(upstream, cfg.Resolver, logger)
	keyClient := keyauth.NewClient(keys, cfg.KeyAuth, logger)
	reporter := analytics.NewReporter(reporterClient, cfg.Analytics, logger)

	eng := engine.New(res, keyClient, upstream, reporter, cfg, logger)
	manager := engine.NewManager(eng, cfg.Server.MaxSessions)

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	healthHandler := handlers.NewHealthHandler(version.Version, httpclient.DefaultRegistry, manager.Count)
	healthHandler.Register(server.API())

	streamHandler := handlers.NewStreamHandler(manager, logger)
	streamHandler.Register(server.API(), server.Router())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting flyxd server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Version),
	)

	err = server.ListenAndServe(ctx)

	manager.StopAll()
	reporter.Flush()
	return err
}

// buildClients creates the outbound HTTP clients and registers them for
// health monitoring.
func buildClients(cfg *config.Config, logger *slog.Logger) (upstream, keys, reporter *httpclient.Client) {
	base := httpclient.DefaultConfig()
	base.Timeout = cfg.Client.Timeout
	base.RetryAttempts = cfg.Client.RetryAttempts
	base.RetryDelay = cfg.Client.RetryDelay
	base.RetryMaxDelay = cfg.Client.RetryMaxDelay
	base.CircuitThreshold = cfg.Client.CircuitThreshold
	base.CircuitTimeout = cfg.Client.CircuitTimeout
	base.UserAgent = cfg.Client.UserAgent
	if base.UserAgent == "" {
		base.UserAgent = version.UserAgent()
	}
	base.Logger = logger

	upstream = httpclient.New(base)

	// Key requests carry their own validity window; retrying a stale proof
	// is pointless, so the key client retries less aggressively.
	keyCfg := base
	keyCfg.RetryAttempts = 1
	keys = httpclient.New(keyCfg)

	reporterCfg := base
	reporterCfg.RetryAttempts = 0
	reporterCfg.CircuitThreshold = 0
	reporter = httpclient.New(reporterCfg)

	httpclient.DefaultRegistry.Register("upstream", upstream)
	httpclient.DefaultRegistry.Register("keys", keys)
	httpclient.DefaultRegistry.Register("analytics", reporter)

	return upstream, keys, reporter
}
