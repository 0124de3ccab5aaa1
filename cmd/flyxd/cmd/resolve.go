package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flyxtv/flyxd/internal/analytics"
	"github.com/flyxtv/flyxd/internal/config"
	"github.com/flyxtv/flyxd/internal/engine"
	"github.com/flyxtv/flyxd/internal/keyauth"
	"github.com/flyxtv/flyxd/internal/models"
	"github.com/flyxtv/flyxd/internal/resolver"
)

var (
	resolveTimeout time.Duration
	resolveJSON    bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <provider> <channel-id>",
	Short: "Resolve a channel to a playable manifest URL",
	Long: `Resolve a channel one-shot: run the full backend failover sequence and
print the winning manifest URL and per-backend telemetry, without starting
the server.`,
	Args: cobra.ExactArgs(2),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().DurationVar(&resolveTimeout, "timeout", 60*time.Second, "overall resolution timeout")
	resolveCmd.Flags().BoolVar(&resolveJSON, "json", false, "output the session snapshot as JSON")
}

func runResolve(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Unmarshal(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	source := models.StreamSource{
		Type:      models.ProviderType(args[0]),
		ChannelID: args[1],
	}
	if !source.Type.Valid() {
		return fmt.Errorf("unknown provider %q", args[0])
	}

	upstream, keys, reporterClient := buildClients(cfg, logger)
	res := resolver.New(upstream, cfg.Resolver, logger)
	keyClient := keyauth.NewClient(keys, cfg.KeyAuth, logger)
	reporter := analytics.NewReporter(reporterClient, cfg.Analytics, logger)

	eng := engine.New(res, keyClient, upstream, reporter, cfg, logger)
	session := eng.NewSession(source, nil)
	defer session.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	if err := session.Start(ctx); err != nil {
		return err
	}

	snap := waitTerminal(ctx, session)

	if resolveJSON {
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		printSnapshot(snap)
	}

	if snap.State != models.StatePlaying {
		os.Exit(1)
	}
	return nil
}

// waitTerminal blocks until the session reaches a terminal state or the
// context expires.
func waitTerminal(ctx context.Context, session *engine.Session) engine.Snapshot {
	for {
		select {
		case <-ctx.Done():
			return session.Snapshot()
		case snap := <-session.Events():
			if snap.State.Terminal() {
				return snap
			}
		}
	}
}

func printSnapshot(snap engine.Snapshot) {
	fmt.Printf("state: %s\n", snap.State)
	if snap.ManifestURL != "" {
		fmt.Printf("manifest: %s\n", snap.ManifestURL)
	}
	if snap.Error != "" {
		fmt.Printf("error: %s\n", snap.Error)
	}
	for _, b := range snap.Backends {
		line := fmt.Sprintf("  %-14s %-9s %v", b.Name, b.Status, b.Elapsed.Round(time.Millisecond))
		if b.Error != "" {
			line += "  " + b.Error
		}
		fmt.Println(line)
	}
}
