// Package engine owns playback sessions: per-session failover across
// interchangeable backends, the manifest acquisition state machine, and the
// telemetry the control API exposes.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/flyxtv/flyxd/internal/analytics"
	"github.com/flyxtv/flyxd/internal/config"
	"github.com/flyxtv/flyxd/internal/keyauth"
	"github.com/flyxtv/flyxd/internal/models"
	"github.com/flyxtv/flyxd/internal/resolver"
	"github.com/flyxtv/flyxd/pkg/httpclient"
)

// ManifestResolver is the slice of the resolver the engine depends on.
type ManifestResolver interface {
	Provider(t models.ProviderType) (*resolver.Provider, error)
	ResolveManifest(ctx context.Context, source models.StreamSource, backend resolver.Backend, skip []string) (string, error)
}

// Engine bundles the collaborators a session needs. One Engine serves all
// sessions.
type Engine struct {
	resolver  ManifestResolver
	keys      *keyauth.Client
	client    *httpclient.Client
	analytics *analytics.Reporter
	cfg       *config.Config
	logger    *slog.Logger
}

// New creates an engine.
func New(res ManifestResolver, keys *keyauth.Client, client *httpclient.Client, reporter *analytics.Reporter, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		resolver:  res,
		keys:      keys,
		client:    client,
		analytics: reporter,
		cfg:       cfg,
		logger:    logger,
	}
}

// PlayerTuning carries the buffering and live-edge settings the player
// should apply to a live stream. The values favour stability over latency
// because origins stall under load.
type PlayerTuning struct {
	GapTolerance   time.Duration `json:"gap_tolerance"`
	LiveSyncTrail  int           `json:"live_sync_trail"`
	ForwardBuffer  time.Duration `json:"forward_buffer"`
	MaxBuffer      time.Duration `json:"max_buffer"`
	MaxBufferBytes int64         `json:"max_buffer_bytes"`
}

// playerTuning derives the sink tuning from the playback configuration.
func (e *Engine) playerTuning() PlayerTuning {
	p := e.cfg.Playback
	return PlayerTuning{
		GapTolerance:   p.GapTolerance,
		LiveSyncTrail:  p.LiveSyncTrail,
		ForwardBuffer:  time.Duration(p.ForwardBuffer),
		MaxBuffer:      time.Duration(p.MaxBuffer),
		MaxBufferBytes: int64(p.MaxBufferBytes),
	}
}

// MediaSink receives playback commands from a session. The engine starts
// every stream muted and unmutes after a short settle delay.
type MediaSink interface {
	// PlayMuted starts muted playback of the manifest URL with the given
	// buffering tuning.
	PlayMuted(manifestURL string, tuning PlayerTuning) error
	// Unmute enables audio after playback has settled.
	Unmute()
	// Pause halts playback without tearing the sink down.
	Pause()
	// Detach releases the sink. Called exactly once per session stop.
	Detach()
}

// NopSink is a MediaSink that does nothing. Used when a caller only wants
// resolution and telemetry.
type NopSink struct{}

func (NopSink) PlayMuted(string, PlayerTuning) error { return nil }
func (NopSink) Unmute()                              {}
func (NopSink) Pause()                               {}
func (NopSink) Detach()                              {}
