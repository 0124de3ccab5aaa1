// Package analytics reports session lifecycle events to an external
// collector. Reporting is strictly fire-and-forget: no analytics outcome
// ever influences playback.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flyxtv/flyxd/internal/config"
	"github.com/flyxtv/flyxd/internal/models"
	"github.com/flyxtv/flyxd/pkg/httpclient"
)

// Reporter sends session begin/end events.
type Reporter struct {
	http   *httpclient.Client
	cfg    config.AnalyticsConfig
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewReporter creates a reporter. A disabled or unconfigured reporter
// turns every call into a no-op.
func NewReporter(httpClient *httpclient.Client, cfg config.AnalyticsConfig, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{http: httpClient, cfg: cfg, logger: logger}
}

type sessionEvent struct {
	SessionID string `json:"sessionId"`
	Provider  string `json:"provider"`
	ChannelID string `json:"channelId"`
	Title     string `json:"title,omitempty"`
	Backend   string `json:"backend,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// SessionBegin reports that playback started. Returns immediately.
func (r *Reporter) SessionBegin(sessionID string, source models.StreamSource, backend string) {
	r.send("/session/begin", sessionEvent{
		SessionID: sessionID,
		Provider:  string(source.Type),
		ChannelID: source.ChannelID,
		Title:     source.Title,
		Backend:   backend,
		Timestamp: time.Now().Unix(),
	})
}

// SessionEnd reports that playback stopped. Returns immediately.
func (r *Reporter) SessionEnd(sessionID string, source models.StreamSource) {
	r.send("/session/end", sessionEvent{
		SessionID: sessionID,
		Provider:  string(source.Type),
		ChannelID: source.ChannelID,
		Timestamp: time.Now().Unix(),
	})
}

// Flush waits for in-flight reports. Used on shutdown and in tests.
func (r *Reporter) Flush() {
	r.wg.Wait()
}

func (r *Reporter) send(path string, event sessionEvent) {
	if !r.cfg.Enabled || r.cfg.BaseURL == "" {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		timeout := r.cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		body, err := json.Marshal(event)
		if err != nil {
			return
		}

		url := strings.TrimRight(r.cfg.BaseURL, "/") + path
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.http.Do(req)
		if err != nil {
			r.logger.Debug("analytics report failed",
				slog.String("path", path),
				slog.String("session_id", event.SessionID),
				slog.String("error", err.Error()),
			)
			return
		}
		resp.Body.Close()
	}()
}
