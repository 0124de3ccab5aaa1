// Package resolver maps (provider, channel) descriptors to concrete manifest
// URLs, including the best-effort CDN server lookup and the static fallback
// ordering of interchangeable backends.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/flyxtv/flyxd/internal/config"
	"github.com/flyxtv/flyxd/internal/models"
	"github.com/flyxtv/flyxd/pkg/httpclient"
)

// Resolver turns stream sources into manifest URLs.
type Resolver struct {
	client *httpclient.Client
	cfg    config.ResolverConfig
	logger *slog.Logger
}

// New creates a resolver using the given upstream client.
func New(client *httpclient.Client, cfg config.ResolverConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{client: client, cfg: cfg, logger: logger}
}

// Provider returns the static provider descriptor for a provider type.
func (r *Resolver) Provider(t models.ProviderType) (*Provider, error) {
	p, ok := providers[t]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", t)
	}
	return p, nil
}

// ResolveManifest determines the manifest URL for one backend candidate.
// Backends already failed in this load are passed through as an opaque
// skip hint to the origin.
//
// For indirection-style providers this performs the provider's stream API
// call; an "offline" / "not live" answer is classified as a NotLive error
// and must not be retried on another backend.
func (r *Resolver) ResolveManifest(ctx context.Context, source models.StreamSource, backend Backend, skip []string) (string, error) {
	p, err := r.Provider(source.Type)
	if err != nil {
		return "", models.NewStreamError(models.ClassNetwork, "resolving provider", err)
	}

	if backend.Style == PathIndirect {
		return r.resolveIndirect(ctx, p, source.ChannelID)
	}

	serverKey := p.DefaultServerKey
	if p.LookupBaseURL != "" {
		serverKey = r.LookupServer(ctx, p, source.ChannelID)
	}

	return BuildManifestURL(backend, serverKey, source.ChannelID, skip), nil
}

// LookupServer asks the CDN which origin host currently serves the channel.
// Any failure (timeout, non-2xx, malformed body, empty key) degrades
// silently to the provider's static default server key; this method never
// returns an error.
func (r *Resolver) LookupServer(ctx context.Context, p *Provider, channelKey string) string {
	base := r.cfg.LookupBaseURL
	if base == "" {
		base = p.LookupBaseURL
	}

	lookupURL := strings.TrimRight(base, "/") + "/server_lookup?channel_id=" + url.QueryEscape(channelKey)

	lookupCtx := ctx
	if r.cfg.LookupTimeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, r.cfg.LookupTimeout)
		defer cancel()
	}

	resp, err := r.client.Get(lookupCtx, lookupURL)
	if err != nil {
		r.logger.Debug("server lookup failed, using default",
			slog.String("channel", channelKey),
			slog.String("default", p.DefaultServerKey),
			slog.String("error", err.Error()),
		)
		return p.DefaultServerKey
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Debug("server lookup returned non-2xx, using default",
			slog.String("channel", channelKey),
			slog.Int("status", resp.StatusCode),
		)
		return p.DefaultServerKey
	}

	var body struct {
		ServerKey string `json:"server_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.ServerKey == "" {
		r.logger.Debug("server lookup body malformed, using default",
			slog.String("channel", channelKey),
		)
		return p.DefaultServerKey
	}

	return body.ServerKey
}

// resolveIndirect calls the provider's stream API and returns the manifest
// URL it reports.
func (r *Resolver) resolveIndirect(ctx context.Context, p *Provider, channelKey string) (string, error) {
	apiURL := strings.TrimRight(p.APIBaseURL, "/") + "?id=" + url.QueryEscape(channelKey)

	resp, err := r.client.Get(ctx, apiURL)
	if err != nil {
		return "", models.NewStreamError(models.ClassNetwork, "stream api request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", models.NewStreamError(models.ClassNetwork,
			fmt.Sprintf("stream api returned HTTP %d", resp.StatusCode), nil)
	}

	var body struct {
		Success   bool   `json:"success"`
		StreamURL string `json:"streamUrl"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", models.NewStreamError(models.ClassNetwork, "stream api body malformed", err)
	}

	if !body.Success || body.StreamURL == "" {
		if isNotLiveMessage(body.Error) {
			return "", models.NewStreamError(models.ClassNotLive, body.Error, nil)
		}
		msg := body.Error
		if msg == "" {
			msg = "stream api reported failure"
		}
		return "", models.NewStreamError(models.ClassNetwork, msg, nil)
	}

	return body.StreamURL, nil
}

// isNotLiveMessage reports whether an indirection API error means the
// content window is not active yet. Trying another backend will not change
// a not-yet-live event, so these are never failed over.
func isNotLiveMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "offline") || strings.Contains(lower, "not live")
}

// BuildManifestURL builds the manifest URL for a backend deterministically
// from the server key and channel key. Pure function.
func BuildManifestURL(backend Backend, serverKey, channelKey string, skip []string) string {
	style := backend.Style
	if style == PathMono && strings.Contains(serverKey, "/") {
		// Path-shaped server keys only exist on the legacy layout.
		style = PathNested
	}

	var u string
	switch style {
	case PathNested:
		// Legacy origin: the server key itself is a nested path segment
		// (e.g. "top1/cdn") and the playlist lives underneath it.
		head := serverKey
		if idx := strings.Index(serverKey, "/"); idx > 0 {
			head = serverKey[:idx]
		}
		u = fmt.Sprintf("https://%s.%s/%s/%s/playlist.m3u8", head, backend.CDNDomain, serverKey, channelKey)
	case PathDirect:
		u = fmt.Sprintf("https://%s/live/%s/index.m3u8", backend.CDNDomain, channelKey)
	default:
		u = fmt.Sprintf("https://%snew.%s/%s/%s/mono.m3u8", serverKey, backend.CDNDomain, serverKey, channelKey)
	}

	if len(skip) > 0 {
		u += "?skip=" + url.QueryEscape(strings.Join(skip, ","))
	}
	return u
}
