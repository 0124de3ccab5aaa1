package engine

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/flyxtv/flyxd/internal/models"
)

// maxManifestBytes bounds playlist downloads.
const maxManifestBytes = 256 * 1024

// manifestResult is the outcome of a successful acquisition: a playable
// media playlist plus what the probe learned about it.
type manifestResult struct {
	// URL is the final media playlist URL after any multivariant hop.
	URL            string
	TargetDuration int
	SegmentCount   int
	Encrypted      bool
	// Key holds the fetched decryption key when the playlist is encrypted
	// and a key server is configured.
	Key []byte
}

// acquireManifest drives the acquisition state machine for one backend:
// fetch the playlist, follow a multivariant to its first variant, verify
// segments exist, probe the first fragment, and complete the key handshake
// for encrypted playlists. Errors come back classified so the failover
// controller can decide whether to advance.
func (e *Engine) acquireManifest(ctx context.Context, source models.StreamSource, manifestURL string) (*manifestResult, error) {
	body, err := e.fetchWithRetries(ctx, manifestURL, e.cfg.Playback.ManifestTimeout, e.cfg.Playback.ManifestRetries, 0)
	if err != nil {
		return nil, models.NewStreamError(models.ClassNetwork, "fetching manifest", err)
	}

	pl, err := playlist.Unmarshal(body)
	if err != nil {
		return nil, models.NewStreamError(models.ClassManifest, "parsing manifest", err)
	}

	media, mediaURL, err := e.resolveMedia(ctx, pl, manifestURL)
	if err != nil {
		return nil, err
	}

	if len(media.Segments) == 0 {
		return nil, models.NewStreamError(models.ClassManifest, "manifest has no segments", nil)
	}

	result := &manifestResult{
		URL:            mediaURL,
		TargetDuration: media.TargetDuration,
		SegmentCount:   len(media.Segments),
	}

	var keyNumber string
	for _, seg := range media.Segments {
		if seg != nil && seg.Key != nil {
			result.Encrypted = true
			keyNumber = keyNumberFromURI(seg.Key.URI)
			break
		}
	}

	first := media.Segments[0]
	fragURL := absolutizeURL(mediaURL, first.URI)
	if _, err := e.fetchWithRetries(ctx, fragURL, e.cfg.Playback.FragmentTimeout, e.cfg.Playback.FragmentRetries, e.cfg.Playback.FragmentRetryDelay); err != nil {
		return nil, models.NewStreamError(models.ClassNetwork, "probing first fragment", err)
	}

	if result.Encrypted && e.keys != nil {
		key, err := e.keys.FetchKey(ctx, source.ChannelID, keyNumber)
		if err != nil {
			return nil, err
		}
		result.Key = key
	}

	return result, nil
}

// resolveMedia follows a multivariant playlist to its first variant. A
// media playlist passes through unchanged.
func (e *Engine) resolveMedia(ctx context.Context, pl playlist.Playlist, manifestURL string) (*playlist.Media, string, error) {
	switch p := pl.(type) {
	case *playlist.Media:
		return p, manifestURL, nil

	case *playlist.Multivariant:
		if len(p.Variants) == 0 {
			return nil, "", models.NewStreamError(models.ClassManifest, "multivariant playlist has no variants", nil)
		}

		variantURL := absolutizeURL(manifestURL, p.Variants[0].URI)
		body, err := e.fetchWithRetries(ctx, variantURL, e.cfg.Playback.ManifestTimeout, e.cfg.Playback.ManifestRetries, 0)
		if err != nil {
			return nil, "", models.NewStreamError(models.ClassNetwork, "fetching variant manifest", err)
		}

		inner, err := playlist.Unmarshal(body)
		if err != nil {
			return nil, "", models.NewStreamError(models.ClassManifest, "parsing variant manifest", err)
		}
		media, ok := inner.(*playlist.Media)
		if !ok {
			return nil, "", models.NewStreamError(models.ClassManifest, "variant is not a media playlist", nil)
		}
		return media, variantURL, nil

	default:
		return nil, "", models.NewStreamError(models.ClassManifest, "unsupported playlist type", nil)
	}
}

// fetchWithRetries fetches a URL with a per-attempt timeout and a bounded
// retry budget. retries is the number of additional attempts after the
// first.
func (e *Engine) fetchWithRetries(ctx context.Context, fetchURL string, timeout time.Duration, retries int, delay time.Duration) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := e.fetchOnce(ctx, fetchURL, timeout)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (e *Engine) fetchOnce(ctx context.Context, fetchURL string, timeout time.Duration) ([]byte, error) {
	fetchCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := e.client.Get(fetchCtx, fetchURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
}

// keyNumberFromURI extracts the trailing path segment of a key URI, which
// identifies the key slot on the key server.
func keyNumberFromURI(uri string) string {
	trimmed := strings.TrimRight(uri, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// absolutizeURL converts a relative URL to absolute based on the playlist URL.
func absolutizeURL(playlistURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}

	base, err := url.Parse(playlistURL)
	if err != nil {
		if idx := strings.LastIndex(playlistURL, "/"); idx >= 0 {
			return playlistURL[:idx+1] + ref
		}
		return ref
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
