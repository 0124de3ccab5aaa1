package keyauth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flyxtv/flyxd/internal/config"
	"github.com/flyxtv/flyxd/internal/models"
	"github.com/flyxtv/flyxd/pkg/httpclient"
)

// keySize is the AES-128 key length the key server returns.
const keySize = 16

// Client performs the full key handshake: solve the proof of work, sign the
// claim, fetch the raw key bytes.
type Client struct {
	http   *httpclient.Client
	cfg    config.KeyAuthConfig
	logger *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewClient creates a key auth client.
func NewClient(httpClient *httpclient.Client, cfg config.KeyAuthConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, cfg: cfg, logger: logger, now: time.Now}
}

// FetchKey solves a fresh proof for (channelKey, keyNumber) and retrieves
// the 16-byte decryption key. Every failure along the way is a decryption
// class error, which makes the whole handshake retryable on another
// backend.
func (c *Client) FetchKey(ctx context.Context, channelKey, keyNumber string) ([]byte, error) {
	if c.cfg.BaseURL == "" {
		return nil, models.NewStreamError(models.ClassDecryption, "key server not configured", nil)
	}

	timestamp := c.now().Unix()
	proof, err := Solve(c.cfg.Secret, channelKey, keyNumber, timestamp, c.cfg.IterationCap, c.cfg.Threshold)
	if err != nil {
		return nil, models.NewStreamError(models.ClassDecryption, "solving key proof", err)
	}

	token, err := BuildToken(c.cfg.Secret, proof, c.cfg.TokenTTL)
	if err != nil {
		return nil, models.NewStreamError(models.ClassDecryption, "signing key token", err)
	}

	keyURL := strings.TrimRight(c.cfg.BaseURL, "/") + "/key/" +
		url.PathEscape(channelKey) + "/" + url.PathEscape(keyNumber)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return nil, models.NewStreamError(models.ClassDecryption, "building key request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Key-Timestamp", strconv.FormatInt(proof.Timestamp, 10))
	req.Header.Set("X-Key-Nonce", strconv.Itoa(proof.Nonce))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, models.NewStreamError(models.ClassDecryption, "key request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, models.NewStreamError(models.ClassDecryption,
			fmt.Sprintf("key server returned HTTP %d", resp.StatusCode), nil)
	}

	key, err := io.ReadAll(io.LimitReader(resp.Body, keySize+1))
	if err != nil {
		return nil, models.NewStreamError(models.ClassDecryption, "reading key body", err)
	}
	if len(key) != keySize {
		return nil, models.NewStreamError(models.ClassDecryption,
			fmt.Sprintf("key server returned %d bytes, want %d", len(key), keySize), nil)
	}

	c.logger.Debug("fetched decryption key",
		slog.String("channel", channelKey),
		slog.String("key_number", keyNumber),
		slog.Int("nonce", proof.Nonce),
	)
	return key, nil
}
