package analytics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyxtv/flyxd/internal/config"
	"github.com/flyxtv/flyxd/internal/models"
	"github.com/flyxtv/flyxd/pkg/httpclient"
)

func testSource() models.StreamSource {
	return models.StreamSource{Type: models.ProviderDLHD, ChannelID: "premium123", Title: "Test Event"}
}

func TestReporterSendsEvents(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var events []sessionEvent

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev sessionEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		paths = append(paths, r.URL.Path)
		events = append(events, ev)
		mu.Unlock()
	}))
	defer srv.Close()

	r := NewReporter(httpclient.New(httpclient.Config{Timeout: 5 * time.Second}), config.AnalyticsConfig{
		Enabled: true,
		BaseURL: srv.URL,
	}, nil)

	r.SessionBegin("sess-1", testSource(), "dlhd")
	r.SessionEnd("sess-1", testSource())
	r.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.ElementsMatch(t, []string{"/session/begin", "/session/end"}, paths)
	for _, ev := range events {
		assert.Equal(t, "sess-1", ev.SessionID)
		assert.Equal(t, "dlhd", ev.Provider)
		assert.Equal(t, "premium123", ev.ChannelID)
	}
}

func TestReporterDisabledIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected when analytics is disabled")
	}))
	defer srv.Close()

	r := NewReporter(httpclient.New(httpclient.Config{Timeout: time.Second}), config.AnalyticsConfig{
		Enabled: false,
		BaseURL: srv.URL,
	}, nil)

	r.SessionBegin("sess-1", testSource(), "dlhd")
	r.SessionEnd("sess-1", testSource())
	r.Flush()
}

func TestReporterFailureIsSilent(t *testing.T) {
	r := NewReporter(httpclient.New(httpclient.Config{Timeout: time.Second}), config.AnalyticsConfig{
		Enabled: true,
		BaseURL: "http://127.0.0.1:1",
		Timeout: 500 * time.Millisecond,
	}, nil)

	// Must not panic or block beyond the timeout.
	r.SessionBegin("sess-1", testSource(), "dlhd")
	r.Flush()
}
