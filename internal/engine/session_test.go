package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyxtv/flyxd/internal/config"
	"github.com/flyxtv/flyxd/internal/models"
	"github.com/flyxtv/flyxd/internal/resolver"
	"github.com/flyxtv/flyxd/pkg/httpclient"
)

const mediaPlaylist = "#EXTM3U\n" +
	"#EXT-X-VERSION:3\n" +
	"#EXT-X-TARGETDURATION:6\n" +
	"#EXT-X-MEDIA-SEQUENCE:100\n" +
	"#EXTINF:6.000,\n" +
	"seg100.ts\n"

// fakeResolver serves canned manifest URLs per backend and records the
// skip hints it was handed.
type fakeResolver struct {
	provider *resolver.Provider

	mu    sync.Mutex
	urls  map[string]string
	errs  map[string]error
	skips map[string][]string
}

func (f *fakeResolver) Provider(t models.ProviderType) (*resolver.Provider, error) {
	return f.provider, nil
}

func (f *fakeResolver) ResolveManifest(_ context.Context, _ models.StreamSource, backend resolver.Backend, skip []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skips[backend.ID] = append([]string(nil), skip...)
	if err, ok := f.errs[backend.ID]; ok {
		return "", err
	}
	return f.urls[backend.ID], nil
}

func (f *fakeResolver) skipFor(backendID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skips[backendID]
}

type recordingSink struct {
	mu       sync.Mutex
	playURLs []string
	tunings  []PlayerTuning
	unmutes  int
	pauses   int
	detaches int
}

func (r *recordingSink) PlayMuted(url string, tuning PlayerTuning) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playURLs = append(r.playURLs, url)
	r.tunings = append(r.tunings, tuning)
	return nil
}

func (r *recordingSink) Unmute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unmutes++
}

func (r *recordingSink) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses++
}

func (r *recordingSink) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detaches++
}

func (r *recordingSink) lastPlayURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.playURLs) == 0 {
		return ""
	}
	return r.playURLs[len(r.playURLs)-1]
}

func (r *recordingSink) lastTuning() PlayerTuning {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tunings) == 0 {
		return PlayerTuning{}
	}
	return r.tunings[len(r.tunings)-1]
}

func (r *recordingSink) pauseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pauses
}

func (r *recordingSink) detachCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detaches
}

func testEngineConfig() *config.Config {
	return &config.Config{
		Playback: config.PlaybackConfig{
			ManifestTimeout: 2 * time.Second,
			FragmentTimeout: 2 * time.Second,
			UnmuteDelay:     10 * time.Millisecond,
			GapTolerance:    4 * time.Second,
			LiveSyncTrail:   3,
			ForwardBuffer:   config.Duration(90 * time.Second),
			MaxBuffer:       config.Duration(3 * time.Minute),
			MaxBufferBytes:  config.ByteSize(60 << 20),
		},
		Failover: config.FailoverConfig{Cooldown: 10 * time.Millisecond},
	}
}

func newTestEngine(res ManifestResolver) *Engine {
	client := httpclient.New(httpclient.Config{Timeout: 5 * time.Second})
	return New(res, nil, client, nil, testEngineConfig(), nil)
}

// newManifestServer serves a one-segment media playlist, delaying the
// playlist response by delay.
func newManifestServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			if delay > 0 {
				time.Sleep(delay)
			}
			w.Write([]byte(mediaPlaylist))
		case strings.HasSuffix(r.URL.Path, ".ts"):
			w.Write([]byte("ts-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
}

func threeBackendProvider() *resolver.Provider {
	return &resolver.Provider{
		Type: models.ProviderDLHD,
		Backends: []resolver.Backend{
			{ID: "a", DisplayName: "Alpha"},
			{ID: "b", DisplayName: "Beta"},
			{ID: "c", DisplayName: "Gamma"},
		},
		Failover: true,
	}
}

func waitForState(t *testing.T, s *Session, want models.PlaybackState) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = s.Snapshot()
		return snap.State == want
	}, 5*time.Second, 10*time.Millisecond, "session never reached state %s (last: %s, err: %s)", want, snap.State, snap.Error)
	return snap
}

func TestFailoverAdvancesToHealthyBackend(t *testing.T) {
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a playlist"))
	}))
	defer garbage.Close()

	delay := 100 * time.Millisecond
	healthy := newManifestServer(t, delay)
	defer healthy.Close()

	res := &fakeResolver{
		provider: threeBackendProvider(),
		urls: map[string]string{
			"a": "http://127.0.0.1:1/mono.m3u8",
			"b": garbage.URL + "/mono.m3u8",
			"c": healthy.URL + "/mono.m3u8",
		},
		skips: map[string][]string{},
	}

	sink := &recordingSink{}
	session := newTestEngine(res).NewSession(models.StreamSource{Type: models.ProviderDLHD, ChannelID: "premium1"}, sink)
	require.NoError(t, session.Start(context.Background()))
	defer session.Stop()

	snap := waitForState(t, session, models.StatePlaying)

	assert.Equal(t, "c", snap.Active)
	require.Len(t, snap.Backends, 3)
	assert.Equal(t, models.BackendFailed, snap.Backends[0].Status)
	assert.NotEmpty(t, snap.Backends[0].Error)
	assert.Equal(t, models.BackendFailed, snap.Backends[1].Status)
	assert.Equal(t, models.BackendSuccess, snap.Backends[2].Status)
	assert.GreaterOrEqual(t, snap.Backends[2].Elapsed, delay)

	// The winning attempt carried the prior failures as skip hints.
	assert.Equal(t, []string{"a", "b"}, res.skipFor("c"))

	// The sink got the fingerprint-tagged URL and the buffering tuning.
	assert.Contains(t, sink.lastPlayURL(), "fp="+session.Fingerprint)
	tuning := sink.lastTuning()
	assert.Equal(t, 90*time.Second, tuning.ForwardBuffer)
	assert.Equal(t, 3*time.Minute, tuning.MaxBuffer)
	assert.Equal(t, int64(60<<20), tuning.MaxBufferBytes)
	assert.Equal(t, 4*time.Second, tuning.GapTolerance)
	assert.Equal(t, 3, tuning.LiveSyncTrail)
	require.NotNil(t, snap.Tuning)
	assert.Equal(t, tuning, *snap.Tuning)
}

func TestExhaustionListsBackendsInOrder(t *testing.T) {
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("nope"))
	}))
	defer garbage.Close()

	res := &fakeResolver{
		provider: threeBackendProvider(),
		urls: map[string]string{
			"a": garbage.URL + "/a.m3u8",
			"b": garbage.URL + "/b.m3u8",
			"c": garbage.URL + "/c.m3u8",
		},
		skips: map[string][]string{},
	}

	session := newTestEngine(res).NewSession(models.StreamSource{Type: models.ProviderDLHD, ChannelID: "premium1"}, nil)
	require.NoError(t, session.Start(context.Background()))
	defer session.Stop()

	snap := waitForState(t, session, models.StateFailed)
	assert.Equal(t, "all backends failed (Alpha, Beta, Gamma)", snap.Error)
	for _, st := range snap.Backends {
		assert.Equal(t, models.BackendFailed, st.Status)
	}
}

func TestNotLiveDoesNotFailOver(t *testing.T) {
	res := &fakeResolver{
		provider: threeBackendProvider(),
		errs: map[string]error{
			"a": models.NewStreamError(models.ClassNotLive, "event has not started", nil),
		},
		urls:  map[string]string{},
		skips: map[string][]string{},
	}

	session := newTestEngine(res).NewSession(models.StreamSource{Type: models.ProviderDLHD, ChannelID: "premium1"}, nil)
	require.NoError(t, session.Start(context.Background()))
	defer session.Stop()

	snap := waitForState(t, session, models.StateFailed)
	assert.Contains(t, snap.Error, "event has not started")

	// Remaining candidates were never attempted.
	require.Len(t, snap.Backends, 3)
	assert.Equal(t, models.BackendFailed, snap.Backends[0].Status)
	assert.Equal(t, models.BackendPending, snap.Backends[1].Status)
	assert.Equal(t, models.BackendPending, snap.Backends[2].Status)
	assert.Nil(t, res.skipFor("b"))
}

func TestNextBackendCheckingDuringCooldown(t *testing.T) {
	healthy := newManifestServer(t, 0)
	defer healthy.Close()

	res := &fakeResolver{
		provider: threeBackendProvider(),
		urls: map[string]string{
			"a": "http://127.0.0.1:1/mono.m3u8",
			"b": healthy.URL + "/mono.m3u8",
		},
		skips: map[string][]string{},
	}

	cfg := testEngineConfig()
	cfg.Failover.Cooldown = 400 * time.Millisecond
	client := httpclient.New(httpclient.Config{Timeout: 5 * time.Second})
	session := New(res, nil, client, nil, cfg, nil).
		NewSession(models.StreamSource{Type: models.ProviderDLHD, ChannelID: "premium1"}, nil)
	require.NoError(t, session.Start(context.Background()))
	defer session.Stop()

	// While the cooldown after a's failure runs, the next candidate
	// already reads as checking; telemetry never shows a dead window.
	require.Eventually(t, func() bool {
		snap := session.Snapshot()
		return len(snap.Backends) == 3 &&
			snap.Backends[0].Status == models.BackendFailed &&
			snap.Backends[1].Status == models.BackendChecking &&
			snap.ManifestURL == ""
	}, 5*time.Second, 5*time.Millisecond)

	waitForState(t, session, models.StatePlaying)
}

func TestStopIdempotent(t *testing.T) {
	healthy := newManifestServer(t, 0)
	defer healthy.Close()

	res := &fakeResolver{
		provider: threeBackendProvider(),
		urls:     map[string]string{"a": healthy.URL + "/mono.m3u8"},
		skips:    map[string][]string{},
	}

	sink := &recordingSink{}
	session := newTestEngine(res).NewSession(models.StreamSource{Type: models.ProviderDLHD, ChannelID: "premium1"}, sink)
	require.NoError(t, session.Start(context.Background()))
	waitForState(t, session, models.StatePlaying)

	session.Stop()
	session.Stop()
	session.Stop()

	assert.Equal(t, 1, sink.pauseCount())
	assert.Equal(t, 1, sink.detachCount())
	select {
	case <-session.Done():
	default:
		t.Fatal("Done channel not closed after Stop")
	}
}

func TestSwitchBackendCancelsInFlight(t *testing.T) {
	requestCancelled := make(chan struct{}, 1)
	hanging := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		select {
		case requestCancelled <- struct{}{}:
		default:
		}
	}))
	defer hanging.Close()

	healthy := newManifestServer(t, 0)
	defer healthy.Close()

	res := &fakeResolver{
		provider: threeBackendProvider(),
		urls: map[string]string{
			"a": hanging.URL + "/mono.m3u8",
			"c": healthy.URL + "/mono.m3u8",
		},
		skips: map[string][]string{},
	}

	session := newTestEngine(res).NewSession(models.StreamSource{Type: models.ProviderDLHD, ChannelID: "premium1"}, nil)
	require.NoError(t, session.Start(context.Background()))
	defer session.Stop()

	// Give the first attempt time to get stuck on backend a.
	require.Eventually(t, func() bool {
		snap := session.Snapshot()
		return len(snap.Backends) == 3 && snap.Backends[0].Status == models.BackendChecking
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, session.SwitchBackend(context.Background(), "c"))

	snap := waitForState(t, session, models.StatePlaying)
	assert.Equal(t, "c", snap.Active)
	require.Len(t, snap.Backends, 1, "a manual switch pins the load to one backend")
	assert.Equal(t, "c", snap.Backends[0].ID)

	select {
	case <-requestCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request was not cancelled by the switch")
	}
}

func TestSwitchBackendFailureIsTerminal(t *testing.T) {
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a playlist"))
	}))
	defer garbage.Close()

	healthy := newManifestServer(t, 0)
	defer healthy.Close()

	res := &fakeResolver{
		provider: threeBackendProvider(),
		urls: map[string]string{
			"a": "http://127.0.0.1:1/mono.m3u8",
			"b": garbage.URL + "/mono.m3u8",
			"c": healthy.URL + "/mono.m3u8",
		},
		skips: map[string][]string{},
	}

	session := newTestEngine(res).NewSession(models.StreamSource{Type: models.ProviderDLHD, ChannelID: "premium1"}, nil)
	require.NoError(t, session.Start(context.Background()))
	defer session.Stop()

	waitForState(t, session, models.StatePlaying)

	// Pin the session to the broken backend. Its failure must end the
	// load; the healthy backend is not a fallback here.
	require.NoError(t, session.SwitchBackend(context.Background(), "b"))

	snap := waitForState(t, session, models.StateFailed)
	require.Len(t, snap.Backends, 1)
	assert.Equal(t, "b", snap.Backends[0].ID)
	assert.Equal(t, models.BackendFailed, snap.Backends[0].Status)
	assert.NotEmpty(t, snap.Error)
	assert.Equal(t, "", snap.Active)
}

func TestSwitchBackendUnknownID(t *testing.T) {
	res := &fakeResolver{
		provider: threeBackendProvider(),
		urls:     map[string]string{},
		skips:    map[string][]string{},
	}
	session := newTestEngine(res).NewSession(models.StreamSource{Type: models.ProviderDLHD, ChannelID: "premium1"}, nil)
	err := session.SwitchBackend(context.Background(), "zz")
	assert.Error(t, err)
}

func TestSingleBackendProviderNeverFailsOver(t *testing.T) {
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("nope"))
	}))
	defer garbage.Close()

	res := &fakeResolver{
		provider: &resolver.Provider{
			Type: models.ProviderWikiSport,
			Backends: []resolver.Backend{
				{ID: "wikisport", DisplayName: "WikiSport"},
			},
		},
		urls:  map[string]string{"wikisport": garbage.URL + "/index.m3u8"},
		skips: map[string][]string{},
	}

	session := newTestEngine(res).NewSession(models.StreamSource{Type: models.ProviderWikiSport, ChannelID: "ch1"}, nil)
	require.NoError(t, session.Start(context.Background()))
	defer session.Stop()

	snap := waitForState(t, session, models.StateFailed)
	assert.Contains(t, snap.Error, "parsing manifest")
}

func TestManagerLifecycle(t *testing.T) {
	healthy := newManifestServer(t, 0)
	defer healthy.Close()

	res := &fakeResolver{
		provider: threeBackendProvider(),
		urls:     map[string]string{"a": healthy.URL + "/mono.m3u8"},
		skips:    map[string][]string{},
	}

	m := NewManager(newTestEngine(res), 1)

	source := models.StreamSource{Type: models.ProviderDLHD, ChannelID: "premium1"}
	first, err := m.Create(context.Background(), source, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())

	_, err = m.Create(context.Background(), source, nil)
	assert.ErrorIs(t, err, ErrTooManySessions)

	got, err := m.Get(first.ID)
	require.NoError(t, err)
	assert.Same(t, first, got)

	require.NoError(t, m.Stop(first.ID))
	assert.Equal(t, 0, m.Count())
	_, err = m.Get(first.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	second, err := m.Create(context.Background(), source, nil)
	require.NoError(t, err)
	defer second.Stop()
	assert.NotEqual(t, first.ID, second.ID)
}

func TestManagerRejectsUnknownProvider(t *testing.T) {
	m := NewManager(newTestEngine(&fakeResolver{skips: map[string][]string{}}), 0)
	_, err := m.Create(context.Background(), models.StreamSource{Type: "bogus", ChannelID: "x"}, nil)
	assert.Error(t, err)
}
