package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyxtv/flyxd/internal/config"
	"github.com/flyxtv/flyxd/internal/models"
	"github.com/flyxtv/flyxd/pkg/httpclient"
)

func newTestResolver(t *testing.T, cfg config.ResolverConfig) *Resolver {
	t.Helper()
	client := httpclient.New(httpclient.Config{
		Timeout: 5 * time.Second,
	})
	return New(client, cfg, nil)
}

func TestBuildManifestURL(t *testing.T) {
	mono := Backend{ID: "dlhd", CDNDomain: "newkso.ru", Style: PathMono}
	nested := Backend{ID: "forced", CDNDomain: "forcedtoplay.xyz", Style: PathNested}
	direct := Backend{ID: "wikisport", CDNDomain: "wikisport.best", Style: PathDirect}

	tests := []struct {
		name      string
		backend   Backend
		serverKey string
		channel   string
		skip      []string
		want      string
	}{
		{
			name:      "standard layout",
			backend:   mono,
			serverKey: "wind",
			channel:   "premium123",
			want:      "https://windnew.newkso.ru/wind/premium123/mono.m3u8",
		},
		{
			name:      "standard layout with skip hint",
			backend:   mono,
			serverKey: "zeko",
			channel:   "premium123",
			skip:      []string{"dlhd", "topembed"},
			want:      "https://zekonew.newkso.ru/zeko/premium123/mono.m3u8?skip=dlhd%2Ctopembed",
		},
		{
			name:      "path-shaped server key forces legacy layout",
			backend:   mono,
			serverKey: "top1/cdn",
			channel:   "premium123",
			want:      "https://top1.newkso.ru/top1/cdn/premium123/playlist.m3u8",
		},
		{
			name:      "nested legacy layout",
			backend:   nested,
			serverKey: "top1/cdn",
			channel:   "premium456",
			want:      "https://top1.forcedtoplay.xyz/top1/cdn/premium456/playlist.m3u8",
		},
		{
			name:      "direct layout ignores server key",
			backend:   direct,
			serverKey: "whatever",
			channel:   "ch9",
			want:      "https://wikisport.best/live/ch9/index.m3u8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildManifestURL(tt.backend, tt.serverKey, tt.channel, tt.skip)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildManifestURLDeterministic(t *testing.T) {
	b := Backend{ID: "dlhd", CDNDomain: "newkso.ru", Style: PathMono}
	first := BuildManifestURL(b, "wind", "premium1", nil)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, BuildManifestURL(b, "wind", "premium1", nil))
	}
}

func TestLookupServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/server_lookup", r.URL.Path)
		assert.Equal(t, "premium7", r.URL.Query().Get("channel_id"))
		w.Write([]byte(`{"server_key": "wind"}`))
	}))
	defer srv.Close()

	r := newTestResolver(t, config.ResolverConfig{LookupBaseURL: srv.URL})
	p, err := r.Provider(models.ProviderDLHD)
	require.NoError(t, err)

	key := r.LookupServer(context.Background(), p, "premium7")
	assert.Equal(t, "wind", key)
}

func TestLookupServerFallsBackSilently(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-2xx status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
		},
		{
			name: "empty server key",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"server_key": ""}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			r := newTestResolver(t, config.ResolverConfig{LookupBaseURL: srv.URL})
			p, err := r.Provider(models.ProviderDLHD)
			require.NoError(t, err)

			key := r.LookupServer(context.Background(), p, "premium7")
			assert.Equal(t, "top1/cdn", key)
		})
	}
}

func TestLookupServerUnreachableHost(t *testing.T) {
	r := newTestResolver(t, config.ResolverConfig{
		LookupBaseURL: "http://127.0.0.1:1",
		LookupTimeout: 500 * time.Millisecond,
	})
	p, err := r.Provider(models.ProviderDLHD)
	require.NoError(t, err)

	key := r.LookupServer(context.Background(), p, "premium7")
	assert.Equal(t, "top1/cdn", key)
}

func TestResolveManifestIndirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ch12", r.URL.Query().Get("id"))
		w.Write([]byte(`{"success": true, "streamUrl": "https://edge.example.com/ch12/live.m3u8"}`))
	}))
	defer srv.Close()

	orig := providers[models.ProviderStreamBTW].APIBaseURL
	providers[models.ProviderStreamBTW].APIBaseURL = srv.URL
	defer func() { providers[models.ProviderStreamBTW].APIBaseURL = orig }()

	r := newTestResolver(t, config.ResolverConfig{})
	source := models.StreamSource{Type: models.ProviderStreamBTW, ChannelID: "ch12"}
	backend := providers[models.ProviderStreamBTW].Backends[0]

	u, err := r.ResolveManifest(context.Background(), source, backend, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://edge.example.com/ch12/live.m3u8", u)
}

func TestResolveManifestIndirectNotLive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "error": "Stream is offline"}`))
	}))
	defer srv.Close()

	orig := providers[models.ProviderStreamBTW].APIBaseURL
	providers[models.ProviderStreamBTW].APIBaseURL = srv.URL
	defer func() { providers[models.ProviderStreamBTW].APIBaseURL = orig }()

	r := newTestResolver(t, config.ResolverConfig{})
	source := models.StreamSource{Type: models.ProviderStreamBTW, ChannelID: "ch12"}
	backend := providers[models.ProviderStreamBTW].Backends[0]

	_, err := r.ResolveManifest(context.Background(), source, backend, nil)
	require.Error(t, err)
	assert.Equal(t, models.ClassNotLive, models.ClassOf(err))
}

func TestProviderCandidates(t *testing.T) {
	p, err := newTestResolver(t, config.ResolverConfig{}).Provider(models.ProviderDLHD)
	require.NoError(t, err)

	all := p.Candidates(nil)
	require.Len(t, all, 3)
	assert.Equal(t, "dlhd", all[0].ID)
	assert.Equal(t, "topembed", all[1].ID)
	assert.Equal(t, "forced", all[2].ID)

	remaining := p.Candidates([]string{"dlhd", "forced"})
	require.Len(t, remaining, 1)
	assert.Equal(t, "topembed", remaining[0].ID)
}

func TestProviderUnknown(t *testing.T) {
	_, err := newTestResolver(t, config.ResolverConfig{}).Provider(models.ProviderType("nope"))
	assert.Error(t, err)
}
