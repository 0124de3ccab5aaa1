package resolver

import "github.com/flyxtv/flyxd/internal/models"

// PathStyle selects the URL template an origin expects.
type PathStyle int

const (
	// PathMono is the standard single-file origin layout.
	PathMono PathStyle = iota
	// PathNested is the legacy layout with a nested server path.
	PathNested
	// PathDirect is a fixed per-channel path with no server key.
	PathDirect
	// PathIndirect means the manifest URL comes from a provider API call.
	PathIndirect
)

// Backend is one interchangeable origin for a provider. IDs are stable and
// appear in skip hints and API payloads; DisplayName is what users see in
// status and error messages.
type Backend struct {
	ID          string
	DisplayName string
	CDNDomain   string
	Style       PathStyle
}

// Provider describes a stream provider and its ordered backend candidates.
// The order of Backends is the failover order.
type Provider struct {
	Type             models.ProviderType
	Backends         []Backend
	Failover         bool
	RequiresKeyAuth  bool
	LookupBaseURL    string
	DefaultServerKey string
	APIBaseURL       string
}

// Candidates returns the ordered backends minus those in skip.
func (p *Provider) Candidates(skip []string) []Backend {
	skipped := make(map[string]struct{}, len(skip))
	for _, id := range skip {
		skipped[id] = struct{}{}
	}
	out := make([]Backend, 0, len(p.Backends))
	for _, b := range p.Backends {
		if _, ok := skipped[b.ID]; ok {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Backend returns the backend with the given ID.
func (p *Provider) Backend(id string) (Backend, bool) {
	for _, b := range p.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return Backend{}, false
}

var providers = map[models.ProviderType]*Provider{
	models.ProviderDLHD: {
		Type: models.ProviderDLHD,
		Backends: []Backend{
			{ID: "dlhd", DisplayName: "DLHD", CDNDomain: "newkso.ru", Style: PathMono},
			{ID: "topembed", DisplayName: "TopEmbed", CDNDomain: "topembed.pw", Style: PathMono},
			{ID: "forced", DisplayName: "ForcedToPlay", CDNDomain: "forcedtoplay.xyz", Style: PathNested},
		},
		Failover:         true,
		RequiresKeyAuth:  true,
		LookupBaseURL:    "https://top2new.newkso.ru",
		DefaultServerKey: "top1/cdn",
	},
	models.ProviderStreamBTW: {
		Type: models.ProviderStreamBTW,
		Backends: []Backend{
			{ID: "streambtw", DisplayName: "StreamBTW", Style: PathIndirect},
		},
		APIBaseURL: "https://streambtw.com/api/v1/stream",
	},
	models.ProviderWikiSport: {
		Type: models.ProviderWikiSport,
		Backends: []Backend{
			{ID: "wikisport", DisplayName: "WikiSport", CDNDomain: "wikisport.best", Style: PathDirect},
		},
	},
}
