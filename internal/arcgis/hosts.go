// Package arcgis harvests postcode features from ArcGIS Online feature
// services, including resolution of the numbered services subdomains some
// org services migrate between.
package arcgis

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/fetcher"
)

// servicesHosts are the candidate subdomains org services are sharded
// across, probed in this order after the original host.
var servicesHosts = []string{
	"services.arcgis.com",
	"services1.arcgis.com",
	"services2.arcgis.com",
	"services3.arcgis.com",
	"services4.arcgis.com",
	"services5.arcgis.com",
	"services6.arcgis.com",
	"services7.arcgis.com",
	"services8.arcgis.com",
	"services9.arcgis.com",
}

func isServicesHost(host string) bool {
	for _, h := range servicesHosts {
		if host == h {
			return true
		}
	}
	return false
}

// ResolvedURL reports the outcome of service host resolution.
type ResolvedURL struct {
	OriginalURL    string
	ResolvedURL    string
	FallbackUsed   bool
	AttemptedHosts []string
}

// HostResolver probes candidate hosts for a service and caches the first
// working host per service path. Entries are write-once: a later failure
// against a cached host is not retried against other hosts within a run.
type HostResolver struct {
	client *fetcher.Client

	mu    sync.Mutex
	cache map[string]string
	// inflight serializes probes per service path so concurrent territories
	// cannot cache inconsistent hosts for the same service.
	inflight map[string]*sync.Mutex
}

// NewHostResolver creates a resolver with an empty cache.
func NewHostResolver(client *fetcher.Client) *HostResolver {
	return &HostResolver{
		client:   client,
		cache:    make(map[string]string),
		inflight: make(map[string]*sync.Mutex),
	}
}

// errorEnvelope is the minimal shape of an ArcGIS error response.
type errorEnvelope struct {
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

// isInvalidURL reports whether the payload is the "invalid url" rejection an
// org returns when a service lives on a different numbered subdomain.
func (e *errorEnvelope) isInvalidURL() bool {
	if e == nil || e.Error == nil {
		return false
	}
	text := strings.ToLower(e.Error.Message + " " + strings.Join(e.Error.Details, " "))
	return strings.Contains(text, "invalid url")
}

// Resolve maps a service URL to the host confirmed to serve it. Non-services
// hosts pass through untouched. When every candidate rejects the service the
// original URL is returned unchanged.
func (r *HostResolver) Resolve(ctx context.Context, serviceURL string) ResolvedURL {
	trimmed := strings.TrimRight(serviceURL, "/")
	parsed, err := url.Parse(trimmed)
	if err != nil || !isServicesHost(parsed.Host) {
		return ResolvedURL{
			OriginalURL:    serviceURL,
			ResolvedURL:    serviceURL,
			AttemptedHosts: []string{hostOf(parsed)},
		}
	}

	// Cache key is the service path so org/service stick together across
	// territories sharing a provider org.
	key := parsed.Path

	keyLock := r.lockFor(key)
	keyLock.Lock()
	defer keyLock.Unlock()

	r.mu.Lock()
	cached, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return ResolvedURL{
			OriginalURL:    serviceURL,
			ResolvedURL:    replaceHost(parsed, cached),
			FallbackUsed:   cached != parsed.Host,
			AttemptedHosts: []string{cached},
		}
	}

	candidates := make([]string, 0, len(servicesHosts)+1)
	candidates = append(candidates, parsed.Host)
	for _, h := range servicesHosts {
		if h != parsed.Host {
			candidates = append(candidates, h)
		}
	}

	var attempted []string
	for _, host := range candidates {
		attempted = append(attempted, host)
		candidate := replaceHost(parsed, host)

		payload := r.probe(ctx, candidate)
		if payload.isInvalidURL() {
			continue
		}

		r.mu.Lock()
		r.cache[key] = host
		r.mu.Unlock()

		if host != parsed.Host {
			zap.L().Info("arcgis: service host fallback",
				zap.String("service", key),
				zap.String("host", host),
			)
		}
		return ResolvedURL{
			OriginalURL:    serviceURL,
			ResolvedURL:    candidate,
			FallbackUsed:   host != parsed.Host,
			AttemptedHosts: attempted,
		}
	}

	// Every candidate rejected the service; keep the original URL.
	return ResolvedURL{
		OriginalURL:    serviceURL,
		ResolvedURL:    serviceURL,
		AttemptedHosts: attempted,
	}
}

// probe issues the f=pjson check against one candidate. Request failures are
// folded into a synthetic error payload: only an explicit "invalid url"
// rejection rules a host out.
func (r *HostResolver) probe(ctx context.Context, candidateURL string) *errorEnvelope {
	payload, err := fetcher.GetJSON[errorEnvelope](ctx, r.client, fetcher.FamilyArcGIS, candidateURL, fetcher.RequestOptions{
		Params: url.Values{"f": {"pjson"}},
	})
	if err != nil {
		return &errorEnvelope{Error: &apiError{Message: "probe_http_error"}}
	}
	return payload
}

func (r *HostResolver) lockFor(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.inflight[key]
	if !ok {
		m = &sync.Mutex{}
		r.inflight[key] = m
	}
	return m
}

func hostOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Host
}

func replaceHost(u *url.URL, host string) string {
	clone := *u
	clone.Host = host
	return clone.String()
}
