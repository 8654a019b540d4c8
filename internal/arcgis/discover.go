package arcgis

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/fetcher"
)

// LayerInfo describes one layer advertised by a feature service.
type LayerInfo struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	GeometryType string `json:"geometryType,omitempty"`
}

// ServiceManifest records what discovery learned about one configured
// service. Errors are captured per service so a dead provider does not hide
// the live ones.
type ServiceManifest struct {
	Service      string      `json:"service"`
	URL          string      `json:"url"`
	ResolvedURL  string      `json:"resolved_url"`
	FallbackUsed bool        `json:"fallback_used"`
	Layers       []LayerInfo `json:"layers,omitempty"`
	Error        string      `json:"error,omitempty"`
}

type serviceInfo struct {
	Error  *apiError   `json:"error"`
	Layers []LayerInfo `json:"layers"`
}

// trailing layer index on a configured URL, e.g. .../FeatureServer/0
var layerSuffixRe = regexp.MustCompile(`/\d+$`)

// Discover enumerates the layers of each configured service and reports the
// resolved host used to reach it.
func Discover(ctx context.Context, client *fetcher.Client, resolver *HostResolver, services []config.ArcGISService) []ServiceManifest {
	manifests := make([]ServiceManifest, 0, len(services))
	for _, svc := range services {
		resolved := resolver.Resolve(ctx, svc.URL)
		manifest := ServiceManifest{
			Service:      svc.Name,
			URL:          svc.URL,
			ResolvedURL:  resolved.ResolvedURL,
			FallbackUsed: resolved.FallbackUsed,
		}

		root := serviceRoot(resolved.ResolvedURL)
		info, err := fetcher.GetJSON[serviceInfo](ctx, client, fetcher.FamilyArcGIS, root, fetcher.RequestOptions{
			Params: url.Values{"f": {"json"}},
		})
		switch {
		case err != nil:
			manifest.Error = err.Error()
		case info.Error != nil:
			manifest.Error = info.Error.Message
		default:
			manifest.Layers = info.Layers
		}

		if manifest.Error != "" {
			zap.L().Warn("arcgis: service discovery failed",
				zap.String("service", svc.Name),
				zap.String("error", manifest.Error),
			)
		}
		manifests = append(manifests, manifest)
	}
	return manifests
}

// serviceRoot strips a trailing layer index so discovery queries the service
// document rather than one layer.
func serviceRoot(serviceURL string) string {
	trimmed := strings.TrimRight(serviceURL, "/")
	return layerSuffixRe.ReplaceAllString(trimmed, "")
}
