package geocode

import (
	"context"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Google resolves addresses through the Google Maps Geocoding and Places
// Autocomplete APIs.
type Google struct {
	client *maps.Client
}

// NewGoogle creates a Google provider with the given API key.
func NewGoogle(apiKey string) (*Google, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Google{client: client}, nil
}

func (g *Google) Search(ctx context.Context, address string) ([]models.Coord, error) {
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address})
	if err != nil {
		observability.GeocodeRequests.WithLabelValues("google", "error").Inc()
		return nil, fmt.Errorf("geocoding api error: %w", err)
	}
	out := make([]models.Coord, 0, len(results))
	for _, r := range results {
		out = append(out, models.Coord{Lat: r.Geometry.Location.Lat, Lng: r.Geometry.Location.Lng})
	}
	result := "hit"
	if len(out) == 0 {
		result = "miss"
	}
	observability.GeocodeRequests.WithLabelValues("google", result).Inc()
	return out, nil
}

func (g *Google) Suggest(ctx context.Context, input string) ([]string, error) {
	if len(strings.TrimSpace(input)) < MinSuggestInput {
		return []string{}, nil
	}
	resp, err := g.client.PlaceAutocomplete(ctx, &maps.PlaceAutocompleteRequest{Input: input})
	if err != nil {
		return nil, fmt.Errorf("places autocomplete error: %w", err)
	}
	out := make([]string, 0, len(resp.Predictions))
	for _, p := range resp.Predictions {
		out = append(out, p.Description)
		if len(out) == 5 {
			break
		}
	}
	return out, nil
}
