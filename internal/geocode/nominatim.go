package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

// Nominatim queries an OpenStreetMap Nominatim search endpoint.
type Nominatim struct {
	Endpoint     string
	UserAgent    string
	CountryCodes string // applied to suggestions only
	Client       *http.Client
}

func NewNominatim(endpoint, userAgent, countryCodes string) *Nominatim {
	if endpoint == "" {
		endpoint = DefaultNominatimURL
	}
	return &Nominatim{
		Endpoint:     strings.TrimRight(endpoint, "/"),
		UserAgent:    userAgent,
		CountryCodes: countryCodes,
		Client:       &http.Client{Timeout: 5 * time.Second},
	}
}

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (n *Nominatim) Search(ctx context.Context, address string) ([]models.Coord, error) {
	places, err := n.search(ctx, url.Values{"q": {address}, "format": {"json"}, "limit": {"1"}})
	if err != nil {
		observability.GeocodeRequests.WithLabelValues("nominatim", "error").Inc()
		return nil, err
	}
	out := make([]models.Coord, 0, len(places))
	for _, p := range places {
		lat, err1 := strconv.ParseFloat(p.Lat, 64)
		lng, err2 := strconv.ParseFloat(p.Lon, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, models.Coord{Lat: lat, Lng: lng})
	}
	result := "hit"
	if len(out) == 0 {
		result = "miss"
	}
	observability.GeocodeRequests.WithLabelValues("nominatim", result).Inc()
	return out, nil
}

func (n *Nominatim) Suggest(ctx context.Context, input string) ([]string, error) {
	if len(strings.TrimSpace(input)) < MinSuggestInput {
		return []string{}, nil
	}
	q := url.Values{"q": {input}, "format": {"json"}, "limit": {"5"}}
	if n.CountryCodes != "" {
		q.Set("countrycodes", n.CountryCodes)
	}
	places, err := n.search(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(places))
	for _, p := range places {
		out = append(out, p.DisplayName)
	}
	return out, nil
}

func (n *Nominatim) search(ctx context.Context, q url.Values) ([]nominatimPlace, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	// Nominatim's usage policy rejects requests without an identifying agent.
	req.Header.Set("User-Agent", n.UserAgent)
	resp, err := n.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nominatim request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim status %d", resp.StatusCode)
	}
	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, fmt.Errorf("nominatim decode: %w", err)
	}
	return places, nil
}
