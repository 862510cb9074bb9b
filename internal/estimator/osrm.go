package estimator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Router returns a road distance (meters) and duration (seconds) between
// two points.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (distanceMeters, durationSeconds float64, err error)
}

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 2 * time.Second}}
}

// Route queries /route/v1/driving/{lng1},{lat1};{lng2},{lat2}?overview=false.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (float64, float64, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Distance, out.Routes[0].Duration, nil
}
