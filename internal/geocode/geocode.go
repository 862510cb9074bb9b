// Package geocode resolves free-form addresses to coordinates and offers
// address autocompletion. Providers are interchangeable behind Geocoder and
// Suggester.
package geocode

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrAddressNotFound is returned when a lookup yields no candidates.
var ErrAddressNotFound = errors.New("address not found")

// MinSuggestInput is the shortest input worth sending to a provider.
const MinSuggestInput = 3

// Geocoder returns candidate coordinates for an address, best match first.
// An empty slice with a nil error means the provider found nothing.
type Geocoder interface {
	Search(ctx context.Context, address string) ([]models.Coord, error)
}

// Suggester returns human readable address completions for a partial input.
type Suggester interface {
	Suggest(ctx context.Context, input string) ([]string, error)
}

// Provider is a backend that does both.
type Provider interface {
	Geocoder
	Suggester
}
