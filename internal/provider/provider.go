// Package provider implements vendor risk-data adapters.
//
// Each adapter wraps one vendor API and converts its native response into
// canonical risk indicators. Adapters are independently fallible; the
// aggregator isolates their failures. A provider whose API key is absent is
// simply not constructed, which disables it without affecting the rest of
// the service.
package provider

import (
	"context"

	"github.com/mbd888/attestwatch/internal/risk"
)

// Provider is one vendor risk-data source.
type Provider interface {
	// Name identifies the data source on indicators and profiles.
	Name() risk.DataSource
	// FetchIndicators screens an address and converts the vendor response
	// into canonical indicators. An empty slice with nil error means the
	// vendor answered and found nothing.
	FetchIndicators(ctx context.Context, address string) ([]risk.Indicator, error)
}
