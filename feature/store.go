package feature

import (
	"context"

	"github.com/xraph/almoner/id"
)

// Store persists features. UpdateFeature writes the settings fields
// (kind, name, enabled, credit required) and leaves the usage counters,
// which only meter.Store.RecordUsage advances.
type Store interface {
	CreateFeature(ctx context.Context, f *Feature) error
	GetFeature(ctx context.Context, featureID id.FeatureID) (*Feature, error)
	UpdateFeature(ctx context.Context, f *Feature) error
}
