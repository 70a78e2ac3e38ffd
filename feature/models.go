// Package feature defines metered capabilities gated by credit.
package feature

import (
	"time"

	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/types"
)

// Kind names a metered capability. The set is open; the constants cover
// the kinds the marketplace ships with.
type Kind string

const (
	KindChat     Kind = "chat"
	KindMatching Kind = "matching"
	KindMaps     Kind = "maps"
)

// Feature is a metered capability. A disabled feature never passes an
// entitlement check, whatever the balance.
type Feature struct {
	types.Entity
	ID             id.FeatureID `json:"id"`
	Kind           Kind         `json:"kind"`
	Name           string       `json:"name,omitempty"`
	Enabled        bool         `json:"enabled"`
	CreditRequired int64        `json:"credit_required"`
	UsageCount     int64        `json:"usage_count"`
	LastUsedAt     *time.Time   `json:"last_used_at,omitempty"`
}

// Clone returns a copy of f.
func (f *Feature) Clone() *Feature {
	c := *f
	if f.LastUsedAt != nil {
		t := *f.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}
