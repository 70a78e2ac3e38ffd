// Package meter defines feature usage events. Events are buffered by the
// engine and flushed in batches into the feature usage counters.
package meter

import (
	"time"

	"github.com/xraph/almoner/id"
)

type UsageEvent struct {
	ID        id.UsageEventID `json:"id"`
	AccountID id.AccountID    `json:"account_id"`
	FeatureID id.FeatureID    `json:"feature_id"`
	ReceiptID id.ReceiptID    `json:"receipt_id"`
	Quantity  int64           `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Tally is the aggregate of a batch of events for one feature.
type Tally struct {
	Count      int64
	LastUsedAt time.Time
}

// Summarize folds events into one Tally per feature. Stores apply a batch
// as one counter update per feature.
func Summarize(events []*UsageEvent) map[id.FeatureID]Tally {
	out := make(map[id.FeatureID]Tally)
	for _, e := range events {
		t := out[e.FeatureID]
		t.Count += e.Quantity
		if e.Timestamp.After(t.LastUsedAt) {
			t.LastUsedAt = e.Timestamp
		}
		out[e.FeatureID] = t
	}
	return out
}
