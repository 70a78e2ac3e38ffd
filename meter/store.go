package meter

import "context"

// Store applies usage events to feature counters. RecordUsage increments
// UsageCount by each event's quantity and advances LastUsedAt; it never
// moves LastUsedAt backwards.
type Store interface {
	RecordUsage(ctx context.Context, events []*UsageEvent) error
}
