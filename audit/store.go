package audit

import "context"

// Store persists audit entries. QueryAudit returns one page: entries
// matching q, strictly after q.After, ordered by (timestamp, id), at most
// q.PageSize long.
type Store interface {
	AppendAudit(ctx context.Context, e *Entry) error
	QueryAudit(ctx context.Context, q Query) ([]*Entry, error)
}
