// Package audit is the append-only record of every transition and debit.
package audit

import (
	"maps"
	"time"

	"github.com/xraph/almoner/id"
)

// Actions recorded by the engine.
const (
	ActionSubmission = "submission"
	ActionDecision   = "decision"
	ActionDebit      = "debit"
)

// Entry is an immutable audit record.
type Entry struct {
	ID        id.AuditID        `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	SubjectID string            `json:"subject_id"`
	Details   map[string]string `json:"details,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Details = maps.Clone(e.Details)
	return &c
}

// Cursor is a position in the (timestamp, id) order of the log.
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        id.AuditID `json:"id"`
}

// CursorOf returns the position of e. A query with After set to it
// resumes with the entry following e.
func CursorOf(e *Entry) Cursor {
	return Cursor{Timestamp: e.Timestamp, ID: e.ID}
}

// IsZero reports whether c is the start of the log.
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.ID.IsNil()
}

// Precedes reports whether the cursor sorts strictly before e.
func (c Cursor) Precedes(e *Entry) bool {
	if c.IsZero() {
		return true
	}
	if !e.Timestamp.Equal(c.Timestamp) {
		return e.Timestamp.After(c.Timestamp)
	}
	return e.ID.Compare(c.ID) > 0
}

// Query selects audit entries. Zero fields are unbounded. Start is
// inclusive and End exclusive.
type Query struct {
	SubjectID string
	Start     time.Time
	End       time.Time
	After     Cursor
	PageSize  int
}

// Matches reports whether e falls inside the filter part of q (subject
// and time range; the cursor is not considered).
func (q Query) Matches(e *Entry) bool {
	if q.SubjectID != "" && e.SubjectID != q.SubjectID {
		return false
	}
	if !q.Start.IsZero() && e.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !e.Timestamp.Before(q.End) {
		return false
	}
	return true
}

// Less orders entries by (timestamp, id).
func Less(a, b *Entry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID.Compare(b.ID) < 0
}
