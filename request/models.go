package request

import (
	"maps"
	"time"

	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/types"
)

// Kind classifies a request. The set of kinds is closed; see the routing
// package for the table that every kind must appear in.
type Kind string

const (
	KindScholarship   Kind = "scholarship"
	KindMaterials     Kind = "materials"
	KindTuition       Kind = "tuition"
	KindDonationMatch Kind = "donation_match"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// IsTerminal reports whether s is a final decision.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// CanTransition reports whether a request may move from one status to
// another. Pending is the only state with outgoing transitions.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.IsTerminal()
}

// CanReplace reports whether next may be stored over cur. Once cur is
// decided its status, notes and assigned teacher are fixed.
func CanReplace(cur, next *Request) bool {
	if cur.Status.IsTerminal() {
		return next.Status == cur.Status &&
			next.AdminNotes == cur.AdminNotes &&
			next.AssignedTeacherID == cur.AssignedTeacherID
	}
	return next.Status == StatusPending || CanTransition(cur.Status, next.Status)
}

// Request is a financial-aid application or donation request awaiting an
// admin decision.
type Request struct {
	types.Entity
	ID                id.RequestID   `json:"id"`
	Kind              Kind           `json:"kind"`
	Status            Status         `json:"status"`
	Version           int64          `json:"version"`
	SubmitterID       string         `json:"submitter_id"`
	Payload           map[string]any `json:"payload,omitempty"`
	AdminNotes        string         `json:"admin_notes,omitempty"`
	AssignedTeacherID string         `json:"assigned_teacher_id,omitempty"`
	DecidedAt         *time.Time     `json:"decided_at,omitempty"`
	DecidedBy         string         `json:"decided_by,omitempty"`
}

// Clone returns a copy of r that can be mutated without affecting r.
// Payload values are shared; the map itself is copied.
func (r *Request) Clone() *Request {
	c := *r
	c.Payload = maps.Clone(r.Payload)
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

// Submission is the input to the submission path.
type Submission struct {
	Kind        Kind           `json:"kind"`
	SubmitterID string         `json:"submitter_id"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Decision is an admin's verdict on a pending request.
type Decision struct {
	Outcome           Status `json:"outcome"`
	Notes             string `json:"notes"`
	AssignedTeacherID string `json:"assigned_teacher_id,omitempty"`
}
