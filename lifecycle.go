package almoner

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/request"
	"github.com/xraph/almoner/routing"
)

// Decision is the result of a committed decision.
type Decision struct {
	// Request is the request as stored after the decision.
	Request *request.Request `json:"request"`
	// Routing is where the decision goes. Empty for rejections.
	Routing routing.Info `json:"routing"`
	// Dispatch is the delivery result, nil when no deliverer is configured
	// or the routing is empty.
	Dispatch *notify.Result `json:"dispatch,omitempty"`
}

// ──────────────────────────────────────────────────
// Submission
// ──────────────────────────────────────────────────

// Submit creates a pending request. Kinds without a routing row are
// rejected here, never at decision time.
func (e *Engine) Submit(ctx context.Context, sub request.Submission) (*request.Request, error) {
	r, err := e.ledger.CreateRequest(ctx, sub.Kind, sub.SubmitterID, sub.Payload)
	if err != nil {
		return nil, err
	}

	e.audit.Append(ctx, &audit.Entry{
		Timestamp: r.CreatedAt,
		Actor:     submissionActor(ctx, r),
		Action:    audit.ActionSubmission,
		SubjectID: r.ID.String(),
		Details: map[string]string{
			"kind":         string(r.Kind),
			"submitter_id": r.SubmitterID,
		},
	})
	e.plugins.EmitRequestSubmitted(ctx, r)

	e.logger.Debug("request submitted",
		"request_id", r.ID.String(),
		"kind", r.Kind,
	)

	return r, nil
}

func submissionActor(ctx context.Context, r *request.Request) string {
	if actor := ActorFrom(ctx); actor != SystemActor {
		return actor
	}
	return r.SubmitterID
}

// GetRequest retrieves a request by ID.
func (e *Engine) GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error) {
	return e.ledger.GetRequest(ctx, requestID)
}

// ListRequests lists requests, oldest first.
func (e *Engine) ListRequests(ctx context.Context, opts request.ListOpts) ([]*request.Request, error) {
	return e.store.ListRequests(ctx, opts)
}

// ──────────────────────────────────────────────────
// Decision
// ──────────────────────────────────────────────────

// Decide moves a pending request to approved or rejected.
//
// It fails with a *ValidationError for empty notes, a non-terminal
// outcome, or a teacher on a non-tuition request; with ErrRequestNotFound
// for unknown ids; and with a *ConflictError when the request is already
// decided or a concurrent decision won the race. The audit entry is
// appended only after the swap is stored. When a deliverer is configured
// the routing is dispatched before returning; delivery failures are
// reported in Decision.Dispatch and do not fail the decision.
func (e *Engine) Decide(ctx context.Context, requestID id.RequestID, d request.Decision) (*Decision, error) {
	notes := strings.TrimSpace(d.Notes)
	if notes == "" {
		return nil, invalid("notes", "notes are required for a decision")
	}
	if !d.Outcome.IsTerminal() {
		return nil, invalid("outcome", "outcome must be approved or rejected")
	}
	teacherID := strings.TrimSpace(d.AssignedTeacherID)

	cur, err := e.ledger.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if teacherID != "" && cur.Kind != request.KindTuition {
		return nil, invalid("assigned_teacher_id", "a teacher can only be assigned to tuition requests")
	}
	if cur.Status.IsTerminal() {
		return nil, &ConflictError{
			Resource:        "request",
			ID:              requestID.String(),
			ExpectedVersion: cur.Version,
			Reason:          ErrAlreadyDecided,
		}
	}

	info, err := routing.Resolve(cur.Kind, d.Outcome)
	if err != nil {
		return nil, invalid("kind", err.Error())
	}

	actor := ActorFrom(ctx)
	decidedAt := e.clock()
	next, err := e.ledger.CompareAndSwapRequest(ctx, requestID, cur.Version, func(r *request.Request) error {
		if !request.CanTransition(r.Status, d.Outcome) {
			return &ConflictError{Resource: "request", ID: r.ID.String(), ExpectedVersion: r.Version, Reason: ErrAlreadyDecided}
		}
		r.Status = d.Outcome
		r.AdminNotes = notes
		r.AssignedTeacherID = teacherID
		r.DecidedAt = &decidedAt
		r.DecidedBy = actor
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.audit.Append(ctx, &audit.Entry{
		Timestamp: decidedAt,
		Actor:     actor,
		Action:    audit.ActionDecision,
		SubjectID: next.ID.String(),
		Details:   decisionDetails(next, info),
	})
	e.plugins.EmitRequestDecided(ctx, next, info)

	e.logger.Info("request decided",
		"request_id", next.ID.String(),
		"kind", next.Kind,
		"outcome", next.Status,
		"version", next.Version,
	)

	out := &Decision{Request: next, Routing: info}
	if e.dispatcher != nil && !info.IsEmpty() {
		res, err := e.dispatch(ctx, next.ID, info)
		if err != nil {
			e.logger.Error("dispatch after decision failed",
				"request_id", next.ID.String(),
				"error", err,
			)
		}
		out.Dispatch = res
	}

	return out, nil
}

func decisionDetails(r *request.Request, info routing.Info) map[string]string {
	details := map[string]string{
		"kind":       string(r.Kind),
		"outcome":    string(r.Status),
		"version":    strconv.FormatInt(r.Version, 10),
		"dashboards": joinAudiences(info.Dashboards),
		"notify":     joinAudiences(info.Notify),
	}
	if r.AssignedTeacherID != "" {
		details["assigned_teacher_id"] = r.AssignedTeacherID
	}
	if r.DecidedAt != nil {
		details["decided_at"] = r.DecidedAt.Format(time.RFC3339Nano)
	}
	return details
}

func joinAudiences(s routing.Set) string {
	parts := make([]string, len(s))
	for i, a := range s {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}

// ──────────────────────────────────────────────────
// Dispatch
// ──────────────────────────────────────────────────

// Redispatch resolves the routing of a decided request again and
// dispatches it. Targets already delivered are reported as duplicates, so
// this is safe to call after a partial failure.
func (e *Engine) Redispatch(ctx context.Context, requestID id.RequestID) (*notify.Result, error) {
	if e.dispatcher == nil {
		return nil, ErrNoDeliverer
	}

	r, err := e.ledger.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !r.Status.IsTerminal() {
		return nil, invalid("status", "request has not been decided")
	}

	info, err := routing.Resolve(r.Kind, r.Status)
	if err != nil {
		return nil, invalid("kind", err.Error())
	}
	return e.dispatch(ctx, r.ID, info)
}

// Deliveries lists the delivery records of a request.
func (e *Engine) Deliveries(ctx context.Context, requestID id.RequestID) ([]*notify.Delivery, error) {
	return e.deliveries.ListDeliveries(ctx, requestID)
}

func (e *Engine) dispatch(ctx context.Context, requestID id.RequestID, info routing.Info) (*notify.Result, error) {
	res, err := e.dispatcher.Dispatch(ctx, requestID, info)
	if err != nil {
		return nil, err
	}

	for _, o := range res.Outcomes {
		e.plugins.EmitDelivery(ctx, requestID.String(), o)

		var de *DispatchError
		if errors.As(o.Err, &de) {
			e.logger.Warn("delivery failed",
				"request_id", requestID.String(),
				"audience", de.Audience,
				"channels", notify.JoinChannels(de.Channels),
				"error", de.Err,
			)
		}
	}

	return res, nil
}
