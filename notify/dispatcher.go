package notify

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/routing"
	"github.com/xraph/almoner/types"
)

const defaultConcurrency = 8

// OutcomeStatus is the result of dispatching to one target.
type OutcomeStatus string

const (
	OutcomeDelivered OutcomeStatus = "delivered"
	OutcomeDuplicate OutcomeStatus = "duplicate"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is the per-target result of a dispatch.
type Outcome struct {
	Target   Target        `json:"target"`
	Status   OutcomeStatus `json:"status"`
	Delivery *Delivery     `json:"delivery,omitempty"`
	Err      error         `json:"-"`
}

// Result collects the outcomes of a dispatch in target order.
type Result struct {
	RequestID id.RequestID `json:"request_id"`
	Outcomes  []Outcome    `json:"outcomes"`
}

// Count returns how many outcomes have status s.
func (r *Result) Count(s OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Errors returns the per-target failures.
func (r *Result) Errors() []*DispatchError {
	var errs []*DispatchError
	for _, o := range r.Outcomes {
		var de *DispatchError
		if errors.As(o.Err, &de) {
			errs = append(errs, de)
		}
	}
	return errs
}

// Dispatcher delivers routing results through a Deliverer.
type Dispatcher struct {
	store       Store
	deliverer   Deliverer
	logger      *slog.Logger
	clock       types.Clock
	concurrency int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithClock sets the clock used for delivery timestamps.
func WithClock(clock types.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithConcurrency bounds how many targets are delivered at once.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store Store, deliverer Deliverer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		deliverer:   deliverer,
		logger:      slog.Default(),
		clock:       types.SystemClock,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers info for requestID once to every audience. Targets are
// independent: a failure on one is reported in its Outcome as a
// *DispatchError and does not affect the others. Nothing is retried here.
// Targets already pending or delivered are reported as duplicates.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID id.RequestID, info routing.Info) (*Result, error) {
	if requestID.IsNil() {
		return nil, errors.New("notify: dispatch: nil request id")
	}

	targets := Targets(info)
	res := &Result{RequestID: requestID, Outcomes: make([]Outcome, len(targets))}

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, t := range targets {
		g.Go(func() error {
			res.Outcomes[i] = d.deliver(ctx, requestID, t)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers report through Outcomes

	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, requestID id.RequestID, t Target) Outcome {
	out := Outcome{Target: t}
	fail := func(err error) Outcome {
		out.Status = OutcomeFailed
		out.Err = &DispatchError{RequestID: requestID, Audience: t.Audience, Channels: t.Channels, Err: err}
		return out
	}

	now := d.clock()
	claim := &Delivery{
		Entity:    types.NewEntityAt(now),
		ID:        id.NewDeliveryID(),
		RequestID: requestID,
		Audience:  t.Audience,
		Channels:  t.Channels,
		Status:    StatusPending,
		Attempts:  1,
	}

	rec, err := d.store.ClaimDelivery(ctx, claim)
	if errors.Is(err, ErrAlreadyClaimed) {
		out.Status = OutcomeDuplicate
		out.Delivery = rec
		return out
	}
	if err != nil {
		return fail(err)
	}
	out.Delivery = rec

	receipt, derr := d.deliverer.Deliver(ctx, Message{
		DeliveryID: rec.ID,
		RequestID:  requestID,
		Audience:   t.Audience,
		Channels:   t.Channels,
		Attempt:    rec.Attempts,
	})

	done := d.clock()
	rec.TouchAt(done)
	if derr != nil {
		rec.Status = StatusFailed
		rec.LastError = derr.Error()
	} else {
		rec.Status = StatusDelivered
		rec.LastError = ""
		at := done
		if receipt != nil {
			rec.Reference = receipt.Reference
			if !receipt.DeliveredAt.IsZero() {
				at = receipt.DeliveredAt.UTC()
			}
		}
		rec.DeliveredAt = &at
	}

	// The delivery already happened; recording it must survive caller
	// cancellation.
	if err := d.store.CompleteDelivery(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.Error("failed to record delivery",
			"delivery_id", rec.ID.String(),
			"request_id", requestID.String(),
			"target", t.String(),
			"error", err,
		)
	}

	if derr != nil {
		return fail(derr)
	}
	out.Status = OutcomeDelivered
	return out
}
