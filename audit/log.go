package audit

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/types"
)

const (
	defaultPageSize      = 100
	defaultAppendTimeout = 5 * time.Second
)

// Log appends to and reads from an audit Store.
type Log struct {
	store     Store
	logger    *slog.Logger
	clock     types.Clock
	timeout   time.Duration
	onFailure func(ctx context.Context, e *Entry, err error)
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithLogger sets the logger append failures are reported to.
func WithLogger(logger *slog.Logger) LogOption {
	return func(l *Log) { l.logger = logger }
}

// WithClock sets the clock used to stamp entries without a timestamp.
func WithClock(clock types.Clock) LogOption {
	return func(l *Log) { l.clock = clock }
}

// WithAppendTimeout bounds how long a single append may take.
func WithAppendTimeout(d time.Duration) LogOption {
	return func(l *Log) { l.timeout = d }
}

// WithFailureHandler registers fn to be called after an append fails.
func WithFailureHandler(fn func(ctx context.Context, e *Entry, err error)) LogOption {
	return func(l *Log) { l.onFailure = fn }
}

// NewLog creates a Log over store.
func NewLog(store Store, opts ...LogOption) *Log {
	l := &Log{
		store:   store,
		logger:  slog.Default(),
		clock:   types.SystemClock,
		timeout: defaultAppendTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records e. It never fails the caller: store errors are logged and
// handed to the failure handler. The write is detached from ctx
// cancellation, since the event it records has already happened.
func (l *Log) Append(ctx context.Context, e *Entry) {
	if e.ID.IsNil() {
		e.ID = id.NewAuditID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock()
	}
	e.Timestamp = e.Timestamp.UTC()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	if err := l.store.AppendAudit(wctx, e.Clone()); err != nil {
		l.logger.Error("audit append failed",
			"audit_id", e.ID.String(),
			"action", e.Action,
			"subject_id", e.SubjectID,
			"error", err,
		)
		if l.onFailure != nil {
			l.onFailure(ctx, e, err)
		}
	}
}

// Query returns a lazy sequence of entries matching q in (timestamp, id)
// order. Pages are fetched as the sequence is consumed. Ranging over the
// sequence again restarts from q; to resume, set q.After to CursorOf the
// last entry seen. A store error is yielded once and ends the sequence.
func (l *Log) Query(ctx context.Context, q Query) iter.Seq2[*Entry, error] {
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	}

	return func(yield func(*Entry, error) bool) {
		page := q
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			entries, err := l.store.QueryAudit(ctx, page)
			if err != nil {
				yield(nil, err)
				return
			}

			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}

			if len(entries) < page.PageSize {
				return
			}
			page.After = CursorOf(entries[len(entries)-1])
		}
	}
}
