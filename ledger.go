package almoner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/almoner/account"
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/request"
	"github.com/xraph/almoner/routing"
	"github.com/xraph/almoner/store"
	"github.com/xraph/almoner/types"
)

// Ledger is the single mutation path for requests and accounts. Every
// change goes through a compare-and-swap on the record's version, so two
// writers racing on the same version cannot both succeed.
type Ledger struct {
	store store.Store
	clock types.Clock
}

// NewLedger creates a Ledger over s.
func NewLedger(s store.Store, clock types.Clock) *Ledger {
	if clock == nil {
		clock = types.SystemClock
	}
	return &Ledger{store: s, clock: clock}
}

// ──────────────────────────────────────────────────
// Requests
// ──────────────────────────────────────────────────

// GetRequest returns the request with the given id or ErrRequestNotFound.
func (l *Ledger) GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error) {
	if requestID.IsNil() {
		return nil, invalid("id", "request id is required")
	}
	return l.store.GetRequest(ctx, requestID)
}

// CreateRequest stores a new pending request at version 0. The kind must
// have a routing row.
func (l *Ledger) CreateRequest(ctx context.Context, kind request.Kind, submitterID string, payload map[string]any) (*request.Request, error) {
	if err := routing.ValidateKind(kind); err != nil {
		return nil, invalid("kind", err.Error())
	}
	submitterID = strings.TrimSpace(submitterID)
	if submitterID == "" {
		return nil, invalid("submitter_id", "submitter is required")
	}

	r := &request.Request{
		Entity:      types.NewEntityAt(l.clock()),
		ID:          id.NewRequestID(),
		Kind:        kind,
		Status:      request.StatusPending,
		Version:     0,
		SubmitterID: submitterID,
		Payload:     payload,
	}
	if err := l.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// CompareAndSwapRequest applies mutate to a copy of the request and stores
// it at expectedVersion+1, provided the stored version is still
// expectedVersion. A stale version yields a *ConflictError. A decided
// request keeps its status, notes and teacher; changing them yields a
// *ConflictError wrapping ErrAlreadyDecided. mutate may return an error to
// abort without writing.
func (l *Ledger) CompareAndSwapRequest(
	ctx context.Context,
	requestID id.RequestID,
	expectedVersion int64,
	mutate func(*request.Request) error,
) (*request.Request, error) {
	cur, err := l.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, requestConflict(requestID, expectedVersion)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if !request.CanReplace(cur, next) {
		if cur.Status.IsTerminal() {
			return nil, decidedConflict(requestID, expectedVersion)
		}
		return nil, invalid("status", fmt.Sprintf("cannot move from %s to %s", cur.Status, next.Status))
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Version = expectedVersion + 1
	next.TouchAt(l.clock())

	if err := l.store.SwapRequest(ctx, next, expectedVersion); err != nil {
		if errors.Is(err, ErrAlreadyDecided) {
			return nil, decidedConflict(requestID, expectedVersion)
		}
		if errors.Is(err, ErrConflict) {
			return nil, requestConflict(requestID, expectedVersion)
		}
		return nil, err
	}
	return next, nil
}

func requestConflict(requestID id.RequestID, expected int64) *ConflictError {
	return &ConflictError{Resource: "request", ID: requestID.String(), ExpectedVersion: expected}
}

func decidedConflict(requestID id.RequestID, expected int64) *ConflictError {
	c := requestConflict(requestID, expected)
	c.Reason = ErrAlreadyDecided
	return c
}

// ──────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────

// GetAccount returns the account with the given id or ErrAccountNotFound.
func (l *Ledger) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	if accountID.IsNil() {
		return nil, invalid("account_id", "account id is required")
	}
	return l.store.GetAccount(ctx, accountID)
}

// CreateAccount stores a new account at version 0.
func (l *Ledger) CreateAccount(ctx context.Context, subjectID string, credits int64) (*account.Account, error) {
	if credits < 0 {
		return nil, invalid("credits", "must not be negative")
	}

	a := &account.Account{
		Entity:    types.NewEntityAt(l.clock()),
		ID:        id.NewAccountID(),
		SubjectID: strings.TrimSpace(subjectID),
		Credits:   credits,
	}
	if err := l.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// CompareAndSwapAccount is CompareAndSwapRequest for accounts. A mutation
// that would leave the balance negative is rejected without writing.
func (l *Ledger) CompareAndSwapAccount(
	ctx context.Context,
	accountID id.AccountID,
	expectedVersion int64,
	mutate func(*account.Account) error,
) (*account.Account, error) {
	cur, err := l.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, accountConflict(accountID, expectedVersion)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.Credits < 0 {
		return nil, invalid("credits", "must not be negative")
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Version = expectedVersion + 1
	next.TouchAt(l.clock())

	if err := l.store.SwapAccount(ctx, next, expectedVersion); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, accountConflict(accountID, expectedVersion)
		}
		return nil, err
	}
	return next, nil
}

func accountConflict(accountID id.AccountID, expected int64) *ConflictError {
	return &ConflictError{Resource: "account", ID: accountID.String(), ExpectedVersion: expected}
}
