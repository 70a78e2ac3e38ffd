package almoner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/almoner"
	"github.com/xraph/almoner/account"
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/request"
	"github.com/xraph/almoner/store/memory"
)

func TestLedgerSwapBumpsVersion(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := almoner.NewLedger(memory.New(), func() time.Time { return fixed })
	ctx := context.Background()

	r, err := l.CreateRequest(ctx, request.KindMaterials, "student-1", map[string]any{"items": "books"})
	require.NoError(t, err)
	assert.Equal(t, fixed, r.CreatedAt)

	next, err := l.CompareAndSwapRequest(ctx, r.ID, 0, func(r *request.Request) error {
		r.AdminNotes = "looked at it"
		r.Version = 42 // ignored
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Version)
	assert.Equal(t, "looked at it", next.AdminNotes)
	assert.Equal(t, r.CreatedAt, next.CreatedAt)

	stored, err := l.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, "books", stored.Payload["items"])
}

func TestLedgerStaleVersionConflicts(t *testing.T) {
	l := almoner.NewLedger(memory.New(), nil)
	ctx := context.Background()

	a, err := l.CreateAccount(ctx, "s-1", 10)
	require.NoError(t, err)

	_, err = l.CompareAndSwapAccount(ctx, a.ID, 0, func(a *account.Account) error {
		a.Credits = 7
		return nil
	})
	require.NoError(t, err)

	_, err = l.CompareAndSwapAccount(ctx, a.ID, 0, func(a *account.Account) error {
		a.Credits = 1
		return nil
	})
	var ce *almoner.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "account", ce.Resource)
	assert.Equal(t, int64(0), ce.ExpectedVersion)
	assert.True(t, almoner.IsRetryable(err))

	cur, err := l.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cur.Credits)
	assert.Equal(t, int64(1), cur.Version)
}

func TestLedgerRejectsNegativeBalance(t *testing.T) {
	l := almoner.NewLedger(memory.New(), nil)
	ctx := context.Background()

	a, err := l.CreateAccount(ctx, "s-1", 2)
	require.NoError(t, err)

	_, err = l.CompareAndSwapAccount(ctx, a.ID, 0, func(a *account.Account) error {
		a.Credits -= 3
		return nil
	})
	assert.ErrorIs(t, err, almoner.ErrInvalidInput)

	cur, err := l.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.Credits)
	assert.Equal(t, int64(0), cur.Version)
}

func TestLedgerMutateErrorAborts(t *testing.T) {
	l := almoner.NewLedger(memory.New(), nil)
	ctx := context.Background()

	r, err := l.CreateRequest(ctx, request.KindTuition, "s-1", nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = l.CompareAndSwapRequest(ctx, r.ID, 0, func(*request.Request) error { return boom })
	assert.ErrorIs(t, err, boom)

	stored, err := l.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Version)
}

func TestLedgerDecidedRequestIsFixed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*request.Request)
	}{
		{"status flipped", func(r *request.Request) { r.Status = request.StatusRejected }},
		{"notes rewritten", func(r *request.Request) { r.AdminNotes = "rewritten" }},
		{"teacher reassigned", func(r *request.Request) { r.AssignedTeacherID = "t-other" }},
		{"reopened", func(r *request.Request) { r.Status = request.StatusPending }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := almoner.NewLedger(memory.New(), nil)
			ctx := context.Background()

			r, err := l.CreateRequest(ctx, request.KindTuition, "s-1", nil)
			require.NoError(t, err)
			decided, err := l.CompareAndSwapRequest(ctx, r.ID, 0, func(r *request.Request) error {
				r.Status = request.StatusApproved
				r.AdminNotes = "approved"
				r.AssignedTeacherID = "t-1"
				return nil
			})
			require.NoError(t, err)

			_, err = l.CompareAndSwapRequest(ctx, r.ID, decided.Version, func(r *request.Request) error {
				tt.mutate(r)
				return nil
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, almoner.ErrAlreadyDecided)
			assert.True(t, almoner.IsConflict(err))
			assert.False(t, almoner.IsRetryable(err))

			var ce *almoner.ConflictError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "request", ce.Resource)
			assert.Equal(t, decided.Version, ce.ExpectedVersion)

			stored, err := l.GetRequest(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, request.StatusApproved, stored.Status)
			assert.Equal(t, "approved", stored.AdminNotes)
			assert.Equal(t, "t-1", stored.AssignedTeacherID)
			assert.Equal(t, decided.Version, stored.Version)
		})
	}
}

func TestLedgerDecidedRequestAcceptsPayloadChange(t *testing.T) {
	l := almoner.NewLedger(memory.New(), nil)
	ctx := context.Background()

	r, err := l.CreateRequest(ctx, request.KindMaterials, "s-1", nil)
	require.NoError(t, err)
	decided, err := l.CompareAndSwapRequest(ctx, r.ID, 0, func(r *request.Request) error {
		r.Status = request.StatusRejected
		return nil
	})
	require.NoError(t, err)

	next, err := l.CompareAndSwapRequest(ctx, r.ID, decided.Version, func(r *request.Request) error {
		r.Payload = map[string]any{"appeal": "filed"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, request.StatusRejected, next.Status)
	assert.Equal(t, decided.Version+1, next.Version)
}

func TestLedgerRejectsUnknownStatus(t *testing.T) {
	l := almoner.NewLedger(memory.New(), nil)
	ctx := context.Background()

	r, err := l.CreateRequest(ctx, request.KindMaterials, "s-1", nil)
	require.NoError(t, err)

	_, err = l.CompareAndSwapRequest(ctx, r.ID, 0, func(r *request.Request) error {
		r.Status = "archived"
		return nil
	})
	assert.ErrorIs(t, err, almoner.ErrInvalidInput)
}

func TestLedgerConcurrentSwapsOneWinnerPerVersion(t *testing.T) {
	l := almoner.NewLedger(memory.New(), nil)
	ctx := context.Background()

	a, err := l.CreateAccount(ctx, "s-1", 0)
	require.NoError(t, err)

	const writers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.CompareAndSwapAccount(ctx, a.ID, 0, func(a *account.Account) error {
				a.Credits++
				return nil
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.True(t, almoner.IsConflict(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	cur, err := l.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Credits)
}

func TestLedgerUnknownRecords(t *testing.T) {
	l := almoner.NewLedger(memory.New(), nil)
	ctx := context.Background()

	_, err := l.CompareAndSwapRequest(ctx, id.NewRequestID(), 0, func(*request.Request) error { return nil })
	assert.ErrorIs(t, err, almoner.ErrRequestNotFound)

	_, err = l.CompareAndSwapAccount(ctx, id.NewAccountID(), 0, func(*account.Account) error { return nil })
	assert.ErrorIs(t, err, almoner.ErrAccountNotFound)

	_, err = l.CreateRequest(ctx, "unknown", "s-1", nil)
	assert.ErrorIs(t, err, almoner.ErrInvalidInput)
}
