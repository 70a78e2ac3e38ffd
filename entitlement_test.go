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
	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/feature"
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/store/memory"
)

func provision(t *testing.T, eng *almoner.Engine, credits int64, kind feature.Kind, cost int64, enabled bool) (*account.Account, *feature.Feature) {
	t.Helper()
	ctx := context.Background()

	acct, err := eng.CreateAccount(ctx, "student-1", credits)
	require.NoError(t, err)

	f := &feature.Feature{Kind: kind, Name: string(kind), Enabled: enabled, CreditRequired: cost}
	require.NoError(t, eng.CreateFeature(ctx, f))
	return acct, f
}

func credits(t *testing.T, eng *almoner.Engine, accountID id.AccountID) int64 {
	t.Helper()
	a, err := eng.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return a.Credits
}

func TestConsumeFreeFeature(t *testing.T) {
	eng, _ := newEngine(t)
	acct, f := provision(t, eng, 3, feature.KindChat, 0, true)

	for range 5 {
		receipt, err := eng.Consume(context.Background(), acct.ID, f.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), receipt.Amount)
		assert.Equal(t, int64(3), receipt.BalanceAfter)
	}

	assert.Equal(t, int64(3), credits(t, eng, acct.ID))
	a, err := eng.GetAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Version, "a free use does not write the account")
}

func TestConsumeInsufficientCredit(t *testing.T) {
	hooks := &hookRecorder{}
	eng, _ := newEngine(t, almoner.WithPlugin(hooks))
	acct, f := provision(t, eng, 5, feature.KindMatching, 10, true)

	_, err := eng.Consume(context.Background(), acct.ID, f.ID)
	require.Error(t, err)

	var ee *almoner.EntitlementError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, entitlement.ReasonInsufficientCredit, ee.Reason)
	assert.Equal(t, int64(10), ee.Required)
	assert.Equal(t, int64(5), ee.Available)
	assert.ErrorIs(t, err, almoner.ErrInsufficientCredit)
	assert.True(t, almoner.IsEntitlementDenied(err))
	assert.False(t, almoner.IsRetryable(err))

	assert.Equal(t, int64(5), credits(t, eng, acct.ID))
	assert.Equal(t, []entitlement.Reason{entitlement.ReasonInsufficientCredit}, hooks.denied)
}

func TestConsumeDisabledFeature(t *testing.T) {
	eng, _ := newEngine(t)
	acct, f := provision(t, eng, 50, feature.KindMaps, 1, false)

	_, err := eng.Consume(context.Background(), acct.ID, f.ID)
	var ee *almoner.EntitlementError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, entitlement.ReasonFeatureDisabled, ee.Reason)
	assert.ErrorIs(t, err, almoner.ErrFeatureDisabled)
	assert.Equal(t, int64(50), credits(t, eng, acct.ID))

	f.Enabled = true
	require.NoError(t, eng.UpdateFeature(context.Background(), f))
	_, err = eng.Consume(context.Background(), acct.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(49), credits(t, eng, acct.ID))
}

func TestConsumeDebitsAndAudits(t *testing.T) {
	hooks := &hookRecorder{}
	eng, _ := newEngine(t, almoner.WithPlugin(hooks))
	acct, f := provision(t, eng, 10, feature.KindMatching, 4, true)
	ctx := context.Background()

	receipt, err := eng.Consume(ctx, acct.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), receipt.Amount)
	assert.Equal(t, int64(6), receipt.BalanceAfter)
	assert.Equal(t, int64(1), receipt.AccountVersion)
	assert.True(t, receipt.IsSettled())
	assert.False(t, receipt.Replayed)

	stored, err := eng.GetReceipt(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.BalanceAfter, stored.BalanceAfter)

	entries := auditEntries(t, eng, audit.Query{SubjectID: acct.ID.String()})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionDebit, entries[0].Action)
	assert.Equal(t, "4", entries[0].Details["amount"])
	assert.Equal(t, "6", entries[0].Details["balance_after"])
	assert.Equal(t, receipt.ID.String(), entries[0].Details["receipt_id"])
	assert.Equal(t, acct.ID.String(), entries[0].Actor)

	assert.Equal(t, 1, hooks.debited)
}

func TestConcurrentConsumeLastCredits(t *testing.T) {
	for range 20 {
		eng, _ := newEngine(t)
		acct, f := provision(t, eng, 5, feature.KindMaps, 5, true)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = eng.Consume(context.Background(), acct.ID, f.ID)
			}()
		}
		wg.Wait()

		var ok, denied int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, almoner.ErrInsufficientCredit):
				denied++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, 1, denied)
		assert.Equal(t, int64(0), credits(t, eng, acct.ID))
	}
}

func TestConcurrentDebitsAreNeverLost(t *testing.T) {
	const (
		initial = 100
		cost    = 3
		workers = 50
	)
	eng, _ := newEngine(t,
		almoner.WithDebitRetries(workers*2),
		almoner.WithDebitBackoff(time.Microsecond, time.Millisecond),
	)
	acct, f := provision(t, eng, initial, feature.KindMatching, cost, true)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int64
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Consume(context.Background(), acct.ID, f.ID)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, almoner.ErrInsufficientCredit) && !errors.Is(err, almoner.ErrContention) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	final := credits(t, eng, acct.ID)
	assert.GreaterOrEqual(t, final, int64(0))
	assert.Equal(t, int64(initial)-final, succeeded*cost, "every debit is accounted for")

	a, err := eng.GetAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, succeeded, a.Version, "one version per debit")
}

type alwaysConflictingStore struct {
	*memory.Store
}

func (alwaysConflictingStore) SwapAccount(context.Context, *account.Account, int64) error {
	return almoner.ErrConflict
}

func TestConsumeContention(t *testing.T) {
	hooks := &hookRecorder{}
	eng := almoner.New(alwaysConflictingStore{memory.New()},
		almoner.WithLogger(quietLogger),
		almoner.WithPlugin(hooks),
		almoner.WithDebitRetries(3),
		almoner.WithDebitBackoff(time.Microsecond, time.Microsecond),
	)
	acct, f := provision(t, eng, 10, feature.KindChat, 1, true)

	_, err := eng.Consume(context.Background(), acct.ID, f.ID)
	var ce *almoner.ContentionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, 3, ce.Attempts)
	assert.True(t, almoner.IsRetryable(err))
	assert.Equal(t, 1, hooks.contended)
	assert.Equal(t, int64(10), credits(t, eng, acct.ID))
}

func TestConsumeIdempotencyKey(t *testing.T) {
	eng, _ := newEngine(t)
	acct, f := provision(t, eng, 10, feature.KindMatching, 2, true)
	ctx := context.Background()

	first, err := eng.Consume(ctx, acct.ID, f.ID, almoner.WithIdempotencyKey("match-7"))
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, "match-7", first.IdempotencyKey)

	again, err := eng.Consume(ctx, acct.ID, f.ID, almoner.WithIdempotencyKey("match-7"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.BalanceAfter, again.BalanceAfter)

	assert.Equal(t, int64(8), credits(t, eng, acct.ID), "a replay debits nothing")

	other, err := eng.Consume(ctx, acct.ID, f.ID, almoner.WithIdempotencyKey("match-8"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, int64(6), credits(t, eng, acct.ID))
}

func TestIdempotencyKeyBoundToFeature(t *testing.T) {
	eng, _ := newEngine(t)
	acct, chat := provision(t, eng, 10, feature.KindChat, 1, true)
	maps := &feature.Feature{Kind: feature.KindMaps, Enabled: true, CreditRequired: 1}
	require.NoError(t, eng.CreateFeature(context.Background(), maps))
	ctx := context.Background()

	_, err := eng.Consume(ctx, acct.ID, chat.ID, almoner.WithIdempotencyKey("k"))
	require.NoError(t, err)

	_, err = eng.Consume(ctx, acct.ID, maps.ID, almoner.WithIdempotencyKey("k"))
	assert.ErrorIs(t, err, almoner.ErrInvalidInput)
	assert.Equal(t, int64(9), credits(t, eng, acct.ID))
}

func TestDeniedKeyIsReleased(t *testing.T) {
	eng, _ := newEngine(t)
	acct, f := provision(t, eng, 1, feature.KindMatching, 3, true)
	ctx := context.Background()

	_, err := eng.Consume(ctx, acct.ID, f.ID, almoner.WithIdempotencyKey("retry-me"))
	require.ErrorIs(t, err, almoner.ErrInsufficientCredit)

	_, err = eng.Ledger().CompareAndSwapAccount(ctx, acct.ID, 0, func(a *account.Account) error {
		a.Credits += 5
		return nil
	})
	require.NoError(t, err)

	receipt, err := eng.Consume(ctx, acct.ID, f.ID, almoner.WithIdempotencyKey("retry-me"))
	require.NoError(t, err)
	assert.False(t, receipt.Replayed)
	assert.Equal(t, int64(3), credits(t, eng, acct.ID))
}

func TestConsumeValidation(t *testing.T) {
	eng, _ := newEngine(t)
	acct, f := provision(t, eng, 1, feature.KindChat, 0, true)
	ctx := context.Background()

	tests := []struct {
		name    string
		account id.AccountID
		feature id.FeatureID
		target  error
	}{
		{"nil account", id.Nil, f.ID, almoner.ErrInvalidInput},
		{"nil feature", acct.ID, id.Nil, almoner.ErrInvalidInput},
		{"unknown feature", acct.ID, id.NewFeatureID(), almoner.ErrFeatureNotFound},
		{"unknown account", id.NewAccountID(), f.ID, almoner.ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Consume(ctx, tt.account, tt.feature)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestCreateFeatureValidation(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	assert.ErrorIs(t, eng.CreateFeature(ctx, &feature.Feature{Kind: feature.KindChat, CreditRequired: -1}), almoner.ErrInvalidInput)
	assert.ErrorIs(t, eng.CreateFeature(ctx, &feature.Feature{}), almoner.ErrInvalidInput)

	_, err := eng.CreateAccount(ctx, "s", -5)
	assert.ErrorIs(t, err, almoner.ErrInvalidInput)
}

func TestUsageIsFlushedOnStop(t *testing.T) {
	hooks := &hookRecorder{}
	eng, _ := newEngine(t,
		almoner.WithPlugin(hooks),
		almoner.WithMeterConfig(1000, time.Hour),
	)
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))

	acct, f := provision(t, eng, 10, feature.KindChat, 1, true)
	for range 4 {
		_, err := eng.Consume(ctx, acct.ID, f.ID)
		require.NoError(t, err)
	}
	require.NoError(t, eng.Stop())

	stored, err := eng.GetFeature(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.UsageCount)
	require.NotNil(t, stored.LastUsedAt)
	assert.Equal(t, 4, hooks.flushed)
}

func TestUsageFallsBackWhenBufferIsFull(t *testing.T) {
	eng, _ := newEngine(t, almoner.WithMeterBufferSize(0))
	acct, f := provision(t, eng, 10, feature.KindMaps, 2, true)

	_, err := eng.Consume(context.Background(), acct.ID, f.ID)
	require.NoError(t, err)

	stored, err := eng.GetFeature(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.UsageCount, "written directly without a running worker")
}
