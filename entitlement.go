package almoner

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v5"

	"github.com/xraph/almoner/account"
	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/feature"
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/meter"
	"github.com/xraph/almoner/types"
)

// ConsumeOption configures a single Consume call.
type ConsumeOption func(*consumeConfig)

type consumeConfig struct {
	idempotencyKey string
}

// WithIdempotencyKey makes the debit idempotent per (account, key). A
// repeated call with a settled key returns the original receipt with
// Replayed set and debits nothing.
func WithIdempotencyKey(key string) ConsumeOption {
	return func(c *consumeConfig) {
		c.idempotencyKey = strings.TrimSpace(key)
	}
}

// ──────────────────────────────────────────────────
// Entitlement gate
// ──────────────────────────────────────────────────

// Consume checks that the account may use the feature and debits its
// credit cost.
//
// A disabled feature fails with an *EntitlementError (feature_disabled)
// without touching the account. Otherwise the balance is checked and
// debited through a bounded read-check-swap loop: insufficient credit
// fails with an *EntitlementError (insufficient_credit) and running out
// of attempts fails with a *ContentionError. Once the swap is stored the
// debit stands even if ctx is cancelled afterwards; usage counters,
// receipt and audit entry are written on a detached context.
func (e *Engine) Consume(ctx context.Context, accountID id.AccountID, featureID id.FeatureID, opts ...ConsumeOption) (*entitlement.Receipt, error) {
	var cfg consumeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if accountID.IsNil() {
		return nil, invalid("account_id", "account id is required")
	}
	if featureID.IsNil() {
		return nil, invalid("feature_id", "feature id is required")
	}

	if cfg.idempotencyKey != "" {
		prior, err := e.priorReceipt(ctx, accountID, featureID, cfg.idempotencyKey)
		if err != nil || prior != nil {
			return prior, err
		}
	}

	f, err := e.store.GetFeature(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if !f.Enabled {
		return nil, e.deny(ctx, &EntitlementError{
			AccountID: accountID.String(),
			FeatureID: featureID.String(),
			Reason:    entitlement.ReasonFeatureDisabled,
		})
	}

	var claim *entitlement.Receipt
	if cfg.idempotencyKey != "" {
		var prior *entitlement.Receipt
		claim, prior, err = e.claimReceipt(ctx, accountID, f, cfg.idempotencyKey)
		if err != nil || prior != nil {
			return prior, err
		}
	}

	acct, err := e.debit(ctx, accountID, f)
	if err != nil {
		if claim != nil {
			e.releaseReceipt(ctx, claim)
		}
		return nil, err
	}

	return e.settle(context.WithoutCancel(ctx), acct, f, claim), nil
}

// debit runs the read-check-swap loop and returns the account as stored
// after the debit.
func (e *Engine) debit(ctx context.Context, accountID id.AccountID, f *feature.Feature) (*account.Account, error) {
	attempts := 0
	op := func() (*account.Account, error) {
		attempts++

		a, err := e.ledger.GetAccount(ctx, accountID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if a.Credits < f.CreditRequired {
			return nil, backoff.Permanent(&EntitlementError{
				AccountID: accountID.String(),
				FeatureID: f.ID.String(),
				Reason:    entitlement.ReasonInsufficientCredit,
				Required:  f.CreditRequired,
				Available: a.Credits,
			})
		}
		if f.CreditRequired == 0 {
			return a, nil
		}

		next, err := e.ledger.CompareAndSwapAccount(ctx, accountID, a.Version, func(n *account.Account) error {
			n.Credits -= f.CreditRequired
			return nil
		})
		if err != nil {
			if IsConflict(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return next, nil
	}

	acct, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(e.newDebitBackoff()),
		backoff.WithMaxTries(uint(e.debitRetries)), //nolint:gosec // debitRetries is always positive
	)
	if err == nil {
		return acct, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}

	var denied *EntitlementError
	switch {
	case errors.As(err, &denied):
		return nil, e.deny(ctx, denied)
	case IsConflict(err):
		e.plugins.EmitContention(ctx, accountID.String(), attempts)
		e.logger.Warn("debit contended",
			"account_id", accountID.String(),
			"feature_id", f.ID.String(),
			"attempts", attempts,
		)
		return nil, &ContentionError{AccountID: accountID.String(), Attempts: attempts}
	default:
		return nil, err
	}
}

func (e *Engine) deny(ctx context.Context, err *EntitlementError) error {
	e.plugins.EmitEntitlementDenied(ctx, err.AccountID, err.FeatureID, err.Reason)
	e.logger.Debug("entitlement denied",
		"account_id", err.AccountID,
		"feature_id", err.FeatureID,
		"reason", err.Reason,
	)
	return err
}

// settle records a committed debit: receipt, usage event, audit entry.
// None of these can undo the debit, so failures are logged only.
func (e *Engine) settle(ctx context.Context, acct *account.Account, f *feature.Feature, claim *entitlement.Receipt) *entitlement.Receipt {
	now := e.clock()

	receipt := claim
	if receipt == nil {
		receipt = &entitlement.Receipt{
			Entity:    types.NewEntityAt(now),
			ID:        id.NewReceiptID(),
			AccountID: acct.ID,
			FeatureID: f.ID,
		}
	}
	receipt.Amount = f.CreditRequired
	receipt.BalanceAfter = acct.Credits
	receipt.AccountVersion = acct.Version
	receipt.Status = entitlement.ReceiptSettled
	receipt.SettledAt = &now
	receipt.TouchAt(now)

	var err error
	if claim != nil {
		err = e.store.UpdateReceipt(ctx, receipt)
	} else {
		err = e.store.CreateReceipt(ctx, receipt)
	}
	if err != nil {
		e.logger.Error("failed to store receipt",
			"receipt_id", receipt.ID.String(),
			"account_id", acct.ID.String(),
			"error", err,
		)
	}

	e.enqueueUsage(ctx, &meter.UsageEvent{
		ID:        id.NewUsageEventID(),
		AccountID: acct.ID,
		FeatureID: f.ID,
		ReceiptID: receipt.ID,
		Quantity:  1,
		Timestamp: now,
	})

	actor := ActorFrom(ctx)
	if actor == SystemActor {
		actor = acct.ID.String()
	}
	e.audit.Append(ctx, &audit.Entry{
		Timestamp: now,
		Actor:     actor,
		Action:    audit.ActionDebit,
		SubjectID: acct.ID.String(),
		Details: map[string]string{
			"feature_id":      f.ID.String(),
			"feature_kind":    string(f.Kind),
			"amount":          strconv.FormatInt(f.CreditRequired, 10),
			"balance_after":   strconv.FormatInt(acct.Credits, 10),
			"account_version": strconv.FormatInt(acct.Version, 10),
			"receipt_id":      receipt.ID.String(),
		},
	})
	e.plugins.EmitCreditDebited(ctx, receipt)

	return receipt
}

// ──────────────────────────────────────────────────
// Idempotency keys
// ──────────────────────────────────────────────────

// priorReceipt looks up an earlier use of key. It returns the settled
// receipt as a replay, a *ContentionError while the earlier call is still
// in flight, and (nil, nil) when the key is unused.
func (e *Engine) priorReceipt(ctx context.Context, accountID id.AccountID, featureID id.FeatureID, key string) (*entitlement.Receipt, error) {
	prior, err := e.store.GetReceiptByKey(ctx, accountID, key)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return replay(prior, accountID, featureID)
}

func replay(prior *entitlement.Receipt, accountID id.AccountID, featureID id.FeatureID) (*entitlement.Receipt, error) {
	if prior.FeatureID != featureID {
		return nil, invalid("idempotency_key", "key already used for a different feature")
	}
	if !prior.IsSettled() {
		return nil, &ContentionError{AccountID: accountID.String()}
	}
	prior.Replayed = true
	return prior, nil
}

// claimReceipt stores a pending receipt for key. If another call claimed
// the key first, its receipt is returned as prior (or an error) instead.
func (e *Engine) claimReceipt(ctx context.Context, accountID id.AccountID, f *feature.Feature, key string) (claim, prior *entitlement.Receipt, err error) {
	claim = &entitlement.Receipt{
		Entity:         types.NewEntityAt(e.clock()),
		ID:             id.NewReceiptID(),
		AccountID:      accountID,
		FeatureID:      f.ID,
		Amount:         f.CreditRequired,
		IdempotencyKey: key,
		Status:         entitlement.ReceiptPending,
	}

	err = e.store.CreateReceipt(ctx, claim)
	if err == nil {
		return claim, nil, nil
	}
	if !errors.Is(err, ErrAlreadyExists) {
		return nil, nil, err
	}

	existing, err := e.store.GetReceiptByKey(ctx, accountID, key)
	if err != nil {
		if IsNotFound(err) {
			// Claimed and released between our insert and read.
			return nil, nil, &ContentionError{AccountID: accountID.String(), Attempts: 1}
		}
		return nil, nil, err
	}
	prior, err = replay(existing, accountID, f.ID)
	return nil, prior, err
}

// releaseReceipt frees a claimed key after the debit was refused, so the
// caller can try again with the same key.
func (e *Engine) releaseReceipt(ctx context.Context, claim *entitlement.Receipt) {
	if err := e.store.DeleteReceipt(context.WithoutCancel(ctx), claim.ID); err != nil {
		e.logger.Error("failed to release idempotency key",
			"receipt_id", claim.ID.String(),
			"key", claim.IdempotencyKey,
			"error", err,
		)
	}
}

// GetReceipt retrieves a receipt by ID.
func (e *Engine) GetReceipt(ctx context.Context, receiptID id.ReceiptID) (*entitlement.Receipt, error) {
	return e.store.GetReceipt(ctx, receiptID)
}

// ──────────────────────────────────────────────────
// Provisioning
// ──────────────────────────────────────────────────

// CreateAccount provisions an account with an opening balance.
func (e *Engine) CreateAccount(ctx context.Context, subjectID string, credits int64) (*account.Account, error) {
	return e.ledger.CreateAccount(ctx, subjectID, credits)
}

// GetAccount retrieves an account by ID.
func (e *Engine) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	return e.ledger.GetAccount(ctx, accountID)
}

// CreateFeature provisions a metered feature.
func (e *Engine) CreateFeature(ctx context.Context, f *feature.Feature) error {
	if f.CreditRequired < 0 {
		return invalid("credit_required", "must not be negative")
	}
	if strings.TrimSpace(string(f.Kind)) == "" {
		return invalid("kind", "feature kind is required")
	}
	if f.ID.IsNil() {
		f.ID = id.NewFeatureID()
	}
	f.Entity = types.NewEntityAt(e.clock())
	f.UsageCount = 0
	f.LastUsedAt = nil

	return e.store.CreateFeature(ctx, f)
}

// GetFeature retrieves a feature by ID.
func (e *Engine) GetFeature(ctx context.Context, featureID id.FeatureID) (*feature.Feature, error) {
	return e.store.GetFeature(ctx, featureID)
}

// UpdateFeature changes a feature's settings (enabled flag, cost, name).
// Usage counters are owned by the metering path and are left as stored.
func (e *Engine) UpdateFeature(ctx context.Context, f *feature.Feature) error {
	if f.CreditRequired < 0 {
		return invalid("credit_required", "must not be negative")
	}
	f.TouchAt(e.clock())
	return e.store.UpdateFeature(ctx, f)
}
