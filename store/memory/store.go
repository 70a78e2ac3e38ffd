// Package memory provides an in-process store.Store for tests and
// single-node deployments. Records are copied on the way in and out, so
// callers never share state with the store.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/xraph/almoner"
	"github.com/xraph/almoner/account"
	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/feature"
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/meter"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/request"
	almonerstore "github.com/xraph/almoner/store"
)

// compile-time interface check
var _ almonerstore.Store = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	closed bool

	// Request storage, plus creation order for listing
	requests     map[string]*request.Request
	requestOrder []string

	// Account storage
	accounts map[string]*account.Account

	// Feature storage
	features map[string]*feature.Feature

	// Receipt storage, indexed by (account, idempotency key)
	receipts     map[string]*entitlement.Receipt
	receiptByKey map[string]string

	// Delivery storage, indexed by delivery key
	deliveries    map[string]*notify.Delivery
	deliveryByKey map[string]string

	// Audit log, kept sorted by (timestamp, id)
	auditLog []*audit.Entry
}

func New() *Store {
	return &Store{
		requests:      make(map[string]*request.Request),
		accounts:      make(map[string]*account.Account),
		features:      make(map[string]*feature.Feature),
		receipts:      make(map[string]*entitlement.Receipt),
		receiptByKey:  make(map[string]string),
		deliveries:    make(map[string]*notify.Delivery),
		deliveryByKey: make(map[string]string),
	}
}

// ==================== Request Store ====================

func (s *Store) CreateRequest(_ context.Context, r *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return almoner.ErrStoreClosed
	}
	if _, exists := s.requests[r.ID.String()]; exists {
		return almoner.ErrAlreadyExists
	}
	s.requests[r.ID.String()] = r.Clone()
	s.requestOrder = append(s.requestOrder, r.ID.String())
	return nil
}

func (s *Store) GetRequest(_ context.Context, requestID id.RequestID) (*request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.requests[requestID.String()]; ok {
		return r.Clone(), nil
	}
	return nil, almoner.ErrRequestNotFound
}

func (s *Store) SwapRequest(_ context.Context, r *request.Request, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return almoner.ErrStoreClosed
	}
	cur, ok := s.requests[r.ID.String()]
	if !ok {
		return almoner.ErrRequestNotFound
	}
	if cur.Version != expectedVersion {
		return almoner.ErrConflict
	}
	if !request.CanReplace(cur, r) {
		return almoner.ErrAlreadyDecided
	}
	s.requests[r.ID.String()] = r.Clone()
	return nil
}

func (s *Store) ListRequests(_ context.Context, opts request.ListOpts) ([]*request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*request.Request, 0)
	for _, key := range s.requestOrder {
		r := s.requests[key]
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.Kind != "" && r.Kind != opts.Kind {
			continue
		}
		if opts.SubmitterID != "" && r.SubmitterID != opts.SubmitterID {
			continue
		}
		result = append(result, r.Clone())
	}

	return page(result, opts.Offset, opts.Limit), nil
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(_ context.Context, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return almoner.ErrStoreClosed
	}
	if _, exists := s.accounts[a.ID.String()]; exists {
		return almoner.ErrAlreadyExists
	}
	s.accounts[a.ID.String()] = a.Clone()
	return nil
}

func (s *Store) GetAccount(_ context.Context, accountID id.AccountID) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[accountID.String()]; ok {
		return a.Clone(), nil
	}
	return nil, almoner.ErrAccountNotFound
}

func (s *Store) SwapAccount(_ context.Context, a *account.Account, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return almoner.ErrStoreClosed
	}
	cur, ok := s.accounts[a.ID.String()]
	if !ok {
		return almoner.ErrAccountNotFound
	}
	if cur.Version != expectedVersion {
		return almoner.ErrConflict
	}
	s.accounts[a.ID.String()] = a.Clone()
	return nil
}

// ==================== Feature Store ====================

func (s *Store) CreateFeature(_ context.Context, f *feature.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return almoner.ErrStoreClosed
	}
	if _, exists := s.features[f.ID.String()]; exists {
		return almoner.ErrAlreadyExists
	}
	s.features[f.ID.String()] = f.Clone()
	return nil
}

func (s *Store) GetFeature(_ context.Context, featureID id.FeatureID) (*feature.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if f, ok := s.features[featureID.String()]; ok {
		return f.Clone(), nil
	}
	return nil, almoner.ErrFeatureNotFound
}

func (s *Store) UpdateFeature(_ context.Context, f *feature.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.features[f.ID.String()]
	if !ok {
		return almoner.ErrFeatureNotFound
	}
	next := cur.Clone()
	next.Kind = f.Kind
	next.Name = f.Name
	next.Enabled = f.Enabled
	next.CreditRequired = f.CreditRequired
	next.UpdatedAt = f.UpdatedAt
	s.features[f.ID.String()] = next
	return nil
}

// ==================== Usage Store ====================

func (s *Store) RecordUsage(_ context.Context, events []*meter.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return almoner.ErrStoreClosed
	}
	for featureID, tally := range meter.Summarize(events) {
		f, ok := s.features[featureID.String()]
		if !ok {
			continue
		}
		f.UsageCount += tally.Count
		if f.LastUsedAt == nil || tally.LastUsedAt.After(*f.LastUsedAt) {
			t := tally.LastUsedAt
			f.LastUsedAt = &t
		}
	}
	return nil
}

// ==================== Receipt Store ====================

func receiptKey(accountID id.AccountID, key string) string {
	return accountID.String() + "/" + key
}

func (s *Store) CreateReceipt(_ context.Context, r *entitlement.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return almoner.ErrStoreClosed
	}
	if _, exists := s.receipts[r.ID.String()]; exists {
		return almoner.ErrAlreadyExists
	}
	if r.IdempotencyKey != "" {
		k := receiptKey(r.AccountID, r.IdempotencyKey)
		if _, exists := s.receiptByKey[k]; exists {
			return almoner.ErrAlreadyExists
		}
		s.receiptByKey[k] = r.ID.String()
	}
	s.receipts[r.ID.String()] = cloneReceipt(r)
	return nil
}

func (s *Store) GetReceipt(_ context.Context, receiptID id.ReceiptID) (*entitlement.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.receipts[receiptID.String()]; ok {
		return cloneReceipt(r), nil
	}
	return nil, almoner.ErrReceiptNotFound
}

func (s *Store) GetReceiptByKey(_ context.Context, accountID id.AccountID, key string) (*entitlement.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rid, ok := s.receiptByKey[receiptKey(accountID, key)]; ok {
		return cloneReceipt(s.receipts[rid]), nil
	}
	return nil, almoner.ErrReceiptNotFound
}

func (s *Store) UpdateReceipt(_ context.Context, r *entitlement.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.receipts[r.ID.String()]; !ok {
		return almoner.ErrReceiptNotFound
	}
	s.receipts[r.ID.String()] = cloneReceipt(r)
	return nil
}

func (s *Store) DeleteReceipt(_ context.Context, receiptID id.ReceiptID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[receiptID.String()]
	if !ok {
		return almoner.ErrReceiptNotFound
	}
	if r.IdempotencyKey != "" {
		delete(s.receiptByKey, receiptKey(r.AccountID, r.IdempotencyKey))
	}
	delete(s.receipts, receiptID.String())
	return nil
}

func cloneReceipt(r *entitlement.Receipt) *entitlement.Receipt {
	c := *r
	c.Replayed = false
	if r.SettledAt != nil {
		t := *r.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// ==================== Delivery Store ====================

func (s *Store) ClaimDelivery(_ context.Context, d *notify.Delivery) (*notify.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, almoner.ErrStoreClosed
	}

	key := d.Key()
	if did, exists := s.deliveryByKey[key]; exists {
		cur := s.deliveries[did]
		if cur.Status != notify.StatusFailed {
			return cur.Clone(), notify.ErrAlreadyClaimed
		}
		cur.Status = notify.StatusPending
		cur.Attempts++
		cur.UpdatedAt = d.UpdatedAt
		return cur.Clone(), nil
	}

	stored := d.Clone()
	s.deliveries[d.ID.String()] = stored
	s.deliveryByKey[key] = d.ID.String()
	return stored.Clone(), nil
}

func (s *Store) CompleteDelivery(_ context.Context, d *notify.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.deliveries[d.ID.String()]
	if !ok {
		return almoner.ErrDeliveryNotFound
	}
	next := d.Clone()
	next.CreatedAt = cur.CreatedAt
	next.Attempts = cur.Attempts
	s.deliveries[d.ID.String()] = next
	return nil
}

func (s *Store) GetDelivery(_ context.Context, deliveryID id.DeliveryID) (*notify.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if d, ok := s.deliveries[deliveryID.String()]; ok {
		return d.Clone(), nil
	}
	return nil, almoner.ErrDeliveryNotFound
}

func (s *Store) ListDeliveries(_ context.Context, requestID id.RequestID) ([]*notify.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*notify.Delivery, 0)
	for _, d := range s.deliveries {
		if d.RequestID == requestID {
			result = append(result, d.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *notify.Delivery) int {
		return a.ID.Compare(b.ID)
	})
	return result, nil
}

// ==================== Audit Store ====================

func (s *Store) AppendAudit(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return almoner.ErrStoreClosed
	}
	c := e.Clone()
	i, _ := slices.BinarySearchFunc(s.auditLog, c, func(a, b *audit.Entry) int {
		switch {
		case audit.Less(a, b):
			return -1
		case audit.Less(b, a):
			return 1
		default:
			return 0
		}
	})
	s.auditLog = slices.Insert(s.auditLog, i, c)
	return nil
}

func (s *Store) QueryAudit(_ context.Context, q audit.Query) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*audit.Entry, 0)
	for _, e := range s.auditLog {
		if !q.After.Precedes(e) || !q.Matches(e) {
			continue
		}
		result = append(result, e.Clone())
		if q.PageSize > 0 && len(result) >= q.PageSize {
			break
		}
	}
	return result, nil
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return almoner.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	start := min(max(offset, 0), len(items))
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}
