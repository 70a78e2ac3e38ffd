package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/almoner"
	"github.com/xraph/almoner/account"
	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/feature"
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/meter"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/request"
	"github.com/xraph/almoner/routing"
	"github.com/xraph/almoner/types"
)

func TestSwapRequestChecksVersion(t *testing.T) {
	s := New()
	ctx := context.Background()

	r := &request.Request{Entity: types.NewEntity(), ID: id.NewRequestID(), Kind: request.KindTuition, Status: request.StatusPending}
	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRequest(ctx, r); !errors.Is(err, almoner.ErrAlreadyExists) {
		t.Fatalf("duplicate create = %v", err)
	}

	next := r.Clone()
	next.Version = 1
	next.Status = request.StatusApproved

	if err := s.SwapRequest(ctx, next, 0); err != nil {
		t.Fatalf("swap at current version: %v", err)
	}
	if err := s.SwapRequest(ctx, next, 0); !errors.Is(err, almoner.ErrConflict) {
		t.Fatalf("swap at stale version = %v, want ErrConflict", err)
	}

	missing := next.Clone()
	missing.ID = id.NewRequestID()
	if err := s.SwapRequest(ctx, missing, 0); !errors.Is(err, almoner.ErrRequestNotFound) {
		t.Fatalf("swap missing = %v", err)
	}
}

func TestSwapRequestKeepsDecision(t *testing.T) {
	s := New()
	ctx := context.Background()

	r := &request.Request{
		Entity:     types.NewEntity(),
		ID:         id.NewRequestID(),
		Kind:       request.KindTuition,
		Status:     request.StatusApproved,
		Version:    1,
		AdminNotes: "approved",
	}
	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatal(err)
	}

	flipped := r.Clone()
	flipped.Version = 2
	flipped.Status = request.StatusRejected
	if err := s.SwapRequest(ctx, flipped, 1); !errors.Is(err, almoner.ErrAlreadyDecided) {
		t.Fatalf("swap over decided = %v, want ErrAlreadyDecided", err)
	}

	got, err := s.GetRequest(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != request.StatusApproved || got.Version != 1 {
		t.Fatalf("stored request changed: status=%s version=%d", got.Status, got.Version)
	}

	touched := r.Clone()
	touched.Version = 2
	touched.Payload = map[string]any{"receipt": "r-1"}
	if err := s.SwapRequest(ctx, touched, 1); err != nil {
		t.Fatalf("payload-only swap: %v", err)
	}
}

func TestRecordsAreCopied(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := &account.Account{ID: id.NewAccountID(), Credits: 10}
	if err := s.CreateAccount(ctx, a); err != nil {
		t.Fatal(err)
	}
	a.Credits = 0

	got, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.Credits = 99

	again, _ := s.GetAccount(ctx, a.ID)
	if again.Credits != 10 {
		t.Errorf("stored credits = %d, want 10", again.Credits)
	}
}

func TestSwapAccount(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := &account.Account{ID: id.NewAccountID(), Credits: 10}
	if err := s.CreateAccount(ctx, a); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		expected int64
		want     error
	}{
		{"current version", 0, nil},
		{"stale version", 0, almoner.ErrConflict},
		{"next version", 1, nil},
	}
	version := int64(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := a.Clone()
			next.Version = tt.expected + 1
			err := s.SwapAccount(ctx, next, tt.expected)
			if !errors.Is(err, tt.want) {
				t.Fatalf("SwapAccount = %v, want %v", err, tt.want)
			}
			if err == nil {
				version = next.Version
			}
		})
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}

func TestRecordUsageAggregates(t *testing.T) {
	s := New()
	ctx := context.Background()

	f := &feature.Feature{ID: id.NewFeatureID(), Kind: feature.KindChat, Enabled: true}
	if err := s.CreateFeature(ctx, f); err != nil {
		t.Fatal(err)
	}

	t0 := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	events := []*meter.UsageEvent{
		{ID: id.NewUsageEventID(), FeatureID: f.ID, Quantity: 1, Timestamp: t0.Add(2 * time.Minute)},
		{ID: id.NewUsageEventID(), FeatureID: f.ID, Quantity: 2, Timestamp: t0},
		{ID: id.NewUsageEventID(), FeatureID: id.NewFeatureID(), Quantity: 1, Timestamp: t0},
	}
	if err := s.RecordUsage(ctx, events); err != nil {
		t.Fatal(err)
	}
	// An older batch does not move LastUsedAt backwards.
	if err := s.RecordUsage(ctx, []*meter.UsageEvent{{ID: id.NewUsageEventID(), FeatureID: f.ID, Quantity: 1, Timestamp: t0}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetFeature(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsageCount != 4 {
		t.Errorf("UsageCount = %d, want 4", got.UsageCount)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("LastUsedAt = %v", got.LastUsedAt)
	}
}

func TestReceiptKeys(t *testing.T) {
	s := New()
	ctx := context.Background()
	acct := id.NewAccountID()

	r := &entitlement.Receipt{ID: id.NewReceiptID(), AccountID: acct, IdempotencyKey: "k1", Status: entitlement.ReceiptPending}
	if err := s.CreateReceipt(ctx, r); err != nil {
		t.Fatal(err)
	}

	dup := &entitlement.Receipt{ID: id.NewReceiptID(), AccountID: acct, IdempotencyKey: "k1"}
	if err := s.CreateReceipt(ctx, dup); !errors.Is(err, almoner.ErrAlreadyExists) {
		t.Fatalf("duplicate key = %v", err)
	}

	otherAcct := &entitlement.Receipt{ID: id.NewReceiptID(), AccountID: id.NewAccountID(), IdempotencyKey: "k1"}
	if err := s.CreateReceipt(ctx, otherAcct); err != nil {
		t.Fatalf("same key on another account: %v", err)
	}

	got, err := s.GetReceiptByKey(ctx, acct, "k1")
	if err != nil || got.ID != r.ID {
		t.Fatalf("GetReceiptByKey = %v, %v", got, err)
	}

	if err := s.DeleteReceipt(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetReceiptByKey(ctx, acct, "k1"); !errors.Is(err, almoner.ErrReceiptNotFound) {
		t.Fatalf("after delete = %v", err)
	}
	if err := s.CreateReceipt(ctx, dup); err != nil {
		t.Fatalf("key reusable after delete: %v", err)
	}
}

func TestClaimDelivery(t *testing.T) {
	s := New()
	ctx := context.Background()
	rid := id.NewRequestID()

	newClaim := func() *notify.Delivery {
		return &notify.Delivery{
			ID:        id.NewDeliveryID(),
			RequestID: rid,
			Audience:  routing.AudienceDonor,
			Channels:  []notify.Channel{notify.ChannelNotify},
			Status:    notify.StatusPending,
			Attempts:  1,
		}
	}

	first, err := s.ClaimDelivery(ctx, newClaim())
	if err != nil {
		t.Fatal(err)
	}

	dup, err := s.ClaimDelivery(ctx, newClaim())
	if !errors.Is(err, notify.ErrAlreadyClaimed) || dup.ID != first.ID {
		t.Fatalf("second claim = %v, %v", dup, err)
	}

	first.Status = notify.StatusFailed
	if err := s.CompleteDelivery(ctx, first); err != nil {
		t.Fatal(err)
	}

	again, err := s.ClaimDelivery(ctx, newClaim())
	if err != nil {
		t.Fatalf("reclaim failed delivery: %v", err)
	}
	if again.ID != first.ID || again.Attempts != 2 || again.Status != notify.StatusPending {
		t.Errorf("reclaimed = %+v", again)
	}

	list, err := s.ListDeliveries(ctx, rid)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListDeliveries = %v, %v", list, err)
	}
}

func TestListRequestsPaging(t *testing.T) {
	tests := []struct {
		name          string
		offset, limit int
		want          int
	}{
		{"no limit", 0, 0, 5},
		{"first page", 0, 2, 2},
		{"last page", 4, 2, 1},
		{"past end", 10, 2, 0},
		{"negative offset", -3, 0, 5},
	}

	s := New()
	ctx := context.Background()
	for range 5 {
		r := &request.Request{ID: id.NewRequestID(), Kind: request.KindMaterials, Status: request.StatusPending}
		if err := s.CreateRequest(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListRequests(ctx, request.ListOpts{Offset: tt.offset, Limit: tt.limit})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestClosedStore(t *testing.T) {
	s := New()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := s.Ping(ctx); !errors.Is(err, almoner.ErrStoreClosed) {
		t.Errorf("Ping = %v", err)
	}
	if err := s.CreateRequest(ctx, &request.Request{ID: id.NewRequestID()}); !errors.Is(err, almoner.ErrStoreClosed) {
		t.Errorf("CreateRequest = %v", err)
	}
}
