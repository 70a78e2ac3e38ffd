package redisclaim_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/almoner"
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/notify/redisclaim"
	"github.com/xraph/almoner/routing"
	"github.com/xraph/almoner/types"
)

func newStore(t *testing.T) *redisclaim.Store {
	t.Helper()

	url := os.Getenv("ALMONER_REDIS_URL")
	if url == "" {
		t.Skip("ALMONER_REDIS_URL not set")
	}
	s, err := redisclaim.Dial(url, redisclaim.WithKeyPrefix("almoner-test-"+id.New(id.PrefixDelivery).String()))
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newDelivery(requestID id.RequestID, audience routing.Audience) *notify.Delivery {
	return &notify.Delivery{
		Entity:    types.NewEntityAt(time.Now()),
		ID:        id.NewDeliveryID(),
		RequestID: requestID,
		Audience:  audience,
		Channels:  []notify.Channel{notify.ChannelDashboard, notify.ChannelNotify},
		Status:    notify.StatusPending,
		Attempts:  1,
	}
}

func TestClaimIsExclusive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	requestID := id.NewRequestID()

	first := newDelivery(requestID, routing.AudienceAdmin)
	got, err := s.ClaimDelivery(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	second := newDelivery(requestID, routing.AudienceAdmin)
	got, err = s.ClaimDelivery(ctx, second)
	assert.True(t, errors.Is(err, notify.ErrAlreadyClaimed))
	assert.Equal(t, first.ID, got.ID, "existing record is returned")

	_, err = s.GetDelivery(ctx, second.ID)
	assert.ErrorIs(t, err, almoner.ErrDeliveryNotFound, "a losing claim leaves no id entry")

	stored, err := s.GetDelivery(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Channels, stored.Channels)
}

func TestFailedDeliveryIsReclaimed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	requestID := id.NewRequestID()

	d := newDelivery(requestID, routing.AudienceDonor)
	_, err := s.ClaimDelivery(ctx, d)
	require.NoError(t, err)

	d.Status = notify.StatusFailed
	d.LastError = "smtp timeout"
	require.NoError(t, s.CompleteDelivery(ctx, d))

	retry := newDelivery(requestID, routing.AudienceDonor)
	got, err := s.ClaimDelivery(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID, "reclaim keeps the original id")
	assert.Equal(t, notify.StatusPending, got.Status)
	assert.Equal(t, 2, got.Attempts)

	got.Status = notify.StatusDelivered
	got.Reference = "msg-1"
	require.NoError(t, s.CompleteDelivery(ctx, got))

	stored, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, notify.StatusDelivered, stored.Status)
	assert.Equal(t, "msg-1", stored.Reference)
	assert.Equal(t, 2, stored.Attempts)
}

func TestListDeliveries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	requestID := id.NewRequestID()

	a := newDelivery(requestID, routing.AudienceAdmin)
	b := newDelivery(requestID, routing.AudienceRecipient)
	for _, d := range []*notify.Delivery{a, b} {
		_, err := s.ClaimDelivery(ctx, d)
		require.NoError(t, err)
	}

	list, err := s.ListDeliveries(ctx, requestID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	empty, err := s.ListDeliveries(ctx, id.NewRequestID())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCompleteUnknownDelivery(t *testing.T) {
	s := newStore(t)

	err := s.CompleteDelivery(context.Background(), newDelivery(id.NewRequestID(), routing.AudienceAdmin))
	assert.ErrorIs(t, err, almoner.ErrDeliveryNotFound)

	_, err = s.GetDelivery(context.Background(), id.NewDeliveryID())
	assert.ErrorIs(t, err, almoner.ErrDeliveryNotFound)
}
