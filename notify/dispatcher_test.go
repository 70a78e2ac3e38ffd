package notify_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/routing"
	"github.com/xraph/almoner/store/memory"
)

func TestTargetsMergeChannelsPerAudience(t *testing.T) {
	info := routing.Info{
		Dashboards: routing.NewSet(routing.AudienceRecipient, routing.AudienceDonor),
		Notify:     routing.NewSet(routing.AudienceDonor, routing.AudienceAdmin),
	}

	got := notify.Targets(info)
	want := []notify.Target{
		{Audience: routing.AudienceDonor, Channels: []notify.Channel{notify.ChannelDashboard, notify.ChannelNotify}},
		{Audience: routing.AudienceRecipient, Channels: []notify.Channel{notify.ChannelDashboard}},
		{Audience: routing.AudienceAdmin, Channels: []notify.Channel{notify.ChannelNotify}},
	}
	assert.Equal(t, want, got)
	assert.True(t, got[0].Has(notify.ChannelNotify))
	assert.False(t, got[1].Has(notify.ChannelNotify))
	assert.Empty(t, notify.Targets(routing.Info{}))
}

func TestDeliveryKeyIsPerAudience(t *testing.T) {
	rid := id.NewRequestID()
	dash := &notify.Delivery{RequestID: rid, Audience: routing.AudienceAdmin, Channels: []notify.Channel{notify.ChannelDashboard}}
	both := &notify.Delivery{RequestID: rid, Audience: routing.AudienceAdmin, Channels: []notify.Channel{notify.ChannelDashboard, notify.ChannelNotify}}
	assert.Equal(t, dash.Key(), both.Key())
	assert.Equal(t, notify.DeliveryKey(rid, routing.AudienceAdmin), dash.Key())
	assert.NotEqual(t, dash.Key(), notify.DeliveryKey(rid, routing.AudienceDonor))
}

func TestChannelListEncoding(t *testing.T) {
	tests := []struct {
		name     string
		channels []notify.Channel
		encoded  string
	}{
		{"none", nil, ""},
		{"one", []notify.Channel{notify.ChannelNotify}, "notify"},
		{"both", []notify.Channel{notify.ChannelDashboard, notify.ChannelNotify}, "dashboard,notify"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.encoded, notify.JoinChannels(tt.channels))
			assert.Equal(t, tt.channels, notify.ParseChannels(tt.encoded))
		})
	}
}

func TestAudienceOnBothChannelsGetsOneMessage(t *testing.T) {
	var msgs []notify.Message
	var mu sync.Mutex
	d := notify.NewDispatcher(memory.New(), notify.DelivererFunc(func(_ context.Context, msg notify.Message) (*notify.DeliveryReceipt, error) {
		mu.Lock()
		msgs = append(msgs, msg)
		mu.Unlock()
		return nil, nil
	}))
	ctx := context.Background()
	rid := id.NewRequestID()
	info, err := routing.Resolve("donation_match", "approved")
	require.NoError(t, err)

	for range 3 {
		_, err := d.Dispatch(ctx, rid, info)
		require.NoError(t, err)
	}

	require.Len(t, msgs, 2)
	perAudience := map[routing.Audience]int{}
	for _, m := range msgs {
		perAudience[m.Audience]++
	}
	assert.Equal(t, map[routing.Audience]int{routing.AudienceDonor: 1, routing.AudienceRecipient: 1}, perAudience)
}

func TestDispatchDeliversOncePerTarget(t *testing.T) {
	var calls atomic.Int32
	d := notify.NewDispatcher(memory.New(), notify.DelivererFunc(func(context.Context, notify.Message) (*notify.DeliveryReceipt, error) {
		calls.Add(1)
		return &notify.DeliveryReceipt{Reference: "ok"}, nil
	}))
	ctx := context.Background()
	rid := id.NewRequestID()
	info, err := routing.Resolve("materials", "approved")
	require.NoError(t, err)

	res, err := d.Dispatch(ctx, rid, info)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Count(notify.OutcomeDelivered))

	for range 5 {
		res, err = d.Dispatch(ctx, rid, info)
		require.NoError(t, err)
		assert.Equal(t, 4, res.Count(notify.OutcomeDuplicate))
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestConcurrentDispatchDeliversOnce(t *testing.T) {
	var calls atomic.Int32
	d := notify.NewDispatcher(memory.New(), notify.DelivererFunc(func(context.Context, notify.Message) (*notify.DeliveryReceipt, error) {
		calls.Add(1)
		time.Sleep(time.Millisecond)
		return nil, nil
	}))
	rid := id.NewRequestID()
	info := routing.Info{Notify: routing.NewSet(routing.AudienceAllZakatDonors)}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), rid, info)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatchFailureIsolated(t *testing.T) {
	s := memory.New()
	d := notify.NewDispatcher(s, notify.DelivererFunc(func(_ context.Context, msg notify.Message) (*notify.DeliveryReceipt, error) {
		if msg.Audience == routing.AudienceMaterialsDonors {
			return nil, errors.New("push gateway down")
		}
		return &notify.DeliveryReceipt{}, nil
	}), notify.WithConcurrency(1))
	ctx := context.Background()
	rid := id.NewRequestID()
	info := routing.Info{
		Dashboards: routing.NewSet(routing.AudienceMaterialsDonor, routing.AudienceZakatDonor),
		Notify:     routing.NewSet(routing.AudienceMaterialsDonors),
	}

	res, err := d.Dispatch(ctx, rid, info)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, notify.OutcomeDelivered, res.Outcomes[0].Status)
	assert.Equal(t, notify.OutcomeDelivered, res.Outcomes[1].Status)
	assert.Equal(t, notify.OutcomeFailed, res.Outcomes[2].Status)

	var de *notify.DispatchError
	require.True(t, errors.As(res.Outcomes[2].Err, &de))
	assert.Equal(t, routing.AudienceMaterialsDonors, de.Audience)
	assert.Equal(t, rid, de.RequestID)
	assert.EqualError(t, errors.Unwrap(de), "push gateway down")

	failed, err := s.GetDelivery(ctx, res.Outcomes[2].Delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, notify.StatusFailed, failed.Status)
	assert.Equal(t, "push gateway down", failed.LastError)
}

func TestReclaimKeepsDeliveryID(t *testing.T) {
	var attempts []int
	var ids []id.DeliveryID
	fail := true
	d := notify.NewDispatcher(memory.New(), notify.DelivererFunc(func(_ context.Context, msg notify.Message) (*notify.DeliveryReceipt, error) {
		attempts = append(attempts, msg.Attempt)
		ids = append(ids, msg.DeliveryID)
		if fail {
			return nil, errors.New("timeout")
		}
		return nil, nil
	}))
	ctx := context.Background()
	rid := id.NewRequestID()
	info := routing.Info{Notify: routing.NewSet(routing.AudienceAdmin)}

	res, err := d.Dispatch(ctx, rid, info)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(notify.OutcomeFailed))

	fail = false
	res, err = d.Dispatch(ctx, rid, info)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(notify.OutcomeDelivered))

	assert.Equal(t, []int{1, 2}, attempts)
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1], "the delivery id is stable across attempts")
}

func TestDispatchUsesClock(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	s := memory.New()
	d := notify.NewDispatcher(s,
		notify.DelivererFunc(func(context.Context, notify.Message) (*notify.DeliveryReceipt, error) { return nil, nil }),
		notify.WithClock(func() time.Time { return fixed }),
	)

	res, err := d.Dispatch(context.Background(), id.NewRequestID(), routing.Info{Dashboards: routing.NewSet(routing.AudienceAdmin)})
	require.NoError(t, err)

	stored, err := s.GetDelivery(context.Background(), res.Outcomes[0].Delivery.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DeliveredAt)
	assert.Equal(t, fixed, *stored.DeliveredAt)
	assert.Equal(t, fixed, stored.CreatedAt)
}

func TestDispatchNilRequest(t *testing.T) {
	d := notify.NewDispatcher(memory.New(), notify.DelivererFunc(func(context.Context, notify.Message) (*notify.DeliveryReceipt, error) { return nil, nil }))
	_, err := d.Dispatch(context.Background(), id.Nil, routing.Info{})
	assert.Error(t, err)
}
