package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/request"
	"github.com/xraph/almoner/routing"
	"github.com/xraph/almoner/types"
)

// sameJSON compares records by their JSON form, which is how IDs and
// timestamps are exposed to callers.
func sameJSON(t *testing.T, want, got any) {
	t.Helper()
	w, err := json.Marshal(want)
	require.NoError(t, err)
	g, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(w), string(g))
}

func TestRequestModelRoundTrip(t *testing.T) {
	decided := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	r := &request.Request{
		Entity:            types.NewEntityAt(decided.Add(-time.Hour)),
		ID:                id.NewRequestID(),
		Kind:              request.KindTuition,
		Status:            request.StatusApproved,
		Version:           1,
		SubmitterID:       "student-1",
		Payload:           map[string]any{"subject": "maths", "hours": 4.0},
		AdminNotes:        "ok",
		AssignedTeacherID: "teacher-123",
		DecidedAt:         &decided,
		DecidedBy:         "admin-1",
	}

	m, err := toRequestModel(r)
	require.NoError(t, err)
	got, err := fromRequestModel(m)
	require.NoError(t, err)
	sameJSON(t, r, got)
}

func TestRequestModelNilPayload(t *testing.T) {
	r := &request.Request{ID: id.NewRequestID(), Kind: request.KindMaterials}

	m, err := toRequestModel(r)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(m.Payload), "jsonb column is never NULL")

	got, err := fromRequestModel(m)
	require.NoError(t, err)
	assert.Empty(t, got.Payload)
}

func TestModelsRejectForeignIDs(t *testing.T) {
	m, err := toRequestModel(&request.Request{ID: id.NewAccountID()})
	require.NoError(t, err)
	_, err = fromRequestModel(m)
	assert.Error(t, err)
}

func TestReceiptAndDeliveryModels(t *testing.T) {
	settled := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	receipt := &entitlement.Receipt{
		Entity:         types.NewEntityAt(settled),
		ID:             id.NewReceiptID(),
		AccountID:      id.NewAccountID(),
		FeatureID:      id.NewFeatureID(),
		Amount:         3,
		BalanceAfter:   7,
		AccountVersion: 2,
		IdempotencyKey: "k",
		Status:         entitlement.ReceiptSettled,
		SettledAt:      &settled,
	}
	gotReceipt, err := fromReceiptModel(toReceiptModel(receipt))
	require.NoError(t, err)
	sameJSON(t, receipt, gotReceipt)

	d := &notify.Delivery{
		Entity:      types.NewEntityAt(settled),
		ID:          id.NewDeliveryID(),
		RequestID:   id.NewRequestID(),
		Audience:    routing.AudienceZakatDonor,
		Channels:    []notify.Channel{notify.ChannelDashboard, notify.ChannelNotify},
		Status:      notify.StatusDelivered,
		Reference:   "msg-1",
		Attempts:    2,
		DeliveredAt: &settled,
	}
	dm := toDeliveryModel(d)
	assert.Equal(t, "dashboard,notify", dm.Channels)
	gotDelivery, err := fromDeliveryModel(dm)
	require.NoError(t, err)
	sameJSON(t, d, gotDelivery)
}

func TestAuditModel(t *testing.T) {
	e := &audit.Entry{
		ID:        id.NewAuditID(),
		Timestamp: time.Date(2025, 4, 2, 10, 0, 0, 123, time.UTC),
		Actor:     "admin-1",
		Action:    audit.ActionDecision,
		SubjectID: "req_x",
		Details:   map[string]string{"outcome": "approved"},
	}
	got, err := fromAuditModel(toAuditModel(e))
	require.NoError(t, err)
	sameJSON(t, e, got)
}
