package sqlite

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/almoner/account"
	"github.com/xraph/almoner/audit"
	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/feature"
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/meter"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/request"
	"github.com/xraph/almoner/routing"
	"github.com/xraph/almoner/types"
)

// SQLite has no JSON column type: payloads and details are stored as
// TEXT. Audit timestamps are stored as Unix nanoseconds so that the
// (timestamp, id) order compares numerically.

// ==================== Request models ====================

type requestModel struct {
	grove.BaseModel `grove:"table:almoner_requests"`

	ID                string     `grove:"id,pk"`
	Kind              string     `grove:"kind"`
	Status            string     `grove:"status"`
	Version           int64      `grove:"version"`
	SubmitterID       string     `grove:"submitter_id"`
	Payload           string     `grove:"payload"`
	AdminNotes        string     `grove:"admin_notes"`
	AssignedTeacherID string     `grove:"assigned_teacher_id"`
	DecidedAt         *time.Time `grove:"decided_at"`
	DecidedBy         string     `grove:"decided_by"`
	CreatedAt         time.Time  `grove:"created_at"`
	UpdatedAt         time.Time  `grove:"updated_at"`
}

func toRequestModel(r *request.Request) (*requestModel, error) {
	payload := "{}"
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, err
		}
		payload = string(raw)
	}

	return &requestModel{
		ID:                r.ID.String(),
		Kind:              string(r.Kind),
		Status:            string(r.Status),
		Version:           r.Version,
		SubmitterID:       r.SubmitterID,
		Payload:           payload,
		AdminNotes:        r.AdminNotes,
		AssignedTeacherID: r.AssignedTeacherID,
		DecidedAt:         r.DecidedAt,
		DecidedBy:         r.DecidedBy,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

func fromRequestModel(m *requestModel) (*request.Request, error) {
	requestID, err := id.ParseRequestID(m.ID)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if m.Payload != "" && m.Payload != "null" {
		if err := json.Unmarshal([]byte(m.Payload), &payload); err != nil {
			return nil, err
		}
	}

	return &request.Request{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                requestID,
		Kind:              request.Kind(m.Kind),
		Status:            request.Status(m.Status),
		Version:           m.Version,
		SubmitterID:       m.SubmitterID,
		Payload:           payload,
		AdminNotes:        m.AdminNotes,
		AssignedTeacherID: m.AssignedTeacherID,
		DecidedAt:         m.DecidedAt,
		DecidedBy:         m.DecidedBy,
	}, nil
}

// ==================== Account models ====================

type accountModel struct {
	grove.BaseModel `grove:"table:almoner_accounts"`

	ID        string    `grove:"id,pk"`
	SubjectID string    `grove:"subject_id"`
	Credits   int64     `grove:"credits"`
	Version   int64     `grove:"version"`
	CreatedAt time.Time `grove:"created_at"`
	UpdatedAt time.Time `grove:"updated_at"`
}

func toAccountModel(a *account.Account) *accountModel {
	return &accountModel{
		ID:        a.ID.String(),
		SubjectID: a.SubjectID,
		Credits:   a.Credits,
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func fromAccountModel(m *accountModel) (*account.Account, error) {
	accountID, err := id.ParseAccountID(m.ID)
	if err != nil {
		return nil, err
	}
	return &account.Account{
		Entity:    types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:        accountID,
		SubjectID: m.SubjectID,
		Credits:   m.Credits,
		Version:   m.Version,
	}, nil
}

// ==================== Feature models ====================

type featureModel struct {
	grove.BaseModel `grove:"table:almoner_features"`

	ID             string     `grove:"id,pk"`
	Kind           string     `grove:"kind"`
	Name           string     `grove:"name"`
	Enabled        bool       `grove:"enabled"`
	CreditRequired int64      `grove:"credit_required"`
	UsageCount     int64      `grove:"usage_count"`
	LastUsedAt     *time.Time `grove:"last_used_at"`
	CreatedAt      time.Time  `grove:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"`
}

func toFeatureModel(f *feature.Feature) *featureModel {
	return &featureModel{
		ID:             f.ID.String(),
		Kind:           string(f.Kind),
		Name:           f.Name,
		Enabled:        f.Enabled,
		CreditRequired: f.CreditRequired,
		UsageCount:     f.UsageCount,
		LastUsedAt:     f.LastUsedAt,
		CreatedAt:      f.CreatedAt,
		UpdatedAt:      f.UpdatedAt,
	}
}

func fromFeatureModel(m *featureModel) (*feature.Feature, error) {
	featureID, err := id.ParseFeatureID(m.ID)
	if err != nil {
		return nil, err
	}
	return &feature.Feature{
		Entity:         types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:             featureID,
		Kind:           feature.Kind(m.Kind),
		Name:           m.Name,
		Enabled:        m.Enabled,
		CreditRequired: m.CreditRequired,
		UsageCount:     m.UsageCount,
		LastUsedAt:     m.LastUsedAt,
	}, nil
}

// ==================== Usage models ====================

type usageEventModel struct {
	grove.BaseModel `grove:"table:almoner_usage_events"`

	ID        string    `grove:"id,pk"`
	AccountID string    `grove:"account_id"`
	FeatureID string    `grove:"feature_id"`
	ReceiptID string    `grove:"receipt_id"`
	Quantity  int64     `grove:"quantity"`
	Timestamp time.Time `grove:"timestamp"`
}

func toUsageEventModel(e *meter.UsageEvent) *usageEventModel {
	return &usageEventModel{
		ID:        e.ID.String(),
		AccountID: e.AccountID.String(),
		FeatureID: e.FeatureID.String(),
		ReceiptID: e.ReceiptID.String(),
		Quantity:  e.Quantity,
		Timestamp: e.Timestamp,
	}
}

// ==================== Receipt models ====================

type receiptModel struct {
	grove.BaseModel `grove:"table:almoner_receipts"`

	ID             string     `grove:"id,pk"`
	AccountID      string     `grove:"account_id"`
	FeatureID      string     `grove:"feature_id"`
	Amount         int64      `grove:"amount"`
	BalanceAfter   int64      `grove:"balance_after"`
	AccountVersion int64      `grove:"account_version"`
	IdempotencyKey string     `grove:"idempotency_key"`
	Status         string     `grove:"status"`
	SettledAt      *time.Time `grove:"settled_at"`
	CreatedAt      time.Time  `grove:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"`
}

func toReceiptModel(r *entitlement.Receipt) *receiptModel {
	return &receiptModel{
		ID:             r.ID.String(),
		AccountID:      r.AccountID.String(),
		FeatureID:      r.FeatureID.String(),
		Amount:         r.Amount,
		BalanceAfter:   r.BalanceAfter,
		AccountVersion: r.AccountVersion,
		IdempotencyKey: r.IdempotencyKey,
		Status:         string(r.Status),
		SettledAt:      r.SettledAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func fromReceiptModel(m *receiptModel) (*entitlement.Receipt, error) {
	receiptID, err := id.ParseReceiptID(m.ID)
	if err != nil {
		return nil, err
	}
	accountID, err := id.ParseAccountID(m.AccountID)
	if err != nil {
		return nil, err
	}
	featureID, err := id.ParseFeatureID(m.FeatureID)
	if err != nil {
		return nil, err
	}
	return &entitlement.Receipt{
		Entity:         types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:             receiptID,
		AccountID:      accountID,
		FeatureID:      featureID,
		Amount:         m.Amount,
		BalanceAfter:   m.BalanceAfter,
		AccountVersion: m.AccountVersion,
		IdempotencyKey: m.IdempotencyKey,
		Status:         entitlement.ReceiptStatus(m.Status),
		SettledAt:      m.SettledAt,
	}, nil
}

// ==================== Delivery models ====================

type deliveryModel struct {
	grove.BaseModel `grove:"table:almoner_deliveries"`

	ID          string     `grove:"id,pk"`
	RequestID   string     `grove:"request_id"`
	Audience    string     `grove:"audience"`
	Channels    string     `grove:"channels"`
	Status      string     `grove:"status"`
	Reference   string     `grove:"reference"`
	Attempts    int        `grove:"attempts"`
	LastError   string     `grove:"last_error"`
	DeliveredAt *time.Time `grove:"delivered_at"`
	CreatedAt   time.Time  `grove:"created_at"`
	UpdatedAt   time.Time  `grove:"updated_at"`
}

func toDeliveryModel(d *notify.Delivery) *deliveryModel {
	return &deliveryModel{
		ID:          d.ID.String(),
		RequestID:   d.RequestID.String(),
		Audience:    string(d.Audience),
		Channels:    notify.JoinChannels(d.Channels),
		Status:      string(d.Status),
		Reference:   d.Reference,
		Attempts:    d.Attempts,
		LastError:   d.LastError,
		DeliveredAt: d.DeliveredAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func fromDeliveryModel(m *deliveryModel) (*notify.Delivery, error) {
	deliveryID, err := id.ParseDeliveryID(m.ID)
	if err != nil {
		return nil, err
	}
	requestID, err := id.ParseRequestID(m.RequestID)
	if err != nil {
		return nil, err
	}
	return &notify.Delivery{
		Entity:      types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:          deliveryID,
		RequestID:   requestID,
		Audience:    routing.Audience(m.Audience),
		Channels:    notify.ParseChannels(m.Channels),
		Status:      notify.Status(m.Status),
		Reference:   m.Reference,
		Attempts:    m.Attempts,
		LastError:   m.LastError,
		DeliveredAt: m.DeliveredAt,
	}, nil
}

// ==================== Audit models ====================

type auditModel struct {
	grove.BaseModel `grove:"table:almoner_audit"`

	ID        string `grove:"id,pk"`
	Timestamp int64  `grove:"timestamp"`
	Actor     string `grove:"actor"`
	Action    string `grove:"action"`
	SubjectID string `grove:"subject_id"`
	Details   string `grove:"details"`
}

func toAuditModel(e *audit.Entry) (*auditModel, error) {
	details := "{}"
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return nil, err
		}
		details = string(raw)
	}
	return &auditModel{
		ID:        e.ID.String(),
		Timestamp: e.Timestamp.UnixNano(),
		Actor:     e.Actor,
		Action:    e.Action,
		SubjectID: e.SubjectID,
		Details:   details,
	}, nil
}

func fromAuditModel(m *auditModel) (*audit.Entry, error) {
	auditID, err := id.ParseAuditID(m.ID)
	if err != nil {
		return nil, err
	}
	var details map[string]string
	if m.Details != "" {
		if err := json.Unmarshal([]byte(m.Details), &details); err != nil {
			return nil, err
		}
	}
	return &audit.Entry{
		ID:        auditID,
		Timestamp: time.Unix(0, m.Timestamp).UTC(),
		Actor:     m.Actor,
		Action:    m.Action,
		SubjectID: m.SubjectID,
		Details:   details,
	}, nil
}
