package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

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

// Collection name constants.
const (
	colRequests    = "almoner_requests"
	colAccounts    = "almoner_accounts"
	colFeatures    = "almoner_features"
	colUsageEvents = "almoner_usage_events"
	colReceipts    = "almoner_receipts"
	colDeliveries  = "almoner_deliveries"
	colAudit       = "almoner_audit"
)

// compile-time interface check
var _ almonerstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all almoner collections. The unique
// indexes back idempotency keys and delivery claims.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%w: %s indexes: %w", almoner.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Request Store ====================

func (s *Store) CreateRequest(ctx context.Context, r *request.Request) error {
	_, err := s.mdb.NewInsert(toRequestModel(r)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return almoner.ErrAlreadyExists
		}
		return fmt.Errorf("almoner/mongo: create request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error) {
	var m requestModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": requestID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, almoner.ErrRequestNotFound
		}
		return nil, fmt.Errorf("almoner/mongo: get request: %w", err)
	}
	return fromRequestModel(&m)
}

func (s *Store) SwapRequest(ctx context.Context, r *request.Request, expectedVersion int64) error {
	m := toRequestModel(r)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{
			"_id":     m.ID,
			"version": expectedVersion,
			"$or": bson.A{
				bson.M{"status": string(request.StatusPending)},
				bson.M{"status": m.Status, "admin_notes": m.AdminNotes, "assigned_teacher_id": m.AssignedTeacherID},
			},
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("almoner/mongo: swap request: %w", err)
	}
	if res.MatchedCount() == 0 {
		cur, err := s.GetRequest(ctx, r.ID)
		if err != nil {
			return err
		}
		if cur.Version == expectedVersion && cur.Status.IsTerminal() {
			return almoner.ErrAlreadyDecided
		}
		return almoner.ErrConflict
	}
	return nil
}

func (s *Store) ListRequests(ctx context.Context, opts request.ListOpts) ([]*request.Request, error) {
	var models []requestModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.Kind != "" {
		filter["kind"] = string(opts.Kind)
	}
	if opts.SubmitterID != "" {
		filter["submitter_id"] = opts.SubmitterID
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("almoner/mongo: list requests: %w", err)
	}

	result := make([]*request.Request, len(models))
	for i := range models {
		r, err := fromRequestModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) error {
	_, err := s.mdb.NewInsert(toAccountModel(a)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return almoner.ErrAlreadyExists
		}
		return fmt.Errorf("almoner/mongo: create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	var m accountModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": accountID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, almoner.ErrAccountNotFound
		}
		return nil, fmt.Errorf("almoner/mongo: get account: %w", err)
	}
	return fromAccountModel(&m)
}

func (s *Store) SwapAccount(ctx context.Context, a *account.Account, expectedVersion int64) error {
	res, err := s.mdb.NewUpdate((*accountModel)(nil)).
		Filter(bson.M{"_id": a.ID.String(), "version": expectedVersion}).
		Set("credits", a.Credits).
		Set("version", a.Version).
		Set("updated_at", a.UpdatedAt).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("almoner/mongo: swap account: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, err := s.GetAccount(ctx, a.ID); err != nil {
			return err
		}
		return almoner.ErrConflict
	}
	return nil
}

// ==================== Feature Store ====================

func (s *Store) CreateFeature(ctx context.Context, f *feature.Feature) error {
	_, err := s.mdb.NewInsert(toFeatureModel(f)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return almoner.ErrAlreadyExists
		}
		return fmt.Errorf("almoner/mongo: create feature: %w", err)
	}
	return nil
}

func (s *Store) GetFeature(ctx context.Context, featureID id.FeatureID) (*feature.Feature, error) {
	var m featureModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": featureID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, almoner.ErrFeatureNotFound
		}
		return nil, fmt.Errorf("almoner/mongo: get feature: %w", err)
	}
	return fromFeatureModel(&m)
}

func (s *Store) UpdateFeature(ctx context.Context, f *feature.Feature) error {
	res, err := s.mdb.NewUpdate((*featureModel)(nil)).
		Filter(bson.M{"_id": f.ID.String()}).
		Set("kind", string(f.Kind)).
		Set("name", f.Name).
		Set("enabled", f.Enabled).
		Set("credit_required", f.CreditRequired).
		Set("updated_at", f.UpdatedAt).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("almoner/mongo: update feature: %w", err)
	}
	if res.MatchedCount() == 0 {
		return almoner.ErrFeatureNotFound
	}
	return nil
}

// ==================== Usage Store ====================

func (s *Store) RecordUsage(ctx context.Context, events []*meter.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		_, err := s.mdb.NewInsert(toUsageEventModel(e)).Exec(ctx)
		if err != nil {
			// Skip duplicates for idempotency
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return fmt.Errorf("almoner/mongo: record usage: %w", err)
		}
	}

	for featureID, tally := range meter.Summarize(events) {
		_, err := s.mdb.NewUpdate((*featureModel)(nil)).
			Filter(bson.M{"_id": featureID.String()}).
			SetUpdate(bson.M{
				"$inc": bson.M{"usage_count": tally.Count},
				"$max": bson.M{"last_used_at": tally.LastUsedAt},
			}).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("almoner/mongo: update usage for %s: %w", featureID, err)
		}
	}
	return nil
}

// ==================== Receipt Store ====================

func (s *Store) CreateReceipt(ctx context.Context, r *entitlement.Receipt) error {
	_, err := s.mdb.NewInsert(toReceiptModel(r)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return almoner.ErrAlreadyExists
		}
		return fmt.Errorf("almoner/mongo: create receipt: %w", err)
	}
	return nil
}

func (s *Store) GetReceipt(ctx context.Context, receiptID id.ReceiptID) (*entitlement.Receipt, error) {
	var m receiptModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": receiptID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, almoner.ErrReceiptNotFound
		}
		return nil, fmt.Errorf("almoner/mongo: get receipt: %w", err)
	}
	return fromReceiptModel(&m)
}

func (s *Store) GetReceiptByKey(ctx context.Context, accountID id.AccountID, key string) (*entitlement.Receipt, error) {
	var m receiptModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"account_id": accountID.String(), "idempotency_key": key}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, almoner.ErrReceiptNotFound
		}
		return nil, fmt.Errorf("almoner/mongo: get receipt by key: %w", err)
	}
	return fromReceiptModel(&m)
}

func (s *Store) UpdateReceipt(ctx context.Context, r *entitlement.Receipt) error {
	m := toReceiptModel(r)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("almoner/mongo: update receipt: %w", err)
	}
	if res.MatchedCount() == 0 {
		return almoner.ErrReceiptNotFound
	}
	return nil
}

func (s *Store) DeleteReceipt(ctx context.Context, receiptID id.ReceiptID) error {
	res, err := s.mdb.NewDelete((*receiptModel)(nil)).
		Filter(bson.M{"_id": receiptID.String()}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("almoner/mongo: delete receipt: %w", err)
	}
	if res.DeletedCount() == 0 {
		return almoner.ErrReceiptNotFound
	}
	return nil
}

// ==================== Delivery Store ====================

func (s *Store) ClaimDelivery(ctx context.Context, d *notify.Delivery) (*notify.Delivery, error) {
	_, err := s.mdb.NewInsert(toDeliveryModel(d)).Exec(ctx)
	if err == nil {
		return d.Clone(), nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("almoner/mongo: claim delivery: %w", err)
	}

	key := bson.M{
		"request_id": d.RequestID.String(),
		"audience":   string(d.Audience),
	}
	reclaim := bson.M{"status": string(notify.StatusFailed)}
	for k, v := range key {
		reclaim[k] = v
	}
	res, err := s.mdb.NewUpdate((*deliveryModel)(nil)).
		Filter(reclaim).
		SetUpdate(bson.M{
			"$set": bson.M{"status": string(notify.StatusPending), "updated_at": d.UpdatedAt},
			"$inc": bson.M{"attempts": 1},
		}).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("almoner/mongo: reclaim delivery: %w", err)
	}

	var m deliveryModel
	if err := s.mdb.NewFind(&m).Filter(key).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, almoner.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("almoner/mongo: get delivery by key: %w", err)
	}
	cur, err := fromDeliveryModel(&m)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount() == 0 {
		return cur, notify.ErrAlreadyClaimed
	}
	return cur, nil
}

func (s *Store) CompleteDelivery(ctx context.Context, d *notify.Delivery) error {
	res, err := s.mdb.NewUpdate((*deliveryModel)(nil)).
		Filter(bson.M{"_id": d.ID.String()}).
		Set("status", string(d.Status)).
		Set("reference", d.Reference).
		Set("last_error", d.LastError).
		Set("delivered_at", d.DeliveredAt).
		Set("updated_at", d.UpdatedAt).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("almoner/mongo: complete delivery: %w", err)
	}
	if res.MatchedCount() == 0 {
		return almoner.ErrDeliveryNotFound
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, deliveryID id.DeliveryID) (*notify.Delivery, error) {
	var m deliveryModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": deliveryID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, almoner.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("almoner/mongo: get delivery: %w", err)
	}
	return fromDeliveryModel(&m)
}

func (s *Store) ListDeliveries(ctx context.Context, requestID id.RequestID) ([]*notify.Delivery, error) {
	var models []deliveryModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"request_id": requestID.String()}).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("almoner/mongo: list deliveries: %w", err)
	}

	result := make([]*notify.Delivery, len(models))
	for i := range models {
		d, err := fromDeliveryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}

// ==================== Audit Store ====================

func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	_, err := s.mdb.NewInsert(toAuditModel(e)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("almoner/mongo: append audit: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, q audit.Query) ([]*audit.Entry, error) {
	var models []auditModel

	var clauses bson.A
	if q.SubjectID != "" {
		clauses = append(clauses, bson.M{"subject_id": q.SubjectID})
	}
	if !q.Start.IsZero() {
		clauses = append(clauses, bson.M{"timestamp": bson.M{"$gte": q.Start}})
	}
	if !q.End.IsZero() {
		clauses = append(clauses, bson.M{"timestamp": bson.M{"$lt": q.End}})
	}
	if !q.After.IsZero() {
		clauses = append(clauses, bson.M{"$or": bson.A{
			bson.M{"timestamp": bson.M{"$gt": q.After.Timestamp}},
			bson.M{"timestamp": q.After.Timestamp, "_id": bson.M{"$gt": q.After.ID.String()}},
		}})
	}
	filter := bson.M{}
	if len(clauses) > 0 {
		filter["$and"] = clauses
	}

	query := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	if q.PageSize > 0 {
		query = query.Limit(int64(q.PageSize))
	}

	if err := query.Scan(ctx); err != nil {
		return nil, fmt.Errorf("almoner/mongo: query audit: %w", err)
	}

	result := make([]*audit.Entry, len(models))
	for i := range models {
		e, err := fromAuditModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

// ==================== Helpers ====================

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all almoner collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colRequests: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "submitter_id", Value: 1}}},
		},
		colAccounts: {
			{Keys: bson.D{{Key: "subject_id", Value: 1}}},
		},
		colFeatures: {
			{Keys: bson.D{{Key: "kind", Value: 1}}},
		},
		colUsageEvents: {
			{Keys: bson.D{{Key: "feature_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		},
		colReceipts: {
			{
				Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$gt": ""}}),
			},
		},
		colDeliveries: {
			{
				Keys:    bson.D{{Key: "request_id", Value: 1}, {Key: "audience", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colAudit: {
			{Keys: bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "subject_id", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}},
		},
	}
}
