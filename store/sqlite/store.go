package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

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

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("almoner/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", almoner.ErrMigrationFailed, err)
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
	m, err := toRequestModel(r)
	if err != nil {
		return err
	}
	res, err := s.sdb.NewInsert(m).OnConflict("(id) DO NOTHING").Exec(ctx)
	if err != nil {
		return err
	}
	return insertedOrExists(res)
}

func (s *Store) GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error) {
	m := new(requestModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", requestID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, almoner.ErrRequestNotFound
		}
		return nil, err
	}
	return fromRequestModel(m)
}

func (s *Store) SwapRequest(ctx context.Context, r *request.Request, expectedVersion int64) error {
	m, err := toRequestModel(r)
	if err != nil {
		return err
	}
	res, err := s.sdb.NewUpdate((*requestModel)(nil)).
		Set("status = ?", m.Status).
		Set("version = ?", m.Version).
		Set("payload = ?", m.Payload).
		Set("admin_notes = ?", m.AdminNotes).
		Set("assigned_teacher_id = ?", m.AssignedTeacherID).
		Set("decided_at = ?", m.DecidedAt).
		Set("decided_by = ?", m.DecidedBy).
		Set("updated_at = ?", m.UpdatedAt).
		Where("id = ?", m.ID).
		Where("version = ?", expectedVersion).
		Where("(status = 'pending' OR (status = ? AND admin_notes = ? AND assigned_teacher_id = ?))",
			m.Status, m.AdminNotes, m.AssignedTeacherID).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.swapMissed(ctx, r.ID, expectedVersion)
	}
	return nil
}

// swapMissed explains a conditional update that touched no rows.
func (s *Store) swapMissed(ctx context.Context, requestID id.RequestID, expectedVersion int64) error {
	cur, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if cur.Version == expectedVersion && cur.Status.IsTerminal() {
		return almoner.ErrAlreadyDecided
	}
	return almoner.ErrConflict
}

func (s *Store) ListRequests(ctx context.Context, opts request.ListOpts) ([]*request.Request, error) {
	var models []requestModel
	q := s.sdb.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Kind != "" {
		q = q.Where("kind = ?", string(opts.Kind))
	}
	if opts.SubmitterID != "" {
		q = q.Where("submitter_id = ?", opts.SubmitterID)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	res, err := s.sdb.NewInsert(toAccountModel(a)).OnConflict("(id) DO NOTHING").Exec(ctx)
	if err != nil {
		return err
	}
	return insertedOrExists(res)
}

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	m := new(accountModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", accountID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, almoner.ErrAccountNotFound
		}
		return nil, err
	}
	return fromAccountModel(m)
}

func (s *Store) SwapAccount(ctx context.Context, a *account.Account, expectedVersion int64) error {
	res, err := s.sdb.NewUpdate((*accountModel)(nil)).
		Set("credits = ?", a.Credits).
		Set("version = ?", a.Version).
		Set("updated_at = ?", a.UpdatedAt).
		Where("id = ?", a.ID.String()).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetAccount(ctx, a.ID); err != nil {
			return err
		}
		return almoner.ErrConflict
	}
	return nil
}

// ==================== Feature Store ====================

func (s *Store) CreateFeature(ctx context.Context, f *feature.Feature) error {
	res, err := s.sdb.NewInsert(toFeatureModel(f)).OnConflict("(id) DO NOTHING").Exec(ctx)
	if err != nil {
		return err
	}
	return insertedOrExists(res)
}

func (s *Store) GetFeature(ctx context.Context, featureID id.FeatureID) (*feature.Feature, error) {
	m := new(featureModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", featureID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, almoner.ErrFeatureNotFound
		}
		return nil, err
	}
	return fromFeatureModel(m)
}

func (s *Store) UpdateFeature(ctx context.Context, f *feature.Feature) error {
	res, err := s.sdb.NewUpdate((*featureModel)(nil)).
		Set("kind = ?", string(f.Kind)).
		Set("name = ?", f.Name).
		Set("enabled = ?", f.Enabled).
		Set("credit_required = ?", f.CreditRequired).
		Set("updated_at = ?", f.UpdatedAt).
		Where("id = ?", f.ID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return almoner.ErrFeatureNotFound
	}
	return nil
}

// ==================== Usage Store ====================

// RecordUsage stores the raw events and folds them into the per-feature
// counters. The last-used time is compared in Go because SQLite keeps
// timestamps as text.
func (s *Store) RecordUsage(ctx context.Context, events []*meter.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	models := make([]usageEventModel, len(events))
	for i, e := range events {
		models[i] = *toUsageEventModel(e)
	}
	if _, err := s.sdb.NewInsert(&models).OnConflict("(id) DO NOTHING").Exec(ctx); err != nil {
		return err
	}

	for featureID, tally := range meter.Summarize(events) {
		f, err := s.GetFeature(ctx, featureID)
		if err != nil {
			if errors.Is(err, almoner.ErrFeatureNotFound) {
				continue
			}
			return err
		}
		last := f.LastUsedAt
		if last == nil || tally.LastUsedAt.After(*last) {
			t := tally.LastUsedAt
			last = &t
		}
		_, err = s.sdb.NewUpdate((*featureModel)(nil)).
			Set("usage_count = usage_count + ?", tally.Count).
			Set("last_used_at = ?", last).
			Where("id = ?", featureID.String()).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("almoner/sqlite: update usage for %s: %w", featureID, err)
		}
	}
	return nil
}

// ==================== Receipt Store ====================

func (s *Store) CreateReceipt(ctx context.Context, r *entitlement.Receipt) error {
	res, err := s.sdb.NewInsert(toReceiptModel(r)).OnConflict("DO NOTHING").Exec(ctx)
	if err != nil {
		return err
	}
	return insertedOrExists(res)
}

func (s *Store) GetReceipt(ctx context.Context, receiptID id.ReceiptID) (*entitlement.Receipt, error) {
	m := new(receiptModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", receiptID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, almoner.ErrReceiptNotFound
		}
		return nil, err
	}
	return fromReceiptModel(m)
}

func (s *Store) GetReceiptByKey(ctx context.Context, accountID id.AccountID, key string) (*entitlement.Receipt, error) {
	m := new(receiptModel)
	err := s.sdb.NewSelect(m).
		Where("account_id = ?", accountID.String()).
		Where("idempotency_key = ?", key).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, almoner.ErrReceiptNotFound
		}
		return nil, err
	}
	return fromReceiptModel(m)
}

func (s *Store) UpdateReceipt(ctx context.Context, r *entitlement.Receipt) error {
	res, err := s.sdb.NewUpdate(toReceiptModel(r)).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return almoner.ErrReceiptNotFound
	}
	return nil
}

func (s *Store) DeleteReceipt(ctx context.Context, receiptID id.ReceiptID) error {
	res, err := s.sdb.NewDelete((*receiptModel)(nil)).
		Where("id = ?", receiptID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return almoner.ErrReceiptNotFound
	}
	return nil
}

// ==================== Delivery Store ====================

func (s *Store) ClaimDelivery(ctx context.Context, d *notify.Delivery) (*notify.Delivery, error) {
	res, err := s.sdb.NewInsert(toDeliveryModel(d)).
		OnConflict("(request_id, audience) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 1 {
		return d.Clone(), nil
	}

	res, err = s.sdb.NewUpdate((*deliveryModel)(nil)).
		Set("status = ?", string(notify.StatusPending)).
		Set("attempts = attempts + 1").
		Set("updated_at = ?", d.UpdatedAt).
		Where("request_id = ?", d.RequestID.String()).
		Where("audience = ?", string(d.Audience)).
		Where("status = ?", string(notify.StatusFailed)).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	rows, err = res.RowsAffected()
	if err != nil {
		return nil, err
	}

	m := new(deliveryModel)
	err = s.sdb.NewSelect(m).
		Where("request_id = ?", d.RequestID.String()).
		Where("audience = ?", string(d.Audience)).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, almoner.ErrDeliveryNotFound
		}
		return nil, err
	}
	cur, err := fromDeliveryModel(m)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return cur, notify.ErrAlreadyClaimed
	}
	return cur, nil
}

func (s *Store) CompleteDelivery(ctx context.Context, d *notify.Delivery) error {
	res, err := s.sdb.NewUpdate((*deliveryModel)(nil)).
		Set("status = ?", string(d.Status)).
		Set("reference = ?", d.Reference).
		Set("last_error = ?", d.LastError).
		Set("delivered_at = ?", d.DeliveredAt).
		Set("updated_at = ?", d.UpdatedAt).
		Where("id = ?", d.ID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return almoner.ErrDeliveryNotFound
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, deliveryID id.DeliveryID) (*notify.Delivery, error) {
	m := new(deliveryModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", deliveryID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, almoner.ErrDeliveryNotFound
		}
		return nil, err
	}
	return fromDeliveryModel(m)
}

func (s *Store) ListDeliveries(ctx context.Context, requestID id.RequestID) ([]*notify.Delivery, error) {
	var models []deliveryModel
	err := s.sdb.NewSelect(&models).
		Where("request_id = ?", requestID.String()).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
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
	m, err := toAuditModel(e)
	if err != nil {
		return err
	}
	_, err = s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) QueryAudit(ctx context.Context, q audit.Query) ([]*audit.Entry, error) {
	var models []auditModel
	query := s.sdb.NewSelect(&models)

	if q.SubjectID != "" {
		query = query.Where("subject_id = ?", q.SubjectID)
	}
	if !q.Start.IsZero() {
		query = query.Where("timestamp >= ?", q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		query = query.Where("timestamp < ?", q.End.UnixNano())
	}
	if !q.After.IsZero() {
		query = query.Where("(timestamp > ? OR (timestamp = ? AND id > ?))",
			q.After.Timestamp.UnixNano(), q.After.Timestamp.UnixNano(), q.After.ID.String())
	}
	if q.PageSize > 0 {
		query = query.Limit(q.PageSize)
	}
	query = query.OrderExpr("timestamp ASC, id ASC")

	if err := query.Scan(ctx); err != nil {
		return nil, err
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

type rowsResult interface {
	RowsAffected() (int64, error)
}

// insertedOrExists maps an ON CONFLICT DO NOTHING insert that wrote no
// row to ErrAlreadyExists.
func insertedOrExists(res rowsResult) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return almoner.ErrAlreadyExists
	}
	return nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
