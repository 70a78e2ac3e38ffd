package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
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

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("almoner/postgres: create migration executor: %w", err)
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
	res, err := s.pg.NewInsert(m).OnConflict("(id) DO NOTHING").Exec(ctx)
	if err != nil {
		return err
	}
	return insertedOrExists(res)
}

func (s *Store) GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error) {
	m := new(requestModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", requestID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, almoner.ErrRequestNotFound
		}
		return nil, err
	}
	return fromRequestModel(m)
}

// SwapRequest writes r only if the stored row still carries
// expectedVersion. The version check and the write are one statement.
func (s *Store) SwapRequest(ctx context.Context, r *request.Request, expectedVersion int64) error {
	m, err := toRequestModel(r)
	if err != nil {
		return err
	}
	res, err := s.pg.NewUpdate((*requestModel)(nil)).
		Set("status = $1", m.Status).
		Set("version = $2", m.Version).
		Set("payload = $3", m.Payload).
		Set("admin_notes = $4", m.AdminNotes).
		Set("assigned_teacher_id = $5", m.AssignedTeacherID).
		Set("decided_at = $6", m.DecidedAt).
		Set("decided_by = $7", m.DecidedBy).
		Set("updated_at = $8", m.UpdatedAt).
		Where("id = $9", m.ID).
		Where("version = $10", expectedVersion).
		Where("(status = 'pending' OR (status = $11 AND admin_notes = $12 AND assigned_teacher_id = $13))",
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
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if opts.Kind != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("kind = $%d", argIdx), string(opts.Kind))
	}
	if opts.SubmitterID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("submitter_id = $%d", argIdx), opts.SubmitterID)
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
	res, err := s.pg.NewInsert(toAccountModel(a)).OnConflict("(id) DO NOTHING").Exec(ctx)
	if err != nil {
		return err
	}
	return insertedOrExists(res)
}

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	m := new(accountModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", accountID.String()).
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
	res, err := s.pg.NewUpdate((*accountModel)(nil)).
		Set("credits = $1", a.Credits).
		Set("version = $2", a.Version).
		Set("updated_at = $3", a.UpdatedAt).
		Where("id = $4", a.ID.String()).
		Where("version = $5", expectedVersion).
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
	res, err := s.pg.NewInsert(toFeatureModel(f)).OnConflict("(id) DO NOTHING").Exec(ctx)
	if err != nil {
		return err
	}
	return insertedOrExists(res)
}

func (s *Store) GetFeature(ctx context.Context, featureID id.FeatureID) (*feature.Feature, error) {
	m := new(featureModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", featureID.String()).
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
	res, err := s.pg.NewUpdate((*featureModel)(nil)).
		Set("kind = $1", string(f.Kind)).
		Set("name = $2", f.Name).
		Set("enabled = $3", f.Enabled).
		Set("credit_required = $4", f.CreditRequired).
		Set("updated_at = $5", f.UpdatedAt).
		Where("id = $6", f.ID.String()).
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
// counters. Events already stored are skipped; counters are advanced by
// the batch as given.
func (s *Store) RecordUsage(ctx context.Context, events []*meter.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	models := make([]usageEventModel, len(events))
	for i, e := range events {
		models[i] = *toUsageEventModel(e)
	}
	if _, err := s.pg.NewInsert(&models).OnConflict("(id) DO NOTHING").Exec(ctx); err != nil {
		return err
	}

	for featureID, tally := range meter.Summarize(events) {
		_, err := s.pg.NewUpdate((*featureModel)(nil)).
			Set("usage_count = usage_count + $1", tally.Count).
			Set("last_used_at = CASE WHEN last_used_at IS NULL OR last_used_at < $2 THEN $3 ELSE last_used_at END",
				tally.LastUsedAt, tally.LastUsedAt).
			Where("id = $4", featureID.String()).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("almoner/postgres: update usage for %s: %w", featureID, err)
		}
	}
	return nil
}

// ==================== Receipt Store ====================

// CreateReceipt inserts r. A row with the same id, or the same
// (account, idempotency key), makes it fail with ErrAlreadyExists.
func (s *Store) CreateReceipt(ctx context.Context, r *entitlement.Receipt) error {
	res, err := s.pg.NewInsert(toReceiptModel(r)).OnConflict("DO NOTHING").Exec(ctx)
	if err != nil {
		return err
	}
	return insertedOrExists(res)
}

func (s *Store) GetReceipt(ctx context.Context, receiptID id.ReceiptID) (*entitlement.Receipt, error) {
	m := new(receiptModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", receiptID.String()).
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
	err := s.pg.NewSelect(m).
		Where("account_id = $1", accountID.String()).
		Where("idempotency_key = $2", key).
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
	res, err := s.pg.NewUpdate(toReceiptModel(r)).WherePK().Exec(ctx)
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
	res, err := s.pg.NewDelete((*receiptModel)(nil)).
		Where("id = $1", receiptID.String()).
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

// ClaimDelivery inserts d unless its (request, audience) key is
// taken. A failed record under the key is reset to pending and its
// attempt count advanced; any other record is returned with
// notify.ErrAlreadyClaimed.
func (s *Store) ClaimDelivery(ctx context.Context, d *notify.Delivery) (*notify.Delivery, error) {
	res, err := s.pg.NewInsert(toDeliveryModel(d)).
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

	res, err = s.pg.NewUpdate((*deliveryModel)(nil)).
		Set("status = $1", string(notify.StatusPending)).
		Set("attempts = attempts + 1").
		Set("updated_at = $2", d.UpdatedAt).
		Where("request_id = $3", d.RequestID.String()).
		Where("audience = $4", string(d.Audience)).
		Where("status = $5", string(notify.StatusFailed)).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	rows, err = res.RowsAffected()
	if err != nil {
		return nil, err
	}

	cur, err := s.getDeliveryByKey(ctx, d)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return cur, notify.ErrAlreadyClaimed
	}
	return cur, nil
}

func (s *Store) getDeliveryByKey(ctx context.Context, d *notify.Delivery) (*notify.Delivery, error) {
	m := new(deliveryModel)
	err := s.pg.NewSelect(m).
		Where("request_id = $1", d.RequestID.String()).
		Where("audience = $2", string(d.Audience)).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, almoner.ErrDeliveryNotFound
		}
		return nil, err
	}
	return fromDeliveryModel(m)
}

// CompleteDelivery records the outcome of an attempt. The attempt count
// is owned by ClaimDelivery and left as stored.
func (s *Store) CompleteDelivery(ctx context.Context, d *notify.Delivery) error {
	res, err := s.pg.NewUpdate((*deliveryModel)(nil)).
		Set("status = $1", string(d.Status)).
		Set("reference = $2", d.Reference).
		Set("last_error = $3", d.LastError).
		Set("delivered_at = $4", d.DeliveredAt).
		Set("updated_at = $5", d.UpdatedAt).
		Where("id = $6", d.ID.String()).
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
	err := s.pg.NewSelect(m).
		Where("id = $1", deliveryID.String()).
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
	err := s.pg.NewSelect(&models).
		Where("request_id = $1", requestID.String()).
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
	_, err := s.pg.NewInsert(toAuditModel(e)).Exec(ctx)
	return err
}

func (s *Store) QueryAudit(ctx context.Context, q audit.Query) ([]*audit.Entry, error) {
	var models []auditModel
	query := s.pg.NewSelect(&models)

	argIdx := 0
	if q.SubjectID != "" {
		argIdx++
		query = query.Where(fmt.Sprintf("subject_id = $%d", argIdx), q.SubjectID)
	}
	if !q.Start.IsZero() {
		argIdx++
		query = query.Where(fmt.Sprintf("timestamp >= $%d", argIdx), q.Start)
	}
	if !q.End.IsZero() {
		argIdx++
		query = query.Where(fmt.Sprintf("timestamp < $%d", argIdx), q.End)
	}
	if !q.After.IsZero() {
		query = query.Where(fmt.Sprintf("(timestamp, id) > ($%d, $%d)", argIdx+1, argIdx+2),
			q.After.Timestamp, q.After.ID.String())
		argIdx += 2
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

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

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
