package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/25x8/bookstore-rewards/internal/bookstore/metrics"
	"github.com/25x8/bookstore-rewards/internal/bookstore/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db      *sql.DB
	timeout time.Duration
	tracer  trace.Tracer
	metrics *metrics.Rewards
}

// NewPostgresRepository creates a new PostgreSQL repository. Every storage
// call is bounded by timeout.
func NewPostgresRepository(timeout time.Duration, m *metrics.Rewards) *PostgresRepository {
	return &PostgresRepository{
		timeout: timeout,
		tracer:  otel.Tracer("bookstore/repository"),
		metrics: m,
	}
}

// InitDB initializes the database connection and schema
func (r *PostgresRepository) InitDB(ctx context.Context, databaseURI string) error {
	db, err := sql.Open("pgx", databaseURI)
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return classify(err)
	}

	r.db = db

	if err := r.createTables(ctx); err != nil {
		db.Close()
		return err
	}

	return nil
}

// Close closes the database connection
func (r *PostgresRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// createTables creates the necessary tables if they don't exist
func (r *PostgresRepository) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS point_balances (
			user_id VARCHAR(64) PRIMARY KEY,
			points BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS point_ledger (
			seq BIGSERIAL PRIMARY KEY,
			id UUID UNIQUE NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			order_id VARCHAR(64),
			kind VARCHAR(16) NOT NULL,
			points BIGINT NOT NULL CHECK (points > 0),
			reference_amount NUMERIC(20, 2) NOT NULL DEFAULT 0,
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS point_ledger_order_kind
			ON point_ledger (order_id, kind) WHERE order_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS point_ledger_user_seq ON point_ledger (user_id, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS discount_codes (
			code VARCHAR(32) PRIMARY KEY,
			value_type VARCHAR(16) NOT NULL,
			value NUMERIC(20, 4) NOT NULL,
			usage_limit INTEGER NOT NULL CHECK (usage_limit > 0),
			used_count INTEGER NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (used_count >= 0 AND used_count <= usage_limit)
		)`,
		`CREATE TABLE IF NOT EXISTS discount_applications (
			code VARCHAR(32) NOT NULL REFERENCES discount_codes(code),
			order_id VARCHAR(64) NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (code, order_id)
		)`,
		`CREATE TABLE IF NOT EXISTS order_settlements (
			order_id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			redeemed_points BIGINT NOT NULL DEFAULT 0,
			earned_points BIGINT NOT NULL DEFAULT 0,
			refunded_points BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL,
			settled BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// begin starts a storage operation: a bounded context, a span and a timer.
// The returned finish func must be called with the operation's error.
func (r *PostgresRepository) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	ctx, span := r.tracer.Start(ctx, "repository."+op, trace.WithAttributes(attrs...))

	return ctx, func(errp *error) {
		if *errp != nil {
			*errp = classify(*errp)
			if !errors.Is(*errp, models.ErrNotFound) {
				span.RecordError(*errp)
				span.SetStatus(codes.Error, (*errp).Error())
			}
		}
		span.End()
		cancel()
		r.metrics.ObserveStorage(op, started)
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GuardedAppend implements LedgerStore. The user's balance row is locked for
// the duration of the transaction, so concurrent writers for the same user
// are serialized while other users proceed in parallel.
func (r *PostgresRepository) GuardedAppend(ctx context.Context, entry models.LedgerEntry, guard BalancePredicate, exclusive ...models.EntryKind) (adj Adjustment, err error) {
	if err := validateEntry(entry); err != nil {
		return Adjustment{}, err
	}

	ctx, finish := r.begin(ctx, "guarded_append",
		attribute.String("user.id", entry.UserID),
		attribute.String("order.id", entry.OrderID),
		attribute.String("entry.kind", string(entry.Kind)),
		attribute.Int64("entry.points", entry.Points),
	)
	defer finish(&err)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Adjustment{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO point_balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		entry.UserID,
	); err != nil {
		return Adjustment{}, fmt.Errorf("ensure balance row: %w", err)
	}

	var current int64
	if err = tx.QueryRowContext(ctx,
		`SELECT points FROM point_balances WHERE user_id = $1 FOR UPDATE`,
		entry.UserID,
	).Scan(&current); err != nil {
		return Adjustment{}, fmt.Errorf("lock balance: %w", err)
	}

	if entry.OrderID != "" {
		kinds := append([]models.EntryKind{entry.Kind}, exclusive...)
		placeholders := make([]string, len(kinds))
		args := []interface{}{entry.OrderID}
		for i, k := range kinds {
			placeholders[i] = fmt.Sprintf("$%d", i+2)
			args = append(args, string(k))
		}

		var existing sql.NullString
		err = tx.QueryRowContext(ctx,
			`SELECT kind FROM point_ledger WHERE order_id = $1 AND kind IN (`+strings.Join(placeholders, ", ")+`) LIMIT 1`,
			args...,
		).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Adjustment{}, fmt.Errorf("check order entries: %w", err)
		}
		if existing.Valid {
			return Adjustment{Balance: current}, fmt.Errorf("%w: order %s already has %s", ErrDuplicateEntry, entry.OrderID, existing.String)
		}
	}

	next := current + entry.Delta()
	if next < 0 || (guard != nil && !guard(current)) {
		return Adjustment{Balance: current}, nil
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE point_balances SET points = $2, updated_at = $3 WHERE user_id = $1`,
		entry.UserID, next, entry.CreatedAt,
	); err != nil {
		return Adjustment{}, fmt.Errorf("update balance: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO point_ledger (id, user_id, order_id, kind, points, reference_amount, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.UserID, nullable(entry.OrderID), string(entry.Kind), entry.Points,
		entry.ReferenceAmount, entry.Note, entry.CreatedAt,
	); err != nil {
		return Adjustment{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return Adjustment{}, fmt.Errorf("commit transaction: %w", err)
	}

	return Adjustment{Entry: entry, Balance: next, Applied: true}, nil
}

// Balance implements LedgerStore
func (r *PostgresRepository) Balance(ctx context.Context, userID string) (bal models.PointBalance, err error) {
	ctx, finish := r.begin(ctx, "balance", attribute.String("user.id", userID))
	defer finish(&err)

	bal.UserID = userID
	err = r.db.QueryRowContext(ctx,
		`SELECT points, updated_at FROM point_balances WHERE user_id = $1`,
		userID,
	).Scan(&bal.Points, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return bal, nil
	}
	return bal, err
}

const ledgerColumns = `id, user_id, COALESCE(order_id, ''), kind, points, reference_amount, note, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	var kind string
	err := row.Scan(&e.ID, &e.UserID, &e.OrderID, &kind, &e.Points, &e.ReferenceAmount, &e.Note, &e.CreatedAt)
	e.Kind = models.EntryKind(kind)
	return e, err
}

// FindByOrder implements LedgerStore
func (r *PostgresRepository) FindByOrder(ctx context.Context, orderID string, kind models.EntryKind) (e models.LedgerEntry, err error) {
	ctx, finish := r.begin(ctx, "find_by_order", attribute.String("order.id", orderID))
	defer finish(&err)

	e, err = scanEntry(r.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM point_ledger WHERE order_id = $1 AND kind = $2`,
		orderID, string(kind),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerEntry{}, fmt.Errorf("%s entry for order %s: %w", kind, orderID, models.ErrNotFound)
	}
	return e, err
}

// History implements LedgerStore
func (r *PostgresRepository) History(ctx context.Context, userID string, filter models.HistoryFilter) (items []models.LedgerEntry, total int, err error) {
	ctx, finish := r.begin(ctx, "history", attribute.String("user.id", userID))
	defer finish(&err)

	where := `WHERE user_id = $1`
	args := []interface{}{userID}
	if filter.Kind != "" {
		where += ` AND kind = $2`
		args = append(args, string(filter.Kind))
	}

	if err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM point_ledger `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM point_ledger %s ORDER BY seq DESC LIMIT $%d OFFSET $%d`,
			ledgerColumns, where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items = []models.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// LedgerSum implements LedgerStore
func (r *PostgresRepository) LedgerSum(ctx context.Context, userID string) (sum int64, err error) {
	ctx, finish := r.begin(ctx, "ledger_sum", attribute.String("user.id", userID))
	defer finish(&err)

	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN kind = $2 THEN -points ELSE points END), 0)
		 FROM point_ledger WHERE user_id = $1`,
		userID, string(models.KindRedeem),
	).Scan(&sum)
	return sum, err
}

const discountColumns = `code, value_type, value, usage_limit, used_count, active, created_at, updated_at`

func scanDiscount(row rowScanner) (models.DiscountCode, error) {
	var d models.DiscountCode
	var valueType string
	err := row.Scan(&d.Code, &valueType, &d.Value, &d.UsageLimit, &d.UsedCount, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	d.ValueType = models.DiscountValueType(valueType)
	return d, err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func appliedOrders(ctx context.Context, q queryer, code string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT order_id FROM discount_applications WHERE code = $1 ORDER BY applied_at, order_id`,
		code,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		orders = append(orders, id)
	}
	return orders, rows.Err()
}

// CreateDiscount implements DiscountStore
func (r *PostgresRepository) CreateDiscount(ctx context.Context, d models.DiscountCode) (out models.DiscountCode, err error) {
	ctx, finish := r.begin(ctx, "create_discount", attribute.String("discount.code", d.Code))
	defer finish(&err)

	out, err = scanDiscount(r.db.QueryRowContext(ctx,
		`INSERT INTO discount_codes (code, value_type, value, usage_limit, active)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+discountColumns,
		d.Code, string(d.ValueType), d.Value, d.UsageLimit, d.Active,
	))
	out.AppliedOrders = []string{}
	return out, err
}

// GetDiscount implements DiscountStore
func (r *PostgresRepository) GetDiscount(ctx context.Context, code string) (d models.DiscountCode, err error) {
	ctx, finish := r.begin(ctx, "get_discount", attribute.String("discount.code", code))
	defer finish(&err)

	d, err = scanDiscount(r.db.QueryRowContext(ctx,
		`SELECT `+discountColumns+` FROM discount_codes WHERE code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return models.DiscountCode{}, fmt.Errorf("discount %s: %w", code, models.ErrNotFound)
	}
	if err != nil {
		return models.DiscountCode{}, err
	}
	d.AppliedOrders, err = appliedOrders(ctx, r.db, code)
	return d, err
}

// ListDiscounts implements DiscountStore
func (r *PostgresRepository) ListDiscounts(ctx context.Context) (codes []models.DiscountCode, err error) {
	ctx, finish := r.begin(ctx, "list_discounts")
	defer finish(&err)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+discountColumns+` FROM discount_codes ORDER BY created_at DESC, code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	codes = []models.DiscountCode{}
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, err
		}
		codes = append(codes, d)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for i := range codes {
		if codes[i].AppliedOrders, err = appliedOrders(ctx, r.db, codes[i].Code); err != nil {
			return nil, err
		}
	}
	return codes, nil
}

// UpdateDiscount implements DiscountStore
func (r *PostgresRepository) UpdateDiscount(ctx context.Context, code string, fn func(*models.DiscountCode) error) (d models.DiscountCode, err error) {
	ctx, finish := r.begin(ctx, "update_discount", attribute.String("discount.code", code))
	defer finish(&err)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.DiscountCode{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	d, err = scanDiscount(tx.QueryRowContext(ctx,
		`SELECT `+discountColumns+` FROM discount_codes WHERE code = $1 FOR UPDATE`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return models.DiscountCode{}, fmt.Errorf("discount %s: %w", code, models.ErrNotFound)
	}
	if err != nil {
		return models.DiscountCode{}, err
	}
	if d.AppliedOrders, err = appliedOrders(ctx, tx, code); err != nil {
		return models.DiscountCode{}, err
	}

	if err = fn(&d); err != nil {
		return models.DiscountCode{}, err
	}

	if err = tx.QueryRowContext(ctx,
		`UPDATE discount_codes SET value_type = $2, value = $3, usage_limit = $4, active = $5, updated_at = NOW()
		 WHERE code = $1 RETURNING updated_at`,
		code, string(d.ValueType), d.Value, d.UsageLimit, d.Active,
	).Scan(&d.UpdatedAt); err != nil {
		return models.DiscountCode{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.DiscountCode{}, fmt.Errorf("commit transaction: %w", err)
	}
	return d, nil
}

// IncrementUsage implements DiscountStore. The counter only moves through a
// conditional UPDATE, and the application row shares its transaction.
func (r *PostgresRepository) IncrementUsage(ctx context.Context, code, orderID string) (d models.DiscountCode, err error) {
	ctx, finish := r.begin(ctx, "increment_usage",
		attribute.String("discount.code", code),
		attribute.String("order.id", orderID),
	)
	defer finish(&err)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.DiscountCode{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	d, err = scanDiscount(tx.QueryRowContext(ctx,
		`UPDATE discount_codes SET used_count = used_count + 1, updated_at = NOW()
		 WHERE code = $1 AND used_count < usage_limit
		   AND NOT EXISTS (SELECT 1 FROM discount_applications WHERE code = $1 AND order_id = $2)
		 RETURNING `+discountColumns,
		code, orderID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return r.usageRejection(ctx, code, orderID)
	}
	if err != nil {
		return models.DiscountCode{}, err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO discount_applications (code, order_id) VALUES ($1, $2)`,
		code, orderID,
	); err != nil {
		if errors.Is(classify(err), ErrDuplicateEntry) {
			tx.Rollback()
			return r.usageRejection(ctx, code, orderID)
		}
		return models.DiscountCode{}, err
	}

	if d.AppliedOrders, err = appliedOrders(ctx, tx, code); err != nil {
		return models.DiscountCode{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.DiscountCode{}, fmt.Errorf("commit transaction: %w", err)
	}
	return d, nil
}

// usageRejection explains why a conditional usage update matched no row
func (r *PostgresRepository) usageRejection(ctx context.Context, code, orderID string) (models.DiscountCode, error) {
	d, err := scanDiscount(r.db.QueryRowContext(ctx,
		`SELECT `+discountColumns+` FROM discount_codes WHERE code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return models.DiscountCode{}, fmt.Errorf("discount %s: %w", code, models.ErrNotFound)
	}
	if err != nil {
		return models.DiscountCode{}, err
	}
	if d.AppliedOrders, err = appliedOrders(ctx, r.db, code); err != nil {
		return models.DiscountCode{}, err
	}
	if d.HasOrder(orderID) {
		return d, fmt.Errorf("discount %s, order %s: %w", code, orderID, models.ErrAlreadyApplied)
	}
	return d, fmt.Errorf("discount %s: %w", code, models.ErrLimitExceeded)
}

const settlementColumns = `order_id, user_id, redeemed_points, earned_points, refunded_points, status, settled, updated_at`

func scanSettlement(row rowScanner) (models.OrderSettlementRecord, error) {
	var rec models.OrderSettlementRecord
	var status string
	err := row.Scan(&rec.OrderID, &rec.UserID, &rec.RedeemedPoints, &rec.EarnedPoints,
		&rec.RefundedPoints, &status, &rec.Settled, &rec.UpdatedAt)
	rec.Status = models.OrderStatus(status)
	return rec, err
}

// GetSettlement implements SettlementStore
func (r *PostgresRepository) GetSettlement(ctx context.Context, orderID string) (rec models.OrderSettlementRecord, err error) {
	ctx, finish := r.begin(ctx, "get_settlement", attribute.String("order.id", orderID))
	defer finish(&err)

	rec, err = scanSettlement(r.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM order_settlements WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.OrderSettlementRecord{}, fmt.Errorf("settlement for order %s: %w", orderID, models.ErrNotFound)
	}
	return rec, err
}

// UpdateSettlement implements SettlementStore
func (r *PostgresRepository) UpdateSettlement(ctx context.Context, orderID string, fn func(*models.OrderSettlementRecord, bool) error) (rec models.OrderSettlementRecord, err error) {
	ctx, finish := r.begin(ctx, "update_settlement", attribute.String("order.id", orderID))
	defer finish(&err)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.OrderSettlementRecord{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Serializes first-time creation of the same order's record.
	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, orderID); err != nil {
		return models.OrderSettlementRecord{}, err
	}

	exists := true
	rec, err = scanSettlement(tx.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM order_settlements WHERE order_id = $1 FOR UPDATE`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		rec = models.OrderSettlementRecord{OrderID: orderID, Status: models.StatusPending}
	} else if err != nil {
		return models.OrderSettlementRecord{}, err
	}

	if err = fn(&rec, exists); err != nil {
		return models.OrderSettlementRecord{}, err
	}
	rec.OrderID = orderID

	if err = tx.QueryRowContext(ctx,
		`INSERT INTO order_settlements (order_id, user_id, redeemed_points, earned_points, refunded_points, status, settled, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (order_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			redeemed_points = EXCLUDED.redeemed_points,
			earned_points = EXCLUDED.earned_points,
			refunded_points = EXCLUDED.refunded_points,
			status = EXCLUDED.status,
			settled = EXCLUDED.settled,
			updated_at = EXCLUDED.updated_at
		 RETURNING updated_at`,
		rec.OrderID, rec.UserID, rec.RedeemedPoints, rec.EarnedPoints, rec.RefundedPoints,
		string(rec.Status), rec.Settled,
	).Scan(&rec.UpdatedAt); err != nil {
		return models.OrderSettlementRecord{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.OrderSettlementRecord{}, fmt.Errorf("commit transaction: %w", err)
	}
	return rec, nil
}
