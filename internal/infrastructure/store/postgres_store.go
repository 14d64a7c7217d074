package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

const orderColumns = `id, gateway, gateway_order_ref, local_ref, idempotency_key, payment_ref,
	customer, shipping, items, amount, currency, description, status, payment,
	initiation_error, side_effects, side_effects_pending, manual_review,
	created_at, updated_at, paid_at, failed_at`

// PostgresStore implements Store on PostgreSQL. Status changes are single
// conditional UPDATE statements. JSON columns are bound as strings since
// lib/pq sends []byte as bytea.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func uniqueViolation(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return pqErr, true
	}
	return nil, false
}

func (s *PostgresStore) Create(ctx context.Context, o *order.Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	if o.Status == "" {
		o.Status = order.StatusPending
	}

	customer, err := json.Marshal(o.Customer)
	if err != nil {
		return fmt.Errorf("failed to marshal customer: %w", err)
	}
	shipping, err := json.Marshal(o.Shipping)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping: %w", err)
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orders (id, gateway, gateway_order_ref, local_ref, idempotency_key,
			customer, shipping, items, amount, currency, description, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
		o.ID, o.Gateway, nullString(o.GatewayOrderRef), o.LocalRef, nullString(o.IdempotencyKey),
		string(customer), string(shipping), string(items), o.Amount, o.Currency, o.Description, string(o.Status), o.CreatedAt,
	)
	if pqErr, ok := uniqueViolation(err); ok {
		if pqErr.Constraint == "orders_idempotency_key" {
			return ErrDuplicateIdempotencyKey
		}
		return order.ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) AttachGatewayReference(ctx context.Context, id, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET gateway_order_ref = $2, updated_at = now()
		 WHERE id = $1 AND (gateway_order_ref IS NULL OR gateway_order_ref = $2)`,
		id, ref,
	)
	if _, ok := uniqueViolation(err); ok {
		return order.ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("failed to attach gateway reference: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if err := s.mustExist(ctx, id); err != nil {
			return err
		}
		return order.ErrReferenceAssigned
	}
	return nil
}

func (s *PostgresStore) MarkInitiationFailed(ctx context.Context, id, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders
		 SET status = $2, initiation_error = $3, idempotency_key = NULL, failed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = $4`,
		id, string(order.StatusFailedToInitiate), reason, string(order.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark initiation failed: %w", err)
	}
	return s.applied(ctx, id, res)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*order.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, order.ErrOrderNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *PostgresStore) GetByGatewayReference(ctx context.Context, gateway, ref string) (*order.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE gateway = $1 AND gateway_order_ref = $2`,
		gateway, ref,
	)
	return scanOrder(row)
}

func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, gateway, key string) (*order.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE gateway = $1 AND idempotency_key = $2`,
		gateway, key,
	)
	return scanOrder(row)
}

func (s *PostgresStore) TransitionPayment(ctx context.Context, id string, to order.Status, upd order.PaymentUpdate) (bool, error) {
	if err := order.CheckPaymentTransition(to); err != nil {
		return false, err
	}

	payment, err := json.Marshal(upd.Payment)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payment: %w", err)
	}
	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET
			status = $2::text,
			payment = $3::jsonb,
			payment_ref = CASE WHEN $2::text = 'paid' THEN $4 ELSE payment_ref END,
			paid_at = CASE WHEN $2::text = 'paid' THEN $5::timestamptz ELSE paid_at END,
			failed_at = CASE WHEN $2::text = 'payment_failed' THEN $5::timestamptz ELSE failed_at END,
			side_effects_pending = ($2::text = 'paid'),
			updated_at = $5::timestamptz
		 WHERE id = $1 AND status = 'pending'`,
		id, string(to), string(payment), upd.PaymentRef, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition order: %w", err)
	}
	return s.applied(ctx, id, res)
}

func (s *PostgresStore) ClaimEffect(ctx context.Context, id, effect string) (bool, error) {
	claimed, err := json.Marshal(order.Effect{State: order.EffectClaimed, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE orders
		 SET side_effects = jsonb_set(side_effects, ARRAY[$2::text], $3::jsonb), updated_at = now()
		 WHERE id = $1
		   AND (NOT side_effects ? $2::text OR side_effects -> $2::text ->> 'state' = 'failed')`,
		id, effect, string(claimed),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim effect %s: %w", effect, err)
	}
	return s.applied(ctx, id, res)
}

func (s *PostgresStore) CompleteEffect(ctx context.Context, id, effect string, cause error) error {
	state := order.EffectDone
	if cause != nil {
		state = order.EffectFailed
	}
	value, err := json.Marshal(order.Effect{State: state, Error: effectError(cause), UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE orders
		 SET side_effects = jsonb_set(side_effects, ARRAY[$2::text], $3::jsonb), updated_at = now()
		 WHERE id = $1`,
		id, effect, string(value),
	)
	if err != nil {
		return fmt.Errorf("failed to complete effect %s: %w", effect, err)
	}
	return s.affected(ctx, id, res)
}

func (s *PostgresStore) AddManualReview(ctx context.Context, id, productID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET manual_review = array_append(manual_review, $2::text), updated_at = now()
		 WHERE id = $1 AND NOT ($2::text = ANY(manual_review))`,
		id, productID,
	)
	if err != nil {
		return fmt.Errorf("failed to flag manual review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.mustExist(ctx, id)
	}
	return nil
}

func (s *PostgresStore) SetSideEffectsPending(ctx context.Context, id string, pending bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET side_effects_pending = $2, updated_at = now() WHERE id = $1`,
		id, pending,
	)
	if err != nil {
		return fmt.Errorf("failed to update side effects flag: %w", err)
	}
	return s.affected(ctx, id, res)
}

func (s *PostgresStore) ListPendingSideEffects(ctx context.Context, limit int) ([]*order.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE side_effects_pending ORDER BY created_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending side effects: %w", err)
	}
	defer rows.Close()

	var orders []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// DecrementStock locks the product row and clamps the new count at zero.
func (s *PostgresStore) DecrementStock(ctx context.Context, productID string, qty int) (StockResult, error) {
	if qty <= 0 {
		return StockResult{}, ErrInvalidQuantity
	}

	var res StockResult
	err := s.db.QueryRowContext(ctx,
		`WITH cur AS (SELECT stock FROM products WHERE id = $1 FOR UPDATE)
		 UPDATE products p SET stock = GREATEST(cur.stock - $2, 0), updated_at = now()
		 FROM cur WHERE p.id = $1
		 RETURNING cur.stock, p.stock`,
		productID, qty,
	).Scan(&res.Previous, &res.Remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return StockResult{}, ErrProductNotFound
	}
	if err != nil {
		return StockResult{}, fmt.Errorf("failed to decrement stock: %w", err)
	}
	res.Clamped = res.Previous < qty
	return res, nil
}

func (s *PostgresStore) GetStock(ctx context.Context, productID string) (int, error) {
	var stock int
	err := s.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	return stock, err
}

func (s *PostgresStore) UpsertProduct(ctx context.Context, productID, name string, stock int) error {
	if stock < 0 {
		return ErrInvalidQuantity
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (id, name, stock) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, stock = EXCLUDED.stock, updated_at = now()`,
		productID, name, stock,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

// applied turns the row count of a conditional update into (won, err),
// distinguishing a lost condition from a missing row.
func (s *PostgresStore) applied(ctx context.Context, id string, res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, s.mustExist(ctx, id)
	}
	return true, nil
}

func (s *PostgresStore) affected(ctx context.Context, id string, res sql.Result) error {
	_, err := s.applied(ctx, id, res)
	return err
}

func (s *PostgresStore) mustExist(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return order.ErrOrderNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var (
		o                                      order.Order
		gatewayRef, idemKey                    sql.NullString
		customer, shipping, items, payment, fx []byte
		status                                 string
		manualReview                           pq.StringArray
		paidAt, failedAt                       sql.NullTime
	)

	err := row.Scan(
		&o.ID, &o.Gateway, &gatewayRef, &o.LocalRef, &idemKey, &o.PaymentRef,
		&customer, &shipping, &items, &o.Amount, &o.Currency, &o.Description, &status, &payment,
		&o.InitiationError, &fx, &o.SideEffectsPending, &manualReview,
		&o.CreatedAt, &o.UpdatedAt, &paidAt, &failedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	o.GatewayOrderRef = gatewayRef.String
	o.IdempotencyKey = idemKey.String
	o.Status = order.Status(status)
	o.ManualReview = []string(manualReview)
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if failedAt.Valid {
		o.FailedAt = &failedAt.Time
	}

	for _, col := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"customer", customer, &o.Customer},
		{"shipping", shipping, &o.Shipping},
		{"items", items, &o.Items},
		{"payment", payment, &o.Payment},
		{"side_effects", fx, &o.SideEffects},
	} {
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", col.name, err)
		}
	}
	return &o, nil
}
