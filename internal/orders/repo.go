package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-psp-orders/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the Postgres Store.
type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `id, merchant_id, agent_id, COALESCE(idempotency_key, ''), currency, customer_email,
	shipping_address, subtotal_minor, tax_minor, shipping_minor, total_minor, status, payment_status,
	fulfillment_status, failure_reason, COALESCE(payment_intent_id, ''), psp_used, storefront_order_id,
	tracking_number, created_at, updated_at, paid_at, shipped_at`

// Create inserts the order and its items in one transaction.
func (r *Repo) Create(ctx context.Context, o *Order) error {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}
	return postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO orders(id, merchant_id, agent_id, idempotency_key, currency, customer_email,
				shipping_address, subtotal_minor, tax_minor, shipping_minor, total_minor, status,
				payment_status, created_at, updated_at)
			VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			o.ID, o.MerchantID, o.AgentID, o.IdempotencyKey, o.Currency, o.CustomerEmail,
			addr, o.SubtotalMinor, o.TaxMinor, o.ShippingMinor, o.TotalMinor, o.Status,
			o.PaymentStatus, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
			}
			return err
		}

		for i, it := range o.Items {
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_items(order_id, line_no, product_id, sku, title, qty, unit_price_minor, subtotal_minor)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				o.ID, i, it.ProductID, it.SKU, it.Title, it.Quantity, it.UnitPriceMinor, it.SubtotalMinor,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) Get(ctx context.Context, id string) (*Order, error) {
	return r.getWhere(ctx, `id=$1`, id)
}

func (r *Repo) GetByIdempotencyKey(ctx context.Context, merchantID, key string) (*Order, error) {
	return r.getWhere(ctx, `merchant_id=$1 AND idempotency_key=$2`, merchantID, key)
}

func (r *Repo) GetByPaymentRef(ctx context.Context, provider, ref string) (*Order, error) {
	return r.getWhere(ctx, `psp_used=$1 AND payment_intent_id=$2`, provider, ref)
}

func (r *Repo) GetByStorefrontOrder(ctx context.Context, storefrontOrderID string) (*Order, error) {
	return r.getWhere(ctx, `storefront_order_id=$1 AND storefront_order_id <> ''`, storefrontOrderID)
}

func (r *Repo) getWhere(ctx context.Context, where string, args ...any) (*Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where+` LIMIT 1`, args...)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Items, err = r.items(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repo) items(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT product_id, sku, title, qty, unit_price_minor, subtotal_minor
		FROM order_items WHERE order_id=$1 ORDER BY line_no`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ProductID, &it.SKU, &it.Title, &it.Quantity, &it.UnitPriceMinor, &it.SubtotalMinor); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o    Order
		addr []byte
	)
	err := row.Scan(&o.ID, &o.MerchantID, &o.AgentID, &o.IdempotencyKey, &o.Currency, &o.CustomerEmail,
		&addr, &o.SubtotalMinor, &o.TaxMinor, &o.ShippingMinor, &o.TotalMinor, &o.Status, &o.PaymentStatus,
		&o.FulfillmentStatus, &o.FailureReason, &o.PaymentIntentID, &o.PSPUsed, &o.StorefrontOrderID,
		&o.TrackingNumber, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.ShippedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(addr, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	return &o, nil
}

// Transition is a single conditional UPDATE: it only matches while the row
// is still in t.From, so concurrent writers cannot both win.
func (r *Repo) Transition(ctx context.Context, id string, t Transition) (*Order, error) {
	if err := checkTransition(t); err != nil {
		return nil, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	row := r.DB.QueryRow(ctx, `
		UPDATE orders SET
			status              = $3,
			payment_status      = COALESCE(NULLIF($4, ''), payment_status),
			fulfillment_status  = COALESCE(NULLIF($5, ''), fulfillment_status),
			failure_reason      = COALESCE(NULLIF($6, ''), failure_reason),
			payment_intent_id   = COALESCE(payment_intent_id, NULLIF($7, '')),
			psp_used            = COALESCE(NULLIF($8, ''), psp_used),
			storefront_order_id = COALESCE(NULLIF($9, ''), storefront_order_id),
			tracking_number     = COALESCE(NULLIF($10, ''), tracking_number),
			paid_at             = CASE WHEN $3 = 'paid' THEN COALESCE(paid_at, $11) ELSE paid_at END,
			shipped_at          = CASE WHEN $3 = 'shipped' THEN COALESCE(shipped_at, $11) ELSE shipped_at END,
			updated_at          = GREATEST(updated_at, $11)
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		id, t.From, t.To, t.PaymentStatus, t.FulfillmentStatus, t.FailureReason, t.PaymentIntentID,
		t.PSPUsed, t.StorefrontOrderID, t.TrackingNumber, at.UTC())
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.preconditionError(ctx, id, t.From, t.To)
	}
	if err != nil {
		return nil, err
	}
	if o.Items, err = r.items(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repo) UpdateSubStatus(ctx context.Context, id string, expected Status, s SubStatus) (*Order, error) {
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	row := r.DB.QueryRow(ctx, `
		UPDATE orders SET
			payment_status     = COALESCE(NULLIF($3, ''), payment_status),
			fulfillment_status = COALESCE(NULLIF($4, ''), fulfillment_status),
			failure_reason     = COALESCE(NULLIF($5, ''), failure_reason),
			updated_at         = GREATEST(updated_at, $6)
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		id, expected, s.PaymentStatus, s.FulfillmentStatus, s.FailureReason, at.UTC())
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.preconditionError(ctx, id, expected, "")
	}
	if err != nil {
		return nil, err
	}
	if o.Items, err = r.items(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

// ClaimFulfillment is the same conditional UPDATE pattern as Transition; the
// fulfillment_status guard makes the claim exclusive.
func (r *Repo) ClaimFulfillment(ctx context.Context, id string, staleBefore time.Time) (*Order, error) {
	row := r.DB.QueryRow(ctx, `
		UPDATE orders SET
			fulfillment_status = $3,
			updated_at         = GREATEST(updated_at, $4)
		WHERE id = $1 AND status = $2
		  AND (fulfillment_status IN ('', 'pending', 'rejected')
		       OR (fulfillment_status = $3 AND updated_at < $5))
		RETURNING `+orderColumns,
		id, StatusPaid, FulfillmentSubmitting, time.Now().UTC(), staleBefore.UTC())
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var cur Order
		err := r.DB.QueryRow(ctx, `SELECT id, status, fulfillment_status FROM orders WHERE id=$1`, id).
			Scan(&cur.ID, &cur.Status, &cur.FulfillmentStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return nil, claimError(&cur)
	}
	if err != nil {
		return nil, err
	}
	if o.Items, err = r.items(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repo) preconditionError(ctx context.Context, id string, expected, target Status) error {
	var actual Status
	err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return stateError(id, actual, expected, target)
}

func (r *Repo) AppendAttempt(ctx context.Context, a *PaymentAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return r.DB.QueryRow(ctx, `
		INSERT INTO payment_attempts(order_id, provider, priority, success, outcome, decline_code, error,
			latency_ms, amount_minor, currency, provider_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id`,
		a.OrderID, a.Provider, a.Priority, a.Success, a.Outcome, a.DeclineCode, a.Error,
		a.LatencyMS, a.AmountMinor, a.Currency, a.ProviderRef, a.CreatedAt,
	).Scan(&a.ID)
}

func (r *Repo) ListAttempts(ctx context.Context, orderID string) ([]PaymentAttempt, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, provider, priority, success, outcome, decline_code, error, latency_ms,
			amount_minor, currency, provider_ref, created_at
		FROM payment_attempts WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PaymentAttempt
	for rows.Next() {
		var a PaymentAttempt
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Provider, &a.Priority, &a.Success, &a.Outcome,
			&a.DeclineCode, &a.Error, &a.LatencyMS, &a.AmountMinor, &a.Currency, &a.ProviderRef,
			&a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ProviderStats derives rolling success rates from the attempt log.
func (r *Repo) ProviderStats(ctx context.Context, since time.Time) ([]ProviderStat, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT provider, COUNT(*), COUNT(*) FILTER (WHERE success), AVG(latency_ms)::float8
		FROM payment_attempts WHERE created_at >= $1
		GROUP BY provider ORDER BY provider`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProviderStat
	for rows.Next() {
		var s ProviderStat
		if err := rows.Scan(&s.Provider, &s.Attempts, &s.Successes, &s.AvgLatencyMS); err != nil {
			return nil, err
		}
		if s.Attempts > 0 {
			s.SuccessRate = float64(s.Successes) / float64(s.Attempts)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
