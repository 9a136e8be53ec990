package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanward/fanward/pkg/money"
	"github.com/fanward/fanward/pkg/pg"
)

// dbtx is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// letting one store type serve pooled and transactional access.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on PostgreSQL. Uniqueness of active
// (fan, tier) subscriptions and idempotent payment-failure rows are
// enforced by the schema (partial unique index, unique invoice id), not
// just application checks, because webhook redelivery bypasses
// request-level validation.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewPostgresStore wraps a connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; reuse it.
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Join(ErrTxFailed, err)
	}

	txStore := &PostgresStore{db: tx}
	if err := fn(ctx, txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Join(ErrTxFailed, err)
	}
	return nil
}

const subscriptionColumns = `id, fan_id, fan_email, artist_id, tier_id, external_id, amount_cents, currency,
	status, current_period_start, current_period_end, reminder_sent_at, canceled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var amountCents int64
	var currency string
	err := row.Scan(
		&sub.ID, &sub.FanID, &sub.FanEmail, &sub.ArtistID, &sub.TierID, &sub.ExternalID,
		&amountCents, &currency, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.ReminderSentAt, &sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	sub.Amount = money.New(amountCents, currency)
	return &sub, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO subscriptions (id, fan_id, fan_email, artist_id, tier_id, external_id, amount_cents, currency,
			status, current_period_start, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		sub.ID, sub.FanID, sub.FanEmail, sub.ArtistID, sub.TierID, sub.ExternalID,
		sub.Amount.Amount, sub.Amount.Currency, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrDuplicateSubscription
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (s *PostgresStore) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = $1`, externalID))
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions
		SET tier_id = $2, external_id = $3, amount_cents = $4, currency = $5, status = $6,
			current_period_start = $7, current_period_end = $8, canceled_at = $9, updated_at = now()
		WHERE id = $1`,
		sub.ID, sub.TierID, sub.ExternalID, sub.Amount.Amount, sub.Amount.Currency,
		sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CanceledAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PostgresStore) collectSubscriptions(rows pgx.Rows) ([]*Subscription, error) {
	defer rows.Close()
	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSubscriptionsByArtist(ctx context.Context, artistID uuid.UUID) ([]*Subscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE artist_id = $1 ORDER BY created_at`, artistID)
	if err != nil {
		return nil, err
	}
	return s.collectSubscriptions(rows)
}

func (s *PostgresStore) ListSubscriptionsDue(ctx context.Context, asOf time.Time, limit int) ([]*Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ($1, $2) AND current_period_end <= $3
		ORDER BY current_period_end
		LIMIT $4`,
		StatusActive, StatusPastDue, asOf, limit)
	if err != nil {
		return nil, err
	}
	return s.collectSubscriptions(rows)
}

func (s *PostgresStore) ListSubscriptionsNeedingReminder(ctx context.Context, from, to time.Time, limit int) ([]*Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = $1
			AND current_period_end BETWEEN $2 AND $3
			AND (reminder_sent_at IS NULL OR reminder_sent_at <= current_period_start)
		ORDER BY current_period_end
		LIMIT $4`,
		StatusActive, from, to, limit)
	if err != nil {
		return nil, err
	}
	return s.collectSubscriptions(rows)
}

func (s *PostgresStore) MarkReminderSent(ctx context.Context, subscriptionID uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE subscriptions SET reminder_sent_at = $2, updated_at = now() WHERE id = $1`,
		subscriptionID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PostgresStore) GetTier(ctx context.Context, id uuid.UUID) (*Tier, error) {
	var tier Tier
	var minCents int64
	var currency string
	err := s.db.QueryRow(ctx, `
		SELECT id, artist_id, name, minimum_price_cents, currency, subscriber_count, is_active,
			external_product_id, external_price_id, created_at, updated_at
		FROM tiers WHERE id = $1`, id,
	).Scan(
		&tier.ID, &tier.ArtistID, &tier.Name, &minCents, &currency,
		&tier.SubscriberCount, &tier.IsActive,
		&tier.ExternalProductID, &tier.ExternalPriceID, &tier.CreatedAt, &tier.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrTierNotFound
		}
		return nil, err
	}
	tier.MinimumPrice = money.New(minCents, currency)
	return &tier, nil
}

func (s *PostgresStore) UpdateTier(ctx context.Context, tier *Tier) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tiers
		SET name = $2, minimum_price_cents = $3, currency = $4, is_active = $5,
			external_product_id = $6, external_price_id = $7, updated_at = now()
		WHERE id = $1`,
		tier.ID, tier.Name, tier.MinimumPrice.Amount, tier.MinimumPrice.Currency,
		tier.IsActive, tier.ExternalProductID, tier.ExternalPriceID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTierNotFound
	}
	return nil
}

func (s *PostgresStore) AdjustTierSubscribers(ctx context.Context, tierID uuid.UUID, delta int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tiers
		SET subscriber_count = GREATEST(subscriber_count + $2, 0), updated_at = now()
		WHERE id = $1`,
		tierID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTierNotFound
	}
	return nil
}

func (s *PostgresStore) GetArtist(ctx context.Context, id uuid.UUID) (*Artist, error) {
	var artist Artist
	var earningsCents int64
	var currency string
	err := s.db.QueryRow(ctx, `
		SELECT id, display_name, email, connected_account_id, total_subscribers,
			total_earnings_cents, currency, created_at, updated_at
		FROM artists WHERE id = $1`, id,
	).Scan(
		&artist.ID, &artist.DisplayName, &artist.Email, &artist.ConnectedAccountID,
		&artist.TotalSubscribers, &earningsCents, &currency, &artist.CreatedAt, &artist.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrArtistNotFound
		}
		return nil, err
	}
	artist.TotalEarnings = money.New(earningsCents, currency)
	return &artist, nil
}

func (s *PostgresStore) AdjustArtistSubscribers(ctx context.Context, artistID uuid.UUID, delta int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE artists
		SET total_subscribers = GREATEST(total_subscribers + $2, 0), updated_at = now()
		WHERE id = $1`,
		artistID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrArtistNotFound
	}
	return nil
}

func (s *PostgresStore) AddArtistEarnings(ctx context.Context, artistID uuid.UUID, amount money.Money) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE artists
		SET total_earnings_cents = total_earnings_cents + $2, updated_at = now()
		WHERE id = $1`,
		artistID, amount.Amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrArtistNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertPaymentFailure(ctx context.Context, failure *PaymentFailure) error {
	if failure.ID == uuid.Nil {
		failure.ID = uuid.New()
	}
	return s.db.QueryRow(ctx, `
		INSERT INTO payment_failures (id, subscription_id, external_invoice_id, amount_due_cents, currency,
			attempt_count, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_invoice_id) DO UPDATE
		SET amount_due_cents = EXCLUDED.amount_due_cents,
			attempt_count = EXCLUDED.attempt_count,
			next_retry_at = EXCLUDED.next_retry_at,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		failure.ID, failure.SubscriptionID, failure.ExternalInvoiceID,
		failure.AmountDue.Amount, failure.AmountDue.Currency,
		failure.AttemptCount, failure.NextRetryAt,
	).Scan(&failure.ID, &failure.CreatedAt, &failure.UpdatedAt)
}

func (s *PostgresStore) UpdatePaymentFailure(ctx context.Context, failure *PaymentFailure) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment_failures
		SET attempt_count = $2, next_retry_at = $3, resolved_at = $4, updated_at = now()
		WHERE id = $1`,
		failure.ID, failure.AttemptCount, failure.NextRetryAt, failure.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentFailureNotFound
	}
	return nil
}

func (s *PostgresStore) ResolvePaymentFailure(ctx context.Context, externalInvoiceID string, resolvedAt time.Time) error {
	// No matching row is fine: payments can succeed without a recorded failure.
	_, err := s.db.Exec(ctx, `
		UPDATE payment_failures
		SET resolved_at = $2, updated_at = now()
		WHERE external_invoice_id = $1 AND resolved_at IS NULL`,
		externalInvoiceID, resolvedAt)
	return err
}

func (s *PostgresStore) ListDuePaymentFailures(ctx context.Context, asOf time.Time, limit int) ([]*PaymentFailure, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, subscription_id, external_invoice_id, amount_due_cents, currency,
			attempt_count, next_retry_at, resolved_at, created_at, updated_at
		FROM payment_failures
		WHERE resolved_at IS NULL AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PaymentFailure
	for rows.Next() {
		var f PaymentFailure
		var amountCents int64
		var currency string
		if err := rows.Scan(
			&f.ID, &f.SubscriptionID, &f.ExternalInvoiceID, &amountCents, &currency,
			&f.AttemptCount, &f.NextRetryAt, &f.ResolvedAt, &f.CreatedAt, &f.UpdatedAt,
		); err != nil {
			return nil, err
		}
		f.AmountDue = money.New(amountCents, currency)
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTierChangeSchedule(ctx context.Context, schedule *TierChangeSchedule) error {
	if schedule.ID == uuid.Nil {
		schedule.ID = uuid.New()
	}
	return s.db.QueryRow(ctx, `
		INSERT INTO tier_change_schedules (id, subscription_id, new_tier_id, new_amount_cents, currency, effective_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		schedule.ID, schedule.SubscriptionID, schedule.NewTierID,
		schedule.NewAmount.Amount, schedule.NewAmount.Currency, schedule.EffectiveAt,
	).Scan(&schedule.CreatedAt)
}

func (s *PostgresStore) ListDueTierChanges(ctx context.Context, asOf time.Time, limit int) ([]*TierChangeSchedule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, subscription_id, new_tier_id, new_amount_cents, currency, effective_at, created_at
		FROM tier_change_schedules
		WHERE effective_at <= $1
		ORDER BY effective_at
		LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TierChangeSchedule
	for rows.Next() {
		var sc TierChangeSchedule
		var amountCents int64
		var currency string
		if err := rows.Scan(
			&sc.ID, &sc.SubscriptionID, &sc.NewTierID, &amountCents, &currency,
			&sc.EffectiveAt, &sc.CreatedAt,
		); err != nil {
			return nil, err
		}
		sc.NewAmount = money.New(amountCents, currency)
		out = append(out, &sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteTierChangeSchedule(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tier_change_schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *PostgresStore) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO processed_webhook_events (event_id) VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING`, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RecordRenewalEvent(ctx context.Context, event *RenewalEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO renewal_events (id, subscription_id, event_type, amount_cents, currency, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.SubscriptionID, event.Type,
		event.Amount.Amount, event.Amount.Currency, event.Detail, event.OccurredAt)
	return err
}

func (s *PostgresStore) BillingStats(ctx context.Context, asOf time.Time, renewalWindow time.Duration) (*BillingStats, error) {
	stats := &BillingStats{}
	var revenueCents int64
	var currency *string
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE status = $1),
			count(*) FILTER (WHERE status = $1 AND current_period_end BETWEEN $2 AND $3),
			COALESCE(sum(amount_cents) FILTER (WHERE status = $1), 0),
			min(currency) FILTER (WHERE status = $1)
		FROM subscriptions`,
		StatusActive, asOf, asOf.Add(renewalWindow),
	).Scan(&stats.ActiveSubscriptions, &stats.UpcomingRenewals, &revenueCents, &currency)
	if err != nil {
		return nil, err
	}
	if currency != nil {
		stats.MonthlyRevenue = money.New(revenueCents, *currency)
	} else {
		stats.MonthlyRevenue = money.New(0, "")
	}

	err = s.db.QueryRow(ctx,
		`SELECT count(*) FROM payment_failures WHERE resolved_at IS NULL`,
	).Scan(&stats.FailedPayments)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
