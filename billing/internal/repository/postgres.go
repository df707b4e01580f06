package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/telhawk-systems/telhawk-billing/billing/internal/models"
	"github.com/telhawk-systems/telhawk-billing/common/database"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// =============================================================================
// LEDGER (append-only, one row per event id)
// =============================================================================

func (r *PostgresRepository) RecordLedgerEntry(ctx context.Context, entry *models.LedgerEntry) (bool, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO billing_ledger (
			event_id, event_type, kind, object_id, account_id, customer_id,
			status, amount_minor, currency, livemode, unverified, occurred_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query,
		entry.EventID, entry.EventType, entry.Kind, entry.ObjectID, entry.AccountID, entry.CustomerID,
		entry.Status, entry.AmountMinor, entry.Currency, entry.Livemode, entry.Unverified, entry.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record ledger entry: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

const ledgerColumns = `
	event_id, event_type, kind, object_id, account_id, customer_id,
	status, amount_minor, currency, livemode, unverified, occurred_at, recorded_at
`

func scanLedgerEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(
		&e.EventID, &e.EventType, &e.Kind, &e.ObjectID, &e.AccountID, &e.CustomerID,
		&e.Status, &e.AmountMinor, &e.Currency, &e.Livemode, &e.Unverified, &e.OccurredAt, &e.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *PostgresRepository) GetLedgerEntry(ctx context.Context, eventID string) (*models.LedgerEntry, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `SELECT ` + ledgerColumns + ` FROM billing_ledger WHERE event_id = $1`

	entry, err := scanLedgerEntry(r.pool.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return entry, nil
}

func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*models.LedgerEntry, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + ledgerColumns + `
		FROM billing_ledger
		WHERE ($1 = '' OR account_id = $1)
		ORDER BY occurred_at DESC, recorded_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}

	return entries, nil
}

// =============================================================================
// ENTITLEMENTS (one row per account, ordered by last_event_at)
// =============================================================================

func (r *PostgresRepository) UpsertEntitlement(ctx context.Context, ent *models.Entitlement) (bool, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	query := `
		INSERT INTO billing_entitlements (
			account_id, customer_id, subscription_id, status, active, last_event_id, last_event_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			customer_id     = EXCLUDED.customer_id,
			subscription_id = EXCLUDED.subscription_id,
			status          = EXCLUDED.status,
			active          = EXCLUDED.active,
			last_event_id   = EXCLUDED.last_event_id,
			last_event_at   = EXCLUDED.last_event_at,
			updated_at      = NOW()
		WHERE billing_entitlements.last_event_at <= EXCLUDED.last_event_at
	`

	tag, err := r.pool.Exec(ctx, query,
		ent.AccountID, ent.CustomerID, ent.SubscriptionID, ent.Status, ent.Active, ent.LastEventID, ent.LastEventAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert entitlement: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) GetEntitlement(ctx context.Context, accountID string) (*models.Entitlement, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT account_id, customer_id, subscription_id, status, active, last_event_id, last_event_at, updated_at
		FROM billing_entitlements
		WHERE account_id = $1
	`

	var ent models.Entitlement
	err := r.pool.QueryRow(ctx, query, accountID).Scan(
		&ent.AccountID, &ent.CustomerID, &ent.SubscriptionID, &ent.Status, &ent.Active,
		&ent.LastEventID, &ent.LastEventAt, &ent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	return &ent, nil
}

func (r *PostgresRepository) EntitlementAccounts(ctx context.Context, subscriptionID, customerID string) ([]string, error) {
	ctx, cancel := database.ReadContext(ctx)
	defer cancel()

	query := `
		SELECT account_id
		FROM billing_entitlements
		WHERE CASE
			WHEN $1::text <> '' AND EXISTS (SELECT 1 FROM billing_entitlements WHERE subscription_id = $1)
				THEN subscription_id = $1
			ELSE $2::text <> '' AND customer_id = $2
		END
		ORDER BY (account_id = customer_id), account_id
	`

	rows, err := r.pool.Query(ctx, query, subscriptionID, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find entitlement accounts: %w", err)
	}
	defer rows.Close()

	accounts := []string{}
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, fmt.Errorf("failed to scan entitlement account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entitlement accounts: %w", err)
	}

	return accounts, nil
}
