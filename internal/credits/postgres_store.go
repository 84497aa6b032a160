package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/credits/pkg/database"
	"github.com/crosslogic/credits/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// PostgresStore keeps accounts in credit_accounts and history in
// credit_ledger. Money columns are NUMERIC and cross the driver as text so
// no value ever passes through float64.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a store on db.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `account_id, tier, balance::text, daily_pool::text, expiring_pool::text,
	non_expiring_pool::text, last_daily_refresh_at, trial_status, trial_ends_at, period_ends_at,
	COALESCE(provider_customer_id, ''), COALESCE(provider_subscription_id, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.CreditAccount, error) {
	var (
		a                                     models.CreditAccount
		tier, trial                           string
		balance, daily, expiring, nonExpiring string
	)
	err := row.Scan(
		&a.AccountID, &tier, &balance, &daily, &expiring, &nonExpiring,
		&a.LastDailyRefreshAt, &trial, &a.TrialEndsAt, &a.PeriodEndsAt,
		&a.ProviderCustomerID, &a.ProviderSubscriptionID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Tier = models.Tier(tier)
	a.TrialStatus = models.TrialStatus(trial)
	if err := parseDecimals(
		[]string{balance, daily, expiring, nonExpiring},
		&a.Balance, &a.DailyPool, &a.ExpiringPool, &a.NonExpiringPool,
	); err != nil {
		return nil, fmt.Errorf("account %s: %w", a.AccountID, err)
	}
	return &a, nil
}

func parseDecimals(values []string, dest ...*decimal.Decimal) error {
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", v, err)
		}
		*dest[i] = d
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*models.CreditAccount, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE account_id = $1`, accountID)
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return acct, nil
}

func (s *PostgresStore) GetAccountByCustomerID(ctx context.Context, customerID string) (*models.CreditAccount, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE provider_customer_id = $1`, customerID)
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: customer %s", ErrAccountNotFound, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account by customer %s: %w", customerID, err)
	}
	return acct, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *models.CreditAccount) (bool, error) {
	acct.Recompute()
	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO credit_accounts (
			account_id, tier, balance, daily_pool, expiring_pool, non_expiring_pool,
			last_daily_refresh_at, trial_status, trial_ends_at, period_ends_at,
			provider_customer_id, provider_subscription_id, created_at, updated_at
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (account_id) DO NOTHING
	`,
		acct.AccountID, string(acct.Tier), acct.Balance.String(), acct.DailyPool.String(),
		acct.ExpiringPool.String(), acct.NonExpiringPool.String(),
		acct.LastDailyRefreshAt, string(acct.TrialStatus), acct.TrialEndsAt, acct.PeriodEndsAt,
		nullable(acct.ProviderCustomerID), nullable(acct.ProviderSubscriptionID), acct.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create account %s: %w", acct.AccountID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// WithAccountLock locks the account row with SELECT ... FOR UPDATE, runs fn,
// then writes the account and appends the entries in the same transaction.
func (s *PostgresStore) WithAccountLock(ctx context.Context, accountID string, fn func(tx AccountTx) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE account_id = $1 FOR UPDATE`, accountID)
		acct, err := scanAccount(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		if err != nil {
			return fmt.Errorf("lock account %s: %w", accountID, err)
		}

		ptx := &pgAccountTx{tx: tx, acct: acct}
		if err := fn(ptx); err != nil {
			return err
		}
		return ptx.flush(ctx)
	})
}

type pgAccountTx struct {
	tx      pgx.Tx
	acct    *models.CreditAccount
	entries []models.LedgerEntry
}

func (t *pgAccountTx) Account() *models.CreditAccount {
	return t.acct
}

func (t *pgAccountTx) AppendEntry(entry models.LedgerEntry) {
	t.entries = append(t.entries, entry)
}

func (t *pgAccountTx) ClaimEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO credit_webhook_events (event_id, event_type, account_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, t.acct.AccountID)
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgAccountTx) SettlePurchase(ctx context.Context, sessionID string, status models.PurchaseStatus) (models.PurchaseStatus, error) {
	var previous, owner string
	err := t.tx.QueryRow(ctx, `
		SELECT status, account_id FROM credit_purchases
		WHERE provider_session_id = $1
		FOR UPDATE
	`, sessionID).Scan(&previous, &owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: session %s", ErrPurchaseNotFound, sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("lock purchase %s: %w", sessionID, err)
	}
	if owner != t.acct.AccountID {
		return "", fmt.Errorf("purchase %s belongs to another account", sessionID)
	}

	if models.PurchaseStatus(previous) == models.PurchasePending {
		_, err = t.tx.Exec(ctx, `
			UPDATE credit_purchases SET status = $1, updated_at = NOW()
			WHERE provider_session_id = $2
		`, string(status), sessionID)
		if err != nil {
			return "", fmt.Errorf("update purchase %s: %w", sessionID, err)
		}
	}
	return models.PurchaseStatus(previous), nil
}

func (t *pgAccountTx) flush(ctx context.Context) error {
	a := t.acct
	a.Recompute()
	_, err := t.tx.Exec(ctx, `
		UPDATE credit_accounts SET
			tier = $2,
			balance = $3::numeric,
			daily_pool = $4::numeric,
			expiring_pool = $5::numeric,
			non_expiring_pool = $6::numeric,
			last_daily_refresh_at = $7,
			trial_status = $8,
			trial_ends_at = $9,
			period_ends_at = $10,
			provider_customer_id = $11,
			provider_subscription_id = $12,
			updated_at = NOW()
		WHERE account_id = $1
	`,
		a.AccountID, string(a.Tier), a.Balance.String(), a.DailyPool.String(),
		a.ExpiringPool.String(), a.NonExpiringPool.String(), a.LastDailyRefreshAt,
		string(a.TrialStatus), a.TrialEndsAt, a.PeriodEndsAt,
		nullable(a.ProviderCustomerID), nullable(a.ProviderSubscriptionID),
	)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.AccountID, err)
	}

	if len(t.entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range t.entries {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode entry metadata: %w", err)
		}
		if e.Metadata == nil {
			meta = []byte("{}")
		}
		batch.Queue(`
			INSERT INTO credit_ledger (
				id, account_id, amount, entry_type, description, is_expiring,
				balance_after, provider_event_id, metadata, created_at
			) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7::numeric, $8, $9::jsonb, $10)
		`,
			e.ID, e.AccountID, e.Amount.String(), string(e.Type), e.Description, e.IsExpiring,
			e.BalanceAfter.String(), nullable(e.ProviderEventID), string(meta), e.CreatedAt,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append ledger entries for %s: %w", a.AccountID, err)
	}
	return nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, afterID string, limit int) ([]*models.CreditAccount, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+accountColumns+` FROM credit_accounts
		WHERE account_id > $1
		ORDER BY account_id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.CreditAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id::text, account_id, amount::text, entry_type, description, is_expiring,
			balance_after::text, COALESCE(provider_event_id, ''), metadata, created_at
		FROM credit_ledger
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries for %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var (
			e                    models.LedgerEntry
			entryType            string
			amount, balanceAfter string
			meta                 []byte
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &amount, &entryType, &e.Description, &e.IsExpiring,
			&balanceAfter, &e.ProviderEventID, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Type = models.EntryType(entryType)
		if err := parseDecimals([]string{amount, balanceAfter}, &e.Amount, &e.BalanceAfter); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode entry %s metadata: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindDuplicateEventEntries(ctx context.Context, since time.Time) ([]DuplicateEvent, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT provider_event_id, account_id, array_agg(id::text ORDER BY created_at), SUM(amount)::text
		FROM credit_ledger
		WHERE provider_event_id IS NOT NULL
		  AND amount > 0
		  AND created_at >= $1
		GROUP BY provider_event_id, account_id
		HAVING COUNT(*) > 1
		ORDER BY account_id, provider_event_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("find duplicate event entries: %w", err)
	}
	defer rows.Close()

	var out []DuplicateEvent
	for rows.Next() {
		var (
			d     DuplicateEvent
			total string
		)
		if err := rows.Scan(&d.ProviderEventID, &d.AccountID, &d.EntryIDs, &total); err != nil {
			return nil, fmt.Errorf("scan duplicate: %w", err)
		}
		if err := parseDecimals([]string{total}, &d.Total); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreatePurchase(ctx context.Context, p *models.CreditPurchase) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO credit_purchases (id, account_id, provider_session_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $6)
		ON CONFLICT (provider_session_id) DO NOTHING
	`, p.ID, p.AccountID, p.ProviderSessionID, p.Amount.String(), string(p.Status), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create purchase %s: %w", p.ProviderSessionID, err)
	}
	return nil
}

func (s *PostgresStore) ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]models.CreditPurchase, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id::text, account_id, provider_session_id, amount::text, status, created_at, updated_at
		FROM credit_purchases
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending purchases: %w", err)
	}
	defer rows.Close()

	var out []models.CreditPurchase
	for rows.Next() {
		var (
			p              models.CreditPurchase
			amount, status string
		)
		if err := rows.Scan(&p.ID, &p.AccountID, &p.ProviderSessionID, &amount, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.Status = models.PurchaseStatus(status)
		if err := parseDecimals([]string{amount}, &p.Amount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM credit_webhook_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", eventID, err)
	}
	return exists, nil
}
