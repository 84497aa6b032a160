package credits

import (
	"context"
	"time"

	"github.com/crosslogic/credits/pkg/models"
	"github.com/shopspring/decimal"
)

// Store is the durable home of accounts, ledger entries, processed provider
// events and credit purchases.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*models.CreditAccount, error)
	GetAccountByCustomerID(ctx context.Context, customerID string) (*models.CreditAccount, error)

	// CreateAccount inserts acct unless the account already exists and
	// reports whether a row was created.
	CreateAccount(ctx context.Context, acct *models.CreditAccount) (bool, error)

	// WithAccountLock runs fn while holding an exclusive lock on the account
	// row. Changes made through tx are committed together when fn returns
	// nil and discarded otherwise.
	WithAccountLock(ctx context.Context, accountID string, fn func(tx AccountTx) error) error

	// ListAccounts pages through accounts ordered by id, starting after afterID.
	ListAccounts(ctx context.Context, afterID string, limit int) ([]*models.CreditAccount, error)

	// ListEntries returns the newest entries for an account first.
	ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)

	// FindDuplicateEventEntries returns provider event ids referenced by more
	// than one credit entry created at or after since.
	FindDuplicateEventEntries(ctx context.Context, since time.Time) ([]DuplicateEvent, error)

	// CreatePurchase records a pending purchase. Recording the same provider
	// session twice is a no-op.
	CreatePurchase(ctx context.Context, p *models.CreditPurchase) error
	ListPendingPurchases(ctx context.Context, olderThan time.Time, limit int) ([]models.CreditPurchase, error)

	EventProcessed(ctx context.Context, eventID string) (bool, error)
}

// AccountTx is the view of a locked account inside Store.WithAccountLock.
type AccountTx interface {
	// Account returns the locked account. Mutations to it are persisted on
	// commit.
	Account() *models.CreditAccount

	AppendEntry(entry models.LedgerEntry)

	// ClaimEvent records eventID as processed. It returns false when the
	// event was already claimed by a committed or in-flight transaction.
	ClaimEvent(ctx context.Context, eventID, eventType string) (bool, error)

	// SettlePurchase moves the pending purchase for sessionID to status and
	// returns the status it had before. Purchases that are no longer pending
	// are left untouched.
	SettlePurchase(ctx context.Context, sessionID string, status models.PurchaseStatus) (models.PurchaseStatus, error)
}

// DuplicateEvent describes one provider event id that credited an account
// more than once.
type DuplicateEvent struct {
	ProviderEventID string
	AccountID       string
	EntryIDs        []string
	Total           decimal.Decimal
}
