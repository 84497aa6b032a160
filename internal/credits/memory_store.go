package credits

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crosslogic/credits/pkg/models"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store with the same locking contract as
// PostgresStore: one writer per account, all-or-nothing commits. It backs
// unit tests and BILLING_DISABLED local runs.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]*models.CreditAccount
	entries   map[string][]models.LedgerEntry
	events    map[string]string
	purchases map[string]*models.CreditPurchase
	locks     map[string]*sync.Mutex

	// commitErr, when set, fails every commit. Tests use it to simulate a
	// database failure inside the locked section.
	commitErr error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*models.CreditAccount),
		entries:   make(map[string][]models.LedgerEntry),
		events:    make(map[string]string),
		purchases: make(map[string]*models.CreditPurchase),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Put stores acct as-is, bypassing the ledger.
func (s *MemoryStore) Put(acct *models.CreditAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.AccountID] = acct.Clone()
}

// FailCommits makes every following commit return err. Pass nil to reset.
func (s *MemoryStore) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return acct.Clone(), nil
}

func (s *MemoryStore) GetAccountByCustomerID(_ context.Context, customerID string) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if customerID != "" && acct.ProviderCustomerID == customerID {
			return acct.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: customer %s", ErrAccountNotFound, customerID)
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *models.CreditAccount) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[acct.AccountID]; exists {
		return false, nil
	}
	c := acct.Clone()
	c.Recompute()
	s.accounts[acct.AccountID] = c
	return true, nil
}

func (s *MemoryStore) accountLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

func (s *MemoryStore) WithAccountLock(ctx context.Context, accountID string, fn func(tx AccountTx) error) error {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	tx := &memoryTx{store: s, acct: acct}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		tx.rollbackLocked()
		return fmt.Errorf("commit: %w", s.commitErr)
	}
	s.accounts[accountID] = tx.acct.Clone()
	s.entries[accountID] = append(s.entries[accountID], tx.entries...)
	return nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, afterID string, limit int) ([]*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*models.CreditAccount, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.accounts[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.entries[accountID]
	out := make([]models.LedgerEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) FindDuplicateEventEntries(_ context.Context, since time.Time) ([]DuplicateEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct{ account, event string }
	groups := make(map[key]*DuplicateEvent)
	var order []key
	for accountID, entries := range s.entries {
		for _, e := range entries {
			if e.ProviderEventID == "" || !e.Amount.IsPositive() || e.CreatedAt.Before(since) {
				continue
			}
			k := key{accountID, e.ProviderEventID}
			g, ok := groups[k]
			if !ok {
				g = &DuplicateEvent{ProviderEventID: e.ProviderEventID, AccountID: accountID, Total: decimal.Zero}
				groups[k] = g
				order = append(order, k)
			}
			g.EntryIDs = append(g.EntryIDs, e.ID)
			g.Total = g.Total.Add(e.Amount)
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].account != order[j].account {
			return order[i].account < order[j].account
		}
		return order[i].event < order[j].event
	})

	var out []DuplicateEvent
	for _, k := range order {
		if g := groups[k]; len(g.EntryIDs) > 1 {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreatePurchase(_ context.Context, p *models.CreditPurchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.purchases[p.ProviderSessionID]; exists {
		return nil
	}
	c := *p
	s.purchases[p.ProviderSessionID] = &c
	return nil
}

// Purchase returns the purchase for a provider session.
func (s *MemoryStore) Purchase(sessionID string) (models.CreditPurchase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[sessionID]
	if !ok {
		return models.CreditPurchase{}, false
	}
	return *p, true
}

func (s *MemoryStore) ListPendingPurchases(_ context.Context, olderThan time.Time, limit int) ([]models.CreditPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CreditPurchase
	for _, p := range s.purchases {
		if p.Status == models.PurchasePending && p.CreatedAt.Before(olderThan) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) EventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[eventID]
	return ok, nil
}

type purchaseChange struct {
	sessionID string
	previous  models.PurchaseStatus
}

// memoryTx reserves event claims and purchase transitions immediately, as
// row locks would, and reverts them on rollback.
type memoryTx struct {
	store     *MemoryStore
	acct      *models.CreditAccount
	entries   []models.LedgerEntry
	claimed   []string
	purchases []purchaseChange
}

func (t *memoryTx) Account() *models.CreditAccount {
	return t.acct
}

func (t *memoryTx) AppendEntry(entry models.LedgerEntry) {
	t.entries = append(t.entries, entry)
}

func (t *memoryTx) ClaimEvent(_ context.Context, eventID, _ string) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, seen := t.store.events[eventID]; seen {
		return false, nil
	}
	t.store.events[eventID] = t.acct.AccountID
	t.claimed = append(t.claimed, eventID)
	return true, nil
}

func (t *memoryTx) SettlePurchase(_ context.Context, sessionID string, status models.PurchaseStatus) (models.PurchaseStatus, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	p, ok := t.store.purchases[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: session %s", ErrPurchaseNotFound, sessionID)
	}
	if p.AccountID != t.acct.AccountID {
		return "", fmt.Errorf("purchase %s belongs to another account", sessionID)
	}
	previous := p.Status
	if previous == models.PurchasePending {
		p.Status = status
		p.UpdatedAt = time.Now().UTC()
		t.purchases = append(t.purchases, purchaseChange{sessionID: sessionID, previous: previous})
	}
	return previous, nil
}

func (t *memoryTx) rollback() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.rollbackLocked()
}

func (t *memoryTx) rollbackLocked() {
	for _, id := range t.claimed {
		delete(t.store.events, id)
	}
	for _, c := range t.purchases {
		if p, ok := t.store.purchases[c.sessionID]; ok {
			p.Status = c.previous
		}
	}
}
