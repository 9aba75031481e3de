package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/piggypay/piggypay/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	records  map[string][]*Record // uid -> log, append order
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		records:  make(map[string][]*Record),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[acct.UID]; ok {
		return ErrDuplicateAccount
	}
	cp := *acct
	if cp.Balance == "" {
		cp.Balance = "0.00"
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.accounts[acct.UID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, uid string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[uid]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) GetAccountByPhone(ctx context.Context, phone string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, acct := range m.accounts {
		if acct.Phone == phone {
			cp := *acct
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		cp := *acct
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}

func (m *MemoryStore) UpdateAccount(ctx context.Context, uid string, upd AccountUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[uid]
	if !ok {
		return ErrAccountNotFound
	}
	if upd.Name != nil {
		acct.Name = *upd.Name
	}
	if upd.Email != nil {
		acct.Email = *upd.Email
	}
	if upd.IBAN != nil {
		acct.IBAN = *upd.IBAN
	}
	if upd.StripeCustomerID != nil {
		acct.StripeCustomerID = *upd.StripeCustomerID
	}
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) IncrementBalance(ctx context.Context, uid, delta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrementLocked(uid, delta)
}

// incrementLocked applies delta to a balance. Caller holds m.mu.
func (m *MemoryStore) incrementLocked(uid, delta string) error {
	acct, ok := m.accounts[uid]
	if !ok {
		return ErrAccountNotFound
	}
	d, ok := money.Parse(delta)
	if !ok {
		return ErrInvalidAmount
	}
	bal, _ := money.Parse(acct.Balance)
	if bal == nil {
		bal = big.NewInt(0)
	}
	bal.Add(bal, d)
	acct.Balance = money.Format(bal)
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetFraudAlert(ctx context.Context, uid string, flagged bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[uid]
	if !ok {
		return ErrAccountNotFound
	}
	acct.HasFraudAlert = flagged
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AppendRecord(ctx context.Context, uid string, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[uid]; !ok {
		return ErrAccountNotFound
	}
	cp := *rec
	cp.AccountUID = uid
	m.records[uid] = append(m.records[uid], &cp)
	return nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, uid string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyRecords(uid, func(*Record) bool { return true }), nil
}

func (m *MemoryStore) RecentRecords(ctx context.Context, uid string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.copyRecords(uid, func(*Record) bool { return true })
	// Most recent first.
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) PendingRecords(ctx context.Context, uid string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyRecords(uid, func(r *Record) bool { return !r.Verified }), nil
}

func (m *MemoryStore) ResolveRecord(ctx context.Context, uid, recordID, delta string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records[uid] {
		if rec.ID != recordID {
			continue
		}
		if rec.Verified {
			return ErrAlreadyResolved
		}
		// Verify + apply under a single critical section.
		if money.Cmp(delta, "0") != 0 {
			if err := m.incrementLocked(uid, delta); err != nil {
				return err
			}
		}
		rec.Verified = true
		rec.Fraud = false
		rec.Label = LabelLegit
		resolved := at
		rec.ResolvedAt = &resolved
		return nil
	}
	return ErrRecordNotFound
}

// copyRecords returns copies of log records matching keep, in append order.
// Caller holds at least a read lock.
func (m *MemoryStore) copyRecords(uid string, keep func(*Record) bool) []*Record {
	var result []*Record
	for _, rec := range m.records[uid] {
		if keep(rec) {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result
}
