package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/transferledger/internal/domain"
)

// MemoryStore is a thread-safe in-memory Store. Each account carries its own
// exclusive lock, so units touching disjoint accounts never wait on each
// other; mu only guards the maps for the instant of a read or a commit.
//
// A token staged by a unit that has not finished yet is reserved: a second
// unit inserting the same token on disjoint accounts gets ErrDuplicateToken
// at once. PostgreSQL instead blocks that insert on the unique index until
// the first unit ends. Same-account retries never reach this point, since
// they queue on the account lock and find the token afterwards.
type MemoryStore struct {
	mu           sync.Mutex
	lockTimeout  time.Duration
	nextAccount  int64
	nextTransfer int64

	accounts map[int64]*memAccount
	ledger   []domain.Transfer
	byToken  map[string]int
	byCode   map[uuid.UUID]int
	pending  map[string]struct{}
}

type memAccount struct {
	lock    chan struct{}
	opening decimal.Decimal
	state   domain.Account
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		lockTimeout: lockTimeout,
		accounts:    make(map[int64]*memAccount),
		byToken:     make(map[string]int),
		byCode:      make(map[uuid.UUID]int),
		pending:     make(map[string]struct{}),
	}
}

func (s *MemoryStore) Close()                         {}
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) ExecTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:      s,
		held:   make(map[int64]*memAccount),
		writes: make(map[int64]domain.Account),
	}

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return fmt.Errorf("tx commit failed: %w", err)
	}
	tx.commit()
	return nil
}

type memTx struct {
	s       *MemoryStore
	held    map[int64]*memAccount
	writes  map[int64]domain.Account
	inserts []domain.Transfer
	tokens  []string
}

func (t *memTx) LockAccount(ctx context.Context, id int64) (*domain.Account, error) {
	if _, ok := t.held[id]; ok {
		acc := t.current(id)
		return &acc, nil
	}

	t.s.mu.Lock()
	a, ok := t.s.accounts[id]
	t.s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	var timeout <-chan time.Time
	if t.s.lockTimeout > 0 {
		timer := time.NewTimer(t.s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case a.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("lock acquisition failed: %w", ctx.Err())
	case <-timeout:
		return nil, ErrLockTimeout
	}

	t.held[id] = a
	acc := t.current(id)
	return &acc, nil
}

// current returns the account as this unit sees it: staged write first,
// then committed state. The caller must hold the account lock.
func (t *memTx) current(id int64) domain.Account {
	if w, ok := t.writes[id]; ok {
		return w
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.accounts[id].state
}

func (t *memTx) WriteAccount(ctx context.Context, acc *domain.Account) error {
	if _, ok := t.held[acc.ID]; !ok {
		return fmt.Errorf("account %d written without lock: %w", acc.ID, ErrRevisionConflict)
	}
	cur := t.current(acc.ID)
	if cur.Revision != acc.Revision {
		return ErrRevisionConflict
	}
	cur.Balance = acc.Balance
	cur.Revision++
	t.writes[acc.ID] = cur
	acc.Revision = cur.Revision
	return nil
}

func (t *memTx) FindTransferByToken(ctx context.Context, token string) (*domain.Transfer, error) {
	return t.s.FindTransferByToken(ctx, token)
}

func (t *memTx) InsertTransfer(ctx context.Context, tr *domain.Transfer) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if _, ok := t.s.byCode[tr.Code]; ok {
		return ErrDuplicateCode
	}
	for _, staged := range t.inserts {
		if staged.Code == tr.Code {
			return ErrDuplicateCode
		}
	}
	if tr.IdempotencyToken != nil {
		token := *tr.IdempotencyToken
		if _, ok := t.s.byToken[token]; ok {
			return ErrDuplicateToken
		}
		// Fail fast rather than wait for the owner to commit or roll back.
		if _, ok := t.s.pending[token]; ok {
			return ErrDuplicateToken
		}
		t.s.pending[token] = struct{}{}
		t.tokens = append(t.tokens, token)
	}

	t.s.nextTransfer++
	tr.ID = t.s.nextTransfer
	t.inserts = append(t.inserts, *tr)
	return nil
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	for id, w := range t.writes {
		t.s.accounts[id].state = w
	}
	for _, tr := range t.inserts {
		t.s.ledger = append(t.s.ledger, tr)
		idx := len(t.s.ledger) - 1
		t.s.byCode[tr.Code] = idx
		if tr.IdempotencyToken != nil {
			t.s.byToken[*tr.IdempotencyToken] = idx
		}
	}
	t.releaseTokens()
	t.s.mu.Unlock()
	t.releaseLocks()
}

func (t *memTx) rollback() {
	t.s.mu.Lock()
	t.releaseTokens()
	t.s.mu.Unlock()
	t.releaseLocks()
}

func (t *memTx) releaseTokens() {
	for _, token := range t.tokens {
		delete(t.s.pending, token)
	}
}

func (t *memTx) releaseLocks() {
	for id, a := range t.held {
		<-a.lock
		delete(t.held, id)
	}
}

func (s *MemoryStore) FindTransferByToken(ctx context.Context, token string) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	t := s.ledger[idx]
	return &t, nil
}

func (s *MemoryStore) GetTransferByCode(ctx context.Context, code uuid.UUID) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	t := s.ledger[idx]
	return &t, nil
}

func (s *MemoryStore) ListTransfersByAccount(ctx context.Context, accountID int64, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = DefaultStatementLimit
	}

	s.mu.Lock()
	if _, ok := s.accounts[accountID]; !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	out := []domain.Transfer{}
	for _, t := range s.ledger {
		if t.OriginAccountID == accountID || t.DestinationAccountID == accountID {
			out = append(out, t)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.Transfer) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateAccount(ctx context.Context, owner string, openingBalance decimal.Decimal) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAccount++
	a := &memAccount{
		lock:    make(chan struct{}, 1),
		opening: openingBalance,
		state: domain.Account{
			ID:        s.nextAccount,
			Owner:     owner,
			Balance:   openingBalance,
			CreatedAt: time.Now().UTC(),
		},
	}
	s.accounts[a.state.ID] = a
	acc := a.state
	return &acc, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	acc := a.state
	return &acc, nil
}

func (s *MemoryStore) Reconcile(ctx context.Context) ([]Divergence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	derived := make(map[int64]decimal.Decimal, len(s.accounts))
	for id, a := range s.accounts {
		derived[id] = a.opening
	}
	for _, t := range s.ledger {
		derived[t.OriginAccountID] = derived[t.OriginAccountID].Sub(t.Amount)
		derived[t.DestinationAccountID] = derived[t.DestinationAccountID].Add(t.Amount)
	}

	var out []Divergence
	for id, a := range s.accounts {
		if !a.state.Balance.Equal(derived[id]) {
			out = append(out, Divergence{AccountID: id, Stored: a.state.Balance, Derived: derived[id]})
		}
	}
	slices.SortFunc(out, func(a, b Divergence) int { return cmp.Compare(a.AccountID, b.AccountID) })
	return out, nil
}
