package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/transferledger/internal/domain"
)

var (
	ErrNotFound         = errors.New("store: not found")
	ErrDuplicateToken   = errors.New("store: idempotency token already recorded")
	ErrDuplicateCode    = errors.New("store: transfer code already recorded")
	ErrRevisionConflict = errors.New("store: account revision changed since lock")
	ErrLockTimeout      = errors.New("store: lock wait timed out")
)

// Store is the persistence boundary consumed by the transfer service.
// Reads outside ExecTx see committed state only.
type Store interface {
	// ExecTx runs fn inside one atomic unit. The unit commits only when fn
	// returns nil; any error rolls it back and is returned unchanged.
	ExecTx(ctx context.Context, fn func(Tx) error) error

	FindTransferByToken(ctx context.Context, token string) (*domain.Transfer, error)
	GetTransferByCode(ctx context.Context, code uuid.UUID) (*domain.Transfer, error)
	ListTransfersByAccount(ctx context.Context, accountID int64, limit int) ([]domain.Transfer, error)

	CreateAccount(ctx context.Context, owner string, openingBalance decimal.Decimal) (*domain.Account, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)

	// Reconcile recomputes every balance from its opening balance and the
	// ledger and returns the accounts whose stored balance diverges.
	Reconcile(ctx context.Context) ([]Divergence, error)

	Ping(ctx context.Context) error
	Close()
}

// Tx is the set of operations available inside an atomic unit.
type Tx interface {
	// LockAccount reads an account and holds an exclusive lock on it until
	// the unit ends. It blocks while another unit holds the lock.
	LockAccount(ctx context.Context, id int64) (*domain.Account, error)

	// WriteAccount persists acc.Balance and bumps acc.Revision. It fails with
	// ErrRevisionConflict when the stored revision is no longer acc.Revision.
	WriteAccount(ctx context.Context, acc *domain.Account) error

	// FindTransferByToken looks the token up from inside the unit. Called
	// after LockAccount, it sees an entry committed by any unit that held
	// the same locks before this one.
	FindTransferByToken(ctx context.Context, token string) (*domain.Transfer, error)

	// InsertTransfer appends a ledger entry, filling in t.ID.
	InsertTransfer(ctx context.Context, t *domain.Transfer) error
}

// Divergence is one account whose balance disagrees with its ledger.
type Divergence struct {
	AccountID int64
	Stored    decimal.Decimal
	Derived   decimal.Decimal
}

// DefaultStatementLimit caps ListTransfersByAccount when limit <= 0.
const DefaultStatementLimit = 100
