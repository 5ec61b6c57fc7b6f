package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/transferledger/internal/domain"
)

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"

	constraintTransferCode  = "transfers_code_key"
	constraintTransferToken = "transfers_idempotency_token_key"
)

const transferColumns = "id, code, origin_account_id, destination_account_id, amount, created_at, idempotency_token"

type PostgresStore struct {
	Db          *pgxpool.Pool
	lockTimeout time.Duration
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a pool against connString and verifies it with a ping.
func NewPostgresStore(ctx context.Context, connString string, maxConns int32, lockTimeout time.Duration) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return NewPostgresStoreFromPool(pool, lockTimeout), nil
}

func NewPostgresStoreFromPool(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{Db: pool, lockTimeout: lockTimeout}
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

// ExecTx runs fn in a READ COMMITTED transaction. Row locks taken with
// FOR UPDATE make a waiting unit re-read the committed row once the holder
// finishes, so balances are never computed from a stale snapshot.
func (s *PostgresStore) ExecTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, lockTimeoutStmt(s.lockTimeout)); err != nil {
			return fmt.Errorf("set lock_timeout failed: %w", err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// lockTimeoutStmt rounds d up to whole milliseconds. PostgreSQL reads
// lock_timeout = 0 as no limit, so a positive d never becomes 0ms.
// SET does not accept bind parameters.
func lockTimeoutStmt(d time.Duration) string {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", int64(ms))
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var acc domain.Account
	err := t.tx.QueryRow(ctx,
		"SELECT id, owner, balance, revision, created_at FROM accounts WHERE id = $1 FOR UPDATE",
		id,
	).Scan(&acc.ID, &acc.Owner, &acc.Balance, &acc.Revision, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", classify(err))
	}
	return &acc, nil
}

func (t *pgTx) WriteAccount(ctx context.Context, acc *domain.Account) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE accounts SET balance = $1, revision = revision + 1 WHERE id = $2 AND revision = $3",
		acc.Balance, acc.ID, acc.Revision,
	)
	if err != nil {
		return fmt.Errorf("balance update failed: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrRevisionConflict
	}
	acc.Revision++
	return nil
}

func (t *pgTx) FindTransferByToken(ctx context.Context, token string) (*domain.Transfer, error) {
	tr, err := scanTransfer(t.tx.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE idempotency_token = $1", token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	return tr, nil
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr *domain.Transfer) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transfers (code, origin_account_id, destination_account_id, amount, created_at, idempotency_token)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		tr.Code, tr.OriginAccountID, tr.DestinationAccountID, tr.Amount, tr.CreatedAt, tr.IdempotencyToken,
	).Scan(&tr.ID)
	if err != nil {
		return fmt.Errorf("transfer insert failed: %w", classify(err))
	}
	return nil
}

// classify maps driver errors onto the store sentinels while keeping the
// original error in the chain.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case constraintTransferToken:
			return fmt.Errorf("%w: %w", ErrDuplicateToken, err)
		case constraintTransferCode:
			return fmt.Errorf("%w: %w", ErrDuplicateCode, err)
		}
	case pgLockNotAvailable:
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*domain.Transfer, error) {
	var t domain.Transfer
	if err := row.Scan(&t.ID, &t.Code, &t.OriginAccountID, &t.DestinationAccountID, &t.Amount, &t.CreatedAt, &t.IdempotencyToken); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// FindTransferByToken looks up a ledger entry by idempotency token.
func (s *PostgresStore) FindTransferByToken(ctx context.Context, token string) (*domain.Transfer, error) {
	t, err := scanTransfer(s.Db.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE idempotency_token = $1", token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	return t, nil
}

// GetTransferByCode retrieves transfer details.
func (s *PostgresStore) GetTransferByCode(ctx context.Context, code uuid.UUID) (*domain.Transfer, error) {
	t, err := scanTransfer(s.Db.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE code = $1", code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("transfer query failed: %w", err)
	}
	return t, nil
}

// ListTransfersByAccount returns the account statement, newest first.
func (s *PostgresStore) ListTransfersByAccount(ctx context.Context, accountID int64, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = DefaultStatementLimit
	}

	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.Db.Query(ctx,
		"SELECT "+transferColumns+` FROM transfers
		 WHERE origin_account_id = $1 OR destination_account_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := []domain.Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// CreateAccount opens an account whose balance starts at openingBalance.
func (s *PostgresStore) CreateAccount(ctx context.Context, owner string, openingBalance decimal.Decimal) (*domain.Account, error) {
	var acc domain.Account
	err := s.Db.QueryRow(ctx,
		`INSERT INTO accounts (owner, opening_balance, balance) VALUES ($1, $2, $2)
		 RETURNING id, owner, balance, revision, created_at`,
		owner, openingBalance,
	).Scan(&acc.ID, &acc.Owner, &acc.Balance, &acc.Revision, &acc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("could not create account: %w", err)
	}
	return &acc, nil
}

// GetAccount retrieves a single account by ID without locking it.
func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var acc domain.Account
	err := s.Db.QueryRow(ctx,
		"SELECT id, owner, balance, revision, created_at FROM accounts WHERE id = $1", id,
	).Scan(&acc.ID, &acc.Owner, &acc.Balance, &acc.Revision, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &acc, nil
}

func (s *PostgresStore) Reconcile(ctx context.Context) ([]Divergence, error) {
	rows, err := s.Db.Query(ctx, `
		WITH derived AS (
			SELECT a.id, a.balance,
			       a.opening_balance
			       + COALESCE((SELECT SUM(t.amount) FROM transfers t WHERE t.destination_account_id = a.id), 0)
			       - COALESCE((SELECT SUM(t.amount) FROM transfers t WHERE t.origin_account_id = a.id), 0) AS derived_balance
			FROM accounts a
		)
		SELECT id, balance, derived_balance FROM derived
		WHERE balance <> derived_balance
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("reconcile query failed: %w", err)
	}
	defer rows.Close()

	var out []Divergence
	for rows.Next() {
		var d Divergence
		if err := rows.Scan(&d.AccountID, &d.Stored, &d.Derived); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
