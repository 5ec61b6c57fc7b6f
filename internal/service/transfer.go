package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/domain"
	"github.com/punchamoorthee/transferledger/internal/store"
)

// maxAmount is the first value that no longer fits NUMERIC(19,2).
var maxAmount = decimal.New(1, 17)

type Clock interface {
	Now() time.Time
}

type CodeGenerator interface {
	NewCode() (uuid.UUID, error)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type randomCodes struct{}

func (randomCodes) NewCode() (uuid.UUID, error) { return uuid.NewRandom() }

type Option func(*TransferService)

func WithClock(c Clock) Option                 { return func(s *TransferService) { s.clock = c } }
func WithCodeGenerator(g CodeGenerator) Option { return func(s *TransferService) { s.codes = g } }
func WithLogger(l *zap.Logger) Option          { return func(s *TransferService) { s.logger = l } }

// TransferService applies transfers against a Store. It keeps no state
// between calls; every balance it reads comes from the store under lock.
type TransferService struct {
	store  store.Store
	clock  Clock
	codes  CodeGenerator
	logger *zap.Logger
}

func NewTransferService(s store.Store, opts ...Option) *TransferService {
	svc := &TransferService{
		store:  s,
		clock:  systemClock{},
		codes:  randomCodes{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// ProcessTransfer moves req.Amount from origin to destination and appends a
// ledger entry, all in one atomic unit. A request carrying a token that is
// already recorded returns the recorded result without touching balances.
func (s *TransferService) ProcessTransfer(ctx context.Context, req domain.TransferRequest) (res *domain.TransferResult, err error) {
	start := time.Now()
	defer func() { s.observe(req, res, err, start) }()

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	token := req.Token()

	// 1. Idempotency short-circuit
	if token != "" {
		existing, err := s.store.FindTransferByToken(ctx, token)
		switch {
		case err == nil:
			return replay(existing, req)
		case !errors.Is(err, store.ErrNotFound):
			return nil, domain.Transient("idempotency lookup", err)
		}
	}

	// 2-7. Lock, check, mutate, append
	var created *domain.Transfer
	err = s.store.ExecTx(ctx, func(tx store.Tx) error {
		var applyErr error
		created, applyErr = s.apply(ctx, tx, req, token)
		return applyErr
	})

	var recorded *tokenRecordedError
	switch {
	case err == nil:
		return domain.NewTransferResult(created, false), nil
	case errors.As(err, &recorded):
		// The same token committed while this unit waited for its locks.
		tokenRaces.Inc()
		return replay(recorded.transfer, req)
	case errors.Is(err, store.ErrDuplicateToken):
		// A concurrent request with the same token committed first; this
		// unit has been rolled back, so return the winner's result.
		return s.resolveTokenRace(ctx, token, req)
	case isBusinessError(err):
		return nil, err
	default:
		return nil, domain.Transient("apply transfer", err)
	}
}

func (s *TransferService) apply(ctx context.Context, tx store.Tx, req domain.TransferRequest, token string) (*domain.Transfer, error) {
	timer := prometheus.NewTimer(lockWaitDuration)
	locked := make(map[int64]*domain.Account, 2)
	for _, id := range lockOrder(req.OriginAccountID, req.DestinationAccountID) {
		acc, err := tx.LockAccount(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, notFound(req, id)
			}
			return nil, err
		}
		locked[id] = acc
	}
	timer.ObserveDuration()

	// The lookup before the unit can miss a request with the same token that was
	// still in flight. Checking again under the locks stops a retry from
	// being judged against the balance its own original already moved.
	if token != "" {
		existing, err := tx.FindTransferByToken(ctx, token)
		switch {
		case err == nil:
			return nil, &tokenRecordedError{transfer: existing}
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	if req.OriginAccountID == req.DestinationAccountID {
		return nil, domain.InvalidArgument("self-transfer: origin and destination are the same account")
	}

	origin := locked[req.OriginAccountID]
	destination := locked[req.DestinationAccountID]

	if origin.Balance.LessThan(req.Amount) {
		return nil, fmt.Errorf("%w: account %d holds %s, transfer needs %s",
			domain.ErrInsufficientBalance, origin.ID, origin.Balance.StringFixed(domain.AmountScale), req.Amount.StringFixed(domain.AmountScale))
	}

	origin.Balance = origin.Balance.Sub(req.Amount)
	if err := tx.WriteAccount(ctx, origin); err != nil {
		return nil, err
	}
	destination.Balance = destination.Balance.Add(req.Amount)
	if err := tx.WriteAccount(ctx, destination); err != nil {
		return nil, err
	}

	code, err := s.codes.NewCode()
	if err != nil {
		return nil, fmt.Errorf("generate transfer code: %w", err)
	}

	t := &domain.Transfer{
		Code:                 code,
		OriginAccountID:      req.OriginAccountID,
		DestinationAccountID: req.DestinationAccountID,
		Amount:               req.Amount,
		// PostgreSQL keeps microseconds; truncating here keeps a fresh
		// result identical to its later replay.
		CreatedAt: s.clock.Now().UTC().Truncate(time.Microsecond),
	}
	if token != "" {
		t.IdempotencyToken = &token
	}

	if err := tx.InsertTransfer(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// tokenRecordedError aborts a unit whose token turned out to be recorded
// already; the unit rolls back and the recorded transfer is replayed.
type tokenRecordedError struct {
	transfer *domain.Transfer
}

func (e *tokenRecordedError) Error() string {
	return fmt.Sprintf("idempotency token already recorded by transfer %s", e.transfer.Code)
}

func (s *TransferService) resolveTokenRace(ctx context.Context, token string, req domain.TransferRequest) (*domain.TransferResult, error) {
	tokenRaces.Inc()
	winner, err := s.store.FindTransferByToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: token %q", domain.ErrDuplicateToken, token)
		}
		return nil, domain.Transient("idempotency re-read", err)
	}
	return replay(winner, req)
}

func replay(existing *domain.Transfer, req domain.TransferRequest) (*domain.TransferResult, error) {
	if !existing.Matches(req) {
		return nil, fmt.Errorf("%w: token already used by transfer %s", domain.ErrIdempotencyMismatch, existing.Code)
	}
	return domain.NewTransferResult(existing, true), nil
}

// lockOrder returns the distinct account ids in ascending order. Every unit
// locks in this order, so two transfers over the same pair can never wait on
// each other in a cycle.
func lockOrder(a, b int64) []int64 {
	switch {
	case a == b:
		return []int64{a}
	case a < b:
		return []int64{a, b}
	default:
		return []int64{b, a}
	}
}

func notFound(req domain.TransferRequest, id int64) error {
	side := domain.SideDestination
	if id == req.OriginAccountID {
		side = domain.SideOrigin
	}
	return &domain.AccountNotFoundError{Side: side, AccountID: id}
}

func isBusinessError(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindInvalidArgument, domain.KindAccountNotFound, domain.KindInsufficientBalance:
		return true
	}
	return false
}

func validateRequest(req domain.TransferRequest) error {
	if req.OriginAccountID <= 0 || req.DestinationAccountID <= 0 {
		return domain.InvalidArgument("account ids must be positive integers")
	}
	if !req.Amount.IsPositive() {
		return domain.InvalidArgument("amount must be positive")
	}
	if !req.Amount.Equal(req.Amount.Truncate(domain.AmountScale)) {
		return domain.InvalidArgument(fmt.Sprintf("amount supports at most %d decimal places", domain.AmountScale))
	}
	if req.Amount.GreaterThanOrEqual(maxAmount) {
		return domain.InvalidArgument("amount exceeds the supported range")
	}
	if req.IdempotencyToken != nil {
		token := req.Token()
		if token == "" {
			return domain.InvalidArgument("idempotency token must not be blank")
		}
		if len(token) > domain.MaxTokenLength {
			return domain.InvalidArgument(fmt.Sprintf("idempotency token exceeds %d characters", domain.MaxTokenLength))
		}
	}
	return nil
}

func (s *TransferService) observe(req domain.TransferRequest, res *domain.TransferResult, err error, start time.Time) {
	elapsed := time.Since(start)
	transferDuration.Observe(elapsed.Seconds())

	if err != nil {
		kind := domain.KindOf(err)
		transfersTotal.WithLabelValues(string(kind)).Inc()
		fields := []zap.Field{
			zap.Int64("origin_account_id", req.OriginAccountID),
			zap.Int64("destination_account_id", req.DestinationAccountID),
			zap.String("amount", req.Amount.String()),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		}
		if kind == domain.KindTransient || kind == domain.KindInternal {
			s.logger.Warn("transfer failed", fields...)
		} else {
			s.logger.Debug("transfer rejected", fields...)
		}
		return
	}

	result := "created"
	if res.Replayed {
		result = "replayed"
	}
	transfersTotal.WithLabelValues(result).Inc()
	s.logger.Debug("transfer applied",
		zap.String("code", res.Code.String()),
		zap.Bool("replayed", res.Replayed),
		zap.Duration("elapsed", elapsed),
	)
}
