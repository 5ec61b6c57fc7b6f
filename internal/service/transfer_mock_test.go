package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/punchamoorthee/transferledger/internal/domain"
	"github.com/punchamoorthee/transferledger/internal/service"
	"github.com/punchamoorthee/transferledger/internal/store"
	"github.com/punchamoorthee/transferledger/internal/store/mocks"
)

type fixedCodes struct{ code uuid.UUID }

func (g fixedCodes) NewCode() (uuid.UUID, error) { return g.code, nil }

type failingCodes struct{}

func (failingCodes) NewCode() (uuid.UUID, error) { return uuid.Nil, errors.New("entropy exhausted") }

var mockNow = time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)

func newMockService(ctrl *gomock.Controller, opts ...service.Option) (*service.TransferService, *mocks.MockStore, *mocks.MockTx) {
	st := mocks.NewMockStore(ctrl)
	tx := mocks.NewMockTx(ctrl)
	base := []service.Option{service.WithClock(fixedClock{mockNow})}
	svc := service.NewTransferService(st, append(base, opts...)...)
	return svc, st, tx
}

// runTx makes ExecTx hand tx to the callback and return its error, the way
// a real store would after rolling back.
func runTx(st *mocks.MockStore, tx *mocks.MockTx) *gomock.Call {
	return st.EXPECT().
		ExecTx(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, fn func(store.Tx) error) error {
			return fn(tx)
		})
}

func accounts(tx *mocks.MockTx, origin, destination string) {
	tx.EXPECT().LockAccount(gomock.Any(), int64(1)).
		Return(&domain.Account{ID: 1, Balance: dec(origin), Revision: 4}, nil)
	tx.EXPECT().LockAccount(gomock.Any(), int64(2)).
		Return(&domain.Account{ID: 2, Balance: dec(destination), Revision: 7}, nil)
}

func TestProcessTransfer_LocksInAscendingOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	code := uuid.New()
	svc, st, tx := newMockService(ctrl, service.WithCodeGenerator(fixedCodes{code}))

	runTx(st, tx)
	gomock.InOrder(
		tx.EXPECT().LockAccount(gomock.Any(), int64(1)).
			Return(&domain.Account{ID: 1, Balance: dec("5.00"), Revision: 1}, nil),
		tx.EXPECT().LockAccount(gomock.Any(), int64(2)).
			Return(&domain.Account{ID: 2, Balance: dec("50.00"), Revision: 1}, nil),
	)
	tx.EXPECT().WriteAccount(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, acc *domain.Account) error {
			switch acc.ID {
			case 2:
				assert.True(t, dec("40.00").Equal(acc.Balance))
			case 1:
				assert.True(t, dec("15.00").Equal(acc.Balance))
			}
			return nil
		}).Times(2)
	tx.EXPECT().InsertTransfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, tr *domain.Transfer) error {
			assert.Equal(t, code, tr.Code)
			assert.Equal(t, int64(2), tr.OriginAccountID)
			assert.Equal(t, int64(1), tr.DestinationAccountID)
			assert.Nil(t, tr.IdempotencyToken)
			assert.True(t, mockNow.Equal(tr.CreatedAt))
			return nil
		})

	// Origin has the larger id: locks must still go 1 then 2.
	res, err := svc.ProcessTransfer(context.Background(), domain.TransferRequest{
		OriginAccountID: 2, DestinationAccountID: 1, Amount: dec("10.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, code, res.Code)
	assert.False(t, res.Replayed)
}

func TestProcessTransfer_ReplayHitSkipsTransaction(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc, st, _ := newMockService(ctrl)

	existing := &domain.Transfer{
		Code: uuid.New(), OriginAccountID: 1, DestinationAccountID: 2,
		Amount: dec("10.00"), CreatedAt: mockNow, IdempotencyToken: token("k1"),
	}
	st.EXPECT().FindTransferByToken(gomock.Any(), "k1").Return(existing, nil)
	st.EXPECT().ExecTx(gomock.Any(), gomock.Any()).Times(0)

	res, err := svc.ProcessTransfer(context.Background(), domain.TransferRequest{
		OriginAccountID: 1, DestinationAccountID: 2, Amount: dec("10"), IdempotencyToken: token("k1"),
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, existing.Code, res.Code)
	assert.Equal(t, domain.StatusSuccess, res.Status)
}

func TestProcessTransfer_LookupFailureIsTransient(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc, st, _ := newMockService(ctrl)

	st.EXPECT().FindTransferByToken(gomock.Any(), "k1").Return(nil, errors.New("db down"))
	st.EXPECT().ExecTx(gomock.Any(), gomock.Any()).Times(0)

	_, err := svc.ProcessTransfer(context.Background(), domain.TransferRequest{
		OriginAccountID: 1, DestinationAccountID: 2, Amount: dec("10"), IdempotencyToken: token("k1"),
	})
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestProcessTransfer_TokenRaceReturnsWinner(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc, st, tx := newMockService(ctrl, service.WithCodeGenerator(fixedCodes{uuid.New()}))

	winner := &domain.Transfer{
		Code: uuid.New(), OriginAccountID: 1, DestinationAccountID: 2,
		Amount: dec("10.00"), CreatedAt: mockNow.Add(-time.Millisecond), IdempotencyToken: token("k1"),
	}

	gomock.InOrder(
		st.EXPECT().FindTransferByToken(gomock.Any(), "k1").Return(nil, store.ErrNotFound),
		runTx(st, tx),
		st.EXPECT().FindTransferByToken(gomock.Any(), "k1").Return(winner, nil),
	)
	accounts(tx, "100.00", "0")
	tx.EXPECT().FindTransferByToken(gomock.Any(), "k1").Return(nil, store.ErrNotFound)
	tx.EXPECT().WriteAccount(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	tx.EXPECT().InsertTransfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, tr *domain.Transfer) error {
			require.NotNil(t, tr.IdempotencyToken)
			assert.Equal(t, "k1", *tr.IdempotencyToken)
			return store.ErrDuplicateToken
		})

	res, err := svc.ProcessTransfer(context.Background(), domain.TransferRequest{
		OriginAccountID: 1, DestinationAccountID: 2, Amount: dec("10"), IdempotencyToken: token("k1"),
	})
	require.NoError(t, err)
	assert.Equal(t, winner.Code, res.Code)
	assert.True(t, winner.CreatedAt.Equal(res.Timestamp))
	assert.True(t, res.Replayed)
}

func TestProcessTransfer_TokenRecordedWhileWaitingForLocks(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc, st, tx := newMockService(ctrl)

	original := &domain.Transfer{
		Code: uuid.New(), OriginAccountID: 1, DestinationAccountID: 2,
		Amount: dec("10.00"), CreatedAt: mockNow, IdempotencyToken: token("k1"),
	}

	st.EXPECT().FindTransferByToken(gomock.Any(), "k1").Return(nil, store.ErrNotFound)
	runTx(st, tx)
	// The original already drained the origin; the balance must not be judged.
	accounts(tx, "0.00", "10.00")
	tx.EXPECT().FindTransferByToken(gomock.Any(), "k1").Return(original, nil)
	tx.EXPECT().WriteAccount(gomock.Any(), gomock.Any()).Times(0)
	tx.EXPECT().InsertTransfer(gomock.Any(), gomock.Any()).Times(0)

	res, err := svc.ProcessTransfer(context.Background(), domain.TransferRequest{
		OriginAccountID: 1, DestinationAccountID: 2, Amount: dec("10"), IdempotencyToken: token("k1"),
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, original.Code, res.Code)
}

func TestProcessTransfer_InUnitTokenLookup(t *testing.T) {
	cases := []struct {
		name     string
		recorded *domain.Transfer
		lookup   error
		wantErr  error
	}{
		{
			name: "recorded with a different request",
			recorded: &domain.Transfer{
				Code: uuid.New(), OriginAccountID: 1, DestinationAccountID: 2,
				Amount: dec("99.00"), CreatedAt: mockNow, IdempotencyToken: token("k1"),
			},
			wantErr: domain.ErrIdempotencyMismatch,
		},
		{name: "lookup fails", lookup: errors.New("connection reset"), wantErr: domain.ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			svc, st, tx := newMockService(ctrl)

			st.EXPECT().FindTransferByToken(gomock.Any(), "k1").Return(nil, store.ErrNotFound)
			runTx(st, tx)
			accounts(tx, "100.00", "0")
			tx.EXPECT().FindTransferByToken(gomock.Any(), "k1").Return(tc.recorded, tc.lookup)
			tx.EXPECT().WriteAccount(gomock.Any(), gomock.Any()).Times(0)

			_, err := svc.ProcessTransfer(context.Background(), domain.TransferRequest{
				OriginAccountID: 1, DestinationAccountID: 2, Amount: dec("10"), IdempotencyToken: token("k1"),
			})
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestProcessTransfer_TokenRaceReReadFails(t *testing.T) {
	cases := []struct {
		name    string
		reread  error
		wantErr error
	}{
		{"storage failure is transient", errors.New("connection reset"), domain.ErrTransient},
		{"vanished winner is a conflict", store.ErrNotFound, domain.ErrDuplicateToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			svc, st, tx := newMockService(ctrl)

			gomock.InOrder(
				st.EXPECT().FindTransferByToken(gomock.Any(), "k1").Return(nil, store.ErrNotFound),
				runTx(st, tx),
				st.EXPECT().FindTransferByToken(gomock.Any(), "k1").Return(nil, tc.reread),
			)
			accounts(tx, "100.00", "0")
			tx.EXPECT().FindTransferByToken(gomock.Any(), "k1").Return(nil, store.ErrNotFound)
			tx.EXPECT().WriteAccount(gomock.Any(), gomock.Any()).Return(nil).Times(2)
			tx.EXPECT().InsertTransfer(gomock.Any(), gomock.Any()).Return(store.ErrDuplicateToken)

			_, err := svc.ProcessTransfer(context.Background(), domain.TransferRequest{
				OriginAccountID: 1, DestinationAccountID: 2, Amount: dec("10"), IdempotencyToken: token("k1"),
			})
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestProcessTransfer_StorageFailuresAreTransient(t *testing.T) {
	cases := []struct {
		name  string
		setup func(st *mocks.MockStore, tx *mocks.MockTx)
	}{
		{
			name: "commit fails",
			setup: func(st *mocks.MockStore, tx *mocks.MockTx) {
				st.EXPECT().ExecTx(gomock.Any(), gomock.Any()).
					DoAndReturn(func(_ context.Context, fn func(store.Tx) error) error {
						if err := fn(tx); err != nil {
							return err
						}
						return errors.New("tx commit failed: connection lost")
					})
				accounts(tx, "100.00", "0")
				tx.EXPECT().WriteAccount(gomock.Any(), gomock.Any()).Return(nil).Times(2)
				tx.EXPECT().InsertTransfer(gomock.Any(), gomock.Any()).Return(nil)
			},
		},
		{
			name: "lock wait times out",
			setup: func(st *mocks.MockStore, tx *mocks.MockTx) {
				runTx(st, tx)
				tx.EXPECT().LockAccount(gomock.Any(), int64(1)).Return(nil, store.ErrLockTimeout)
			},
		},
		{
			name: "revision moved between lock and write",
			setup: func(st *mocks.MockStore, tx *mocks.MockTx) {
				runTx(st, tx)
				accounts(tx, "100.00", "0")
				tx.EXPECT().WriteAccount(gomock.Any(), gomock.Any()).Return(store.ErrRevisionConflict)
			},
		},
		{
			name: "code collision",
			setup: func(st *mocks.MockStore, tx *mocks.MockTx) {
				runTx(st, tx)
				accounts(tx, "100.00", "0")
				tx.EXPECT().WriteAccount(gomock.Any(), gomock.Any()).Return(nil).Times(2)
				tx.EXPECT().InsertTransfer(gomock.Any(), gomock.Any()).Return(store.ErrDuplicateCode)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			svc, st, tx := newMockService(ctrl)
			tc.setup(st, tx)

			_, err := svc.ProcessTransfer(context.Background(), domain.TransferRequest{
				OriginAccountID: 1, DestinationAccountID: 2, Amount: dec("10"),
			})
			assert.ErrorIs(t, err, domain.ErrTransient)
			assert.True(t, domain.Retryable(err))
		})
	}
}

func TestProcessTransfer_CodeGenerationFailureWritesNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc, st, tx := newMockService(ctrl, service.WithCodeGenerator(failingCodes{}))

	runTx(st, tx)
	accounts(tx, "100.00", "0")
	tx.EXPECT().WriteAccount(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	tx.EXPECT().InsertTransfer(gomock.Any(), gomock.Any()).Times(0)

	_, err := svc.ProcessTransfer(context.Background(), domain.TransferRequest{
		OriginAccountID: 1, DestinationAccountID: 2, Amount: dec("10"),
	})
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestProcessTransfer_InvalidInputNeverTouchesStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc, st, _ := newMockService(ctrl)

	st.EXPECT().FindTransferByToken(gomock.Any(), gomock.Any()).Times(0)
	st.EXPECT().ExecTx(gomock.Any(), gomock.Any()).Times(0)

	_, err := svc.ProcessTransfer(context.Background(), domain.TransferRequest{
		OriginAccountID: 1, DestinationAccountID: 2, Amount: dec("-5"), IdempotencyToken: token("k"),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
