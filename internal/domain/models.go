package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StatusSuccess is the only status a returned TransferResult carries.
// Failures are reported as errors.
const StatusSuccess = "success"

// AmountScale is the number of fractional digits stored for balances and amounts.
const AmountScale = 2

// MaxTokenLength bounds the client-supplied idempotency token.
const MaxTokenLength = 255

// Account represents a balance holder in the ledger.
// Revision is bumped on every write and lets the store detect a write
// that was not preceded by a lock in the same atomic unit.
type Account struct {
	ID        int64           `json:"id"`
	Owner     string          `json:"owner"`
	Balance   decimal.Decimal `json:"balance"`
	Revision  int64           `json:"revision"`
	CreatedAt time.Time       `json:"created_at"`
}

// TransferRequest is the engine input. Token is optional.
type TransferRequest struct {
	OriginAccountID      int64
	DestinationAccountID int64
	Amount               decimal.Decimal
	IdempotencyToken     *string
}

// Token returns the trimmed idempotency token, or "" when none was supplied.
func (r TransferRequest) Token() string {
	if r.IdempotencyToken == nil {
		return ""
	}
	return strings.TrimSpace(*r.IdempotencyToken)
}

// Transfer is the immutable ledger record of one completed movement.
type Transfer struct {
	ID                   int64           `json:"-"`
	Code                 uuid.UUID       `json:"code"`
	OriginAccountID      int64           `json:"origin_account_id"`
	DestinationAccountID int64           `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	CreatedAt            time.Time       `json:"timestamp"`
	IdempotencyToken     *string         `json:"-"`
}

// Matches reports whether the ledger entry describes the same logical
// request, which is what makes a token replay legitimate.
func (t *Transfer) Matches(req TransferRequest) bool {
	return t.OriginAccountID == req.OriginAccountID &&
		t.DestinationAccountID == req.DestinationAccountID &&
		t.Amount.Equal(req.Amount)
}

// TransferResult is what the engine returns for both a fresh execution and
// a replay. Replayed never changes the payload; the adapter only uses it to
// choose between 201 and 200.
type TransferResult struct {
	Code                 uuid.UUID
	Status               string
	OriginAccountID      int64
	DestinationAccountID int64
	Amount               decimal.Decimal
	Timestamp            time.Time
	Replayed             bool
}

// NewTransferResult builds the canonical result from a ledger entry.
func NewTransferResult(t *Transfer, replayed bool) *TransferResult {
	return &TransferResult{
		Code:                 t.Code,
		Status:               StatusSuccess,
		OriginAccountID:      t.OriginAccountID,
		DestinationAccountID: t.DestinationAccountID,
		Amount:               t.Amount,
		Timestamp:            t.CreatedAt,
		Replayed:             replayed,
	}
}
