package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/domain"
	"github.com/punchamoorthee/transferledger/internal/store"
)

const maxBodyBytes = 1 << 16

// TransferProcessor is the engine as seen by the HTTP layer.
type TransferProcessor interface {
	ProcessTransfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error)
}

type Handler struct {
	store   store.Store
	service TransferProcessor
	logger  *zap.Logger
}

func NewHandler(s store.Store, svc TransferProcessor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: s, service: svc, logger: logger}
}

// NewRouter wires every endpoint, /metrics and /health.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/transfers", h.CreateTransfer).Methods(http.MethodPost)
	apiV1.HandleFunc("/transfers/{code}", h.GetTransfer).Methods(http.MethodGet)
	apiV1.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	apiV1.HandleFunc("/accounts/{id}", h.GetAccount).Methods(http.MethodGet)
	apiV1.HandleFunc("/accounts/{id}/transfers", h.ListAccountTransfers).Methods(http.MethodGet)
	return r
}

type transferRequest struct {
	OriginAccountID      int64           `json:"origin_account_id" validate:"gt=0"`
	DestinationAccountID int64           `json:"destination_account_id" validate:"gt=0"`
	Amount               decimal.Decimal `json:"amount"`
	IdempotencyToken     *string         `json:"idempotency_token,omitempty" validate:"omitempty,max=255"`
}

type transferResponse struct {
	Code                 string    `json:"code"`
	Status               string    `json:"status"`
	OriginAccountID      int64     `json:"origin_account_id"`
	DestinationAccountID int64     `json:"destination_account_id"`
	Amount               string    `json:"amount"`
	Timestamp            time.Time `json:"timestamp"`
}

type accountRequest struct {
	Owner   string          `json:"owner" validate:"required,max=255"`
	Balance decimal.Decimal `json:"balance" validate:"nonnegative_decimal,money"`
}

type accountResponse struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	Balance   string    `json:"balance"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferRequest
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, domain.KindInvalidArgument, err.Error())
		return
	}

	// The token may come in the body or in the Idempotency-Key header.
	if header := strings.TrimSpace(r.Header.Get("Idempotency-Key")); header != "" {
		if body.IdempotencyToken != nil && strings.TrimSpace(*body.IdempotencyToken) != header {
			respondError(w, http.StatusBadRequest, domain.KindInvalidArgument, "Idempotency-Key header and idempotency_token disagree")
			return
		}
		body.IdempotencyToken = &header
	}
	if err := validateBody(&body); err != nil {
		h.respondDomainError(w, err)
		return
	}

	res, err := h.service.ProcessTransfer(r.Context(), domain.TransferRequest{
		OriginAccountID:      body.OriginAccountID,
		DestinationAccountID: body.DestinationAccountID,
		Amount:               body.Amount,
		IdempotencyToken:     body.IdempotencyToken,
	})
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%s", res.Code))
	respondJSON(w, status, newTransferResponse(res))
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	code, err := uuid.Parse(mux.Vars(r)["code"])
	if err != nil {
		respondError(w, http.StatusBadRequest, domain.KindInvalidArgument, "transfer code must be a UUID")
		return
	}

	t, err := h.store.GetTransferByCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "transfer_not_found", "Transfer not found")
			return
		}
		h.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newTransferResponse(domain.NewTransferResult(t, false)))
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var body accountRequest
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, domain.KindInvalidArgument, err.Error())
		return
	}
	body.Owner = strings.TrimSpace(body.Owner)
	if err := validateBody(&body); err != nil {
		h.respondDomainError(w, err)
		return
	}

	acc, err := h.store.CreateAccount(r.Context(), body.Owner, body.Balance)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/accounts/%d", acc.ID))
	respondJSON(w, http.StatusCreated, newAccountResponse(acc))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	acc, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, domain.KindAccountNotFound, "Account not found")
			return
		}
		h.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newAccountResponse(acc))
}

func (h *Handler) ListAccountTransfers(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			respondError(w, http.StatusBadRequest, domain.KindInvalidArgument, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	transfers, err := h.store.ListTransfersByAccount(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, domain.KindAccountNotFound, "Account not found")
			return
		}
		h.respondDomainError(w, err)
		return
	}

	out := make([]transferResponse, 0, len(transfers))
	for i := range transfers {
		out = append(out, newTransferResponse(domain.NewTransferResult(&transfers[i], false)))
	}
	respondJSON(w, http.StatusOK, out)
}

// respondDomainError is the only place an error kind becomes an HTTP status.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)

	switch {
	case status >= http.StatusInternalServerError && kind != domain.KindTransient:
		h.logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
		respondError(w, status, kind, "Internal Server Error")
		return
	case kind == domain.KindTransient:
		h.logger.Warn("transient failure", zap.Error(err))
		w.Header().Set("Retry-After", "1")
		respondError(w, status, kind, "Temporary failure, retry with the same idempotency token")
		return
	}
	respondError(w, status, kind, err.Error())
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindAccountNotFound:
		return http.StatusNotFound
	case domain.KindInvalidArgument, domain.KindInsufficientBalance:
		return http.StatusBadRequest
	case domain.KindIdempotencyMismatch:
		return http.StatusUnprocessableEntity
	case domain.KindDuplicateToken:
		return http.StatusConflict
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, domain.KindInvalidArgument, "account id must be a positive integer")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	return nil
}

func newTransferResponse(res *domain.TransferResult) transferResponse {
	return transferResponse{
		Code:                 res.Code.String(),
		Status:               res.Status,
		OriginAccountID:      res.OriginAccountID,
		DestinationAccountID: res.DestinationAccountID,
		Amount:               res.Amount.StringFixed(domain.AmountScale),
		Timestamp:            res.Timestamp,
	}
}

func newAccountResponse(acc *domain.Account) accountResponse {
	return accountResponse{
		ID:        acc.ID,
		Owner:     acc.Owner,
		Balance:   acc.Balance.StringFixed(domain.AmountScale),
		Revision:  acc.Revision,
		CreatedAt: acc.CreatedAt,
	}
}

func respondError(w http.ResponseWriter, code int, kind domain.Kind, message string) {
	respondJSON(w, code, errorResponse{Error: string(kind), Message: message})
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
