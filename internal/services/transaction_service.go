package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kantinpay/backend/internal/ledger"
	"github.com/kantinpay/backend/internal/models"
)

type TransactionService struct {
	db        *sql.DB
	engine    *ledger.Engine
	validator *validator.Validate
}

// PurchaseRequest represents a purchase posting
// @Description Purchase request structure
type PurchaseRequest struct {
	AccountID int64         `json:"account_id" validate:"required,gt=0" example:"42"` // Buyer account
	Items     []RequestItem `json:"items" validate:"required,min=1,dive"`             // Line items
	Note      string        `json:"note,omitempty" validate:"omitempty,max=255"`      // Optional note
}

// RequestItem is a single product line in a purchase
type RequestItem struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0" example:"7"` // Product id
	Quantity  int64 `json:"quantity" validate:"required,gt=0" example:"2"`   // Units bought
}

// AmountRequest represents a top-up or penalty posting
// @Description Amount request structure
type AmountRequest struct {
	AccountID int64  `json:"account_id" validate:"required,gt=0" example:"42"` // Target account
	Amount    int64  `json:"amount" validate:"required,gt=0" example:"50000"`  // Amount in rupiah
	Note      string `json:"note,omitempty" validate:"omitempty,max=255"`      // Optional note
}

// TransferRequest represents a balance transfer between accounts
// @Description Transfer request structure
type TransferRequest struct {
	FromAccountID int64  `json:"from_account_id" validate:"required,gt=0" example:"42"` // Sender
	ToAccountID   int64  `json:"to_account_id" validate:"required,gt=0" example:"43"`   // Receiver
	Amount        int64  `json:"amount" validate:"required,gt=0" example:"25000"`       // Amount in rupiah
	Note          string `json:"note,omitempty" validate:"omitempty,max=255"`           // Optional note
}

// RefundRequest identifies the transaction to refund
// @Description Refund request structure
type RefundRequest struct {
	TransactionID int64 `json:"transaction_id" validate:"required,gt=0" example:"981"` // Original transaction id
}

func NewTransactionService(db *sql.DB, engine *ledger.Engine) *TransactionService {
	return &TransactionService{
		db:        db,
		engine:    engine,
		validator: validator.New(),
	}
}

// CreatePurchase posts a purchase transaction
// @Summary Post purchase
// @Description Debit an account for a set of products and decrement stock atomically
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body PurchaseRequest true "Purchase request"
// @Success 201 {object} models.Transaction "Purchase posted"
// @Failure 400 {object} ErrorResponse "Invalid request or insufficient balance/stock"
// @Failure 403 {object} ErrorResponse "Account deactivated"
// @Failure 409 {object} ErrorResponse "Concurrent update conflict"
// @Security BearerAuth
// @Router /transactions/purchase [post]
func (s *TransactionService) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	items := make([]ledger.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, ledger.LineItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	txn, err := s.engine.PostPurchase(r.Context(), req.AccountID, items, req.Note)
	if err != nil {
		s.sendLedgerError(w, "purchase", err)
		return
	}

	log.Printf("[TXN] Purchase %s posted for account %d, total %d", txn.Reference, req.AccountID, txn.TotalAmount)
	writeJSON(w, http.StatusCreated, txn)
}

// CreateTopup posts a balance top-up
// @Summary Post top-up
// @Description Credit an account balance
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body AmountRequest true "Top-up request"
// @Success 201 {object} models.Transaction "Top-up posted"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 403 {object} ErrorResponse "Account deactivated"
// @Failure 409 {object} ErrorResponse "Concurrent update conflict"
// @Security BearerAuth
// @Router /transactions/topup [post]
func (s *TransactionService) CreateTopup(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	txn, err := s.engine.PostTopup(r.Context(), req.AccountID, req.Amount, req.Note)
	if err != nil {
		s.sendLedgerError(w, "topup", err)
		return
	}

	log.Printf("[TXN] Top-up %s posted for account %d, amount %d", txn.Reference, req.AccountID, req.Amount)
	writeJSON(w, http.StatusCreated, txn)
}

// CreatePenalty posts a penalty deduction
// @Summary Post penalty
// @Description Debit an account for a penalty such as a lost card fee
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body AmountRequest true "Penalty request"
// @Success 201 {object} models.Transaction "Penalty posted"
// @Failure 400 {object} ErrorResponse "Invalid request or insufficient balance"
// @Failure 403 {object} ErrorResponse "Account deactivated"
// @Failure 409 {object} ErrorResponse "Concurrent update conflict"
// @Security BearerAuth
// @Router /transactions/penalty [post]
func (s *TransactionService) CreatePenalty(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	txn, err := s.engine.PostPenalty(r.Context(), req.AccountID, req.Amount, req.Note)
	if err != nil {
		s.sendLedgerError(w, "penalty", err)
		return
	}

	log.Printf("[TXN] Penalty %s posted for account %d, amount %d", txn.Reference, req.AccountID, req.Amount)
	writeJSON(w, http.StatusCreated, txn)
}

// CreateRefund reverses a completed purchase
// @Summary Post refund
// @Description Refund a completed purchase, restoring balance and stock
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body RefundRequest true "Refund request"
// @Success 201 {object} models.Transaction "Refund posted"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 404 {object} ErrorResponse "Transaction not found"
// @Failure 409 {object} ErrorResponse "Already refunded or not refundable"
// @Security BearerAuth
// @Router /transactions/refund [post]
func (s *TransactionService) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	txn, err := s.engine.PostRefund(r.Context(), req.TransactionID)
	if err != nil {
		s.sendLedgerError(w, "refund", err)
		return
	}

	log.Printf("[TXN] Refund %s posted for transaction %d", txn.Reference, req.TransactionID)
	writeJSON(w, http.StatusCreated, txn)
}

// CreateTransfer moves balance between two accounts
// @Summary Post transfer
// @Description Transfer balance from one account to another atomically
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body TransferRequest true "Transfer request"
// @Success 201 {object} models.Transaction "Transfer posted"
// @Failure 400 {object} ErrorResponse "Invalid request or insufficient balance"
// @Failure 403 {object} ErrorResponse "Account deactivated"
// @Failure 409 {object} ErrorResponse "Concurrent update conflict"
// @Security BearerAuth
// @Router /transactions/transfer [post]
func (s *TransactionService) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	txn, err := s.engine.PostTransfer(r.Context(), req.FromAccountID, req.ToAccountID, req.Amount, req.Note)
	if err != nil {
		s.sendLedgerError(w, "transfer", err)
		return
	}

	log.Printf("[TXN] Transfer %s posted: %d -> %d, amount %d", txn.Reference, req.FromAccountID, req.ToAccountID, req.Amount)
	writeJSON(w, http.StatusCreated, txn)
}

// ListTransactions returns transaction history with filters
// @Summary List transactions
// @Description List transactions filtered by account, type, status and date range
// @Tags transactions
// @Produce json
// @Param account_id query int false "Account id"
// @Param type query string false "Transaction type" Enums(purchase, topup, refund, transfer, penalty)
// @Param status query string false "Transaction status" Enums(pending, completed, cancelled, refunded)
// @Param from query string false "Start date (RFC 3339 or YYYY-MM-DD)"
// @Param to query string false "End date (RFC 3339 or YYYY-MM-DD)"
// @Param limit query int false "Page size (default 20, max 100)"
// @Param offset query int false "Page offset"
// @Success 200 {array} models.Transaction "Transactions"
// @Failure 400 {object} ErrorResponse "Invalid filter"
// @Security BearerAuth
// @Router /transactions [get]
func (s *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := `
		SELECT id, reference, account_id, type, status, total_amount, note, created_at
		FROM transactions
		WHERE 1=1`
	args := []any{}

	if v := q.Get("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			SendErrorResponse(w, "Invalid account_id", http.StatusBadRequest, nil)
			return
		}
		args = append(args, id)
		query += " AND account_id = $" + strconv.Itoa(len(args))
	}
	if v := q.Get("type"); v != "" {
		if !models.ValidTransactionType(v) {
			SendErrorResponse(w, "Invalid transaction type", http.StatusBadRequest, nil)
			return
		}
		args = append(args, v)
		query += " AND type = $" + strconv.Itoa(len(args))
	}
	if v := q.Get("status"); v != "" {
		if !models.ValidTransactionStatus(v) {
			SendErrorResponse(w, "Invalid transaction status", http.StatusBadRequest, nil)
			return
		}
		args = append(args, v)
		query += " AND status = $" + strconv.Itoa(len(args))
	}
	if v := q.Get("from"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			SendErrorResponse(w, "Invalid from date", http.StatusBadRequest, nil)
			return
		}
		args = append(args, t)
		query += " AND created_at >= $" + strconv.Itoa(len(args))
	}
	if v := q.Get("to"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			SendErrorResponse(w, "Invalid to date", http.StatusBadRequest, nil)
			return
		}
		args = append(args, t)
		query += " AND created_at <= $" + strconv.Itoa(len(args))
	}

	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
		if n > 100 {
			n = 100
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			SendErrorResponse(w, "Invalid offset", http.StatusBadRequest, nil)
			return
		}
		offset = n
	}

	args = append(args, limit)
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))
	args = append(args, offset)
	query += " OFFSET $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[TXN] Failed to list transactions: %v", err)
		SendErrorResponse(w, "Failed to list transactions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.Reference, &t.AccountID, &t.Type, &t.Status,
			&t.TotalAmount, &t.Note, &t.CreatedAt); err != nil {
			log.Printf("[TXN] Failed to scan transaction row: %v", err)
			SendErrorResponse(w, "Failed to list transactions", http.StatusInternalServerError, nil)
			return
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[TXN] Transaction rows iteration error: %v", err)
		SendErrorResponse(w, "Failed to list transactions", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, transactions)
}

// GetTransaction returns a single transaction with its line items
// @Summary Get transaction
// @Description Get a transaction and its detail rows by id
// @Tags transactions
// @Produce json
// @Param id path int true "Transaction id"
// @Success 200 {object} models.Transaction "Transaction with details"
// @Failure 404 {object} ErrorResponse "Transaction not found"
// @Security BearerAuth
// @Router /transactions/{id} [get]
func (s *TransactionService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid transaction id", http.StatusBadRequest, nil)
		return
	}

	var t models.Transaction
	err = s.db.QueryRowContext(r.Context(), `
		SELECT id, reference, account_id, type, status, total_amount, note, created_at
		FROM transactions
		WHERE id = $1`, id).Scan(
		&t.ID, &t.Reference, &t.AccountID, &t.Type, &t.Status,
		&t.TotalAmount, &t.Note, &t.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[TXN] Failed to fetch transaction %d: %v", id, err)
			SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		}
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, transaction_id, product_id, quantity, unit_price_at_sale
		FROM transaction_details
		WHERE transaction_id = $1
		ORDER BY id`, id)
	if err != nil {
		log.Printf("[TXN] Failed to fetch details for transaction %d: %v", id, err)
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var d models.TransactionDetail
		if err := rows.Scan(&d.ID, &d.TransactionID, &d.ProductID, &d.Quantity, &d.UnitPriceAtSale); err != nil {
			log.Printf("[TXN] Failed to scan detail row: %v", err)
			SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
			return
		}
		t.Details = append(t.Details, d)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[TXN] Detail rows iteration error: %v", err)
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

// decodeAndValidate reads a single JSON object into dst and validates it.
// Writes the error response itself and returns false on failure.
func (s *TransactionService) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		log.Printf("[TXN] Invalid request body: %v", err)
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := s.validator.Struct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}

	return true
}

// sendLedgerError maps ledger engine errors to HTTP responses.
func (s *TransactionService) sendLedgerError(w http.ResponseWriter, op string, err error) {
	log.Printf("[TXN] %s failed: %v", op, err)

	switch {
	case errors.Is(err, ledger.ErrNotFound):
		SendErrorResponse(w, "Not found", http.StatusNotFound, nil)
	case errors.Is(err, ledger.ErrInvalidArgument):
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		SendErrorResponse(w, "Insufficient balance", http.StatusBadRequest, nil)
	case errors.Is(err, ledger.ErrInsufficientStock):
		SendErrorResponse(w, "Insufficient stock", http.StatusBadRequest, nil)
	case errors.Is(err, ledger.ErrInactiveAccount):
		SendErrorResponse(w, "Account deactivated", http.StatusForbidden, nil)
	case errors.Is(err, ledger.ErrAlreadyRefunded):
		SendErrorResponse(w, "Transaction already refunded", http.StatusConflict, nil)
	case errors.Is(err, ledger.ErrInvalidState):
		SendErrorResponse(w, "Transaction cannot be refunded", http.StatusConflict, nil)
	case errors.Is(err, ledger.ErrConflict):
		SendErrorResponse(w, "Concurrent update conflict, please retry", http.StatusConflict, nil)
	default:
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}
