package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kantinpay/backend/internal/models"
)

// LineItem is one product-quantity pair within a purchase request.
type LineItem struct {
	ProductID int64 `json:"productId" validate:"required,gt=0"`
	Quantity  int64 `json:"quantity" validate:"required,gt=0"`
}

// Engine validates and atomically applies balance-affecting operations
// against account balances and product stock. Every public operation runs as
// one database transaction: all validation reads and all writes commit or
// roll back together.
type Engine struct {
	db    *sql.DB
	audit *AuditLogger
}

func NewEngine(db *sql.DB) *Engine {
	return &Engine{
		db:    db,
		audit: NewAuditLogger(),
	}
}

const maxAttempts = 3

// PostPurchase debits the account for the current price of every line item,
// decrements stock, and records the transaction with per-line price
// snapshots.
func (e *Engine) PostPurchase(ctx context.Context, accountID int64, items []LineItem, note string) (*models.Transaction, error) {
	if accountID <= 0 {
		return nil, fmt.Errorf("%w: account id must be positive", ErrInvalidArgument)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: purchase requires at least one line item", ErrInvalidArgument)
	}
	merged, err := mergeLineItems(items)
	if err != nil {
		return nil, err
	}

	if note == "" {
		note = "Product purchase"
	}

	return e.withRetry(ctx, "PURCHASE", accountID, func(tx *sql.Tx) (*models.Transaction, error) {
		account, err := e.lockAccount(tx, accountID)
		if err != nil {
			return nil, err
		}
		if !account.Active {
			return nil, fmt.Errorf("%w: account %d", ErrInactiveAccount, accountID)
		}

		products := make([]*lockedProduct, 0, len(merged))
		for _, item := range merged {
			p, err := e.lockProduct(tx, item.ProductID)
			if err != nil {
				return nil, err
			}
			products = append(products, p)
		}

		var totalAmount int64
		for i, item := range merged {
			p := products[i]
			if p.Stock < item.Quantity {
				return nil, fmt.Errorf("%w: product %q has %d in stock, requested %d",
					ErrInsufficientStock, p.Name, p.Stock, item.Quantity)
			}
			totalAmount += item.Quantity * p.UnitPrice
		}

		if account.Balance < totalAmount {
			return nil, fmt.Errorf("%w: balance %d, purchase total %d",
				ErrInsufficientBalance, account.Balance, totalAmount)
		}

		for i, item := range merged {
			p := products[i]
			if err := e.updateProductStock(tx, p.ID, p.Stock-item.Quantity); err != nil {
				return nil, err
			}
		}

		if err := e.updateAccountBalance(tx, account.ID, account.Balance-totalAmount, account.Version); err != nil {
			return nil, err
		}

		txn, err := e.insertTransaction(tx, accountID, models.TypePurchase, totalAmount, note)
		if err != nil {
			return nil, err
		}
		for i, item := range merged {
			p := products[i]
			productID := p.ID
			detail := models.TransactionDetail{
				TransactionID:   txn.ID,
				ProductID:       &productID,
				Quantity:        item.Quantity,
				UnitPriceAtSale: p.UnitPrice,
			}
			if err := e.insertDetail(tx, &detail); err != nil {
				return nil, err
			}
			txn.Details = append(txn.Details, detail)
		}
		return txn, nil
	})
}

// PostTopup credits the account by amount.
func (e *Engine) PostTopup(ctx context.Context, accountID int64, amount int64, note string) (*models.Transaction, error) {
	if err := validateAmount(accountID, amount); err != nil {
		return nil, err
	}
	if note == "" {
		note = "Top-up balance"
	}

	return e.withRetry(ctx, "TOPUP", accountID, func(tx *sql.Tx) (*models.Transaction, error) {
		account, err := e.lockAccount(tx, accountID)
		if err != nil {
			return nil, err
		}
		if !account.Active {
			return nil, fmt.Errorf("%w: account %d", ErrInactiveAccount, accountID)
		}
		if err := e.updateAccountBalance(tx, account.ID, account.Balance+amount, account.Version); err != nil {
			return nil, err
		}
		return e.insertTransaction(tx, accountID, models.TypeTopup, amount, note)
	})
}

// PostPenalty debits the account by amount without line items. Administrative
// deductions (lost card fees, discipline) post through here.
func (e *Engine) PostPenalty(ctx context.Context, accountID int64, amount int64, note string) (*models.Transaction, error) {
	if err := validateAmount(accountID, amount); err != nil {
		return nil, err
	}
	if note == "" {
		note = "Penalty deduction"
	}

	return e.withRetry(ctx, "PENALTY", accountID, func(tx *sql.Tx) (*models.Transaction, error) {
		account, err := e.lockAccount(tx, accountID)
		if err != nil {
			return nil, err
		}
		if !account.Active {
			return nil, fmt.Errorf("%w: account %d", ErrInactiveAccount, accountID)
		}
		if account.Balance < amount {
			return nil, fmt.Errorf("%w: balance %d, penalty %d",
				ErrInsufficientBalance, account.Balance, amount)
		}
		if err := e.updateAccountBalance(tx, account.ID, account.Balance-amount, account.Version); err != nil {
			return nil, err
		}
		return e.insertTransaction(tx, accountID, models.TypePenalty, amount, note)
	})
}

// PostRefund reverses a completed purchase: stock is restored for every line
// item whose product still exists, the account is credited the original
// total, a refund transaction with mirrored price snapshots is recorded, and
// the original flips to refunded. All within one atomic unit.
func (e *Engine) PostRefund(ctx context.Context, originalID int64) (*models.Transaction, error) {
	if originalID <= 0 {
		return nil, fmt.Errorf("%w: transaction id must be positive", ErrInvalidArgument)
	}

	return e.withRetry(ctx, "REFUND", 0, func(tx *sql.Tx) (*models.Transaction, error) {
		original, err := e.lockTransaction(tx, originalID)
		if err != nil {
			return nil, err
		}
		if original.Status == models.StatusRefunded {
			return nil, fmt.Errorf("%w: transaction %d", ErrAlreadyRefunded, originalID)
		}
		if original.Type != models.TypePurchase || original.Status != models.StatusCompleted {
			return nil, fmt.Errorf("%w: cannot refund %s transaction in status %s",
				ErrInvalidState, original.Type, original.Status)
		}

		details, err := e.loadDetails(tx, originalID)
		if err != nil {
			return nil, err
		}

		account, err := e.lockAccount(tx, original.AccountID)
		if err != nil {
			return nil, err
		}

		// Restore stock in product id order, matching the lock order used by
		// purchases. Details whose product was deleted are skipped.
		restorable := make([]models.TransactionDetail, 0, len(details))
		for _, d := range details {
			if d.ProductID != nil {
				restorable = append(restorable, d)
			}
		}
		sort.Slice(restorable, func(i, j int) bool {
			return *restorable[i].ProductID < *restorable[j].ProductID
		})
		for _, d := range restorable {
			p, err := e.lockProduct(tx, *d.ProductID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return nil, err
			}
			if err := e.updateProductStock(tx, p.ID, p.Stock+d.Quantity); err != nil {
				return nil, err
			}
		}

		if err := e.updateAccountBalance(tx, account.ID, account.Balance+original.TotalAmount, account.Version); err != nil {
			return nil, err
		}

		note := fmt.Sprintf("Refund of transaction %s", original.Reference)
		refund, err := e.insertTransaction(tx, original.AccountID, models.TypeRefund, original.TotalAmount, note)
		if err != nil {
			return nil, err
		}
		for _, d := range details {
			mirrored := models.TransactionDetail{
				TransactionID:   refund.ID,
				ProductID:       d.ProductID,
				Quantity:        d.Quantity,
				UnitPriceAtSale: d.UnitPriceAtSale,
			}
			if err := e.insertDetail(tx, &mirrored); err != nil {
				return nil, err
			}
			refund.Details = append(refund.Details, mirrored)
		}

		if err := e.markRefunded(tx, originalID); err != nil {
			return nil, err
		}
		return refund, nil
	})
}

// PostTransfer moves amount between two accounts. The transaction is
// attributed to the sender; the note records the counterparty.
func (e *Engine) PostTransfer(ctx context.Context, fromID, toID int64, amount int64, note string) (*models.Transaction, error) {
	if err := validateAmount(fromID, amount); err != nil {
		return nil, err
	}
	if toID <= 0 {
		return nil, fmt.Errorf("%w: account id must be positive", ErrInvalidArgument)
	}
	if fromID == toID {
		return nil, fmt.Errorf("%w: cannot transfer to the same account", ErrInvalidArgument)
	}
	if note == "" {
		note = fmt.Sprintf("Transfer to account %d", toID)
	}

	return e.withRetry(ctx, "TRANSFER", fromID, func(tx *sql.Tx) (*models.Transaction, error) {
		// Lock accounts in consistent order to prevent deadlocks.
		firstLock, secondLock := fromID, toID
		if fromID > toID {
			firstLock, secondLock = toID, fromID
		}
		first, err := e.lockAccount(tx, firstLock)
		if err != nil {
			return nil, err
		}
		second, err := e.lockAccount(tx, secondLock)
		if err != nil {
			return nil, err
		}
		from, to := first, second
		if firstLock != fromID {
			from, to = second, first
		}

		if !from.Active {
			return nil, fmt.Errorf("%w: account %d", ErrInactiveAccount, from.ID)
		}
		if !to.Active {
			return nil, fmt.Errorf("%w: account %d", ErrInactiveAccount, to.ID)
		}
		if from.Balance < amount {
			return nil, fmt.Errorf("%w: balance %d, transfer %d",
				ErrInsufficientBalance, from.Balance, amount)
		}

		if err := e.updateAccountBalance(tx, from.ID, from.Balance-amount, from.Version); err != nil {
			return nil, err
		}
		if err := e.updateAccountBalance(tx, to.ID, to.Balance+amount, to.Version); err != nil {
			return nil, err
		}
		return e.insertTransaction(tx, fromID, models.TypeTransfer, amount, note)
	})
}

// withRetry runs fn inside a database transaction, retrying on serialization
// failures and optimistic-lock misses. Any other error aborts immediately;
// nothing is ever partially committed.
func (e *Engine) withRetry(ctx context.Context, op string, accountID int64, fn func(tx *sql.Tx) (*models.Transaction, error)) (*models.Transaction, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		txn, err := e.runAtomic(ctx, fn)
		if err == nil {
			e.audit.LogPosting(txn.Reference, txn.AccountID, txn.Type, txn.TotalAmount)
			return txn, nil
		}
		if !errors.Is(err, ErrConflict) {
			e.audit.LogError(op, accountID, err)
			return nil, err
		}
		lastErr = err
		log.Printf("[LEDGER] %s attempt %d/%d aborted on conflict: %v", op, attempt, maxAttempts, err)
	}
	e.audit.LogError(op, accountID, lastErr)
	return nil, lastErr
}

func (e *Engine) runAtomic(ctx context.Context, fn func(tx *sql.Tx) (*models.Transaction, error)) (*models.Transaction, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	txn, err := fn(tx)
	if err != nil {
		if isSerializationFailure(err) {
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return txn, nil
}

type lockedAccount struct {
	ID      int64
	Balance int64
	Version int
	Active  bool
}

type lockedProduct struct {
	ID        int64
	Name      string
	UnitPrice int64
	Stock     int64
}

func (e *Engine) lockAccount(tx *sql.Tx, accountID int64) (*lockedAccount, error) {
	var a lockedAccount
	err := tx.QueryRow(`
		SELECT id, balance, version, active
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&a.ID, &a.Balance, &a.Version, &a.Active)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: account %d", ErrNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (e *Engine) lockProduct(tx *sql.Tx, productID int64) (*lockedProduct, error) {
	var p lockedProduct
	err := tx.QueryRow(`
		SELECT id, name, unit_price, stock
		FROM products
		WHERE id = $1
		FOR UPDATE`, productID).Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Stock)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: product %d", ErrNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (e *Engine) updateAccountBalance(tx *sql.Tx, accountID int64, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: account %d version changed", ErrConflict, accountID)
	}
	return nil
}

func (e *Engine) updateProductStock(tx *sql.Tx, productID int64, newStock int64) error {
	_, err := tx.Exec(`
		UPDATE products
		SET stock = $1, updated_at = $2
		WHERE id = $3`,
		newStock, time.Now(), productID)
	return err
}

func (e *Engine) insertTransaction(tx *sql.Tx, accountID int64, txType string, totalAmount int64, note string) (*models.Transaction, error) {
	txn := &models.Transaction{
		Reference:   uuid.NewString(),
		AccountID:   accountID,
		Type:        txType,
		Status:      models.StatusCompleted,
		TotalAmount: totalAmount,
		Note:        note,
		CreatedAt:   time.Now(),
	}
	err := tx.QueryRow(`
		INSERT INTO transactions (reference, account_id, type, status, total_amount, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		txn.Reference, txn.AccountID, txn.Type, txn.Status, txn.TotalAmount, txn.Note, txn.CreatedAt).
		Scan(&txn.ID)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (e *Engine) insertDetail(tx *sql.Tx, detail *models.TransactionDetail) error {
	_, err := tx.Exec(`
		INSERT INTO transaction_details (transaction_id, product_id, quantity, unit_price_at_sale)
		VALUES ($1, $2, $3, $4)`,
		detail.TransactionID, detail.ProductID, detail.Quantity, detail.UnitPriceAtSale)
	return err
}

func (e *Engine) lockTransaction(tx *sql.Tx, transactionID int64) (*models.Transaction, error) {
	var txn models.Transaction
	err := tx.QueryRow(`
		SELECT id, reference, account_id, type, status, total_amount, note, created_at
		FROM transactions
		WHERE id = $1
		FOR UPDATE`, transactionID).
		Scan(&txn.ID, &txn.Reference, &txn.AccountID, &txn.Type, &txn.Status, &txn.TotalAmount, &txn.Note, &txn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: transaction %d", ErrNotFound, transactionID)
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (e *Engine) loadDetails(tx *sql.Tx, transactionID int64) ([]models.TransactionDetail, error) {
	rows, err := tx.Query(`
		SELECT id, transaction_id, product_id, quantity, unit_price_at_sale
		FROM transaction_details
		WHERE transaction_id = $1
		ORDER BY id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []models.TransactionDetail
	for rows.Next() {
		var d models.TransactionDetail
		if err := rows.Scan(&d.ID, &d.TransactionID, &d.ProductID, &d.Quantity, &d.UnitPriceAtSale); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

func (e *Engine) markRefunded(tx *sql.Tx, transactionID int64) error {
	_, err := tx.Exec(`
		UPDATE transactions
		SET status = $1
		WHERE id = $2`,
		models.StatusRefunded, transactionID)
	return err
}

// mergeLineItems collapses duplicate product ids and sorts by product id so
// rows are always locked in a consistent order.
func mergeLineItems(items []LineItem) ([]LineItem, error) {
	byProduct := make(map[int64]int64, len(items))
	for _, item := range items {
		if item.ProductID <= 0 {
			return nil, fmt.Errorf("%w: product id must be positive", ErrInvalidArgument)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidArgument)
		}
		byProduct[item.ProductID] += item.Quantity
	}
	merged := make([]LineItem, 0, len(byProduct))
	for id, qty := range byProduct {
		merged = append(merged, LineItem{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged, nil
}

func validateAmount(accountID, amount int64) error {
	if accountID <= 0 {
		return fmt.Errorf("%w: account id must be positive", ErrInvalidArgument)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
