package models

import "time"

// Transaction types
const (
	TypePurchase = "purchase"
	TypeTopup    = "topup"
	TypeRefund   = "refund"
	TypeTransfer = "transfer"
	TypePenalty  = "penalty"
)

// Transaction statuses. Completed transactions are immutable except for the
// one-way completed -> refunded transition. Cancelled is reserved for
// administrative override.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusRefunded  = "refunded"
)

// Transaction is one committed ledger posting against an account.
type Transaction struct {
	ID          int64               `json:"id" db:"id"`
	Reference   string              `json:"reference" db:"reference"`
	AccountID   int64               `json:"account_id" db:"account_id"`
	Type        string              `json:"type" db:"type"`
	Status      string              `json:"status" db:"status"`
	TotalAmount int64               `json:"total_amount" db:"total_amount"`
	Note        string              `json:"note,omitempty" db:"note"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
	Details     []TransactionDetail `json:"details,omitempty"`
}

// TransactionDetail is one line item of a purchase or refund. ProductID is a
// weak reference nulled if the product is later deleted; UnitPriceAtSale is a
// snapshot fixed at posting time.
type TransactionDetail struct {
	ID              int64  `json:"id" db:"id"`
	TransactionID   int64  `json:"transaction_id" db:"transaction_id"`
	ProductID       *int64 `json:"product_id" db:"product_id"`
	Quantity        int64  `json:"quantity" db:"quantity"`
	UnitPriceAtSale int64  `json:"unit_price_at_sale" db:"unit_price_at_sale"`
}

// RequiresDetails reports whether a transaction type must carry line items.
func RequiresDetails(txType string) bool {
	return txType == TypePurchase || txType == TypeRefund
}

// ValidTransactionType reports whether s is a known transaction type.
func ValidTransactionType(s string) bool {
	switch s {
	case TypePurchase, TypeTopup, TypeRefund, TypeTransfer, TypePenalty:
		return true
	}
	return false
}

// ValidTransactionStatus reports whether s is a known transaction status.
func ValidTransactionStatus(s string) bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}
