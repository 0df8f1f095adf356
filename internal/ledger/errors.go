package ledger

import "errors"

// Error kinds surfaced by the engine. Services match with errors.Is; only
// ErrConflict is safe to retry with the same input.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInactiveAccount     = errors.New("account not active")
	ErrInvalidState        = errors.New("invalid transaction state")
	ErrAlreadyRefunded     = errors.New("transaction already refunded")
	ErrConflict            = errors.New("concurrent update conflict")
)
