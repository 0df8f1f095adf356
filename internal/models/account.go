package models

import (
	"errors"
	"time"
)

// Account roles
const (
	RoleStudent = "student"
	RoleCashier = "cashier"
	RoleAdmin   = "admin"
)

// Account is a balance-holding entity in the ledger. Students authenticate
// with a PIN, staff (cashier/admin) with a password; an account never carries
// both credentials.
type Account struct {
	ID           int64     `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	IdentityCode string    `json:"identity_code" db:"identity_code"` // NIS, username or NFC tag id
	Role         string    `json:"role" db:"role"`
	PIN          string    `json:"-" db:"pin"`
	Password     string    `json:"-" db:"password"`
	Balance      int64     `json:"balance" db:"balance"` // smallest currency unit
	Version      int       `json:"-" db:"version"`       // for optimistic locking
	Active       bool      `json:"active" db:"active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

var (
	ErrMissingIdentity    = errors.New("account requires a name and identity code")
	ErrMissingCredential  = errors.New("account requires exactly one credential")
	ErrConflictCredential = errors.New("account cannot hold both a PIN and a password")
	ErrInvalidRole        = errors.New("invalid staff role")
)

// NewStudentAccount builds a student account. Students hold a hashed PIN and
// never a password.
func NewStudentAccount(name, identityCode, hashedPIN string) (*Account, error) {
	if name == "" || identityCode == "" {
		return nil, ErrMissingIdentity
	}
	if hashedPIN == "" {
		return nil, ErrMissingCredential
	}
	return &Account{
		Name:         name,
		IdentityCode: identityCode,
		Role:         RoleStudent,
		PIN:          hashedPIN,
		Balance:      0,
		Version:      1,
		Active:       true,
	}, nil
}

// NewStaffAccount builds a cashier or admin account. Staff hold a hashed
// password and never a PIN.
func NewStaffAccount(name, identityCode, hashedPassword, role string) (*Account, error) {
	if name == "" || identityCode == "" {
		return nil, ErrMissingIdentity
	}
	if hashedPassword == "" {
		return nil, ErrMissingCredential
	}
	if role != RoleCashier && role != RoleAdmin {
		return nil, ErrInvalidRole
	}
	return &Account{
		Name:         name,
		IdentityCode: identityCode,
		Role:         role,
		Password:     hashedPassword,
		Balance:      0,
		Version:      1,
		Active:       true,
	}, nil
}

// Validate re-checks the credential rules for accounts loaded from storage.
func (a *Account) Validate() error {
	if a.PIN != "" && a.Password != "" {
		return ErrConflictCredential
	}
	switch a.Role {
	case RoleStudent:
		if a.PIN == "" {
			return ErrMissingCredential
		}
	case RoleCashier, RoleAdmin:
		if a.Password == "" {
			return ErrMissingCredential
		}
	default:
		return ErrInvalidRole
	}
	return nil
}
