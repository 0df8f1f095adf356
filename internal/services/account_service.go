package services

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"

	"github.com/kantinpay/backend/internal/models"
)

type AccountService struct {
	db        *sql.DB
	validator *validator.Validate
}

// EnrollStudentRequest represents a student enrollment
// @Description Student enrollment request structure
type EnrollStudentRequest struct {
	Name         string `json:"name" validate:"required,min=2,max=100" example:"Siti Rahma"` // Student name
	IdentityCode string `json:"identity_code" validate:"required,min=3,max=64" example:"2023041"` // NIS or NFC tag id
	PIN          string `json:"pin" validate:"required,len=6,numeric" example:"123456"`      // 6-digit PIN
}

// CreateStaffRequest represents a staff account creation
// @Description Staff creation request structure
type CreateStaffRequest struct {
	Name         string `json:"name" validate:"required,min=2,max=100" example:"Budi Santoso"` // Staff name
	IdentityCode string `json:"identity_code" validate:"required,min=3,max=64" example:"budi.kasir"` // Username
	Password     string `json:"password" validate:"required,min=8" example:"s3cretpass"`     // Password
	Role         string `json:"role" validate:"required,oneof=cashier admin" example:"cashier"` // cashier or admin
}

// BalanceResponse represents a balance enquiry result
// @Description Balance enquiry response structure
type BalanceResponse struct {
	AccountID int64  `json:"account_id" example:"42"` // Account id
	Name      string `json:"name" example:"Siti Rahma"`
	Balance   int64  `json:"balance" example:"60000"` // Balance in rupiah
	Active    bool   `json:"active" example:"true"`
}

func NewAccountService(db *sql.DB) *AccountService {
	return &AccountService{
		db:        db,
		validator: validator.New(),
	}
}

// EnrollStudent creates a student account with a zero balance
// @Summary Enroll student
// @Description Register a student account with a hashed PIN
// @Tags accounts
// @Accept json
// @Produce json
// @Param request body EnrollStudentRequest true "Enrollment request"
// @Success 201 {object} models.Account "Account created"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 409 {object} ErrorResponse "Identity code already registered"
// @Security BearerAuth
// @Router /accounts/students [post]
func (s *AccountService) EnrollStudent(w http.ResponseWriter, r *http.Request) {
	var req EnrollStudentRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	hashedPIN, err := hashSecret(req.PIN)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to hash PIN: %v", err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	account, err := models.NewStudentAccount(req.Name, req.IdentityCode, hashedPIN)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	s.insertAccount(w, r, account)
}

// CreateStaff creates a cashier or admin account
// @Summary Create staff account
// @Description Register a cashier or admin account with a hashed password
// @Tags accounts
// @Accept json
// @Produce json
// @Param request body CreateStaffRequest true "Staff creation request"
// @Success 201 {object} models.Account "Account created"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 409 {object} ErrorResponse "Identity code already registered"
// @Security BearerAuth
// @Router /accounts/staff [post]
func (s *AccountService) CreateStaff(w http.ResponseWriter, r *http.Request) {
	var req CreateStaffRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	hashedPassword, err := hashSecret(req.Password)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to hash password: %v", err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	account, err := models.NewStaffAccount(req.Name, req.IdentityCode, hashedPassword, req.Role)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	s.insertAccount(w, r, account)
}

func (s *AccountService) insertAccount(w http.ResponseWriter, r *http.Request, account *models.Account) {
	now := time.Now()
	err := s.db.QueryRowContext(r.Context(), `
		INSERT INTO accounts (name, identity_code, role, pin, password, balance, version, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		account.Name, account.IdentityCode, account.Role, account.PIN, account.Password,
		account.Balance, account.Version, account.Active, now, now).Scan(&account.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			SendErrorResponse(w, "Identity code already registered", http.StatusConflict, nil)
			return
		}
		log.Printf("[ACCOUNT] Failed to insert account: %v", err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	account.PIN = ""
	account.Password = ""

	log.Printf("[ACCOUNT] Created %s account %d (%s)", account.Role, account.ID, account.IdentityCode)
	writeJSON(w, http.StatusCreated, account)
}

// GetAccount returns an account by id
// @Summary Get account
// @Description Get an account by id
// @Tags accounts
// @Produce json
// @Param id path int true "Account id"
// @Success 200 {object} models.Account "Account"
// @Failure 404 {object} ErrorResponse "Account not found"
// @Security BearerAuth
// @Router /accounts/{id} [get]
func (s *AccountService) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid account id", http.StatusBadRequest, nil)
		return
	}

	var account models.Account
	err = s.db.QueryRowContext(r.Context(), `
		SELECT id, name, identity_code, role, balance, active, created_at, updated_at
		FROM accounts
		WHERE id = $1`, id).Scan(
		&account.ID, &account.Name, &account.IdentityCode, &account.Role,
		&account.Balance, &account.Active, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[ACCOUNT] Failed to fetch account %d: %v", id, err)
			SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		}
		return
	}

	writeJSON(w, http.StatusOK, account)
}

// ListAccounts returns accounts, optionally filtered by role
// @Summary List accounts
// @Description List accounts filtered by role and active flag
// @Tags accounts
// @Produce json
// @Param role query string false "Role filter" Enums(student, cashier, admin)
// @Param active query bool false "Active filter"
// @Success 200 {array} models.Account "Accounts"
// @Security BearerAuth
// @Router /accounts [get]
func (s *AccountService) ListAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := `
		SELECT id, name, identity_code, role, balance, active, created_at, updated_at
		FROM accounts
		WHERE 1=1`
	args := []any{}

	if v := q.Get("role"); v != "" {
		if v != models.RoleStudent && v != models.RoleCashier && v != models.RoleAdmin {
			SendErrorResponse(w, "Invalid role", http.StatusBadRequest, nil)
			return
		}
		args = append(args, v)
		query += " AND role = $" + strconv.Itoa(len(args))
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			SendErrorResponse(w, "Invalid active filter", http.StatusBadRequest, nil)
			return
		}
		args = append(args, active)
		query += " AND active = $" + strconv.Itoa(len(args))
	}

	query += " ORDER BY name"

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to list accounts: %v", err)
		SendErrorResponse(w, "Failed to list accounts", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.IdentityCode, &a.Role,
			&a.Balance, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
			log.Printf("[ACCOUNT] Failed to scan account row: %v", err)
			SendErrorResponse(w, "Failed to list accounts", http.StatusInternalServerError, nil)
			return
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[ACCOUNT] Account rows iteration error: %v", err)
		SendErrorResponse(w, "Failed to list accounts", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, accounts)
}

// BalanceEnquiry returns the balance for an identity code. Used at the till
// when a student taps their card before ordering.
// @Summary Balance enquiry
// @Description Look up an account balance by NIS, username or NFC tag id
// @Tags accounts
// @Produce json
// @Param code path string true "Identity code"
// @Success 200 {object} BalanceResponse "Balance"
// @Failure 404 {object} ErrorResponse "Account not found"
// @Security BearerAuth
// @Router /accounts/balance/{code} [get]
func (s *AccountService) BalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" {
		SendErrorResponse(w, "Identity code required", http.StatusBadRequest, nil)
		return
	}

	var resp BalanceResponse
	err := s.db.QueryRowContext(r.Context(), `
		SELECT id, name, balance, active
		FROM accounts
		WHERE identity_code = $1`, code).Scan(
		&resp.AccountID, &resp.Name, &resp.Balance, &resp.Active)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[ACCOUNT] Balance enquiry failed for %s: %v", code, err)
			SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// UpdateAccountRequest renames an account or resets its credential
// @Description Account update request structure
type UpdateAccountRequest struct {
	Name     string `json:"name,omitempty" validate:"omitempty,min=2,max=100"`    // New name
	PIN      string `json:"pin,omitempty" validate:"omitempty,len=6,numeric"`     // New student PIN
	Password string `json:"password,omitempty" validate:"omitempty,min=8"`        // New staff password
}

// UpdateAccount renames an account or resets its PIN/password
// @Summary Update account
// @Description Update an account's name, or reset its PIN (students) or password (staff)
// @Tags accounts
// @Accept json
// @Produce json
// @Param id path int true "Account id"
// @Param request body UpdateAccountRequest true "Update request"
// @Success 200 {object} map[string]string "Account updated"
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 404 {object} ErrorResponse "Account not found"
// @Security BearerAuth
// @Router /accounts/{id} [put]
func (s *AccountService) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid account id", http.StatusBadRequest, nil)
		return
	}

	var req UpdateAccountRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if req.Name == "" && req.PIN == "" && req.Password == "" {
		SendErrorResponse(w, "Nothing to update", http.StatusBadRequest, nil)
		return
	}
	if req.PIN != "" && req.Password != "" {
		SendErrorResponse(w, "Provide either a PIN or a password, not both", http.StatusBadRequest, nil)
		return
	}

	var role string
	err = s.db.QueryRowContext(r.Context(), `SELECT role FROM accounts WHERE id = $1`, id).Scan(&role)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[ACCOUNT] Failed to fetch account %d: %v", id, err)
			SendErrorResponse(w, "Failed to update account", http.StatusInternalServerError, nil)
		}
		return
	}

	// A credential reset must match the account's variant.
	if req.PIN != "" && role != models.RoleStudent {
		SendErrorResponse(w, "Only student accounts hold a PIN", http.StatusBadRequest, nil)
		return
	}
	if req.Password != "" && role == models.RoleStudent {
		SendErrorResponse(w, "Student accounts hold a PIN, not a password", http.StatusBadRequest, nil)
		return
	}

	query := "UPDATE accounts SET updated_at = $1"
	args := []any{time.Now()}

	if req.Name != "" {
		args = append(args, req.Name)
		query += ", name = $" + strconv.Itoa(len(args))
	}
	if req.PIN != "" {
		hashed, err := hashSecret(req.PIN)
		if err != nil {
			log.Printf("[ACCOUNT] Failed to hash PIN: %v", err)
			SendErrorResponse(w, "Failed to update account", http.StatusInternalServerError, nil)
			return
		}
		args = append(args, hashed)
		query += ", pin = $" + strconv.Itoa(len(args))
	}
	if req.Password != "" {
		hashed, err := hashSecret(req.Password)
		if err != nil {
			log.Printf("[ACCOUNT] Failed to hash password: %v", err)
			SendErrorResponse(w, "Failed to update account", http.StatusInternalServerError, nil)
			return
		}
		args = append(args, hashed)
		query += ", password = $" + strconv.Itoa(len(args))
	}

	args = append(args, id)
	query += " WHERE id = $" + strconv.Itoa(len(args))

	if _, err := s.db.ExecContext(r.Context(), query, args...); err != nil {
		log.Printf("[ACCOUNT] Failed to update account %d: %v", id, err)
		SendErrorResponse(w, "Failed to update account", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[ACCOUNT] Updated account %d", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Account updated"})
}

// Deactivate blocks an account from authenticating and posting
// @Summary Deactivate account
// @Description Deactivate an account. Balance is retained.
// @Tags accounts
// @Produce json
// @Param id path int true "Account id"
// @Success 200 {object} map[string]string "Account deactivated"
// @Failure 404 {object} ErrorResponse "Account not found"
// @Security BearerAuth
// @Router /accounts/{id}/deactivate [post]
func (s *AccountService) Deactivate(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false, "Account deactivated")
}

// Reinstate re-enables a deactivated account
// @Summary Reinstate account
// @Description Reactivate a deactivated account
// @Tags accounts
// @Produce json
// @Param id path int true "Account id"
// @Success 200 {object} map[string]string "Account reinstated"
// @Failure 404 {object} ErrorResponse "Account not found"
// @Security BearerAuth
// @Router /accounts/{id}/reinstate [post]
func (s *AccountService) Reinstate(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true, "Account reinstated")
}

func (s *AccountService) setActive(w http.ResponseWriter, r *http.Request, active bool, message string) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid account id", http.StatusBadRequest, nil)
		return
	}

	result, err := s.db.ExecContext(r.Context(), `
		UPDATE accounts SET active = $1, updated_at = $2 WHERE id = $3`,
		active, time.Now(), id)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to update active flag for account %d: %v", id, err)
		SendErrorResponse(w, "Failed to update account", http.StatusInternalServerError, nil)
		return
	}

	if n, _ := result.RowsAffected(); n == 0 {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	log.Printf("[ACCOUNT] %s: account %d", message, id)
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

func (s *AccountService) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		log.Printf("[ACCOUNT] Invalid request body: %v", err)
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
