package services

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/kantinpay/backend/internal/models"
)

type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *validator.Validate
}

// LoginRequest represents the login request payload. Students log in with
// their NIS or NFC id plus PIN; staff with username plus password.
// @Description Login request structure
type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required" example:"2023041"` // NIS, NFC id or username
	Password   string `json:"password,omitempty" validate:"omitempty,min=6"`    // Staff password
	PIN        string `json:"pin,omitempty" validate:"omitempty,len=6,numeric"` // Student PIN
}

// AuthResponse represents the authentication response
// @Description Authentication response structure
type AuthResponse struct {
	Token   string          `json:"token" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."` // JWT token
	Account models.Account  `json:"account"`                                                 // Account information
}

func NewAuthService(db *sql.DB, redisClient *redis.Client) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		validator: validator.New(),
	}
}

// Login authenticates a student (PIN) or staff member (password)
// @Summary Login
// @Description Authenticate with identity code plus PIN or password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse "Login successful"
// @Failure 400 {string} string "Invalid request"
// @Failure 401 {string} string "Invalid credentials"
// @Failure 403 {string} string "Account deactivated"
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req LoginRequest
	if err := dec.Decode(&req); err != nil {
		log.Printf("[AUTH] Login failed - invalid request: %v", err)
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		log.Printf("[AUTH] Multiple JSON objects detected")
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		log.Printf("[AUTH] Login validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// Exactly one credential must be supplied.
	if (req.Password == "") == (req.PIN == "") {
		SendErrorResponse(w, "Provide either a password or a PIN", http.StatusBadRequest, nil)
		return
	}

	var account models.Account
	err := s.db.QueryRow(`
		SELECT id, name, identity_code, role, pin, password, balance, active
		FROM accounts
		WHERE identity_code = $1`,
		req.Identifier).Scan(
		&account.ID, &account.Name, &account.IdentityCode, &account.Role,
		&account.PIN, &account.Password, &account.Balance, &account.Active)
	if err != nil {
		log.Printf("[AUTH] Account not found for identifier: %s", req.Identifier)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	var valid bool
	switch {
	case req.Password != "" && account.Password != "":
		valid = verifySecret(req.Password, account.Password)
	case req.PIN != "" && account.PIN != "":
		valid = verifySecret(req.PIN, account.PIN)
	}
	if !valid {
		log.Printf("[AUTH] Invalid credential for identifier: %s", req.Identifier)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if !account.Active {
		log.Printf("[AUTH] Deactivated account login attempt: %s", req.Identifier)
		SendErrorResponse(w, "Account deactivated", http.StatusForbidden, nil)
		return
	}

	token, err := generateJWT(account.ID, account.Role)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for account %d: %v", account.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	account.PIN = ""
	account.Password = ""

	log.Printf("[AUTH] Login successful for account %d (%s)", account.ID, account.Role)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AuthResponse{Token: token, Account: account})
}

// Logout revokes the caller's token
// @Summary Logout
// @Description Logout and blacklist the presented token
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string "Logout successful"
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token != "" && len(token) > 7 {
		token = token[7:] // Remove "Bearer " prefix

		if s.redis != nil {
			ctx := context.Background()
			key := fmt.Sprintf("blacklist:%s", token)
			// Blacklist token until its expiration
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(ctx, key, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to blacklist token: %v", err)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Logout successful"})
}

// GetAccount returns the authenticated caller's account
// @Summary Get own account
// @Description Get the authenticated account's profile and balance
// @Tags auth
// @Produce json
// @Success 200 {object} models.Account "Account details"
// @Failure 401 {string} string "Unauthorized"
// @Failure 404 {string} string "Account not found"
// @Router /auth/account [get]
func (s *AuthService) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := r.Context().Value("accountID")
	if accountID == nil {
		log.Printf("[AUTH] Unauthorized account request - no account ID in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var account models.Account
	err := s.db.QueryRow(`
		SELECT id, name, identity_code, role, balance, active, created_at, updated_at
		FROM accounts
		WHERE id = $1`,
		accountID).Scan(
		&account.ID, &account.Name, &account.IdentityCode, &account.Role,
		&account.Balance, &account.Active, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Account not found", http.StatusNotFound)
		} else {
			log.Printf("[AUTH] Failed to fetch account %v: %v", accountID, err)
			http.Error(w, "Failed to fetch account", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

func generateJWT(accountID int64, role string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": accountID,
		"role":       role,
		"exp":        time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

// hashSecret hashes a password or PIN with argon2id and a random salt.
func hashSecret(secret string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(secret), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifySecret(secret, hashedSecret string) bool {
	parts := strings.Split(hashedSecret, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(secret), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return subtle.ConstantTimeCompare(hash, computedHash) == 1
}
