package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func setupAuthConfig() {
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)
}

func TestAuthService_Login(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	setupAuthConfig()

	service := NewAuthService(db, nil)

	t.Run("successful student login with PIN", func(t *testing.T) {
		hashedPIN, _ := hashSecret("123456")

		mock.ExpectQuery("SELECT id, name, identity_code, role, pin, password, balance, active FROM accounts").
			WithArgs("2023041").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "identity_code", "role", "pin", "password", "balance", "active"}).
				AddRow(1, "Siti Rahma", "2023041", "student", hashedPIN, "", int64(50000), true))

		req := LoginRequest{Identifier: "2023041", PIN: "123456"}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, "student", response.Account.Role)
		assert.Equal(t, int64(50000), response.Account.Balance)
	})

	t.Run("successful staff login with password", func(t *testing.T) {
		hashedPassword, _ := hashSecret("s3cretpass")

		mock.ExpectQuery("SELECT id, name, identity_code, role, pin, password, balance, active FROM accounts").
			WithArgs("budi.kasir").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "identity_code", "role", "pin", "password", "balance", "active"}).
				AddRow(2, "Budi Santoso", "budi.kasir", "cashier", "", hashedPassword, int64(0), true))

		req := LoginRequest{Identifier: "budi.kasir", Password: "s3cretpass"}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, "cashier", response.Account.Role)
	})

	t.Run("wrong PIN", func(t *testing.T) {
		hashedPIN, _ := hashSecret("123456")

		mock.ExpectQuery("SELECT id, name, identity_code, role, pin, password, balance, active FROM accounts").
			WithArgs("2023041").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "identity_code", "role", "pin", "password", "balance", "active"}).
				AddRow(1, "Siti Rahma", "2023041", "student", hashedPIN, "", int64(50000), true))

		req := LoginRequest{Identifier: "2023041", PIN: "654321"}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("account not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, name, identity_code, role, pin, password, balance, active FROM accounts").
			WithArgs("9999999").
			WillReturnError(sql.ErrNoRows)

		req := LoginRequest{Identifier: "9999999", PIN: "123456"}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("deactivated account", func(t *testing.T) {
		hashedPIN, _ := hashSecret("123456")

		mock.ExpectQuery("SELECT id, name, identity_code, role, pin, password, balance, active FROM accounts").
			WithArgs("2023041").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "identity_code", "role", "pin", "password", "balance", "active"}).
				AddRow(1, "Siti Rahma", "2023041", "student", hashedPIN, "", int64(50000), false))

		req := LoginRequest{Identifier: "2023041", PIN: "123456"}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("both credentials supplied", func(t *testing.T) {
		req := LoginRequest{Identifier: "2023041", PIN: "123456", Password: "alsoapassword"}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no credential supplied", func(t *testing.T) {
		req := LoginRequest{Identifier: "2023041"}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid request body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer([]byte("invalid")))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSecretHashing(t *testing.T) {
	setupAuthConfig()

	pin := "123456"

	hashed, err := hashSecret(pin)
	assert.NoError(t, err)
	assert.NotEmpty(t, hashed)

	assert.True(t, verifySecret(pin, hashed))
	assert.False(t, verifySecret("654321", hashed))
	assert.False(t, verifySecret(pin, "not-a-valid-hash"))
}

func TestGenerateJWT(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)

	token, err := generateJWT(123, "cashier")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)
}
