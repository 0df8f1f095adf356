package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/kantinpay/backend/internal/models"
)

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestAccountService_EnrollStudent(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	setupAuthConfig()

	service := NewAccountService(db)

	t.Run("successful enrollment", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO accounts").
			WithArgs("Siti Rahma", "2023041", "student", sqlmock.AnyArg(), "",
				int64(0), 1, true, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		req := EnrollStudentRequest{Name: "Siti Rahma", IdentityCode: "2023041", PIN: "123456"}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/accounts/students", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.EnrollStudent(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
		var account models.Account
		json.Unmarshal(w.Body.Bytes(), &account)
		assert.Equal(t, int64(1), account.ID)
		assert.Equal(t, "student", account.Role)
		assert.Equal(t, int64(0), account.Balance)
		assert.True(t, account.Active)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate identity code maps to 409", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO accounts").
			WillReturnError(&pq.Error{Code: "23505"})

		req := EnrollStudentRequest{Name: "Siti Rahma", IdentityCode: "2023041", PIN: "123456"}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/accounts/students", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.EnrollStudent(w, r)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-numeric PIN rejected", func(t *testing.T) {
		req := EnrollStudentRequest{Name: "Siti Rahma", IdentityCode: "2023041", PIN: "abcdef"}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/accounts/students", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.EnrollStudent(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAccountService_CreateStaff(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	setupAuthConfig()

	service := NewAccountService(db)

	t.Run("successful cashier creation", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO accounts").
			WithArgs("Budi Santoso", "budi.kasir", "cashier", "", sqlmock.AnyArg(),
				int64(0), 1, true, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))

		req := CreateStaffRequest{Name: "Budi Santoso", IdentityCode: "budi.kasir", Password: "s3cretpass", Role: "cashier"}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/accounts/staff", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.CreateStaff(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
		var account models.Account
		json.Unmarshal(w.Body.Bytes(), &account)
		assert.Equal(t, "cashier", account.Role)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("student role rejected for staff endpoint", func(t *testing.T) {
		req := CreateStaffRequest{Name: "Budi Santoso", IdentityCode: "budi.kasir", Password: "s3cretpass", Role: "student"}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/accounts/staff", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.CreateStaff(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAccountService_BalanceEnquiry(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	t.Run("returns balance for identity code", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, name, balance, active FROM accounts").
			WithArgs("2023041").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "active"}).
				AddRow(1, "Siti Rahma", int64(60000), true))

		r := withURLParam(httptest.NewRequest("GET", "/accounts/balance/2023041", nil), "code", "2023041")
		w := httptest.NewRecorder()

		service.BalanceEnquiry(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp BalanceResponse
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, int64(60000), resp.Balance)
		assert.True(t, resp.Active)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown code maps to 404", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, name, balance, active FROM accounts").
			WithArgs("0000000").
			WillReturnError(sql.ErrNoRows)

		r := withURLParam(httptest.NewRequest("GET", "/accounts/balance/0000000", nil), "code", "0000000")
		w := httptest.NewRecorder()

		service.BalanceEnquiry(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountService_DeactivateReinstate(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	t.Run("deactivate existing account", func(t *testing.T) {
		mock.ExpectExec("UPDATE accounts SET active").
			WithArgs(false, sqlmock.AnyArg(), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		r := withURLParam(httptest.NewRequest("POST", "/accounts/1/deactivate", nil), "id", "1")
		w := httptest.NewRecorder()

		service.Deactivate(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reinstate existing account", func(t *testing.T) {
		mock.ExpectExec("UPDATE accounts SET active").
			WithArgs(true, sqlmock.AnyArg(), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		r := withURLParam(httptest.NewRequest("POST", "/accounts/1/reinstate", nil), "id", "1")
		w := httptest.NewRecorder()

		service.Reinstate(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deactivate unknown account maps to 404", func(t *testing.T) {
		mock.ExpectExec("UPDATE accounts SET active").
			WithArgs(false, sqlmock.AnyArg(), int64(77)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		r := withURLParam(httptest.NewRequest("POST", "/accounts/77/deactivate", nil), "id", "77")
		w := httptest.NewRecorder()

		service.Deactivate(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountService_UpdateAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	setupAuthConfig()

	service := NewAccountService(db)

	t.Run("reset student PIN", func(t *testing.T) {
		mock.ExpectQuery("SELECT role FROM accounts").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("student"))
		mock.ExpectExec("UPDATE accounts SET updated_at").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		body := []byte(`{"pin": "654321"}`)
		r := withURLParam(httptest.NewRequest("PUT", "/accounts/1", bytes.NewBuffer(body)), "id", "1")
		w := httptest.NewRecorder()

		service.UpdateAccount(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("PIN reset on staff rejected", func(t *testing.T) {
		mock.ExpectQuery("SELECT role FROM accounts").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("cashier"))

		body := []byte(`{"pin": "654321"}`)
		r := withURLParam(httptest.NewRequest("PUT", "/accounts/2", bytes.NewBuffer(body)), "id", "2")
		w := httptest.NewRecorder()

		service.UpdateAccount(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty update rejected", func(t *testing.T) {
		body := []byte(`{}`)
		r := withURLParam(httptest.NewRequest("PUT", "/accounts/1", bytes.NewBuffer(body)), "id", "1")
		w := httptest.NewRecorder()

		service.UpdateAccount(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown account maps to 404", func(t *testing.T) {
		mock.ExpectQuery("SELECT role FROM accounts").
			WithArgs(int64(99)).
			WillReturnError(sql.ErrNoRows)

		body := []byte(`{"name": "New Name"}`)
		r := withURLParam(httptest.NewRequest("PUT", "/accounts/99", bytes.NewBuffer(body)), "id", "99")
		w := httptest.NewRecorder()

		service.UpdateAccount(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountService_ListAccounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	t.Run("filter by role", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("SELECT id, name, identity_code, role, balance, active, created_at, updated_at FROM accounts").
			WithArgs("student").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "identity_code", "role", "balance", "active", "created_at", "updated_at"}).
				AddRow(1, "Siti Rahma", "2023041", "student", int64(60000), true, now, now).
				AddRow(3, "Andi Wijaya", "2023042", "student", int64(15000), true, now, now))

		r := httptest.NewRequest("GET", "/accounts?role=student", nil)
		w := httptest.NewRecorder()

		service.ListAccounts(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var accounts []models.Account
		json.Unmarshal(w.Body.Bytes(), &accounts)
		assert.Len(t, accounts, 2)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid role rejected", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/accounts?role=teacher", nil)
		w := httptest.NewRecorder()

		service.ListAccounts(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
