package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// QRService issues single-use payment tokens a student shows at the till when
// they forget their card. Tokens live in Redis for five minutes and are
// consumed on first scan.
type QRService struct {
	db    *sql.DB
	redis *redis.Client
}

// QRPayload is the data behind a payment token.
type QRPayload struct {
	AccountID int64  `json:"account_id"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// ScanResult is returned to the till after a successful scan.
type ScanResult struct {
	AccountID int64  `json:"account_id"`
	Name      string `json:"name"`
	Balance   int64  `json:"balance"`
	Active    bool   `json:"active"`
}

func NewQRService(db *sql.DB, redisClient *redis.Client) *QRService {
	return &QRService{
		db:    db,
		redis: redisClient,
	}
}

// GeneratePaymentQR creates a payment token for the account and returns the
// token plus a base64 PNG QR image of it.
func (s *QRService) GeneratePaymentQR(ctx context.Context, accountID int64) (string, string, error) {
	if s.redis == nil {
		return "", "", fmt.Errorf("payment QR unavailable: redis is down")
	}

	payload := QRPayload{
		AccountID: accountID,
		Timestamp: time.Now().Unix(),
		Nonce:     generateNonce(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	token := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("qr:%s", token)
	if err := s.redis.Set(ctx, key, jsonData, 5*time.Minute).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(token, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return token, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ScanPaymentQR consumes a payment token and resolves the account behind it.
// A token can only be scanned once.
func (s *QRService) ScanPaymentQR(ctx context.Context, token string) (*ScanResult, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("payment QR unavailable: redis is down")
	}

	key := fmt.Sprintf("qr:%s", token)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired QR code")
	}
	if err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	var payload QRPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	var result ScanResult
	err = s.db.QueryRowContext(ctx, `
		SELECT id, name, balance, active
		FROM accounts
		WHERE id = $1`, payload.AccountID).Scan(
		&result.AccountID, &result.Name, &result.Balance, &result.Active)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("account not found")
		}
		return nil, err
	}

	return &result, nil
}

func generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
