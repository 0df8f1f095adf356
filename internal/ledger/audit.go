package ledger

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Reference string    `json:"reference"`
	AccountID int64     `json:"account_id"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

// AuditLogger writes one JSON line per balance-affecting operation.
type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogPosting(reference string, accountID int64, txType string, amount int64) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: txType,
		Reference: reference,
		AccountID: accountID,
		Amount:    amount,
		Status:    "COMMITTED",
	})
}

func (a *AuditLogger) LogError(op string, accountID int64, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: op,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
