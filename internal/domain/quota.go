package domain

import (
	"time"

	"github.com/google/uuid"
)

// QuotaOperation is the type of a ledger movement.
type QuotaOperation string

const (
	QuotaOpAllocate QuotaOperation = "allocate"
	QuotaOpDeduct   QuotaOperation = "deduct"
	QuotaOpRefund   QuotaOperation = "refund"
)

// QuotaAccount holds a user's current send allowance.
type QuotaAccount struct {
	UserID    uuid.UUID `db:"user_id"    json:"user_id"`
	Balance   int       `db:"balance"    json:"balance"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// QuotaLedgerEntry is an immutable audit row recording one quota movement.
// Entries are append-only; the scheduler never mutates or deletes them.
type QuotaLedgerEntry struct {
	ID            uuid.UUID      `db:"id"             json:"id"`
	UserID        uuid.UUID      `db:"user_id"        json:"user_id"`
	Operation     QuotaOperation `db:"operation"      json:"operation"`
	Amount        int            `db:"amount"         json:"amount"`
	BalanceBefore int            `db:"balance_before" json:"balance_before"`
	BalanceAfter  int            `db:"balance_after"  json:"balance_after"`
	TaskID        *uuid.UUID     `db:"task_id"        json:"task_id,omitempty"`
	Reason        string         `db:"reason"         json:"reason"`
	CreatedAt     time.Time      `db:"created_at"     json:"created_at"`
}

// QuotaCheck is the result of a read-only balance check.
type QuotaCheck struct {
	Sufficient bool `json:"sufficient"`
	Available  int  `json:"available"`
}
