package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailroom/dispatcher/internal/domain"
)

// ledgerSelectList is the column list for SELECT on quota_ledger
const ledgerSelectList = `id, user_id, operation, amount, balance_before,
			balance_after, task_id, reason, created_at`

// QuotaRepository is the quota ledger: atomic per-user credit/debit of send
// allowance with an append-only audit trail. Every mutation locks the balance
// row (SELECT ... FOR UPDATE) to serialize concurrent movements for the same
// user, then writes the balance and the ledger row in one transaction.
type QuotaRepository struct {
	db *sqlx.DB
}

// NewQuotaRepository creates a new repository
func NewQuotaRepository(db *sqlx.DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

// CheckQuota is a read-only balance check. A missing account reads as zero.
func (r *QuotaRepository) CheckQuota(ctx context.Context, userID uuid.UUID, amount int) (domain.QuotaCheck, error) {
	var balance int
	err := r.db.GetContext(ctx, &balance,
		`SELECT balance FROM quota_accounts WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QuotaCheck{Sufficient: false, Available: 0}, nil
	}
	if err != nil {
		return domain.QuotaCheck{}, fmt.Errorf("check quota: %w", err)
	}
	return domain.QuotaCheck{Sufficient: balance >= amount, Available: balance}, nil
}

// Account returns the user's quota account row. A user with no account yet
// reads as a zero-balance account.
func (r *QuotaRepository) Account(ctx context.Context, userID uuid.UUID) (domain.QuotaAccount, error) {
	var account domain.QuotaAccount
	err := r.db.GetContext(ctx, &account,
		`SELECT user_id, balance, updated_at FROM quota_accounts WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QuotaAccount{UserID: userID}, nil
	}
	if err != nil {
		return domain.QuotaAccount{}, fmt.Errorf("get quota account: %w", err)
	}
	return account, nil
}

// Deduct atomically re-reads the balance under a row lock, fails with
// domain.ErrInsufficientQuota when it cannot cover the amount, and otherwise
// debits and appends a ledger row. Never partially applies.
func (r *QuotaRepository) Deduct(ctx context.Context, userID uuid.UUID, amount int, taskID *uuid.UUID, reason string) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deduct tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var balance int
	err = tx.GetContext(ctx, &balance,
		`SELECT balance FROM quota_accounts WHERE user_id = $1 FOR UPDATE`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrInsufficientQuota
	}
	if err != nil {
		return fmt.Errorf("lock quota account: %w", err)
	}

	if balance < amount {
		return domain.ErrInsufficientQuota
	}

	after := balance - amount
	if _, err = tx.ExecContext(ctx,
		`UPDATE quota_accounts SET balance = $2, updated_at = NOW() WHERE user_id = $1`,
		userID, after); err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}

	if err = appendLedgerRow(ctx, tx, userID, domain.QuotaOpDeduct, amount, balance, after, taskID, reason); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit deduct tx: %w", err)
	}
	return nil
}

// Refund credits a previously deducted amount back to the user.
func (r *QuotaRepository) Refund(ctx context.Context, userID uuid.UUID, amount int, taskID *uuid.UUID, reason string) error {
	return r.credit(ctx, userID, amount, domain.QuotaOpRefund, taskID, reason)
}

// Allocate grants new allowance to the user, creating the account if needed.
func (r *QuotaRepository) Allocate(ctx context.Context, userID uuid.UUID, amount int, reason string) error {
	return r.credit(ctx, userID, amount, domain.QuotaOpAllocate, nil, reason)
}

// credit applies a balance increase under the same row-lock discipline as
// Deduct. Credits always succeed for positive amounts.
func (r *QuotaRepository) credit(ctx context.Context, userID uuid.UUID, amount int, op domain.QuotaOperation, taskID *uuid.UUID, reason string) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var balance int
	err = tx.GetContext(ctx, &balance,
		`SELECT balance FROM quota_accounts WHERE user_id = $1 FOR UPDATE`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		balance = 0
		if _, insErr := tx.ExecContext(ctx,
			`INSERT INTO quota_accounts (user_id, balance, updated_at) VALUES ($1, 0, NOW())`,
			userID); insErr != nil {
			return fmt.Errorf("create quota account: %w", insErr)
		}
	} else if err != nil {
		return fmt.Errorf("lock quota account: %w", err)
	}

	after := balance + amount
	if _, err = tx.ExecContext(ctx,
		`UPDATE quota_accounts SET balance = $2, updated_at = NOW() WHERE user_id = $1`,
		userID, after); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}

	if err = appendLedgerRow(ctx, tx, userID, op, amount, balance, after, taskID, reason); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit credit tx: %w", err)
	}
	return nil
}

func appendLedgerRow(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, op domain.QuotaOperation,
	amount, before, after int, taskID *uuid.UUID, reason string,
) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO quota_ledger (id, user_id, operation, amount, balance_before, balance_after, task_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		uuid.New(), userID, op, amount, before, after, taskID, reason)
	if err != nil {
		return fmt.Errorf("append ledger row: %w", err)
	}
	return nil
}

// HasDeductionForTask reports whether a deduction for this task was already
// recorded. The append-only ledger doubles as the idempotency record for task
// admission, so re-admitting a recovered task never double-charges.
func (r *QuotaRepository) HasDeductionForTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM quota_ledger WHERE task_id = $1 AND operation = 'deduct')`,
		taskID)
	if err != nil {
		return false, fmt.Errorf("check task deduction: %w", err)
	}
	return exists, nil
}

// History returns the most recent ledger rows for a user.
func (r *QuotaRepository) History(ctx context.Context, userID uuid.UUID, limit int) ([]domain.QuotaLedgerEntry, error) {
	query := `
		SELECT ` + ledgerSelectList + `
		FROM quota_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	entries := []domain.QuotaLedgerEntry{}
	if err := r.db.SelectContext(ctx, &entries, query, userID, limit); err != nil {
		return nil, fmt.Errorf("ledger history: %w", err)
	}
	return entries, nil
}
