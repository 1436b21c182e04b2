// Package domain contains the core domain models for the dispatcher service.
package domain

import "errors"

// ErrNotFound is returned when an entity is not found in the database.
var ErrNotFound = errors.New("entity not found")

// ErrClaimLost is returned when a conditional job claim affected zero rows,
// meaning another processor claimed the job first or it was cancelled.
var ErrClaimLost = errors.New("job claim lost")

// ErrInsufficientQuota is returned when a user's quota balance cannot cover
// a requested deduction. The deduction is never partially applied.
var ErrInsufficientQuota = errors.New("insufficient user quota")

// ErrQuotaExhausted is returned when a sending service has no spare daily quota.
var ErrQuotaExhausted = errors.New("service quota exhausted")

// ErrServiceBlocked is returned when a sending service has been taken out of
// rotation after repeated consecutive failures.
var ErrServiceBlocked = errors.New("service blocked")

// ErrInvalidAmount is returned for non-positive quota amounts.
var ErrInvalidAmount = errors.New("amount must be positive")
