package database_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailroom/dispatcher/internal/database"
	"github.com/mailroom/dispatcher/internal/domain"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	return sqlx.NewDb(mockDB, "sqlmock"), mock
}

func TestJobRepository_Claim(t *testing.T) {
	jobID := uuid.New()
	serviceID := uuid.New()
	sender := "news@example.com"

	testCases := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "claims the job and debits service quota",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE jobs").
					WithArgs(jobID, serviceID, sender).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec("UPDATE services").
					WithArgs(serviceID).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			wantErr: nil,
		},
		{
			name: "lost race returns ErrClaimLost",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE jobs").
					WithArgs(jobID, serviceID, sender).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			},
			wantErr: domain.ErrClaimLost,
		},
		{
			name: "exhausted service quota rolls back the claim",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE jobs").
					WithArgs(jobID, serviceID, sender).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec("UPDATE services").
					WithArgs(serviceID).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			},
			wantErr: domain.ErrQuotaExhausted,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := database.NewJobRepository(db)
			tc.setupMock(mock)

			err := repo.Claim(context.Background(), jobID, serviceID, sender)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Claim() error = %v, want %v", err, tc.wantErr)
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestJobRepository_MarkSending(t *testing.T) {
	jobID := uuid.New()

	testCases := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "transitions allocated to sending",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE jobs").
					WithArgs(jobID).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantErr: nil,
		},
		{
			name: "job no longer allocated returns ErrNotFound",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE jobs").
					WithArgs(jobID).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr: domain.ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := database.NewJobRepository(db)
			tc.setupMock(mock)

			err := repo.MarkSending(context.Background(), jobID)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("MarkSending() error = %v, want %v", err, tc.wantErr)
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestJobRepository_MarkFailed(t *testing.T) {
	jobID := uuid.New()

	testCases := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name: "records the failure against the capped ceiling",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`LEAST\(max_retries, \$3\)`).
					WithArgs(jobID, "provider timeout", 3).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantErr: false,
		},
		{
			name: "database error propagates",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE jobs").
					WithArgs(jobID, "provider timeout", 3).
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := database.NewJobRepository(db)
			tc.setupMock(mock)

			err := repo.MarkFailed(context.Background(), jobID, "provider timeout", 3)
			if (err != nil) != tc.wantErr {
				t.Errorf("MarkFailed() error = %v, wantErr %v", err, tc.wantErr)
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestJobRepository_ResetTimedOut(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewJobRepository(db)

	timeout := 10 * time.Minute
	mock.ExpectExec("UPDATE jobs").
		WithArgs(timeout.Seconds()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := repo.ResetTimedOut(context.Background(), timeout)
	if err != nil {
		t.Fatalf("ResetTimedOut() error = %v", err)
	}
	if count != 3 {
		t.Errorf("ResetTimedOut() = %d, want 3", count)
	}

	if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
		t.Errorf("unfulfilled expectations: %v", expectErr)
	}
}

func TestJobRepository_GetByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewJobRepository(db)

	jobID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs(jobID).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), jobID)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetByID() error = %v, want %v", err, domain.ErrNotFound)
	}
}

func TestJobRepository_UsersWithPendingJobs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewJobRepository(db)

	serviceID := uuid.New()
	userA := uuid.New()
	userB := uuid.New()

	rows := sqlmock.NewRows([]string{"user_id"}).
		AddRow(userA.String()).
		AddRow(userB.String())
	mock.ExpectQuery("SELECT DISTINCT j.user_id").
		WithArgs(serviceID).
		WillReturnRows(rows)

	users, err := repo.UsersWithPendingJobs(context.Background(), serviceID)
	if err != nil {
		t.Fatalf("UsersWithPendingJobs() error = %v", err)
	}
	if len(users) != 2 || users[0] != userA || users[1] != userB {
		t.Errorf("UsersWithPendingJobs() = %v, want [%v %v]", users, userA, userB)
	}
}

func TestJobRepository_CountPendingExcludesBackoff(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewJobRepository(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM jobs\s+WHERE status = 'pending'\s+AND \(scheduled_at IS NULL OR scheduled_at <= NOW\(\)\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := repo.CountPending(context.Background())
	if err != nil {
		t.Fatalf("CountPending() error = %v", err)
	}
	if count != 7 {
		t.Errorf("CountPending() = %d, want 7", count)
	}
}
