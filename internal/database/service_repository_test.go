package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/mailroom/dispatcher/internal/database"
	"github.com/mailroom/dispatcher/internal/domain"
)

func TestServiceRepository_RecordFailure(t *testing.T) {
	serviceID := uuid.New()

	testCases := []struct {
		name        string
		setupMock   func(mock sqlmock.Sqlmock)
		wantBlocked bool
		wantErr     error
	}{
		{
			name: "failure below threshold leaves service usable",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("UPDATE services").
					WithArgs(serviceID, 0.8, 5).
					WillReturnRows(sqlmock.NewRows([]string{"is_blocked"}).AddRow(false))
			},
			wantBlocked: false,
		},
		{
			name: "failure at threshold blocks the service",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("UPDATE services").
					WithArgs(serviceID, 0.8, 5).
					WillReturnRows(sqlmock.NewRows([]string{"is_blocked"}).AddRow(true))
			},
			wantBlocked: true,
		},
		{
			name: "unknown service returns ErrNotFound",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("UPDATE services").
					WithArgs(serviceID, 0.8, 5).
					WillReturnRows(sqlmock.NewRows([]string{"is_blocked"}))
			},
			wantErr: domain.ErrNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := database.NewServiceRepository(db)
			tc.setupMock(mock)

			blocked, err := repo.RecordFailure(context.Background(), serviceID, 5)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("RecordFailure() error = %v, want %v", err, tc.wantErr)
			}
			if blocked != tc.wantBlocked {
				t.Errorf("RecordFailure() blocked = %v, want %v", blocked, tc.wantBlocked)
			}

			if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
				t.Errorf("unfulfilled expectations: %v", expectErr)
			}
		})
	}
}

func TestServiceRepository_Freeze(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewServiceRepository(db)

	serviceID := uuid.New()
	until := time.Now().Add(90 * time.Second)

	mock.ExpectExec("UPDATE services").
		WithArgs(serviceID, until).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Freeze(context.Background(), serviceID, until); err != nil {
		t.Fatalf("Freeze() error = %v", err)
	}

	if expectErr := mock.ExpectationsWereMet(); expectErr != nil {
		t.Errorf("unfulfilled expectations: %v", expectErr)
	}
}

func TestServiceRepository_ThawExpired(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewServiceRepository(db)

	mock.ExpectExec("UPDATE services").
		WillReturnResult(sqlmock.NewResult(0, 2))

	count, err := repo.ThawExpired(context.Background())
	if err != nil {
		t.Fatalf("ThawExpired() error = %v", err)
	}
	if count != 2 {
		t.Errorf("ThawExpired() = %d, want 2", count)
	}
}

func TestServiceRepository_Unblock_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := database.NewServiceRepository(db)

	serviceID := uuid.New()
	mock.ExpectExec("UPDATE services").
		WithArgs(serviceID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Unblock(context.Background(), serviceID)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Unblock() error = %v, want %v", err, domain.ErrNotFound)
	}
}
