package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLocalLockerFailsFast(t *testing.T) {
	locker := NewLocalLocker(0)
	ctx := context.Background()
	if err := locker.Lock(ctx, "ses_1"); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := locker.Lock(ctx, "ses_1"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second Lock() error = %v, want ErrSessionBusy", err)
	}
	if err := locker.Lock(ctx, "ses_2"); err != nil {
		t.Fatalf("Lock(other session) error = %v", err)
	}
	locker.Unlock("ses_1")
	if err := locker.Lock(ctx, "ses_1"); err != nil {
		t.Fatalf("Lock() after Unlock error = %v", err)
	}
}

func TestLocalLockerWaitsForRelease(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	ctx := context.Background()
	if err := locker.Lock(ctx, "ses_1"); err != nil {
		t.Fatal(err)
	}
	acquired := make(chan error, 1)
	go func() { acquired <- locker.Lock(ctx, "ses_1") }()

	select {
	case err := <-acquired:
		t.Fatalf("Lock() returned before release: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	locker.Unlock("ses_1")
	if err := <-acquired; err != nil {
		t.Fatalf("waiting Lock() error = %v", err)
	}
}

func TestLocalLockerHonorsContext(t *testing.T) {
	locker := NewLocalLocker(time.Minute)
	if err := locker.Lock(context.Background(), "ses_1"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := locker.Lock(ctx, "ses_1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Lock() error = %v, want context.Canceled", err)
	}
}

func TestDBLockerLockUnlock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	locker, err := newDBLocker(db, DialectPostgres, DBLockerConfig{
		OwnerID:         "node-1",
		TTL:             time.Minute,
		RefreshInterval: time.Hour,
		AcquireTimeout:  time.Second,
		PollInterval:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("newDBLocker: %v", err)
	}
	defer locker.Close()

	mock.ExpectQuery("INSERT INTO session_locks").
		WithArgs("ses-1", "node-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("node-1"))

	if err := locker.Lock(context.Background(), "ses-1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	mock.ExpectExec("DELETE FROM session_locks").
		WithArgs("ses-1", "node-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	locker.Unlock("ses-1")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDBLockerSQLiteContention(t *testing.T) {
	store := newMigratedSQLiteStore(t)
	ctx := context.Background()
	cfg := DBLockerConfig{AcquireTimeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond}

	cfg.OwnerID = "a"
	first, err := NewDBLocker(store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	cfg.OwnerID = "b"
	second, err := NewDBLocker(store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if err := first.Lock(ctx, "ses_1"); err != nil {
		t.Fatalf("first Lock() error = %v", err)
	}
	if err := second.Lock(ctx, "ses_1"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second Lock() error = %v, want ErrSessionBusy", err)
	}
	first.Unlock("ses_1")
	if err := second.Lock(ctx, "ses_1"); err != nil {
		t.Fatalf("second Lock() after release error = %v", err)
	}
}
