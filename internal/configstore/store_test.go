package configstore

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestQuotaForUserFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT q.quota FROM quotas").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"quota"}).AddRow(1200))

	quota, ok, err := s.QuotaForUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("QuotaForUser() error: %v", err)
	}
	if !ok || quota != 1200 {
		t.Errorf("QuotaForUser() = (%d, %v), want (1200, true)", quota, ok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestQuotaForUserNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT q.quota FROM quotas").
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"quota"}))

	_, ok, err := s.QuotaForUser(context.Background(), "bob")
	if err != nil {
		t.Fatalf("QuotaForUser() error: %v", err)
	}
	if ok {
		t.Errorf("QuotaForUser() ok = true, want false")
	}
}

func TestCheckDomainForUser(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("example.com", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := s.CheckDomainForUser(context.Background(), "alice", "example.com")
	if err != nil {
		t.Fatalf("CheckDomainForUser() error: %v", err)
	}
	if !ok {
		t.Errorf("CheckDomainForUser() = false, want true")
	}
}

func TestDomainFlagsExists(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT greylist, check_spf FROM domains").
		WithArgs("example.com").
		WillReturnRows(sqlmock.NewRows([]string{"greylist", "check_spf"}).AddRow(true, false))

	fl, err := s.DomainFlags(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("DomainFlags() error: %v", err)
	}
	if !fl.Exists || !fl.Greylist || fl.CheckSPF {
		t.Errorf("DomainFlags() = %+v", fl)
	}
}

func TestDomainFlagsAbsent(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SELECT greylist, check_spf FROM domains").
		WithArgs("nowhere.example").
		WillReturnError(sql.ErrNoRows)

	fl, err := s.DomainFlags(context.Background(), "nowhere.example")
	if err != nil {
		t.Fatalf("DomainFlags() error: %v", err)
	}
	if fl.Exists {
		t.Errorf("DomainFlags() Exists = true for absent domain")
	}
}
