// Package configstore adapts the relational config store (MariaDB/MySQL)
// to the narrow read-only projections the policy engines need, mirroring
// the parameterized-query style of the original adapter classes rather
// than an ORM.
package configstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/easydns/chapps/internal/chappserrors"
	"github.com/easydns/chapps/internal/config"
)

// DomainFlags are the enforcement flags an inbound engine needs for one
// recipient domain.
type DomainFlags struct {
	Greylist bool
	CheckSPF bool
	Exists   bool
}

// Store is the read-only relational config adapter. It is safe for
// concurrent use: database/sql pools connections internally.
type Store struct {
	db *sql.DB
}

// Open connects to the configured adapter and verifies the connection.
func Open(cfg config.Adapter) (*Store, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("configstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", chappserrors.ErrConfigStoreUnavailable, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewFromDB wraps an already-opened *sql.DB. It is mainly useful for tests
// (e.g. go-sqlmock) but is exported for any caller managing its own pool.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

const quotaQuery = `
SELECT q.quota FROM quotas AS q
  JOIN quota_user AS j ON j.quota_id = q.id
  JOIN users AS u ON u.id = j.user_id
 WHERE u.name = ?`

// QuotaForUser returns the user's configured quota, or ok=false if the
// user has no quota association.
func (s *Store) QuotaForUser(ctx context.Context, user string) (quota int, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, quotaQuery, user)
	if err := row.Scan(&quota); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: %v", chappserrors.ErrConfigStoreUnavailable, err)
	}
	return quota, true, nil
}

const checkDomainQuery = `
SELECT COUNT(*) FROM domains AS d
  JOIN domain_user AS j ON j.domain_id = d.id
  JOIN users AS u ON u.id = j.user_id
 WHERE d.name = ? AND u.name = ?`

// CheckDomainForUser reports whether user is authorized to send for domain.
func (s *Store) CheckDomainForUser(ctx context.Context, user, domain string) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx, checkDomainQuery, domain, user)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("%w: %v", chappserrors.ErrConfigStoreUnavailable, err)
	}
	return n > 0, nil
}

const checkEmailQuery = `
SELECT COUNT(*) FROM emails AS e
  JOIN email_user AS j ON j.email_id = e.id
  JOIN users AS u ON u.id = j.user_id
 WHERE e.name = ? AND u.name = ?`

// CheckEmailForUser reports whether user is authorized to send as email.
func (s *Store) CheckEmailForUser(ctx context.Context, user, email string) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx, checkEmailQuery, email, user)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("%w: %v", chappserrors.ErrConfigStoreUnavailable, err)
	}
	return n > 0, nil
}

const domainFlagsQuery = `SELECT greylist, check_spf FROM domains WHERE name = ?`

// DomainFlags returns the enforcement flags for domain. Exists is false,
// with the other fields zeroed, if no such domain record exists.
func (s *Store) DomainFlags(ctx context.Context, domain string) (DomainFlags, error) {
	var fl DomainFlags
	row := s.db.QueryRowContext(ctx, domainFlagsQuery, domain)
	if err := row.Scan(&fl.Greylist, &fl.CheckSPF); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DomainFlags{}, nil
		}
		return DomainFlags{}, fmt.Errorf("%w: %v", chappserrors.ErrConfigStoreUnavailable, err)
	}
	fl.Exists = true
	return fl, nil
}
