package store

import (
	"database/sql"
	"errors"
	"time"
)

// AcquireLease takes the named lease for holder until now+ttl. It succeeds
// if the lease is free, expired, or already held by the same holder. The
// upsert is conditional so exactly one process wins a contended acquire.
func (s *Store) AcquireLease(leaseType, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.Exec(`INSERT INTO leases (type, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(type) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.expires_at < ? OR leases.holder = excluded.holder`,
		leaseType, holder, now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease frees the lease if holder still owns it.
func (s *Store) ReleaseLease(leaseType, holder string) error {
	_, err := s.db.Exec(`DELETE FROM leases WHERE type = ? AND holder = ?`, leaseType, holder)
	return err
}

// GetLease returns the current lease row, or ErrNotFound.
func (s *Store) GetLease(leaseType string) (*Lease, error) {
	var l Lease
	var expires int64
	err := s.db.QueryRow(`SELECT type, holder, expires_at FROM leases WHERE type = ?`,
		leaseType).Scan(&l.Type, &l.Holder, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.ExpiresAt = fromUnix(expires)
	return &l, nil
}
