package store

import (
	"database/sql"
	"time"
)

// AppendRecovery writes one audit row for a recovery-manager action.
func (s *Store) AppendRecovery(r *RecoveryRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO recovery_log (type, chain, action, success, error, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Type, r.Chain, r.Action, boolInt(r.Success), r.Error, r.Metadata, unix(r.CreatedAt))
	if err != nil {
		return err
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// RecentRecovery returns the newest limit audit rows, newest first.
func (s *Store) RecentRecovery(limit int) ([]*RecoveryRecord, error) {
	rows, err := s.db.Query(`SELECT id, type, chain, action, success, error, metadata, created_at
		FROM recovery_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RecoveryRecord
	for rows.Next() {
		var r RecoveryRecord
		var success int
		var chain, errMsg, meta sql.NullString
		var created int64
		if err := rows.Scan(&r.ID, &r.Type, &chain, &r.Action, &success, &errMsg, &meta, &created); err != nil {
			return nil, err
		}
		r.Chain = chain.String
		r.Success = success != 0
		r.Error = errMsg.String
		r.Metadata = meta.String
		r.CreatedAt = fromUnix(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// LastRecoveryOf returns the newest audit row matching type+chain+action,
// used to rate-limit repeated checks. ErrNotFound when none exists.
func (s *Store) LastRecoveryOf(recType, chain, action string) (*RecoveryRecord, error) {
	var r RecoveryRecord
	var success int
	var errMsg, meta sql.NullString
	var created int64
	err := s.db.QueryRow(`SELECT id, type, chain, action, success, error, metadata, created_at
		FROM recovery_log WHERE type = ? AND chain = ? AND action = ?
		ORDER BY id DESC LIMIT 1`, recType, chain, action).
		Scan(&r.ID, &r.Type, &r.Chain, &r.Action, &success, &errMsg, &meta, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Success = success != 0
	r.Error = errMsg.String
	r.Metadata = meta.String
	r.CreatedAt = fromUnix(created)
	return &r, nil
}
