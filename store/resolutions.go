package store

import (
	"database/sql"
	"time"
)

// AppendResolution audits one synthetic-txid resolution attempt.
func (s *Store) AppendResolution(r *TxidResolution) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO txid_resolutions
		(deal_id, synthetic_id, window_from, window_to, candidates, confidence, chosen_tx, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DealID, r.SyntheticID, r.WindowFrom, r.WindowTo, r.Candidates,
		r.Confidence, r.ChosenTx, unix(r.CreatedAt))
	if err != nil {
		return err
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// ResolutionsFor returns the audit trail of one synthetic id, oldest
// first.
func (s *Store) ResolutionsFor(syntheticID string) ([]*TxidResolution, error) {
	rows, err := s.db.Query(`SELECT id, deal_id, synthetic_id, window_from, window_to,
		candidates, confidence, chosen_tx, created_at
		FROM txid_resolutions WHERE synthetic_id = ? ORDER BY id ASC`, syntheticID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TxidResolution
	for rows.Next() {
		var r TxidResolution
		var chosen sql.NullString
		var created int64
		if err := rows.Scan(&r.ID, &r.DealID, &r.SyntheticID, &r.WindowFrom, &r.WindowTo,
			&r.Candidates, &r.Confidence, &chosen, &created); err != nil {
			return nil, err
		}
		r.ChosenTx = chosen.String
		r.CreatedAt = fromUnix(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}
