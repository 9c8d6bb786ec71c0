package store

import (
	"database/sql"
	"time"
)

// UpsertDeposit records a newly observed transfer, or refreshes the
// amount and confirmation count of a known one. Confirmations only move
// forward; the amount tracks the latest scan so balance-probed deposits
// follow the escrow's actual balance.
func (s *Store) UpsertDeposit(d *DepositRecord) error {
	if d.FirstSeenAt.IsZero() {
		d.FirstSeenAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO escrow_deposits
		(deal_id, chain, escrow_addr, asset, txid, original_txid, amount,
		 block_height, confirmations, is_synthetic, resolution, resolve_tries, first_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain, escrow_addr, txid) DO UPDATE SET
			confirmations = MAX(escrow_deposits.confirmations, excluded.confirmations),
			amount = excluded.amount,
			block_height = excluded.block_height`,
		d.DealID, d.Chain, d.EscrowAddress, d.Asset, d.TxID, d.OriginalTxID, d.Amount,
		d.BlockHeight, d.Confirmations, boolInt(d.IsSynthetic), string(d.Resolution),
		d.ResolveTries, unix(d.FirstSeenAt))
	return err
}

// DepositsByDeal returns every recorded deposit of a deal.
func (s *Store) DepositsByDeal(dealID string) ([]*DepositRecord, error) {
	return s.queryDeposits(`WHERE deal_id = ?`, dealID)
}

// UnresolvedSyntheticDeposits returns synthetic deposits still awaiting
// resolution with attempts left.
func (s *Store) UnresolvedSyntheticDeposits(maxTries int) ([]*DepositRecord, error) {
	return s.queryDeposits(`WHERE is_synthetic = 1 AND resolution IN ('', 'pending') AND resolve_tries < ?`, maxTries)
}

func (s *Store) queryDeposits(where string, args ...any) ([]*DepositRecord, error) {
	rows, err := s.db.Query(`SELECT deal_id, chain, escrow_addr, asset, txid, original_txid,
		amount, block_height, confirmations, is_synthetic, resolution, resolve_tries, first_seen_at
		FROM escrow_deposits `+where+` ORDER BY first_seen_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DepositRecord
	for rows.Next() {
		var d DepositRecord
		var synthetic int
		var original, resolution sql.NullString
		var firstSeen int64
		if err := rows.Scan(&d.DealID, &d.Chain, &d.EscrowAddress, &d.Asset, &d.TxID,
			&original, &d.Amount, &d.BlockHeight, &d.Confirmations, &synthetic,
			&resolution, &d.ResolveTries, &firstSeen); err != nil {
			return nil, err
		}
		d.OriginalTxID = original.String
		d.IsSynthetic = synthetic != 0
		d.Resolution = ResolutionStatus(resolution.String)
		d.FirstSeenAt = fromUnix(firstSeen)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ResolveDeposit rewrites a synthetic deposit with its real transaction
// hash, preserving the synthetic id in original_txid. Re-running with the
// same arguments is a no-op.
func (s *Store) ResolveDeposit(chain, escrowAddr, syntheticID, realTx string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE escrow_deposits
			SET original_txid = txid, txid = ?, resolution = 'resolved'
			WHERE chain = ? AND escrow_addr = ? AND txid = ?`,
			realTx, chain, escrowAddr, syntheticID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already resolved (or unknown): tolerate replays of the same
			// resolution, reject anything else.
			var existing string
			err := tx.QueryRow(`SELECT txid FROM escrow_deposits
				WHERE chain = ? AND escrow_addr = ? AND original_txid = ?`,
				chain, escrowAddr, syntheticID).Scan(&existing)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// CloseResolution ends a synthetic deposit's resolution as failed without
// burning attempts. Used when the chain cannot produce transfer events for
// the deposit's asset, so retrying would never succeed.
func (s *Store) CloseResolution(chain, escrowAddr, syntheticID string) error {
	_, err := s.db.Exec(`UPDATE escrow_deposits SET resolution = 'failed'
		WHERE chain = ? AND escrow_addr = ? AND txid = ?`,
		chain, escrowAddr, syntheticID)
	return err
}

// BumpResolveAttempt increments a synthetic deposit's attempt counter and,
// past the limit, marks it failed.
func (s *Store) BumpResolveAttempt(chain, escrowAddr, syntheticID string, maxTries int) error {
	_, err := s.db.Exec(`UPDATE escrow_deposits
		SET resolve_tries = resolve_tries + 1,
		    resolution = CASE WHEN resolve_tries + 1 >= ? THEN 'failed' ELSE 'pending' END
		WHERE chain = ? AND escrow_addr = ? AND txid = ?`,
		maxTries, chain, escrowAddr, syntheticID)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
