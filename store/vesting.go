package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/otclabs/brokerd/plugin"
)

// PutVesting persists a vesting classification. Only permanent outcomes
// (vested, unvested, tracing_failed) should be written; transient errors
// stay memory-only so the next cycle can retry.
func (s *Store) PutVesting(e *VestingCacheEntry) error {
	if e.TracedAt.IsZero() {
		e.TracedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO vesting_cache
		(txid, is_coinbase, coinbase_block, parent_txid, status, traced_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(txid) DO UPDATE SET
			is_coinbase = excluded.is_coinbase,
			coinbase_block = excluded.coinbase_block,
			parent_txid = excluded.parent_txid,
			status = excluded.status,
			traced_at = excluded.traced_at,
			error_message = excluded.error_message`,
		e.TxID, boolInt(e.IsCoinbase), e.CoinbaseBlock, e.ParentTxID,
		string(e.Status), unix(e.TracedAt), e.ErrorMessage)
	return err
}

// GetVesting returns a persisted classification, or ErrNotFound.
func (s *Store) GetVesting(txid string) (*VestingCacheEntry, error) {
	var e VestingCacheEntry
	var coinbase int
	var parent, errMsg sql.NullString
	var status string
	var traced int64
	err := s.db.QueryRow(`SELECT txid, is_coinbase, coinbase_block, parent_txid, status, traced_at, error_message
		FROM vesting_cache WHERE txid = ?`, txid).
		Scan(&e.TxID, &coinbase, &e.CoinbaseBlock, &parent, &status, &traced, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.IsCoinbase = coinbase != 0
	e.ParentTxID = parent.String
	e.Status = plugin.VestingStatus(status)
	e.TracedAt = fromUnix(traced)
	e.ErrorMessage = errMsg.String
	return &e, nil
}
