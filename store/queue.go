package store

import (
	"database/sql"
	"errors"
	"time"
)

const itemColumns = `id, deal_id, chain, from_addr, from_key_index, to_addr, asset, amount,
	purpose, seq, status, phase, submitted_tx, created_at, last_submit_at,
	gas_bump_attempts, last_gas_price, original_nonce,
	recovery_attempts, last_recovery_at, recovery_error,
	payback, recipient, fee_recipient, fees`

// InsertItem persists a new queue item.
func (s *Store) InsertItem(it *QueueItem) error {
	return s.withTx(func(tx *sql.Tx) error {
		return insertItemTx(tx, it)
	})
}

func insertItemTx(tx *sql.Tx, it *QueueItem) error {
	if it.Status == "" {
		it.Status = ItemPending
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(`INSERT INTO queue_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.DealID, it.Chain, it.From.Address, it.From.KeyIndex, it.To, it.Asset, it.Amount,
		string(it.Purpose), it.Seq, string(it.Status), it.Phase, it.SubmittedTx,
		unix(it.CreatedAt), unix(it.LastSubmitAt),
		it.GasBumpAttempts, it.LastGasPrice, it.OriginalNonce,
		it.RecoveryAttempts, unix(it.LastRecoveryAt), it.RecoveryError,
		it.Payback, it.Recipient, it.FeeRecipient, it.Fees)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*QueueItem, error) {
	var it QueueItem
	var purpose, status string
	var created, lastSubmit, lastRecovery int64
	var phase, submittedTx, lastGas, recErr, payback, recipient, feeRecipient, fees sql.NullString
	err := r.Scan(
		&it.ID, &it.DealID, &it.Chain, &it.From.Address, &it.From.KeyIndex, &it.To, &it.Asset, &it.Amount,
		&purpose, &it.Seq, &status, &phase, &submittedTx, &created, &lastSubmit,
		&it.GasBumpAttempts, &lastGas, &it.OriginalNonce,
		&it.RecoveryAttempts, &lastRecovery, &recErr,
		&payback, &recipient, &feeRecipient, &fees)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	it.From.Chain = it.Chain
	it.Purpose = Purpose(purpose)
	it.Status = ItemStatus(status)
	it.Phase = phase.String
	it.SubmittedTx = submittedTx.String
	it.CreatedAt = fromUnix(created)
	it.LastSubmitAt = fromUnix(lastSubmit)
	it.LastGasPrice = lastGas.String
	it.LastRecoveryAt = fromUnix(lastRecovery)
	it.RecoveryError = recErr.String
	it.Payback = payback.String
	it.Recipient = recipient.String
	it.FeeRecipient = feeRecipient.String
	it.Fees = fees.String
	return &it, nil
}

func (s *Store) queryItems(query string, args ...any) ([]*QueueItem, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetItem loads one queue item.
func (s *Store) GetItem(id string) (*QueueItem, error) {
	return scanItem(s.db.QueryRow(`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id))
}

// DispatchableItems returns, per (deal, chain) group, the lowest-seq
// PENDING item whose lower-seq predecessors are all CONFIRMED, ordered by
// creation time, capped at limit. GAS_FUNDING items ride outside the
// ordering lane entirely: a funding transfer exists to unblock a stuck
// lower-seq item, so it can neither wait behind that item nor hold up
// anything else.
func (s *Store) DispatchableItems(limit int) ([]*QueueItem, error) {
	return s.queryItems(`
		SELECT `+itemColumns+` FROM queue_items p
		WHERE p.status = 'PENDING'
		  AND (p.purpose = 'GAS_FUNDING'
		   OR (NOT EXISTS (
			SELECT 1 FROM queue_items q
			WHERE q.deal_id = p.deal_id AND q.chain = p.chain
			  AND q.seq < p.seq AND q.status != 'CONFIRMED'
			  AND q.purpose != 'GAS_FUNDING')
		  AND p.seq = (
			SELECT MIN(q2.seq) FROM queue_items q2
			WHERE q2.deal_id = p.deal_id AND q2.chain = p.chain
			  AND q2.status = 'PENDING' AND q2.purpose != 'GAS_FUNDING')))
		ORDER BY p.created_at ASC
		LIMIT ?`, limit)
}

// ItemsByDeal returns every queue item of a deal in seq order.
func (s *Store) ItemsByDeal(dealID string) ([]*QueueItem, error) {
	return s.queryItems(`SELECT `+itemColumns+` FROM queue_items
		WHERE deal_id = ? ORDER BY chain, seq`, dealID)
}

// ItemsByStatus returns items with the given status, oldest first.
func (s *Store) ItemsByStatus(status ItemStatus) ([]*QueueItem, error) {
	return s.queryItems(`SELECT `+itemColumns+` FROM queue_items
		WHERE status = ? ORDER BY created_at ASC`, string(status))
}

// StuckPendingItems returns PENDING items created before cutoff that were
// never submitted and still have recovery attempts left.
func (s *Store) StuckPendingItems(cutoff time.Time, maxAttempts int) ([]*QueueItem, error) {
	return s.queryItems(`SELECT `+itemColumns+` FROM queue_items
		WHERE status = 'PENDING' AND created_at < ?
		  AND (submitted_tx IS NULL OR submitted_tx = '')
		  AND recovery_attempts < ?
		ORDER BY created_at ASC`, unix(cutoff), maxAttempts)
}

// SuspectSubmittedItems returns SUBMITTED items whose last submission is
// older than cutoff.
func (s *Store) SuspectSubmittedItems(cutoff time.Time) ([]*QueueItem, error) {
	return s.queryItems(`SELECT `+itemColumns+` FROM queue_items
		WHERE status = 'SUBMITTED' AND last_submit_at < ?
		ORDER BY last_submit_at ASC`, unix(cutoff))
}

// OpenBrokerItems returns PENDING or SUBMITTED broker operations from the
// given escrow address, used to gate gas refunds.
func (s *Store) OpenBrokerItems(chain, escrowAddr string) ([]*QueueItem, error) {
	return s.queryItems(`SELECT `+itemColumns+` FROM queue_items
		WHERE chain = ? AND from_addr = ?
		  AND status IN ('PENDING', 'SUBMITTED')
		  AND purpose IN ('APPROVE_BROKER', 'BROKER_SWAP', 'BROKER_REVERT', 'BROKER_REFUND', 'PHASE_1_SWAP')`,
		chain, escrowAddr)
}

// MarkSubmitted records a broadcast: tx hash, nonce and gas price used.
func (s *Store) MarkSubmitted(id, txid string, nonce uint64, gasPrice string) error {
	_, err := s.db.Exec(`UPDATE queue_items
		SET status = 'SUBMITTED', submitted_tx = ?, original_nonce = ?, last_gas_price = ?, last_submit_at = ?
		WHERE id = ?`, txid, nonce, gasPrice, time.Now().Unix(), id)
	return err
}

// MarkConfirmed promotes an item to its terminal success state.
func (s *Store) MarkConfirmed(id string) error {
	_, err := s.db.Exec(`UPDATE queue_items SET status = 'CONFIRMED' WHERE id = ?`, id)
	return err
}

// MarkFailed is terminal; reason lands in recovery_error.
func (s *Store) MarkFailed(id, reason string) error {
	_, err := s.db.Exec(`UPDATE queue_items
		SET status = 'FAILED', recovery_error = ? WHERE id = ?`, reason, id)
	return err
}

// ResetToPending returns a submitted item to the queue after a detected
// failure or reorg, clearing the dead tx hash.
func (s *Store) ResetToPending(id, reason string) error {
	_, err := s.db.Exec(`UPDATE queue_items
		SET status = 'PENDING', submitted_tx = '', recovery_error = ?, last_recovery_at = ?
		WHERE id = ?`, reason, time.Now().Unix(), id)
	return err
}

// RecordGasBump notes a resubmission at a higher gas price.
func (s *Store) RecordGasBump(id, gasPrice, txid string) error {
	_, err := s.db.Exec(`UPDATE queue_items
		SET gas_bump_attempts = gas_bump_attempts + 1, last_gas_price = ?, submitted_tx = ?, last_submit_at = ?
		WHERE id = ?`, gasPrice, txid, time.Now().Unix(), id)
	return err
}

// TouchRecovery bumps the recovery bookkeeping on an item.
func (s *Store) TouchRecovery(id string, incrementAttempts bool, note string) error {
	if incrementAttempts {
		_, err := s.db.Exec(`UPDATE queue_items
			SET recovery_attempts = recovery_attempts + 1, last_recovery_at = ?, recovery_error = ?
			WHERE id = ?`, time.Now().Unix(), note, id)
		return err
	}
	_, err := s.db.Exec(`UPDATE queue_items
		SET last_recovery_at = ?, recovery_error = ? WHERE id = ?`, time.Now().Unix(), note, id)
	return err
}

// CancelSettlementItems removes a reverted deal's PENDING items whose
// purpose only applies to a successful settlement. SUBMITTED items are
// left to settle on-chain. Returns the removed ids.
func (s *Store) CancelSettlementItems(dealID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id, purpose FROM queue_items
		WHERE deal_id = ? AND status = 'PENDING'`, dealID)
	if err != nil {
		return nil, err
	}
	var cancel []string
	for rows.Next() {
		var id, purpose string
		if err := rows.Scan(&id, &purpose); err != nil {
			rows.Close()
			return nil, err
		}
		if Purpose(purpose).SettlementOnly() {
			cancel = append(cancel, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cancel) == 0 {
		return nil, nil
	}
	err = s.withTx(func(tx *sql.Tx) error {
		for _, id := range cancel {
			if _, err := tx.Exec(`DELETE FROM queue_items WHERE id = ? AND status = 'PENDING'`, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancel, nil
}

// NextSeq returns the next free sequence number for (deal, chain).
func (s *Store) NextSeq(dealID, chain string) (int, error) {
	var seq sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(seq) FROM queue_items WHERE deal_id = ? AND chain = ?`,
		dealID, chain).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return int(seq.Int64) + 1, nil
}
