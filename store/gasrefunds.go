package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// ErrRefundExists rejects a second refund for the same approval.
var ErrRefundExists = errors.New("gas refund already recorded for approval")

// CreateGasRefund inserts the refund row and its linked queue item in one
// transaction: both land or neither does.
func (s *Store) CreateGasRefund(r *GasRefund, item *QueueItem) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = RefundQueued
	}
	r.QueueItemID = item.ID
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO gas_refunds
			(id, deal_id, chain, escrow_addr, approval_tx, refund_amount, status, queue_item_id, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.DealID, r.Chain, r.EscrowAddress, r.ApprovalTx, r.RefundAmount,
			string(r.Status), r.QueueItemID, r.Metadata, unix(r.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrRefundExists
			}
			return err
		}
		return insertItemTx(tx, item)
	})
}

// GasRefundByApproval looks a refund up by its approval transaction.
func (s *Store) GasRefundByApproval(chain, escrowAddr, approvalTx string) (*GasRefund, error) {
	return s.scanRefund(s.db.QueryRow(`SELECT id, deal_id, chain, escrow_addr, approval_tx,
		refund_amount, status, queue_item_id, metadata, created_at
		FROM gas_refunds WHERE chain = ? AND escrow_addr = ? AND approval_tx = ?`,
		chain, escrowAddr, approvalTx))
}

// GasRefundByItem looks a refund up by its linked queue item.
func (s *Store) GasRefundByItem(queueItemID string) (*GasRefund, error) {
	return s.scanRefund(s.db.QueryRow(`SELECT id, deal_id, chain, escrow_addr, approval_tx,
		refund_amount, status, queue_item_id, metadata, created_at
		FROM gas_refunds WHERE queue_item_id = ?`, queueItemID))
}

func (s *Store) scanRefund(row *sql.Row) (*GasRefund, error) {
	var r GasRefund
	var status string
	var meta sql.NullString
	var created int64
	err := row.Scan(&r.ID, &r.DealID, &r.Chain, &r.EscrowAddress, &r.ApprovalTx,
		&r.RefundAmount, &status, &r.QueueItemID, &meta, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = RefundStatus(status)
	r.Metadata = meta.String
	r.CreatedAt = fromUnix(created)
	return &r, nil
}

// SetGasRefundStatus advances a refund row.
func (s *Store) SetGasRefundStatus(id string, status RefundStatus) error {
	_, err := s.db.Exec(`UPDATE gas_refunds SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports constraint violations with this message; a
	// string check avoids depending on the driver's error type here.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
