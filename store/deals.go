package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for lookups of unknown rows.
var ErrNotFound = errors.New("not found")

// ErrBadTransition rejects a stage write that is not an edge of the
// lifecycle graph.
var ErrBadTransition = errors.New("illegal stage transition")

// CreateDeal inserts a new deal in DRAFT.
func (s *Store) CreateDeal(d *Deal) error {
	if d.Stage == "" {
		d.Stage = StageDraft
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO deals (id, stage, created_at, doc) VALUES (?, ?, ?, ?)`,
		d.ID, string(d.Stage), unix(d.CreatedAt), string(doc))
	return err
}

// GetDeal loads one deal by id.
func (s *Store) GetDeal(id string) (*Deal, error) {
	row := s.db.QueryRow(`SELECT doc FROM deals WHERE id = ?`, id)
	return scanDeal(row)
}

func scanDeal(row *sql.Row) (*Deal, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var d Deal
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("corrupt deal document: %w", err)
	}
	return &d, nil
}

// UpdateDeal rewrites a deal document without changing its stage.
func (s *Store) UpdateDeal(d *Deal) error {
	return s.withTx(func(tx *sql.Tx) error {
		return updateDealTx(tx, d)
	})
}

func updateDealTx(tx *sql.Tx, d *Deal) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE deals SET stage = ?, doc = ? WHERE id = ?`,
		string(d.Stage), string(doc), d.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceDeal moves a deal to the next stage and atomically persists any
// queue items the transition produces. The write is rejected unless the
// transition is an edge of the lifecycle graph and the stored stage still
// matches the caller's view.
func (s *Store) AdvanceDeal(d *Deal, to Stage, items []*QueueItem) error {
	if !CanTransition(d.Stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, d.Stage, to)
	}
	from := d.Stage
	return s.withTx(func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRow(`SELECT stage FROM deals WHERE id = ?`, d.ID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if Stage(current) != from {
			return fmt.Errorf("%w: deal %s moved to %s concurrently", ErrBadTransition, d.ID, current)
		}
		d.Stage = to
		if err := updateDealTx(tx, d); err != nil {
			d.Stage = from
			return err
		}
		for _, it := range items {
			if err := insertItemTx(tx, it); err != nil {
				d.Stage = from
				return err
			}
		}
		return nil
	})
}

// EnqueueForDeal persists queue items together with the deal document (for
// enqueues that do not move the stage, e.g. a late approval).
func (s *Store) EnqueueForDeal(d *Deal, items []*QueueItem) error {
	return s.withTx(func(tx *sql.Tx) error {
		if err := updateDealTx(tx, d); err != nil {
			return err
		}
		for _, it := range items {
			if err := insertItemTx(tx, it); err != nil {
				return err
			}
		}
		return nil
	})
}

// DealsByStage returns all deals in the given stages, oldest first.
func (s *Store) DealsByStage(stages ...Stage) ([]*Deal, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	query := `SELECT doc FROM deals WHERE stage IN (?` // one placeholder per stage
	args := []any{string(stages[0])}
	for _, st := range stages[1:] {
		query += `, ?`
		args = append(args, string(st))
	}
	query += `) ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []*Deal
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d Deal
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			return nil, fmt.Errorf("corrupt deal document: %w", err)
		}
		deals = append(deals, &d)
	}
	return deals, rows.Err()
}

// ActiveDeals returns every non-terminal deal, oldest first.
func (s *Store) ActiveDeals() ([]*Deal, error) {
	return s.DealsByStage(StageDraft, StageCollection, StageReady, StageSwap, StagePayout)
}

// ListDeals returns up to limit deals, newest first. limit <= 0 means all.
func (s *Store) ListDeals(limit int) ([]*Deal, error) {
	query := `SELECT doc FROM deals ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []*Deal
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d Deal
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			return nil, fmt.Errorf("corrupt deal document: %w", err)
		}
		deals = append(deals, &d)
	}
	return deals, rows.Err()
}

// AppendEvent adds a line to the deal's event log in memory; callers
// persist it with the next deal write.
func (d *Deal) AppendEvent(format string, args ...any) {
	d.Events = append(d.Events, DealEvent{
		At:      time.Now().UTC(),
		Message: fmt.Sprintf(format, args...),
	})
}
