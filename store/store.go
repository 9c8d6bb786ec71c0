package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the broker database.
type Store struct {
	db *sql.DB
}

// Config holds storage configuration.
type Config struct {
	DataDir string `koanf:"data-dir"`
}

// Open creates the database under cfg.DataDir (":memory:" is accepted for
// tests) and initialises the schema.
func Open(cfg Config) (*Store, error) {
	dsn := cfg.DataDir
	if dsn != ":memory:" {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dsn = filepath.Join(cfg.DataDir, "brokerd.db")
	}

	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// SQLite supports one writer; serialise through a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) initSchema() error {
	schema := `
	-- Deals: full document as JSON, stage and creation time indexed.
	CREATE TABLE IF NOT EXISTS deals (
		id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		doc TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deals_stage ON deals(stage);
	CREATE INDEX IF NOT EXISTS idx_deals_created ON deals(created_at);

	-- Outbound chain transactions. seq orders items per (deal, chain).
	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		deal_id TEXT NOT NULL,
		chain TEXT NOT NULL,
		from_addr TEXT NOT NULL,
		from_key_index INTEGER NOT NULL DEFAULT 0,
		to_addr TEXT NOT NULL,
		asset TEXT NOT NULL,
		amount TEXT NOT NULL,
		purpose TEXT NOT NULL,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		phase TEXT,
		submitted_tx TEXT,
		created_at INTEGER NOT NULL,
		last_submit_at INTEGER DEFAULT 0,
		gas_bump_attempts INTEGER DEFAULT 0,
		last_gas_price TEXT,
		original_nonce INTEGER DEFAULT 0,
		recovery_attempts INTEGER DEFAULT 0,
		last_recovery_at INTEGER DEFAULT 0,
		recovery_error TEXT,
		payback TEXT,
		recipient TEXT,
		fee_recipient TEXT,
		fees TEXT,
		UNIQUE(deal_id, chain, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_items(status);
	CREATE INDEX IF NOT EXISTS idx_queue_deal ON queue_items(deal_id, chain, seq);
	CREATE INDEX IF NOT EXISTS idx_queue_created ON queue_items(created_at);

	-- Observed transfers into escrows. Never deleted.
	CREATE TABLE IF NOT EXISTS escrow_deposits (
		deal_id TEXT NOT NULL,
		chain TEXT NOT NULL,
		escrow_addr TEXT NOT NULL,
		asset TEXT NOT NULL,
		txid TEXT NOT NULL,
		original_txid TEXT,
		amount TEXT NOT NULL,
		block_height INTEGER DEFAULT 0,
		confirmations INTEGER DEFAULT 0,
		is_synthetic INTEGER DEFAULT 0,
		resolution TEXT DEFAULT '',
		resolve_tries INTEGER DEFAULT 0,
		first_seen_at INTEGER NOT NULL,
		PRIMARY KEY (chain, escrow_addr, txid)
	);
	CREATE INDEX IF NOT EXISTS idx_deposits_deal ON escrow_deposits(deal_id);
	CREATE INDEX IF NOT EXISTS idx_deposits_synthetic ON escrow_deposits(is_synthetic, resolution);

	-- Append-only audit of recovery-manager actions.
	CREATE TABLE IF NOT EXISTS recovery_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		chain TEXT,
		action TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_recovery_created ON recovery_log(created_at);
	CREATE INDEX IF NOT EXISTS idx_recovery_type ON recovery_log(type);

	-- Gas refunds back to the tank, linked 1:1 with a queue item.
	CREATE TABLE IF NOT EXISTS gas_refunds (
		id TEXT PRIMARY KEY,
		deal_id TEXT NOT NULL,
		chain TEXT NOT NULL,
		escrow_addr TEXT NOT NULL,
		approval_tx TEXT NOT NULL,
		refund_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'QUEUED',
		queue_item_id TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(chain, escrow_addr, approval_tx)
	);
	CREATE INDEX IF NOT EXISTS idx_gas_refunds_status ON gas_refunds(status);

	-- Single-writer leases, acquired by conditional upsert.
	CREATE TABLE IF NOT EXISTS leases (
		type TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	-- Vesting classification cache for coinbase-vesting chains.
	CREATE TABLE IF NOT EXISTS vesting_cache (
		txid TEXT PRIMARY KEY,
		is_coinbase INTEGER DEFAULT 0,
		coinbase_block INTEGER DEFAULT 0,
		parent_txid TEXT,
		status TEXT NOT NULL,
		traced_at INTEGER NOT NULL,
		error_message TEXT
	);

	-- Audit rows for synthetic-txid resolution attempts.
	CREATE TABLE IF NOT EXISTS txid_resolutions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		deal_id TEXT NOT NULL,
		synthetic_id TEXT NOT NULL,
		window_from INTEGER NOT NULL,
		window_to INTEGER NOT NULL,
		candidates INTEGER NOT NULL,
		confidence REAL NOT NULL,
		chosen_tx TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_resolutions_synthetic ON txid_resolutions(synthetic_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
