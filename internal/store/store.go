// Package store is the host-side SQLite evidence store: attestation
// reports and certificate chains captured while driving the monitor,
// kept for offline verification.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the evidence store.
const schema = `
CREATE TABLE IF NOT EXISTS reports (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    enclave_id      INTEGER NOT NULL,
    enclave_hash    BLOB NOT NULL,
    user_data       BLOB NOT NULL,
    report          BLOB NOT NULL,
    created_ns      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_enclave ON reports(enclave_id, created_ns);

CREATE TABLE IF NOT EXISTS chains (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    enclave_id      INTEGER NOT NULL,
    lak_der         BLOB NOT NULL,
    sm_der          BLOB NOT NULL,
    dev_der         BLOB NOT NULL,
    created_ns      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chains_enclave ON chains(enclave_id, created_ns);
`

// Report is one stored attestation report.
type Report struct {
	ID          int64
	EnclaveID   uint32
	EnclaveHash []byte
	UserData    []byte
	Raw         []byte
	CreatedAt   time.Time
}

// Chain is one stored certificate chain, wire order LAK, SM, device.
type Chain struct {
	ID        int64
	EnclaveID uint32
	LAK       []byte
	SM        []byte
	Dev       []byte
	CreatedAt time.Time
}

// Store is the SQLite evidence store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// PutReport stores an attestation report.
func (s *Store) PutReport(r *Report) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO reports (enclave_id, enclave_hash, user_data, report, created_ns) VALUES (?, ?, ?, ?, ?)`,
		r.EnclaveID, r.EnclaveHash, r.UserData, r.Raw, time.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert report: %w", err)
	}
	return res.LastInsertId()
}

// PutChain stores a certificate chain.
func (s *Store) PutChain(c *Chain) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO chains (enclave_id, lak_der, sm_der, dev_der, created_ns) VALUES (?, ?, ?, ?, ?)`,
		c.EnclaveID, c.LAK, c.SM, c.Dev, time.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert chain: %w", err)
	}
	return res.LastInsertId()
}

// Reports returns all stored reports, oldest first.
func (s *Store) Reports() ([]Report, error) {
	rows, err := s.db.Query(
		`SELECT id, enclave_id, enclave_hash, user_data, report, created_ns FROM reports ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Report
	for rows.Next() {
		var r Report
		var ns int64
		if err := rows.Scan(&r.ID, &r.EnclaveID, &r.EnclaveHash, &r.UserData, &r.Raw, &ns); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Chains returns all stored chains, oldest first.
func (s *Store) Chains() ([]Chain, error) {
	rows, err := s.db.Query(
		`SELECT id, enclave_id, lak_der, sm_der, dev_der, created_ns FROM chains ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Chain
	for rows.Next() {
		var c Chain
		var ns int64
		if err := rows.Scan(&c.ID, &c.EnclaveID, &c.LAK, &c.SM, &c.Dev, &ns); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(0, ns)
		out = append(out, c)
	}
	return out, rows.Err()
}
