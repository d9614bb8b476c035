// Package sqlite provides the durable Store backend.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veilsafe/recoverd/internal/storage"
	"github.com/veilsafe/recoverd/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Store is a storage.Store backed by a single SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Ensure Store implements storage.Store at compile time.
var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the recovery database under basePath.
func Open(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "recoverd.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DBPath returns the path of the underlying database file.
func (s *Store) DBPath() string {
	return s.dbPath
}

func (s *Store) GetConfig(ctx context.Context, protected types.Identity) (*types.RecoveryConfig, error) {
	var cfg types.RecoveryConfig
	var delay int64
	err := s.db.QueryRowContext(ctx,
		`SELECT friends_root, threshold, delay_period
		 FROM recovery_configs WHERE protected = ?`,
		protected.String()).Scan(&cfg.FriendsRoot, &cfg.Threshold, &delay)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg.DelayPeriod = uint64(delay)
	return &cfg, nil
}

func (s *Store) CreateConfig(ctx context.Context, protected types.Identity, cfg *types.RecoveryConfig) error {
	now := time.Now().UTC().Format(time.RFC3339)
	// uint64 columns are bound bit-cast as int64: database/sql rejects
	// uint64 arguments with the high bit set, and the full range is valid
	// here (delay periods up to MaxUint64 feed the claim overflow gate).
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recovery_configs (protected, friends_root, threshold, delay_period, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		protected.String(), cfg.FriendsRoot, cfg.Threshold, int64(cfg.DelayPeriod), now)
	if isConstraintViolation(err) {
		return storage.ErrExists
	}
	return err
}

func (s *Store) GetRecovery(ctx context.Context, protected, rescuer types.Identity) (*types.ActiveRecovery, error) {
	var rec types.ActiveRecovery
	var created int64
	var approved string
	err := s.db.QueryRowContext(ctx,
		`SELECT created, approved FROM active_recoveries
		 WHERE protected = ? AND rescuer = ?`,
		protected.String(), rescuer.String()).Scan(&created, &approved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Created = uint64(created)
	if err := json.Unmarshal([]byte(approved), &rec.Approved); err != nil {
		return nil, fmt.Errorf("decode approvals: %w", err)
	}
	return &rec, nil
}

func (s *Store) CreateRecovery(ctx context.Context, protected, rescuer types.Identity, rec *types.ActiveRecovery) error {
	approved, err := encodeApprovals(rec.Approved)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO active_recoveries (protected, rescuer, created, approved)
		 VALUES (?, ?, ?, ?)`,
		protected.String(), rescuer.String(), int64(rec.Created), approved)
	if isConstraintViolation(err) {
		return storage.ErrExists
	}
	return err
}

func (s *Store) UpdateRecovery(ctx context.Context, protected, rescuer types.Identity, rec *types.ActiveRecovery) error {
	approved, err := encodeApprovals(rec.Approved)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_recoveries SET created = ?, approved = ?
		 WHERE protected = ? AND rescuer = ?`,
		int64(rec.Created), approved, protected.String(), rescuer.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetProxy(ctx context.Context, rescuer types.Identity) (types.Identity, error) {
	var protected string
	err := s.db.QueryRowContext(ctx,
		`SELECT protected FROM proxies WHERE rescuer = ?`,
		rescuer.String()).Scan(&protected)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Identity{}, storage.ErrNotFound
	}
	if err != nil {
		return types.Identity{}, err
	}
	return types.ParseIdentity(protected)
}

func (s *Store) AccountRefs(ctx context.Context, account types.Identity) (uint64, error) {
	var refs uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT refs FROM account_refs WHERE account = ?`,
		account.String()).Scan(&refs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return refs, nil
}

// Update runs fn inside a SQL transaction.
func (s *Store) Update(ctx context.Context, fn func(storage.Txn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&sqlTxn{ctx: ctx, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqlTxn struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlTxn) PutProxy(rescuer, protected types.Identity) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO proxies (rescuer, protected, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(rescuer) DO UPDATE SET protected = excluded.protected`,
		rescuer.String(), protected.String(), now)
	return err
}

func (t *sqlTxn) DeleteRecovery(protected, rescuer types.Identity) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM active_recoveries WHERE protected = ? AND rescuer = ?`,
		protected.String(), rescuer.String())
	return err
}

func (t *sqlTxn) IncAccountRef(account types.Identity) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO account_refs (account, refs) VALUES (?, 1)
		 ON CONFLICT(account) DO UPDATE SET refs = refs + 1`,
		account.String())
	return err
}

func encodeApprovals(approved []types.Identity) (string, error) {
	if approved == nil {
		approved = []types.Identity{}
	}
	b, err := json.Marshal(approved)
	if err != nil {
		return "", fmt.Errorf("encode approvals: %w", err)
	}
	return string(b), nil
}

// isConstraintViolation reports whether err is a primary-key conflict.
// modernc.org/sqlite surfaces these as generic errors, so match on the
// SQLITE_CONSTRAINT message.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
