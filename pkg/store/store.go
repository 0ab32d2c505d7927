// Package store persists the hub's local state in SQLite: OAuth handshakes
// that are waiting for their callback and the metadata of installed
// servers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
)

// Store is safe for concurrent use; SQLite serializes writes.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path. Use ":memory:" for
// a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// Each connection to ":memory:" is its own database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_authorizations (
		state         TEXT PRIMARY KEY,
		server_id     TEXT NOT NULL,
		code_verifier TEXT NOT NULL,
		redirect_url  TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS install_records (
		id           TEXT PRIMARY KEY,
		server_id    TEXT NOT NULL,
		name         TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL,
		package      TEXT NOT NULL DEFAULT '',
		version      TEXT NOT NULL DEFAULT '',
		install_dir  TEXT NOT NULL DEFAULT '',
		definition   TEXT NOT NULL,
		installed_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PendingAuthorization is an OAuth handshake waiting for its callback.
type PendingAuthorization struct {
	State        string    `json:"state"`
	ServerID     string    `json:"serverId"`
	CodeVerifier string    `json:"-"`
	RedirectURL  string    `json:"redirectUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SavePendingAuthorization records p, stamping CreatedAt when unset.
func (s *Store) SavePendingAuthorization(ctx context.Context, p PendingAuthorization) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_authorizations (state, server_id, code_verifier, redirect_url, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.State, p.ServerID, p.CodeVerifier, p.RedirectURL, formatTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: save pending authorization for %s: %w", p.ServerID, err)
	}
	return nil
}

// TakePendingAuthorization returns and deletes the handshake for state.
func (s *Store) TakePendingAuthorization(ctx context.Context, state string) (PendingAuthorization, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PendingAuthorization{}, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var p PendingAuthorization
	var created string
	err = tx.QueryRowContext(ctx,
		`SELECT state, server_id, code_verifier, redirect_url, created_at
		 FROM pending_authorizations WHERE state = ?`, state,
	).Scan(&p.State, &p.ServerID, &p.CodeVerifier, &p.RedirectURL, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingAuthorization{}, mcperr.New(mcperr.KindNotFound, "unknown or expired authorization state")
	}
	if err != nil {
		return PendingAuthorization{}, fmt.Errorf("store: load pending authorization: %w", err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return PendingAuthorization{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_authorizations WHERE state = ?`, state); err != nil {
		return PendingAuthorization{}, fmt.Errorf("store: delete pending authorization: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return PendingAuthorization{}, fmt.Errorf("store: commit: %w", err)
	}
	return p, nil
}

// PrunePendingAuthorizations deletes handshakes older than maxAge and
// returns how many were removed.
func (s *Store) PrunePendingAuthorizations(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := formatTime(s.now().Add(-maxAge))
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_authorizations WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune pending authorizations: %w", err)
	}
	return res.RowsAffected()
}

// InstallRecord describes a server installed by the installer.
type InstallRecord struct {
	ID          string                  `json:"id"`
	ServerID    string                  `json:"serverId"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Source      string                  `json:"source"`
	Package     string                  `json:"package,omitempty"`
	Version     string                  `json:"version,omitempty"`
	InstallDir  string                  `json:"installDir,omitempty"`
	Definition  mcpmgr.ServerDefinition `json:"definition"`
	InstalledAt time.Time               `json:"installedAt"`
}

// SaveInstall upserts rec.
func (s *Store) SaveInstall(ctx context.Context, rec InstallRecord) error {
	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = s.now()
	}
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("store: encode definition for %s: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO install_records (id, server_id, name, description, source, package, version, install_dir, definition, installed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   server_id = excluded.server_id, name = excluded.name, description = excluded.description,
		   source = excluded.source, package = excluded.package, version = excluded.version,
		   install_dir = excluded.install_dir, definition = excluded.definition,
		   installed_at = excluded.installed_at`,
		rec.ID, rec.ServerID, rec.Name, rec.Description, rec.Source, rec.Package, rec.Version,
		rec.InstallDir, string(def), formatTime(rec.InstalledAt),
	)
	if err != nil {
		return fmt.Errorf("store: save install %s: %w", rec.ID, err)
	}
	return nil
}

const installColumns = `id, server_id, name, description, source, package, version, install_dir, definition, installed_at`

// GetInstall loads one record; NotFoundError when absent.
func (s *Store) GetInstall(ctx context.Context, id string) (InstallRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+installColumns+` FROM install_records WHERE id = ?`, id)
	rec, err := scanInstall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return InstallRecord{}, mcperr.Newf(mcperr.KindNotFound, "installation %q not found", id)
	}
	return rec, err
}

// ListInstalls returns every record, newest first.
func (s *Store) ListInstalls(ctx context.Context) ([]InstallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+installColumns+` FROM install_records ORDER BY installed_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list installs: %w", err)
	}
	defer rows.Close()

	out := []InstallRecord{}
	for rows.Next() {
		rec, err := scanInstall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteInstall removes a record. Deleting a missing record is not an
// error.
func (s *Store) DeleteInstall(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM install_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete install %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstall(row scanner) (InstallRecord, error) {
	var rec InstallRecord
	var def, installed string
	if err := row.Scan(&rec.ID, &rec.ServerID, &rec.Name, &rec.Description, &rec.Source,
		&rec.Package, &rec.Version, &rec.InstallDir, &def, &installed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InstallRecord{}, err
		}
		return InstallRecord{}, fmt.Errorf("store: scan install: %w", err)
	}
	if err := json.Unmarshal([]byte(def), &rec.Definition); err != nil {
		return InstallRecord{}, fmt.Errorf("store: decode definition for %s: %w", rec.ID, err)
	}
	var err error
	if rec.InstalledAt, err = parseTime(installed); err != nil {
		return InstallRecord{}, err
	}
	return rec, nil
}

// Timestamps are stored as fixed-width UTC text so that string comparison
// orders them.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse timestamp %q: %w", s, err)
	}
	return t, nil
}
