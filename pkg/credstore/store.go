// Package credstore persists provider credentials and a small TTL cache in a
// local SQLite database. The database uses WAL journaling and a bounded busy
// timeout so one process can read and write concurrently, and the file and
// its parent directory are restricted to the owner.
package credstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
)

const (
	busyTimeoutMs = 5000

	fileMode os.FileMode = 0o600
	dirMode  os.FileMode = 0o700
)

const schema = `
CREATE TABLE IF NOT EXISTS auth_credentials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	credential_type TEXT NOT NULL,
	data TEXT NOT NULL,
	disabled INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auth_credentials_provider ON auth_credentials(provider);
CREATE TABLE IF NOT EXISTS cache (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache(expires_at);
`

// Store is a SQLite-backed credential store. All methods are safe for
// concurrent use from one process.
type Store struct {
	db     *sql.DB
	path   string
	clock  clockwork.Clock
	logger *log.Logger
}

// Options configures a Store. The zero value is usable.
type Options struct {
	// Clock drives cache expiry comparisons. Defaults to the real clock.
	Clock clockwork.Clock
	// Logger receives debug output for swallowed failures. Defaults to a
	// warn-level stderr logger.
	Logger *log.Logger
}

// DefaultPath returns the per-user default database location.
func DefaultPath() string {
	return filepath.Join(xdg.DataHome, "oh-my-pi", "auth.db")
}

// Open opens (creating if necessary) the store at path. An empty path uses
// DefaultPath. The parent directory is created with mode 0700 and the file is
// restricted to 0600.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(os.Stderr, log.Options{Level: log.WarnLevel})
	}

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &Store{db: db, path: path, clock: opts.Clock, logger: opts.Logger}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	if err := os.Chmod(path, fileMode); err != nil {
		s.logger.Debug("failed to restrict store file mode", "path", path, "error", err)
	}

	// Opportunistic hygiene; failures are non-fatal.
	if err := s.CleanExpiredCache(context.Background()); err != nil {
		s.logger.Debug("cache cleanup on open failed", "error", err)
	}

	return s, nil
}

// migrate applies forward-only schema changes. Databases created before the
// disabled column existed get it added in place.
func (s *Store) migrate() error {
	rows, err := s.db.Query(`PRAGMA table_info(auth_credentials)`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	hasDisabled := false
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultVal, &pk); err != nil {
			return err
		}
		if name == "disabled" {
			hasDisabled = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if !hasDisabled {
		if _, err := s.db.Exec(`ALTER TABLE auth_credentials ADD COLUMN disabled INTEGER NOT NULL DEFAULT 0`); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// List returns the non-disabled credentials ordered by row id ascending. An
// empty provider returns every provider's credentials. Rows whose data column
// fails to parse are dropped silently.
func (s *Store) List(ctx context.Context, provider string) ([]credential.Stored, error) {
	query := `SELECT id, provider, credential_type, data FROM auth_credentials WHERE disabled = 0`
	args := []any{}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []credential.Stored
	for rows.Next() {
		var (
			id    int64
			prov  string
			ctype string
			data  string
		)
		if err := rows.Scan(&id, &prov, &ctype, &data); err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		cred, err := credential.UnmarshalData(credential.Type(ctype), []byte(data))
		if err != nil {
			s.logger.Debug("dropping malformed credential row", "id", id, "provider", prov, "error", err)
			continue
		}
		out = append(out, credential.Stored{ID: id, Provider: prov, Credential: cred})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return out, nil
}

// ReplaceForProvider atomically soft-disables every row for the provider and
// inserts the given credentials, returning the new row ids in order.
func (s *Store) ReplaceForProvider(ctx context.Context, provider string, creds []credential.Credential) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE auth_credentials SET disabled = 1, updated_at = ? WHERE provider = ?`, now, provider); err != nil {
		return nil, fmt.Errorf("failed to disable existing credentials: %w", err)
	}

	ids := make([]int64, 0, len(creds))
	for _, c := range creds {
		data, err := credential.MarshalData(c)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize credential: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO auth_credentials (provider, credential_type, data, disabled, created_at, updated_at)
			 VALUES (?, ?, ?, 0, ?, ?)`,
			provider, string(c.Type()), string(data), now, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert credential: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read inserted id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit replace: %w", err)
	}
	return ids, nil
}

// Update rewrites the credential type and data of one row in place. The
// caller treats failures as best-effort; the next authoritative reload
// corrects in-memory state.
func (s *Store) Update(ctx context.Context, id int64, c credential.Credential) error {
	data, err := credential.MarshalData(c)
	if err != nil {
		return fmt.Errorf("failed to serialize credential: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE auth_credentials SET credential_type = ?, data = ?, updated_at = ? WHERE id = ?`,
		string(c.Type()), string(data), s.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update credential %d: %w", id, err)
	}
	return nil
}

// Delete soft-disables one row.
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_credentials SET disabled = 1, updated_at = ? WHERE id = ?`,
		s.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to delete credential %d: %w", id, err)
	}
	return nil
}

// DeleteForProvider soft-disables every row for the provider.
func (s *Store) DeleteForProvider(ctx context.Context, provider string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_credentials SET disabled = 1, updated_at = ? WHERE provider = ?`,
		s.clock.Now().UnixMilli(), provider)
	if err != nil {
		return fmt.Errorf("failed to delete credentials for %s: %w", provider, err)
	}
	return nil
}
