package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Key is the storage key the dashboard settings live under
const Key = "iot-settings"

const (
	sqliteDriverName = "sqlite"

	schemaKV = `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

	upsertSQL = `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
	`

	selectSQL = `SELECT value FROM kv WHERE key=?`
)

// Settings are the user preferences persisted across restarts.
// RefreshInterval is in seconds.
type Settings struct {
	APIURL          string `json:"apiUrl"`
	RefreshInterval int    `json:"refreshInterval"`
	Notifications   bool   `json:"notifications"`
}

// Open creates or opens the SQLite database at path and ensures the schema exists
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite at %q", path)
	}

	// a single connection keeps writers serialized
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "apply %s", pragma)
		}
	}

	if _, err := db.Exec(schemaKV); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply kv schema")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	return db, nil
}

// Store persists Settings as JSON in the kv table
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an opened database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Load returns the stored settings; found is false when nothing was saved yet
func (s *Store) Load(ctx context.Context) (Settings, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, selectSQL, Key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, false, nil
	}
	if err != nil {
		return Settings{}, false, errors.Wrapf(err, "load %s", Key)
	}

	var settings Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return Settings{}, false, errors.Wrapf(err, "decode %s", Key)
	}
	return settings, true, nil
}

// Save upserts settings
func (s *Store) Save(ctx context.Context, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return errors.Wrapf(err, "encode %s", Key)
	}
	if _, err := s.db.ExecContext(ctx, upsertSQL, Key, string(raw), s.now().UTC()); err != nil {
		return errors.Wrapf(err, "save %s", Key)
	}
	return nil
}
