package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// busyTimeout bounds how long a write waits on the UI's concurrent reads.
const busyTimeout = 5 * time.Second

// ErrNoPath is returned by Open for an empty path.
var ErrNoPath = errors.New("directory path is empty")

// DB is the per-profile conversation directory. It caches directory
// metadata only; message bodies stay on the server.
type DB struct {
	*sql.DB
	Path string
}

// Open opens or creates the directory file at path, creating its parent
// directory private to the user.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, ErrNoPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create directory parent: %w", err)
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open directory %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping directory %s: %w", path, err)
	}
	return &DB{DB: db, Path: path}, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", strconv.FormatInt(busyTimeout.Milliseconds(), 10))
	q.Set("_foreign_keys", "on")
	return path + "?" + q.Encode()
}
