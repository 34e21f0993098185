package cache

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/paths"
	"github.com/opencontainers/go-digest"

	_ "modernc.org/sqlite"
)

const (

	// File name of a layer archive inside its entry directory.
	layerFile = "image.tar"

	// How long a writer waits on a locked index before failing.
	busyTimeout = 10 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS layers (
	key      TEXT PRIMARY KEY,
	stage    TEXT NOT NULL DEFAULT '',
	step     TEXT NOT NULL DEFAULT '',
	engine   TEXT NOT NULL DEFAULT '',
	platform TEXT NOT NULL DEFAULT '',
	size     INTEGER NOT NULL DEFAULT 0,
	created  INTEGER NOT NULL,
	used     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS layers_used ON layers (used);
CREATE TABLE IF NOT EXISTS copies (
	source TEXT NOT NULL,
	path   TEXT NOT NULL,
	digest TEXT NOT NULL,
	PRIMARY KEY (source, path)
);
`

// Metadata recorded for a stored layer.
type Entry struct {
	Key      digest.Digest // Chained step key.
	Stage    string        // Stage that produced the layer.
	Step     string        // Human-readable step description.
	Engine   string        // Build engine that produced the layer.
	Platform string        // Target platform.
	Size     int64         // Archive size in bytes.
	Created  time.Time     // When the layer was stored.
	Used     time.Time     // When the layer was last looked up.
}

// Controls which entries [Store.Prune] removes.
type PruneOptions struct {
	OlderThan time.Duration // Remove entries unused for longer than this. Zero disables.
	MaxBytes  int64         // Then remove least recently used entries until under this size. Zero disables.
}

// Outcome of a prune.
type PruneResult struct {
	Removed int   // Number of entries removed.
	Freed   int64 // Bytes freed.
}

// Layer cache rooted at a directory.
type Store struct {
	dir string
	db  *sql.DB
	now func() time.Time
}

// Opens the cache rooted at dir, creating it and its index if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(paths.Layers(dir), paths.DefaultDirMode); err != nil {
		return nil, fault.Wrap(ErrIndex, err)
	}

	db, err := sql.Open("sqlite", paths.Index(dir))
	if err != nil {
		return nil, fault.Wrap(ErrIndex, err)
	}

	// A single connection keeps pragmas in effect and serializes writers
	// within the process. Other processes are held off by the busy timeout.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA busy_timeout = " + strconv.FormatInt(busyTimeout.Milliseconds(), 10),
		"PRAGMA journal_mode = WAL",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fault.Wrap(ErrIndex, err)
		}
	}

	return &Store{dir: dir, db: db, now: time.Now}, nil
}

// Closes the index.
func (s *Store) Close() error {
	return s.db.Close()
}

// Returns the archive path for key and whether it is stored.
//
// The layer file is the source of truth. An index row without a file is
// dropped, and a file without a row is re-indexed.
func (s *Store) Lookup(ctx context.Context, key digest.Digest) (string, bool, error) {
	path := s.path(key)

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM layers WHERE key = ?", key.String()); err != nil {
			return "", false, fault.Wrap(ErrIndex, err)
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, fault.Wrap(ErrEntry, err)
	}

	now := s.now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO layers (key, size, created, used) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET used = excluded.used`,
		key.String(), info.Size(), now, now)
	if err != nil {
		return "", false, fault.Wrap(ErrIndex, err)
	}

	return path, true, nil
}

// Stores a layer under entry.Key.
//
// write is called with the path it must create. The result is moved into
// place only after write succeeds. If another writer stored the same key
// first, its layer is kept and this one is discarded.
func (s *Store) Put(ctx context.Context, entry Entry, write func(path string) error) (string, error) {
	final := filepath.Dir(s.path(entry.Key))
	parent := filepath.Dir(final)

	if err := os.MkdirAll(parent, paths.DefaultDirMode); err != nil {
		return "", fault.Wrap(ErrEntry, err)
	}

	tmp, err := os.MkdirTemp(parent, "tmp-"+entry.Key.Encoded()+"-")
	if err != nil {
		return "", fault.Wrap(ErrEntry, err)
	}
	defer os.RemoveAll(tmp)

	if err := write(filepath.Join(tmp, layerFile)); err != nil {
		return "", err
	}

	info, err := os.Stat(filepath.Join(tmp, layerFile))
	if err != nil {
		return "", fault.Wrap(ErrEntry, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		if _, statErr := os.Stat(s.path(entry.Key)); statErr != nil {
			return "", fault.Wrap(ErrEntry, err)
		}
		slog.Debug("layer already stored", "key", entry.Key)
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO layers (key, stage, step, engine, platform, size, created, used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Key.String(), entry.Stage, entry.Step, entry.Engine, entry.Platform,
		info.Size(), now.UnixNano(), now.UnixNano())
	if err != nil {
		return "", fault.Wrap(ErrIndex, err)
	}

	return s.path(entry.Key), nil
}

// Returns all indexed entries, most recently used first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, stage, step, engine, platform, size, created, used
		FROM layers ORDER BY used DESC, key`)
	if err != nil {
		return nil, fault.Wrap(ErrIndex, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e             Entry
			key           string
			created, used int64
		)
		if err := rows.Scan(&key, &e.Stage, &e.Step, &e.Engine, &e.Platform, &e.Size, &created, &used); err != nil {
			return nil, fault.Wrap(ErrIndex, err)
		}
		e.Key = digest.Digest(key)
		e.Created = time.Unix(0, created)
		e.Used = time.Unix(0, used)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(ErrIndex, err)
	}
	return entries, nil
}

// Removes entries by age and then by total size.
func (s *Store) Prune(ctx context.Context, opts PruneOptions) (*PruneResult, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	result := &PruneResult{}
	cutoff := s.now().Add(-opts.OlderThan)

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	// Entries are ordered most recently used first; walk from the back.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]

		expired := opts.OlderThan > 0 && e.Used.Before(cutoff)
		oversize := opts.MaxBytes > 0 && total > opts.MaxBytes
		if !expired && !oversize {
			continue
		}

		if err := s.remove(ctx, e.Key); err != nil {
			return result, err
		}
		total -= e.Size
		result.Removed++
		result.Freed += e.Size
	}

	return result, nil
}

// Returns the recorded content digest of path in the stage whose final key
// is source.
//
// A stage's final key fixes its filesystem, so the digest of any path in it
// never changes once recorded.
func (s *Store) CopyDigest(ctx context.Context, source digest.Digest, path string) (digest.Digest, bool, error) {
	var d string
	err := s.db.QueryRowContext(ctx,
		"SELECT digest FROM copies WHERE source = ? AND path = ?",
		source.String(), path).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fault.Wrap(ErrIndex, err)
	}
	return digest.Digest(d), true, nil
}

// Records the content digest of path in the stage whose final key is source.
func (s *Store) RecordCopy(ctx context.Context, source digest.Digest, path string, d digest.Digest) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO copies (source, path, digest) VALUES (?, ?, ?)",
		source.String(), path, d.String())
	return fault.Wrap(ErrIndex, err)
}

// Deletes an entry's files and index rows.
func (s *Store) remove(ctx context.Context, key digest.Digest) error {
	if err := os.RemoveAll(filepath.Dir(s.path(key))); err != nil {
		return fault.Wrap(ErrEntry, err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM layers WHERE key = ?", key.String()); err != nil {
		return fault.Wrap(ErrIndex, err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM copies WHERE source = ?", key.String()); err != nil {
		return fault.Wrap(ErrIndex, err)
	}
	return nil
}

// Path of the layer archive for key.
func (s *Store) path(key digest.Digest) string {
	hex := key.Encoded()
	return filepath.Join(paths.Layers(s.dir), hex[:2], hex, layerFile)
}
