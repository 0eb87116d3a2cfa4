package report

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// History persists serialized reports in a SQLite database.
type History struct {
	db *sql.DB
}

// Entry is one stored report with the hash and destination it was run for.
type Entry struct {
	ID       uuid.UUID
	Hash     string
	SaveTo   string
	Report   *Report
	Recorded time.Time
}

// OpenHistory opens (or creates) the database at path.
func OpenHistory(path string) (*History, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history: %w", err)
	}
	h := &History{db: db}
	if err := h.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return h, nil
}

func (h *History) migrate() error {
	_, err := h.db.Exec(`
CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    hash TEXT NOT NULL,
    save_to TEXT NOT NULL,
    failed INTEGER NOT NULL,
    data BLOB NOT NULL,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS reports_hash ON reports(hash);
`)
	return err
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// Append stores r.
func (h *History) Append(fileHash, saveTo string, r *Report, now time.Time) error {
	data, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	failed := 0
	if r.IsFailed() {
		failed = 1
	}
	_, err = h.db.Exec(
		`INSERT INTO reports (id, hash, save_to, failed, data, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID.String(), fileHash, saveTo, failed, data, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append report: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty fileHash
// matches every entry.
func (h *History) Recent(fileHash string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.Query(
		`SELECT id, hash, save_to, data, recorded_at FROM reports
         WHERE ? = '' OR hash = ?
         ORDER BY recorded_at DESC, rowid DESC LIMIT ?`,
		fileHash, fileHash, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			id, hash, saveTo string
			data             []byte
			recorded         int64
		)
		if err := rows.Scan(&id, &hash, &saveTo, &data, &recorded); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", id, err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("report id %q: %w", id, err)
		}
		r.ID = parsed
		out = append(out, Entry{ID: parsed, Hash: hash, SaveTo: saveTo, Report: r, Recorded: time.UnixMilli(recorded)})
	}
	return out, rows.Err()
}

// FailureCount returns how many stored reports failed.
func (h *History) FailureCount() (int, error) {
	var n int
	if err := h.db.QueryRow(`SELECT COUNT(*) FROM reports WHERE failed = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return n, nil
}
