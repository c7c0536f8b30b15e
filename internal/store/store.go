// Package store provides the persistent, deduplicated post corpus and
// target registry backing the fetch orchestration engine.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nitterfetch/nitterfetch/internal/model"
)

// Store wraps a single SQLite connection behind a process-wide mutex,
// serializing every operation so dedupe on Post.ID stays exact under
// concurrent callers (the Scheduler's cycle and an inbound on-demand
// fetch request).
type Store struct {
	mu   sync.Mutex
	conn *sql.DB
	log  *zap.Logger
}

// New opens or creates a SQLite database at path and applies the schema.
func New(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	s := &Store{conn: conn, log: log}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.log.Info("store opened", zap.String("path", path))
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS targets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		poll_interval_seconds INTEGER NOT NULL,
		last_fetched_id TEXT,
		last_fetched_at TEXT
	);
	CREATE TABLE IF NOT EXISTS tweets (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		content TEXT,
		created_at TEXT,
		raw TEXT,
		fetched_at TEXT,
		instance TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tweets_target ON tweets(target);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// AddTarget inserts a new target and returns its assigned id.
func (s *Store) AddTarget(kind model.TargetKind, value string, intervalSeconds int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.conn.Exec(
		"INSERT INTO targets (type, value, poll_interval_seconds) VALUES (?, ?, ?)",
		string(kind), value, intervalSeconds,
	)
	if err != nil {
		return 0, fmt.Errorf("add target: %w", err)
	}
	return res.LastInsertId()
}

// DeleteTarget removes a target. Idempotent: deleting an absent id is not an error.
func (s *Store) DeleteTarget(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec("DELETE FROM targets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	return nil
}

// GetTarget returns a single target by id, or nil if absent.
func (s *Store) GetTarget(id int64) (*model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.conn.QueryRow(
		"SELECT id, type, value, poll_interval_seconds, last_fetched_id, last_fetched_at FROM targets WHERE id = ?",
		id,
	)
	t, err := scanTarget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// GetTargets returns every target ordered by id ascending.
func (s *Store) GetTargets() ([]model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(
		"SELECT id, type, value, poll_interval_seconds, last_fetched_id, last_fetched_at FROM targets ORDER BY id ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("get targets: %w", err)
	}
	defer rows.Close()

	var targets []model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTarget(row scannable) (*model.Target, error) {
	var t model.Target
	var kind string
	var lastID, lastAt sql.NullString
	if err := row.Scan(&t.ID, &kind, &t.Value, &t.PollIntervalSeconds, &lastID, &lastAt); err != nil {
		return nil, err
	}
	t.Kind = model.TargetKind(kind)
	t.LastFetchedID = lastID.String
	t.LastFetchedAt = lastAt.String
	return &t, nil
}

// UpsertPost inserts a post if its id is not already present. Returns true
// iff a new row was inserted.
func (s *Store) UpsertPost(p model.Post) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.conn.Exec(
		`INSERT OR IGNORE INTO tweets (id, target, content, created_at, raw, fetched_at, instance)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Target, p.Content, p.CreatedAt, p.Raw, p.FetchedAt, p.Instance,
	)
	if err != nil {
		return false, fmt.Errorf("upsert post: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert post rows affected: %w", err)
	}
	return affected > 0, nil
}

// UpdateTargetFetchState records the most recently observed post id and
// the wall-clock time of the fetch that produced it.
func (s *Store) UpdateTargetFetchState(id int64, lastPostID, lastAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(
		"UPDATE targets SET last_fetched_id = ?, last_fetched_at = ? WHERE id = ?",
		nullableString(lastPostID), lastAt, id,
	)
	if err != nil {
		return fmt.Errorf("update target fetch state: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// GetPostsFilter narrows GetPosts. A zero value applies no filter and the
// default limit of 50 rows.
type GetPostsFilter struct {
	Target string // exact match on the composite "kind:value" key
	Query  string // case-insensitive substring match on content
	Limit  int
}

// GetPosts returns posts ordered by created_at descending, optionally
// filtered by target and a substring search on content, with limit applied
// last.
func (s *Store) GetPosts(f GetPostsFilter) ([]model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlStr := "SELECT id, target, content, created_at, raw, fetched_at, instance FROM tweets"
	var conditions []string
	var args []interface{}
	if f.Target != "" {
		conditions = append(conditions, "target = ?")
		args = append(args, f.Target)
	}
	if f.Query != "" {
		conditions = append(conditions, "content LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.Query)+"%")
	}
	if len(conditions) > 0 {
		sqlStr += " WHERE " + strings.Join(conditions, " AND ")
	}
	sqlStr += " ORDER BY datetime(created_at) DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	sqlStr += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.conn.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("get posts: %w", err)
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		var p model.Post
		if err := rows.Scan(&p.ID, &p.Target, &p.Content, &p.CreatedAt, &p.Raw, &p.FetchedAt, &p.Instance); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}

// ExportPosts streams every row as a JSON-line string, newest first,
// invoking yield for each one. Iteration stops early if yield returns
// false. raw is re-materialized as a structured object (empty object if
// unparsable), matching the JSONL export contract.
func (s *Store) ExportPosts(yield func(line string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(
		"SELECT id, target, content, created_at, raw, fetched_at, instance FROM tweets ORDER BY datetime(created_at) DESC",
	)
	if err != nil {
		return fmt.Errorf("export posts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.Post
		if err := rows.Scan(&p.ID, &p.Target, &p.Content, &p.CreatedAt, &p.Raw, &p.FetchedAt, &p.Instance); err != nil {
			return fmt.Errorf("scan post: %w", err)
		}
		var raw interface{}
		if err := json.Unmarshal([]byte(p.Raw), &raw); err != nil {
			raw = map[string]interface{}{}
		}
		line, err := json.Marshal(map[string]interface{}{
			"id":         p.ID,
			"target":     p.Target,
			"content":    p.Content,
			"created_at": p.CreatedAt,
			"raw":        raw,
			"fetched_at": p.FetchedAt,
			"instance":   p.Instance,
		})
		if err != nil {
			return fmt.Errorf("marshal export line: %w", err)
		}
		if !yield(string(line)) {
			break
		}
	}
	return rows.Err()
}

// Prune retains, per distinct target, only the maxPerTarget most recent
// rows by created_at; older rows are deleted. Ties are resolved arbitrarily.
func (s *Store) Prune(maxPerTarget int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query("SELECT DISTINCT target FROM tweets")
	if err != nil {
		return fmt.Errorf("prune: list targets: %w", err)
	}
	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return fmt.Errorf("prune: scan target: %w", err)
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, target := range targets {
		_, err := s.conn.Exec(
			`DELETE FROM tweets
			 WHERE target = ? AND id NOT IN (
				SELECT id FROM tweets WHERE target = ? ORDER BY datetime(created_at) DESC LIMIT ?
			 )`,
			target, target, maxPerTarget,
		)
		if err != nil {
			return fmt.Errorf("prune target %q: %w", target, err)
		}
	}
	return nil
}
