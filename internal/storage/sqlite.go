package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// maxBackoff bounds the retry delay so a job with many attempts left
// does not disappear for hours.
const maxBackoff = 5 * time.Minute

// Store wraps a SQLite database with methods for messages, buffers,
// cases, and the job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "deja.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection sidesteps "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Contended access waits up to the busy timeout instead of failing outright.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL keeps readers unblocked while the workers write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle for raw queries in tests
// and tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies any embedded SQL migrations not yet recorded in schema_version.
func (s *Store) migrate() error {
	// Bootstrap the version table itself.
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Filename order is application order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations lists applied migration versions, ascending.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Messages ---

// SaveMessage inserts a message or, when the id already exists, refreshes
// the mutable fields. Re-running ingestion for the same message overwrites
// the annotated content instead of failing.
func (s *Store) SaveMessage(m Message) error {
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("encoding attachments: %w", err)
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO messages (id, group_id, sender_fp, ts, text, content_text, reply_to_id, attachments_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_text = excluded.content_text,
			attachments_json = excluded.attachments_json`,
		m.ID, m.GroupID, m.SenderFP, m.Timestamp.UTC().Format(time.RFC3339), m.Text,
		m.ContentText, m.ReplyToID, string(attachments), createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetMessage(id string) (Message, error) {
	var m Message
	var ts, createdAt, attachments string
	err := s.db.QueryRow(`
		SELECT id, group_id, sender_fp, ts, text, content_text, reply_to_id, attachments_json, created_at
		FROM messages WHERE id = ?`, id,
	).Scan(&m.ID, &m.GroupID, &m.SenderFP, &ts, &m.Text, &m.ContentText, &m.ReplyToID, &attachments, &createdAt)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	if m.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
		return Message{}, fmt.Errorf("parsing ts: %w", err)
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Message{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return Message{}, fmt.Errorf("decoding attachments: %w", err)
	}
	return m, nil
}

func (s *Store) CountMessages() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n)
	return n, err
}

// --- Buffers ---

// GetBuffer returns the conversation buffer for a group. A group with no
// buffer yet reads as the empty string.
func (s *Store) GetBuffer(groupID string) (string, error) {
	var content string
	err := s.db.QueryRow("SELECT content FROM buffers WHERE group_id = ?", groupID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return content, err
}

func (s *Store) SetBuffer(groupID, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO buffers (group_id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		groupID, content, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// --- Cases ---

func (s *Store) SaveCase(c Case) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	evidence, err := json.Marshal(c.EvidenceIDs)
	if err != nil {
		return fmt.Errorf("encoding evidence ids: %w", err)
	}
	images, err := json.Marshal(c.ImagePaths)
	if err != nil {
		return fmt.Errorf("encoding image paths: %w", err)
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO cases (id, group_id, title, problem_summary, resolution_summary, status, tags_json, evidence_ids_json, image_paths_json, source_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.GroupID, c.Title, c.ProblemSummary, c.ResolutionSummary, c.Status,
		string(tags), string(evidence), string(images), c.SourceMessageID,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetCase(id string) (Case, error) {
	row := s.db.QueryRow(`
		SELECT id, group_id, title, problem_summary, resolution_summary, status, tags_json, evidence_ids_json, image_paths_json, source_message_id, created_at
		FROM cases WHERE id = ?`, id,
	)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return Case{}, ErrNotFound
	}
	return c, err
}

// ListGroupCases returns the most recent cases for a group, newest first.
func (s *Store) ListGroupCases(groupID string, limit int) ([]Case, error) {
	rows, err := s.db.Query(`
		SELECT id, group_id, title, problem_summary, resolution_summary, status, tags_json, evidence_ids_json, image_paths_json, source_message_id, created_at
		FROM cases WHERE group_id = ? ORDER BY created_at DESC LIMIT ?`, groupID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCases(rows)
}

// ListAllCases returns every stored case. The vector index is rebuilt
// from this listing.
func (s *Store) ListAllCases() ([]Case, error) {
	rows, err := s.db.Query(`
		SELECT id, group_id, title, problem_summary, resolution_summary, status, tags_json, evidence_ids_json, image_paths_json, source_message_id, created_at
		FROM cases ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCases(rows)
}

// HasCaseForMessage reports whether an extraction triggered by the given
// message already produced a case. Used to keep BUFFER_UPDATE retries
// from admitting the same conversation twice.
func (s *Store) HasCaseForMessage(messageID string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM cases WHERE source_message_id = ?", messageID).Scan(&n)
	return n > 0, err
}

func (s *Store) CountCases() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM cases").Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(row scanner) (Case, error) {
	var c Case
	var tags, evidence, images, createdAt string
	err := row.Scan(&c.ID, &c.GroupID, &c.Title, &c.ProblemSummary, &c.ResolutionSummary,
		&c.Status, &tags, &evidence, &images, &c.SourceMessageID, &createdAt)
	if err != nil {
		return Case{}, err
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return Case{}, fmt.Errorf("decoding tags: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &c.EvidenceIDs); err != nil {
		return Case{}, fmt.Errorf("decoding evidence ids: %w", err)
	}
	if err := json.Unmarshal([]byte(images), &c.ImagePaths); err != nil {
		return Case{}, fmt.Errorf("decoding image paths: %w", err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Case{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

func collectCases(rows *sql.Rows) ([]Case, error) {
	var results []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Jobs ---

// EnqueueJob inserts a pending job. When the job carries a dedupe key
// that already exists the insert is silently skipped and false is
// returned, so at-least-once delivery cannot double-enqueue work.
func (s *Store) EnqueueJob(job Job) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	var dedupe sql.NullString
	if job.DedupeKey != "" {
		dedupe = sql.NullString{String: job.DedupeKey, Valid: true}
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO jobs (id, type, group_id, payload_json, dedupe_key, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.GroupID, job.PayloadJSON, dedupe, maxAttempts, runAfter, now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimNextJob atomically selects and marks running the oldest runnable
// job. A job is runnable when it is pending, its run_after has passed,
// nothing from its group is currently running, and it is the oldest
// pending job of its group. A group whose head is backing off therefore
// waits without holding up other groups.
func (s *Store) ClaimNextJob() (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var dedupe, lastError sql.NullString
	var runAfter, createdAt, updatedAt string
	err = tx.QueryRow(`
		SELECT seq, id, type, group_id, payload_json, dedupe_key, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs j
		WHERE j.status = 'pending'
		  AND j.run_after <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM jobs r WHERE r.group_id = j.group_id AND r.status = 'running'
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM jobs o WHERE o.group_id = j.group_id AND o.status = 'pending' AND o.seq < j.seq
		  )
		ORDER BY j.seq ASC
		LIMIT 1`, now,
	).Scan(
		&j.Seq, &j.ID, &j.Type, &j.GroupID, &j.PayloadJSON, &dedupe, &j.Status,
		&j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	j.DedupeKey = dedupe.String
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'done', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is rescheduled with
// exponential backoff until max_attempts, then marked dead. A dead job
// stops blocking its group.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'dead', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) GetJob(id string) (Job, error) {
	var j Job
	var dedupe, lastError sql.NullString
	var runAfter, createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT seq, id, type, group_id, payload_json, dedupe_key, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id,
	).Scan(
		&j.Seq, &j.ID, &j.Type, &j.GroupID, &j.PayloadJSON, &dedupe, &j.Status,
		&j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.DedupeKey = dedupe.String
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after: %w", err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return j, nil
}

// ListDeadJobs returns dead-lettered jobs, oldest first.
func (s *Store) ListDeadJobs(limit int) ([]Job, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, type, group_id, payload_json, dedupe_key, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE status = 'dead' ORDER BY seq ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		var j Job
		var dedupe, lastError sql.NullString
		var runAfter, createdAt, updatedAt string
		if err := rows.Scan(
			&j.Seq, &j.ID, &j.Type, &j.GroupID, &j.PayloadJSON, &dedupe, &j.Status,
			&j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError,
		); err != nil {
			return nil, err
		}
		j.DedupeKey = dedupe.String
		j.LastError = lastError.String
		if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
			return nil, fmt.Errorf("parsing run_after: %w", err)
		}
		if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

// RetryJob moves a dead job back to pending with its attempts reset.
func (s *Store) RetryJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'pending', attempts = 0, run_after = ?, updated_at = ?
		WHERE id = ? AND status = 'dead'`, now, now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status string
		err := s.db.QueryRow("SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s is %s, not dead", id, status)
	}
	return nil
}

// CountJobs returns the number of jobs per status.
func (s *Store) CountJobs() (map[string]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
