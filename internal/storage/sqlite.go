package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for content packs, entities,
// campaigns, and jobs. The document index lives in the same database but is
// managed by the knowledge package through DB().
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "gamemaster.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single writer connection with a busy timeout and WAL keeps
	// concurrent readers from tripping "database is locked".
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for packages that manage their own
// tables on top of the shared database (the document index).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies any embedded migration scripts the database has not seen
// yet, in ascending filename order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	applied, err := s.AppliedMigrations()
	if err != nil {
		return fmt.Errorf("loading applied migrations: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, err := parseMigrationVersion(name)
		if err != nil {
			return err
		}
		if done[version] {
			continue
		}
		script, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := s.applyMigration(version, string(script)); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs one script and records its version in the same
// transaction.
func (s *Store) applyMigration(version int, script string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(script); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
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

// AppliedMigrations returns the list of applied migration versions in ascending order.
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

// --- Content Packs ---

func (s *Store) CreatePack(p Pack) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO content_packs (id, name, priority, active, builtin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Priority, boolToInt(p.Active), boolToInt(p.Builtin), now, now,
	)
	return err
}

func (s *Store) GetPack(id string) (Pack, error) {
	row := s.db.QueryRow(`
		SELECT id, name, priority, active, builtin, created_at, updated_at
		FROM content_packs WHERE id = ?`, id)
	return scanPack(row)
}

// ListPacks returns every installed pack ordered by ascending priority, id as
// tie-break. Inactive packs are included; filtering is the caller's concern.
func (s *Store) ListPacks() ([]Pack, error) {
	rows, err := s.db.Query(`
		SELECT id, name, priority, active, builtin, created_at, updated_at
		FROM content_packs ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packs []Pack
	for rows.Next() {
		p, err := scanPack(rows)
		if err != nil {
			return nil, err
		}
		packs = append(packs, p)
	}
	return packs, rows.Err()
}

func (s *Store) UpdatePack(p Pack) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE content_packs SET name = ?, priority = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Priority, boolToInt(p.Active), now, p.ID,
	)
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

// DeletePack removes a pack together with its entities and indexed documents.
func (s *Store) DeletePack(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM indexed_documents WHERE pack_id = ?`, id); err != nil {
		return fmt.Errorf("deleting documents for pack %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM content_entities WHERE pack_id = ?`, id); err != nil {
		return fmt.Errorf("deleting entities for pack %s: %w", id, err)
	}
	res, err := tx.Exec(`DELETE FROM content_packs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting pack %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPack(row rowScanner) (Pack, error) {
	var p Pack
	var active, builtin int
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.Priority, &active, &builtin, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Pack{}, ErrNotFound
	}
	if err != nil {
		return Pack{}, err
	}
	p.Active = active != 0
	p.Builtin = builtin != 0
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Pack{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Pack{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Content Entities ---

// UpsertEntity inserts an entity or, when the pack already holds one with the
// same type and logical key, replaces its name, payload, and source text. The
// stored id is kept on replace so indexed documents stay attached.
func (s *Store) UpsertEntity(e content.Entity) error {
	payload := []byte("{}")
	if e.Payload != nil {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			return fmt.Errorf("encoding payload for %s/%s: %w", e.Type, e.Key, err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO content_entities (id, pack_id, entity_type, logical_key, name, payload_json, source_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pack_id, entity_type, logical_key) DO UPDATE SET
			name = excluded.name,
			payload_json = excluded.payload_json,
			source_text = excluded.source_text,
			updated_at = excluded.updated_at`,
		e.ID, e.PackID, string(e.Type), e.Key, e.Name, string(payload), e.SourceText, now, now,
	)
	return err
}

func (s *Store) GetEntity(id string) (content.Entity, error) {
	entities, err := s.queryEntities(`
		SELECT id, pack_id, entity_type, logical_key, name, payload_json, source_text, created_at, updated_at
		FROM content_entities WHERE id = ?`, id)
	if err != nil {
		return content.Entity{}, err
	}
	if len(entities) == 0 {
		return content.Entity{}, ErrNotFound
	}
	return entities[0], nil
}

func (s *Store) FindEntity(packID string, t content.EntityType, key string) (content.Entity, error) {
	entities, err := s.queryEntities(`
		SELECT id, pack_id, entity_type, logical_key, name, payload_json, source_text, created_at, updated_at
		FROM content_entities WHERE pack_id = ? AND entity_type = ? AND logical_key = ?`,
		packID, string(t), key)
	if err != nil {
		return content.Entity{}, err
	}
	if len(entities) == 0 {
		return content.Entity{}, ErrNotFound
	}
	return entities[0], nil
}

// ListEntities returns every entity in a pack in deterministic order.
func (s *Store) ListEntities(packID string) ([]content.Entity, error) {
	return s.queryEntities(`
		SELECT id, pack_id, entity_type, logical_key, name, payload_json, source_text, created_at, updated_at
		FROM content_entities WHERE pack_id = ?
		ORDER BY entity_type ASC, logical_key ASC`, packID)
}

// ListEntitiesByKey returns the entities carrying the given type and logical
// key across all packs. Override resolution decides which one wins.
func (s *Store) ListEntitiesByKey(t content.EntityType, key string) ([]content.Entity, error) {
	return s.queryEntities(`
		SELECT id, pack_id, entity_type, logical_key, name, payload_json, source_text, created_at, updated_at
		FROM content_entities WHERE entity_type = ? AND logical_key = ?
		ORDER BY pack_id ASC`, string(t), key)
}

func (s *Store) CountEntities(packID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM content_entities WHERE pack_id = ?`, packID).Scan(&count)
	return count, err
}

func (s *Store) queryEntities(query string, args ...interface{}) ([]content.Entity, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []content.Entity
	for rows.Next() {
		var e content.Entity
		var typ, payloadJSON, createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.PackID, &typ, &e.Key, &e.Name, &payloadJSON, &e.SourceText, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		e.Type = content.EntityType(typ)
		if e.Payload, err = content.ParsePayload(e.Type, []byte(payloadJSON)); err != nil {
			return nil, fmt.Errorf("entity %s: %w", e.ID, err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for entity %s: %w", e.ID, err)
		}
		if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for entity %s: %w", e.ID, err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// --- Campaigns ---

func (s *Store) SaveCampaign(c Campaign) error {
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !c.CreatedAt.IsZero() {
		createdAt = c.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO campaigns (id, name, description, pack_priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			pack_priority = excluded.pack_priority,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Description, c.PackPriority, createdAt, now,
	)
	return err
}

func (s *Store) GetCampaign(id string) (Campaign, error) {
	var c Campaign
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, name, description, pack_priority, created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Description, &c.PackPriority, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Campaign{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Campaign{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

func (s *Store) ListCampaigns() ([]Campaign, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, pack_priority, created_at, updated_at
		FROM campaigns ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		var c Campaign
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.PackPriority, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (s *Store) DeleteCampaign(id string) error {
	res, err := s.db.Exec(`DELETE FROM campaigns WHERE id = ?`, id)
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

// --- Jobs ---

// Job status values.
const (
	jobPending   = "pending"
	jobRunning   = "running"
	jobCompleted = "completed"
	jobFailed    = "failed"
)

const jobColumns = "id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error"

const defaultMaxAttempts = 3

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, jobPending, maxAttempts, runAfter, now, now,
	)
	return err
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
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

func (s *Store) GetJob(id string) (Job, error) {
	return scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// ClaimNextJob picks the oldest runnable pending job of the given types and
// marks it running. The update re-checks the status inside the transaction,
// so two pollers can never walk away with the same job. A nil job with a nil
// error means the queue holds nothing runnable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	nowT := time.Now().UTC()
	now := nowT.Format(time.RFC3339)
	args := make([]any, 0, len(types)+2)
	args = append(args, jobPending, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = ? AND run_after <= ? AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`
	j, err := scanJob(tx.QueryRow(query, args...))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		jobRunning, now, j.ID, jobPending)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = jobRunning
	j.UpdatedAt = nowT
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, jobCompleted, now, id)
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

// FailJob counts a failed attempt. Attempts short of the cap requeue as
// pending with an exponential run_after backoff; the final attempt parks the
// job as failed with its last error.
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
		_, err = tx.Exec(`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			jobFailed, attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		runAfter := now.Add(retryBackoff(attempts))
		_, err = tx.Exec(`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			jobPending, attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// retryBackoff doubles per attempt (2s, 4s, 8s, ...) and tops out at five
// minutes.
func retryBackoff(attempts int) time.Duration {
	d := time.Duration(1<<attempts) * time.Second
	if d <= 0 || d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}
