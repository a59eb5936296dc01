package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lanniny/grok2api/internal/logging"

	_ "modernc.org/sqlite"
)

// Request log rows kept after pruning.
const maxRequestLogRows = 1000

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL UNIQUE,
	tier TEXT NOT NULL DEFAULT 'standard',
	status TEXT NOT NULL DEFAULT 'active',
	remaining_quota INTEGER NOT NULL DEFAULT -1,
	remaining_heavy_quota INTEGER NOT NULL DEFAULT -1,
	cooldown_until INTEGER,
	tags TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	last_used_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_credentials_status ON credentials(status);

CREATE TABLE IF NOT EXISTS credential_failures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	credential_id INTEGER NOT NULL,
	status_code INTEGER NOT NULL,
	message TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failures_credential ON credential_failures(credential_id);

CREATE TABLE IF NOT EXISTS request_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	origin TEXT NOT NULL,
	model TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	status_code INTEGER NOT NULL,
	credential TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_log_created ON request_log(created_at);
`

// SQLiteStore is the CredentialStore backed by a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

var _ CredentialStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	logging.Store("Opening credential store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.StoreDebug("Credential store schema initialized")
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

const credentialColumns = "id, token, tier, status, remaining_quota, remaining_heavy_quota, cooldown_until, tags, created_at, last_used_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var (
		c        Credential
		cooldown sql.NullInt64
		tagsJSON string
		created  int64
		lastUsed int64
	)
	err := row.Scan(&c.ID, &c.Token, &c.Tier, &c.Status, &c.RemainingQuota,
		&c.RemainingHeavyQuota, &cooldown, &tagsJSON, &created, &lastUsed)
	if err != nil {
		return nil, err
	}
	if cooldown.Valid {
		c.CooldownUntil = fromMillis(cooldown.Int64)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for credential %d: %w", c.ID, err)
	}
	c.CreatedAt = fromMillis(created)
	c.LastUsedAt = fromMillis(lastUsed)
	return &c, nil
}

// Insert adds a credential in the active state with unknown quota.
func (s *SQLiteStore) Insert(ctx context.Context, token string, tier Tier) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (token, tier, status, remaining_quota, remaining_heavy_quota, tags, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, '[]', ?, 0)`,
		token, string(tier), string(StatusActive), QuotaUnknown, QuotaUnknown, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert credential id: %w", err)
	}

	c := &Credential{
		ID:                  id,
		Token:               token,
		Tier:                tier,
		Status:              StatusActive,
		RemainingQuota:      QuotaUnknown,
		RemainingHeavyQuota: QuotaUnknown,
		CreatedAt:           now,
	}
	logging.Store("Credential %s added (tier=%s)", c.Display(), tier)
	logging.AuditCredential(logging.AuditCredentialAdded, c.Display(), "credential added")
	return c, nil
}

// Get fetches one credential by id.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+credentialColumns+" FROM credentials WHERE id = ?", id)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// List returns every credential ordered by id.
func (s *SQLiteStore) List(ctx context.Context) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+credentialColumns+" FROM credentials ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete removes a credential and its failure history.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	defer tx.Rollback()

	var token string
	err = tx.QueryRowContext(ctx, "SELECT token FROM credentials WHERE id = ?", id).Scan(&token)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM credential_failures WHERE credential_id = ?", id); err != nil {
		return fmt.Errorf("delete credential failures: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM credentials WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	display := (&Credential{Token: token}).Display()
	logging.Store("Credential %s removed", display)
	logging.AuditCredential(logging.AuditCredentialRemoved, display, "credential removed")
	return nil
}

// TouchUsed records a selection for least-recently-used ordering.
func (s *SQLiteStore) TouchUsed(ctx context.Context, id int64, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE credentials SET last_used_at = ? WHERE id = ?", toMillis(when), id)
	if err != nil {
		return fmt.Errorf("touch credential %d: %w", id, err)
	}
	return nil
}

// SetCooldown moves the credential to cooling. Expired records are
// terminal and stay untouched.
func (s *SQLiteStore) SetCooldown(ctx context.Context, id int64, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET status = ?, cooldown_until = ? WHERE id = ? AND status <> ?`,
		string(StatusCooling), toMillis(until), id, string(StatusExpired))
	if err != nil {
		return fmt.Errorf("set cooldown for credential %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearCooldown returns a credential to active and drops its window.
func (s *SQLiteStore) ClearCooldown(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET status = ?, cooldown_until = NULL WHERE id = ? AND status <> ?`,
		string(StatusActive), id, string(StatusExpired))
	if err != nil {
		return fmt.Errorf("clear cooldown for credential %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetQuota records probe-observed remaining quota per dimension.
func (s *SQLiteStore) SetQuota(ctx context.Context, id int64, remaining, heavy int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE credentials SET remaining_quota = ?, remaining_heavy_quota = ? WHERE id = ?",
		remaining, heavy, id)
	if err != nil {
		return fmt.Errorf("set quota for credential %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus sets the lifecycle state. Expired is terminal: moving a
// record out of expired is rejected with ErrNotFound.
func (s *SQLiteStore) SetStatus(ctx context.Context, id int64, status Status) error {
	var (
		res sql.Result
		err error
	)
	if status == StatusExpired {
		res, err = s.db.ExecContext(ctx,
			"UPDATE credentials SET status = ?, cooldown_until = NULL WHERE id = ?",
			string(status), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE credentials SET status = ? WHERE id = ? AND status <> ?",
			string(status), id, string(StatusExpired))
	}
	if err != nil {
		return fmt.Errorf("set status for credential %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddTags unions tags into the record inside a transaction so two
// concurrent grants of different tags both survive.
func (s *SQLiteStore) AddTags(ctx context.Context, id int64, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add tags: %w", err)
	}
	defer tx.Rollback()

	var tagsJSON string
	err = tx.QueryRowContext(ctx, "SELECT tags FROM credentials WHERE id = ?", id).Scan(&tagsJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read tags for credential %d: %w", id, err)
	}

	var current []string
	if err := json.Unmarshal([]byte(tagsJSON), &current); err != nil {
		return fmt.Errorf("decode tags for credential %d: %w", id, err)
	}

	changed := false
	for _, tag := range tags {
		seen := false
		for _, t := range current {
			if t == tag {
				seen = true
				break
			}
		}
		if !seen {
			current = append(current, tag)
			changed = true
		}
	}
	if !changed {
		return nil
	}

	updated, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode tags for credential %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE credentials SET tags = ? WHERE id = ?", string(updated), id); err != nil {
		return fmt.Errorf("write tags for credential %d: %w", id, err)
	}
	return tx.Commit()
}

// AppendFailure records one failure observation.
func (s *SQLiteStore) AppendFailure(ctx context.Context, id int64, statusCode int, message string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO credential_failures (credential_id, status_code, message, created_at) VALUES (?, ?, ?, ?)",
		id, statusCode, message, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("append failure for credential %d: %w", id, err)
	}
	return nil
}

// Failures returns the most recent failure records, newest first.
func (s *SQLiteStore) Failures(ctx context.Context, id int64, limit int) ([]FailureRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, credential_id, status_code, message, created_at
		 FROM credential_failures WHERE credential_id = ? ORDER BY id DESC LIMIT ?`,
		id, limit)
	if err != nil {
		return nil, fmt.Errorf("list failures for credential %d: %w", id, err)
	}
	defer rows.Close()

	var out []FailureRecord
	for rows.Next() {
		var rec FailureRecord
		var created int64
		if err := rows.Scan(&rec.ID, &rec.CredentialID, &rec.StatusCode, &rec.Message, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt = fromMillis(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendRequestLog records a terminal relay outcome and prunes the
// table down to its row cap.
func (s *SQLiteStore) AppendRequestLog(ctx context.Context, rec RequestRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (origin, model, duration_ms, status_code, credential, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Origin, rec.Model, rec.Duration.Milliseconds(), rec.StatusCode, rec.Credential, rec.Error, toMillis(created))
	if err != nil {
		return fmt.Errorf("append request log: %w", err)
	}

	// OFFSET yields no row while under the cap, which makes the
	// comparison NULL and deletes nothing.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM request_log WHERE id <= (
			SELECT id FROM request_log ORDER BY id DESC LIMIT 1 OFFSET ?)`,
		maxRequestLogRows)
	if err != nil {
		logging.StoreDebug("request log prune failed: %v", err)
	}
	return nil
}

// RequestLogs returns the most recent request records, newest first.
func (s *SQLiteStore) RequestLogs(ctx context.Context, limit int) ([]RequestRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, origin, model, duration_ms, status_code, credential, error, created_at
		 FROM request_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var rec RequestRecord
		var durationMs, created int64
		if err := rows.Scan(&rec.ID, &rec.Origin, &rec.Model, &durationMs, &rec.StatusCode, &rec.Credential, &rec.Error, &created); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.CreatedAt = fromMillis(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
