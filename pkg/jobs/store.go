// Package jobs is the persistent background-work queue: an embedded
// SQLite store of jobs plus a worker runner with per-type concurrency
// caps, retries, cooperative cancellation and crash recovery. Job
// results feed back into later conversation turns.
package jobs

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Status is a job lifecycle state. Terminal states are sticky.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Job is one persisted unit of background work.
type Job struct {
	ID             string         `json:"id"`
	Type           string         `json:"job_type"`
	Status         Status         `json:"status"`
	ConversationID string         `json:"conversation_id"`
	Payload        map[string]any `json:"payload"`
	Progress       float64        `json:"progress"`
	Result         map[string]any `json:"result"`
	Error          string         `json:"error"`
	IdempotencyKey string         `json:"idempotency_key"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	RunAfterTS     float64        `json:"run_after_ts"`
	Injected       bool           `json:"injected"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// Update describes a partial job update; nil fields are untouched.
type Update struct {
	Status      *Status
	Progress    *float64
	Result      map[string]any
	Error       *string
	Injected    *bool
	Attempts    *int
	MaxAttempts *int
	RunAfterTS  *float64
}

// Listener receives job snapshots on notable changes.
type Listener func(job *Job)

type notifyState struct {
	status Status
	bucket int
}

// Store is the SQLite-backed job queue state.
type Store struct {
	db *sql.DB

	mu         sync.Mutex
	listeners  []Listener
	lastNotify map[string]notifyState
}

// Open opens (creating if needed) the jobs database at path and
// applies pending migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create jobs directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open jobs database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate jobs database: %w", err)
	}
	return &Store{db: db, lastNotify: make(map[string]notifyState)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe registers a listener for job notifications. Listeners fire
// on status changes, result or error writes, and progress crossing a
// 5% bucket boundary.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "jobs", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if err := source.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// CreateJob inserts a queued job. When idempotencyKey matches an
// existing non-failed, non-canceled job, that job is returned instead.
func (s *Store) CreateJob(ctx context.Context, jobID, jobType, conversationID string, payload map[string]any, idempotencyKey string, maxAttempts int) (*Job, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	if maxAttempts > 20 {
		maxAttempts = 20
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey != "" {
		existing, err := s.GetByIdempotency(ctx, jobType, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Status != StatusFailed && existing.Status != StatusCanceled {
			return existing, nil
		}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	now := nowISO()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs(id,job_type,status,conversation_id,payload_json,progress,result_json,error,
		                 idempotency_key,attempts,max_attempts,run_after_ts,injected,created_at,updated_at)
		VALUES(?,?,?,?,?,0.0,'{}','',?,0,?,0,0,?,?)`,
		jobID, jobType, StatusQueued, conversationID, string(payloadJSON),
		idempotencyKey, maxAttempts, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert job %s: %w", jobID, err)
	}
	return s.GetJob(ctx, jobID)
}

const jobColumns = `id,job_type,status,conversation_id,payload_json,progress,result_json,error,
	idempotency_key,attempts,max_attempts,run_after_ts,injected,created_at,updated_at`

func scanJob(scan func(...any) error) (*Job, error) {
	var j Job
	var payloadJSON, resultJSON string
	var injected int
	err := scan(&j.ID, &j.Type, &j.Status, &j.ConversationID, &payloadJSON, &j.Progress,
		&resultJSON, &j.Error, &j.IdempotencyKey, &j.Attempts, &j.MaxAttempts,
		&j.RunAfterTS, &injected, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Injected = injected != 0
	if err := json.Unmarshal([]byte(payloadJSON), &j.Payload); err != nil || j.Payload == nil {
		j.Payload = map[string]any{}
	}
	if err := json.Unmarshal([]byte(resultJSON), &j.Result); err != nil || j.Result == nil {
		j.Result = map[string]any{}
	}
	return &j, nil
}

// GetJob returns a job by id, or nil when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, jobID)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return j, nil
}

// GetByIdempotency returns the most recent job with the given type and
// idempotency key, or nil.
func (s *Store) GetByIdempotency(ctx context.Context, jobType, idempotencyKey string) (*Job, error) {
	jobType = strings.TrimSpace(jobType)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if jobType == "" || idempotencyKey == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_type=? AND idempotency_key=?
		 ORDER BY created_at DESC LIMIT 1`, jobType, idempotencyKey)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job by idempotency: %w", err)
	}
	return j, nil
}

// ListJobs lists jobs, newest updates first, optionally filtered by
// conversation and status.
func (s *Store) ListJobs(ctx context.Context, conversationID string, status Status, limit int) ([]*Job, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	var conds []string
	var params []any
	if conversationID != "" {
		conds = append(conds, "conversation_id=?")
		params = append(params, conversationID)
	}
	if status != "" {
		conds = append(conds, "status=?")
		params = append(params, status)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	params = append(params, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs `+where+` ORDER BY updated_at DESC LIMIT ?`, params...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJob applies a partial update and fires notifications.
func (s *Store) UpdateJob(ctx context.Context, jobID string, u Update) (bool, error) {
	var fields []string
	var params []any
	if u.Status != nil {
		fields = append(fields, "status=?")
		params = append(params, *u.Status)
	}
	if u.Progress != nil {
		fields = append(fields, "progress=?")
		params = append(params, *u.Progress)
	}
	if u.Result != nil {
		resultJSON, err := json.Marshal(u.Result)
		if err != nil {
			return false, fmt.Errorf("marshal result: %w", err)
		}
		fields = append(fields, "result_json=?")
		params = append(params, string(resultJSON))
	}
	if u.Error != nil {
		fields = append(fields, "error=?")
		params = append(params, *u.Error)
	}
	if u.Injected != nil {
		fields = append(fields, "injected=?")
		params = append(params, boolInt(*u.Injected))
	}
	if u.Attempts != nil {
		fields = append(fields, "attempts=?")
		params = append(params, maxInt(0, *u.Attempts))
	}
	if u.MaxAttempts != nil {
		fields = append(fields, "max_attempts=?")
		params = append(params, maxInt(0, *u.MaxAttempts))
	}
	if u.RunAfterTS != nil {
		v := *u.RunAfterTS
		if v < 0 {
			v = 0
		}
		fields = append(fields, "run_after_ts=?")
		params = append(params, v)
	}
	if len(fields) == 0 {
		return false, nil
	}
	fields = append(fields, "updated_at=?")
	params = append(params, nowISO(), jobID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(fields, ", ")+` WHERE id=?`, params...)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	s.notify(ctx, jobID, u)
	return true, nil
}

func (s *Store) notify(ctx context.Context, jobID string, u Update) {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	p := job.Progress
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	bucket := int(p * 20) // 5% buckets

	s.mu.Lock()
	last, seen := s.lastNotify[job.ID]
	should := false
	if u.Status != nil && (!seen || last.status != job.Status) {
		should = true
	}
	if u.Result != nil || u.Error != nil {
		should = true
	}
	if u.Progress != nil && (!seen || last.bucket != bucket) {
		should = true
	}
	if should {
		s.lastNotify[job.ID] = notifyState{status: job.Status, bucket: bucket}
	}
	s.mu.Unlock()

	if !should {
		return
	}
	for _, l := range listeners {
		l(job)
	}
}

// CancelJob marks a non-terminal job canceled. Returns false when the
// job is missing or already terminal.
func (s *Store) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil || job.Status.Terminal() {
		return false, nil
	}
	status := StatusCanceled
	return s.UpdateJob(ctx, jobID, Update{Status: &status})
}

// ClaimJob atomically transitions queued to running. A false return
// means another worker won the claim or the job left the queued state.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, updated_at=? WHERE id=? AND status=?`,
		StatusRunning, nowISO(), jobID, StatusQueued)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueJob atomically moves a running job back to queued. A false
// return means the job left the running state, so a concurrent cancel
// (or any terminal transition) wins.
func (s *Store) RequeueJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, updated_at=? WHERE id=? AND status=?`,
		StatusQueued, nowISO(), jobID, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueRunningJobs moves jobs stuck in running back to queued.
// Called once on startup for crash recovery.
func (s *Store) RequeueRunningJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, updated_at=? WHERE status=?`,
		StatusQueued, nowISO(), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("requeue running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListReadyQueuedIDs returns queued job ids whose run_after_ts has
// passed, in insertion order.
func (s *Store) ListReadyQueuedIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 20000 {
		limit = 20000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status=? AND run_after_ts<=? ORDER BY created_at ASC LIMIT ?`,
		StatusQueued, float64(now.UnixNano())/1e9, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CleanupTerminalJobs deletes terminal jobs older than maxAge.
func (s *Store) CleanupTerminalJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?,?,?) AND updated_at < ?`,
		StatusSucceeded, StatusFailed, StatusCanceled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup terminal jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// InjectableSummary is one completed job result ready for prompt
// injection.
type InjectableSummary struct {
	JobID   string         `json:"job_id"`
	JobType string         `json:"job_type"`
	Summary string         `json:"summary"`
	Result  map[string]any `json:"result"`
}

// FetchInjectableSummaries returns up to limit succeeded, not yet
// injected job summaries for a conversation and marks them injected.
func (s *Store) FetchInjectableSummaries(ctx context.Context, conversationID string, limit int) ([]InjectableSummary, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, nil
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 20 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE conversation_id=? AND status=? AND injected=0
		 ORDER BY updated_at ASC LIMIT ?`,
		conversationID, StatusSucceeded, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch injectable jobs: %w", err)
	}
	var picked []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		picked = append(picked, j)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]InjectableSummary, 0, len(picked))
	injected := true
	for _, j := range picked {
		summary, _ := j.Result["summary"].(string)
		summary = strings.TrimSpace(summary)
		if summary == "" {
			summary = fmt.Sprintf("Job %s (%s) 已完成。", j.ID, j.Type)
		}
		out = append(out, InjectableSummary{JobID: j.ID, JobType: j.Type, Summary: summary, Result: j.Result})
		if _, err := s.UpdateJob(ctx, j.ID, Update{Injected: &injected}); err != nil {
			return out, err
		}
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
