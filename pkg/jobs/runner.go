package jobs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/council-works/council/pkg/config"
)

// ErrCancelled is raised inside handlers when their job has been
// canceled; the runner maps it to the canceled terminal state.
var ErrCancelled = errors.New("job canceled")

// ProgressFunc reports handler progress in [0,1]. It returns
// ErrCancelled when the job has been canceled, so handlers polling
// progress at batch granularity also poll cancellation.
type ProgressFunc func(p float64) error

// Handler executes one job and returns its result document. A result
// with "ok": false fails the job with the result's "error" string.
type Handler func(ctx context.Context, job *Job, progress ProgressFunc) (map[string]any, error)

// HandlerSource resolves job types to handlers. The plugin registry
// implements this; disabled tools resolve to nothing.
type HandlerSource interface {
	Handler(jobType string) (Handler, bool)
}

// Per-type defaults.
var (
	defaultTypeLimits = map[string]int{
		"kg_extract":    1,
		"kb_index":      1,
		"office_ingest": 1,
		"web_search":    2,
		"evidence_pack": 2,
		"paper_search":  2,
	}
	defaultTypeTimeouts = map[string]int{
		"kg_extract":    30 * 60,
		"kb_index":      20 * 60,
		"office_ingest": 10 * 60,
		"web_search":    5 * 60,
		"evidence_pack": 8 * 60,
		"paper_search":  5 * 60,
	}
	defaultResultTTLs = map[string]int{
		"web_search":    300,
		"evidence_pack": 600,
		"paper_search":  600,
		"kb_index":      0,
		"kg_extract":    0,
		"office_ingest": 0,
	}
)

const (
	maxTypeLimit   = 32
	maxTimeoutSecs = 24 * 60 * 60
	maxBackoff     = 30 * time.Minute
	queueCapacity  = 4096
)

// Runner executes queued jobs with a fixed worker pool. An in-process
// channel mirrors the persistent store; a dispatcher re-scans the store
// every poll interval so deferred and recovered jobs are picked up.
type Runner struct {
	store    *Store
	cfg      *config.RunnerConfig
	handlers HandlerSource
	logger   *slog.Logger

	queue    chan string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	mu           sync.Mutex
	enqueued     map[string]bool
	cancelled    map[string]bool
	activeJobs   map[string]context.CancelFunc
	typeLimits   map[string]int
	typeTimeouts map[string]int
	resultTTLs   map[string]int
	semaphores   map[string]*semaphore.Weighted
}

// NewRunner wires a runner. Call SetHandlers before Start.
func NewRunner(store *Store, cfg *config.RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:        store,
		cfg:          cfg,
		logger:       logger.With("component", "jobs.runner"),
		queue:        make(chan string, queueCapacity),
		stopCh:       make(chan struct{}),
		enqueued:     make(map[string]bool),
		cancelled:    make(map[string]bool),
		activeJobs:   make(map[string]context.CancelFunc),
		typeLimits:   copyIntMap(defaultTypeLimits),
		typeTimeouts: copyIntMap(defaultTypeTimeouts),
		resultTTLs:   copyIntMap(defaultResultTTLs),
	}
}

// SetHandlers installs the handler source.
func (r *Runner) SetHandlers(h HandlerSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = h
}

// Configure replaces per-type concurrency limits and timeouts with
// clamped values. Semaphores rebuild so new limits apply to future
// acquisitions.
func (r *Runner) Configure(typeLimits, typeTimeouts map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cleaned := cleanIntMap(typeLimits, 1, maxTypeLimit); len(cleaned) > 0 {
		r.typeLimits = cleaned
		r.semaphores = nil
	}
	if cleaned := cleanIntMap(typeTimeouts, 1, maxTimeoutSecs); len(cleaned) > 0 {
		r.typeTimeouts = cleaned
	}
}

// ConfigureResultTTLs replaces the per-type reuse TTLs.
func (r *Runner) ConfigureResultTTLs(ttls map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cleaned := cleanIntMap(ttls, 0, maxTimeoutSecs); len(cleaned) > 0 {
		r.resultTTLs = cleaned
	}
}

// Start recovers crashed jobs, loads the persisted queue and spawns
// the workers and the dispatcher. Duplicate calls are no-ops.
func (r *Runner) Start(ctx context.Context) error {
	if r.started {
		r.logger.Warn("runner already started, ignoring duplicate Start call")
		return nil
	}
	r.started = true

	requeued, err := r.store.RequeueRunningJobs(ctx)
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	if requeued > 0 {
		r.logger.Info("requeued interrupted jobs", "count", requeued)
	}
	ids, err := r.store.ListReadyQueuedIDs(ctx, time.Now(), 2000)
	if err != nil {
		return fmt.Errorf("load persisted queue: %w", err)
	}
	for _, id := range ids {
		r.Enqueue(id)
	}

	r.logger.Info("starting job runner", "workers", r.cfg.WorkerCount, "queued", len(ids))
	for i := 0; i < r.cfg.WorkerCount; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, i)
	}
	r.wg.Add(1)
	go r.dispatchLoop(ctx)
	return nil
}

// Stop signals workers to stop, cancels running jobs and waits up to
// the configured graceful shutdown timeout.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	for id, cancel := range r.activeJobs {
		r.logger.Info("cancelling running job for shutdown", "job_id", id)
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("job runner stopped gracefully")
	case <-time.After(r.cfg.GracefulShutdownTimeout):
		r.logger.Warn("job runner shutdown timed out", "timeout", r.cfg.GracefulShutdownTimeout)
	}
}

// Enqueue adds a job id to the in-process queue, deduplicating ids
// already waiting.
func (r *Runner) Enqueue(jobID string) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return
	}
	r.mu.Lock()
	if r.enqueued[jobID] {
		r.mu.Unlock()
		return
	}
	r.enqueued[jobID] = true
	r.mu.Unlock()

	select {
	case r.queue <- jobID:
	default:
		// Queue full; the dispatcher rescan will pick it up.
		r.mu.Lock()
		delete(r.enqueued, jobID)
		r.mu.Unlock()
	}
}

// CreateAndEnqueue creates a job (or reuses one per the idempotency
// rules) and makes it runnable. An empty idempotency key defaults to a
// stable hash of type, conversation and payload.
func (r *Runner) CreateAndEnqueue(ctx context.Context, jobType string, payload map[string]any, conversationID, idempotencyKey string, maxAttempts int, forceNew bool) (*Job, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = DefaultIdempotencyKey(jobType, conversationID, payload)
	}

	r.mu.Lock()
	ttl := r.resultTTLs[jobType]
	r.mu.Unlock()

	if idempotencyKey != "" && !forceNew {
		existing, err := r.store.GetByIdempotency(ctx, jobType, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.Status == StatusQueued || existing.Status == StatusRunning {
				return existing, nil
			}
			if existing.Status == StatusSucceeded && ttl > 0 {
				updatedAt, err := time.Parse(time.RFC3339Nano, existing.UpdatedAt)
				if err != nil || time.Since(updatedAt) <= time.Duration(ttl)*time.Second {
					return existing, nil
				}
			}
		}
	}

	job, err := r.store.CreateJob(ctx, strings.ReplaceAll(uuid.New().String(), "-", ""),
		jobType, conversationID, payload, idempotencyKey, maxAttempts)
	if err != nil {
		return nil, err
	}
	r.Enqueue(job.ID)
	return job, nil
}

// DefaultIdempotencyKey hashes type, conversation and the canonical
// JSON payload so identical requests collapse onto one job.
func DefaultIdempotencyKey(jobType, conversationID string, payload map[string]any) string {
	if payload == nil {
		payload = map[string]any{}
	}
	// encoding/json sorts map keys, so this is canonical.
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha1.Sum([]byte(jobType + ":" + conversationID + ":" + string(payloadJSON)))
	return hex.EncodeToString(sum[:])
}

// Cancel marks a job canceled in the store, flags it for cooperative
// polling and cancels its context if it is executing here.
func (r *Runner) Cancel(ctx context.Context, jobID string) (bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return false, nil
	}
	ok, err := r.store.CancelJob(ctx, jobID)

	r.mu.Lock()
	r.cancelled[jobID] = true
	cancel := r.activeJobs[jobID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return ok, err
}

// IsCancelled reports whether a job has been canceled, either in this
// process or in the store.
func (r *Runner) IsCancelled(ctx context.Context, jobID string) bool {
	r.mu.Lock()
	flagged := r.cancelled[jobID]
	r.mu.Unlock()
	if flagged {
		return true
	}
	job, err := r.store.GetJob(ctx, jobID)
	return err == nil && job != nil && job.Status == StatusCanceled
}

// RunnerStatus is a snapshot for the health endpoint.
type RunnerStatus struct {
	Running   bool `json:"running"`
	QueueSize int  `json:"queue_size"`
	Workers   int  `json:"workers"`
}

// Status reports the runner's current state.
func (r *Runner) Status() RunnerStatus {
	return RunnerStatus{
		Running:   r.started,
		QueueSize: len(r.queue),
		Workers:   r.cfg.WorkerCount,
	}
}

// dispatchLoop periodically rescans the store for runnable jobs so
// deferred retries and externally created jobs are picked up.
func (r *Runner) dispatchLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := r.store.ListReadyQueuedIDs(ctx, time.Now(), 2000)
			if err != nil {
				r.logger.Error("queue rescan failed", "error", err)
				continue
			}
			for _, id := range ids {
				r.Enqueue(id)
			}
		}
	}
}

func (r *Runner) workerLoop(ctx context.Context, idx int) {
	defer r.wg.Done()
	log := r.logger.With("worker_id", idx)
	log.Info("worker started")

	for {
		select {
		case <-r.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		case jobID := <-r.queue:
			r.mu.Lock()
			delete(r.enqueued, jobID)
			r.mu.Unlock()
			if err := r.process(ctx, jobID, log); err != nil {
				log.Error("job processing error", "job_id", jobID, "error", err)
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, jobID string, log *slog.Logger) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	if job.Status != StatusQueued {
		return nil
	}
	if job.RunAfterTS > 0 {
		now := float64(time.Now().UnixNano()) / 1e9
		if now < job.RunAfterTS {
			// Not ready; the dispatcher rescan re-enqueues it once due.
			return nil
		}
	}

	claimed, err := r.store.ClaimJob(ctx, jobID)
	if err != nil || !claimed {
		return err
	}
	job, err = r.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return err
	}

	r.mu.Lock()
	handlers := r.handlers
	r.mu.Unlock()
	var handler Handler
	if handlers != nil {
		handler, _ = handlers.Handler(job.Type)
	}
	if handler == nil {
		r.failJob(ctx, job, fmt.Sprintf("unknown job type: %s", job.Type))
		return nil
	}

	sem := r.typeSemaphore(job.Type)
	if err := sem.Acquire(ctx, 1); err != nil {
		// Shutdown while waiting; put the job back unless it was
		// canceled in the meantime.
		_, _ = r.store.RequeueJob(context.Background(), job.ID)
		return nil
	}
	defer sem.Release(1)

	timeout := r.effectiveTimeout(job)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.mu.Lock()
	delete(r.cancelled, job.ID)
	r.activeJobs[job.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.activeJobs, job.ID)
		delete(r.cancelled, job.ID)
		r.mu.Unlock()
	}()

	startProgress := 0.01
	empty := ""
	var zero float64
	_, _ = r.store.UpdateJob(ctx, job.ID, Update{Progress: &startProgress, Error: &empty, RunAfterTS: &zero})

	log.Info("job started", "job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts+1)

	progress := func(p float64) error {
		if r.IsCancelled(context.Background(), job.ID) {
			return fmt.Errorf("job %s: %w", job.ID, ErrCancelled)
		}
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		_, err := r.store.UpdateJob(context.Background(), job.ID, Update{Progress: &p})
		return err
	}

	result, runErr := handler(jobCtx, job, progress)
	r.finishJob(ctx, job, result, runErr, jobCtx, log)
	return nil
}

func (r *Runner) finishJob(ctx context.Context, job *Job, result map[string]any, runErr error, jobCtx context.Context, log *slog.Logger) {
	// Terminal writes use the background context; jobCtx may be done.
	bg := context.Background()

	switch {
	case runErr == nil:
		if ok, has := result["ok"].(bool); has && !ok {
			msg, _ := result["error"].(string)
			if msg == "" {
				msg = "tool failed"
			}
			failed := StatusFailed
			one := 1.0
			_, _ = r.store.UpdateJob(bg, job.ID, Update{Status: &failed, Error: &msg, Progress: &one, Result: result})
			log.Warn("job failed", "job_id", job.ID, "error", msg)
			return
		}
		if result == nil {
			result = map[string]any{}
		}
		succeeded := StatusSucceeded
		one := 1.0
		_, _ = r.store.UpdateJob(bg, job.ID, Update{Status: &succeeded, Progress: &one, Result: result})
		log.Info("job succeeded", "job_id", job.ID, "job_type", job.Type)

	case errors.Is(runErr, ErrCancelled), r.IsCancelled(bg, job.ID):
		canceled := StatusCanceled
		one := 1.0
		empty := ""
		_, _ = r.store.UpdateJob(bg, job.ID, Update{Status: &canceled, Progress: &one, Error: &empty})
		log.Info("job canceled", "job_id", job.ID)

	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		r.retryOrFail(bg, job, "timeout", log)

	default:
		r.retryOrFail(bg, job, runErr.Error(), log)
	}
}

func (r *Runner) retryOrFail(ctx context.Context, job *Job, errMsg string, log *slog.Logger) {
	if job.MaxAttempts > 0 && job.Attempts < job.MaxAttempts {
		attempts := job.Attempts + 1
		delay := backoffDelay(attempts)
		runAfter := float64(time.Now().Add(delay).UnixNano()) / 1e9
		queued := StatusQueued
		var zeroP float64
		_, _ = r.store.UpdateJob(ctx, job.ID, Update{
			Status: &queued, Progress: &zeroP, Result: map[string]any{},
			Error: &errMsg, Attempts: &attempts, RunAfterTS: &runAfter,
		})
		log.Warn("job scheduled for retry", "job_id", job.ID, "attempt", attempts, "delay", delay, "error", errMsg)
		return
	}
	r.failJob(ctx, job, errMsg)
	log.Warn("job failed", "job_id", job.ID, "error", errMsg)
}

func (r *Runner) failJob(ctx context.Context, job *Job, errMsg string) {
	failed := StatusFailed
	one := 1.0
	_, _ = r.store.UpdateJob(ctx, job.ID, Update{Status: &failed, Error: &errMsg, Progress: &one})
}

// backoffDelay is exponential with a cap: 4s, 8s, ... up to 30 min.
func backoffDelay(attempts int) time.Duration {
	exp := attempts + 1
	if exp > 15 {
		exp = 15
	}
	d := time.Duration(1<<uint(exp)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (r *Runner) effectiveTimeout(job *Job) time.Duration {
	if v, ok := job.Payload["timeout_seconds"]; ok {
		if secs, ok := toSeconds(v); ok && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	r.mu.Lock()
	secs := r.typeTimeouts[job.Type]
	r.mu.Unlock()
	if secs <= 0 {
		secs = maxTimeoutSecs
	}
	return time.Duration(secs) * time.Second
}

func (r *Runner) typeSemaphore(jobType string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.semaphores == nil {
		r.semaphores = make(map[string]*semaphore.Weighted)
	}
	if sem, ok := r.semaphores[jobType]; ok {
		return sem
	}
	limit := r.typeLimits[jobType]
	if limit < 1 {
		limit = r.cfg.WorkerCount
	}
	sem := semaphore.NewWeighted(int64(limit))
	r.semaphores[jobType] = sem
	return sem
}

func toSeconds(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func copyIntMap(src map[string]int) map[string]int {
	out := make(map[string]int, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cleanIntMap(src map[string]int, min, max int) map[string]int {
	out := make(map[string]int, len(src))
	for k, v := range src {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v < min {
			v = min
		}
		if v > max {
			v = max
		}
		out[k] = v
	}
	return out
}
