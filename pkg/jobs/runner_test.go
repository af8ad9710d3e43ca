package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/council-works/council/pkg/config"
)

type handlerMap struct {
	mu sync.Mutex
	m  map[string]Handler
}

func (h *handlerMap) Handler(jobType string) (Handler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, ok := h.m[jobType]
	return fn, ok
}

func newTestRunner(t *testing.T, handlers map[string]Handler) (*Runner, *Store) {
	t.Helper()
	store := newTestStore(t)
	cfg := &config.RunnerConfig{
		WorkerCount:             2,
		PollInterval:            20 * time.Millisecond,
		GracefulShutdownTimeout: 2 * time.Second,
	}
	r := NewRunner(store, cfg, nil)
	r.SetHandlers(&handlerMap{m: handlers})
	return r, store
}

func waitForStatus(t *testing.T, store *Store, jobID string, want Status) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), jobID)
		if err != nil || j == nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

func TestRunnerExecutesJob(t *testing.T) {
	r, store := newTestRunner(t, map[string]Handler{
		"web_search": func(ctx context.Context, job *Job, progress ProgressFunc) (map[string]any, error) {
			require.NoError(t, progress(0.5))
			return map[string]any{"ok": true, "summary": "done"}, nil
		},
	})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	job, err := r.CreateAndEnqueue(context.Background(), "web_search", map[string]any{"q": "go"}, "conv", "", 0, false)
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, StatusSucceeded)
	assert.Equal(t, 1.0, done.Progress)
	assert.Equal(t, "done", done.Result["summary"])
}

func TestRunnerFailsUnknownType(t *testing.T) {
	r, store := newTestRunner(t, map[string]Handler{})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	job, err := r.CreateAndEnqueue(context.Background(), "mystery", nil, "", "", 0, false)
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, StatusFailed)
	assert.Contains(t, done.Error, "unknown job type")
}

func TestRunnerToolReportedFailure(t *testing.T) {
	r, store := newTestRunner(t, map[string]Handler{
		"web_search": func(context.Context, *Job, ProgressFunc) (map[string]any, error) {
			return map[string]any{"ok": false, "error": "engine unavailable"}, nil
		},
	})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	job, err := r.CreateAndEnqueue(context.Background(), "web_search", nil, "", "", 0, false)
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, StatusFailed)
	assert.Equal(t, "engine unavailable", done.Error)
}

func TestRunnerRetriesWithBackoff(t *testing.T) {
	var calls int
	var mu sync.Mutex
	r, store := newTestRunner(t, map[string]Handler{
		"web_search": func(context.Context, *Job, ProgressFunc) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil, fmt.Errorf("flaky")
		},
	})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	job, err := r.CreateAndEnqueue(context.Background(), "web_search", nil, "", "", 2, false)
	require.NoError(t, err)

	// after the first failure the job is queued for retry with a deferral
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), job.ID)
		return err == nil && j != nil && j.Attempts >= 1
	}, 5*time.Second, 10*time.Millisecond)

	j, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	if j.Status == StatusQueued {
		assert.Greater(t, j.RunAfterTS, 0.0, "retry is deferred")
		assert.Equal(t, "flaky", j.Error)
	}
}

func TestRunnerCancellationViaProgress(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	r, store := newTestRunner(t, map[string]Handler{
		"kb_index": func(ctx context.Context, job *Job, progress ProgressFunc) (map[string]any, error) {
			started <- job.ID
			<-release
			// the handler polls cancellation at batch granularity
			if err := progress(0.5); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil
		},
	})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	job, err := r.CreateAndEnqueue(context.Background(), "kb_index", nil, "", "", 0, false)
	require.NoError(t, err)

	jobID := <-started
	ok, err := r.Cancel(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, ok)
	close(release)

	done := waitForStatus(t, store, job.ID, StatusCanceled)
	assert.Empty(t, done.Error)
}

func TestRunnerPayloadTimeout(t *testing.T) {
	r, store := newTestRunner(t, map[string]Handler{
		"web_search": func(ctx context.Context, job *Job, progress ProgressFunc) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	job, err := r.CreateAndEnqueue(context.Background(), "web_search",
		map[string]any{"timeout_seconds": 0.05}, "", "", 0, false)
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, StatusFailed)
	assert.Equal(t, "timeout", done.Error)
}

func TestCreateAndEnqueueTTLReuse(t *testing.T) {
	r, store := newTestRunner(t, map[string]Handler{})
	ctx := context.Background()

	// complete a web_search job manually; its TTL is 300s
	first, err := r.CreateAndEnqueue(ctx, "web_search", map[string]any{"q": "go"}, "conv", "", 0, false)
	require.NoError(t, err)
	succeeded := StatusSucceeded
	_, err = store.UpdateJob(ctx, first.ID, Update{Status: &succeeded, Result: map[string]any{"summary": "s"}})
	require.NoError(t, err)

	second, err := r.CreateAndEnqueue(ctx, "web_search", map[string]any{"q": "go"}, "conv", "", 0, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "fresh succeeded result is reused within TTL")

	third, err := r.CreateAndEnqueue(ctx, "web_search", map[string]any{"q": "go"}, "conv", "", 0, true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID, "force_new bypasses reuse")

	// kg_extract has no TTL; succeeded results are never reused
	kg, err := r.CreateAndEnqueue(ctx, "kg_extract", map[string]any{"text": "t"}, "conv", "", 0, false)
	require.NoError(t, err)
	_, err = store.UpdateJob(ctx, kg.ID, Update{Status: &succeeded})
	require.NoError(t, err)
	kg2, err := r.CreateAndEnqueue(ctx, "kg_extract", map[string]any{"text": "t"}, "conv", "", 0, false)
	require.NoError(t, err)
	assert.NotEqual(t, kg.ID, kg2.ID)
}

func TestDefaultIdempotencyKeyStable(t *testing.T) {
	a := DefaultIdempotencyKey("web_search", "c1", map[string]any{"q": "go", "n": 3})
	b := DefaultIdempotencyKey("web_search", "c1", map[string]any{"n": 3, "q": "go"})
	c := DefaultIdempotencyKey("web_search", "c2", map[string]any{"q": "go", "n": 3})
	assert.Equal(t, a, b, "key order does not matter")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 40)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 4*time.Second, backoffDelay(1))
	assert.Equal(t, 8*time.Second, backoffDelay(2))
	assert.Equal(t, 30*time.Minute, backoffDelay(14), "capped at 30 minutes")
	assert.Equal(t, 30*time.Minute, backoffDelay(100))
}

func TestCrashRecoveryOnStart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "j1", "web_search", "")
	_, err := store.ClaimJob(ctx, "j1")
	require.NoError(t, err)

	cfg := &config.RunnerConfig{WorkerCount: 1, PollInterval: 20 * time.Millisecond, GracefulShutdownTimeout: time.Second}
	r := NewRunner(store, cfg, nil)
	r.SetHandlers(&handlerMap{m: map[string]Handler{
		"web_search": func(context.Context, *Job, ProgressFunc) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}})
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	waitForStatus(t, store, "j1", StatusSucceeded)
}
