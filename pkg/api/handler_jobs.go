package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/council-works/council/pkg/jobs"
)

func (s *Server) jobsUnavailable(c *gin.Context) bool {
	if s.runner == nil || s.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job runner is not available"})
		return true
	}
	return false
}

type createJobRequest struct {
	JobType        string         `json:"job_type"`
	Payload        map[string]any `json:"payload"`
	ConversationID string         `json:"conversation_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	MaxAttempts    int            `json:"max_attempts"`
	ForceNew       bool           `json:"force_new"`
}

// createJobHandler handles POST /api/jobs. The tool behind the job
// type must exist and be enabled.
func (s *Server) createJobHandler(c *gin.Context) {
	if s.jobsUnavailable(c) {
		return
	}
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	jobType := strings.TrimSpace(req.JobType)
	if jobType == "" {
		badRequest(c, "job_type is required")
		return
	}
	if s.plugins != nil && !s.plugins.Enabled(jobType) {
		badRequest(c, "tool is unknown or disabled: "+jobType)
		return
	}

	job, err := s.runner.CreateAndEnqueue(c.Request.Context(), jobType, req.Payload,
		strings.TrimSpace(req.ConversationID), req.IdempotencyKey, req.MaxAttempts, req.ForceNew)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// listJobsHandler handles GET /api/jobs with optional
// ?conversation_id=, ?status= and ?limit= filters.
func (s *Server) listJobsHandler(c *gin.Context) {
	if s.jobsUnavailable(c) {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.jobs.ListJobs(c.Request.Context(),
		c.Query("conversation_id"), jobs.Status(c.Query("status")), limit)
	if err != nil {
		mapError(c, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

// getJobHandler handles GET /api/jobs/:id.
func (s *Server) getJobHandler(c *gin.Context) {
	if s.jobsUnavailable(c) {
		return
	}
	job, err := s.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}
	if job == nil {
		notFound(c, "job not found")
		return
	}
	c.JSON(http.StatusOK, job)
}

// subscribeJobs lazily attaches one store listener that fans job
// snapshots out to every connected SSE client. Slow clients drop
// events instead of blocking the store.
func (s *Server) subscribeJobs() chan *jobs.Job {
	s.jobSubOnce.Do(func() {
		s.jobSubs = make(map[chan *jobs.Job]struct{})
		s.jobs.Subscribe(func(job *jobs.Job) {
			s.jobSubsMu.Lock()
			defer s.jobSubsMu.Unlock()
			for ch := range s.jobSubs {
				select {
				case ch <- job:
				default:
				}
			}
		})
	})

	ch := make(chan *jobs.Job, 16)
	s.jobSubsMu.Lock()
	s.jobSubs[ch] = struct{}{}
	s.jobSubsMu.Unlock()
	return ch
}

func (s *Server) unsubscribeJobs(ch chan *jobs.Job) {
	s.jobSubsMu.Lock()
	delete(s.jobSubs, ch)
	s.jobSubsMu.Unlock()
}

// jobEventsHandler handles GET /api/jobs/events: job status, error and
// progress notifications as SSE frames until the client disconnects.
func (s *Server) jobEventsHandler(c *gin.Context) {
	if s.jobsUnavailable(c) {
		return
	}
	ch := s.subscribeJobs()
	defer s.unsubscribeJobs(ch)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-ch:
			blob, err := json.Marshal(job)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", blob)
			c.Writer.Flush()
		}
	}
}

// cancelJobHandler handles POST /api/jobs/:id/cancel.
func (s *Server) cancelJobHandler(c *gin.Context) {
	if s.jobsUnavailable(c) {
		return
	}
	cancelled, err := s.runner.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapError(c, err)
		return
	}
	if !cancelled {
		notFound(c, "job not found or not cancellable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
