package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"media-transfer-scheduler/internal/batch"
	"media-transfer-scheduler/internal/logging"
	"media-transfer-scheduler/internal/models"
	"media-transfer-scheduler/internal/quota"
	"media-transfer-scheduler/internal/ratelimit"
	"media-transfer-scheduler/internal/service"
	"media-transfer-scheduler/internal/telemetry"
	"media-transfer-scheduler/internal/transfer"
	"media-transfer-scheduler/internal/worker"
)

// Server wires HTTP handlers onto the downloads facade.
type Server struct {
	downloads *service.Downloads
	limiter   *ratelimit.SubmissionBucket
	log       logging.Logger
}

// New constructs the API server. limiter may be nil to disable the
// per-user submission throttle.
func New(d *service.Downloads, limiter *ratelimit.SubmissionBucket, log logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	return &Server{downloads: d, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)

		r.Post("/downloads", s.handleDownload)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Delete("/jobs/completed", s.handleClearCompleted)
		r.Get("/queue/stats", s.handleStats)

		r.Post("/batches", s.handleCreateBatch)
		r.Get("/batches/{id}", s.handleGetBatch)
		r.Post("/batches/{id}/cancel", s.handleCancelBatch)

		r.Get("/users/{id}/traffic", s.handleUserTraffic)
		r.Get("/users/{id}/downloads", s.handleRecentDownloads)
		r.Get("/traffic", s.handleTotalTraffic)
		r.Post("/traffic/reset", s.handleResetTraffic)
		r.Get("/limits", s.handleGetLimits)
		r.Patch("/limits", s.handleUpdateLimits)
	})
	return r
}

type downloadRequest struct {
	Link     string `json:"link"`
	Offset   int64  `json:"offset"`
	Priority int    `json:"priority"`
}

type batchRequest struct {
	Link  string `json:"link"`
	Count int    `json:"count"`
}

type resetRequest struct {
	Scope models.ResetScope `json:"scope"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.admit(w, r)
	if !ok {
		return
	}
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Link == "" {
		http.Error(w, "link is required", http.StatusBadRequest)
		return
	}
	id, err := s.downloads.AddDownloadTask(r.Context(), userID, req.Link, req.Offset, req.Priority)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.downloads.GetTaskStatus(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.downloads.CancelTask(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	job, _ := s.downloads.GetTaskStatus(id)
	writeJSON(w, http.StatusOK, map[string]any{"accepted": cancelled, "status": job.Status})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			http.Error(w, "invalid older_than", http.StatusBadRequest)
			return
		}
		olderThan = d
	}
	writeJSON(w, http.StatusOK, map[string]int{"evicted": s.downloads.ClearCompleted(olderThan)})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.downloads.GetQueueStats())
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.admit(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	id, err := s.downloads.CreateBatch(r.Context(), userID, req.Link, req.Count)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.downloads.GetBatch(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.downloads.GetBatch(id); !ok {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": s.downloads.CancelBatch(id)})
}

func (s *Server) handleUserTraffic(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	rec, err := s.downloads.GetUserTraffic(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecentDownloads(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.downloads.RecentDownloads(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleTotalTraffic(w http.ResponseWriter, r *http.Request) {
	total, err := s.downloads.GetTotalTraffic(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, total)
}

func (s *Server) handleResetTraffic(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	n, err := s.downloads.ResetTraffic(r.Context(), req.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"users": n})
}

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.downloads.GetLimits(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

func (s *Server) handleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	var req models.LimitsUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	limits, err := s.downloads.UpdateLimits(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

// authorize resolves the caller and checks the allow list.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := userFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return 0, false
	}
	if !s.downloads.Authorized(userID) {
		http.Error(w, service.ErrUnauthorized.Error(), http.StatusForbidden)
		return 0, false
	}
	return userID, true
}

// admit authorizes the caller and spends a submission token.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := s.authorize(w, r)
	if !ok {
		return 0, false
	}
	if s.limiter == nil {
		return userID, true
	}
	d, err := s.limiter.Take(r.Context(), userID)
	if err != nil {
		s.log.Error("submission rate limit check", logging.Int64("user_id", userID), logging.Err(err))
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return 0, false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		}
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return 0, false
	}
	return userID, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		code = http.StatusForbidden
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrNotRunning):
		code = http.StatusServiceUnavailable
	case errors.Is(err, worker.ErrTaskNotFound), errors.Is(err, batch.ErrBatchNotFound):
		code = http.StatusNotFound
	case errors.Is(err, batch.ErrBatchActive):
		code = http.StatusConflict
	case errors.Is(err, transfer.ErrInvalidReference),
		errors.Is(err, batch.ErrInvalidCount),
		errors.Is(err, quota.ErrInvalidLimit),
		errors.Is(err, quota.ErrInvalidScope):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", logging.Err(err))
	}
	http.Error(w, err.Error(), code)
}

var errMissingUser = errors.New("X-User-ID header is required")

func userFromRequest(r *http.Request) (int64, error) {
	v := r.Header.Get("X-User-ID")
	if v == "" {
		return 0, errMissingUser
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.New("X-User-ID must be numeric")
	}
	return id, nil
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
