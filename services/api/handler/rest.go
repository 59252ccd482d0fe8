package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/imageflow/internal/domain"
	"github.com/ramiqadoumi/imageflow/internal/postgres"
	"github.com/ramiqadoumi/imageflow/internal/queue"
	redisstore "github.com/ramiqadoumi/imageflow/internal/redis"
	"github.com/ramiqadoumi/imageflow/pkg/telemetry"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	queueFullRetryAfter = "5"
)

// streamingType is the accept value answered with raw image bytes. The
// renderer picks the output format, so other image types are not promised.
const streamingType = "image/png"

// v2Paths maps kinds whose v2 route differs from the kind name. The bare
// kind path stays mounted as an alias.
var v2Paths = map[domain.Kind]string{
	domain.KindTextToImage: "text-to-image-with-ip",
}

// TaskQueue is the part of queue.Queue the handlers use.
type TaskQueue interface {
	Submit(ctx context.Context, task *domain.Task) error
	Cancel(ctx context.Context, id string) (domain.Snapshot, error)
	Get(id string) (*domain.Task, bool)
	Stats() queue.Stats
	Pending() []domain.Snapshot
	History() []domain.Snapshot
}

// ResultOpener reads stored artifacts.
type ResultOpener interface {
	Open(res domain.Result) (io.ReadCloser, error)
	Path(dir, name string) (string, error)
}

// REST handles the generation HTTP API.
type REST struct {
	queue     TaskQueue
	files     ResultOpener
	snapshots redisstore.StateStore  // nil = disabled
	repo      postgres.JobRepository // nil = disabled
	limiter   redisstore.RateLimiter // nil = disabled
	logger    *slog.Logger
}

// Option configures a REST handler.
type Option func(*REST)

func WithSnapshotStore(s redisstore.StateStore) Option { return func(h *REST) { h.snapshots = s } }
func WithRepository(r postgres.JobRepository) Option   { return func(h *REST) { h.repo = r } }
func WithRateLimiter(l redisstore.RateLimiter) Option  { return func(h *REST) { h.limiter = l } }

// NewREST creates a new REST handler.
func NewREST(q TaskQueue, files ResultOpener, logger *slog.Logger, opts ...Option) *REST {
	h := &REST{queue: q, files: files, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts every endpoint on r.
func (h *REST) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	for _, kind := range domain.Kinds {
		r.Post("/v1/generation/"+string(kind), h.Generate(kind, false))
		r.Post("/v2/generation/"+string(kind), h.Generate(kind, true))
		if p, ok := v2Paths[kind]; ok {
			r.Post("/v2/generation/"+p, h.Generate(kind, true))
		}
	}
	r.Get("/v1/generation/query-job", h.QueryJob)
	r.Get("/v1/generation/job-queue", h.JobQueue)
	r.Get("/v1/generation/job-history", h.JobHistory)
	r.Post("/v1/generation/stop", h.Stop)
	r.Get("/files/{dir}/{name}", h.Files)
}

// JobQueueResponse is the GET /v1/generation/job-queue body.
type JobQueueResponse struct {
	queue.Stats
	PendingJobs []domain.Snapshot `json:"pending_jobs"`
}

// JobHistoryResponse is the GET /v1/generation/job-history body.
type JobHistoryResponse struct {
	History []domain.Snapshot `json:"history"`
}

// Generate returns the handler for POST /v{1,2}/generation/{kind}.
// Bodies are JSON or multipart forms with uploaded images. v2 requests get
// their image_prompts padded to four entries.
func (h *REST) Generate(kind domain.Kind, padImagePrompts bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("api").Start(r.Context(), "api.generate")
		defer span.End()
		span.SetAttributes(attribute.String("task.kind", string(kind)))

		body, err := readBody(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "failed to read request body: "+err.Error())
			return
		}
		if padImagePrompts {
			if body, err = domain.PadImagePrompts(body); err != nil {
				telemetry.APIRejectedTotal.WithLabelValues("invalid_request").Inc()
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		params, err := domain.ParseParams(kind, body)
		if err != nil {
			telemetry.APIRejectedTotal.WithLabelValues("invalid_request").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		accept := r.Header.Get("Accept")
		if q := r.URL.Query().Get("accept"); q != "" {
			accept = q
		}

		if h.limiter != nil {
			key := clientKey(r)
			allowed, err := h.limiter.Allow(ctx, key)
			if err != nil {
				// Fail open: Redis trouble must not take the API down.
				h.logger.Error("rate limiter error", slog.String("error", err.Error()))
			} else if !allowed {
				h.writeFailure(w, &domain.RateLimitExceededError{Key: key, Limit: h.limiter.Limit()})
				return
			}
		}

		rep, err := h.callWorker(ctx, params, accept)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "call worker failed")
			h.writeFailure(w, err)
			return
		}
		rep.write(w, h.logger)
	}
}

// reply is either a snapshot answered as JSON or an artifact streamed as is.
type reply struct {
	snap        domain.Snapshot
	contentType string
	body        io.ReadCloser
}

func (rep *reply) write(w http.ResponseWriter, logger *slog.Logger) {
	if rep.body == nil {
		writeJSON(w, http.StatusOK, rep.snap)
		return
	}
	defer rep.body.Close()
	w.Header().Set("Content-Type", rep.contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rep.body); err != nil {
		logger.Warn("failed to stream result", slog.String("error", err.Error()))
	}
}

// callWorker submits one task and answers it according to the accept hint
// and the async_process flag:
//
//   - image/png streams the first artifact's bytes, forcing image_number
//     to 1;
//   - async_process returns the pending snapshot right away;
//   - otherwise the terminal snapshot is returned.
//
// Waiting ends early when ctx is done; the task keeps running.
func (h *REST) callWorker(ctx context.Context, params domain.Params, accept string) (*reply, error) {
	streaming := isStreaming(accept)
	mode := "sync"
	switch {
	case streaming:
		params.ImageNumber = 1
		mode = "stream"
	case params.AsyncProcess:
		mode = "async"
	}

	task := domain.NewTask(params)
	if err := h.queue.Submit(ctx, task); err != nil {
		return nil, err
	}
	telemetry.APIRequestsTotal.WithLabelValues(string(params.Kind), mode).Inc()
	log := h.logger.With(slog.String("task_id", task.ID), slog.String("mode", mode))
	log.Info("generation job submitted", slog.String("kind", string(params.Kind)))

	if mode == "async" {
		return &reply{snap: task.Snapshot()}, nil
	}

	select {
	case <-task.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	snap := task.Snapshot()
	if snap.Status == domain.StatusCanceled {
		log.Info("job ended without result", slog.String("error", (&domain.TaskCanceledError{TaskID: task.ID}).Error()))
	}
	if !streaming || snap.Status != domain.StatusSuccess {
		return &reply{snap: snap}, nil
	}
	if len(snap.Results) == 0 {
		return nil, &domain.ResultMissingError{TaskID: task.ID}
	}
	first := snap.Results[0]
	body, err := h.files.Open(first)
	if err != nil {
		var missing *domain.ResultMissingError
		if errors.As(err, &missing) {
			return nil, &domain.ResultMissingError{TaskID: task.ID, Location: missing.Location}
		}
		return nil, err
	}
	return &reply{contentType: resultContentType(first), body: body}, nil
}

func isStreaming(accept string) bool {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(accept))
	return err == nil && mediaType == streamingType
}

// resultContentType labels an artifact by the extension it was stored with.
func resultContentType(res domain.Result) string {
	ext := path.Ext(res.Filename)
	if ext == "" {
		ext = path.Ext(res.URL)
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// QueryJob handles GET /v1/generation/query-job?job_id=.
// Lookup order: the queue, then Redis, then PostgreSQL.
func (h *REST) QueryJob(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("job_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	ctx := r.Context()

	if task, ok := h.queue.Get(id); ok {
		writeJSON(w, http.StatusOK, task.Snapshot())
		return
	}

	var notFound *domain.TaskNotFoundError
	if h.snapshots != nil {
		snap, err := h.snapshots.GetSnapshot(ctx, id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, snap)
			return
		case !errors.As(err, &notFound):
			h.logger.Warn("redis error", slog.String("task_id", id), slog.String("error", err.Error()))
		}
	}

	if h.repo != nil {
		snap, err := h.repo.GetByID(ctx, id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, snap)
			return
		case !errors.As(err, &notFound):
			h.logger.Error("postgres error", slog.String("task_id", id), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve job")
			return
		}
	}

	h.writeFailure(w, &domain.TaskNotFoundError{TaskID: id})
}

// JobQueue handles GET /v1/generation/job-queue.
func (h *REST) JobQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, JobQueueResponse{
		Stats:       h.queue.Stats(),
		PendingJobs: h.queue.Pending(),
	})
}

// JobHistory handles GET /v1/generation/job-history?status=&limit=.
// A status filter is answered from PostgreSQL when it is configured.
func (h *REST) JobHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	status := domain.Status(r.URL.Query().Get("status"))
	if status != "" && h.repo != nil {
		snaps, err := h.repo.ListByStatus(r.Context(), status, limit)
		if err != nil {
			h.logger.Error("postgres error", slog.String("status", string(status)), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list jobs")
			return
		}
		writeJSON(w, http.StatusOK, JobHistoryResponse{History: snaps})
		return
	}

	history := make([]domain.Snapshot, 0, limit)
	for _, snap := range h.queue.History() {
		if len(history) == limit {
			break
		}
		if status == "" || snap.Status == status {
			history = append(history, snap)
		}
	}
	writeJSON(w, http.StatusOK, JobHistoryResponse{History: history})
}

// Stop handles POST /v1/generation/stop?job_id=.
func (h *REST) Stop(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("job_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	snap, err := h.queue.Cancel(r.Context(), id)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.logger.Info("job stopped", slog.String("task_id", id))
	writeJSON(w, http.StatusOK, snap)
}

// Files handles GET /files/{dir}/{name}.
func (h *REST) Files(w http.ResponseWriter, r *http.Request) {
	file, err := h.files.Path(chi.URLParam(r, "dir"), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, file)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz and checks Redis connectivity when configured.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.snapshots != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if _, err := h.snapshots.GetStatus(ctx, "__readyz__"); err != nil {
			var notFound *domain.TaskNotFoundError
			if !errors.As(err, &notFound) {
				writeError(w, http.StatusServiceUnavailable, "redis not ready")
				return
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// writeFailure maps domain errors onto HTTP answers.
func (h *REST) writeFailure(w http.ResponseWriter, err error) {
	var (
		full       *domain.QueueFullError
		closed     *domain.QueueClosedError
		limited    *domain.RateLimitExceededError
		missing    *domain.ResultMissingError
		notFound   *domain.TaskNotFoundError
		transition *domain.InvalidTransitionError
		invalid    *domain.InvalidKindError
	)
	switch {
	case errors.As(err, &full):
		telemetry.APIRejectedTotal.WithLabelValues("queue_full").Inc()
		w.Header().Set("Retry-After", queueFullRetryAfter)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &closed):
		telemetry.APIRejectedTotal.WithLabelValues("queue_closed").Inc()
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &limited):
		telemetry.APIRejectedTotal.WithLabelValues("rate_limited").Inc()
		if h.limiter != nil {
			w.Header().Set("Retry-After", strconv.Itoa(int(h.limiter.Window().Seconds())))
		}
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &missing):
		h.logger.Error("job result missing", slog.String("task_id", missing.TaskID))
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		h.logger.Info("client went away while waiting for job", slog.String("error", err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("timed out waiting for job", slog.String("error", err.Error()))
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for job")
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// clientKey identifies a client for rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
