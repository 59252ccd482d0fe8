package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/imageflow/internal/domain"
	"github.com/ramiqadoumi/imageflow/internal/kafka"
	"github.com/ramiqadoumi/imageflow/internal/postgres"
	redisstore "github.com/ramiqadoumi/imageflow/internal/redis"
	"github.com/ramiqadoumi/imageflow/internal/render"
	"github.com/ramiqadoumi/imageflow/pkg/telemetry"
)

const (
	defaultHistorySize     = 100
	defaultIdleLogInterval = 5 * time.Minute
)

// Notifier delivers a terminal snapshot to a client-supplied URL.
type Notifier interface {
	Notify(ctx context.Context, url string, snap domain.Snapshot) error
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Capacity  int    `json:"capacity"`
	Pending   int    `json:"pending"`
	RunningID string `json:"running_job_id,omitempty"`
	Finished  int    `json:"finished"`
}

// Queue is a bounded FIFO admission queue in front of a single execution
// gate. At most one task is running at any time; a task is only started once
// the previous render has returned.
//
// pending, current and history are guarded by mu. After Submit, only the
// queue changes a task's status.
type Queue struct {
	capacity        int
	historySize     int
	idleLogInterval time.Duration
	renderer        render.Renderer
	logger          *slog.Logger

	store    redisstore.StateStore  // nil = disabled
	repo     postgres.JobRepository // nil = disabled
	events   kafka.Producer         // nil = disabled
	notifier Notifier               // nil = disabled

	mu            sync.Mutex
	pending       []*domain.Task
	current       *domain.Task
	cancelCurrent context.CancelFunc
	history       []*domain.Task
	closed        bool

	wake    chan struct{}
	records chan record
	running atomic.Bool
	wg      sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

func WithLogger(l *slog.Logger) Option               { return func(q *Queue) { q.logger = l } }
func WithHistorySize(n int) Option                   { return func(q *Queue) { q.historySize = n } }
func WithIdleLogInterval(d time.Duration) Option     { return func(q *Queue) { q.idleLogInterval = d } }
func WithStateStore(s redisstore.StateStore) Option  { return func(q *Queue) { q.store = s } }
func WithRepository(r postgres.JobRepository) Option { return func(q *Queue) { q.repo = r } }
func WithEventProducer(p kafka.Producer) Option      { return func(q *Queue) { q.events = p } }
func WithNotifier(n Notifier) Option                 { return func(q *Queue) { q.notifier = n } }

// New constructs a Queue holding at most capacity pending tasks.
func New(capacity int, renderer render.Renderer, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		capacity:        capacity,
		historySize:     defaultHistorySize,
		idleLogInterval: defaultIdleLogInterval,
		renderer:        renderer,
		logger:          slog.Default(),
		wake:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.historySize <= 0 {
		q.historySize = defaultHistorySize
	}
	if q.idleLogInterval <= 0 {
		q.idleLogInterval = defaultIdleLogInterval
	}
	if q.store != nil || q.repo != nil || q.events != nil || q.notifier != nil {
		q.records = make(chan record, 3*capacity+64)
	}
	return q
}

// Capacity returns the maximum number of pending tasks.
func (q *Queue) Capacity() int { return q.capacity }

// Submit appends a pending task to the queue. It never blocks: when the
// queue is full it returns *domain.QueueFullError, and once Run has shut
// down it returns *domain.QueueClosedError. In both cases the task is left
// as is.
func (q *Queue) Submit(ctx context.Context, task *domain.Task) error {
	_, span := otel.Tracer("queue").Start(ctx, "queue.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.kind", string(task.Params.Kind)),
	)

	if s := task.Status(); s != domain.StatusPending {
		return &domain.InvalidTransitionError{TaskID: task.ID, From: s, To: domain.StatusPending}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		err := &domain.QueueClosedError{}
		span.RecordError(err)
		span.SetStatus(codes.Error, "queue closed")
		q.logger.Warn("task queue is shut down, rejecting task", slog.String("task_id", task.ID))
		return err
	}
	if len(q.pending) >= q.capacity {
		q.mu.Unlock()
		err := &domain.QueueFullError{Capacity: q.capacity}
		span.RecordError(err)
		span.SetStatus(codes.Error, "queue full")
		telemetry.QueueFullTotal.Inc()
		q.logger.Warn("task queue is full", slog.String("task_id", task.ID), slog.Int("capacity", q.capacity))
		return err
	}
	q.pending = append(q.pending, task)
	depth := len(q.pending)
	params := task.Params
	q.emitLocked(record{
		event:   EventSubmitted,
		snap:    task.Snapshot(),
		params:  &params,
		spanCtx: span.SpanContext(),
	})
	q.mu.Unlock()

	telemetry.QueueDepth.Set(float64(depth))
	telemetry.QueueSubmittedTotal.WithLabelValues(string(task.Params.Kind)).Inc()
	q.logger.Info("task added to queue",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Params.Kind)),
		slog.Int("pending", depth),
	)
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run is the processing loop. It blocks until ctx is cancelled; on shutdown
// the running render is cancelled and awaited, the queue stops admitting
// tasks, and pending tasks are canceled so that waiting clients are released.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return errors.New("task queue is already running")
	}

	stopRecorder := make(chan struct{})
	if q.records != nil {
		q.wg.Add(1)
		go q.recorder(stopRecorder)
	}
	defer close(stopRecorder)

	ticker := time.NewTicker(q.idleLogInterval)
	defer ticker.Stop()
	q.logger.Info("task queue started",
		slog.Int("capacity", q.capacity),
		slog.Int("history_size", q.historySize),
	)

	for {
		if ctx.Err() != nil {
			q.cancelPending()
			q.logger.Info("task queue stopped")
			return nil
		}

		j := q.dequeue()
		if j == nil {
			select {
			case <-ctx.Done():
			case <-q.wake:
			case <-ticker.C:
				q.logger.Info("idle, waiting for tasks")
			}
			continue
		}
		q.execute(ctx, j, ticker.C)
	}
}

// Wait blocks until the recorder and in-flight webhook deliveries finish.
// Call after Run returns.
func (q *Queue) Wait() { q.wg.Wait() }

// job is a dequeued task together with the context its render runs under.
type job struct {
	task   *domain.Task
	ctx    context.Context
	cancel context.CancelFunc
}

// dequeue moves the head of pending into current and marks it running.
// It returns nil when the gate is held or nothing is pending.
func (q *Queue) dequeue() *job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.current == nil && len(q.pending) > 0 {
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		telemetry.QueueDepth.Set(float64(len(q.pending)))

		if err := task.MarkRunning(); err != nil {
			// Finished behind the queue's back; keep it visible and move on.
			q.logger.Error("dequeued task is not pending", slog.String("task_id", task.ID), slog.String("error", err.Error()))
			q.pushHistoryLocked(task)
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		q.current = task
		q.cancelCurrent = cancel
		q.emitLocked(record{event: EventStarted, snap: task.Snapshot()})
		return &job{task: task, ctx: ctx, cancel: cancel}
	}
	return nil
}

type outcome struct {
	results []domain.Result
	err     error
}

// execute dispatches the render as its own goroutine and holds the gate
// until it returns.
func (q *Queue) execute(ctx context.Context, j *job, heartbeat <-chan time.Time) {
	defer j.cancel()
	task := j.task
	log := q.logger.With(
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Params.Kind)),
	)

	renderCtx, span := otel.Tracer("queue").Start(j.ctx, "queue.render")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.kind", string(task.Params.Kind)),
		attribute.Int("task.image_number", task.Params.ImageNumber),
	)

	telemetry.QueueTaskRunning.Set(1)
	defer telemetry.QueueTaskRunning.Set(0)
	log.Info("start processing task")

	start := time.Now()
	done := make(chan outcome, 1)
	go func() { done <- q.render(renderCtx, task) }()

	stop := ctx.Done()
	var out outcome
wait:
	for {
		select {
		case out = <-done:
			break wait
		case <-heartbeat:
			log.Info("task running", slog.Duration("elapsed", time.Since(start)))
		case <-stop:
			log.Warn("shutting down, cancelling running task")
			j.cancel()
			stop = nil
		}
	}

	q.finish(task, out, time.Since(start), span, log)
}

// render runs the renderer, turning a panic into an error.
func (q *Queue) render(ctx context.Context, task *domain.Task) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("renderer panicked",
				slog.String("task_id", task.ID),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
			out = outcome{err: fmt.Errorf("renderer panic: %v", r)}
		}
	}()
	results, err := q.renderer.Render(ctx, task.Params)
	return outcome{results: results, err: err}
}

func (q *Queue) finish(task *domain.Task, out outcome, elapsed time.Duration, span trace.Span, log *slog.Logger) {
	var transitionErr error
	if out.err != nil {
		failure := &domain.RenderFailureError{TaskID: task.ID, Err: out.err}
		span.RecordError(failure)
		span.SetStatus(codes.Error, "render failed")
		transitionErr = task.Fail(failure)
	} else {
		transitionErr = task.Complete(out.results)
	}

	snap := task.Snapshot()
	exec := &domain.Execution{
		TaskID:      task.ID,
		Status:      snap.Status,
		DurationMs:  elapsed.Milliseconds(),
		ResultCount: len(out.results),
		ExecutedAt:  time.Now().UTC(),
	}
	if out.err != nil {
		exec.Error = out.err.Error()
	}

	q.mu.Lock()
	q.current = nil
	q.cancelCurrent = nil
	q.pushHistoryLocked(task)
	if transitionErr != nil {
		// Canceled while rendering: the terminal record was already emitted.
		q.emitLocked(record{exec: exec, spanCtx: span.SpanContext()})
	} else {
		q.emitLocked(record{
			event:   EventFinished,
			snap:    snap,
			exec:    exec,
			webhook: task.Params.WebhookURL,
			spanCtx: span.SpanContext(),
		})
	}
	q.mu.Unlock()

	telemetry.RenderDurationSeconds.WithLabelValues(string(task.Params.Kind)).Observe(elapsed.Seconds())
	if transitionErr != nil {
		log.Info("render returned after cancellation",
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("status", string(snap.Status)),
		)
		return
	}
	telemetry.QueueTasksFinished.WithLabelValues(string(snap.Status)).Inc()
	if out.err != nil {
		log.Error("task failed",
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("error", out.err.Error()),
		)
		return
	}
	log.Info("task finished",
		slog.Int64("duration_ms", elapsed.Milliseconds()),
		slog.Int("results", len(out.results)),
	)
}

// Cancel cancels a pending or running task. A pending task is removed from
// the queue and never rendered. Cancelling the running task is advisory: its
// status becomes canceled and the render context is cancelled, but the gate
// stays held until the renderer returns.
func (q *Queue) Cancel(ctx context.Context, id string) (domain.Snapshot, error) {
	_, span := otel.Tracer("queue").Start(ctx, "queue.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.pending {
		if t.ID != id {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		telemetry.QueueDepth.Set(float64(len(q.pending)))
		snap, err := q.cancelLocked(t, span.SpanContext())
		if err == nil {
			q.pushHistoryLocked(t)
		}
		return snap, err
	}

	if q.current != nil && q.current.ID == id {
		snap, err := q.cancelLocked(q.current, span.SpanContext())
		if err == nil && q.cancelCurrent != nil {
			q.cancelCurrent()
		}
		return snap, err
	}

	for _, t := range q.history {
		if t.ID == id {
			snap := t.Snapshot()
			return snap, &domain.InvalidTransitionError{TaskID: id, From: snap.Status, To: domain.StatusCanceled}
		}
	}
	return domain.Snapshot{}, &domain.TaskNotFoundError{TaskID: id}
}

func (q *Queue) cancelLocked(t *domain.Task, sc trace.SpanContext) (domain.Snapshot, error) {
	if err := t.Cancel(); err != nil {
		return t.Snapshot(), err
	}
	snap := t.Snapshot()
	q.emitLocked(record{event: EventFinished, snap: snap, webhook: t.Params.WebhookURL, spanCtx: sc})
	telemetry.QueueTasksFinished.WithLabelValues(string(domain.StatusCanceled)).Inc()
	q.logger.Info("task canceled", slog.String("task_id", t.ID))
	return snap, nil
}

// cancelPending closes the queue to new tasks and cancels everything queued.
func (q *Queue) cancelPending() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, t := range q.pending {
		if _, err := q.cancelLocked(t, trace.SpanContext{}); err == nil {
			q.pushHistoryLocked(t)
		}
	}
	q.pending = nil
	telemetry.QueueDepth.Set(0)
}

// pushHistoryLocked appends to the bounded history, evicting the oldest.
func (q *Queue) pushHistoryLocked(t *domain.Task) {
	q.history = append(q.history, t)
	if over := len(q.history) - q.historySize; over > 0 {
		copy(q.history, q.history[over:])
		for i := len(q.history) - over; i < len(q.history); i++ {
			q.history[i] = nil
		}
		q.history = q.history[:q.historySize]
	}
}

// Get finds a task that is pending, running or still in history.
func (q *Queue) Get(id string) (*domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.ID == id {
		return q.current, true
	}
	for _, t := range q.pending {
		if t.ID == id {
			return t, true
		}
	}
	for _, t := range q.history {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Stats reports queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Capacity: q.capacity, Pending: len(q.pending), Finished: len(q.history)}
	if q.current != nil {
		s.RunningID = q.current.ID
	}
	return s
}

// Pending returns snapshots of the queued tasks in execution order.
func (q *Queue) Pending() []domain.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.Snapshot, 0, len(q.pending))
	for _, t := range q.pending {
		out = append(out, t.Snapshot())
	}
	return out
}

// History returns snapshots of finished tasks, newest first.
func (q *Queue) History() []domain.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.Snapshot, 0, len(q.history))
	for i := len(q.history) - 1; i >= 0; i-- {
		out = append(out, q.history[i].Snapshot())
	}
	return out
}
