package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/imageflow/internal/domain"
	"github.com/ramiqadoumi/imageflow/internal/kafka"
)

// Event types published to kafka.TopicEvents.
const (
	EventSubmitted = "job.submitted"
	EventStarted   = "job.started"
	EventFinished  = "job.finished"
)

const sinkTimeout = 5 * time.Second

// Event is the message published for every job status change.
type Event struct {
	Type       string          `json:"type"`
	Job        domain.Snapshot `json:"job"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// record is one status change on its way to the side stores. Records are
// emitted under the queue lock and applied in order by a single goroutine,
// so a stale snapshot never overwrites a newer one.
type record struct {
	event   string // empty: execution row only
	snap    domain.Snapshot
	params  *domain.Params
	exec    *domain.Execution
	webhook string
	spanCtx trace.SpanContext
}

// emitLocked queues r for the recorder without blocking. Side stores are
// best-effort; when the buffer is full the record is dropped.
func (q *Queue) emitLocked(r record) {
	if q.records == nil {
		return
	}
	select {
	case q.records <- r:
	default:
		q.logger.Warn("record buffer full, dropping",
			slog.String("task_id", r.snap.ID),
			slog.String("event", r.event),
		)
	}
}

// recorder applies records until stop is closed, then drains what is left.
func (q *Queue) recorder(stop <-chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case r := <-q.records:
			q.apply(r)
		case <-stop:
			for {
				select {
				case r := <-q.records:
					q.apply(r)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) apply(r record) {
	base := trace.ContextWithSpanContext(context.Background(), r.spanCtx)
	ctx, cancel := context.WithTimeout(base, sinkTimeout)
	defer cancel()

	taskID := r.snap.ID
	if r.exec != nil {
		taskID = r.exec.TaskID
	}
	log := q.logger.With(slog.String("task_id", taskID))

	if r.event != "" && q.store != nil {
		if err := q.store.SetSnapshot(ctx, r.snap); err != nil {
			log.Warn("failed to store snapshot in redis", slog.String("error", err.Error()))
		}
	}

	if q.repo != nil {
		if r.event == EventSubmitted && r.params != nil {
			if err := q.repo.Create(ctx, r.snap, *r.params); err != nil {
				log.Warn("failed to create job row", slog.String("error", err.Error()))
			}
		}
		if r.exec != nil {
			if err := q.repo.RecordExecution(ctx, r.exec); err != nil {
				log.Warn("failed to record execution", slog.String("error", err.Error()))
			}
		}
		if r.event == EventFinished {
			if err := q.repo.Finish(ctx, r.snap); err != nil {
				log.Warn("failed to finish job row", slog.String("error", err.Error()))
			}
		}
	}

	if r.event != "" && q.events != nil {
		q.publish(ctx, r, log)
	}

	if r.event == EventFinished && r.webhook != "" && q.notifier != nil {
		q.wg.Add(1)
		go func(snap domain.Snapshot, url string) {
			defer q.wg.Done()
			if err := q.notifier.Notify(trace.ContextWithSpanContext(context.Background(), r.spanCtx), url, snap); err != nil {
				log.Warn("webhook delivery failed", slog.String("error", err.Error()))
			}
		}(r.snap, r.webhook)
	}
}

func (q *Queue) publish(ctx context.Context, r record, log *slog.Logger) {
	payload, err := json.Marshal(Event{Type: r.event, Job: r.snap, OccurredAt: time.Now().UTC()})
	if err != nil {
		log.Error("failed to marshal job event", slog.String("error", err.Error()))
		return
	}
	if err := q.events.Publish(ctx, kafka.TopicEvents, r.snap.ID, payload); err != nil {
		log.Warn("failed to publish job event", slog.String("event", r.event), slog.String("error", err.Error()))
	}
}
