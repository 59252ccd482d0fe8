package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/imageflow/internal/domain"
	"github.com/ramiqadoumi/imageflow/internal/kafka"
	redisstore "github.com/ramiqadoumi/imageflow/internal/redis"
	"github.com/ramiqadoumi/imageflow/pkg/telemetry"
)

// Submitter admits tasks to the generation queue.
type Submitter interface {
	Submit(ctx context.Context, task *domain.Task) error
}

// Request is a generation request read from kafka.TopicRequests. Its
// Request field carries the same JSON body the HTTP routes accept.
type Request struct {
	Kind    domain.Kind     `json:"kind"`
	Request json.RawMessage `json:"request"`
}

// Rejection is published to kafka.TopicRejected for requests that were not queued.
type Rejection struct {
	Reason  string          `json:"reason"`
	Error   string          `json:"error"`
	Payload json.RawMessage `json:"payload"`
}

// Intake consumes generation requests from Kafka and submits them as async
// jobs. Requests that cannot be queued go to the rejected topic.
type Intake struct {
	consumer kafka.Consumer
	producer kafka.Producer
	queue    Submitter
	limiter  redisstore.RateLimiter // nil = disabled
	logger   *slog.Logger
}

func NewIntake(
	consumer kafka.Consumer,
	producer kafka.Producer,
	queue Submitter,
	limiter redisstore.RateLimiter,
	logger *slog.Logger,
) *Intake {
	return &Intake{
		consumer: consumer,
		producer: producer,
		queue:    queue,
		limiter:  limiter,
		logger:   logger,
	}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (in *Intake) Run(ctx context.Context) error {
	return in.consumer.Subscribe(ctx, in.handle)
}

func (in *Intake) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("intake").Start(ctx, "intake.handle")
	defer span.End()

	var req Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		in.logger.Error("malformed request message", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed message")
		return in.reject(ctx, msg, "malformed", err)
	}
	span.SetAttributes(attribute.String("task.kind", string(req.Kind)))

	params, err := domain.ParseParams(req.Kind, req.Request)
	if err != nil {
		in.logger.Warn("invalid generation request", slog.String("kind", string(req.Kind)), slog.String("error", err.Error()))
		span.SetStatus(codes.Error, "invalid request")
		return in.reject(ctx, msg, "invalid_request", err)
	}
	params.AsyncProcess = true

	if in.limiter != nil {
		key := "intake:" + string(msg.Key)
		allowed, err := in.limiter.Allow(ctx, key)
		if err != nil {
			// Allow on limiter failure to avoid dropping requests due to Redis issues.
			in.logger.Error("rate limiter error", slog.String("error", err.Error()))
		} else if !allowed {
			in.logger.Warn("rate limit exceeded", slog.String("key", key))
			span.SetStatus(codes.Error, "rate limit exceeded")
			return in.reject(ctx, msg, "rate_limited", &domain.RateLimitExceededError{Key: key, Limit: in.limiter.Limit()})
		}
	}

	task := domain.NewTask(params)
	span.SetAttributes(attribute.String("task.id", task.ID))
	if err := in.queue.Submit(ctx, task); err != nil {
		span.RecordError(err)
		var (
			full   *domain.QueueFullError
			closed *domain.QueueClosedError
		)
		switch {
		case errors.As(err, &full):
			in.logger.Warn("queue full, rejecting request", slog.String("task_id", task.ID))
			return in.reject(ctx, msg, "queue_full", err)
		case errors.As(err, &closed):
			in.logger.Warn("queue shut down, rejecting request", slog.String("task_id", task.ID))
			return in.reject(ctx, msg, "queue_closed", err)
		}
		return fmt.Errorf("submit task %s: %w", task.ID, err)
	}

	telemetry.IntakeMessagesTotal.WithLabelValues("accepted").Inc()
	telemetry.APIRequestsTotal.WithLabelValues(string(params.Kind), "kafka").Inc()
	in.logger.Info("generation request accepted",
		slog.String("task_id", task.ID),
		slog.String("kind", string(params.Kind)),
	)
	return nil
}

// reject publishes msg to the rejected topic. A publish error is returned so
// the offset is not committed.
func (in *Intake) reject(ctx context.Context, msg kafka.Message, reason string, cause error) error {
	telemetry.IntakeMessagesTotal.WithLabelValues(reason).Inc()

	payload := json.RawMessage(msg.Value)
	if !json.Valid(payload) {
		raw, _ := json.Marshal(string(msg.Value))
		payload = raw
	}
	body, err := json.Marshal(Rejection{Reason: reason, Error: cause.Error(), Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal rejection: %w", err)
	}
	if err := in.producer.Publish(ctx, kafka.TopicRejected, string(msg.Key), body); err != nil {
		in.logger.Error("failed to publish rejection", slog.String("error", err.Error()))
		return err
	}
	return nil
}
