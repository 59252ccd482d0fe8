package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ramiqadoumi/imageflow/internal/domain"
	"github.com/ramiqadoumi/imageflow/internal/version"
	"github.com/ramiqadoumi/imageflow/pkg/retry"
	"github.com/ramiqadoumi/imageflow/pkg/telemetry"
)

// Webhook POSTs a task's terminal snapshot to the URL the client supplied.
type Webhook struct {
	client *http.Client
	retry  retry.Config
	logger *slog.Logger
}

// Option configures a Webhook.
type Option func(*Webhook)

func WithRetry(cfg retry.Config) Option { return func(w *Webhook) { w.retry = cfg } }
func WithLogger(l *slog.Logger) Option  { return func(w *Webhook) { w.logger = l } }
func WithClient(c *http.Client) Option  { return func(w *Webhook) { w.client = c } }

// NewWebhook creates a Webhook whose individual calls time out after timeout.
func NewWebhook(timeout time.Duration, opts ...Option) *Webhook {
	w := &Webhook{
		client: &http.Client{Timeout: timeout},
		retry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Notify delivers snap to url. 4xx answers are not retried.
func (w *Webhook) Notify(ctx context.Context, url string, snap domain.Snapshot) error {
	ctx, span := otel.Tracer("notify").Start(ctx, "notify.webhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", snap.ID),
		attribute.String("task.status", string(snap.Status)),
		attribute.String("webhook.url", url),
	)

	if url == "" {
		err := errors.New("webhook url is empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing url")
		return err
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.ID, err)
	}

	cfg := w.retry
	cfg.OnRetry = func(attempt int, retryErr error) {
		w.logger.Warn("webhook delivery failed, retrying",
			slog.String("task_id", snap.ID),
			slog.Int("attempt", attempt),
			slog.String("error", retryErr.Error()),
		)
	}

	err = retry.Do(ctx, cfg, func() error { return w.post(ctx, url, body) })
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		telemetry.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("webhook for task %s: %w", snap.ID, err)
	}
	telemetry.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	return nil
}

func (w *Webhook) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook call to %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return retry.Permanent(fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode))
	}
	return nil
}
