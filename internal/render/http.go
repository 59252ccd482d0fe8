package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/imageflow/internal/domain"
	"github.com/ramiqadoumi/imageflow/internal/version"
)

// Saver persists rendered bytes and returns their descriptor.
type Saver interface {
	Save(ext string, data []byte) (domain.Result, error)
}

// backendImage is one entry of the inference backend's response.
type backendImage struct {
	Base64       string `json:"base64"`
	Format       string `json:"format"`
	Seed         string `json:"seed"`
	FinishReason string `json:"finish_reason"`
}

type backendResponse struct {
	Images []backendImage `json:"images"`
}

// HTTPRenderer forwards a task to an inference backend at
// POST <baseURL>/<kind> and stores the images it returns.
type HTTPRenderer struct {
	baseURL string
	client  *http.Client
	saver   Saver
}

// NewHTTPRenderer creates an HTTPRenderer. The client has no timeout: a render
// ends when the backend answers or the task context is cancelled.
func NewHTTPRenderer(baseURL string, saver Saver) *HTTPRenderer {
	return &HTTPRenderer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		saver:   saver,
	}
}

func (h *HTTPRenderer) Render(ctx context.Context, params domain.Params) ([]domain.Result, error) {
	ctx, span := otel.Tracer("renderer").Start(ctx, "renderer.http")
	defer span.End()

	url := h.baseURL + "/" + string(params.Kind)
	span.SetAttributes(
		attribute.String("render.url", url),
		attribute.Int("render.image_number", params.ImageNumber),
	)

	body, err := backendBody(params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid params")
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("render call to %s: %w", url, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("render backend %s returned status %d: %s", url, resp.StatusCode, bytes.TrimSpace(msg))
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return nil, err
	}

	var out backendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid response")
		return nil, fmt.Errorf("decode render response: %w", err)
	}

	results := make([]domain.Result, 0, len(out.Images))
	for i, img := range out.Images {
		data, err := base64.StdEncoding.DecodeString(img.Base64)
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		format := img.Format
		if format == "" {
			format = "png"
		}
		res, err := h.saver.Save(format, data)
		if err != nil {
			return nil, fmt.Errorf("store image %d: %w", i, err)
		}
		res.Seed = img.Seed
		res.FinishReason = img.FinishReason
		results = append(results, res)
	}
	span.SetAttributes(attribute.Int("render.result_count", len(results)))
	return results, nil
}

// backendBody merges the typed parameters over the raw request so the
// backend sees the effective values (e.g. image_number forced to 1).
func backendBody(params domain.Params) ([]byte, error) {
	fields := map[string]any{}
	if len(params.Extra) > 0 {
		if err := json.Unmarshal(params.Extra, &fields); err != nil {
			return nil, fmt.Errorf("invalid request payload: %w", err)
		}
	}
	if params.Prompt == "" && params.Kind == domain.KindTextToImage {
		return nil, errors.New("text-to-image requires a prompt")
	}
	fields["prompt"] = params.Prompt
	fields["negative_prompt"] = params.NegativePrompt
	fields["image_number"] = params.ImageNumber
	delete(fields, "async_process")
	delete(fields, "webhook_url")
	return json.Marshal(fields)
}
