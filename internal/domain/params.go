package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// imagePromptSlots is the number of image prompt entries a v2 request carries
// after padding.
const imagePromptSlots = 4

var emptyImagePrompt = json.RawMessage(`{"cn_img":null}`)

// ValidKind reports whether k is one of the served generation kinds.
func ValidKind(k Kind) bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// request lists the body fields the job protocol reads. The body itself is
// forwarded to the renderer untouched in Params.Extra.
type request struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	ImageNumber    *int   `json:"image_number"`
	AsyncProcess   bool   `json:"async_process"`
	WebhookURL     string `json:"webhook_url"`
}

// ParseParams builds Params for kind from a JSON request body.
// A missing image_number defaults to 1.
func ParseParams(kind Kind, body []byte) (Params, error) {
	if !ValidKind(kind) {
		return Params{}, &InvalidKindError{Kind: kind}
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return Params{}, errors.New("request body must be a JSON object")
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return Params{}, fmt.Errorf("decode request body: %w", err)
	}

	n := 1
	if req.ImageNumber != nil {
		n = *req.ImageNumber
	}
	if n < 1 {
		return Params{}, fmt.Errorf("image_number must be at least 1, got %d", n)
	}

	return Params{
		Kind:           kind,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		ImageNumber:    n,
		AsyncProcess:   req.AsyncProcess,
		WebhookURL:     req.WebhookURL,
		Extra:          append(json.RawMessage(nil), body...),
	}, nil
}

// PadImagePrompts fills the image_prompts array of a request body up to four
// entries with empty prompts, leaving every other field as it was.
func PadImagePrompts(body []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}

	var prompts []json.RawMessage
	if raw, ok := fields["image_prompts"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &prompts); err != nil {
			return nil, fmt.Errorf("image_prompts: %w", err)
		}
	}
	for len(prompts) < imagePromptSlots {
		prompts = append(prompts, emptyImagePrompt)
	}

	raw, err := json.Marshal(prompts)
	if err != nil {
		return nil, err
	}
	fields["image_prompts"] = raw
	return json.Marshal(fields)
}
