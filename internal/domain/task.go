package domain

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled
}

// Kind selects the generation pipeline a task is rendered with.
type Kind string

const (
	KindTextToImage     Kind = "text-to-image"
	KindUpscaleVary     Kind = "image-upscale-vary"
	KindInpaintOutpaint Kind = "image-inpaint-outpaint"
	KindImagePrompt     Kind = "image-prompt"
)

// Kinds lists every generation kind served over the API.
var Kinds = []Kind{KindTextToImage, KindUpscaleVary, KindInpaintOutpaint, KindImagePrompt}

// Params is the request payload of a task. The fields the job protocol
// inspects are typed; everything else travels to the renderer in Extra.
type Params struct {
	Kind           Kind            `json:"kind"`
	Prompt         string          `json:"prompt"`
	NegativePrompt string          `json:"negative_prompt,omitempty"`
	ImageNumber    int             `json:"image_number"`
	AsyncProcess   bool            `json:"async_process"`
	WebhookURL     string          `json:"webhook_url,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}

// Result locates one generated artifact.
type Result struct {
	URL          string `json:"url"`
	Dir          string `json:"-"`
	Filename     string `json:"-"`
	Seed         string `json:"seed,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Snapshot is a read-only projection of a task, safe to serialize at any time.
type Snapshot struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	Results    []Result   `json:"results"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Task is one generation request plus its execution state.
// ID and Params never change after NewTask; everything else is guarded by mu.
type Task struct {
	ID     string
	Params Params

	mu         sync.RWMutex
	status     Status
	results    []Result
	errMsg     string
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}
}

// NewTask allocates a pending task with a fresh id.
func NewTask(params Params) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Params:    params,
		status:    StatusPending,
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Done is closed once the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} { return t.done }

// MarkRunning moves a pending task to running.
func (t *Task) MarkRunning() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return &InvalidTransitionError{TaskID: t.ID, From: t.status, To: StatusRunning}
	}
	t.status = StatusRunning
	t.startedAt = time.Now().UTC()
	return nil
}

// Complete records the results of a running task.
func (t *Task) Complete(results []Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return &InvalidTransitionError{TaskID: t.ID, From: t.status, To: StatusSuccess}
	}
	t.results = append([]Result(nil), results...)
	t.finishLocked(StatusSuccess)
	return nil
}

// Fail marks a pending or running task as failed.
func (t *Task) Fail(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return &InvalidTransitionError{TaskID: t.ID, From: t.status, To: StatusFailed}
	}
	if cause != nil {
		t.errMsg = cause.Error()
	}
	t.finishLocked(StatusFailed)
	return nil
}

// Cancel marks a pending or running task as canceled.
func (t *Task) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return &InvalidTransitionError{TaskID: t.ID, From: t.status, To: StatusCanceled}
	}
	t.finishLocked(StatusCanceled)
	return nil
}

func (t *Task) finishLocked(status Status) {
	t.status = status
	t.finishedAt = time.Now().UTC()
	close(t.done)
}

// Snapshot returns a consistent copy of the task state.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		ID:        t.ID,
		Kind:      t.Params.Kind,
		Status:    t.status,
		Results:   append([]Result{}, t.results...),
		Error:     t.errMsg,
		CreatedAt: t.createdAt,
	}
	if !t.startedAt.IsZero() {
		started := t.startedAt
		s.StartedAt = &started
	}
	if !t.finishedAt.IsZero() {
		finished := t.finishedAt
		s.FinishedAt = &finished
	}
	return s
}

// Execution records a single render of a task.
type Execution struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Status      Status    `json:"status"`
	DurationMs  int64     `json:"duration_ms"`
	ResultCount int       `json:"result_count"`
	Error       string    `json:"error,omitempty"`
	ExecutedAt  time.Time `json:"executed_at"`
}
