package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// QueueFullError is returned when the admission queue has no free slot.
// Nothing was queued; the caller may retry later.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("task queue is full: capacity is %d", e.Capacity)
}

// QueueClosedError is returned by Submit once the queue has stopped running.
type QueueClosedError struct{}

func (e *QueueClosedError) Error() string { return "task queue is shut down" }

// RenderFailureError is recorded on a task whose renderer returned an error or panicked.
type RenderFailureError struct {
	TaskID string
	Err    error
}

func (e *RenderFailureError) Error() string {
	return fmt.Sprintf("render task %s: %v", e.TaskID, e.Err)
}

func (e *RenderFailureError) Unwrap() error { return e.Err }

// ResultMissingError is returned when a task succeeded without a retrievable
// artifact. Location names the stored file when one was expected.
type ResultMissingError struct {
	TaskID   string
	Location string
}

func (e *ResultMissingError) Error() string {
	switch {
	case e.TaskID == "":
		return fmt.Sprintf("result %s is missing", e.Location)
	case e.Location == "":
		return fmt.Sprintf("task %s succeeded without a result", e.TaskID)
	default:
		return fmt.Sprintf("task %s succeeded without a result: %s is missing", e.TaskID, e.Location)
	}
}

// TaskCanceledError describes a task that ended in the canceled state.
type TaskCanceledError struct {
	TaskID string
}

func (e *TaskCanceledError) Error() string {
	return fmt.Sprintf("task %s was canceled", e.TaskID)
}

// InvalidTransitionError is returned when a status change is not allowed,
// most often because the task is already terminal.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s cannot move from %s to %s", e.TaskID, e.From, e.To)
}

// InvalidKindError is returned when no renderer is registered for a kind.
type InvalidKindError struct {
	Kind Kind
}

func (e *InvalidKindError) Error() string {
	return fmt.Sprintf("no renderer registered for kind %q", e.Kind)
}

// RateLimitExceededError is returned when a client exceeds its submission rate.
type RateLimitExceededError struct {
	Key   string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d", e.Key, e.Limit)
}
