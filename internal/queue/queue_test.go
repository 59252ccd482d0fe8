package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/imageflow/internal/domain"
	"github.com/ramiqadoumi/imageflow/internal/render"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ── fakes ─────────────────────────────────────────────────────────────────────

// gatedRenderer blocks every render until the test releases it.
type gatedRenderer struct {
	started   chan string
	release   chan struct{}
	honourCtx bool

	mu    sync.Mutex
	calls []string
}

func newGatedRenderer(honourCtx bool) *gatedRenderer {
	return &gatedRenderer{
		started:   make(chan string, 64),
		release:   make(chan struct{}),
		honourCtx: honourCtx,
	}
}

func (r *gatedRenderer) Render(ctx context.Context, p domain.Params) ([]domain.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, p.Prompt)
	r.mu.Unlock()
	r.started <- p.Prompt

	if r.honourCtx {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		<-r.release
	}
	return []domain.Result{{URL: "/files/d/" + p.Prompt + ".png"}}, nil
}

func (r *gatedRenderer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeStateStore struct {
	mu    sync.Mutex
	snaps map[string]domain.Snapshot
	seen  []domain.Status
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{snaps: make(map[string]domain.Snapshot)}
}

func (s *fakeStateStore) SetSnapshot(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.ID] = snap
	s.seen = append(s.seen, snap.Status)
	return nil
}

func (s *fakeStateStore) GetSnapshot(_ context.Context, id string) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return &snap, nil
}

func (s *fakeStateStore) GetStatus(ctx context.Context, id string) (domain.Status, error) {
	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		return "", err
	}
	return snap.Status, nil
}

type fakeRepo struct {
	mu       sync.Mutex
	created  []string
	finished map[string]domain.Status
	execs    []domain.Execution
}

func newFakeRepo() *fakeRepo { return &fakeRepo{finished: make(map[string]domain.Status)} }

func (r *fakeRepo) Create(_ context.Context, snap domain.Snapshot, _ domain.Params) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, snap.ID)
	return nil
}

func (r *fakeRepo) Finish(_ context.Context, snap domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[snap.ID] = snap.Status
	return nil
}

func (r *fakeRepo) RecordExecution(_ context.Context, exec *domain.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, *exec)
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*domain.Snapshot, error) {
	return nil, &domain.TaskNotFoundError{TaskID: id}
}

func (r *fakeRepo) ListByStatus(_ context.Context, _ domain.Status, _ int) ([]domain.Snapshot, error) {
	return nil, nil
}

type publishedMsg struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []publishedMsg
	err  error
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, publishedMsg{topic: topic, key: key, value: value})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

type fakeNotifier struct {
	mu    sync.Mutex
	urls  []string
	snaps []domain.Snapshot
}

func (n *fakeNotifier) Notify(_ context.Context, url string, snap domain.Snapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
	n.snaps = append(n.snaps, snap)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func newTask(prompt string) *domain.Task {
	return domain.NewTask(domain.Params{Kind: domain.KindTextToImage, Prompt: prompt, ImageNumber: 1})
}

// startQueue runs q until the test ends and returns a stop function that
// cancels Run and waits for it and its side effects to finish.
func startQueue(t *testing.T, q *Queue) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-errCh:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("queue did not stop")
			}
			q.Wait()
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitDone(t *testing.T, task *domain.Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not finish, status %s", task.Params.Prompt, task.Status())
	}
}

func waitStarted(t *testing.T, r *gatedRenderer) string {
	t.Helper()
	select {
	case p := <-r.started:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("render did not start")
		return ""
	}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestQueue_Submit_RejectsWhenFull(t *testing.T) {
	q := New(2, newGatedRenderer(false), WithLogger(discardLogger))

	require.NoError(t, q.Submit(context.Background(), newTask("a")))
	require.NoError(t, q.Submit(context.Background(), newTask("b")))

	c := newTask("c")
	err := q.Submit(context.Background(), c)
	var full *domain.QueueFullError
	require.True(t, errors.As(err, &full), "expected QueueFullError, got %T", err)
	assert.Equal(t, 2, full.Capacity)

	assert.Equal(t, domain.StatusPending, c.Status(), "rejected task must be untouched")
	assert.Equal(t, 2, q.Stats().Pending)
	_, found := q.Get(c.ID)
	assert.False(t, found)
}

func TestQueue_Submit_NonPendingTask(t *testing.T) {
	q := New(2, newGatedRenderer(false), WithLogger(discardLogger))
	task := newTask("a")
	require.NoError(t, task.Cancel())

	err := q.Submit(context.Background(), task)
	var invalid *domain.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, 0, q.Stats().Pending)
}

func TestQueue_SlotFreesWhenTaskStarts(t *testing.T) {
	r := newGatedRenderer(false)
	q := New(2, r, WithLogger(discardLogger))
	ctx := context.Background()

	a, b := newTask("a"), newTask("b")
	require.NoError(t, q.Submit(ctx, a))
	require.NoError(t, q.Submit(ctx, b))

	var full *domain.QueueFullError
	require.True(t, errors.As(q.Submit(ctx, newTask("early")), &full))

	startQueue(t, q)
	assert.Equal(t, "a", waitStarted(t, r))

	c := newTask("c")
	require.NoError(t, q.Submit(ctx, c), "dequeuing a must free a slot")
	require.True(t, errors.As(q.Submit(ctx, newTask("d")), &full))

	stats := q.Stats()
	assert.Equal(t, a.ID, stats.RunningID)
	assert.Equal(t, 2, stats.Pending)

	for _, task := range []*domain.Task{a, b, c} {
		r.release <- struct{}{}
		waitDone(t, task)
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.Calls())
}

func TestQueue_RunsInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	renderer := render.RendererFunc(func(_ context.Context, p domain.Params) ([]domain.Result, error) {
		mu.Lock()
		order = append(order, p.Prompt)
		mu.Unlock()
		return []domain.Result{{URL: "/files/d/" + p.Prompt}}, nil
	})
	q := New(10, renderer, WithLogger(discardLogger))

	prompts := []string{"1", "2", "3", "4", "5"}
	tasks := make([]*domain.Task, 0, len(prompts))
	for _, p := range prompts {
		task := newTask(p)
		require.NoError(t, q.Submit(context.Background(), task))
		tasks = append(tasks, task)
	}

	startQueue(t, q)
	for _, task := range tasks {
		waitDone(t, task)
		assert.Equal(t, domain.StatusSuccess, task.Status())
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, prompts, order)
}

func TestQueue_AtMostOneRunning(t *testing.T) {
	var active, maxActive int32
	renderer := render.RendererFunc(func(_ context.Context, _ domain.Params) ([]domain.Result, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	})
	q := New(50, renderer, WithLogger(discardLogger))
	startQueue(t, q)

	var wg sync.WaitGroup
	tasks := make(chan *domain.Task, 50)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				task := newTask("x")
				if err := q.Submit(context.Background(), task); err == nil {
					tasks <- task
				}
			}
		}()
	}
	wg.Wait()
	close(tasks)

	for task := range tasks {
		waitDone(t, task)
		snap := task.Snapshot()
		assert.Equal(t, domain.StatusSuccess, snap.Status)
		assert.NotNil(t, snap.Results, "zero results is success with an empty list")
		assert.Empty(t, snap.Results)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestQueue_RendererError_FailsTask(t *testing.T) {
	renderer := render.RendererFunc(func(_ context.Context, _ domain.Params) ([]domain.Result, error) {
		return nil, errors.New("backend exploded")
	})
	q := New(1, renderer, WithLogger(discardLogger))
	startQueue(t, q)

	task := newTask("a")
	require.NoError(t, q.Submit(context.Background(), task))
	waitDone(t, task)

	snap := task.Snapshot()
	assert.Equal(t, domain.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "backend exploded")
	assert.Empty(t, snap.Results)
}

func TestQueue_RendererPanic_FailsTaskAndKeepsRunning(t *testing.T) {
	renderer := render.RendererFunc(func(_ context.Context, p domain.Params) ([]domain.Result, error) {
		if p.Prompt == "boom" {
			panic("out of vram")
		}
		return []domain.Result{{URL: "/files/d/ok.png"}}, nil
	})
	q := New(2, renderer, WithLogger(discardLogger))
	startQueue(t, q)

	bad, good := newTask("boom"), newTask("fine")
	require.NoError(t, q.Submit(context.Background(), bad))
	require.NoError(t, q.Submit(context.Background(), good))

	waitDone(t, bad)
	waitDone(t, good)
	assert.Equal(t, domain.StatusFailed, bad.Status())
	assert.Contains(t, bad.Snapshot().Error, "out of vram")
	assert.Equal(t, domain.StatusSuccess, good.Status())
}

func TestQueue_CancelPending_NeverRenders(t *testing.T) {
	r := newGatedRenderer(false)
	q := New(3, r, WithLogger(discardLogger))
	startQueue(t, q)
	ctx := context.Background()

	a, b, c := newTask("a"), newTask("b"), newTask("c")
	require.NoError(t, q.Submit(ctx, a))
	assert.Equal(t, "a", waitStarted(t, r))
	require.NoError(t, q.Submit(ctx, b))
	require.NoError(t, q.Submit(ctx, c))

	snap, err := q.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, snap.Status)
	waitDone(t, b)
	assert.Equal(t, 1, q.Stats().Pending)

	r.release <- struct{}{}
	waitDone(t, a)
	assert.Equal(t, "c", waitStarted(t, r))
	r.release <- struct{}{}
	waitDone(t, c)

	assert.Equal(t, []string{"a", "c"}, r.Calls())
	assert.Equal(t, domain.StatusCanceled, b.Status())
}

func TestQueue_CancelRunning_HoldsGateUntilRenderReturns(t *testing.T) {
	r := newGatedRenderer(false)
	q := New(2, r, WithLogger(discardLogger))
	startQueue(t, q)
	ctx := context.Background()

	a, b := newTask("a"), newTask("b")
	require.NoError(t, q.Submit(ctx, a))
	require.NoError(t, q.Submit(ctx, b))
	assert.Equal(t, "a", waitStarted(t, r))

	snap, err := q.Cancel(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, snap.Status)
	waitDone(t, a)

	select {
	case p := <-r.started:
		t.Fatalf("%s started while the canceled render was still running", p)
	case <-time.After(50 * time.Millisecond):
	}

	r.release <- struct{}{}
	assert.Equal(t, "b", waitStarted(t, r))
	r.release <- struct{}{}
	waitDone(t, b)

	assert.Equal(t, domain.StatusCanceled, a.Status(), "late results must not revive a canceled task")
	assert.Empty(t, a.Snapshot().Results)
	assert.Equal(t, domain.StatusSuccess, b.Status())
}

func TestQueue_CancelRunning_CancelsRenderContext(t *testing.T) {
	r := newGatedRenderer(true)
	q := New(1, r, WithLogger(discardLogger))
	startQueue(t, q)

	a := newTask("a")
	require.NoError(t, q.Submit(context.Background(), a))
	waitStarted(t, r)

	_, err := q.Cancel(context.Background(), a.ID)
	require.NoError(t, err)

	// The render observes its cancelled context and the gate opens again.
	b := newTask("b")
	require.NoError(t, q.Submit(context.Background(), b))
	assert.Equal(t, "b", waitStarted(t, r))
	r.release <- struct{}{}
	waitDone(t, b)
	assert.Equal(t, domain.StatusCanceled, a.Status())
}

func TestQueue_Cancel_FinishedAndUnknown(t *testing.T) {
	q := New(1, render.RendererFunc(func(_ context.Context, _ domain.Params) ([]domain.Result, error) {
		return nil, nil
	}), WithLogger(discardLogger))
	startQueue(t, q)

	task := newTask("a")
	require.NoError(t, q.Submit(context.Background(), task))
	waitDone(t, task)

	snap, err := q.Cancel(context.Background(), task.ID)
	var invalid *domain.InvalidTransitionError
	require.True(t, errors.As(err, &invalid), "expected InvalidTransitionError, got %T", err)
	assert.Equal(t, domain.StatusSuccess, snap.Status)
	assert.Equal(t, domain.StatusSuccess, task.Status())

	_, err = q.Cancel(context.Background(), "missing")
	var notFound *domain.TaskNotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestQueue_History_IsBoundedNewestFirst(t *testing.T) {
	q := New(10, render.RendererFunc(func(_ context.Context, _ domain.Params) ([]domain.Result, error) {
		return nil, nil
	}), WithLogger(discardLogger), WithHistorySize(3))

	tasks := make([]*domain.Task, 0, 5)
	for _, p := range []string{"1", "2", "3", "4", "5"} {
		task := newTask(p)
		require.NoError(t, q.Submit(context.Background(), task))
		tasks = append(tasks, task)
	}
	startQueue(t, q)
	for _, task := range tasks {
		waitDone(t, task)
	}

	history := q.History()
	require.Len(t, history, 3)
	assert.Equal(t, tasks[4].ID, history[0].ID)
	assert.Equal(t, tasks[2].ID, history[2].ID)

	_, found := q.Get(tasks[0].ID)
	assert.False(t, found, "evicted tasks are no longer tracked")
	got, found := q.Get(tasks[4].ID)
	require.True(t, found)
	assert.Same(t, tasks[4], got)
}

func TestQueue_Shutdown_CancelsPendingAndRunning(t *testing.T) {
	r := newGatedRenderer(true)
	q := New(2, r, WithLogger(discardLogger))
	stop := startQueue(t, q)

	a, b := newTask("a"), newTask("b")
	require.NoError(t, q.Submit(context.Background(), a))
	waitStarted(t, r)
	require.NoError(t, q.Submit(context.Background(), b))

	stop()

	waitDone(t, a)
	waitDone(t, b)
	assert.Equal(t, domain.StatusFailed, a.Status(), "interrupted render fails the task")
	assert.Equal(t, domain.StatusCanceled, b.Status())
	assert.Equal(t, []string{"a"}, r.Calls())
}

func TestQueue_SubmitAfterShutdown_IsRejected(t *testing.T) {
	r := newGatedRenderer(false)
	q := New(2, r, WithLogger(discardLogger))
	stop := startQueue(t, q)
	stop()

	late := newTask("late")
	err := q.Submit(context.Background(), late)
	var closed *domain.QueueClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, domain.StatusPending, late.Status(), "a rejected task is left untouched")
	assert.Equal(t, 0, q.Stats().Pending)
	assert.Empty(t, r.Calls())
}

func TestQueue_Run_Twice(t *testing.T) {
	q := New(1, newGatedRenderer(false), WithLogger(discardLogger))
	startQueue(t, q)

	require.Eventually(t, func() bool { return q.running.Load() }, time.Second, time.Millisecond)
	assert.Error(t, q.Run(context.Background()))
}

func TestQueue_SideStores_RecordLifecycle(t *testing.T) {
	store := newFakeStateStore()
	repo := newFakeRepo()
	prod := &fakeProducer{}
	notifier := &fakeNotifier{}

	q := New(2, render.RendererFunc(func(_ context.Context, p domain.Params) ([]domain.Result, error) {
		return []domain.Result{{URL: "/files/d/" + p.Prompt + ".png"}}, nil
	}),
		WithLogger(discardLogger),
		WithStateStore(store),
		WithRepository(repo),
		WithEventProducer(prod),
		WithNotifier(notifier),
	)
	stop := startQueue(t, q)

	task := domain.NewTask(domain.Params{
		Kind:        domain.KindTextToImage,
		Prompt:      "cat",
		ImageNumber: 1,
		WebhookURL:  "http://hooks.local/done",
	})
	require.NoError(t, q.Submit(context.Background(), task))
	waitDone(t, task)
	stop()

	assert.Equal(t, []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusSuccess}, store.seen)
	assert.Equal(t, domain.StatusSuccess, store.snaps[task.ID].Status)

	assert.Equal(t, []string{task.ID}, repo.created)
	assert.Equal(t, domain.StatusSuccess, repo.finished[task.ID])
	require.Len(t, repo.execs, 1)
	assert.Equal(t, 1, repo.execs[0].ResultCount)

	var types []string
	for _, m := range prod.msgs {
		assert.Equal(t, "images.events", m.topic)
		assert.Equal(t, task.ID, m.key)
		var ev Event
		require.NoError(t, json.Unmarshal(m.value, &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{EventSubmitted, EventStarted, EventFinished}, types)

	require.Len(t, notifier.urls, 1)
	assert.Equal(t, "http://hooks.local/done", notifier.urls[0])
	assert.Equal(t, domain.StatusSuccess, notifier.snaps[0].Status)
}

func TestQueue_SideStores_FailuresDoNotAffectTasks(t *testing.T) {
	prod := &fakeProducer{err: assert.AnError}
	q := New(1, render.RendererFunc(func(_ context.Context, _ domain.Params) ([]domain.Result, error) {
		return nil, nil
	}), WithLogger(discardLogger), WithEventProducer(prod))
	startQueue(t, q)

	task := newTask("a")
	require.NoError(t, q.Submit(context.Background(), task))
	waitDone(t, task)
	assert.Equal(t, domain.StatusSuccess, task.Status())
}
