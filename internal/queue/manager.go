package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HengLine/ai-diffusion-aigc/internal/client"
	"github.com/HengLine/ai-diffusion-aigc/internal/metrics"
	"github.com/HengLine/ai-diffusion-aigc/internal/model"
	"github.com/HengLine/ai-diffusion-aigc/internal/workflow"
)

// Engine is the slice of the engine client the manager consumes.
type Engine interface {
	Ping(ctx context.Context) bool
	Submit(ctx context.Context, graph workflow.Graph) (string, error)
	Wait(ctx context.Context, jobID string) ([]client.Artifact, error)
	Fetch(ctx context.Context, a client.Artifact) ([]byte, error)
	UploadImage(ctx context.Context, localPath, subfolder string) (string, error)
}

// Notifier receives task snapshots on every status transition. The
// websocket hub implements it; a nil notifier is fine.
type Notifier interface {
	TaskUpdated(t *model.Task)
}

// Config holds the manager's tunables.
type Config struct {
	Workers      int
	RetryCeiling int
	RetryBackoff time.Duration
	OutputDir    string
	UploadFolder string
	// Templates maps each task kind to the workflow template it executes.
	Templates map[model.TaskKind]string
	// Defaults are per-kind parameter defaults merged under submitted params.
	Defaults map[model.TaskKind]map[string]any
}

// requiredParams lists what a submission must carry per kind. Checked after
// defaults are merged, before the task touches the queue.
var requiredParams = map[model.TaskKind][]string{
	model.KindText2Img:     {model.ParamPrompt},
	model.KindImg2Img:      {model.ParamPrompt, model.ParamSourceImagePath},
	model.KindText2Video:   {model.ParamPrompt},
	model.KindImg2Video:    {model.ParamSourceImagePath},
	model.KindSceneVariant: {model.ParamSourceImagePath},
}

// defaultDurations seed the per-kind moving averages used for wait
// estimates, in seconds.
var defaultDurations = map[model.TaskKind]float64{
	model.KindText2Img:     60,
	model.KindImg2Img:      70,
	model.KindText2Video:   300,
	model.KindImg2Video:    320,
	model.KindSceneVariant: 90,
}

const baseWaitSeconds = 20

// Manager owns every task for its lifetime: admission, FIFO scheduling
// across a bounded worker pool, retry with backoff, cooperative
// cancellation, and journaling. Callers only ever see snapshots.
type Manager struct {
	cfg      Config
	engine   Engine
	store    *workflow.Store
	journal  *Journal
	notifier Notifier

	mu      sync.Mutex
	cond    *sync.Cond
	pending []string // task ids in FIFO order; retries re-enter at the tail
	tasks   map[string]*model.Task
	cancels map[string]context.CancelFunc
	avg     map[model.TaskKind]float64
	running int
	closed  bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager builds a manager and replays the journal: interrupted running
// tasks and still-queued tasks re-enter the queue in creation order.
func NewManager(cfg Config, engine Engine, store *workflow.Store, journal *Journal, notifier Notifier) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		engine:     engine,
		store:      store,
		journal:    journal,
		notifier:   notifier,
		tasks:      make(map[string]*model.Task),
		cancels:    make(map[string]context.CancelFunc),
		avg:        make(map[model.TaskKind]float64, len(defaultDurations)),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
	m.cond = sync.NewCond(&m.mu)
	for kind, d := range defaultDurations {
		m.avg[kind] = d
	}
	m.restore()
	return m
}

// Start launches the worker pool.
func (m *Manager) Start() {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	log.Printf("[Queue] Manager started with %d worker(s), retry ceiling %d", m.cfg.Workers, m.cfg.RetryCeiling)
}

// Close stops accepting work and waits for workers to drain. In-flight
// tasks are cancelled; their queued state survives in the journal.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.rootCancel()
	m.cond.Broadcast()
	m.wg.Wait()
	log.Println("[Queue] Manager stopped")
}

// Submit validates and enqueues a generation request. Invalid requests
// never consume a queue slot.
func (m *Manager) Submit(kind model.TaskKind, params map[string]any) (*model.Task, int, time.Duration, error) {
	required, known := requiredParams[kind]
	if !known {
		return nil, 0, 0, fmt.Errorf("%w: unknown task kind %q", ErrInvalidRequest, kind)
	}
	if _, ok := m.cfg.Templates[kind]; !ok {
		return nil, 0, 0, fmt.Errorf("%w: no workflow configured for kind %q", ErrInvalidRequest, kind)
	}

	effective := make(map[string]any)
	for k, v := range m.cfg.Defaults[kind] {
		effective[k] = v
	}
	for k, v := range params {
		effective[k] = v
	}
	for _, p := range required {
		if !hasValue(effective, p) {
			return nil, 0, 0, fmt.Errorf("%w: %s requires parameter %q", ErrInvalidRequest, kind, p)
		}
	}

	t := &model.Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Params:    effective,
		Status:    model.StatusQueued,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, 0, 0, fmt.Errorf("%w: queue is shut down", ErrInvalidRequest)
	}
	m.tasks[t.ID] = t
	m.pending = append(m.pending, t.ID)
	position := m.queuedLocked() + m.running
	wait := m.estimateWaitLocked(kind, position)
	snap := t.Snapshot()
	m.cond.Signal()
	metrics.QueueDepth.Set(float64(len(m.pending)))
	m.mu.Unlock()

	metrics.TasksSubmitted.WithLabelValues(string(kind)).Inc()
	m.record(snap)
	log.Printf("[Queue] Task %s enqueued (kind=%s, position=%d)", t.ID, kind, position)
	return snap, position, wait, nil
}

// Status returns a read-only snapshot of the task.
func (m *Manager) Status(id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Snapshot(), nil
}

// Cancel removes a queued task from the line immediately; for a running
// task it signals the worker, which marks the task cancelled at its next
// poll boundary. Cancelling a finished task is a no-op.
func (m *Manager) Cancel(id string) (*model.Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	switch {
	case t.Status.IsTerminal():
		snap := t.Snapshot()
		m.mu.Unlock()
		return snap, nil

	case t.Status == model.StatusQueued:
		// The id stays in the pending slice; workers skip non-queued tasks.
		t.MarkCancelled()
		snap := t.Snapshot()
		m.mu.Unlock()
		metrics.TasksFinished.WithLabelValues(string(snap.Kind), string(snap.Status)).Inc()
		m.record(snap)
		log.Printf("[Queue] Task %s cancelled while queued", id)
		return snap, nil

	default: // running
		if cancel, ok := m.cancels[id]; ok {
			cancel()
		}
		snap := t.Snapshot()
		m.mu.Unlock()
		log.Printf("[Queue] Task %s cancellation requested", id)
		return snap, nil
	}
}

// ListRecent returns snapshots ordered most recent first.
func (m *Manager) ListRecent(limit int) []*model.Task {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	snaps := make([]*model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		snaps = append(snaps, t.Snapshot())
	}
	m.mu.Unlock()

	sort.Slice(snaps, func(i, k int) bool {
		return snaps[i].CreatedAt.After(snaps[k].CreatedAt)
	})
	if len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps
}

// Stats reports current queue load and average durations.
func (m *Manager) Stats() *model.QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKind := make(map[model.TaskKind]int)
	queued := 0
	for _, t := range m.tasks {
		if t.Status == model.StatusQueued {
			queued++
			byKind[t.Kind]++
		}
	}
	avg := make(map[model.TaskKind]float64, len(m.avg))
	for k, v := range m.avg {
		avg[k] = v
	}
	return &model.QueueStats{
		Queued:           queued,
		Running:          m.running,
		Workers:          m.cfg.Workers,
		QueuedByKind:     byKind,
		AverageDurations: avg,
		TotalTracked:     len(m.tasks),
	}
}

func (m *Manager) worker(n int) {
	defer m.wg.Done()
	for {
		t := m.next()
		if t == nil {
			return
		}
		m.run(t)
	}
}

// next blocks until a queued task is available or the manager closes.
// Tasks cancelled while waiting are skipped here.
func (m *Manager) next() *model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for len(m.pending) > 0 {
			id := m.pending[0]
			m.pending = m.pending[1:]
			metrics.QueueDepth.Set(float64(len(m.pending)))
			t := m.tasks[id]
			if t == nil || t.Status != model.StatusQueued {
				continue
			}
			return t
		}
		if m.closed {
			return nil
		}
		m.cond.Wait()
	}
}

// run executes one attempt of one task and applies the retry policy.
// Nothing a task does may escape and take a worker down.
func (m *Manager) run(t *model.Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Queue] Worker recovered from panic in task %s: %v", t.ID, r)
			m.mu.Lock()
			delete(m.cancels, t.ID)
			m.running--
			if !t.Status.IsTerminal() {
				t.MarkFailed(fmt.Sprintf("internal error: %v", r))
			}
			snap := t.Snapshot()
			m.mu.Unlock()
			metrics.TasksRunning.Dec()
			metrics.TasksFinished.WithLabelValues(string(snap.Kind), string(snap.Status)).Inc()
			m.record(snap)
		}
	}()

	m.mu.Lock()
	if t.Status != model.StatusQueued {
		m.mu.Unlock()
		return
	}
	t.MarkRunning()
	ctx, cancel := context.WithCancel(m.rootCtx)
	m.cancels[t.ID] = cancel
	m.running++
	snap := t.Snapshot()
	m.mu.Unlock()

	metrics.TasksRunning.Inc()
	m.record(snap)
	log.Printf("[Queue] Task %s running (kind=%s, attempt %d)", t.ID, t.Kind, snap.Attempts)

	paths, warnings, execErr := m.execute(ctx, snap)
	cancel()

	m.mu.Lock()
	delete(m.cancels, t.ID)
	m.running--
	t.Warnings = warningStrings(warnings)

	retried := false
	switch {
	case execErr == nil:
		t.MarkSucceeded(paths)
		m.observeDurationLocked(t)

	case errors.Is(execErr, context.Canceled):
		t.MarkCancelled()

	case isTransient(execErr):
		if t.Attempts <= m.cfg.RetryCeiling {
			t.ResetForRetry(execErr.Error())
			m.requeueLaterLocked(t)
			retried = true
		} else {
			t.MarkFailed(execErr.Error())
		}

	default:
		t.MarkFailed(execErr.Error())
	}
	snap = t.Snapshot()
	m.mu.Unlock()

	metrics.TasksRunning.Dec()
	if retried {
		metrics.TaskRetries.WithLabelValues(string(snap.Kind)).Inc()
		log.Printf("[Queue] Task %s requeued after transient failure (attempt %d/%d): %v",
			t.ID, snap.Attempts, m.cfg.RetryCeiling+1, execErr)
	} else {
		metrics.TasksFinished.WithLabelValues(string(snap.Kind), string(snap.Status)).Inc()
		log.Printf("[Queue] Task %s finished: %s", t.ID, snap.Status)
	}
	m.record(snap)
}

// execute performs one full attempt: template, binding, submission,
// polling, artifact download. It works on a snapshot; the live record is
// only touched by run under the manager lock.
func (m *Manager) execute(ctx context.Context, snap *model.Task) ([]string, []workflow.BindingWarning, error) {
	tmpl, err := m.store.Load(m.cfg.Templates[snap.Kind])
	if err != nil {
		return nil, nil, err
	}

	params := snap.Params
	if src, ok := params[model.ParamSourceImagePath].(string); ok && src != "" {
		if localFileExists(src) {
			rel, err := m.engine.UploadImage(ctx, src, m.cfg.UploadFolder)
			if err != nil {
				return nil, nil, err
			}
			params[model.ParamSourceImagePath] = rel
		}
	}

	graph, warnings := workflow.Bind(tmpl, params)

	if !m.engine.Ping(ctx) {
		return nil, warnings, fmt.Errorf("%w: liveness probe failed", client.ErrEngineUnreachable)
	}

	jobID, err := m.engine.Submit(ctx, graph)
	if err != nil {
		return nil, warnings, err
	}

	started := time.Now()
	artifacts, err := m.engine.Wait(ctx, jobID)
	if err != nil {
		return nil, warnings, err
	}
	metrics.EngineWait.WithLabelValues(string(snap.Kind)).Observe(time.Since(started).Seconds())

	paths, err := m.saveArtifacts(ctx, snap.ID, artifacts)
	if err != nil {
		return nil, warnings, err
	}
	return paths, warnings, nil
}

func (m *Manager) requeueLaterLocked(t *model.Task) {
	id := t.ID
	if m.cfg.RetryBackoff <= 0 {
		m.pending = append(m.pending, id)
		m.cond.Signal()
		return
	}
	time.AfterFunc(m.cfg.RetryBackoff, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		if task, ok := m.tasks[id]; ok && task.Status == model.StatusQueued {
			m.pending = append(m.pending, id)
			metrics.QueueDepth.Set(float64(len(m.pending)))
			m.cond.Signal()
		}
	})
}

func (m *Manager) observeDurationLocked(t *model.Task) {
	d := t.Duration().Seconds()
	if d <= 0 {
		return
	}
	// Simple moving blend, weighted toward history.
	m.avg[t.Kind] = m.avg[t.Kind]*0.8 + d*0.2
}

func (m *Manager) queuedLocked() int {
	n := 0
	for _, t := range m.tasks {
		if t.Status == model.StatusQueued {
			n++
		}
	}
	return n
}

func (m *Manager) estimateWaitLocked(kind model.TaskKind, position int) time.Duration {
	if position <= m.cfg.Workers {
		return baseWaitSeconds * time.Second
	}
	ahead := float64(position - m.cfg.Workers)
	secs := ahead*m.avg[kind] + baseWaitSeconds
	return time.Duration(secs * float64(time.Second))
}

// restore replays the journal into the task map. Tasks interrupted while
// running go back to queued; queued tasks re-enter the line in creation
// order.
func (m *Manager) restore() {
	if m.journal == nil {
		return
	}
	tasks, err := m.journal.Replay()
	if err != nil {
		log.Printf("[Queue] Journal replay failed: %v", err)
		return
	}

	requeued := 0
	for _, t := range tasks {
		if t.Status == model.StatusRunning {
			t.ResetForRetry("interrupted by restart")
			if err := m.journal.Append(t); err != nil {
				log.Printf("[Queue] Journal write failed for %s: %v", t.ID, err)
			}
		}
		m.tasks[t.ID] = t
		if t.Status == model.StatusQueued {
			m.pending = append(m.pending, t.ID)
			requeued++
		}
	}
	if len(tasks) > 0 {
		log.Printf("[Queue] Restored %d task(s) from journal, %d requeued", len(tasks), requeued)
	}
}

// CleanupExpired removes journal files and task result directories older
// than the retention window, and forgets the corresponding terminal tasks.
func (m *Manager) CleanupExpired(retention time.Duration) {
	cutoff := time.Now().Add(-retention)

	if m.journal != nil {
		if n, err := m.journal.RemoveOlderThan(cutoff); err != nil {
			log.Printf("[Queue] Journal cleanup failed: %v", err)
		} else if n > 0 {
			log.Printf("[Queue] Removed %d expired journal file(s)", n)
		}
	}

	m.mu.Lock()
	var expired []string
	for id, t := range m.tasks {
		if t.Status.IsTerminal() && t.CreatedAt.Before(cutoff) {
			delete(m.tasks, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		removeResultDir(m.cfg.OutputDir, id)
	}
	if len(expired) > 0 {
		log.Printf("[Queue] Dropped %d expired task(s)", len(expired))
	}
}

func warningStrings(warnings []workflow.BindingWarning) []string {
	if len(warnings) == 0 {
		return nil
	}
	out := make([]string, len(warnings))
	for i, w := range warnings {
		out[i] = w.String()
	}
	return out
}

func isTransient(err error) bool {
	return errors.Is(err, client.ErrEngineUnreachable) || errors.Is(err, client.ErrEngineTimeout)
}

func hasValue(params map[string]any, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return v != nil
}

func (m *Manager) record(snap *model.Task) {
	if m.journal != nil {
		if err := m.journal.Append(snap); err != nil {
			log.Printf("[Queue] Journal write failed for %s: %v", snap.ID, err)
		}
	}
	if m.notifier != nil {
		m.notifier.TaskUpdated(snap)
	}
}
