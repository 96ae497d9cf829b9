package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/incogthemself/site-snapshot/internal/mirror"
	"github.com/incogthemself/site-snapshot/internal/storage"
	"github.com/incogthemself/site-snapshot/pkg/types"
)

// ErrJobNotFound is returned for lookups of unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// Sink receives every job event. Delivery must not block; slow sinks drop.
type Sink interface {
	Publish(evt Event)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Runner      *mirror.Runner
	Store       storage.Store
	OutputRoot  string
	Concurrency int
	QueueSize   int
	Logger      *slog.Logger
	Sinks       []Sink
}

// Manager owns the job table: it admits new mirror requests, runs them on a
// bounded pool, and mediates pause, resume, and status queries.
type Manager struct {
	runner     *mirror.Runner
	store      storage.Store
	outputRoot string
	logger     *slog.Logger
	pool       *Pool
	sinks      []Sink

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewManager constructs a Manager and starts its worker pool.
func NewManager(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	if opts.Runner == nil {
		return nil, errors.New("manager requires a runner")
	}
	if opts.OutputRoot == "" {
		return nil, errors.New("manager requires an output root")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := NewPool(ctx, opts.Concurrency, opts.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Manager{
		runner:     opts.Runner,
		store:      opts.Store,
		outputRoot: opts.OutputRoot,
		logger:     logger,
		pool:       pool,
		sinks:      opts.Sinks,
		jobs:       make(map[string]*Job),
	}, nil
}

// StartMirror admits a new mirror job and queues its first run.
func (m *Manager) StartMirror(ctx context.Context, sourceURL string, strategy types.Strategy, crawlDepth int) (types.Job, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	u, err := url.Parse(sourceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return types.Job{}, fmt.Errorf("invalid source url %q", sourceURL)
	}
	if strategy == "" {
		strategy = types.StrategyFetch
	}
	if !strategy.Valid() {
		return types.Job{}, fmt.Errorf("unknown strategy %q", strategy)
	}
	if crawlDepth < 0 {
		crawlDepth = 0
	}
	if crawlDepth > 1 {
		crawlDepth = 1
	}

	id := uuid.NewString()
	j := newJob(id, u.String(), strategy, crawlDepth, filepath.Join(m.outputRoot, id))

	m.mu.Lock()
	m.jobs[id] = j
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.CreateProject(ctx, j.Snapshot()); err != nil {
			m.logger.Warn("persist project failed", "job_id", id, "error", err)
		}
	}

	if err := m.enqueue(ctx, j); err != nil {
		j.finish(types.JobStatusError, err.Error())
		m.persistState(context.WithoutCancel(ctx), j)
		return types.Job{}, err
	}
	m.logger.Info("mirror job queued",
		"job_id", id,
		"url", u.String(),
		"strategy", string(strategy),
		"crawl_depth", crawlDepth,
	)
	return j.Snapshot(), nil
}

// Pause requests a pause of a processing job. The job keeps its processing
// status until the runner reaches the next checkpoint.
func (m *Manager) Pause(id string) (types.Job, error) {
	j, err := m.lookup(id)
	if err != nil {
		return types.Job{}, err
	}
	if !j.RequestPause() {
		return types.Job{}, fmt.Errorf("job %s is not processing", id)
	}
	m.logger.Info("pause requested", "job_id", id)
	return j.Snapshot(), nil
}

// Resume requeues a paused job. The run restarts from the beginning; already
// written files are simply rewritten.
func (m *Manager) Resume(ctx context.Context, id string) (types.Job, error) {
	j, err := m.lookup(id)
	if err != nil {
		return types.Job{}, err
	}
	snap := j.Snapshot()
	if snap.Status != types.JobStatusPaused {
		return types.Job{}, fmt.Errorf("job %s is not paused", id)
	}
	if err := m.enqueue(ctx, j); err != nil {
		return types.Job{}, err
	}
	m.logger.Info("job resumed", "job_id", id)
	return j.Snapshot(), nil
}

// Status returns the current state of one job. Jobs persisted by an earlier
// process are read back from the store; they can be inspected but not paused
// or resumed.
func (m *Manager) Status(id string) (types.Job, error) {
	j, err := m.lookup(id)
	if err == nil {
		return j.Snapshot(), nil
	}
	if m.store != nil {
		if snap, serr := m.store.GetProject(context.Background(), id); serr == nil {
			return snap, nil
		}
	}
	return types.Job{}, err
}

// List returns all known jobs, newest first.
func (m *Manager) List() []types.Job {
	m.mu.RLock()
	jobs := make([]types.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	return jobs
}

// Subscribe attaches an event listener to one job.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	j, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := j.Subscribe()
	return ch, cancel, nil
}

// Files lists the persisted resources of one job.
func (m *Manager) Files(ctx context.Context, id string) ([]types.Resource, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	if m.store == nil {
		return nil, nil
	}
	return m.store.FilesByProject(ctx, id)
}

// Estimate forwards a pre-flight estimate request to the runner.
func (m *Manager) Estimate(ctx context.Context, rawURL string, strategy types.Strategy, crawlDepth int) (types.Estimate, error) {
	if strategy == "" {
		strategy = types.StrategyFetch
	}
	if !strategy.Valid() {
		return types.Estimate{}, fmt.Errorf("unknown strategy %q", strategy)
	}
	return m.runner.Estimate(ctx, rawURL, strategy, crawlDepth)
}

// Shutdown stops accepting work and waits for in-flight runs to drain.
func (m *Manager) Shutdown() {
	m.pool.Close()
}

func (m *Manager) lookup(id string) (*Job, error) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

func (m *Manager) enqueue(ctx context.Context, j *Job) error {
	return m.pool.Submit(ctx, func(runCtx context.Context) {
		m.run(runCtx, j)
	})
}

// run executes one mirror attempt for a job and maps its outcome onto the job
// state machine.
func (m *Manager) run(ctx context.Context, j *Job) {
	j.beginRun()
	m.persistState(ctx, j)

	snap := j.Snapshot()
	spec := mirror.RunSpec{
		JobID:      snap.ID,
		SourceURL:  snap.SourceURL,
		Strategy:   snap.Strategy,
		CrawlDepth: snap.CrawlDepth,
		OutputDir:  snap.OutputDir,
		Paused:     j.PauseRequested,
		Report: func(evt types.ProgressEvent, counts mirror.Counts) {
			j.applyProgress(evt, counts)
			m.publish(j)
			m.persistState(ctx, j)
		},
	}

	summary, err := m.runner.Mirror(ctx, spec)
	switch {
	case errors.Is(err, mirror.ErrPaused):
		j.finish(types.JobStatusPaused, "")
		m.logger.Info("job paused", "job_id", snap.ID)
	case err != nil:
		j.finish(types.JobStatusError, err.Error())
		m.logger.Error("job failed", "job_id", snap.ID, "error", err)
	default:
		j.finish(types.JobStatusComplete, "")
		m.logger.Info("job complete",
			"job_id", snap.ID,
			"fetched", summary.Fetched,
			"failed", summary.Failed,
			"bytes", summary.Bytes,
		)
	}
	m.publish(j)
	m.persistState(context.WithoutCancel(ctx), j)
}

// persistState mirrors the in-memory job state into the store. Store errors
// are logged and otherwise ignored; the in-memory table stays authoritative.
func (m *Manager) persistState(ctx context.Context, j *Job) {
	if m.store == nil {
		return
	}
	snap := j.Snapshot()
	update := storage.ProjectUpdate{
		Phase:      &snap.Phase,
		Progress:   &snap.Progress,
		Discovered: &snap.Discovered,
		Fetched:    &snap.Fetched,
		Failed:     &snap.Failed,
		BytesTotal: &snap.BytesTotal,
		LastError:  &snap.LastError,
	}
	if snap.CompletedAt != nil {
		update.CompletedAt = snap.CompletedAt
	}
	if err := m.store.UpdateProjectStatus(ctx, snap.ID, snap.Status, update); err != nil {
		m.logger.Warn("persist job state failed", "job_id", snap.ID, "error", err)
	}
}

func (m *Manager) publish(j *Job) {
	if len(m.sinks) == 0 {
		return
	}
	evt := Event{Type: "progress", Timestamp: time.Now(), Job: j.Snapshot()}
	for _, sink := range m.sinks {
		sink.Publish(evt)
	}
}
