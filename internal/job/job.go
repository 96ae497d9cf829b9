package job

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/incogthemself/site-snapshot/internal/mirror"
	"github.com/incogthemself/site-snapshot/pkg/types"
)

// Event envelopes job state for SSE and websocket subscribers.
type Event struct {
	Type      string               `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Job       types.Job            `json:"job"`
	Progress  *types.ProgressEvent `json:"progress,omitempty"`
}

// Job tracks the lifecycle of one mirror run. The pause flag is distinct from
// status: a job told to pause keeps reporting processing until the runner
// reaches a safe checkpoint.
type Job struct {
	id string

	mu          sync.Mutex
	sourceURL   string
	strategy    types.Strategy
	crawlDepth  int
	outputDir   string
	status      types.JobStatus
	phase       string
	progress    int
	discovered  int
	fetched     int
	failed      int
	bytesTotal  int64
	createdAt   time.Time
	completedAt *time.Time
	lastError   string

	pause atomic.Bool

	subMu       sync.RWMutex
	subscribers map[chan Event]struct{}
}

func newJob(id, sourceURL string, strategy types.Strategy, crawlDepth int, outputDir string) *Job {
	return &Job{
		id:          id,
		sourceURL:   sourceURL,
		strategy:    strategy,
		crawlDepth:  crawlDepth,
		outputDir:   outputDir,
		status:      types.JobStatusPending,
		createdAt:   time.Now(),
		subscribers: make(map[chan Event]struct{}),
	}
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// PauseRequested reports the pause flag; the runner consults this before each
// phase and before each resource fetch.
func (j *Job) PauseRequested() bool { return j.pause.Load() }

// RequestPause flips the pause flag if the job is currently processing.
func (j *Job) RequestPause() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != types.JobStatusProcessing {
		return false
	}
	j.pause.Store(true)
	return true
}

// clearPause resets the pause flag ahead of a (re)start.
func (j *Job) clearPause() { j.pause.Store(false) }

// Snapshot returns a copy of the public job state.
func (j *Job) Snapshot() types.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() types.Job {
	snap := types.Job{
		ID:         j.id,
		SourceURL:  j.sourceURL,
		Strategy:   j.strategy,
		CrawlDepth: j.crawlDepth,
		OutputDir:  j.outputDir,
		Status:     j.status,
		Phase:      j.phase,
		Progress:   j.progress,
		Discovered: j.discovered,
		Fetched:    j.fetched,
		Failed:     j.failed,
		BytesTotal: j.bytesTotal,
		CreatedAt:  j.createdAt,
		LastError:  j.lastError,
	}
	if j.completedAt != nil {
		completed := *j.completedAt
		snap.CompletedAt = &completed
	}
	return snap
}

// beginRun moves the job into processing, resetting per-run counters. Resume
// restarts the whole mirror from the top, so prior counts are discarded.
func (j *Job) beginRun() {
	j.clearPause()
	j.mu.Lock()
	j.status = types.JobStatusProcessing
	j.phase = ""
	j.progress = 0
	j.discovered = 0
	j.fetched = 0
	j.failed = 0
	j.bytesTotal = 0
	j.completedAt = nil
	j.lastError = ""
	j.mu.Unlock()
	j.broadcast("job_started", nil)
}

// applyProgress folds a progress increment into the job state.
func (j *Job) applyProgress(evt types.ProgressEvent, counts mirror.Counts) {
	j.mu.Lock()
	if evt.Percent > j.progress {
		j.progress = evt.Percent
	}
	if evt.Step != "" {
		j.phase = evt.Step
	}
	j.discovered = counts.Discovered
	j.fetched = counts.Fetched
	j.failed = counts.Failed
	j.bytesTotal = counts.Bytes
	j.mu.Unlock()
	j.broadcast("progress", &evt)
}

// finish records the terminal (or paused) outcome of a run.
func (j *Job) finish(status types.JobStatus, errText string) {
	now := time.Now()
	j.mu.Lock()
	j.status = status
	j.lastError = errText
	if status.Terminal() {
		j.completedAt = &now
	}
	if status == types.JobStatusComplete {
		j.progress = 100
	}
	j.mu.Unlock()

	eventType := "job_completed"
	switch status {
	case types.JobStatusPaused:
		eventType = "job_paused"
	case types.JobStatusError:
		eventType = "job_failed"
	}
	j.broadcast(eventType, nil)
}

// Subscribe registers an event subscriber for the job. The returned cancel
// func must be called to release the channel.
func (j *Job) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	j.subMu.Lock()
	j.subscribers[ch] = struct{}{}
	j.subMu.Unlock()

	initial := Event{
		Type:      "snapshot",
		Timestamp: time.Now(),
		Job:       j.Snapshot(),
	}
	select {
	case ch <- initial:
	default:
	}

	cancel := func() {
		j.subMu.Lock()
		if _, ok := j.subscribers[ch]; ok {
			delete(j.subscribers, ch)
			close(ch)
		}
		j.subMu.Unlock()
	}
	return ch, cancel
}

func (j *Job) broadcast(eventType string, progress *types.ProgressEvent) {
	envelope := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Job:       j.Snapshot(),
	}
	if progress != nil {
		copyProgress := *progress
		envelope.Progress = &copyProgress
	}

	j.subMu.RLock()
	defer j.subMu.RUnlock()
	for ch := range j.subscribers {
		select {
		case ch <- envelope:
		default:
		}
	}
}
