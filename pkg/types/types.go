package types

import (
	"net/http"
	"net/url"
	"time"
)

// Strategy selects how the source document is obtained.
type Strategy string

const (
	// StrategyFetch downloads the raw markup without executing scripts.
	StrategyFetch Strategy = "no-script-fetch"
	// StrategyRender loads the page in a headless browser and snapshots the DOM.
	StrategyRender Strategy = "browser-render"
)

// Valid reports whether the strategy is one of the known values.
func (s Strategy) Valid() bool {
	return s == StrategyFetch || s == StrategyRender
}

// JobStatus captures the lifecycle stage of a mirror job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusError      JobStatus = "error"
	JobStatusPaused     JobStatus = "paused"
)

// Terminal reports whether the status allows no further transitions short of a restart.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusError
}

// Kind classifies a mirrored resource by what the page uses it for.
type Kind string

const (
	KindDocument   Kind = "document"
	KindStylesheet Kind = "stylesheet"
	KindScript     Kind = "script"
	KindImage      Kind = "image"
	KindFont       Kind = "font"
	KindIcon       Kind = "icon"
	KindOther      Kind = "other"
)

// Job is one mirroring run for one source URL producing one output directory.
type Job struct {
	ID          string     `json:"id"`
	SourceURL   string     `json:"source_url"`
	Strategy    Strategy   `json:"strategy"`
	CrawlDepth  int        `json:"crawl_depth"`
	OutputDir   string     `json:"output_dir"`
	Status      JobStatus  `json:"status"`
	Phase       string     `json:"phase,omitempty"`
	Progress    int        `json:"progress"`
	Discovered  int        `json:"resources_discovered"`
	Fetched     int        `json:"resources_fetched"`
	Failed      int        `json:"resources_failed"`
	BytesTotal  int64      `json:"bytes_total"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Resource is one persisted file belonging to a job.
type Resource struct {
	JobID     string    `json:"job_id"`
	Path      string    `json:"path"`
	SourceURL string    `json:"source_url"`
	Kind      Kind      `json:"kind"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Page represents fetched content, raw or browser-rendered.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	Rendered        bool
	ObservedURLs    []string
	ResponseLatency time.Duration
}

// ProgressEvent is pushed to sinks after every meaningful progress increment.
type ProgressEvent struct {
	JobID        string `json:"job_id"`
	Percent      int    `json:"percent"`
	Step         string `json:"step"`
	ResourcePath string `json:"resource_path,omitempty"`
}

// Estimate is the cheap pre-flight cost heuristic for a prospective mirror.
type Estimate struct {
	ResourceCount    int   `json:"resource_count"`
	EstimatedSeconds int   `json:"estimated_seconds"`
	EstimatedBytes   int64 `json:"estimated_bytes"`
}
