package api

import (
	"github.com/incogthemself/site-snapshot/pkg/types"
)

// CreateJobRequest captures the payload used to launch a mirror job.
type CreateJobRequest struct {
	URL        string `json:"url"`
	Strategy   string `json:"strategy,omitempty"`
	CrawlDepth int    `json:"crawl_depth,omitempty"`
}

// EstimateRequest asks for a pre-flight size and duration estimate.
type EstimateRequest struct {
	URL        string `json:"url"`
	Strategy   string `json:"strategy,omitempty"`
	CrawlDepth int    `json:"crawl_depth,omitempty"`
}

// FileListResponse lists the persisted resources of one job.
type FileListResponse struct {
	JobID string           `json:"job_id"`
	Files []types.Resource `json:"files"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
