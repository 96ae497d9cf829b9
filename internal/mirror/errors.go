package mirror

import (
	"errors"
	"fmt"
)

// ErrPaused signals that the run stopped cleanly at a pause checkpoint. It is
// not a failure; the job transitions to paused and can be resumed later.
var ErrPaused = errors.New("mirror paused")

// errAlreadyFailed marks a repeat reference to a URL whose fetch already
// failed and was counted earlier in the run.
var errAlreadyFailed = errors.New("fetch already failed this run")

// FetchError reports a resource that could not be downloaded. Individual fetch
// errors are tolerated and counted; only failure to obtain the top-level
// document is fatal to a run.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
