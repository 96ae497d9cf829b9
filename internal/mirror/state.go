package mirror

import (
	"net/url"
	"sync"

	"github.com/incogthemself/site-snapshot/pkg/types"
)

// runState holds the mutable dedup state for exactly one mirror run. It is
// created fresh per run and discarded when the run ends; nothing here outlives
// or is shared across runs. The mutex keeps the maps safe should fetches ever
// be issued from more than one goroutine.
type runState struct {
	mu sync.Mutex

	// canonical URL -> chosen local path; the first mapping wins for the
	// whole run.
	localPaths map[string]string
	// chosen local path -> owning URL, so distinct URLs that flatten to the
	// same file name get disambiguated instead of overwriting each other.
	pathOwners map[string]string
	// stylesheet URLs that have started processing; never processed twice.
	visitedCSS map[string]struct{}
	// URLs whose bytes have been persisted.
	persisted map[string]struct{}
	// URLs whose fetch failed; never retried within the run.
	failedURLs map[string]struct{}

	discovered int
	fetched    int
	failed     int
	bytes      int64

	failures    []string
	maxFailures int
}

func newRunState(maxFailures int) *runState {
	if maxFailures <= 0 {
		maxFailures = 25
	}
	return &runState{
		localPaths:  make(map[string]string),
		pathOwners:  make(map[string]string),
		visitedCSS:  make(map[string]struct{}),
		persisted:   make(map[string]struct{}),
		failedURLs:  make(map[string]struct{}),
		maxFailures: maxFailures,
	}
}

// pathFor returns the canonical local path for a URL, creating and recording
// it on first sight. Every later reference to the same URL resolves to the
// same path.
func (st *runState) pathFor(u *url.URL, kind types.Kind) string {
	key := u.String()
	st.mu.Lock()
	defer st.mu.Unlock()
	if local, ok := st.localPaths[key]; ok {
		return local
	}
	local := AssetPath(u, kind)
	if owner, taken := st.pathOwners[local]; taken && owner != key {
		local = disambiguatePath(local, key)
	}
	st.localPaths[key] = local
	st.pathOwners[local] = key
	return local
}

// markCSSVisited records that a stylesheet URL has started processing and
// reports whether this caller is the first (and therefore responsible for
// persisting it).
func (st *runState) markCSSVisited(u *url.URL) bool {
	key := u.String()
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, seen := st.visitedCSS[key]; seen {
		return false
	}
	st.visitedCSS[key] = struct{}{}
	return true
}

// markFailed records that a URL's fetch failed; the run never retries it.
func (st *runState) markFailed(u *url.URL) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failedURLs[u.String()] = struct{}{}
}

func (st *runState) hasFailed(u *url.URL) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.failedURLs[u.String()]
	return ok
}

func (st *runState) isPersisted(u *url.URL) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.persisted[u.String()]
	return ok
}

func (st *runState) markPersisted(u *url.URL, size int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.persisted[u.String()] = struct{}{}
	st.fetched++
	st.bytes += size
}

func (st *runState) noteDiscovered(n int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.discovered += n
}

func (st *runState) noteFailure(source string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failed++
	if len(st.failures) < st.maxFailures {
		st.failures = append(st.failures, source+": "+err.Error())
	}
}

// absorb folds another state's counters into this one. Sub-page runs keep
// their own dedup maps but contribute to the job's aggregate counts.
func (st *runState) absorb(other *runState) {
	discovered, fetched, failed, size, failures := other.counts()
	st.mu.Lock()
	defer st.mu.Unlock()
	st.discovered += discovered
	st.fetched += fetched
	st.failed += failed
	st.bytes += size
	for _, f := range failures {
		if len(st.failures) >= st.maxFailures {
			break
		}
		st.failures = append(st.failures, f)
	}
}

// counts returns a consistent snapshot of the run counters.
func (st *runState) counts() (discovered, fetched, failed int, bytes int64, failures []string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.discovered, st.fetched, st.failed, st.bytes, append([]string(nil), st.failures...)
}
