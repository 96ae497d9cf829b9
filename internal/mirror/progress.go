package mirror

import "sync"

// Phase is a reserved, non-overlapping band of the overall progress bar
// allocated to one category of work. Bands always end the run at exactly 100.
type Phase struct {
	Label string
	Start int
	End   int
}

var (
	PhaseDocument = Phase{Label: "fetching page", Start: 0, End: 15}
	// The browser network sub-phase sits inside the document band so that
	// network activity during the initial load is visible.
	PhaseNetwork  = Phase{Label: "loading page resources", Start: 5, End: 15}
	PhaseFonts    = Phase{Label: "downloading fonts", Start: 15, End: 20}
	PhaseCSS      = Phase{Label: "downloading stylesheets", Start: 20, End: 35}
	PhaseIcons    = Phase{Label: "downloading icons", Start: 35, End: 40}
	PhaseScripts  = Phase{Label: "downloading scripts", Start: 40, End: 55}
	PhaseImages   = Phase{Label: "downloading images", Start: 55, End: 75}
	PhaseInline   = Phase{Label: "rewriting inline styles", Start: 75, End: 80}
	PhaseRewrite  = Phase{Label: "saving page", Start: 80, End: 85}
	PhaseCrawl    = Phase{Label: "mirroring linked pages", Start: 85, End: 100}
	PhaseComplete = Phase{Label: "complete", Start: 100, End: 100}
)

// Accountant converts per-phase resource counts into a monotonically
// non-decreasing overall percentage. Phase sizes vary with how many resources
// of each kind exist, but the reported value never moves backwards.
type Accountant struct {
	mu   sync.Mutex
	last int
}

// Step reports done-of-total progress within a phase band and returns the
// resulting overall percentage.
func (a *Accountant) Step(p Phase, done, total int) int {
	value := p.End
	if total > 0 {
		if done < 0 {
			done = 0
		}
		if done > total {
			done = total
		}
		value = p.Start + done*(p.End-p.Start)/total
	}
	return a.advance(value)
}

// Enter reports that a phase has begun.
func (a *Accountant) Enter(p Phase) int {
	return a.advance(p.Start)
}

// Network maps observed responses over issued requests (capped at 95%) into
// the browser-load sub-phase band.
func (a *Accountant) Network(requests, responses int) int {
	if requests <= 0 {
		return a.Current()
	}
	ratio := float64(responses) / float64(requests)
	if ratio > 0.95 {
		ratio = 0.95
	}
	span := PhaseNetwork.End - PhaseNetwork.Start
	return a.advance(PhaseNetwork.Start + int(ratio*float64(span)))
}

// Complete pins the run at exactly 100.
func (a *Accountant) Complete() int {
	return a.advance(100)
}

// Current returns the last reported percentage.
func (a *Accountant) Current() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *Accountant) advance(value int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if value > 100 {
		value = 100
	}
	if value > a.last {
		a.last = value
	}
	return a.last
}
