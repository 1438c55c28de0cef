package citations

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/madhatter5501/deepresearch/internal/apperr"
)

// FixtureEntry is one row of the offline-mode fixtures file: the expected
// status for a normalized URL (spec §4.7 Offline mode).
type FixtureEntry struct {
	NormalizedURL string `json:"normalized_url"`
	Status        Status `json:"status"`
	Title         string `json:"title,omitempty"`
	Publisher     string `json:"publisher,omitempty"`
}

// Endpoint is one step of the validation ladder. Only online dry-run runs
// the ladder (online replay reads captured results and never calls it),
// and it never dials a socket: the caller supplies a deterministic
// stand-in Call, so the circuit breaker governs only the
// offline-simulated ladder's control flow.
type Endpoint struct {
	Name string
	Call func(normalizedURL string) (LadderStepResult, error)
}

// Ladder wraps each endpoint's Call in its own gobreaker.CircuitBreaker,
// grounded in jordigilh-kubernaut's use of sony/gobreaker to guard
// external HTTP calls: repeated endpoint failures trip the breaker so a
// flaky validation step degrades to "blocked" instead of hanging the tick.
type Ladder struct {
	breakers []*gobreaker.CircuitBreaker
	endpoints []Endpoint
}

// NewLadder builds a three-step ladder (direct fetch, Bright Data, Apify)
// from the supplied endpoints, one breaker per step.
func NewLadder(endpoints []Endpoint) *Ladder {
	l := &Ladder{endpoints: endpoints}
	for _, ep := range endpoints {
		settings := gobreaker.Settings{
			Name:        ep.Name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		l.breakers = append(l.breakers, gobreaker.NewCircuitBreaker(settings))
	}
	return l
}

// Run executes every step of the ladder for one normalized URL, in order,
// and returns every step's result for the citation's validation trail. A
// step whose call errors or whose breaker is open is recorded as
// "blocked"; no step's result stops the remaining steps from running.
func (l *Ladder) Run(normalizedURL string) []LadderStepResult {
	var results []LadderStepResult
	for i, ep := range l.endpoints {
		res, err := l.breakers[i].Execute(func() (interface{}, error) {
			return ep.Call(normalizedURL)
		})
		if err != nil {
			results = append(results, LadderStepResult{Step: ep.Name, Status: "blocked", Note: err.Error()})
			continue
		}
		stepResult := res.(LadderStepResult)
		results = append(results, stepResult)
	}
	return results
}

// ValidateOffline implements spec §4.7's offline mode: look up each
// normalized URL in fixtures, emitting INVALID_ARGS if a URL has none.
func ValidateOffline(normalizedURLs []string, fixtures map[string]FixtureEntry) ([]Citation, *apperr.Error) {
	out := make([]Citation, 0, len(normalizedURLs))
	for _, nu := range normalizedURLs {
		fx, ok := fixtures[nu]
		if !ok {
			return nil, apperr.New(apperr.CodeInvalidArgs, "missing offline fixture for normalized URL", map[string]any{
				"normalized_url": nu,
			})
		}
		status := fx.Status
		notes := ""
		if IsPrivateOrLocal(nu) {
			status = StatusInvalid
			notes = "private/local target blocked by SSRF policy"
		}
		out = append(out, Citation{
			CID: CID(nu), NormalizedURL: nu, Status: status,
			Title: fx.Title, Publisher: fx.Publisher, Notes: notes,
		})
	}
	return out, nil
}

// ValidateOnlineDryRun implements spec §4.7's online dry-run mode: run the
// three-step ladder, each step marked skipped(dry-run), emitting
// deterministic notes. A URL whose every ladder step reports "blocked"
// (the breaker tripped) is itself marked status=blocked and returned in
// the blocked-URLs queue; an SSRF-rejected URL is marked invalid directly
// and never reaches the ladder.
func ValidateOnlineDryRun(normalizedURLs []string, ladder *Ladder) ([]Citation, []string) {
	var out []Citation
	var blocked []string
	for _, nu := range normalizedURLs {
		if IsPrivateOrLocal(nu) {
			out = append(out, Citation{CID: CID(nu), NormalizedURL: nu, Status: StatusInvalid, Notes: "private/local target blocked by SSRF policy"})
			continue
		}
		steps := ladder.Run(nu)
		allBlocked := len(steps) > 0
		for _, s := range steps {
			if s.Status != "blocked" {
				allBlocked = false
				break
			}
		}
		if allBlocked {
			out = append(out, Citation{
				CID: CID(nu), NormalizedURL: nu, Status: StatusBlocked,
				Notes: fmt.Sprintf("all %d ladder steps blocked", len(steps)),
			})
			blocked = append(blocked, nu)
			continue
		}
		out = append(out, Citation{
			CID: CID(nu), NormalizedURL: nu, Status: StatusUncategorized,
			Notes: fmt.Sprintf("dry-run, %d ladder steps skipped", len(steps)),
		})
	}
	return out, blocked
}

// ValidateOnlineReplay implements spec §4.7's online replay mode:
// reconstitute byte-identical results from a previously captured fixture
// set, with zero network activity. A captured entry whose cid or
// normalized_url no longer matches the URL it's keyed under is replayed
// as status=mismatch rather than trusted verbatim.
func ValidateOnlineReplay(normalizedURLs []string, captured map[string]Citation) ([]Citation, *apperr.Error) {
	out := make([]Citation, 0, len(normalizedURLs))
	for _, nu := range normalizedURLs {
		c, ok := captured[nu]
		if !ok {
			return nil, apperr.New(apperr.CodeInvalidArgs, "no captured online fixture for normalized URL", map[string]any{
				"normalized_url": nu,
			})
		}
		if c.NormalizedURL != nu || c.CID != CID(nu) {
			c.Status = StatusMismatch
			c.Notes = "captured fixture does not match normalized URL"
		}
		out = append(out, c)
	}
	return out, nil
}
