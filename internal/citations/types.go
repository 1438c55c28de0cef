// Package citations implements the citation extraction, normalization,
// validation ladder, Gate C computation, and rendering described in spec
// §4.7. URL scanning rides on github.com/yuin/goldmark's markdown parser
// (a teacher dependency, previously unused by the teacher's own code);
// normalization rides on golang.org/x/text/cases (also a teacher
// dependency); the validation ladder's per-endpoint circuit breaking uses
// github.com/sony/gobreaker, grounded in jordigilh-kubernaut's use of the
// same library to guard its own external HTTP calls.
package citations

// FoundByRecord locates one raw URL occurrence (spec §4.7 Extract:
// "found-by.json mapping each raw URL to the (wave, perspective_id,
// ordinal, source_line) records").
type FoundByRecord struct {
	Wave          string `json:"wave"`
	PerspectiveID string `json:"perspective_id"`
	Ordinal       int    `json:"ordinal"`
	SourceLine    string `json:"source_line"`
}

// Status is a citation's validation outcome.
type Status string

const (
	StatusValid         Status = "valid"
	StatusPaywalled     Status = "paywalled"
	StatusInvalid       Status = "invalid"
	StatusBlocked       Status = "blocked"
	StatusMismatch      Status = "mismatch"
	StatusUncategorized Status = "uncategorized"
)

// Citation is one entry in citations.jsonl.
type Citation struct {
	CID            string   `json:"cid"`
	NormalizedURL  string   `json:"normalized_url"`
	RawURLs        []string `json:"raw_urls"`
	Status         Status   `json:"status"`
	Title          string   `json:"title,omitempty"`
	Publisher      string   `json:"publisher,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

// Mode is the citation validation mode (spec §4.7).
type Mode string

const (
	ModeOffline        Mode = "offline"
	ModeOnlineDryRun    Mode = "online_dry_run"
	ModeOnlineReplay    Mode = "online_replay"
)

// LadderStepResult is one step of the three-step validation ladder
// (direct fetch, Bright Data, Apify).
type LadderStepResult struct {
	Step   string `json:"step"`
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}
