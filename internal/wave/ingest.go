package wave

import (
	"regexp"
	"strings"

	"github.com/madhatter5501/deepresearch/internal/apperr"
)

var sourceLineRe = regexp.MustCompile(`^- https?://\S+$`)

// sections returns the markdown's top-level "## Name" sections as a map of
// name -> body (everything up to the next "## " heading or EOF).
func sections(markdown string) map[string]string {
	out := map[string]string{}
	lines := strings.Split(markdown, "\n")
	var current string
	var body []string
	flush := func() {
		if current != "" {
			out[current] = strings.Join(body, "\n")
		}
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "## ") {
			flush()
			current = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			body = nil
			continue
		}
		if current != "" {
			body = append(body, line)
		}
	}
	flush()
	return out
}

// Section returns the named top-level "## Name" section body from markdown,
// for callers outside this package that need one section in isolation (e.g.
// the summaries handler, which summarizes Findings without re-emitting the
// raw Sources bullet list).
func Section(markdown, name string) (string, bool) {
	body, ok := sections(markdown)[name]
	return body, ok
}

func bulletLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// ValidateOutput checks one wave output against the perspective's contract
// (spec §4.6: required sections Findings/Sources/Gaps; sources_count <=
// max_sources; words <= max_words; Sources entries must match
// `^- https?://...$`).
func ValidateOutput(out Output, p Perspective) *apperr.Error {
	secs := sections(out.Markdown)

	for _, required := range []string{"Findings", "Sources", "Gaps"} {
		if _, ok := secs[required]; !ok {
			return apperr.New(apperr.CodeMissingRequiredSection, "missing required section "+required, map[string]any{
				"perspective_id": out.PerspectiveID, "section": required,
			})
		}
	}

	sourceLines := bulletLines(secs["Sources"])
	if len(sourceLines) > p.PromptContract.MaxSources {
		return apperr.New(apperr.CodeTooManySources, "sources_count exceeds max_sources", map[string]any{
			"perspective_id": out.PerspectiveID, "count": len(sourceLines), "max": p.PromptContract.MaxSources,
		})
	}
	for _, line := range sourceLines {
		if !sourceLineRe.MatchString(line) {
			return apperr.New(apperr.CodeMalformedSources, "source line does not match required format", map[string]any{
				"perspective_id": out.PerspectiveID, "line": line,
			})
		}
	}

	words := wordCount(out.Markdown)
	if words > p.PromptContract.MaxWords {
		return apperr.New(apperr.CodeTooManyWords, "word count exceeds max_words", map[string]any{
			"perspective_id": out.PerspectiveID, "words": words, "max": p.PromptContract.MaxWords,
		})
	}

	return nil
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// WriteFunc persists one ingested output's markdown and sidecar meta.
// Supplied by the caller so this package does no file IO of its own.
type WriteFunc func(perspectiveID, markdown string, meta SidecarMeta) error

// IngestMeta carries the sidecar fields IngestBatch cannot derive from the
// plan or the output markdown itself (spec §3: created_at, retry_count,
// source_input_path).
type IngestMeta struct {
	CreatedAt       string
	RetryCount      int
	SourceInputPath string
}

// IngestBatch validates every output against its perspective's contract
// and, only if the entire batch is valid, writes each one via write (spec
// §4.6: "Ingest is transactional: if any output in the batch fails, no
// file is written").
func IngestBatch(outputs []Output, perspectives map[string]Perspective, plan *Plan, meta IngestMeta, write WriteFunc) *apperr.Error {
	entries := map[string]PlanEntry{}
	for _, e := range plan.Entries {
		entries[e.PerspectiveID] = e
	}

	for _, out := range outputs {
		p, ok := perspectives[out.PerspectiveID]
		if !ok {
			return apperr.New(apperr.CodePerspectiveNotFound, "unknown perspective_id "+out.PerspectiveID, map[string]any{
				"perspective_id": out.PerspectiveID,
			})
		}
		if blockErr := ValidateOutput(out, p); blockErr != nil {
			return blockErr
		}
	}

	for _, out := range outputs {
		secs := sections(out.Markdown)
		entry := entries[out.PerspectiveID]
		sidecar := SidecarMeta{
			SchemaVersion:   SchemaVersionWaveOutputMeta,
			PerspectiveID:   out.PerspectiveID,
			AgentType:       entry.AgentType,
			OutputMD:        entry.OutputMD,
			PromptDigest:    "sha256:" + entry.PromptDigest,
			AgentRunID:      agentRunID(entry.PromptDigest),
			CreatedAt:       meta.CreatedAt,
			RetryCount:      meta.RetryCount,
			SourceInputPath: meta.SourceInputPath,
			WordCount:       wordCount(out.Markdown),
			SourcesCount:    len(bulletLines(secs["Sources"])),
		}
		if err := write(out.PerspectiveID, out.Markdown, sidecar); err != nil {
			return apperr.New(apperr.CodeDriverError, "failed writing ingested output: "+err.Error(), map[string]any{
				"perspective_id": out.PerspectiveID,
			})
		}
	}

	return nil
}

// agentRunID derives a deterministic run id for the agent invocation that
// produced this output, from the prompt digest it was given (the driver
// contract guarantees identical inputs produce identical outputs, so the
// prompt digest is itself a stable run identity).
func agentRunID(promptDigest string) string {
	if len(promptDigest) > 12 {
		return "agentrun_" + promptDigest[:12]
	}
	return "agentrun_" + promptDigest
}
