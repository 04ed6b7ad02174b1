package pipeline

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// maxDiagnosticBytes bounds every diagnostic string written to analysis
// metadata (stderr, stdout, raw model output).
const maxDiagnosticBytes = 4096

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// decodeStrict unmarshals model output into v, rejecting unknown fields and
// trailing garbage. Model output is untrusted; partial or malformed JSON must
// fail closed rather than coerce into zero values.
func decodeStrict(text string, v any) error {
	cleaned := cleanJSON(text)
	dec := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return eris.Wrap(err, "pipeline: decode model response")
	}
	if dec.More() {
		return eris.New("pipeline: trailing data after model response")
	}
	return nil
}

// truncate bounds s to at most n bytes for diagnostics.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... [truncated]"
}
