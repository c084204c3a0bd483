// Package codegen pulls the executable script out of free-form model output.
package codegen

import (
	"strings"
)

// DefaultLanguage is the fence annotation looked for before falling back to a bare fence.
const DefaultLanguage = "python"

const fence = "```"

// Script is the single script extracted from a model response.
type Script struct {
	Source   string `json:"source"`
	Language string `json:"language,omitempty"`
}

// Extractor finds the first qualifying fenced block in a response.
// The zero value looks for python fences.
type Extractor struct {
	Language string
}

// Extract uses the default python extractor.
func Extract(response string) (Script, bool) {
	return Extractor{}.Extract(response)
}

// Extract returns the first annotated block for the configured language, or
// failing that the first bare fence pair. A missing or unterminated fence, or
// a block with nothing but whitespace in it, yields false. An unterminated
// annotated fence does not fall back to an earlier bare block. It never
// panics on malformed input.
func (e Extractor) Extract(response string) (Script, bool) {
	lang := strings.TrimSpace(e.Language)
	if lang == "" {
		lang = DefaultLanguage
	}

	// Look for the annotated block first
	if code, found, closed := annotatedBlock(response, lang); found {
		if !closed || code == "" {
			return Script{}, false
		}
		return Script{Source: code, Language: lang}, true
	}

	// Try generic code block
	start := strings.Index(response, fence)
	if start == -1 {
		return Script{}, false
	}
	start += len(fence)

	tag := ""
	if start < len(response) && response[start] != '\n' {
		// Info string of a fence for some other language: skip it, it is not code
		if nl := strings.IndexByte(response[start:], '\n'); nl != -1 {
			candidate := strings.TrimSpace(response[start : start+nl])
			if isInfoString(candidate) {
				tag = candidate
				start += nl
			}
		}
	}
	if start < len(response) && response[start] == '\n' {
		start++
	}

	end := strings.Index(response[start:], fence)
	if end == -1 {
		return Script{}, false
	}
	code := strings.TrimSpace(response[start : start+end])
	if code == "" {
		return Script{}, false
	}
	return Script{Source: code, Language: tag}, true
}

// annotatedBlock finds "```<lang>" where the tag is exactly lang (so "```python3"
// does not count for "python"), and returns the text up to the next fence.
// closed is false when the annotated fence is never terminated.
func annotatedBlock(response, lang string) (code string, found, closed bool) {
	marker := fence + lang
	offset := 0
	for {
		idx := strings.Index(response[offset:], marker)
		if idx == -1 {
			return "", false, false
		}
		start := offset + idx + len(marker)
		if start < len(response) && !isTagBoundary(response[start]) {
			offset = start
			continue
		}
		end := strings.Index(response[start:], fence)
		if end == -1 {
			return "", true, false
		}
		return strings.TrimSpace(response[start : start+end]), true, true
	}
}

func isTagBoundary(c byte) bool {
	return c == '\n' || c == '\r' || c == ' ' || c == '\t'
}

// isInfoString reports whether s looks like a fence language tag rather than code.
func isInfoString(s string) bool {
	if s == "" || len(s) > 20 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '+', r == '-', r == '.', r == '#':
		default:
			return false
		}
	}
	return true
}
