package reasoning

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/drfirst/go-ndc/internal/domain/calculation"
)

var fencePattern = regexp.MustCompile("```(?:json|JSON)?[ \t]*\n?")

// StripFences removes Markdown code fence markers around a payload
func StripFences(text string) string {
	return strings.TrimSpace(fencePattern.ReplaceAllString(text, ""))
}

// DecodeJSON strips code fences from text and decodes it into T. Empty or
// non-JSON text is a malformed response carrying the raw text.
func DecodeJSON[T any](op, text string) (T, error) {
	var v T
	cleaned := StripFences(text)
	if cleaned == "" {
		return v, calculation.Malformed(op, "empty provider response", text, errors.New("empty payload"))
	}
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return v, calculation.Malformed(op, "provider response is not valid JSON", text, err)
	}
	return v, nil
}
