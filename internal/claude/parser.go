package claude

import (
	"encoding/json"
	"fmt"
)

// Line is one parsed NDJSON record from the CLI stream. Only the envelope
// fields the bridge routes on are decoded; the raw JSON travels to viewers
// untouched.
type Line struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ParseLine decodes a single stream line. The returned raw slice is a copy
// safe to retain past the scanner's buffer reuse.
func ParseLine(line []byte) (Line, json.RawMessage, error) {
	if len(line) == 0 {
		return Line{}, nil, fmt.Errorf("empty line")
	}
	var parsed Line
	if err := json.Unmarshal(line, &parsed); err != nil {
		return Line{}, nil, fmt.Errorf("failed to parse stream line: %w", err)
	}
	if parsed.Type == "" {
		return Line{}, nil, fmt.Errorf("stream line missing type")
	}
	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	return parsed, raw, nil
}
