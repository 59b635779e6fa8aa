// Package loop runs a single agent loop from start to a terminal status:
// worktree setup, iteration driving, marker detection, and the planning,
// chat, and conflict-resolution variants.
package loop

import "strings"

const (
	// CompleteMarker is the canonical completion marker, honored in
	// addition to the configurable stop pattern.
	CompleteMarker = "<promise>COMPLETE</promise>"
	// PlanReadyMarker suspends a planning loop for review.
	PlanReadyMarker = "<promise>PLAN_READY</promise>"
	// ErrorPrefix marks an injected backend failure in agent output.
	ErrorPrefix = "ERROR:"
)

// scanWindowSize bounds how much trailing output the marker scanner keeps.
// Markers are short; anything split across a larger gap than this is not a
// marker.
const scanWindowSize = 8 * 1024

// markerScanner watches a stream of output chunks for markers without
// retaining the whole stream. Markers split across chunk boundaries are
// still found because the window always keeps the trailing bytes.
type markerScanner struct {
	window strings.Builder
}

func (s *markerScanner) feed(chunk string) {
	s.window.WriteString(chunk)
	if s.window.Len() > scanWindowSize {
		tail := s.window.String()[s.window.Len()-scanWindowSize:]
		s.window.Reset()
		s.window.WriteString(tail)
	}
}

func (s *markerScanner) contains(marker string) bool {
	return marker != "" && strings.Contains(s.window.String(), marker)
}

// errorMessage extracts the text after the last ERROR: prefix, up to the end
// of its line. Returns "" when no error marker is present.
func (s *markerScanner) errorMessage() string {
	window := s.window.String()
	idx := strings.LastIndex(window, ErrorPrefix)
	if idx < 0 {
		return ""
	}
	message := window[idx+len(ErrorPrefix):]
	if newline := strings.IndexByte(message, '\n'); newline >= 0 {
		message = message[:newline]
	}
	return strings.TrimSpace(message)
}
