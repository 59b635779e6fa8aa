package loop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkerScanner_FindsMarkerSplitAcrossChunks(t *testing.T) {
	var s markerScanner
	s.feed("work done <promise>COM")
	s.feed("PLETE</promise>")
	assert.True(t, s.contains(CompleteMarker))
}

func TestMarkerScanner_NoMarker(t *testing.T) {
	var s markerScanner
	s.feed("still working on it")
	assert.False(t, s.contains(CompleteMarker))
	assert.False(t, s.contains(PlanReadyMarker))
}

func TestMarkerScanner_EmptyMarkerNeverMatches(t *testing.T) {
	var s markerScanner
	s.feed("anything")
	assert.False(t, s.contains(""))
}

func TestMarkerScanner_WindowKeepsTrailingBytes(t *testing.T) {
	var s markerScanner
	s.feed(strings.Repeat("x", scanWindowSize*2))
	s.feed(CompleteMarker)
	assert.True(t, s.contains(CompleteMarker))

	// A marker pushed entirely out of the window is forgotten.
	var s2 markerScanner
	s2.feed(CompleteMarker)
	s2.feed(strings.Repeat("y", scanWindowSize*2))
	assert.False(t, s2.contains(CompleteMarker))
}

func TestMarkerScanner_ErrorMessage(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"no error", []string{"all good"}, ""},
		{"simple", []string{"ERROR: build failed\n"}, "build failed"},
		{"last error wins", []string{"ERROR: first\n", "ERROR: second\n"}, "second"},
		{"no trailing newline", []string{"ERROR: truncated"}, "truncated"},
		{"split across chunks", []string{"ERR", "OR: pieced together\nmore"}, "pieced together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s markerScanner
			for _, chunk := range tt.chunks {
				s.feed(chunk)
			}
			assert.Equal(t, tt.want, s.errorMessage())
		})
	}
}
