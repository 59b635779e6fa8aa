package shell

import (
	"fmt"
	"strconv"
	"strings"
)

// Marker framing for the remote executor. Each command is wrapped between a
// unique start marker and an end marker carrying the exit code:
//
//	__START_<uuid>__
//	<command output>
//	__END_<uuid>__:<exit>
//
// Both markers are echoed to stdout by the remote shell. Because the shell
// echoes the command line itself before running it, the marker strings
// appear TWICE in the output: once inside the echoed command line and once
// as real output. Extraction therefore always takes the LAST occurrence.
func startMarker(id string) string {
	return fmt.Sprintf("__START_%s__", id)
}

func endMarkerPrefix(id string) string {
	return fmt.Sprintf("__END_%s__:", id)
}

// wrapCommand builds the shell line sent to the remote session.
func wrapCommand(id, command string) string {
	return fmt.Sprintf("echo %q; { %s; }; echo \"%s$?\"", startMarker(id), command, endMarkerPrefix(id))
}

// extractResult recovers the command result from accumulated session output.
// Returns ok=false while the end marker has not yet been observed as real
// output (i.e. followed by a parseable exit code).
func extractResult(output, id string) (*Result, bool) {
	start := startMarker(id)
	endPrefix := endMarkerPrefix(id)

	// The end marker in the command echo is followed by the literal "$?",
	// never by digits, so scanning end occurrences from the back and
	// requiring a parseable exit code skips the echo.
	searchEnd := len(output)
	for {
		endIdx := strings.LastIndex(output[:searchEnd], endPrefix)
		if endIdx < 0 {
			return nil, false
		}

		exitCode, tailOK := parseExitCode(output[endIdx+len(endPrefix):])
		if !tailOK {
			searchEnd = endIdx
			continue
		}

		startIdx := strings.LastIndex(output[:endIdx], start)
		if startIdx < 0 {
			return nil, false
		}

		content := output[startIdx+len(start) : endIdx]
		content = trimMarkerContent(content)
		if content == "" {
			return &Result{Success: false, Stderr: "", ExitCode: -1}, true
		}

		return &Result{
			Stdout:   content,
			ExitCode: exitCode,
			Success:  exitCode == 0,
		}, true
	}
}

// parseExitCode reads the decimal exit code immediately following the end
// marker colon. The echoed command line has "$?" there instead of digits.
func parseExitCode(tail string) (int, bool) {
	end := 0
	for end < len(tail) && tail[end] >= '0' && tail[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	code, err := strconv.Atoi(tail[:end])
	if err != nil {
		return 0, false
	}
	return code, true
}

// trimMarkerContent strips the line breaks surrounding the captured output.
// PTY transports emit \r\n; fall back to bare \n and then \r so extraction
// works regardless of how the transport translated line endings.
func trimMarkerContent(content string) string {
	for _, cut := range []string{"\r\n", "\n", "\r"} {
		content = strings.TrimPrefix(content, cut)
	}
	for _, cut := range []string{"\r\n", "\n", "\r"} {
		content = strings.TrimSuffix(content, cut)
	}
	return strings.TrimSuffix(content, "\r")
}
