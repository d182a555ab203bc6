// Package protocol implements the marker-based framing that distinguishes
// one remote command's output and exit code from shell noise (login
// banners, echoed prompts) on a shared text stream.
// This is part of the functional core - no I/O.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// Markers
// =============================================================================

const (
	startPrefix = "__STVD_BEGIN_"
	exitPrefix  = "__STVD_EXIT_"
	endPrefix   = "__STVD_DONE_"

	// rcVar captures the wrapped command's exit code before the shell
	// moves on to the exit marker.
	rcVar = "__STVD_RC"
)

// Markers are the per-session marker lines. Scoping them by the session's
// channel token keeps a command's own output from colliding with the
// protocol of another session on the same host.
type Markers struct {
	Start string
	Exit  string // prefix: the exit code digits follow
	End   string
}

// NewMarkers derives the marker set for a channel token.
func NewMarkers(token string) Markers {
	return Markers{
		Start: startPrefix + token,
		Exit:  exitPrefix + token + "_",
		End:   endPrefix + token,
	}
}

// =============================================================================
// Wrapping
// =============================================================================

// Wrap embeds a command in the marker protocol. The remote shell echoes the
// start marker, runs the command with stderr merged into the stream,
// captures its exit code, then echoes the exit and end markers. The
// construct assumes a POSIX-compatible shell.
func Wrap(command string, m Markers) string {
	return fmt.Sprintf("echo %s; { %s\n%s=$?; } 2>&1; echo %s$%s; echo %s",
		m.Start, command, rcVar, m.Exit, rcVar, m.End)
}

// =============================================================================
// Parsing
// =============================================================================

// Parse extracts the exit code and output from the raw line sequence a
// wrapped command produced. It never fails on malformed input: lines before
// the exact start-marker line are discarded (this drops any shell echo of
// the wrapped command itself), lines after it are output verbatim until the
// exit-marker prefix appears at line start, and the end-marker line ends
// parsing without being emitted. A line that merely contains marker-like
// text mid-line is ordinary output. Malformed exit-code digits leave the
// previously seen code unchanged; if no exit marker is ever seen the code
// stays 0. Buffered output is joined with "\n".
func Parse(raw string, m Markers) (exitCode int, output string) {
	lines := splitLines(raw)

	var buf []string
	started := false
	for _, line := range lines {
		if !started {
			if line == m.Start {
				started = true
			}
			continue
		}
		if line == m.End {
			break
		}
		if strings.HasPrefix(line, m.Exit) {
			if code, err := strconv.Atoi(line[len(m.Exit):]); err == nil {
				exitCode = code
			}
			continue
		}
		buf = append(buf, line)
	}

	return exitCode, strings.Join(buf, "\n")
}

// splitLines splits on \n, tolerating \r\n line endings and a trailing
// newline without producing a phantom empty line.
func splitLines(raw string) []string {
	raw = strings.TrimSuffix(raw, "\n")
	if raw == "" {
		return nil
	}
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
