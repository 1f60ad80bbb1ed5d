// Package events pages through a run's append-only events.jsonl log.
package events

import (
	"bytes"
	"encoding/json"
	"os"
	"slices"

	"github.com/mpataki/studio/internal/workspace"
)

const (
	DefaultLimit = 200
	MaxLimit     = 500
)

// Page is a window of events. Cursor is the line index the window started
// at; NextCursor is where the following call should resume.
type Page struct {
	Events     []json.RawMessage `json:"events"`
	Cursor     int               `json:"cursor"`
	NextCursor int               `json:"next_cursor"`
	SourcePath string            `json:"source_path,omitempty"`
}

// LogPath returns the first existing event log of runDir, or "" if the
// worker has not written one yet.
func LogPath(runDir string) string {
	for _, p := range (&workspace.Run{Path: runDir}).EventLogCandidates() {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Tail reads the event log of runDir and returns up to limit events. With a
// cursor it scans forward from that line; without one it returns the last
// limit events. Lines that are not valid JSON are skipped and do not count
// toward limit, but the cursors still step over them.
func Tail(runDir string, cursor *int, limit int) Page {
	limit = clamp(limit, 1, MaxLimit)
	page := Page{Events: []json.RawMessage{}}

	path := LogPath(runDir)
	if path == "" {
		return page
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return page
	}
	page.SourcePath = path

	lines := splitLines(data)
	n := len(lines)

	if cursor != nil {
		start := clamp(*cursor, 0, n)
		end := start
		for end < n && len(page.Events) < limit {
			if ev, ok := parseLine(lines[end]); ok {
				page.Events = append(page.Events, ev)
			}
			end++
		}
		page.Cursor = start
		page.NextCursor = end
		return page
	}

	start := n
	for start > 0 && len(page.Events) < limit {
		start--
		if ev, ok := parseLine(lines[start]); ok {
			page.Events = append(page.Events, ev)
		}
	}
	slices.Reverse(page.Events)
	page.Cursor = start
	page.NextCursor = n
	return page
}

func parseLine(line []byte) (json.RawMessage, bool) {
	line = bytes.TrimSpace(line)
	if !json.Valid(line) {
		return nil, false
	}
	return json.RawMessage(bytes.Clone(line)), true
}

// splitLines splits on \n, tolerating \r\n, without producing a trailing
// empty line for a terminated file.
func splitLines(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	data = bytes.TrimSuffix(data, []byte("\n"))
	lines := bytes.Split(data, []byte("\n"))
	for i, l := range lines {
		lines[i] = bytes.TrimSuffix(l, []byte("\r"))
	}
	return lines
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
