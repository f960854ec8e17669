// Package shell drives bluetoothctl, the interactive BlueZ control shell.
// It offers two interaction modes: one-shot queries for idempotent reads, and
// long-lived sessions for multi-step workflows (agent, discovery, pairing)
// that must share a single shell context.
package shell

import (
	"regexp"
	"strings"
	"time"
)

// Shell starts control-shell processes.
type Shell interface {
	// Query runs command in a fresh shell followed by an exit directive and
	// returns the cleaned output. It never fails: on spawn error or timeout
	// it returns "", which callers must treat as "unknown".
	Query(command string, timeout time.Duration) string
	// Open starts a long-lived interactive session.
	Open() (Session, error)
}

// Session is one interactive control-shell process.
type Session interface {
	// Send writes a single directive line.
	Send(line string) error
	// WaitFor reads output lines until one case-insensitively contains one
	// of keywords or timeout elapses.
	WaitFor(keywords []string, timeout time.Duration) WaitResult
	// Close sends an exit directive and waits for the process, killing it
	// after a grace period. Safe to call more than once.
	Close() error
}

// WaitResult is the outcome of Session.WaitFor.
type WaitResult struct {
	Keyword string   // matched keyword, empty on timeout
	Line    string   // line that matched
	Lines   []string // every line read during the wait, in order
	Closed  bool     // shell output ended before a match
}

// Matched reports whether a keyword was seen.
func (r WaitResult) Matched() bool { return r.Keyword != "" }

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|[\x01\x02]`)

// StripANSI removes terminal escape sequences, readline markers and
// carriage returns from bluetoothctl output.
func StripANSI(s string) string {
	s = ansiRE.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r", "")
}

// MatchKeyword returns the first keyword contained in line, ignoring case.
func MatchKeyword(line string, keywords []string) string {
	lower := strings.ToLower(line)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}
