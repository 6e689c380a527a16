package transport

import (
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// DefaultRateLimitQuiet is how long output must stay free of limit phrasing
// before a limited session is considered cleared.
const DefaultRateLimitQuiet = 10 * time.Second

// DefaultRateLimitPatterns match the phrasing providers and agent CLIs
// print when a session is throttled. Bare mentions of "429" or "rate
// limit" are left out so source code and diffs echoed by the agent do not
// trip them.
var DefaultRateLimitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)usage limit reached`),
	regexp.MustCompile(`(?i)\b429\s+too many requests\b`),
	regexp.MustCompile(`(?i)\btoo many requests\b`),
	regexp.MustCompile(`(?i)\brate[ _-]?limit(?:ed)?\s*(?:error|exceeded|reached|hit)\b`),
	regexp.MustCompile(`(?i)\brate_limit_error\b`),
	regexp.MustCompile(`(?i)you(?:'ve| have) (?:hit|reached) (?:your|the) (?:usage |rate )?limit`),
	regexp.MustCompile(`(?i)\bquota exceeded\b`),
	regexp.MustCompile(`(?i)limit will reset`),
	regexp.MustCompile(`(?i)\boverloaded_error\b`),
}

// RateLimitTransition is a change in a session's rate-limit state.
type RateLimitTransition struct {
	Limited bool
	At      time.Time
	Message string
}

// RateLimitDetector watches session output for rate-limit phrasing. It is
// not safe for concurrent use; each session owns one.
//
// A limit clears only when a completed line of ordinary output arrives at
// least quiet after the last limit message. Spinner and status redraws
// that never end a line do not clear it.
type RateLimitDetector struct {
	patterns  []*regexp.Regexp
	quiet     time.Duration
	limited   bool
	lastMatch time.Time
}

// NewRateLimitDetector creates a detector. A nil pattern list uses
// DefaultRateLimitPatterns and a non-positive quiet uses
// DefaultRateLimitQuiet.
func NewRateLimitDetector(patterns []*regexp.Regexp, quiet time.Duration) *RateLimitDetector {
	if patterns == nil {
		patterns = DefaultRateLimitPatterns
	}
	if quiet <= 0 {
		quiet = DefaultRateLimitQuiet
	}
	return &RateLimitDetector{patterns: patterns, quiet: quiet}
}

// Observe inspects one output chunk. It returns a transition when the chunk
// starts a rate limit, or when it ends the quiet period that follows one.
func (d *RateLimitDetector) Observe(data string, now time.Time) *RateLimitTransition {
	text := strings.TrimSpace(ansi.Strip(data))
	if text == "" {
		return nil
	}

	for _, p := range d.patterns {
		if loc := p.FindStringIndex(text); loc != nil {
			d.lastMatch = now
			if d.limited {
				return nil
			}
			d.limited = true
			return &RateLimitTransition{Limited: true, At: now, Message: lineAround(text, loc[0])}
		}
	}

	if !d.limited || now.Sub(d.lastMatch) < d.quiet || !completesLine(data) {
		return nil
	}
	d.limited = false
	return &RateLimitTransition{Limited: false, At: now}
}

// Limited reports the current state.
func (d *RateLimitDetector) Limited() bool { return d.limited }

// completesLine reports whether data ends at least one line that carries
// words rather than redraw noise.
func completesLine(data string) bool {
	lines := strings.Split(ansi.Strip(data), "\n")
	if len(lines) < 2 {
		return false
	}
	for _, line := range lines[:len(lines)-1] {
		if i := strings.LastIndexByte(line, '\r'); i >= 0 {
			line = line[i+1:]
		}
		if wordy.MatchString(line) {
			return true
		}
	}
	return false
}

var wordy = regexp.MustCompile(`[A-Za-z]{2,}`)

func lineAround(text string, at int) string {
	start := strings.LastIndexByte(text[:at], '\n') + 1
	end := strings.IndexByte(text[at:], '\n')
	if end < 0 {
		end = len(text)
	} else {
		end += at
	}
	line := strings.TrimSpace(text[start:end])
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}
