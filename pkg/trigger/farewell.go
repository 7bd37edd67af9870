package trigger

import (
	"fmt"
	"regexp"
	"strings"
)

// Farewell fires when a transcript line matches a goodbye pattern.
type Farewell struct {
	base
	pattern *regexp.Regexp
	role    Role

	matched string
}

// DefaultFarewellWords are the phrases callers actually use to end a call.
var DefaultFarewellWords = []string{
	"goodbye", "bye", "see you later", "take care", "gotta go", "talk to you later",
}

// FarewellOption tweaks a Farewell trigger at construction.
type FarewellOption func(*Farewell)

// WithFarewellRole restricts matching to one speaker.
func WithFarewellRole(r Role) FarewellOption {
	return func(f *Farewell) { f.role = r }
}

// WithFarewellOnce overrides the one-shot flag.
func WithFarewellOnce(once bool) FarewellOption {
	return func(f *Farewell) { f.once = once }
}

// NewFarewell builds a farewell trigger from a list of words or phrases,
// each anchored on word boundaries, matched case-insensitively.
func NewFarewell(action Action, words []string, opts ...FarewellOption) (*Farewell, error) {
	if len(words) == 0 {
		words = DefaultFarewellWords
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(strings.TrimSpace(w))
	}
	re, err := regexp.Compile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	if err != nil {
		return nil, fmt.Errorf("farewell trigger: compile patterns: %w", err)
	}
	f := &Farewell{
		base:    base{name: "farewell", action: action, enabled: true, once: true},
		pattern: re,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// NewFarewellRegexp builds a farewell trigger from a caller-supplied regexp.
func NewFarewellRegexp(action Action, expr string, opts ...FarewellOption) (*Farewell, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("farewell trigger: compile %q: %w", expr, err)
	}
	f := &Farewell{
		base:    base{name: "farewell", action: action, enabled: true, once: true},
		pattern: re,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Check matches the transcript against the pattern, honoring the role
// filter when one is set.
func (f *Farewell) Check(ctx *Context) bool {
	if ctx.Transcript == "" {
		return false
	}
	if f.role != "" && ctx.Role != f.role {
		return false
	}
	m := f.pattern.FindString(ctx.Transcript)
	if m == "" {
		return false
	}
	f.matched = m
	return true
}

// Payload returns the substring that matched on the last Check.
func (f *Farewell) Payload() any {
	if f.matched == "" {
		return nil
	}
	return f.matched
}
