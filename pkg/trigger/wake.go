package trigger

import (
	"fmt"
	"regexp"
	"strings"
)

// WakePhrase captures the request that follows an address like
// "Hey Garbo, ...". The text after the first matching prefix becomes
// the payload.
type WakePhrase struct {
	base
	prefixes []*regexp.Regexp
	role     Role

	captured string
}

// WakeOption tweaks a WakePhrase trigger at construction.
type WakeOption func(*WakePhrase)

// WithWakeRole restricts matching to one speaker.
func WithWakeRole(r Role) WakeOption {
	return func(w *WakePhrase) { w.role = r }
}

// NewWakePhrase compiles each phrase into a case-insensitive prefix
// pattern that tolerates a trailing comma or other punctuation before
// the request body.
func NewWakePhrase(action Action, phrases []string, opts ...WakeOption) (*WakePhrase, error) {
	if len(phrases) == 0 {
		return nil, fmt.Errorf("wake trigger: no phrases")
	}
	w := &WakePhrase{
		base: base{name: "wake", action: action, enabled: true, once: false},
	}
	for _, p := range phrases {
		re, err := regexp.Compile(`(?i)^\s*` + regexp.QuoteMeta(strings.TrimSpace(p)) + `[\s,.:!?]*`)
		if err != nil {
			return nil, fmt.Errorf("wake trigger: compile %q: %w", p, err)
		}
		w.prefixes = append(w.prefixes, re)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Check tries each prefix in order and captures the remainder of the
// transcript. A remainder that is empty or pure punctuation does not
// fire.
func (w *WakePhrase) Check(ctx *Context) bool {
	if ctx.Transcript == "" {
		return false
	}
	if w.role != "" && ctx.Role != w.role {
		return false
	}
	for _, re := range w.prefixes {
		loc := re.FindStringIndex(ctx.Transcript)
		if loc == nil || loc[0] != 0 {
			continue
		}
		tail := strings.TrimSpace(ctx.Transcript[loc[1]:])
		if tail == "" || strings.Trim(tail, " \t.,:;!?") == "" {
			return false
		}
		w.captured = tail
		return true
	}
	return false
}

// Payload returns the request text captured on the last Check.
func (w *WakePhrase) Payload() any {
	if w.captured == "" {
		return nil
	}
	return w.captured
}
