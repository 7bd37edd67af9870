package trigger

import "time"

// DefaultSilenceTimeout is how long the line may stay quiet before the
// silence trigger fires.
const DefaultSilenceTimeout = 10 * time.Second

// Silence fires when nothing has been heard for longer than the timeout.
// The reference point is the session's last response time; while the
// agent is speaking the counter stays at zero.
type Silence struct {
	base
	timeout time.Duration

	lastDuration time.Duration
	now          func() time.Time
}

// NewSilence builds a silence trigger. A zero timeout selects the
// default.
func NewSilence(action Action, timeout time.Duration) *Silence {
	if timeout <= 0 {
		timeout = DefaultSilenceTimeout
	}
	return &Silence{
		base:    base{name: "silence", action: action, enabled: true, once: true},
		timeout: timeout,
		now:     time.Now,
	}
}

// Check computes the elapsed silence. It never fires while speech is in
// progress or before any response has completed.
func (s *Silence) Check(ctx *Context) bool {
	if ctx.IsSpeaking {
		s.lastDuration = 0
		return false
	}
	if ctx.LastResponseAt.IsZero() {
		return false
	}
	s.lastDuration = s.now().Sub(ctx.LastResponseAt)
	return s.lastDuration > s.timeout
}

// Payload returns the silence duration computed on the last Check.
func (s *Silence) Payload() any {
	if s.lastDuration == 0 {
		return nil
	}
	return s.lastDuration
}
