// Package trigger watches the live transcript and tool stream of a call
// and fires conversational actions: hangup on a farewell, hangup on
// prolonged silence, delegation on a tool call, wake-phrase capture.
package trigger

import "time"

// Action names what a fired trigger asks the session to do.
type Action string

const (
	ActionHangup   Action = "hangup"
	ActionDelegate Action = "delegate"
	ActionWake     Action = "wake"
)

// Role tags the speaker of a transcript line.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Context is the bag of observations a trigger may inspect. Fields that
// do not apply to the current event are left zero.
type Context struct {
	Transcript     string
	Role           Role
	LastResponseAt time.Time
	IsSpeaking     bool

	ToolName      string
	ToolArguments string
	ToolCallID    string
}

// Trigger is one conversational watcher. Check reports whether the
// trigger fires for the given context; Payload exposes whatever the
// trigger captured on its last match (nil when it publishes nothing).
type Trigger interface {
	Name() string
	Action() Action
	Enabled() bool
	Once() bool
	Check(ctx *Context) bool
	Payload() any
}

// base carries the state every trigger shares.
type base struct {
	name    string
	action  Action
	enabled bool
	once    bool
}

func (b *base) Name() string    { return b.name }
func (b *base) Action() Action  { return b.action }
func (b *base) Enabled() bool   { return b.enabled }
func (b *base) Once() bool      { return b.once }
func (b *base) SetEnabled(v bool) { b.enabled = v }
