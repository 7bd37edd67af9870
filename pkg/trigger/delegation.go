package trigger

import "encoding/json"

// DefaultDelegationTool is the function call the agent uses to hand a
// caller request to the assistant.
const DefaultDelegationTool = "classify_intent"

// ToolPayload is what a delegation trigger publishes: the parsed tool
// arguments plus the call id the result must be posted under.
type ToolPayload struct {
	Args   map[string]any
	CallID string
}

// Intent returns the "intent" field of the parsed arguments, if present.
func (p ToolPayload) Intent() string {
	s, _ := p.Args["intent"].(string)
	return s
}

// Request returns the "request" field of the parsed arguments, if present.
func (p ToolPayload) Request() string {
	s, _ := p.Args["request"].(string)
	return s
}

// Raw returns the unparsed argument string when JSON decoding failed.
func (p ToolPayload) Raw() string {
	s, _ := p.Args["raw"].(string)
	return s
}

// Delegation fires on a matching tool call and captures its arguments.
type Delegation struct {
	base
	tool string

	payload ToolPayload
}

// NewDelegation builds a delegation trigger. An empty tool name selects
// the default.
func NewDelegation(action Action, tool string) *Delegation {
	if tool == "" {
		tool = DefaultDelegationTool
	}
	return &Delegation{
		base: base{name: "delegation", action: action, enabled: true, once: false},
		tool: tool,
	}
}

// Check matches the tool name and parses the arguments. Arguments that
// are not valid JSON are kept under "raw" so the callback still runs.
func (d *Delegation) Check(ctx *Context) bool {
	if ctx.ToolName != d.tool {
		return false
	}
	d.payload = ToolPayload{CallID: ctx.ToolCallID}
	switch {
	case ctx.ToolArguments == "":
		d.payload.Args = map[string]any{}
	default:
		var args map[string]any
		if err := json.Unmarshal([]byte(ctx.ToolArguments), &args); err != nil {
			d.payload.Args = map[string]any{"raw": ctx.ToolArguments}
		} else {
			d.payload.Args = args
		}
	}
	return true
}

// Payload returns the tool payload captured on the last Check.
func (d *Delegation) Payload() any { return d.payload }
