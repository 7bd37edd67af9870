// Package profile defines the agent personas: a name the agent answers
// to, a synthesis voice, and the personality instructions.
package profile

import (
	"fmt"
	"sort"
)

// Profile is one agent persona.
type Profile struct {
	Name         string
	Voice        string
	Instructions string
}

// WithInstructions returns a copy with the instruction text replaced.
// The agent's name survives the override so it keeps answering to it.
func (p Profile) WithInstructions(instructions string) Profile {
	p.Instructions = fmt.Sprintf("Your name is %s. %s", p.Name, instructions)
	return p
}

// builtin is the persona registry.
var builtin = map[string]Profile{
	"garbo": {
		Name:  "Garbo",
		Voice: "verse",
		Instructions: "Your name is Garbo. You are a warm, slightly old-fashioned telephone " +
			"assistant. Keep responses short and conversational, one or two sentences. " +
			"If the caller asks you to do something for them, use the classify_intent " +
			"tool rather than promising it yourself.",
	},
	"dispatch": {
		Name:  "Dispatch",
		Voice: "alloy",
		Instructions: "Your name is Dispatch. You answer calls tersely and take messages. " +
			"Confirm what you heard back to the caller before ending the call.",
	},
}

// Get looks up a persona by name.
func Get(name string) (Profile, error) {
	p, ok := builtin[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile: unknown agent profile %q (available: %v)", name, Names())
	}
	return p, nil
}

// Names lists the registered personas.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for n := range builtin {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
