package local

import (
	"strings"
	"sync"

	"github.com/openai/openai-go"
)

// conversation holds the chat history under one lock. Generations take
// a snapshot before issuing the request so a concurrent barge-in never
// mutates the slice mid-stream.
type conversation struct {
	mu         sync.Mutex
	system     string
	history    []openai.ChatCompletionMessageParamUnion
	maxHistory int
}

func newConversation(system string, maxHistory int) *conversation {
	if maxHistory <= 0 {
		maxHistory = 20
	}
	return &conversation{system: system, maxHistory: maxHistory}
}

// addUser appends a caller turn, trimming the oldest pair when over the
// limit.
func (c *conversation) addUser(text string) {
	c.add(openai.UserMessage(text))
}

// addAssistant appends an agent turn.
func (c *conversation) addAssistant(text string) {
	c.add(openai.AssistantMessage(text))
}

func (c *conversation) add(msg openai.ChatCompletionMessageParamUnion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, msg)
	if len(c.history) > c.maxHistory {
		excess := len(c.history) - c.maxHistory
		if excess%2 != 0 {
			excess++
		}
		c.history = c.history[excess:]
	}
}

// snapshot returns the system prompt plus the current history, with an
// optional extra system instruction appended for prompted responses.
func (c *conversation) snapshot(instructions string) []openai.ChatCompletionMessageParamUnion {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(c.history)+2)
	if c.system != "" {
		msgs = append(msgs, openai.SystemMessage(c.system))
	}
	msgs = append(msgs, c.history...)
	if instructions != "" {
		msgs = append(msgs, openai.SystemMessage(instructions))
	}
	return msgs
}

func (c *conversation) length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// extractSentence slices the first complete sentence off buf. A
// sentence ends on '.', '!' or '?' followed by whitespace, and must be
// at least min characters long so abbreviations like "Mr." or "U.S."
// do not split.
func extractSentence(buf string, min int) (sentence, rest string, ok bool) {
	for i := 0; i < len(buf)-1; i++ {
		switch buf[i] {
		case '.', '!', '?':
		default:
			continue
		}
		next := buf[i+1]
		if next != ' ' && next != '\t' && next != '\n' && next != '\r' {
			continue
		}
		if i+1 < min {
			continue
		}
		return strings.TrimSpace(buf[:i+1]), strings.TrimLeft(buf[i+1:], " \t\n\r"), true
	}
	return "", buf, false
}

// isSubstantial reports whether a transcript heard while the agent is
// speaking counts as a real interruption rather than acoustic echo.
func isSubstantial(text string, minChars, minWords int) bool {
	return len(text) >= minChars && len(strings.Fields(text)) >= minWords
}
