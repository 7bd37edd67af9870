package realtime

import "encoding/json"

// Wire event types for the vendor realtime voice API. Every frame is a
// JSON object with a "type" discriminator; audio payloads are base64
// μ-law.

// Client → server event types.
const (
	clientEventSessionUpdate          = "session.update"
	clientEventInputAudioBufferAppend = "input_audio_buffer.append"
	clientEventConversationItemCreate = "conversation.item.create"
	clientEventResponseCreate         = "response.create"
)

// Server → client event types.
const (
	serverEventSessionCreated              = "session.created"
	serverEventSessionUpdated              = "session.updated"
	serverEventResponseAudioDelta          = "response.audio.delta"
	serverEventResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	serverEventResponseAudioTranscriptDone = "response.audio_transcript.done"
	serverEventResponseDone                = "response.done"
	serverEventSpeechStarted               = "input_audio_buffer.speech_started"
	serverEventSpeechStopped               = "input_audio_buffer.speech_stopped"
	serverEventInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	serverEventFunctionCallArgumentsDone   = "response.function_call_arguments.done"
	serverEventError                       = "error"
)

// Tool describes one function the agent may call.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// turnDetection configures server-side VAD.
type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// inputTranscription selects the caller-side transcription model.
type inputTranscription struct {
	Model string `json:"model"`
}

// sessionConfig is the payload of session.update.
type sessionConfig struct {
	Modalities              []string            `json:"modalities"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *inputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
	Tools                   []Tool              `json:"tools,omitempty"`
}

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// itemContent is one content part of a conversation item.
type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// conversationItem creates either a user message or a tool output.
type conversationItem struct {
	Type     string        `json:"type"`
	Role     string        `json:"role,omitempty"`
	Content  []itemContent `json:"content,omitempty"`
	CallID   string        `json:"call_id,omitempty"`
	Output   string        `json:"output,omitempty"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

// responseParams optionally overrides what the next response should say.
type responseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type responseCreateEvent struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

// serverEvent is the superset decode target for inbound frames. Only the
// fields relevant to the received type are populated.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	CallID     string `json:"call_id"`

	Response struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	} `json:"response"`

	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
