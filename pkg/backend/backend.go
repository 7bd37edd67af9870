// Package backend defines the contract between the call session and a
// voice agent implementation. A backend consumes caller audio, produces
// agent audio and transcripts, and reports lifecycle events through a
// fixed callback set. Two implementations exist: the realtime WebSocket
// backend and the local STT/LLM/TTS pipeline.
package backend

// Defaults shared by every backend. The phone leg always speaks G.711
// μ-law at 8 kHz mono.
const (
	DefaultCodec      = "PCMU"
	DefaultSampleRate = 8000
	DefaultMIMEType   = "audio/PCMU"
)

// Usage carries token accounting reported with a finished response.
// Backends that do not meter usage report the zero value.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Callbacks is the event surface a backend drives during a call. Any nil
// field is skipped. All callbacks may be invoked from backend-owned
// goroutines; receivers must synchronize their own state.
type Callbacks struct {
	// OnReady fires once the backend session is configured and streaming
	// may begin.
	OnReady func()

	// OnAudio delivers agent speech as μ-law bytes. The local backend
	// delivers whole 160-byte frames; the realtime backend forwards each
	// decoded audio delta as received, so its chunks are not necessarily
	// frame-aligned.
	OnAudio func(mulaw []byte)

	// OnTranscript delivers the full text of a completed agent utterance.
	OnTranscript func(text string)

	// OnInputTranscript delivers the full text of a completed caller
	// utterance.
	OnInputTranscript func(text string)

	// OnSpeechStarted / OnSpeechStopped report caller VAD edges.
	OnSpeechStarted func()
	OnSpeechStopped func()

	// OnResponseDone fires when the backend has finished producing an
	// utterance.
	OnResponseDone func(usage Usage)

	// OnToolCall reports a tool invocation: name, raw JSON arguments and
	// the backend's call id.
	OnToolCall func(name, arguments, callID string)

	// OnError reports a fatal or non-fatal backend error.
	OnError func(err error)

	// OnClose fires when the backend disconnects.
	OnClose func()
}

// Backend is a voice agent attached to one call.
type Backend interface {
	// Connect establishes the backend session and registers callbacks.
	Connect(cb Callbacks) error

	// SendAudio streams caller audio into the backend as μ-law bytes.
	SendAudio(mulaw []byte) error

	// SendText injects a caller text turn and requests a response.
	SendText(text string) error

	// SendToolResult posts the output of a delegated tool call and
	// requests a response.
	SendToolResult(callID, output string) error

	// PromptResponse asks the backend to speak specific content without a
	// caller turn, e.g. the "are you still there?" check.
	PromptResponse(instructions string) error

	// Disconnect tears the session down. Safe to call more than once.
	Disconnect() error

	// Connected reports whether the session is live.
	Connected() bool
}
