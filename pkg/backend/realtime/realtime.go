// Package realtime implements the voice backend over a vendor realtime
// WebSocket API. Audio travels both directions as base64 μ-law inside
// JSON events; turn taking is handled by server-side VAD.
package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wembledev/voice-agent/pkg/backend"
)

const (
	// DefaultURL is the realtime endpoint. Override with REALTIME_URL.
	DefaultURL = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"

	audioFormatPCMU    = "g711_ulaw"
	transcriptionModel = "whisper-1"
)

// Config holds the realtime backend configuration.
type Config struct {
	// URL is the websocket endpoint.
	URL string
	// APIKey is the bearer token.
	APIKey string
	// Voice selects the agent voice.
	Voice string
	// Instructions is the agent personality prompt.
	Instructions string
	// Tools is the function list offered to the agent.
	Tools []Tool
	// VADThreshold and VADSilenceMs tune server-side turn detection.
	VADThreshold float64
	VADSilenceMs int
	// Verbose enables event-level logging.
	Verbose bool
}

// DefaultConfig returns a telephony-tuned configuration.
func DefaultConfig() Config {
	url := DefaultURL
	if u := os.Getenv("REALTIME_URL"); u != "" {
		url = u
	}
	return Config{
		URL:          url,
		APIKey:       os.Getenv("OPENAI_API_KEY"),
		Voice:        "alloy",
		VADThreshold: 0.7,
		VADSilenceMs: 800,
	}
}

// Backend is the websocket realtime implementation of backend.Backend.
type Backend struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cb        backend.Callbacks

	wg sync.WaitGroup
}

var _ backend.Backend = (*Backend)(nil)

// New creates a realtime backend.
func New(cfg Config) *Backend {
	if cfg.URL == "" {
		cfg.URL = DefaultConfig().URL
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.VADThreshold == 0 {
		cfg.VADThreshold = 0.7
	}
	if cfg.VADSilenceMs == 0 {
		cfg.VADSilenceMs = 800
	}
	return &Backend{cfg: cfg}
}

// Connect dials the endpoint, pushes the session configuration and starts
// the read pump. OnReady fires once the configuration is sent.
func (b *Backend) Connect(cb backend.Callbacks) error {
	if b.cfg.APIKey == "" {
		return fmt.Errorf("realtime backend: missing API key")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.Dial(b.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("realtime backend: dial %s: %w", b.cfg.URL, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.cb = cb
	b.mu.Unlock()

	if err := b.sendEvent(sessionUpdateEvent{
		Type: clientEventSessionUpdate,
		Session: sessionConfig{
			Modalities:        []string{"text", "audio"},
			Voice:             b.cfg.Voice,
			Instructions:      b.cfg.Instructions,
			InputAudioFormat:  audioFormatPCMU,
			OutputAudioFormat: audioFormatPCMU,
			InputAudioTranscription: &inputTranscription{
				Model: transcriptionModel,
			},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         b.cfg.VADThreshold,
				SilenceDurationMs: b.cfg.VADSilenceMs,
			},
			Tools: b.cfg.Tools,
		},
	}); err != nil {
		conn.Close()
		return fmt.Errorf("realtime backend: session update: %w", err)
	}

	b.wg.Add(1)
	go b.readPump()

	if cb.OnReady != nil {
		cb.OnReady()
	}
	log.Printf("[Realtime] session configured (voice=%s, tools=%d)", b.cfg.Voice, len(b.cfg.Tools))
	return nil
}

// SendAudio appends caller μ-law audio to the input buffer.
func (b *Backend) SendAudio(mulaw []byte) error {
	if !b.Connected() {
		return nil
	}
	return b.sendEvent(audioAppendEvent{
		Type:  clientEventInputAudioBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(mulaw),
	})
}

// SendText injects a caller text turn and asks for a spoken response.
func (b *Backend) SendText(text string) error {
	if !b.Connected() {
		return nil
	}
	if err := b.sendEvent(itemCreateEvent{
		Type: clientEventConversationItemCreate,
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	return b.sendEvent(responseCreateEvent{
		Type:     clientEventResponseCreate,
		Response: &responseParams{Modalities: []string{"text", "audio"}},
	})
}

// SendToolResult posts a function_call_output and asks for a response.
func (b *Backend) SendToolResult(callID, output string) error {
	if !b.Connected() {
		return nil
	}
	if err := b.sendEvent(itemCreateEvent{
		Type: clientEventConversationItemCreate,
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}); err != nil {
		return err
	}
	return b.sendEvent(responseCreateEvent{
		Type:     clientEventResponseCreate,
		Response: &responseParams{Modalities: []string{"text", "audio"}},
	})
}

// PromptResponse asks the agent to speak per instructions, with no caller
// turn added to the conversation.
func (b *Backend) PromptResponse(instructions string) error {
	if !b.Connected() {
		return nil
	}
	return b.sendEvent(responseCreateEvent{
		Type: clientEventResponseCreate,
		Response: &responseParams{
			Modalities:   []string{"text", "audio"},
			Instructions: instructions,
		},
	})
}

// Disconnect closes the socket. Idempotent.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	wasConnected := b.connected
	b.connected = false
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		b.wg.Wait()
	}
	return nil
}

// Connected reports whether the session is live.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// sendEvent marshals and writes one client event. Writes are serialized
// by the connection mutex.
func (b *Backend) sendEvent(v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump dispatches inbound events until the socket dies.
func (b *Backend) readPump() {
	defer b.wg.Done()

	b.mu.Lock()
	conn := b.conn
	cb := b.cb
	b.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			wasConnected := b.connected
			b.connected = false
			b.mu.Unlock()
			if wasConnected {
				if cb.OnError != nil {
					cb.OnError(fmt.Errorf("realtime backend: read: %w", err))
				}
			}
			if cb.OnClose != nil {
				cb.OnClose()
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("[Realtime] skipping malformed event: %v", err)
			continue
		}
		b.dispatch(cb, &evt)
	}
}

// dispatch routes one server event to the session callbacks.
func (b *Backend) dispatch(cb backend.Callbacks, evt *serverEvent) {
	switch evt.Type {
	case serverEventResponseAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			log.Printf("[Realtime] bad audio delta: %v", err)
			return
		}
		if cb.OnAudio != nil {
			cb.OnAudio(audio)
		}

	case serverEventResponseAudioTranscriptDelta:
		if b.cfg.Verbose {
			log.Printf("[Realtime] transcript delta: %q", evt.Delta)
		}

	case serverEventResponseAudioTranscriptDone:
		if cb.OnTranscript != nil {
			cb.OnTranscript(evt.Transcript)
		}

	case serverEventResponseDone:
		if cb.OnResponseDone != nil {
			cb.OnResponseDone(backend.Usage{
				InputTokens:  evt.Response.Usage.InputTokens,
				OutputTokens: evt.Response.Usage.OutputTokens,
				TotalTokens:  evt.Response.Usage.TotalTokens,
			})
		}

	case serverEventSpeechStarted:
		if cb.OnSpeechStarted != nil {
			cb.OnSpeechStarted()
		}

	case serverEventSpeechStopped:
		if cb.OnSpeechStopped != nil {
			cb.OnSpeechStopped()
		}

	case serverEventInputTranscriptionCompleted:
		if cb.OnInputTranscript != nil {
			cb.OnInputTranscript(evt.Transcript)
		}

	case serverEventFunctionCallArgumentsDone:
		if cb.OnToolCall != nil {
			cb.OnToolCall(evt.Name, evt.Arguments, evt.CallID)
		}

	case serverEventSessionCreated, serverEventSessionUpdated:
		if b.cfg.Verbose {
			log.Printf("[Realtime] %s", evt.Type)
		}

	case serverEventError:
		if cb.OnError != nil {
			cb.OnError(fmt.Errorf("realtime backend: %s: %s", evt.Error.Code, evt.Error.Message))
		}

	default:
		if b.cfg.Verbose {
			log.Printf("[Realtime] ignoring event %q", evt.Type)
		}
	}
}
