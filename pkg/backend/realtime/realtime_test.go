package realtime

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wembledev/voice-agent/pkg/backend"
)

// fakeRealtimeServer upgrades one websocket and records every client
// event while letting the test push server events.
type fakeRealtimeServer struct {
	t  *testing.T
	mu sync.Mutex

	conn   *websocket.Conn
	events []map[string]any
	ready  chan struct{}
}

func newFakeRealtimeServer(t *testing.T) (*fakeRealtimeServer, string) {
	t.Helper()
	srv := &fakeRealtimeServer{t: t, ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		srv.mu.Lock()
		srv.conn = conn
		srv.mu.Unlock()
		close(srv.ready)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var evt map[string]any
			if err := json.Unmarshal(data, &evt); err != nil {
				continue
			}
			srv.mu.Lock()
			srv.events = append(srv.events, evt)
			srv.mu.Unlock()
		}
	}))
	t.Cleanup(ts.Close)

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (s *fakeRealtimeServer) push(v any) {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		s.t.Errorf("push event: %v", err)
	}
}

func (s *fakeRealtimeServer) received(eventType string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, e := range s.events {
		if e["type"] == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeRealtimeServer) waitFor(t *testing.T, eventType string, n int) []map[string]any {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.received(eventType)) >= n
	}, 2*time.Second, 10*time.Millisecond, "waiting for %s", eventType)
	return s.received(eventType)
}

func TestConnectSendsSessionConfig(t *testing.T) {
	srv, url := newFakeRealtimeServer(t)

	var ready bool
	b := New(Config{
		URL:          url,
		APIKey:       "test-key",
		Voice:        "verse",
		Instructions: "You are Garbo.",
		Tools:        []Tool{{Type: "function", Name: "classify_intent"}},
	})
	require.NoError(t, b.Connect(backend.Callbacks{OnReady: func() { ready = true }}))
	defer b.Disconnect()

	assert.True(t, ready)

	updates := srv.waitFor(t, "session.update", 1)
	session := updates[0]["session"].(map[string]any)
	assert.Equal(t, "verse", session["voice"])
	assert.Equal(t, "g711_ulaw", session["input_audio_format"])
	assert.Equal(t, "g711_ulaw", session["output_audio_format"])
	assert.Equal(t, "You are Garbo.", session["instructions"])
	td := session["turn_detection"].(map[string]any)
	assert.Equal(t, "server_vad", td["type"])
	tools := session["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "classify_intent", tools[0].(map[string]any)["name"])
}

func TestSendAudioAppendsBase64(t *testing.T) {
	srv, url := newFakeRealtimeServer(t)

	b := New(Config{URL: url, APIKey: "test-key"})
	require.NoError(t, b.Connect(backend.Callbacks{}))
	defer b.Disconnect()

	mulaw := []byte{0xFF, 0x7F, 0x00, 0x80}
	require.NoError(t, b.SendAudio(mulaw))

	appends := srv.waitFor(t, "input_audio_buffer.append", 1)
	decoded, err := base64.StdEncoding.DecodeString(appends[0]["audio"].(string))
	require.NoError(t, err)
	assert.Equal(t, mulaw, decoded)
}

func TestServerEventDispatch(t *testing.T) {
	srv, url := newFakeRealtimeServer(t)

	var mu sync.Mutex
	var gotAudio []byte
	var transcript, inputTranscript string
	var toolName, toolArgs, toolCallID string
	var usage backend.Usage
	speechStarted := false
	var errs []error

	cb := backend.Callbacks{
		OnAudio: func(a []byte) { mu.Lock(); gotAudio = append(gotAudio, a...); mu.Unlock() },
		OnTranscript: func(s string) { mu.Lock(); transcript = s; mu.Unlock() },
		OnInputTranscript: func(s string) { mu.Lock(); inputTranscript = s; mu.Unlock() },
		OnSpeechStarted: func() { mu.Lock(); speechStarted = true; mu.Unlock() },
		OnResponseDone: func(u backend.Usage) { mu.Lock(); usage = u; mu.Unlock() },
		OnToolCall: func(name, args, id string) {
			mu.Lock()
			toolName, toolArgs, toolCallID = name, args, id
			mu.Unlock()
		},
		OnError: func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() },
	}

	b := New(Config{URL: url, APIKey: "test-key"})
	require.NoError(t, b.Connect(cb))
	defer b.Disconnect()

	audio := []byte{1, 2, 3, 4}
	srv.push(map[string]any{
		"type":  "response.audio.delta",
		"delta": base64.StdEncoding.EncodeToString(audio),
	})
	srv.push(map[string]any{"type": "response.audio_transcript.done", "transcript": "Hello there."})
	srv.push(map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "Hi, who is this?",
	})
	srv.push(map[string]any{"type": "input_audio_buffer.speech_started"})
	srv.push(map[string]any{
		"type":      "response.function_call_arguments.done",
		"name":      "classify_intent",
		"arguments": `{"intent":"send_text"}`,
		"call_id":   "c1",
	})
	srv.push(map[string]any{
		"type": "response.done",
		"response": map[string]any{
			"usage": map[string]any{"input_tokens": 10, "output_tokens": 20, "total_tokens": 30},
		},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return usage.TotalTokens == 30
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, audio, gotAudio)
	assert.Equal(t, "Hello there.", transcript)
	assert.Equal(t, "Hi, who is this?", inputTranscript)
	assert.True(t, speechStarted)
	assert.Equal(t, "classify_intent", toolName)
	assert.Equal(t, `{"intent":"send_text"}`, toolArgs)
	assert.Equal(t, "c1", toolCallID)
	assert.Equal(t, 10, usage.InputTokens)
	assert.Empty(t, errs)
}

func TestSendToolResultCreatesOutputAndResponse(t *testing.T) {
	srv, url := newFakeRealtimeServer(t)

	b := New(Config{URL: url, APIKey: "test-key"})
	require.NoError(t, b.Connect(backend.Callbacks{}))
	defer b.Disconnect()

	require.NoError(t, b.SendToolResult("c1", "Sent."))

	items := srv.waitFor(t, "conversation.item.create", 1)
	item := items[0]["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "c1", item["call_id"])
	assert.Equal(t, "Sent.", item["output"])

	srv.waitFor(t, "response.create", 1)
}

func TestPromptResponseCarriesInstructions(t *testing.T) {
	srv, url := newFakeRealtimeServer(t)

	b := New(Config{URL: url, APIKey: "test-key"})
	require.NoError(t, b.Connect(backend.Callbacks{}))
	defer b.Disconnect()

	require.NoError(t, b.PromptResponse("Ask if the caller is still there."))

	responses := srv.waitFor(t, "response.create", 1)
	resp := responses[0]["response"].(map[string]any)
	assert.Equal(t, "Ask if the caller is still there.", resp["instructions"])
}

func TestOutboundNoOpsWhenDisconnected(t *testing.T) {
	b := New(Config{URL: "ws://127.0.0.1:1/realtime", APIKey: "test-key"})
	assert.NoError(t, b.SendAudio([]byte{0xFF}))
	assert.NoError(t, b.SendText("hello"))
	assert.NoError(t, b.SendToolResult("c1", "out"))
	assert.NoError(t, b.PromptResponse("hi"))
	assert.False(t, b.Connected())
}

func TestCloseFiresOnClose(t *testing.T) {
	srv, url := newFakeRealtimeServer(t)

	closed := make(chan struct{})
	b := New(Config{URL: url, APIKey: "test-key"})
	require.NoError(t, b.Connect(backend.Callbacks{
		OnClose: func() { close(closed) },
	}))

	<-srv.ready
	srv.mu.Lock()
	srv.conn.Close()
	srv.mu.Unlock()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not fired after server hangup")
	}
	assert.False(t, b.Connected())
}
