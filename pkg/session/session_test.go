package session

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wembledev/voice-agent/pkg/backend"
	"github.com/wembledev/voice-agent/pkg/trigger"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "agent.lock")
}

func TestLockAcquireCreatesFile(t *testing.T) {
	l := NewPIDLock(lockPath(t))
	require.NoError(t, l.Acquire())

	data, err := os.ReadFile(l.Path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	l.Release()
	_, err = os.Stat(l.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestLockStaleOverwriteLiveRefuse(t *testing.T) {
	path := lockPath(t)

	// A PID that can't be alive counts as stale.
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))
	l := NewPIDLock(path)
	require.NoError(t, l.Acquire())
	l.Release()

	// Our own PID is very much alive.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))
	err := NewPIDLock(path).Acquire()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
	assert.Contains(t, err.Error(), "hangup")
}

func TestLockReleaseMissingFileNoop(t *testing.T) {
	l := NewPIDLock(lockPath(t))
	l.Release()
}

func TestTranscriptFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.txt")
	tr, err := OpenTranscript(path, "15551234567")
	require.NoError(t, err)

	tr.Line("Caller", "Okay, goodbye!")
	tr.Line("Agent", "Take care, bye now.")
	tr.Close()
	tr.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "Call Transcript —")
	assert.Contains(t, text, "Number: 15551234567")
	assert.Regexp(t, `\[\d{2}:\d{2}\.\d\] Caller: Okay, goodbye!`, text)
	assert.Regexp(t, `\[\d{2}:\d{2}\.\d\] Agent: Take care, bye now\.`, text)
	assert.Contains(t, text, "Call ended (duration:")
}

func TestTranscriptNilSafe(t *testing.T) {
	var tr *Transcript
	tr.Line("Caller", "hello")
	tr.Close()
}

// fakeBackend records outbound calls and lets tests fire callbacks.
type fakeBackend struct {
	mu        sync.Mutex
	cb        backend.Callbacks
	prompts   []string
	results   [][2]string
	connected bool
}

func (f *fakeBackend) Connect(cb backend.Callbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
	f.connected = true
	return nil
}
func (f *fakeBackend) SendAudio([]byte) error { return nil }
func (f *fakeBackend) SendText(string) error  { return nil }
func (f *fakeBackend) SendToolResult(callID, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, [2]string{callID, output})
	return nil
}
func (f *fakeBackend) PromptResponse(instructions string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, instructions)
	return nil
}
func (f *fakeBackend) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}
func (f *fakeBackend) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeBackend) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeBridge struct {
	mu      sync.Mutex
	queue   int
	stopped bool
}

func (f *fakeBridge) Start() error     { return nil }
func (f *fakeBridge) Enqueue([]byte)   {}
func (f *fakeBridge) BytesIn() int64   { return 0 }
func (f *fakeBridge) BytesOut() int64  { return 0 }
func (f *fakeBridge) Stop()            { f.mu.Lock(); f.stopped = true; f.mu.Unlock() }
func (f *fakeBridge) QueueSize() int   { f.mu.Lock(); defer f.mu.Unlock(); return f.queue }

type fakeSIP struct {
	mu      sync.Mutex
	hangups int
}

func (f *fakeSIP) Hangup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups++
	return nil
}

type fakeAssistant struct {
	reply string
	err   error
}

func (f *fakeAssistant) Handle(_ context.Context, intent, request string) (string, error) {
	return f.reply, f.err
}

func newTestSession(t *testing.T) (*Session, *fakeBackend, *fakeBridge, *fakeSIP) {
	t.Helper()
	be := &fakeBackend{}
	br := &fakeBridge{}
	sip := &fakeSIP{}
	s, err := New(Config{LockPath: lockPath(t)}, Deps{
		Backend:   be,
		Bridge:    br,
		SIP:       sip,
		Assistant: &fakeAssistant{reply: "Sent."},
	})
	require.NoError(t, err)
	return s, be, br, sip
}

func startSession(t *testing.T, s *Session) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()
	require.Eventually(t, func() bool { return s.deps.Backend.Connected() }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		s.Hangup()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Start did not return after Hangup")
		}
	})
}

func TestFarewellKeywordHangsUp(t *testing.T) {
	s, be, br, sip := newTestSession(t)
	startSession(t, s)

	be.cb.OnInputTranscript("Okay, goodbye!")
	be.cb.OnResponseDone(backend.Usage{TotalTokens: 5})

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after farewell + response done")
	}
	br.mu.Lock()
	assert.True(t, br.stopped)
	br.mu.Unlock()
	sip.mu.Lock()
	assert.Equal(t, 1, sip.hangups)
	sip.mu.Unlock()
	assert.False(t, be.Connected())
}

func TestDelegationRoundTrip(t *testing.T) {
	s, be, _, _ := newTestSession(t)
	startSession(t, s)

	be.cb.OnToolCall("classify_intent", `{"intent":"send_text","request":"text Alice"}`, "c1")

	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return len(be.results) == 1
	}, 2*time.Second, 10*time.Millisecond)

	be.mu.Lock()
	assert.Equal(t, [2]string{"c1", "Sent."}, be.results[0])
	be.mu.Unlock()
}

func TestDelegationWithoutCallIDSkipsResult(t *testing.T) {
	s, be, _, _ := newTestSession(t)
	startSession(t, s)

	be.cb.OnToolCall("classify_intent", `{"intent":"send_text","request":"x"}`, "")
	time.Sleep(100 * time.Millisecond)

	be.mu.Lock()
	assert.Empty(t, be.results)
	be.mu.Unlock()
}

func TestSilenceTwoPhase(t *testing.T) {
	be := &fakeBackend{}
	br := &fakeBridge{}
	sip := &fakeSIP{}
	s, err := New(Config{LockPath: lockPath(t), SilenceTimeout: 1500 * time.Millisecond}, Deps{
		Backend: be, Bridge: br, SIP: sip,
	})
	require.NoError(t, err)
	startSession(t, s)

	// Establish a reference response time, then stay quiet.
	be.cb.OnResponseDone(backend.Usage{})

	// Phase 1: the "still there?" prompt after the first quiet window.
	require.Eventually(t, func() bool { return be.promptCount() == 1 }, 5*time.Second, 20*time.Millisecond)
	s.mu.Lock()
	assert.True(t, s.silenceCheckPending)
	assert.Equal(t, goodbyeNone, s.goodbyePending)
	s.mu.Unlock()

	// The check-in restarts the quiet-line clock, so the next trigger
	// tick must not collapse straight into the goodbye.
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, 1, be.promptCount())

	// Phase 2: a full second window of silence brings the goodbye.
	require.Eventually(t, func() bool { return be.promptCount() == 2 }, 5*time.Second, 20*time.Millisecond)
	s.mu.Lock()
	assert.Equal(t, goodbyeSilence, s.goodbyePending)
	s.mu.Unlock()

	// The goodbye generation completes and the call drains out.
	be.cb.OnResponseDone(backend.Usage{})
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not hang up after goodbye")
	}
}

func TestSpeechCancelsPendingGoodbye(t *testing.T) {
	s, be, _, _ := newTestSession(t)
	startSession(t, s)

	s.mu.Lock()
	s.silenceCheckPending = true
	s.mu.Unlock()

	be.cb.OnSpeechStarted()

	s.mu.Lock()
	assert.False(t, s.silenceCheckPending)
	assert.Equal(t, goodbyeNone, s.goodbyePending)
	s.mu.Unlock()
}

func TestHangupIdempotent(t *testing.T) {
	s, _, _, sip := newTestSession(t)
	startSession(t, s)

	s.Hangup()
	s.Hangup()
	<-s.Done()

	sip.mu.Lock()
	assert.Equal(t, 1, sip.hangups)
	sip.mu.Unlock()
}

func TestSessionTriggerBank(t *testing.T) {
	s, _, _, _ := newTestSession(t)

	// The farewell trigger must ignore the agent's own goodbye line.
	fired := s.triggers.Check(&trigger.Context{Transcript: "goodbye", Role: trigger.RoleAssistant})
	assert.Zero(t, fired)
}
