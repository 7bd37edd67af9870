// Package session owns a call from dial to hangup: it wires the audio
// bridge, the voice backend, the trigger bank, and the delegation
// assistant into one lifecycle with a single-instance lock and an
// optional transcript.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/wembledev/voice-agent/pkg/audio"
	"github.com/wembledev/voice-agent/pkg/backend"
	"github.com/wembledev/voice-agent/pkg/trigger"
)

const (
	// SilenceTimeout is how long the line may stay quiet before the
	// "are you still there?" check.
	SilenceTimeout = 30 * time.Second

	stillThereGrace = 10 * time.Second
	goodbyeGrace    = 8 * time.Second

	drainPoll = 100 * time.Millisecond
	drainTail = 500 * time.Millisecond

	triggerTick   = time.Second
	statsInterval = 30 * time.Second
	joinGrace     = time.Second
)

// goodbyeKind records which path started the goodbye sequence.
type goodbyeKind int

const (
	goodbyeNone goodbyeKind = iota
	goodbyeSilence
	goodbyeKeyword
)

// AudioBridge is the slice of the bridge the session drives.
type AudioBridge interface {
	Start() error
	Enqueue(mulaw []byte)
	QueueSize() int
	BytesIn() int64
	BytesOut() int64
	Stop()
}

// SIPControl is the slice of the SIP client the session drives.
type SIPControl interface {
	Hangup() error
}

// Assistant answers delegated caller requests.
type Assistant interface {
	Handle(ctx context.Context, intent, request string) (string, error)
}

// Config holds the session settings.
type Config struct {
	// Number is the dialed E.164 number, for the transcript header.
	Number string
	// TranscriptPath enables the transcript file when non-empty.
	TranscriptPath string
	// LockPath overrides the PID lock location.
	LockPath string
	// SilenceTimeout overrides the quiet-line threshold.
	SilenceTimeout time.Duration
	// Verbose enables periodic byte-count stats.
	Verbose bool
}

// Deps are the injected collaborators.
type Deps struct {
	Backend   backend.Backend
	Bridge    AudioBridge
	SIP       SIPControl
	Assistant Assistant
}

// Session is the call orchestrator.
type Session struct {
	id   string
	cfg  Config
	deps Deps

	lock       *PIDLock
	transcript *Transcript
	triggers   *trigger.Manager

	mu                  sync.Mutex
	hangingUp           bool
	goodbyePending      goodbyeKind
	silenceCheckPending bool
	lastResponseAt      time.Time
	isSpeaking          bool
	stillThereTimer     *time.Timer
	goodbyeTimer        *time.Timer

	span oteltrace.Span
	done chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a session. The trigger bank is assembled here: farewell on
// caller lines, silence on the quiet line, delegation on tool calls.
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Backend == nil || deps.Bridge == nil {
		return nil, fmt.Errorf("session: backend and bridge are required")
	}
	if cfg.SilenceTimeout == 0 {
		cfg.SilenceTimeout = SilenceTimeout
	}

	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		deps:     deps,
		lock:     NewPIDLock(cfg.LockPath),
		triggers: trigger.NewManager(),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}

	farewell, err := trigger.NewFarewell(trigger.ActionHangup, nil, trigger.WithFarewellRole(trigger.RoleUser))
	if err != nil {
		return nil, err
	}
	s.triggers.Add(
		farewell,
		trigger.NewSilence(trigger.ActionHangup, cfg.SilenceTimeout),
		trigger.NewDelegation(trigger.ActionDelegate, ""),
	)
	s.triggers.On(trigger.ActionHangup, s.onHangupAction)
	s.triggers.On(trigger.ActionDelegate, s.onDelegateAction)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Start acquires the lock, connects everything, and blocks until the
// call ends. The returned error covers setup failures only.
func (s *Session) Start() error {
	if err := s.lock.Acquire(); err != nil {
		return err
	}

	if s.cfg.TranscriptPath != "" {
		t, err := OpenTranscript(s.cfg.TranscriptPath, s.cfg.Number)
		if err != nil {
			s.lock.Release()
			return err
		}
		s.transcript = t
	}

	_, s.span = otel.Tracer("voice-agent/session").Start(context.Background(), "call",
		oteltrace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("call.number", s.cfg.Number),
		))

	if err := s.deps.Backend.Connect(s.callbacks()); err != nil {
		s.teardownEarly()
		return fmt.Errorf("session: backend connect: %w", err)
	}
	if err := s.deps.Bridge.Start(); err != nil {
		s.deps.Backend.Disconnect()
		s.teardownEarly()
		return fmt.Errorf("session: bridge start: %w", err)
	}

	s.wg.Add(1)
	go s.checkLoop()

	log.Printf("[Session] %s started (number=%s)", s.id, s.cfg.Number)
	<-s.done
	return nil
}

// Done is closed when the call has fully ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) teardownEarly() {
	if s.transcript != nil {
		s.transcript.Close()
	}
	if s.span != nil {
		s.span.End()
	}
	s.lock.Release()
}

// callbacks builds the backend event wiring.
func (s *Session) callbacks() backend.Callbacks {
	return backend.Callbacks{
		OnReady: func() {
			log.Printf("[Session] backend ready")
		},
		OnAudio: func(mulaw []byte) {
			s.mu.Lock()
			s.isSpeaking = true
			s.mu.Unlock()
			s.deps.Bridge.Enqueue(mulaw)
		},
		OnTranscript: func(text string) {
			s.transcript.Line("Agent", text)
			s.triggers.Check(&trigger.Context{Transcript: text, Role: trigger.RoleAssistant})
		},
		OnInputTranscript: func(text string) {
			s.transcript.Line("Caller", text)
			s.triggers.Check(&trigger.Context{Transcript: text, Role: trigger.RoleUser})
		},
		OnSpeechStarted: func() {
			s.cancelPendingGoodbye()
		},
		OnResponseDone: func(u backend.Usage) {
			s.wg.Add(1)
			go s.afterResponse(u)
		},
		OnToolCall: func(name, args, callID string) {
			s.triggers.Check(&trigger.Context{
				ToolName:      name,
				ToolArguments: args,
				ToolCallID:    callID,
			})
		},
		OnError: func(err error) {
			log.Printf("[Session] backend error: %v", err)
		},
		OnClose: func() {
			log.Printf("[Session] backend closed")
			go s.Hangup()
		},
	}
}

// afterResponse delays the silence reference point until the bridge
// backlog has played out, then runs the goodbye drain when one is
// pending.
func (s *Session) afterResponse(u backend.Usage) {
	defer s.wg.Done()

	drain := time.Duration(s.deps.Bridge.QueueSize()) * audio.FrameDuration
	if drain > 0 {
		select {
		case <-time.After(drain):
		case <-s.stop:
			return
		}
	}

	s.mu.Lock()
	s.lastResponseAt = time.Now()
	s.isSpeaking = false
	pending := s.goodbyePending
	s.mu.Unlock()

	if u.TotalTokens > 0 && s.cfg.Verbose {
		log.Printf("[Session] response done (tokens=%d)", u.TotalTokens)
	}
	if pending != goodbyeNone {
		go s.drainAndHangup()
	}
}

// drainAndHangup lets the closing utterance play out, then ends the call.
func (s *Session) drainAndHangup() {
	for {
		s.mu.Lock()
		pending := s.goodbyePending
		s.mu.Unlock()
		if pending == goodbyeNone {
			return
		}
		if s.deps.Bridge.QueueSize() == 0 {
			break
		}
		select {
		case <-time.After(drainPoll):
		case <-s.stop:
			return
		}
	}
	select {
	case <-time.After(drainTail):
	case <-s.stop:
		return
	}
	s.Hangup()
}

// checkLoop feeds the silence trigger once a second and logs stats.
func (s *Session) checkLoop() {
	defer s.wg.Done()
	tick := time.NewTicker(triggerTick)
	defer tick.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-tick.C:
			s.mu.Lock()
			ctx := trigger.Context{
				LastResponseAt: s.lastResponseAt,
				IsSpeaking:     s.isSpeaking,
			}
			s.mu.Unlock()
			s.triggers.Check(&ctx)
		case <-stats.C:
			if s.cfg.Verbose {
				log.Printf("[Session] audio in=%dB out=%dB queue=%d",
					s.deps.Bridge.BytesIn(), s.deps.Bridge.BytesOut(), s.deps.Bridge.QueueSize())
			}
		}
	}
}

// onHangupAction handles both silence fires and farewell keywords. A
// silence trigger publishes a duration; a farewell publishes the
// matched text.
func (s *Session) onHangupAction(ctx *trigger.Context, payload any) {
	if _, silence := payload.(time.Duration); silence {
		s.onSilence()
		return
	}
	s.beginGoodbye(goodbyeKeyword)
}

// onSilence runs the two-phase quiet-line sequence.
func (s *Session) onSilence() {
	s.mu.Lock()
	if s.hangingUp || s.goodbyePending != goodbyeNone {
		s.mu.Unlock()
		return
	}
	if !s.silenceCheckPending {
		s.silenceCheckPending = true
		// The quiet-line clock restarts here so the re-armed silence
		// trigger measures a full window from the check-in, not from
		// the response before it.
		s.lastResponseAt = time.Now()
		s.stillThereTimer = time.AfterFunc(stillThereGrace, s.stillThereExpired)
		s.mu.Unlock()

		log.Printf("[Session] silence detected, checking on the caller")
		s.deps.Backend.PromptResponse("Briefly ask if the caller is still there.")
		s.triggers.Reset()
		return
	}
	s.mu.Unlock()
	s.beginGoodbye(goodbyeSilence)
}

// stillThereExpired fires when the caller never answered the check.
func (s *Session) stillThereExpired() {
	s.mu.Lock()
	pending := s.silenceCheckPending
	s.mu.Unlock()
	if pending {
		s.beginGoodbye(goodbyeSilence)
	}
}

// beginGoodbye marks the goodbye pending and arms the safety timer. For
// a silence goodbye the backend is asked for a closing statement; for a
// keyword the backend's own farewell response is already on its way.
func (s *Session) beginGoodbye(kind goodbyeKind) {
	s.mu.Lock()
	if s.hangingUp || s.goodbyePending != goodbyeNone {
		s.mu.Unlock()
		return
	}
	s.goodbyePending = kind
	s.silenceCheckPending = false
	if s.stillThereTimer != nil {
		s.stillThereTimer.Stop()
	}
	s.goodbyeTimer = time.AfterFunc(goodbyeGrace, func() {
		log.Printf("[Session] goodbye safety timer expired, forcing hangup")
		s.Hangup()
	})
	s.mu.Unlock()

	log.Printf("[Session] goodbye pending (%s)", map[goodbyeKind]string{
		goodbyeSilence: "silence", goodbyeKeyword: "keyword",
	}[kind])
	if kind == goodbyeSilence {
		s.deps.Backend.PromptResponse("Say a brief, warm goodbye and end the conversation.")
	}
}

// cancelPendingGoodbye runs when the caller speaks: any pending check
// or goodbye is abandoned and the triggers re-arm.
func (s *Session) cancelPendingGoodbye() {
	s.mu.Lock()
	hadPending := s.silenceCheckPending || s.goodbyePending != goodbyeNone
	s.silenceCheckPending = false
	s.goodbyePending = goodbyeNone
	if s.stillThereTimer != nil {
		s.stillThereTimer.Stop()
	}
	if s.goodbyeTimer != nil {
		s.goodbyeTimer.Stop()
	}
	s.mu.Unlock()

	if hadPending {
		log.Printf("[Session] caller spoke, goodbye cancelled")
		s.triggers.Reset()
	}
}

// onDelegateAction forwards a tool call to the assistant on its own
// task and posts the result back under the stored call id.
func (s *Session) onDelegateAction(_ *trigger.Context, payload any) {
	p, ok := payload.(trigger.ToolPayload)
	if !ok {
		return
	}
	s.transcript.Line("System", fmt.Sprintf("delegate intent=%q request=%q", p.Intent(), p.Request()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.deps.Assistant == nil {
			log.Printf("[Session] no assistant configured, dropping delegation")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		reply, err := s.deps.Assistant.Handle(ctx, p.Intent(), p.Request())
		if err != nil {
			log.Printf("[Session] delegation failed: %v", err)
			reply = "Sorry, I wasn't able to complete that request."
		}
		if p.CallID == "" {
			log.Printf("[Session] delegation reply with no call id, skipping tool result")
			return
		}
		if err := s.deps.Backend.SendToolResult(p.CallID, reply); err != nil {
			log.Printf("[Session] send tool result: %v", err)
		}
	}()
}

// Hangup tears the call down. Idempotent and safe from any task or a
// signal handler.
func (s *Session) Hangup() {
	s.mu.Lock()
	if s.hangingUp {
		s.mu.Unlock()
		return
	}
	s.hangingUp = true
	s.goodbyePending = goodbyeNone
	s.silenceCheckPending = false
	if s.stillThereTimer != nil {
		s.stillThereTimer.Stop()
	}
	if s.goodbyeTimer != nil {
		s.goodbyeTimer.Stop()
	}
	s.mu.Unlock()

	log.Printf("[Session] hanging up")
	close(s.stop)

	s.deps.Bridge.Stop()
	s.deps.Backend.Disconnect()
	if s.deps.SIP != nil {
		if err := s.deps.SIP.Hangup(); err != nil {
			log.Printf("[Session] sip hangup: %v", err)
		}
	}
	s.transcript.Close()

	joined := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(joinGrace):
		log.Printf("[Session] tasks did not join within %v", joinGrace)
	}

	if s.span != nil {
		s.span.End()
	}
	s.lock.Release()
	close(s.done)
	log.Printf("[Session] ended")
}
