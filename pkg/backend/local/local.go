// Package local implements the voice backend as an on-box pipeline:
// an STT subprocess, a streaming chat completion, and a TTS subprocess.
// Audio crosses the package boundary as μ-law; the subprocesses speak
// raw linear-16 at 8 kHz.
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/wembledev/voice-agent/pkg/audio"
	"github.com/wembledev/voice-agent/pkg/backend"
)

const (
	defaultModel        = "gpt-4o-mini"
	defaultMaxTokens    = 256
	defaultTemperature  = 0.7
	defaultMaxHistory   = 20
	defaultLLMTimeout   = 30 * time.Second
	defaultSentinelWait = 30 * time.Second

	// defaultStartupTimeout covers the subprocesses loading their models.
	defaultStartupTimeout = 120 * time.Second

	// minSentenceLen keeps the splitter from cutting on "Mr." and "U.S.".
	minSentenceLen = 20

	// echoCooldown ignores STT output briefly after the agent finishes,
	// long enough for line echo of the last syllables to decay.
	echoCooldown = 1500 * time.Millisecond

	// greetingGateMin drops the one-word hallucinations that ring tones
	// and line noise produce before the caller actually speaks.
	greetingGateMin = 4

	bargeMinChars = 10
	bargeMinWords = 2

	stopGrace = 2 * time.Second
)

// Config holds the local pipeline configuration.
type Config struct {
	// STTCommand and TTSCommand are the subprocess argv vectors.
	STTCommand []string
	TTSCommand []string

	// APIKey and Model select the chat completion endpoint.
	APIKey string
	Model  string
	// SystemPrompt is the agent personality.
	SystemPrompt string
	// Voice and Instruct are passed through to the TTS server.
	Voice    string
	Instruct string

	MaxTokens   int
	Temperature float64
	MaxHistory  int
	LLMTimeout  time.Duration

	// SentinelWait bounds how long a generation waits for one
	// sentence's audio to come back from TTS.
	SentinelWait time.Duration

	// StartupTimeout bounds how long the STT and TTS subprocesses may
	// take to report ready after their models load.
	StartupTimeout time.Duration

	Verbose bool
}

// DefaultConfig reads the pipeline settings from the environment.
func DefaultConfig() Config {
	return Config{
		STTCommand: strings.Fields(os.Getenv("STT_COMMAND")),
		TTSCommand: strings.Fields(os.Getenv("TTS_COMMAND")),
		APIKey:     os.Getenv("OPENAI_API_KEY"),
		Model:      defaultModel,
	}
}

// sttEvent is one JSON line from the STT server's stdout.
type sttEvent struct {
	Type    string  `json:"type"`
	Text    string  `json:"text"`
	Latency float64 `json:"latency"`
}

// ttsRequest is one JSON line written to the TTS server's stdin.
type ttsRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Instruct string `json:"instruct,omitempty"`
}

// job is one unit of work for the utterance worker: either a caller
// turn or a prompted response with no caller turn.
type job struct {
	userText     string
	instructions string
}

// Backend is the subprocess pipeline implementation of backend.Backend.
type Backend struct {
	cfg    Config
	client *openai.Client
	conv   *conversation

	mu        sync.Mutex
	connected bool
	cb        backend.Callbacks
	stt       *proc
	tts       *proc
	utterQ    chan job
	closing   bool

	// gateOpen releases permanently on the first real transcript.
	gateOpen bool

	// speaking is true from the first sentence of a generation to its
	// last delivered sentinel; cooldownUntil extends echo rejection.
	speaking      bool
	cooldownUntil time.Time

	bargeFlag bool
	bargeText string

	delivered chan struct{}
	wg        sync.WaitGroup
}

var _ backend.Backend = (*Backend)(nil)

// New creates a local pipeline backend.
func New(cfg Config) *Backend {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.LLMTimeout == 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	if cfg.SentinelWait == 0 {
		cfg.SentinelWait = defaultSentinelWait
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	return &Backend{
		cfg:       cfg,
		conv:      newConversation(cfg.SystemPrompt, cfg.MaxHistory),
		utterQ:    make(chan job, 16),
		delivered: make(chan struct{}, 8),
	}
}

// Connect launches both subprocesses, waits for their models to load,
// starts the readers and the utterance worker, and fires OnReady.
func (b *Backend) Connect(cb backend.Callbacks) error {
	if b.cfg.APIKey == "" {
		return fmt.Errorf("local backend: missing API key")
	}

	stt, err := startProc("stt", b.cfg.STTCommand, b.cfg.Verbose)
	if err != nil {
		return err
	}
	tts, err := startProc("tts", b.cfg.TTSCommand, b.cfg.Verbose)
	if err != nil {
		stt.stop(stopGrace)
		return err
	}

	// No audio flows until both servers have loaded their models; the
	// deadline spans the slower of the two.
	deadline := time.Now().Add(b.cfg.StartupTimeout)
	for _, p := range []*proc{stt, tts} {
		if err := p.awaitReady(deadline); err != nil {
			stt.stop(stopGrace)
			tts.stop(stopGrace)
			return err
		}
	}

	opts := []option.RequestOption{option.WithAPIKey(b.cfg.APIKey)}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)

	b.mu.Lock()
	b.stt = stt
	b.tts = tts
	b.client = &client
	b.cb = cb
	b.connected = true
	b.mu.Unlock()

	b.wg.Add(3)
	go b.sttReader(stt)
	go b.ttsReader(tts)
	go b.utteranceWorker()

	if cb.OnReady != nil {
		cb.OnReady()
	}
	log.Printf("[LocalPipeline] ready (model=%s, voice=%q)", b.cfg.Model, b.cfg.Voice)
	return nil
}

// SendAudio converts caller μ-law to linear-16 and feeds the STT server.
func (b *Backend) SendAudio(mulaw []byte) error {
	b.mu.Lock()
	stt := b.stt
	connected := b.connected
	b.mu.Unlock()
	if !connected || stt == nil {
		return nil
	}
	if _, err := stt.stdin.Write(audio.MuLawToPCM(mulaw)); err != nil {
		return fmt.Errorf("local backend: stt write: %w", err)
	}
	return nil
}

// SendText queues a caller text turn for generation.
func (b *Backend) SendText(text string) error {
	if !b.Connected() {
		return nil
	}
	b.enqueue(job{userText: text})
	return nil
}

// SendToolResult speaks a tool outcome back to the caller. The local
// pipeline has no native function calling, so the result is relayed as
// a prompted response.
func (b *Backend) SendToolResult(callID, output string) error {
	if !b.Connected() {
		return nil
	}
	b.enqueue(job{instructions: "Relay this result to the caller in one short sentence: " + output})
	return nil
}

// PromptResponse asks for a spoken response following the instructions,
// with no caller turn added to the conversation.
func (b *Backend) PromptResponse(instructions string) error {
	if !b.Connected() {
		return nil
	}
	b.enqueue(job{instructions: instructions})
	return nil
}

// Disconnect closes the utterance queue and both subprocesses, joining
// the readers within a bounded grace. Idempotent.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	wasConnected := b.connected
	b.connected = false
	stt, tts := b.stt, b.tts
	cb := b.cb
	close(b.utterQ)
	b.mu.Unlock()

	if stt != nil {
		stt.stop(stopGrace)
	}
	if tts != nil {
		tts.stop(stopGrace)
	}

	joined := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(stopGrace):
		log.Printf("[LocalPipeline] workers did not join within %v", stopGrace)
	}

	if wasConnected && cb.OnClose != nil {
		cb.OnClose()
	}
	return nil
}

// Connected reports whether the pipeline is live.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Backend) enqueue(j job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return
	}
	select {
	case b.utterQ <- j:
	default:
		log.Printf("[LocalPipeline] utterance queue full, dropping job")
	}
}

// sttReader forwards STT events: speech markers pass straight through,
// transcripts go through the intake filters.
func (b *Backend) sttReader(p *proc) {
	defer b.wg.Done()
	sc := bufio.NewScanner(p.stdout)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var evt sttEvent
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			log.Printf("[LocalPipeline] stt: skipping malformed line: %v", err)
			continue
		}
		b.mu.Lock()
		cb := b.cb
		b.mu.Unlock()
		switch evt.Type {
		case "speech_started":
			if cb.OnSpeechStarted != nil {
				cb.OnSpeechStarted()
			}
		case "speech_stopped":
			if cb.OnSpeechStopped != nil {
				cb.OnSpeechStopped()
			}
		case "transcript":
			if b.cfg.Verbose {
				log.Printf("[LocalPipeline] stt transcript (%.2fs): %q", evt.Latency, evt.Text)
			}
			b.intakeTranscript(evt.Text)
		}
	}
}

// intakeTranscript applies the greeting gate and echo/barge-in policy,
// then queues the turn.
func (b *Backend) intakeTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	b.mu.Lock()
	if !b.gateOpen {
		if len(text) < greetingGateMin {
			b.mu.Unlock()
			log.Printf("[LocalPipeline] greeting gate dropped %q", text)
			return
		}
		b.gateOpen = true
	}

	busy := b.speaking || time.Now().Before(b.cooldownUntil)
	if busy {
		if !isSubstantial(text, bargeMinChars, bargeMinWords) {
			b.mu.Unlock()
			log.Printf("[LocalPipeline] echo suppressed %q", text)
			return
		}
		b.bargeFlag = true
		b.bargeText = text
		cb := b.cb
		b.mu.Unlock()
		log.Printf("[LocalPipeline] barge-in: %q", text)
		if cb.OnInputTranscript != nil {
			cb.OnInputTranscript(text)
		}
		return
	}
	cb := b.cb
	b.mu.Unlock()

	if cb.OnInputTranscript != nil {
		cb.OnInputTranscript(text)
	}
	b.enqueue(job{userText: text})
}

// ttsReader feeds TTS stdout through the sentinel scanner, emitting
// μ-law frames and delivery signals.
func (b *Backend) ttsReader(p *proc) {
	defer b.wg.Done()
	scan := &sentinelScanner{
		emit: func(pcm []byte) {
			b.mu.Lock()
			cb := b.cb
			b.mu.Unlock()
			if cb.OnAudio != nil {
				cb.OnAudio(audio.PCMToMuLaw(pcm))
			}
		},
		delivered: func() {
			select {
			case b.delivered <- struct{}{}:
			default:
			}
		},
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			scan.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// utteranceWorker is the single consumer that serializes generations.
// Two concurrent generations would interleave audio and corrupt the
// history, so everything funnels through here.
func (b *Backend) utteranceWorker() {
	defer b.wg.Done()
	for j := range b.utterQ {
		b.streamAndSpeak(j)
	}
}

// streamAndSpeak runs one generation: streams LLM tokens, cuts them
// into sentences, paces each sentence on the previous one's delivered
// audio, and finishes with transcript, cooldown, and response-done.
func (b *Backend) streamAndSpeak(j job) {
	b.mu.Lock()
	cb := b.cb
	client := b.client
	tts := b.tts
	b.bargeFlag = false
	b.bargeText = ""
	b.mu.Unlock()
	if client == nil || tts == nil {
		return
	}

	if j.userText != "" {
		b.conv.addUser(j.userText)
	}
	messages := b.conv.snapshot(j.instructions)

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.LLMTimeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       shared.ChatModel(b.cfg.Model),
		MaxTokens:   openai.Int(int64(b.cfg.MaxTokens)),
		Temperature: openai.Float(b.cfg.Temperature),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	stream := client.Chat.Completions.NewStreaming(ctx, params)

	b.setSpeaking(true)
	defer b.setSpeaking(false)

	var full strings.Builder
	var sentBuf string
	var usage backend.Usage
	awaiting := false
	interrupted := false

	speakNext := func(sentence string) bool {
		if awaiting && !b.waitDelivered() {
			return false
		}
		awaiting = false
		if b.bargeRequested() {
			interrupted = true
			return false
		}
		if err := b.speak(tts, sentence); err != nil {
			log.Printf("[LocalPipeline] tts write: %v", err)
			return false
		}
		awaiting = true
		return true
	}

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage = backend.Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:  int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		sentBuf += delta

		for {
			sentence, rest, ok := extractSentence(sentBuf, minSentenceLen)
			if !ok {
				break
			}
			sentBuf = rest
			if !speakNext(sentence) {
				b.finishInterrupted(cb, awaiting, interrupted)
				return
			}
		}
	}
	if err := stream.Err(); err != nil {
		log.Printf("[LocalPipeline] llm stream: %v", err)
		if cb.OnError != nil {
			cb.OnError(fmt.Errorf("local backend: llm stream: %w", err))
		}
		if cb.OnResponseDone != nil {
			cb.OnResponseDone(backend.Usage{})
		}
		return
	}

	if tail := strings.TrimSpace(sentBuf); tail != "" {
		if !speakNext(tail) {
			b.finishInterrupted(cb, awaiting, interrupted)
			return
		}
	}
	if awaiting && !b.waitDelivered() {
		log.Printf("[LocalPipeline] timed out waiting for final sentence audio")
	}

	text := full.String()
	if text != "" {
		b.conv.addAssistant(text)
		if cb.OnTranscript != nil {
			cb.OnTranscript(text)
		}
	}
	b.mu.Lock()
	b.cooldownUntil = time.Now().Add(echoCooldown)
	b.mu.Unlock()
	if cb.OnResponseDone != nil {
		cb.OnResponseDone(usage)
	}
}

// finishInterrupted drains the outstanding sentinel, requeues the
// interrupting transcript, and suppresses response-done.
func (b *Backend) finishInterrupted(cb backend.Callbacks, awaiting, interrupted bool) {
	if awaiting {
		b.waitDelivered()
	}
	if !interrupted {
		return
	}
	b.mu.Lock()
	text := b.bargeText
	b.bargeFlag = false
	b.bargeText = ""
	b.mu.Unlock()
	if text != "" {
		log.Printf("[LocalPipeline] generation cut short, requeuing %q", text)
		b.enqueue(job{userText: text})
	}
}

func (b *Backend) speak(tts *proc, sentence string) error {
	req := ttsRequest{Text: sentence, Voice: b.cfg.Voice, Instruct: b.cfg.Instruct}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = tts.stdin.Write(append(data, '\n'))
	return err
}

// waitDelivered blocks until the TTS reader signals one utterance
// boundary, bounded by SentinelWait.
func (b *Backend) waitDelivered() bool {
	select {
	case <-b.delivered:
		return true
	case <-time.After(b.cfg.SentinelWait):
		return false
	}
}

func (b *Backend) bargeRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bargeFlag
}

func (b *Backend) setSpeaking(v bool) {
	b.mu.Lock()
	b.speaking = v
	b.mu.Unlock()
}
