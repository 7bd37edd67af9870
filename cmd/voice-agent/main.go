// Command voice-agent places or answers a SIP call and runs the AI
// agent on it.
//
// Usage:
//
//	voice-agent dial -number 555-123-4567 [-backend realtime|local] [-profile garbo]
//	voice-agent answer [-backend realtime|local] [-profile garbo]
//	voice-agent hangup
//	voice-agent status
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wembledev/voice-agent/pkg/assistant"
	"github.com/wembledev/voice-agent/pkg/backend"
	"github.com/wembledev/voice-agent/pkg/backend/local"
	"github.com/wembledev/voice-agent/pkg/backend/realtime"
	"github.com/wembledev/voice-agent/pkg/bridge"
	"github.com/wembledev/voice-agent/pkg/profile"
	"github.com/wembledev/voice-agent/pkg/session"
	"github.com/wembledev/voice-agent/pkg/sipctl"
	"github.com/wembledev/voice-agent/pkg/trace"
)

// Exit codes.
const (
	exitOK      = 0
	exitConfig  = 1
	exitLock    = 2
	exitBackend = 3
)

func main() {
	godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	switch os.Args[1] {
	case "dial", "answer":
		os.Exit(runCall(os.Args[1], os.Args[2:]))
	case "hangup":
		os.Exit(runHangup())
	case "status":
		os.Exit(runStatus())
	default:
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: voice-agent <dial|answer|hangup|status> [flags]")
}

func runCall(mode string, args []string) int {
	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	number := fs.String("number", "", "number to dial (dial mode)")
	backendName := fs.String("backend", "realtime", "voice backend: realtime or local")
	profileName := fs.String("profile", "garbo", "agent profile")
	transcriptPath := fs.String("transcript", "", "transcript file path (empty disables)")
	verbose := fs.Bool("v", false, "verbose logging")
	fs.Parse(args)

	if mode == "dial" && *number == "" {
		log.Printf("dial requires -number")
		return exitConfig
	}

	prof, err := profile.Get(*profileName)
	if err != nil {
		log.Printf("%v", err)
		return exitConfig
	}

	ctx := context.Background()
	if err := trace.Initialize(ctx, trace.DefaultConfig()); err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		trace.Shutdown(shutdownCtx)
	}()

	be, err := buildBackend(*backendName, prof, *verbose)
	if err != nil {
		log.Printf("%v", err)
		return exitConfig
	}

	sip := sipctl.New(sipctl.DefaultConfig())

	var gw session.Assistant
	if g, err := assistant.New(assistant.DefaultConfig()); err == nil {
		gw = g
	} else {
		log.Printf("delegation disabled: %v", err)
	}

	brCfg := bridge.DefaultConfig()
	brCfg.Verbose = *verbose

	sess, err := session.New(session.Config{
		Number:         *number,
		TranscriptPath: *transcriptPath,
		Verbose:        *verbose,
	}, session.Deps{
		Backend:   be,
		Bridge:    bridge.New(brCfg, be.SendAudio),
		SIP:       sip,
		Assistant: gw,
	})
	if err != nil {
		log.Printf("%v", err)
		return exitConfig
	}

	if mode == "dial" {
		if _, err := sip.Dial(*number); err != nil {
			log.Printf("%v", err)
			return exitBackend
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("received %s, hanging up", sig)
		sess.Hangup()
	}()

	if err := sess.Start(); err != nil {
		log.Printf("%v", err)
		return classifyStartError(err)
	}
	return exitOK
}

func classifyStartError(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "already running"):
		return exitLock
	case strings.Contains(msg, "API key"), strings.Contains(msg, "not configured"):
		return exitConfig
	default:
		return exitBackend
	}
}

func buildBackend(name string, prof profile.Profile, verbose bool) (backend.Backend, error) {
	switch name {
	case "realtime":
		cfg := realtime.DefaultConfig()
		cfg.Voice = prof.Voice
		cfg.Instructions = prof.Instructions
		cfg.Verbose = verbose
		cfg.Tools = []realtime.Tool{{
			Type:        "function",
			Name:        "classify_intent",
			Description: "Classify a caller request and hand it to the assistant.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"intent":  {"type": "string"},
					"request": {"type": "string"}
				},
				"required": ["intent", "request"]
			}`),
		}}
		return realtime.New(cfg), nil
	case "local":
		cfg := local.DefaultConfig()
		cfg.SystemPrompt = prof.Instructions
		cfg.Voice = prof.Voice
		cfg.Verbose = verbose
		return local.New(cfg), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want realtime or local)", name)
	}
}

func runHangup() int {
	c := sipctl.New(sipctl.DefaultConfig())
	if err := c.Hangup(); err != nil {
		log.Printf("%v", err)
		return exitBackend
	}
	fmt.Println("hangup sent")
	return exitOK
}

func runStatus() int {
	c := sipctl.New(sipctl.DefaultConfig())
	reg, err := c.RegInfo()
	if err != nil {
		log.Printf("%v", err)
		return exitBackend
	}
	calls, err := c.ListCalls()
	if err != nil {
		log.Printf("%v", err)
		return exitBackend
	}
	fmt.Printf("registration: %s\ncalls: %s\n", reg, calls)
	return exitOK
}
