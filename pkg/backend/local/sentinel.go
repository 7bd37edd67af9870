package local

import (
	"bytes"

	"github.com/wembledev/voice-agent/pkg/audio"
)

// ttsSentinel marks an utterance boundary on the TTS stdout stream:
// 0xDEADBEEF little-endian, written after the frame-padded audio of
// each synthesized sentence.
var ttsSentinel = []byte{0xEF, 0xBE, 0xAD, 0xDE}

// sentinelScanner accumulates raw TTS output, emits complete linear-16
// frames, and signals once per utterance boundary. The first sentinel
// is the warm-up flush and raises no delivery signal.
type sentinelScanner struct {
	buf       []byte
	warmed    bool
	emit      func(pcm []byte)
	delivered func()
}

// Write consumes more TTS output. Frames are released as soon as they
// are complete, but a tail that could be the start of a sentinel is
// held back until the next read disambiguates it.
func (s *sentinelScanner) Write(p []byte) {
	s.buf = append(s.buf, p...)
	for {
		idx := bytes.Index(s.buf, ttsSentinel)
		if idx < 0 {
			hold := sentinelPrefixLen(s.buf)
			safe := len(s.buf) - hold
			if n := safe / audio.PCMFrameBytes * audio.PCMFrameBytes; n > 0 {
				s.emit(s.buf[:n:n])
				s.buf = append([]byte(nil), s.buf[n:]...)
			}
			return
		}
		if idx > 0 {
			s.emit(audio.PadToFrame(s.buf[:idx:idx]))
		}
		s.buf = append([]byte(nil), s.buf[idx+len(ttsSentinel):]...)
		if !s.warmed {
			s.warmed = true
			continue
		}
		s.delivered()
	}
}

// sentinelPrefixLen reports how many trailing bytes of buf form a
// proper prefix of the sentinel.
func sentinelPrefixLen(buf []byte) int {
	for k := len(ttsSentinel) - 1; k > 0; k-- {
		if len(buf) < k {
			continue
		}
		if bytes.Equal(buf[len(buf)-k:], ttsSentinel[:k]) {
			return k
		}
	}
	return 0
}
