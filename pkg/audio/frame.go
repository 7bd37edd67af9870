package audio

import "time"

// Everything in the call path moves in 20 ms frames of mono 8 kHz audio.
// The bridge reads, and the local backend and its subprocess protocols
// produce, whole frames. The realtime backend's audio deltas are not
// re-aligned, so the bridge writes the short tail of an unaligned blob
// as a partial frame.
const (
	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000
	// Channels is the channel count (always mono on the phone leg).
	Channels = 1
	// BytesPerSample is the width of one S16LE sample.
	BytesPerSample = 2

	// FrameDuration is the canonical frame length.
	FrameDuration = 20 * time.Millisecond
	// SamplesPerFrame is the sample count in one frame (160 at 8 kHz).
	SamplesPerFrame = SampleRate / 1000 * 20
	// PCMFrameBytes is one frame as S16LE (320 bytes).
	PCMFrameBytes = SamplesPerFrame * BytesPerSample
	// MuLawFrameBytes is one frame as μ-law (160 bytes).
	MuLawFrameBytes = SamplesPerFrame
)

// PadToFrame pads S16LE audio with zero samples up to the next 320-byte
// frame boundary. Returns the input unchanged when already aligned.
func PadToFrame(pcm []byte) []byte {
	rem := len(pcm) % PCMFrameBytes
	if rem == 0 {
		return pcm
	}
	return append(pcm, make([]byte, PCMFrameBytes-rem)...)
}

// SilenceMuLaw returns n bytes of μ-law silence.
func SilenceMuLaw(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = MuLawSilence
	}
	return buf
}
