package bridge

import (
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wembledev/voice-agent/pkg/audio"
)

// testSocket starts a unix listener and returns the accepted SIP-side conn
// once the bridge dials in.
func testSocket(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ausock.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()
	return path, accepted
}

func TestEnqueueSingleFrame(t *testing.T) {
	path, accepted := testSocket(t)

	b := New(Config{SocketPath: path}, nil)
	require.NoError(t, b.Start())
	defer b.Stop()

	sip := <-accepted
	defer sip.Close()

	b.Enqueue(audio.SilenceMuLaw(audio.MuLawFrameBytes))

	sip.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, audio.PCMFrameBytes)
	_, err := io.ReadFull(sip, buf)
	require.NoError(t, err, "expected one full linear-16 frame within 100ms")

	// μ-law silence decodes to linear zero.
	for i, v := range buf {
		require.Zerof(t, v, "byte %d", i)
	}
	assert.Equal(t, int64(audio.PCMFrameBytes), b.BytesOut())
}

func TestWriteCadence(t *testing.T) {
	path, accepted := testSocket(t)

	b := New(Config{SocketPath: path}, nil)
	require.NoError(t, b.Start())
	defer b.Stop()

	sip := <-accepted
	defer sip.Close()

	// One second of audio in a single burst: 50 frames.
	const frames = 50
	b.Enqueue(audio.SilenceMuLaw(frames * audio.MuLawFrameBytes))

	var stamps []time.Time
	buf := make([]byte, audio.PCMFrameBytes)
	deadline := time.Now().Add(3 * time.Second)
	for len(stamps) < frames {
		sip.SetReadDeadline(deadline)
		if _, err := io.ReadFull(sip, buf); err != nil {
			t.Fatalf("read frame %d: %v", len(stamps), err)
		}
		stamps = append(stamps, time.Now())
	}

	// The first ~5 frames are write-ahead and land immediately. After the
	// reserve fills, consecutive frames must arrive on a 20 ms grid with
	// no 40 ms stutter.
	for i := 8; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.Lessf(t, gap, 35*time.Millisecond, "frame %d gap %v", i, gap)
	}
	total := stamps[len(stamps)-1].Sub(stamps[0])
	assert.Greater(t, total, 700*time.Millisecond, "burst drained too fast: %v", total)
}

func TestReadWorkerForwardsMuLaw(t *testing.T) {
	path, accepted := testSocket(t)

	var mu sync.Mutex
	var got []byte
	send := func(mulaw []byte) error {
		mu.Lock()
		got = append(got, mulaw...)
		mu.Unlock()
		return nil
	}

	b := New(Config{SocketPath: path}, send)
	require.NoError(t, b.Start())
	defer b.Stop()

	sip := <-accepted
	defer sip.Close()

	// Two frames of caller audio.
	pcm := make([]byte, 2*audio.PCMFrameBytes)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0xE8
		pcm[i+1] = 0x03 // 1000
	}
	_, err := sip.Write(pcm)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2*audio.MuLawFrameBytes
	}, time.Second, 10*time.Millisecond)

	want := audio.MuLawEncode(1000)
	mu.Lock()
	for i, v := range got {
		require.Equalf(t, want, v, "byte %d", i)
	}
	mu.Unlock()
	assert.Equal(t, int64(2*audio.PCMFrameBytes), b.BytesIn())
}

func TestStopJoinsWorkers(t *testing.T) {
	path, accepted := testSocket(t)

	b := New(Config{SocketPath: path}, nil)
	require.NoError(t, b.Start())
	sip := <-accepted
	defer sip.Close()

	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within 2s")
	}

	// Second Stop is a no-op.
	b.Stop()

	// Enqueue after stop must not panic.
	b.Enqueue(audio.SilenceMuLaw(audio.MuLawFrameBytes))
}
