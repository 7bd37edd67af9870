// Package bridge moves audio between the SIP-side unix socket and a voice
// backend. Inbound, it reads 20 ms linear-16 frames from the socket,
// compands them to μ-law and hands them to the backend. Outbound, it
// decodes μ-law bursts from the backend and writes linear-16 frames back
// to the socket at a drift-free 20 ms cadence.
package bridge

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wembledev/voice-agent/pkg/audio"
)

const (
	// DefaultSocketPath is where the SIP audio module listens. Override
	// with AUSOCK_PATH.
	DefaultSocketPath = "/tmp/ausock.sock"

	dialRetries = 5
	dialBackoff = 500 * time.Millisecond
)

// Config holds bridge tuning knobs.
type Config struct {
	// SocketPath is the unix stream socket to the SIP audio module.
	SocketPath string

	// WriteAhead is how far ahead of real time the write worker may run.
	// The reserve absorbs scheduler jitter so the SIP reader never
	// starves. Default 100 ms (~5 frames).
	WriteAhead time.Duration

	// QueueCapacity bounds the outbound blob queue. Default 512.
	QueueCapacity int

	// Verbose enables per-frame logging.
	Verbose bool
}

// DefaultConfig returns the standard bridge configuration.
func DefaultConfig() Config {
	path := DefaultSocketPath
	if p := os.Getenv("AUSOCK_PATH"); p != "" {
		path = p
	}
	return Config{
		SocketPath:    path,
		WriteAhead:    100 * time.Millisecond,
		QueueCapacity: 512,
	}
}

// SendFunc receives inbound caller audio as μ-law frames.
type SendFunc func(mulaw []byte) error

// Bridge owns the socket and its two workers. Only the read worker reads
// the socket and only the write worker writes it.
type Bridge struct {
	cfg  Config
	send SendFunc

	conn net.Conn

	writeQ     chan []byte
	queueBytes atomic.Int64

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	mu      sync.Mutex
	started bool
	closed  bool

	wg   sync.WaitGroup
	done chan struct{}
}

// New creates a bridge that forwards caller audio through send.
func New(cfg Config, send SendFunc) *Bridge {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultConfig().SocketPath
	}
	if cfg.WriteAhead <= 0 {
		cfg.WriteAhead = 100 * time.Millisecond
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 512
	}
	return &Bridge{
		cfg:    cfg,
		send:   send,
		writeQ: make(chan []byte, cfg.QueueCapacity),
		done:   make(chan struct{}),
	}
}

// Start connects to the socket and launches the read and write workers.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("bridge already started")
	}

	var conn net.Conn
	var err error
	for attempt := 1; attempt <= dialRetries; attempt++ {
		conn, err = net.Dial("unix", b.cfg.SocketPath)
		if err == nil {
			break
		}
		log.Printf("[AudioBridge] connect %s attempt %d/%d: %v",
			b.cfg.SocketPath, attempt, dialRetries, err)
		time.Sleep(dialBackoff)
	}
	if err != nil {
		return fmt.Errorf("connect audio socket %s: %w", b.cfg.SocketPath, err)
	}
	b.conn = conn
	b.started = true

	b.wg.Add(2)
	go b.readWorker()
	go b.writeWorker()

	log.Printf("[AudioBridge] connected to %s", b.cfg.SocketPath)
	return nil
}

// Enqueue queues μ-law audio for playout. Oversized bursts are fine; the
// write worker splits them into frames. Drops with a warning when the
// queue is saturated rather than blocking the backend's event loop.
func (b *Bridge) Enqueue(mulaw []byte) {
	if len(mulaw) == 0 {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	blob := make([]byte, len(mulaw))
	copy(blob, mulaw)
	select {
	case b.writeQ <- blob:
		b.queueBytes.Add(int64(len(blob)))
	default:
		log.Printf("[AudioBridge] write queue full, dropping %d bytes", len(blob))
	}
	b.mu.Unlock()
}

// BytesIn reports cumulative linear-16 bytes read from the socket.
func (b *Bridge) BytesIn() int64 { return b.bytesIn.Load() }

// BytesOut reports cumulative linear-16 bytes written to the socket.
func (b *Bridge) BytesOut() int64 { return b.bytesOut.Load() }

// QueueSize reports pending playout backlog in 20 ms frames.
func (b *Bridge) QueueSize() int {
	return int(b.queueBytes.Load() / audio.MuLawFrameBytes)
}

// Stop closes the queue and the socket and joins both workers. Workers
// that fail to exit within the grace period are abandoned with a warning.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started || b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.writeQ)
	close(b.done)
	if b.conn != nil {
		b.conn.Close()
	}
	b.mu.Unlock()

	joined := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		log.Printf("[AudioBridge] workers did not exit within grace period")
	}
	log.Printf("[AudioBridge] stopped (in=%d out=%d)", b.BytesIn(), b.BytesOut())
}

// readWorker pulls exactly one linear-16 frame per iteration. A short read
// means the SIP side went away; the worker terminates.
func (b *Bridge) readWorker() {
	defer b.wg.Done()

	frame := make([]byte, audio.PCMFrameBytes)
	for {
		if _, err := io.ReadFull(b.conn, frame); err != nil {
			select {
			case <-b.done:
			default:
				log.Printf("[AudioBridge] read worker exiting: %v", err)
			}
			return
		}
		b.bytesIn.Add(int64(len(frame)))

		if b.send != nil {
			if err := b.send(audio.PCMToMuLaw(frame)); err != nil {
				log.Printf("[AudioBridge] forward audio: %v", err)
				return
			}
		}
	}
}

// writeWorker drains the blob queue frame by frame on a monotonic 20 ms
// grid. Each written chunk advances the grid by exactly one frame
// duration; advancing by more would leave the SIP reader seeing silence
// on alternate 20 ms reads.
func (b *Bridge) writeWorker() {
	defer b.wg.Done()

	var nextFrameAt time.Time
	for blob := range b.writeQ {
		for off := 0; off < len(blob); off += audio.MuLawFrameBytes {
			end := off + audio.MuLawFrameBytes
			if end > len(blob) {
				end = len(blob)
			}
			chunk := blob[off:end]

			now := time.Now()
			if nextFrameAt.IsZero() {
				nextFrameAt = now
			}
			if surplus := nextFrameAt.Sub(now) - b.cfg.WriteAhead; surplus > 0 {
				time.Sleep(surplus)
			}

			pcm := audio.MuLawToPCM(chunk)
			if _, err := b.conn.Write(pcm); err != nil {
				select {
				case <-b.done:
				default:
					log.Printf("[AudioBridge] write worker exiting: %v", err)
				}
				b.queueBytes.Add(int64(-len(chunk)))
				return
			}
			b.bytesOut.Add(int64(len(pcm)))
			b.queueBytes.Add(int64(-len(chunk)))

			nextFrameAt = nextFrameAt.Add(audio.FrameDuration)
			if now = time.Now(); nextFrameAt.Before(now) {
				nextFrameAt = now.Add(audio.FrameDuration)
			}

			if b.cfg.Verbose {
				log.Printf("[AudioBridge] frame out %d bytes, backlog %d frames",
					len(pcm), b.QueueSize())
			}
		}
	}
}
