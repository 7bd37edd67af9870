package session

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Transcript appends timestamped call lines to a UTF-8 file, synced on
// every write so a crash still leaves a valid partial record.
type Transcript struct {
	mu    sync.Mutex
	f     *os.File
	start time.Time
}

// OpenTranscript creates the transcript file, or appends to an existing
// one, and writes the header.
func OpenTranscript(path, number string) (*Transcript, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	t := &Transcript{f: f, start: time.Now()}
	header := fmt.Sprintf("Call Transcript — %s\nNumber: %s\n%s\n",
		t.start.Format("2006-01-02 15:04:05"), number, "----------------------------------------")
	if err := t.write(header); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// Line appends one "[mm:ss.s] Role: text" record.
func (t *Transcript) Line(role, text string) {
	if t == nil {
		return
	}
	elapsed := time.Since(t.start)
	min := int(elapsed.Minutes())
	sec := elapsed.Seconds() - float64(min)*60
	t.write(fmt.Sprintf("[%02d:%04.1f] %s: %s\n", min, sec, role, text))
}

// Close writes the footer and closes the file. Idempotent.
func (t *Transcript) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return
	}
	dur := int(time.Since(t.start).Seconds())
	fmt.Fprintf(t.f, "\nCall ended (duration: %ds)\n", dur)
	t.f.Sync()
	t.f.Close()
	t.f = nil
}

func (t *Transcript) write(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	if _, err := t.f.WriteString(s); err != nil {
		return fmt.Errorf("transcript: write: %w", err)
	}
	return t.f.Sync()
}
