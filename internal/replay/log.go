// Package replay records host sensor streams to a session log and plays
// them back as a host.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Log format: line-oriented text.
//
// - Blank lines ignored.
// - Lines starting with '#' ignored.
// - Line "START" resets the origin (next record time is relative to 0 again).
// - Data lines are: <t_ns>,<kind>,<json>
//   where t_ns is nanoseconds since START and json is the payload for kind.

// Kind names one recorded host callback.
type Kind string

const (
	KindOrientation Kind = "orientation"
	KindQuaternion  Kind = "quaternion"
	KindSensorError Kind = "sensor_error"
	KindFix         Kind = "fix"
	KindFixError    Kind = "fix_error"
)

func (k Kind) valid() bool {
	switch k {
	case KindOrientation, KindQuaternion, KindSensorError, KindFix, KindFixError:
		return true
	}
	return false
}

// Record is one log line. A START marker has an empty Kind.
type Record struct {
	At      time.Duration
	Kind    Kind
	Payload json.RawMessage
}

func (r Record) marker() bool { return r.Kind == "" }

// errorPayload carries a host error message.
type errorPayload struct {
	Error string `json:"error"`
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}

		// The JSON payload may itself contain commas.
		parts := strings.SplitN(line, ",", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid replay line (want <t_ns>,<kind>,<json>): %q", line)
		}
		tsStr := strings.TrimSpace(parts[0])
		kind := Kind(strings.TrimSpace(parts[1]))
		payload := strings.TrimSpace(parts[2])
		if tsStr == "" || payload == "" {
			return nil, fmt.Errorf("invalid replay line (empty field): %q", line)
		}

		tsNs, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid replay timestamp %q: %w", tsStr, err)
		}
		if tsNs < 0 {
			return nil, fmt.Errorf("invalid replay timestamp (negative): %d", tsNs)
		}
		if !kind.valid() {
			return nil, fmt.Errorf("invalid replay kind %q", kind)
		}
		if !json.Valid([]byte(payload)) {
			return nil, fmt.Errorf("invalid replay payload for %s: %q", kind, payload)
		}

		recs = append(recs, Record{At: time.Duration(tsNs), Kind: kind, Payload: json.RawMessage(payload)})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ReadFile loads every record of a session log.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

// Writer appends records. It is safe for concurrent use since host
// callbacks arrive on several goroutines.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	clock  clockwork.Clock
	start  time.Time
	closed bool
}

func CreateWriter(path string, clock clockwork.Clock) (*Writer, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, clock: clock, start: clock.Now()}, nil
}

// Write records v as kind at the writer clock's current time.
func (ww *Writer) Write(kind Kind, v any) error {
	if !kind.valid() {
		return fmt.Errorf("replay: invalid kind %q", kind)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("replay: encode %s: %w", kind, err)
	}

	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("replay writer is closed")
	}
	d := ww.clock.Since(ww.start)
	if d < 0 {
		d = 0
	}
	_, err = fmt.Fprintf(ww.w, "%d,%s,%s\n", d.Nanoseconds(), kind, b)
	return err
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(d time.Duration)
}

// ctxSleeper returns early once ctx is done.
type ctxSleeper struct {
	ctx   context.Context
	clock clockwork.Clock
}

func (s ctxSleeper) Sleep(d time.Duration) {
	select {
	case <-s.ctx.Done():
	case <-s.clock.After(d):
	}
}

// Play replays records with their relative timing.
//
// cb is invoked for each data record; START markers reset the origin.
// speedMultiplier: 1.0 = real time, 2.0 = 2x speed (half waits), 0.5 = half speed.
// Play returns ctx.Err() once ctx is cancelled.
func Play(ctx context.Context, records []Record, speedMultiplier float64, loop bool, sleeper Sleeper, cb func(Record) error) error {
	if speedMultiplier <= 0 {
		return fmt.Errorf("speedMultiplier must be > 0")
	}
	if sleeper == nil {
		sleeper = ctxSleeper{ctx: ctx, clock: clockwork.NewRealClock()}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}

	for {
		var origin, lastAt time.Duration
		var haveLast bool

		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.marker() {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}

			at := max(r.At-origin, 0)
			if haveLast {
				wait := time.Duration(float64(max(at-lastAt, 0)) / speedMultiplier)
				if wait > 0 {
					sleeper.Sleep(wait)
					if err := ctx.Err(); err != nil {
						return err
					}
				}
			}

			if err := cb(r); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}
