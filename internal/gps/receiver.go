package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"heading-ng/internal/adapter"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
)

// Config selects the receiver transport.
//
// Source is "nmea" (direct serial) or "gpsd". Device may be empty for NMEA to
// auto-detect /dev/ttyACM* and /dev/ttyUSB*.
type Config struct {
	Source   string
	Device   string
	Baud     int
	GPSDAddr string
}

// Status is a point-in-time view of the receiver for the status endpoint.
type Status struct {
	Source    string       `json:"source"`
	Device    string       `json:"device,omitempty"`
	Connected bool         `json:"connected"`
	Fixes     uint64       `json:"fixes"`
	LastFix   *heading.Fix `json:"last_fix,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

type Option func(*Receiver)

func WithClock(c clockwork.Clock) Option {
	return func(r *Receiver) {
		if c != nil {
			r.clock = c
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Receiver) { r.log = observability.OrDiscard(l) }
}

// Receiver reads an external GNSS receiver and serves it as an
// adapter.Geolocation.
type Receiver struct {
	cfg   Config
	clock clockwork.Clock
	log   logrus.FieldLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closer    io.Closer
	connected bool
	lastErr   string
	lastFix   *heading.Fix
	lastAt    time.Time

	fixes atomic.Uint64

	watchMu sync.Mutex
	watches map[uint64]*watch
	nextID  uint64
}

func New(cfg Config, opts ...Option) *Receiver {
	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	if cfg.Source == "" {
		cfg.Source = "nmea"
	}
	r := &Receiver{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		log:     observability.Discard(),
		watches: map[uint64]*watch{},
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.WithField("component", "gps")
	return r
}

// Start begins reading in the background. Read failures are recorded in
// Status and do not stop the process.
func (r *Receiver) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("gps: ctx is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	switch r.cfg.Source {
	case "gpsd":
		return r.startGPSDLocked(ctx)
	case "nmea":
		return r.startNMEALocked(ctx)
	default:
		return fmt.Errorf("gps: unknown source %q", r.cfg.Source)
	}
}

func (r *Receiver) startNMEALocked(ctx context.Context) error {
	device := strings.TrimSpace(r.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			r.lastErr = "auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found"
			return errors.New("gps: auto-detect failed")
		}
	}
	baud := r.cfg.Baud
	if baud == 0 {
		baud = 9600
	}

	port, err := openSerial(device, baud, r.log)
	if err != nil {
		r.lastErr = fmt.Sprintf("open failed device=%s baud=%d: %v", device, baud, err)
		return err
	}
	r.closer = port
	r.cfg.Device = device
	r.connected = true

	childCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { _ = port.Close() }()

		r.log.WithFields(logrus.Fields{"device": device, "baud": baud}).Info("gps receiver enabled")
		// NMEA sentences are typically < 82 chars, but allow some headroom.
		err := r.consume(childCtx, port, &nmeaState{}, 4096)
		r.setDisconnected(fmt.Sprintf("read stopped: %v", err))
	}()
	return nil
}

func (r *Receiver) startGPSDLocked(ctx context.Context) error {
	addr := strings.TrimSpace(r.cfg.GPSDAddr)
	if addr == "" {
		addr = gpsdDefaultAddr
	}
	r.cfg.Device = addr

	childCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.log.WithField("addr", addr).Info("gps receiver enabled source=gpsd")
		const minBackoff, maxBackoff = 250 * time.Millisecond, 10 * time.Second
		backoff := minBackoff
		st := &gpsdState{}

		for childCtx.Err() == nil {
			conn, err := dialGPSD(childCtx, addr)
			if err != nil {
				r.setDisconnected(fmt.Sprintf("gpsd dial failed addr=%s: %v", addr, err))
				select {
				case <-childCtx.Done():
					return
				case <-r.clock.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = minBackoff

			r.mu.Lock()
			// Swap the closer so Close() can interrupt an active connection.
			r.closer = conn
			r.connected = true
			r.mu.Unlock()

			if err := gpsdWatch(conn); err != nil {
				r.setDisconnected(fmt.Sprintf("gpsd watch failed: %v", err))
			} else {
				err = r.consume(childCtx, conn, st, 256*1024)
				r.setDisconnected(fmt.Sprintf("gpsd read stopped: %v", err))
			}
			_ = conn.Close()
		}
	}()
	return nil
}

// consume scans lines from src until it ends or ctx is cancelled, publishing
// every fix the parser yields. It always returns a non-nil error.
func (r *Receiver) consume(ctx context.Context, src io.Reader, p lineParser, maxLine int) error {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 256), maxLine)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fix, ok, err := p.apply(r.clock.Now().UTC(), sc.Text())
		if err != nil {
			// Avoid spamming on bad noise; just keep the last error.
			r.setError(err.Error())
			continue
		}
		if ok {
			r.publish(fix)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// Close stops reading and ends every watch.
func (r *Receiver) Close() {
	r.mu.Lock()
	cancel, closer := r.cancel, r.closer
	r.cancel, r.closer = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	r.wg.Wait()

	r.watchMu.Lock()
	ws := make([]*watch, 0, len(r.watches))
	for id, w := range r.watches {
		ws = append(ws, w)
		delete(r.watches, id)
	}
	r.watchMu.Unlock()
	for _, w := range ws {
		w.stop()
	}
}

func (r *Receiver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Source:    r.cfg.Source,
		Device:    r.cfg.Device,
		Connected: r.connected,
		Fixes:     r.fixes.Load(),
		LastError: r.lastErr,
	}
	if r.lastFix != nil {
		f := *r.lastFix
		st.LastFix = &f
	}
	return st
}

func (r *Receiver) setError(msg string) {
	r.mu.Lock()
	r.lastErr = msg
	r.mu.Unlock()
}

func (r *Receiver) setDisconnected(msg string) {
	r.mu.Lock()
	r.connected = false
	r.lastErr = msg
	r.mu.Unlock()
	r.log.Debug(msg)
}

func (r *Receiver) publish(fix heading.Fix) {
	r.fixes.Add(1)
	r.mu.Lock()
	f := fix
	r.lastFix = &f
	r.lastAt = r.clock.Now()
	r.mu.Unlock()

	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for _, w := range r.watches {
		w.offer(fix)
	}
}

// WatchPosition implements adapter.Geolocation. Fixes are delivered on a
// per-watch goroutine; a fix older than opts.MaximumAge is never replayed.
// When opts.Timeout elapses without a fix, onError receives
// adapter.ErrFixTimeout and the watch keeps waiting.
func (r *Receiver) WatchPosition(opts adapter.WatchOptions, onFix func(heading.Fix), onError func(error)) (func(), error) {
	if onFix == nil {
		return nil, errors.New("gps: onFix is required")
	}
	if onError == nil {
		onError = func(error) {}
	}
	w := &watch{
		fixes:   make(chan heading.Fix, 1),
		done:    make(chan struct{}),
		onFix:   onFix,
		onError: onError,
	}

	r.mu.Lock()
	cached, at := r.lastFix, r.lastAt
	r.mu.Unlock()
	if cached != nil && opts.MaximumAge > 0 && r.clock.Since(at) <= opts.MaximumAge {
		w.offer(*cached)
	}

	r.watchMu.Lock()
	r.nextID++
	id := r.nextID
	r.watches[id] = w
	r.watchMu.Unlock()

	w.wg.Add(1)
	go w.run(r.clock, opts.Timeout)

	return func() {
		r.watchMu.Lock()
		delete(r.watches, id)
		r.watchMu.Unlock()
		w.stop()
	}, nil
}

type watch struct {
	fixes   chan heading.Fix
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	onFix   func(heading.Fix)
	onError func(error)
}

// offer keeps only the newest pending fix.
func (w *watch) offer(fix heading.Fix) {
	for {
		select {
		case w.fixes <- fix:
			return
		default:
		}
		select {
		case <-w.fixes:
		default:
		}
	}
}

func (w *watch) run(clock clockwork.Clock, timeout time.Duration) {
	defer w.wg.Done()
	var timer clockwork.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}
	for {
		select {
		case <-w.done:
			return
		case fix := <-w.fixes:
			w.onFix(fix)
			if timer != nil {
				timer.Stop()
				timer.Reset(timeout)
			}
		case <-expired:
			w.onError(adapter.ErrFixTimeout)
			timer.Reset(timeout)
		}
	}
}

func (w *watch) stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}

func autoDetectDevice() string {
	for _, pattern := range []string{"/dev/ttyACM%d", "/dev/ttyUSB%d"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf(pattern, i)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
