package web

import (
	"time"

	"github.com/jonboulle/clockwork"

	"heading-ng/internal/estimator"
	"heading-ng/internal/gps"
)

// GPSStatus is implemented by the external receiver when one is configured.
type GPSStatus interface {
	Status() gps.Status
}

// Status tracks process-level facts that the estimator does not own.
type Status struct {
	clock   clockwork.Clock
	start   time.Time
	service string
	source  string
}

func NewStatus(clock clockwork.Clock, source string) *Status {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Status{clock: clock, start: clock.Now(), service: "heading-ng", source: source}
}

type StatusSnapshot struct {
	Service   string             `json:"service"`
	NowUTC    string             `json:"now_utc"`
	UptimeSec int64              `json:"uptime_sec"`
	Source    string             `json:"source,omitempty"`
	Streams   int                `json:"streams"`
	Estimator estimator.Snapshot `json:"estimator"`
	GPS       *gps.Status        `json:"gps,omitempty"`
}

func (s *Status) snapshot(est Estimator, feed *Broadcaster, rx GPSStatus) StatusSnapshot {
	now := s.clock.Now()
	snap := StatusSnapshot{
		Service:   s.service,
		NowUTC:    now.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(now.Sub(s.start).Seconds()),
		Source:    s.source,
		Streams:   feed.Subscribers(),
		Estimator: est.Snapshot(),
	}
	if rx != nil {
		st := rx.Status()
		snap.GPS = &st
	}
	return snap
}
