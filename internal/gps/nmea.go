package gps

import (
	"fmt"
	"math"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"heading-ng/internal/geodesy"
	"heading-ng/internal/heading"
)

const (
	// uereM converts HDOP to an approximate horizontal accuracy.
	uereM = 5.0
	// defaultAccuracyM is reported when the receiver gives no error estimate.
	defaultAccuracyM = 25.0
)

// lineParser turns one receiver line into at most one fix.
type lineParser interface {
	apply(nowUTC time.Time, line string) (heading.Fix, bool, error)
}

// nmeaState tracks GGA quality between RMC sentences. RMC carries position,
// speed and date; GGA carries HDOP.
type nmeaState struct {
	hdop   float64
	hdopOK bool
}

func (s *nmeaState) apply(nowUTC time.Time, line string) (heading.Fix, bool, error) {
	line = strings.TrimSpace(line)
	// Some receivers include non-NMEA chatter.
	if !strings.HasPrefix(line, "$") {
		return heading.Fix{}, false, nil
	}
	sent, err := nmea.Parse(line)
	if err != nil {
		return heading.Fix{}, false, fmt.Errorf("gps: nmea: %w", err)
	}

	switch m := sent.(type) {
	case nmea.GGA:
		if m.FixQuality == "" || m.FixQuality == nmea.Invalid {
			s.hdopOK = false
			return heading.Fix{}, false, nil
		}
		s.hdop, s.hdopOK = m.HDOP, m.HDOP > 0
		return heading.Fix{}, false, nil
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return heading.Fix{}, false, nil
		}
		speed := geodesy.KnotsToMps(m.Speed)
		return heading.Fix{
			LatDeg:    m.Latitude,
			LonDeg:    m.Longitude,
			SpeedMps:  &speed,
			AccuracyM: s.accuracyM(),
			Time:      rmcTime(m, nowUTC),
		}, true, nil
	default:
		return heading.Fix{}, false, nil
	}
}

func (s *nmeaState) accuracyM() float64 {
	if !s.hdopOK {
		return defaultAccuracyM
	}
	return math.Round(s.hdop*uereM*10) / 10
}

func rmcTime(m nmea.RMC, fallback time.Time) time.Time {
	if !m.Date.Valid || !m.Time.Valid {
		return fallback
	}
	return time.Date(2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD,
		m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
}
