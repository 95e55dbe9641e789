package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"heading-ng/internal/heading"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

// dialGPSD connects to gpsd over TCP.
func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		addr = gpsdDefaultAddr
	}
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch enables JSON streaming reports.
func gpsdWatch(conn net.Conn) error {
	// scaled=true yields SI units (m/s, meters) and degrees.
	_, err := conn.Write([]byte("?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"))
	return err
}

type gpsdMsgBase struct {
	Class string `json:"class"`
}

type gpsdTPV struct {
	Mode *int   `json:"mode"`
	Time string `json:"time"`

	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	SpeedMS *float64 `json:"speed"`

	// Estimated position errors (meters) when available.
	Epx *float64 `json:"epx"`
	Epy *float64 `json:"epy"`
	Eph *float64 `json:"eph"`
}

type gpsdSKY struct {
	HDOP *float64 `json:"hdop"`
}

// gpsdState keeps the last SKY HDOP as an accuracy fallback for TPV reports
// without eph/epx/epy.
type gpsdState struct {
	hdop   float64
	hdopOK bool
}

func (s *gpsdState) apply(nowUTC time.Time, line string) (heading.Fix, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return heading.Fix{}, false, nil
	}
	var base gpsdMsgBase
	if err := json.Unmarshal([]byte(line), &base); err != nil {
		return heading.Fix{}, false, fmt.Errorf("gps: gpsd json parse failed: %v", err)
	}

	switch strings.ToUpper(strings.TrimSpace(base.Class)) {
	case "TPV":
		var tpv gpsdTPV
		if err := json.Unmarshal([]byte(line), &tpv); err != nil {
			return heading.Fix{}, false, fmt.Errorf("gps: gpsd tpv parse failed: %v", err)
		}
		fix, ok := s.fixFromTPV(nowUTC, tpv)
		return fix, ok, nil
	case "SKY":
		var sky gpsdSKY
		if err := json.Unmarshal([]byte(line), &sky); err != nil {
			return heading.Fix{}, false, fmt.Errorf("gps: gpsd sky parse failed: %v", err)
		}
		if sky.HDOP != nil && *sky.HDOP > 0 {
			s.hdop, s.hdopOK = *sky.HDOP, true
		}
		return heading.Fix{}, false, nil
	default:
		// Ignore other gpsd messages (e.g. VERSION/DEVICES/WATCH).
		return heading.Fix{}, false, nil
	}
}

func (s *gpsdState) fixFromTPV(nowUTC time.Time, tpv gpsdTPV) (heading.Fix, bool) {
	// mode 2 = 2D fix, 3 = 3D fix.
	if tpv.Mode == nil || *tpv.Mode < 2 || tpv.Lat == nil || tpv.Lon == nil {
		return heading.Fix{}, false
	}
	fix := heading.Fix{
		LatDeg:    *tpv.Lat,
		LonDeg:    *tpv.Lon,
		AccuracyM: defaultAccuracyM,
		Time:      nowUTC,
	}
	switch {
	case tpv.Eph != nil:
		fix.AccuracyM = *tpv.Eph
	case tpv.Epx != nil && tpv.Epy != nil:
		fix.AccuracyM = math.Sqrt((*tpv.Epx)*(*tpv.Epx) + (*tpv.Epy)*(*tpv.Epy))
	case s.hdopOK:
		fix.AccuracyM = s.hdop * uereM
	}
	if tpv.SpeedMS != nil {
		v := *tpv.SpeedMS
		fix.SpeedMps = &v
	}
	if strings.TrimSpace(tpv.Time) != "" {
		if t, err := time.Parse(time.RFC3339Nano, tpv.Time); err == nil {
			fix.Time = t.UTC()
		}
	}
	return fix, true
}
