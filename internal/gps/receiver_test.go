package gps

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heading-ng/internal/adapter"
	"heading-ng/internal/heading"
)

var t0 = time.Date(2025, 12, 22, 12, 0, 0, 0, time.UTC)

func recvFix(t *testing.T, ch <-chan heading.Fix) heading.Fix {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no fix delivered")
		return heading.Fix{}
	}
}

func requireNoFix(t *testing.T, ch <-chan heading.Fix) {
	t.Helper()
	select {
	case f := <-ch:
		t.Fatalf("unexpected fix %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiver_ConsumeFeedsWatch(t *testing.T) {
	clk := clockwork.NewFakeClockAt(t0)
	r := New(Config{Source: "nmea"}, WithClock(clk))
	got := make(chan heading.Fix, 4)
	stop, err := r.WatchPosition(adapter.WatchOptions{HighAccuracy: true}, func(f heading.Fix) { got <- f }, nil)
	require.NoError(t, err)
	defer stop()

	in := strings.Join([]string{
		"garbage",
		nmeaLine(ggaPayload),
		nmeaLine(rmcPayload),
	}, "\r\n") + "\r\n"
	err = r.consume(context.Background(), strings.NewReader(in), &nmeaState{}, 4096)
	require.ErrorIs(t, err, io.EOF)

	fix := recvFix(t, got)
	assert.InDelta(t, 48.1173, fix.LatDeg, 1e-4)
	assert.InDelta(t, 4.5, fix.AccuracyM, 1e-9)

	st := r.Status()
	assert.Equal(t, uint64(1), st.Fixes)
	require.NotNil(t, st.LastFix)
	assert.InDelta(t, fix.LonDeg, st.LastFix.LonDeg, 1e-12)
}

func TestReceiver_ParseErrorRecorded(t *testing.T) {
	r := New(Config{Source: "nmea"})
	bad := nmeaLine(rmcPayload)
	bad = bad[:len(bad)-2] + "00"
	_ = r.consume(context.Background(), strings.NewReader(bad+"\n"), &nmeaState{}, 4096)
	assert.Contains(t, r.Status().LastError, "gps: nmea")
	assert.Zero(t, r.Status().Fixes)
}

func TestReceiver_WatchTimeout(t *testing.T) {
	clk := clockwork.NewFakeClockAt(t0)
	r := New(Config{Source: "nmea"}, WithClock(clk))
	errs := make(chan error, 4)
	got := make(chan heading.Fix, 4)
	stop, err := r.WatchPosition(adapter.WatchOptions{Timeout: 5 * time.Second},
		func(f heading.Fix) { got <- f },
		func(err error) { errs <- err })
	require.NoError(t, err)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		require.NoError(t, clk.BlockUntilContext(ctx, 1))
		clk.Advance(5 * time.Second)
		select {
		case err := <-errs:
			require.ErrorIs(t, err, adapter.ErrFixTimeout)
		case <-ctx.Done():
			t.Fatalf("timeout %d not reported", i)
		}
	}

	// The watch keeps running after a timeout.
	r.publish(heading.Fix{LatDeg: 1, LonDeg: 2, AccuracyM: 5, Time: t0})
	recvFix(t, got)
}

func TestReceiver_MaximumAgeCache(t *testing.T) {
	clk := clockwork.NewFakeClockAt(t0)
	r := New(Config{Source: "nmea"}, WithClock(clk))
	r.publish(heading.Fix{LatDeg: 1, LonDeg: 2, AccuracyM: 5, Time: t0})
	clk.Advance(500 * time.Millisecond)

	fresh := make(chan heading.Fix, 1)
	stop1, err := r.WatchPosition(adapter.WatchOptions{MaximumAge: time.Second}, func(f heading.Fix) { fresh <- f }, nil)
	require.NoError(t, err)
	defer stop1()
	assert.Equal(t, 1.0, recvFix(t, fresh).LatDeg)

	none := make(chan heading.Fix, 1)
	stop2, err := r.WatchPosition(adapter.WatchOptions{}, func(f heading.Fix) { none <- f }, nil)
	require.NoError(t, err)
	defer stop2()
	requireNoFix(t, none)

	clk.Advance(2 * time.Second)
	stale := make(chan heading.Fix, 1)
	stop3, err := r.WatchPosition(adapter.WatchOptions{MaximumAge: time.Second}, func(f heading.Fix) { stale <- f }, nil)
	require.NoError(t, err)
	defer stop3()
	requireNoFix(t, stale)
}

func TestReceiver_StopEndsDelivery(t *testing.T) {
	r := New(Config{Source: "nmea"})
	got := make(chan heading.Fix, 4)
	stop, err := r.WatchPosition(adapter.WatchOptions{}, func(f heading.Fix) { got <- f }, nil)
	require.NoError(t, err)

	stop()
	stop()
	r.publish(heading.Fix{LatDeg: 1, LonDeg: 2, AccuracyM: 5, Time: t0})
	requireNoFix(t, got)

	_, err = r.WatchPosition(adapter.WatchOptions{}, nil, nil)
	require.Error(t, err)
}

func TestReceiver_StartErrors(t *testing.T) {
	var nilCtx context.Context
	require.Error(t, New(Config{Source: "nmea"}).Start(nilCtx))
	require.EqualError(t, New(Config{Source: "glonass"}).Start(context.Background()), `gps: unknown source "glonass"`)
}

func TestReceiver_RejectsUnsupportedBaud(t *testing.T) {
	for _, baud := range []int{4800, 9600, 115200} {
		assert.True(t, validBaud(baud), "%d", baud)
	}
	for _, baud := range []int{-1, 1234, 230400} {
		assert.False(t, validBaud(baud), "%d", baud)
	}

	r := New(Config{Source: "nmea", Device: "/dev/heading-ng-missing", Baud: 1234})
	require.EqualError(t, r.Start(context.Background()), "gps: unsupported baud 1234")
	st := r.Status()
	assert.False(t, st.Connected)
	assert.Contains(t, st.LastError, "baud=1234")
}

func TestReceiver_GPSD(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	watchReq := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		watchReq <- line
		_, _ = io.WriteString(conn, `{"class":"VERSION","release":"3.25"}`+"\n")
		_, _ = io.WriteString(conn, `{"class":"TPV","mode":3,"lat":45.5,"lon":-122.9,"speed":12.5,"eph":3.0}`+"\n")
		// Hold the connection until the receiver closes it.
		_, _ = io.Copy(io.Discard, conn)
	}()

	r := New(Config{Source: "gpsd", GPSDAddr: ln.Addr().String()})
	got := make(chan heading.Fix, 4)
	stop, err := r.WatchPosition(adapter.WatchOptions{}, func(f heading.Fix) { got <- f }, nil)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, r.Start(context.Background()))
	defer r.Close()

	fix := recvFix(t, got)
	assert.InDelta(t, 45.5, fix.LatDeg, 1e-9)
	assert.InDelta(t, 3.0, fix.AccuracyM, 1e-9)
	require.NotNil(t, fix.SpeedMps)
	assert.InDelta(t, 12.5, *fix.SpeedMps, 1e-9)

	select {
	case req := <-watchReq:
		assert.Contains(t, req, `?WATCH={"enable":true`)
	case <-time.After(2 * time.Second):
		t.Fatalf("no WATCH request")
	}
	st := r.Status()
	assert.Equal(t, "gpsd", st.Source)
	assert.Equal(t, ln.Addr().String(), st.Device)
}
