package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"heading-ng/internal/estimator"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
)

// Estimator is the part of the estimator manager the API exposes.
type Estimator interface {
	Snapshot() estimator.Snapshot
	State() heading.State
	Permission() estimator.PermissionState
	RequestPermission(ctx context.Context) estimator.PermissionState
	CalibrationOffset() float64
	SetCalibrationOffset(deg float64) (float64, error)
	AdjustCalibration(delta float64) (float64, error)
}

// Deps wires the handler. Only Estimator is required.
type Deps struct {
	Estimator Estimator
	Feed      *Broadcaster
	Logs      *LogBuffer
	GPS       GPSStatus
	Status    *Status
	Gatherer  prometheus.Gatherer
	Logger    logrus.FieldLogger
}

// Frame is one message on the heading stream.
type Frame struct {
	heading.State
	OffsetDeg float64 `json:"calibration_offset_deg"`
}

type calibrationRequest struct {
	OffsetDeg *float64 `json:"offset_deg"`
	DeltaDeg  *float64 `json:"delta_deg"`
}

type calibrationResponse struct {
	OffsetDeg float64 `json:"offset_deg"`
}

type permissionResponse struct {
	Permission estimator.PermissionState `json:"permission"`
}

const (
	streamWriteTimeout = 5 * time.Second
	maxRequestBody     = 4 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API carries no credentials; any page may open the stream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func Handler(d Deps) http.Handler {
	log := observability.OrDiscard(d.Logger).WithField("component", "web")
	if d.Status == nil {
		d.Status = NewStatus(nil, "")
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/heading", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, d.Estimator.Snapshot())
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, d.Status.snapshot(d.Estimator, d.Feed, d.GPS))
	})

	mux.HandleFunc("/api/calibration", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, calibrationResponse{OffsetDeg: d.Estimator.CalibrationOffset()})
			return
		}

		var req calibrationRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if (req.OffsetDeg == nil) == (req.DeltaDeg == nil) {
			http.Error(w, "exactly one of offset_deg or delta_deg is required", http.StatusBadRequest)
			return
		}

		var (
			off float64
			err error
		)
		if req.OffsetDeg != nil {
			off, err = d.Estimator.SetCalibrationOffset(*req.OffsetDeg)
		} else {
			off, err = d.Estimator.AdjustCalibration(*req.DeltaDeg)
		}
		if errors.Is(err, estimator.ErrInvalidOffset) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, calibrationResponse{OffsetDeg: off})
	})

	mux.HandleFunc("/api/permission", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		st := d.Estimator.Permission()
		if r.Method == http.MethodPost {
			st = d.Estimator.RequestPermission(r.Context())
		}
		writeJSON(w, http.StatusOK, permissionResponse{Permission: st})
	})

	mux.HandleFunc("/api/heading/ws", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		if d.Feed == nil {
			http.Error(w, "stream unavailable", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Debug("websocket upgrade failed")
			return
		}
		stream(r.Context(), conn, d.Estimator, d.Feed, log)
	})

	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}
	if d.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := d.Estimator.Snapshot()
		hdg := "--"
		if snap.HeadingDeg != nil {
			hdg = fmt.Sprintf("%.1f", *snap.HeadingDeg)
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>heading-ng</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>heading-ng</h1>")
		_, _ = fmt.Fprintf(w, "<pre>heading_deg=%s\nsource=%s\nquality=%.2f\nspeed_mph=%.1f\noffset_deg=%.1f</pre>",
			hdg, snap.Source, snap.Quality, snap.SpeedMph, snap.OffsetDeg,
		)
		_, _ = fmt.Fprintf(w, "<p><a href=\"/api/heading\">/api/heading</a> <a href=\"/api/status\">/api/status</a></p>")
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

// stream writes the current state, then every published state, until the
// peer goes away or ctx ends.
func stream(ctx context.Context, conn *websocket.Conn, est Estimator, feed *Broadcaster, log logrus.FieldLogger) {
	defer conn.Close()

	id, ch := feed.Subscribe(8)
	defer feed.Unsubscribe(id)

	// Clients never send; reading surfaces close frames and dead peers.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(st heading.State) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(Frame{State: st, OffsetDeg: est.CalibrationOffset()}); err != nil {
			log.WithError(err).Debug("heading stream write failed")
			return false
		}
		return true
	}

	select {
	case st := <-ch:
		if !send(st) {
			return
		}
	default:
		if !send(est.State()) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case st, ok := <-ch:
			if !ok || !send(st) {
				return
			}
		}
	}
}

// Serve runs the API on listenAddr until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
