package replay

import (
	"sync"

	"github.com/sirupsen/logrus"

	"heading-ng/internal/adapter"
	"heading-ng/internal/heading"
	"heading-ng/internal/observability"
)

// RecordHost returns a host that forwards to h and writes every callback to w.
// Missing capabilities stay missing. Write failures are logged once per
// kind and never interrupt the live stream.
func RecordHost(h adapter.Host, w *Writer, log logrus.FieldLogger) adapter.Host {
	rec := &recorder{w: w, log: observability.OrDiscard(log).WithField("component", "recorder"), failed: map[Kind]bool{}}
	out := adapter.Host{}
	if h.Events != nil {
		out.Events = recEvents{h.Events, rec}
	}
	if h.Sensor != nil {
		out.Sensor = recSensor{h.Sensor, rec}
	}
	if h.Geo != nil {
		out.Geo = recGeo{h.Geo, rec}
	}
	return out
}

type recorder struct {
	w   *Writer
	log logrus.FieldLogger

	mu     sync.Mutex
	failed map[Kind]bool
}

func (r *recorder) write(kind Kind, v any) {
	err := r.w.Write(kind, v)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.failed[kind] = false
		return
	}
	if !r.failed[kind] {
		r.log.WithError(err).WithField("kind", kind).Warn("session record write failed")
	}
	r.failed[kind] = true
}

func errPayload(err error) errorPayload {
	if err == nil {
		return errorPayload{}
	}
	return errorPayload{Error: err.Error()}
}

type recEvents struct {
	inner adapter.OrientationEvents
	rec   *recorder
}

func (e recEvents) SubscribeOrientation(fn func(adapter.OrientationEvent)) (func(), error) {
	return e.inner.SubscribeOrientation(func(ev adapter.OrientationEvent) {
		e.rec.write(KindOrientation, ev)
		fn(ev)
	})
}

type recSensor struct {
	inner adapter.OrientationSensor
	rec   *recorder
}

func (s recSensor) StartSensor(freqHz int, onReading func(adapter.Quaternion), onError func(error)) (func(), error) {
	return s.inner.StartSensor(freqHz,
		func(q adapter.Quaternion) {
			s.rec.write(KindQuaternion, q)
			onReading(q)
		},
		func(err error) {
			s.rec.write(KindSensorError, errPayload(err))
			if onError != nil {
				onError(err)
			}
		})
}

type recGeo struct {
	inner adapter.Geolocation
	rec   *recorder
}

func (g recGeo) WatchPosition(opts adapter.WatchOptions, onFix func(heading.Fix), onError func(error)) (func(), error) {
	return g.inner.WatchPosition(opts,
		func(f heading.Fix) {
			g.rec.write(KindFix, f)
			onFix(f)
		},
		func(err error) {
			g.rec.write(KindFixError, errPayload(err))
			if onError != nil {
				onError(err)
			}
		})
}
