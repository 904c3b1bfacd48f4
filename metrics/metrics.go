// Package metrics holds the prometheus collectors of scans and extraction.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autofocus"

// Metrics is the set of collectors
type Metrics struct {
	positions *prometheus.CounterVec
	images    prometheus.Counter
	dropped   prometheus.Counter
	samples   prometheus.Counter
	rejected  *prometheus.CounterVec
	scans     *prometheus.CounterVec
	fwhm      prometheus.Gauge
	focPos    prometheus.Gauge
	confirm   prometheus.Histogram
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		positions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "positions_total",
			Help: "Focuser positions commanded, by mode.",
		}, []string{"mode"}),
		images: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "images_total",
			Help: "Image handles handed to extraction.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "images_dropped_total",
			Help: "Positions which yielded no image handle.",
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_total",
			Help: "Focus samples accepted.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_rejected_total",
			Help: "Images rejected by extraction, by reason.",
		}, []string{"reason"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scans_total",
			Help: "Finished scans, by outcome.",
		}, []string{"outcome"}),
		fwhm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_fwhm_pixels",
			Help: "FWHM of the last accepted sample.",
		}),
		focPos: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_focuser_position",
			Help: "Focuser position of the last accepted sample.",
		}),
		confirm: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "confirm_seconds",
			Help:    "Time spent confirming the focuser reached its target.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.positions, m.images, m.dropped, m.samples, m.rejected, m.scans, m.fwhm, m.focPos, m.confirm)
	}
	return m
}

// Position counts a commanded position; blind selects the mode label
func (m *Metrics) Position(blind bool) {
	if m == nil {
		return
	}
	mode := "offset"
	if blind {
		mode = "target"
	}
	m.positions.WithLabelValues(mode).Inc()
}

// Image counts an image handle
func (m *Metrics) Image() {
	if m == nil {
		return
	}
	m.images.Inc()
}

// Dropped counts a position without image
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// Sample records an accepted sample
func (m *Metrics) Sample(focPos, fwhm float64) {
	if m == nil {
		return
	}
	m.samples.Inc()
	m.fwhm.Set(fwhm)
	m.focPos.Set(focPos)
}

// Rejected counts a rejected image
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// Scan counts a finished scan
func (m *Metrics) Scan(outcome string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(outcome).Inc()
}

// Confirm observes the duration of a focuser confirmation
func (m *Metrics) Confirm(d time.Duration) {
	if m == nil {
		return
	}
	m.confirm.Observe(d.Seconds())
}
