package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nasa-jpl/autofocus/focus"
	"github.com/nasa-jpl/autofocus/imgrec"
	"github.com/nasa-jpl/autofocus/scan"
	"github.com/nasa-jpl/autofocus/server"
	"github.com/nasa-jpl/autofocus/server/middleware/locker"
)

// ScanBody is the JSON body of POST /scan.  Zero fields take the defaults of
// the HTTPSupervisor.
type ScanBody struct {
	Positions      []int    `json:"positions"`
	Blind          *bool    `json:"blind"`
	WriteToDevices *bool    `json:"writeToDevices"`
	Exposure       float64  `json:"exposure"`
	FocDef         *int     `json:"focDef"`
	DryImages      []string `json:"dryImages"`
}

// SampleJSON is the summary of a FocusSample sent over HTTP
type SampleJSON struct {
	Path        string   `json:"path"`
	Date        string   `json:"date,omitempty"`
	FocPos      float64  `json:"focPos"`
	StdFocPos   float64  `json:"stdFocPos"`
	FWHM        float64  `json:"fwhm"`
	StdFWHM     float64  `json:"stdFwhm"`
	NStars      int      `json:"nStars"`
	Binning     int      `json:"binning"`
	AmbientTemp *float64 `json:"ambientTemp,omitempty"`
	Filter      string   `json:"filter,omitempty"`
	FluxMax     *float64 `json:"fluxMax,omitempty"`
}

func sampleJSON(s focus.FocusSample) SampleJSON {
	out := SampleJSON{
		Path:        s.Path,
		Date:        s.Date,
		FocPos:      s.FocPos,
		StdFocPos:   s.StdFocPos,
		FWHM:        s.FWHM,
		StdFWHM:     s.StdFWHM,
		NStars:      s.NStars,
		Binning:     s.Binning,
		AmbientTemp: s.AmbientTemp,
		Filter:      s.Filter,
	}
	if s.Flux != nil {
		m := s.Flux.Max
		out.FluxMax = &m
	}
	return out
}

// HTTPSupervisor exposes a Supervisor over HTTP
type HTTPSupervisor struct {
	sup      *Supervisor
	defaults focus.ScanRequest
	rec      *imgrec.Recorder
	gatherer prometheus.Gatherer

	// Locker bounces modifying requests while a session runs or while locked by a client
	Locker *locker.Locker

	// RunCtx is the parent of every session started over HTTP
	RunCtx context.Context
}

// NewHTTPSupervisor wraps sup.  defaults fills fields left out of POST /scan.
// rec is the root recorder whose folder is exposed at /store/root, and
// gatherer, when not nil, is served at /metrics.
func NewHTTPSupervisor(sup *Supervisor, defaults focus.ScanRequest, rec *imgrec.Recorder, gatherer prometheus.Gatherer) *HTTPSupervisor {
	l := locker.New()
	l.DoNotProtect = append(l.DoNotProtect, "stop")
	l.Busy = sup.Busy
	return &HTTPSupervisor{
		sup:      sup,
		defaults: defaults,
		rec:      rec,
		gatherer: gatherer,
		Locker:   l,
		RunCtx:   context.Background(),
	}
}

// RT satisfies server.HTTPer
func (h *HTTPSupervisor) RT() server.RouteTable {
	rt := server.RouteTable{
		{Method: http.MethodPost, Path: "/scan"}:        h.Start,
		{Method: http.MethodGet, Path: "/scan"}:         h.Status,
		{Method: http.MethodPost, Path: "/scan/stop"}:   h.Stop,
		{Method: http.MethodGet, Path: "/scan/samples"}: h.Samples,
		{Method: http.MethodGet, Path: "/scan/image"}:   h.Image,
		{Method: http.MethodPost, Path: "/focdef"}:      h.WriteFocDef,
		{Method: http.MethodPost, Path: "/offsets"}:     h.WriteOffsets,
	}
	if h.gatherer != nil {
		rt[server.MethodPath{Method: http.MethodGet, Path: "/metrics"}] = promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}).ServeHTTP
	}
	locker.Inject(rt, h.Locker)
	if h.rec != nil {
		imgrec.NewHTTPWrapper(h.rec).Inject(rt)
	}
	return rt
}

// httpError maps supervisor errors to status codes
func httpError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, scan.ErrAlreadyRunning):
		code = http.StatusConflict
	case errors.Is(err, ErrNoSession):
		code = http.StatusNotFound
	case errors.Is(err, scan.ErrNotConnected):
		code = http.StatusBadGateway
	case errors.Is(err, scan.ErrJoinTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, ErrFocDefOutOfRange), errors.Is(err, ErrWheelMismatch), errors.Is(err, focus.ErrUnknownFilter):
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

// Start begins a session from a ScanBody; an empty body uses the defaults
func (h *HTTPSupervisor) Start(w http.ResponseWriter, r *http.Request) {
	var b ScanBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	req := h.defaults
	if len(b.Positions) > 0 {
		req.Positions = b.Positions
	}
	if b.Blind != nil {
		req.Blind = *b.Blind
	}
	if b.WriteToDevices != nil {
		req.WriteToDevices = *b.WriteToDevices
	}
	if b.Exposure > 0 {
		req.Exposure = time.Duration(b.Exposure * float64(time.Second))
	}
	if b.FocDef != nil {
		req.FocDef = b.FocDef
	}
	if len(b.DryImages) > 0 {
		req.DryImages = b.DryImages
	}
	if len(req.Positions) == 0 {
		http.Error(w, "no focuser positions", http.StatusBadRequest)
		return
	}
	sess, err := h.sup.Start(h.RunCtx, req)
	if err != nil {
		httpError(w, err)
		return
	}
	server.Respond(w, sess.Status())
}

// Status replies with the status of the current session
func (h *HTTPSupervisor) Status(w http.ResponseWriter, r *http.Request) {
	sess := h.sup.Current()
	if sess == nil {
		httpError(w, ErrNoSession)
		return
	}
	server.Respond(w, sess.Status())
}

// Stop ends the current session
func (h *HTTPSupervisor) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.Stop(); err != nil {
		httpError(w, err)
		return
	}
	server.Respond(w, h.sup.Current().Status())
}

// Samples replies with the samples of the current session
func (h *HTTPSupervisor) Samples(w http.ResponseWriter, r *http.Request) {
	sess := h.sup.Current()
	if sess == nil {
		httpError(w, ErrNoSession)
		return
	}
	samples := sess.Samples()
	out := make([]SampleJSON, len(samples))
	for i, s := range samples {
		out[i] = sampleJSON(s)
	}
	server.Respond(w, out)
}

// Image serves the image of sample ?index=n of the current session
func (h *HTTPSupervisor) Image(w http.ResponseWriter, r *http.Request) {
	sess := h.sup.Current()
	if sess == nil {
		httpError(w, ErrNoSession)
		return
	}
	idx, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	samples := sess.Samples()
	if idx < 0 || idx >= len(samples) {
		http.Error(w, "sample index out of range", http.StatusNotFound)
		return
	}
	p := samples[idx].Path
	server.ReplyWithFile(w, r, filepath.Base(p), filepath.Dir(p))
}

// WriteFocDef writes the configured default position to the focuser
func (h *HTTPSupervisor) WriteFocDef(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.WriteFocDef(r.Context()); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// WriteOffsets writes the filter offsets of the configured wheel to the camera
func (h *HTTPSupervisor) WriteOffsets(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.WriteOffsets(r.Context()); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
