/*Package session supervises focus runs.

A Supervisor owns the device proxy.  It starts one scan at a time, each in a
Session with its own id and store folder, and feeds the images of the scan
to the extractor as they arrive.  Stopping a session joins the scan with a
timeout; a scan which does not exit in time is cancelled, and the devices are
still restored on its way out.
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nasa-jpl/autofocus/device"
	"github.com/nasa-jpl/autofocus/extract"
	"github.com/nasa-jpl/autofocus/focus"
	"github.com/nasa-jpl/autofocus/imgrec"
	"github.com/nasa-jpl/autofocus/metrics"
	"github.com/nasa-jpl/autofocus/scan"
	"github.com/nasa-jpl/autofocus/util"
)

var (
	// ErrNoSession is generated when there is no session to act on
	ErrNoSession = errors.New("no session")

	// ErrFocDefOutOfRange is generated when the default focuser position is not inside the focuser limits
	ErrFocDefOutOfRange = errors.New("default position outside focuser limits")

	// ErrWheelMismatch is generated when the camera's wheel is not the configured one
	ErrWheelMismatch = errors.New("camera wheel is not the configured wheel")
)

// State is the lifecycle state of a session
type State string

const (
	// Running sessions are scanning or extracting
	Running State = "running"

	// Completed sessions went through every position
	Completed State = "completed"

	// Stopped sessions ended on request
	Stopped State = "stopped"

	// Failed sessions were aborted by an error
	Failed State = "failed"
)

// Config holds the scan configuration and supervisor timing
type Config struct {
	Scan scan.Config

	// JoinTimeout bounds Stop before the scan is cancelled
	JoinTimeout time.Duration
}

// Status is a summary of a session
type Status struct {
	ID        string        `json:"id"`
	State     State         `json:"state"`
	Started   time.Time     `json:"started"`
	Ended     time.Time     `json:"ended,omitempty"`
	Positions int           `json:"positions"`
	Accepted  int           `json:"accepted"`
	Rejected  int           `json:"rejected"`
	Dir       string        `json:"dir"`
	Error     string        `json:"error,omitempty"`
	Snapshot  scan.Snapshot `json:"snapshot"`
}

// Session is one focus run
type Session struct {
	ID      string
	Request focus.ScanRequest

	ctrl   *scan.Controller
	rec    *imgrec.Recorder
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	started  time.Time
	ended    time.Time
	state    State
	stopped  bool
	err      error
	samples  []focus.FocusSample
	accepted int
	rejected int
}

// Done is closed when both the scan and the extraction have ended
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done, and returns the error of the scan
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error which ended the session
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Samples returns a copy of the samples extracted so far, in position order
func (s *Session) Samples() []focus.FocusSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]focus.FocusSample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Status summarizes the session
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:        s.ID,
		State:     s.state,
		Started:   s.started,
		Ended:     s.ended,
		Positions: len(s.Request.Positions),
		Accepted:  s.accepted,
		Rejected:  s.rejected,
		Dir:       s.rec.Dir("", ""),
		Snapshot:  s.ctrl.Snapshot(),
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// Running returns true until the session ends
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Running
}

// Supervisor serializes sessions on one device proxy
type Supervisor struct {
	cfg     Config
	proxy   device.Proxy
	store   *imgrec.Recorder
	ext     *extract.Extractor
	log     zerolog.Logger
	metrics *metrics.Metrics

	// Sleep, when set, replaces the suspension used by the scans
	Sleep func(ctx context.Context, d time.Duration) error

	// Now is the clock; time.Now unless replaced
	Now func() time.Time

	mu  sync.Mutex
	cur *Session
}

// New creates a supervisor.  store is the root recorder; each session
// records below a folder named by its id.
func New(cfg Config, proxy device.Proxy, store *imgrec.Recorder, ext *extract.Extractor, log zerolog.Logger, m *metrics.Metrics) *Supervisor {
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		proxy:   proxy,
		store:   store,
		ext:     ext,
		log:     log,
		metrics: m,
		Now:     time.Now,
	}
}

// Busy returns true while a session is running
func (s *Supervisor) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.cur.Running()
}

// Current returns the running or most recent session, or nil
func (s *Supervisor) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Start begins a session.  ctx bounds the whole session, not only the call.
// scan.ErrAlreadyRunning is returned while another session runs.
func (s *Supervisor) Start(ctx context.Context, req focus.ScanRequest) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.Running() {
		return nil, scan.ErrAlreadyRunning
	}
	id := uuid.NewString()
	lg := s.log.With().Str("session", id).Logger()
	rec := s.store.ForRun(id)
	ctrl, err := scan.New(s.cfg.Scan, s.proxy, rec, lg, s.metrics)
	if err != nil {
		return nil, err
	}
	if s.Sleep != nil {
		ctrl.Sleep = s.Sleep
	}
	ctrl.Now = s.Now

	sctx, cancel := context.WithCancel(ctx)
	handles, err := ctrl.Start(sctx, req)
	if err != nil {
		cancel()
		lg.Error().Err(err).Msg("session not started")
		return nil, err
	}
	sess := &Session{
		ID:      id,
		Request: req,
		ctrl:    ctrl,
		rec:     rec,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: s.Now(),
		state:   Running,
	}
	s.cur = sess
	lg.Info().Int("positions", len(req.Positions)).Str("dir", rec.Dir("", "")).Msg("session started")
	go s.consume(sctx, sess, handles, lg)
	return sess, nil
}

func (s *Supervisor) consume(ctx context.Context, sess *Session, handles <-chan focus.ImageHandle, lg zerolog.Logger) {
	defer sess.cancel()
	defer close(sess.done)
	acc, rej, xerr := s.ext.Run(ctx, handles, func(fs focus.FocusSample) {
		sess.mu.Lock()
		sess.samples = append(sess.samples, fs)
		sess.accepted++
		sess.mu.Unlock()
	})
	err := sess.ctrl.Wait()
	if err == nil {
		err = xerr
	}

	sess.mu.Lock()
	sess.rejected = rej
	sess.ended = s.Now()
	sess.err = err
	switch {
	case err != nil && !(sess.stopped && errors.Is(err, context.Canceled)):
		sess.state = Failed
	case sess.stopped:
		sess.state = Stopped
	default:
		sess.state = Completed
	}
	state := sess.state
	sess.mu.Unlock()

	s.metrics.Scan(string(state))
	ev := lg.Info()
	if state == Failed {
		ev = lg.Error().Err(err)
	}
	ev.Str("state", string(state)).Int("accepted", acc).Int("rejected", rej).Msg("session ended")
}

// Stop ends the current session.  The scan is joined for the configured
// timeout and cancelled when it does not exit in time, in which case
// scan.ErrJoinTimeout is returned.
func (s *Supervisor) Stop() error {
	sess := s.Current()
	if sess == nil {
		return ErrNoSession
	}
	sess.mu.Lock()
	sess.stopped = true
	sess.mu.Unlock()
	err := sess.ctrl.Join(s.cfg.JoinTimeout)
	if errors.Is(err, scan.ErrJoinTimeout) {
		s.log.Error().Str("session", sess.ID).Dur("timeout", s.cfg.JoinTimeout).Msg("scan did not stop in time, cancelling")
		sess.ctrl.Cancel()
		return err
	}
	if errors.Is(err, scan.ErrNotStarted) {
		return ErrNoSession
	}
	return nil
}

// WriteFocDef writes the configured default position to the focuser when it
// lies strictly inside the focuser limits
func (s *Supervisor) WriteFocDef(ctx context.Context) error {
	if s.Busy() {
		return scan.ErrAlreadyRunning
	}
	foc := s.cfg.Scan.Focuser
	lim := util.NewLimiter(float64(foc.Min), float64(foc.Max))
	if !lim.Check(float64(foc.Default)) {
		s.log.Warn().Int("focDef", foc.Default).Int("min", foc.Min).Int("max", foc.Max).Msg("not writing FOC_DEF")
		return fmt.Errorf("%w: %d not in (%d, %d)", ErrFocDefOutOfRange, foc.Default, foc.Min, foc.Max)
	}
	if err := s.proxy.Set(ctx, foc.Name, device.FocDef, foc.Default); err != nil {
		return err
	}
	s.log.Info().Int("focDef", foc.Default).Msg("wrote FOC_DEF")
	return nil
}

// WriteOffsets writes the offsets to the empty slot of the configured wheel's
// filters to the camera, in the order of the camera's filter selection
func (s *Supervisor) WriteOffsets(ctx context.Context) error {
	if s.Busy() {
		return scan.ErrAlreadyRunning
	}
	cfg := s.cfg.Scan
	var wheel *focus.FilterWheel
	for i := range cfg.Wheels {
		if cfg.Wheels[i].Name == cfg.Wheel {
			wheel = &cfg.Wheels[i]
		}
	}
	if wheel == nil {
		return fmt.Errorf("%w: no filter wheel selected", ErrWheelMismatch)
	}
	if err := s.proxy.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %v", scan.ErrNotConnected, err)
	}
	cam := cfg.Camera.Name
	camWheel, err := device.String(s.proxy, cam, device.Wheel)
	if err != nil {
		return err
	}
	if camWheel != wheel.Name {
		s.log.Warn().Str("camera", camWheel).Str("configured", wheel.Name).Msg("not writing filter offsets")
		return fmt.Errorf("%w: %s, not %s", ErrWheelMismatch, camWheel, wheel.Name)
	}
	names, err := s.proxy.GetSelection(ctx, cam, device.Filter)
	if err != nil {
		return err
	}
	offsets := make([]int, 0, len(names))
	for _, n := range names {
		ft, err := wheel.Filter(n)
		if err != nil {
			s.log.Error().Str("filter", n).Msg("filter not configured, not writing offsets")
			return err
		}
		offsets = append(offsets, ft.OffsetToEmptySlot)
	}
	v := util.JoinInts(offsets, " ")
	if err := s.proxy.Set(ctx, cam, device.FilterOffsets, v); err != nil {
		return err
	}
	s.log.Info().Str("filters", strings.Join(names, " ")).Str("offsets", v).Msg("wrote filter offsets")
	return nil
}
