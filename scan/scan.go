/*Package scan drives a focuser through a list of positions and takes one
exposure at each.

A Controller runs one scan at a time on a background goroutine.  Per position
it commands the focuser, sleeps for the predicted travel time, confirms the
arrival under a bounded retry budget, exposes, waits for the camera to
publish the image and copies it to the store.  Handles of the stored images
are sent, in position order, on the channel returned by Start.

Only two failures end a scan early: a focuser which never arrives
(ErrFocuserNotResponding) and cancellation of the context.  Everything else
is logged and the scan goes on; an image which could not be stored drops its
position.
*/
package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/autofocus/comm"
	"github.com/nasa-jpl/autofocus/device"
	"github.com/nasa-jpl/autofocus/focus"
	"github.com/nasa-jpl/autofocus/mathx"
	"github.com/nasa-jpl/autofocus/metrics"
	"github.com/nasa-jpl/autofocus/util"
)

var (
	// ErrNotConnected is generated when the device proxy cannot be refreshed before a scan
	ErrNotConnected = errors.New("no connection to device proxy")

	// ErrFocuserNotResponding is generated when the focuser does not reach its target within the confirm budget
	ErrFocuserNotResponding = errors.New("focuser not responding")

	// ErrAlreadyRunning is generated when Start is called on a running controller
	ErrAlreadyRunning = errors.New("scan already running")

	// ErrNotStarted is generated when joining a controller which was never started
	ErrNotStarted = errors.New("scan not started")

	// ErrJoinTimeout is generated when the worker does not exit within the join timeout
	ErrJoinTimeout = errors.New("timeout joining scan")
)

// Config holds the devices and timing of a scan
type Config struct {
	Focuser focus.Focuser
	Camera  focus.Camera

	// Wheels are all filter wheels of the camera, in configuration order
	Wheels []focus.FilterWheel

	// Wheel and Filter select the filter for the scan; empty for a camera without wheel
	Wheel  string
	Filter string

	// ProxyDevice publishes <camera>_lastimage
	ProxyDevice string

	ConfirmRetries  int
	ConfirmInterval time.Duration
	ImagePoll       time.Duration
	ReadoutFallback time.Duration
}

// DefaultConfig holds the timing used when a Config leaves it zero
var DefaultConfig = Config{
	ProxyDevice:     device.DefaultProxyDevice,
	ConfirmRetries:  1000,
	ConfirmInterval: 100 * time.Millisecond,
	ImagePoll:       500 * time.Millisecond,
	ReadoutFallback: 5 * time.Second,
}

// Store keeps a copy of an image and returns its path
type Store interface {
	Store(src, wheel, filter string) (string, error)
}

// Snapshot is the focuser state at the start of a scan
type Snapshot struct {
	FocType string
	FocPos  float64
	FocTar  float64
	FocDef  float64
	FocFoff float64
	FocToff float64
}

// Controller runs scans.  A controller may be reused once its previous scan has ended.
type Controller struct {
	cfg     Config
	proxy   device.Proxy
	store   Store
	log     zerolog.Logger
	metrics *metrics.Metrics

	wheel  *focus.FilterWheel
	filter *focus.Filter

	// Sleep suspends the worker; comm.Sleep unless replaced
	Sleep func(ctx context.Context, d time.Duration) error

	// Now is the clock; time.Now unless replaced
	Now func() time.Time

	mu       sync.Mutex
	running  bool
	stop     atomic.Bool
	done     chan struct{}
	cancel   context.CancelFunc
	err      error
	snapshot Snapshot
	dryIdx   int
}

// New creates a controller.  An error is returned if the selected wheel or
// filter is not configured.
func New(cfg Config, proxy device.Proxy, store Store, log zerolog.Logger, m *metrics.Metrics) (*Controller, error) {
	if cfg.ProxyDevice == "" {
		cfg.ProxyDevice = DefaultConfig.ProxyDevice
	}
	if cfg.ConfirmInterval == 0 {
		cfg.ConfirmInterval = DefaultConfig.ConfirmInterval
	}
	if cfg.ImagePoll == 0 {
		cfg.ImagePoll = DefaultConfig.ImagePoll
	}
	if cfg.ReadoutFallback == 0 {
		cfg.ReadoutFallback = DefaultConfig.ReadoutFallback
	}
	c := &Controller{
		cfg:     cfg,
		proxy:   proxy,
		store:   store,
		log:     log,
		metrics: m,
		Sleep:   comm.Sleep,
		Now:     time.Now,
	}
	if cfg.Wheel != "" {
		for i := range cfg.Wheels {
			if cfg.Wheels[i].Name == cfg.Wheel {
				c.wheel = &cfg.Wheels[i]
			}
		}
		if c.wheel == nil {
			return nil, fmt.Errorf("filter wheel %s is not configured", cfg.Wheel)
		}
		ft, err := c.wheel.Filter(cfg.Filter)
		if err != nil {
			return nil, err
		}
		c.filter = &ft
	}
	return c, nil
}

// Connect refreshes the proxy, failing with ErrNotConnected
func (c *Controller) Connect(ctx context.Context) error {
	if err := c.proxy.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Snapshot returns the focuser state recorded by the last Start
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Start checks the connection, puts the devices into their initial state and
// starts the worker.  The returned channel is buffered for every position and
// is closed when the worker exits.
func (c *Controller) Start(ctx context.Context, req focus.ScanRequest) (<-chan focus.ImageHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, ErrAlreadyRunning
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	snap, err := c.initialState(ctx, req)
	if err != nil {
		return nil, err
	}
	c.snapshot = snap
	focDef := int(snap.FocDef)
	if req.FocDef != nil {
		focDef = *req.FocDef
	}
	out := make(chan focus.ImageHandle, len(req.Positions))
	wctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.stop.Store(false)
	c.done = make(chan struct{})
	c.cancel = cancel
	c.err = nil
	c.dryIdx = 0
	go c.run(wctx, req, focDef, out)
	return out, nil
}

// Stop asks the worker to exit before the next position.  It does not block.
func (c *Controller) Stop() {
	c.stop.Store(true)
}

// Cancel interrupts the worker, including an unbounded wait for an image
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the worker has exited and the final state is restored
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Join requests a stop and waits up to timeout for the worker to exit
func (c *Controller) Join(timeout time.Duration) error {
	done := c.Done()
	if done == nil {
		return ErrNotStarted
	}
	c.Stop()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return c.Err()
	case <-t.C:
		return ErrJoinTimeout
	}
}

// Wait blocks until the worker exits and returns its error
func (c *Controller) Wait() error {
	done := c.Done()
	if done == nil {
		return ErrNotStarted
	}
	<-done
	return c.Err()
}

// Err returns the error which ended the last scan, if any
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Running returns true while a worker is active
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) run(ctx context.Context, req focus.ScanRequest, focDef int, out chan<- focus.ImageHandle) {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		c.running = false
		c.cancel()
		close(c.done)
		c.mu.Unlock()
	}()
	defer close(out)
	defer c.finalState(req)

	c.log.Info().Int("positions", len(req.Positions)).Int("focDef", focDef).
		Bool("blind", req.Blind).Bool("writeToDevices", req.WriteToDevices).Msg("scan started")
	for i, pos := range req.Positions {
		if c.stop.Load() {
			c.log.Info().Int("index", i).Msg("stop requested, ending scan")
			break
		}
		if err = ctx.Err(); err != nil {
			c.log.Warn().Err(err).Int("index", i).Msg("scan cancelled")
			break
		}
		var h *focus.ImageHandle
		h, err = c.step(ctx, req, focDef, i, pos)
		if err != nil {
			c.log.Error().Err(err).Int("index", i).Int("position", pos).Msg("scan aborted")
			break
		}
		if h != nil {
			out <- *h
		}
	}
	c.log.Info().Msg("scan ended")
}

func (c *Controller) step(ctx context.Context, req focus.ScanRequest, focDef, i, pos int) (*focus.ImageHandle, error) {
	target := pos
	if !req.Blind {
		target += focDef
	}
	lg := c.log.With().Int("index", i).Int("position", pos).Int("target", target).Logger()

	c.command(ctx, req, pos, lg)
	c.settle(ctx, target, lg)
	if req.WriteToDevices {
		if err := c.confirm(ctx, target, lg); err != nil {
			return nil, err
		}
	}
	c.expose(ctx, req, lg)
	src, err := c.acquire(ctx, req, lg)
	if err != nil {
		return nil, err
	}
	var wheel, filter string
	if c.wheel != nil {
		wheel, filter = c.wheel.Name, c.filter.Name
	}
	dst, err := c.store.Store(src, wheel, filter)
	if err != nil {
		lg.Error().Err(err).Str("source", src).Str("destination", dst).Msg("could not store image, dropping position")
		c.metrics.Dropped()
		return nil, nil
	}
	c.metrics.Image()
	lg.Debug().Str("path", dst).Msg("image stored")
	return &focus.ImageHandle{Path: dst, Source: src, Position: pos, Target: target, Index: i}, nil
}

// command writes FOC_TAR in blind mode and FOC_FOFF otherwise
func (c *Controller) command(ctx context.Context, req focus.ScanRequest, pos int, lg zerolog.Logger) {
	c.metrics.Position(req.Blind)
	param := device.FocFoff
	if req.Blind {
		param = device.FocTar
	}
	if !req.WriteToDevices {
		lg.Warn().Str("param", param).Msg("disabled setting focuser")
		return
	}
	if err := c.proxy.Set(ctx, c.cfg.Focuser.Name, param, pos); err != nil {
		lg.Error().Err(err).Str("param", param).Msg("setting focuser")
	}
}

// settle sleeps for the predicted travel time from the cached FOC_POS
func (c *Controller) settle(ctx context.Context, target int, lg zerolog.Logger) {
	cur, err := device.Float(c.proxy, c.cfg.Focuser.Name, device.FocPos)
	if err != nil {
		lg.Warn().Err(err).Msg("no FOC_POS to predict travel time, not sleeping")
		return
	}
	secs := math.Abs(float64(target)-cur) / c.cfg.Focuser.Speed
	if !mathx.Finite(secs) || secs < 0 {
		lg.Warn().Float64("focPos", cur).Float64("speed", c.cfg.Focuser.Speed).Msg("invalid travel time, not sleeping")
		return
	}
	lg.Info().Float64("focPos", cur).Float64("sleep", secs).Msg("waiting for focuser")
	if err := c.Sleep(ctx, util.SecsToDuration(secs)); err != nil {
		lg.Warn().Err(err).Msg("travel sleep interrupted")
	}
}

// confirm polls FOC_POS until it is within resolution of target
func (c *Controller) confirm(ctx context.Context, target int, lg zerolog.Logger) error {
	start := c.Now()
	r := comm.BoundedRetry{
		Retries:  c.cfg.ConfirmRetries,
		Interval: c.cfg.ConfirmInterval,
		Notify: func(err error, next time.Duration) {
			lg.Debug().Err(err).Msg("focuser not yet at target")
		},
	}
	err := r.Do(ctx, func() error {
		if err := c.proxy.Refresh(ctx); err != nil {
			return err
		}
		p, err := device.Float(c.proxy, c.cfg.Focuser.Name, device.FocPos)
		if err != nil {
			return err
		}
		if math.Abs(float64(target)-p) > c.cfg.Focuser.Resolution {
			return fmt.Errorf("%w: at %v", comm.ErrNotReady, p)
		}
		return nil
	})
	c.metrics.Confirm(c.Now().Sub(start))
	if err != nil {
		if errors.Is(err, comm.ErrBudgetExhausted) {
			return fmt.Errorf("%w: target %d: %w", ErrFocuserNotResponding, target, err)
		}
		return err
	}
	return nil
}

// exposure is the override or base exposure times the filter factor
func (c *Controller) exposure(req focus.ScanRequest) time.Duration {
	exp := req.Exposure
	if exp == 0 {
		exp = c.cfg.Camera.BaseExposure
	}
	if c.wheel != nil && c.filter.ExposureFactor > 0 {
		exp = time.Duration(float64(exp) * c.filter.ExposureFactor)
	}
	return exp
}

func (c *Controller) expose(ctx context.Context, req focus.ScanRequest, lg zerolog.Logger) {
	exp := c.exposure(req)
	secs := exp.Seconds()
	cam := c.cfg.Camera.Name
	lg.Info().Float64("exposure", secs).Msg("exposing")
	if req.WriteToDevices {
		if err := c.proxy.Set(ctx, cam, device.Exposure, strconv.FormatFloat(secs, 'f', -1, 64)); err != nil {
			lg.Error().Err(err).Msg("setting exposure")
		}
		if err := c.proxy.Execute(ctx, cam, device.CmdExpose); err != nil {
			lg.Error().Err(err).Msg("triggering exposure")
		}
	} else {
		lg.Warn().Float64("exposure", secs).Msg("disabled setting exposure/expose")
	}
	if err := c.proxy.Refresh(ctx); err != nil {
		lg.Warn().Err(err).Msg("refresh after exposure")
	}
	readout, err := device.Float(c.proxy, cam, device.ReadoutTime)
	if err != nil || !(readout > 0) || !mathx.Finite(readout) {
		readout = c.cfg.ReadoutFallback.Seconds()
		lg.Warn().Float64("readout", readout).Msg("no read out time received, using fallback")
	}
	if !req.WriteToDevices {
		return
	}
	end, err := device.Float(c.proxy, cam, device.ExposureEnd)
	if err != nil {
		lg.Warn().Err(err).Msg("no exposure_end, not waiting")
		return
	}
	d := util.UnixSecsToTime(end).Sub(c.Now()) + util.SecsToDuration(readout)
	if d < 0 {
		lg.Warn().Dur("wait", d).Msg("exposure end already passed, not sleeping")
		return
	}
	lg.Info().Dur("wait", d).Msg("waiting for exposure end")
	if err := c.Sleep(ctx, d); err != nil {
		lg.Warn().Err(err).Msg("exposure sleep interrupted")
	}
}

// acquire returns the next dry image or the camera's last image once it exists.
// The last image is taken as published after the exposure completes; cameras
// may reuse one file name, so it is not compared to the previous one.
// The wait for the camera is unbounded and ends only with the context.
func (c *Controller) acquire(ctx context.Context, req focus.ScanRequest, lg zerolog.Logger) (string, error) {
	if c.dryIdx < len(req.DryImages) {
		src := req.DryImages[c.dryIdx]
		c.dryIdx++
		lg.Info().Str("dry", src).Msg("using dry image")
		return src, nil
	}
	var src string
	p := comm.UnboundedPoll{
		Interval: c.cfg.ImagePoll,
		Notify: func(err error, next time.Duration) {
			lg.Warn().Err(err).Msg("image not yet ready")
		},
	}
	err := p.Do(ctx, func() error {
		if err := c.proxy.Refresh(ctx); err != nil {
			return err
		}
		fn, err := device.String(c.proxy, c.cfg.ProxyDevice, device.LastImage(c.cfg.Camera.Name))
		if err != nil {
			return err
		}
		if _, err := os.Stat(fn); err != nil {
			return err
		}
		src = fn
		return nil
	})
	return src, err
}

// initialState records the focuser, zeroes FOC_FOFF, moves the other wheels
// to their empty slot and selects the filter
func (c *Controller) initialState(ctx context.Context, req focus.ScanRequest) (Snapshot, error) {
	foc := c.cfg.Focuser.Name
	var s Snapshot
	var err error
	if s.FocPos, err = device.Float(c.proxy, foc, device.FocPos); err != nil {
		return s, err
	}
	if s.FocDef, err = device.Float(c.proxy, foc, device.FocDef); err != nil {
		return s, err
	}
	s.FocType, _ = device.String(c.proxy, foc, device.FocType)
	s.FocTar, _ = device.Float(c.proxy, foc, device.FocTar)
	s.FocFoff, _ = device.Float(c.proxy, foc, device.FocFoff)
	s.FocToff, _ = device.Float(c.proxy, foc, device.FocToff)
	c.log.Debug().Str("focType", s.FocType).Float64("focDef", s.FocDef).Float64("focPos", s.FocPos).Msg("initial focuser state")

	if req.WriteToDevices {
		if err := c.proxy.Set(ctx, foc, device.FocFoff, 0); err != nil {
			return s, err
		}
	} else {
		c.log.Warn().Msg("disabled setting FOC_FOFF: 0")
	}

	for _, w := range c.cfg.Wheels {
		// a fake wheel means there is no wheel hardware at all
		if w.Fake() {
			return s, nil
		}
		if c.wheel != nil && w.Name == c.wheel.Name {
			continue
		}
		c.selectFilter(ctx, req, w.Name, w.EmptySlot())
	}
	if c.filter != nil && c.filter.Name != focus.FakeFilter {
		c.selectFilter(ctx, req, c.wheel.Name, c.filter.Name)
	}
	return s, nil
}

func (c *Controller) selectFilter(ctx context.Context, req focus.ScanRequest, wheel, filter string) {
	if !req.WriteToDevices {
		c.log.Warn().Str("wheel", wheel).Str("filter", filter).Msg("disabled setting filter")
		return
	}
	if err := c.proxy.Set(ctx, wheel, device.Filter, filter); err != nil {
		c.log.Error().Err(err).Str("wheel", wheel).Str("filter", filter).Msg("setting filter")
	}
}

// finalState zeroes FOC_FOFF.  It runs on every exit path of the worker and
// does not use the scan context, which may be cancelled.
func (c *Controller) finalState(req focus.ScanRequest) {
	if !req.WriteToDevices {
		c.log.Warn().Msg("disabled setting FOC_FOFF: 0")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.proxy.Set(ctx, c.cfg.Focuser.Name, device.FocFoff, 0); err != nil {
		c.log.Error().Err(err).Msg("restoring FOC_FOFF")
	}
}
