package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Call is one write to a Mock
type Call struct {
	// Kind is "set" or "execute"
	Kind   string
	Device string
	Name   string
	Value  interface{}
}

// RenderFunc writes an exposure taken at focPos to path
type RenderFunc func(path string, focPos float64) error

// Mock is an in-memory Proxy simulating a focuser, a camera and filter
// wheels.  Writes are recorded in Calls.  The focuser arrives instantly
// unless Stuck is set.  Camera exposures are written to ImageDir by Render
// and published to the proxy device after ImageLag refreshes.
type Mock struct {
	sync.Mutex

	Focuser     string
	Camera      string
	ProxyDevice string

	// Stuck stops the focuser from moving
	Stuck bool

	// ImageDir receives the images of the camera; when empty, no image is produced
	ImageDir string

	// Render writes an image; when nil an empty file is created
	Render RenderFunc

	// ImageLag is the number of refreshes after an exposure before its image is published
	ImageLag int

	// Readout is published as readout_time after each exposure
	Readout float64

	// RefreshErr is returned by Refresh when not nil
	RefreshErr error

	// Now is the clock used for exposure_end; defaults to time.Now
	Now func() time.Time

	Calls []Call

	live       map[string]map[string]interface{}
	cache      map[string]map[string]interface{}
	selections map[string]map[string][]string
	exposures  int
	pending    string
	lag        int
}

// NewMock creates a Mock with a focuser at zero and a camera with a one second exposure
func NewMock(focuser, camera string) *Mock {
	m := &Mock{
		Focuser:     focuser,
		Camera:      camera,
		ProxyDevice: DefaultProxyDevice,
		live:        make(map[string]map[string]interface{}),
		cache:       make(map[string]map[string]interface{}),
		selections:  make(map[string]map[string][]string),
	}
	for _, k := range []string{FocPos, FocTar, FocDef, FocFoff, FocToff} {
		m.put(focuser, k, 0.)
	}
	m.put(focuser, FocType, "mock")
	m.put(camera, Exposure, 1.)
	m.put(camera, ReadoutTime, 0.)
	m.put(camera, ExposureEnd, 0.)
	m.publish()
	return m
}

func (m *Mock) put(dev, name string, v interface{}) {
	d, ok := m.live[dev]
	if !ok {
		d = make(map[string]interface{})
		m.live[dev] = d
	}
	d[name] = v
}

func (m *Mock) publish() {
	m.cache = make(map[string]map[string]interface{}, len(m.live))
	for dev, params := range m.live {
		c := make(map[string]interface{}, len(params))
		for k, v := range params {
			c[k] = v
		}
		m.cache[dev] = c
	}
}

func (m *Mock) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// SetValue changes device state without recording a call, and publishes it
func (m *Mock) SetValue(dev, name string, v interface{}) {
	m.Lock()
	defer m.Unlock()
	m.put(dev, name, v)
	m.publish()
}

// SetSelection configures the allowed values of a selection parameter
func (m *Mock) SetSelection(dev, name string, values ...string) {
	m.Lock()
	defer m.Unlock()
	d, ok := m.selections[dev]
	if !ok {
		d = make(map[string][]string)
		m.selections[dev] = d
	}
	d[name] = values
}

// Refresh publishes the live state
func (m *Mock) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	if m.RefreshErr != nil {
		return m.RefreshErr
	}
	if m.pending != "" {
		if m.lag <= 0 {
			m.put(m.ProxyDevice, LastImage(m.Camera), m.pending)
			m.pending = ""
		} else {
			m.lag--
		}
	}
	m.publish()
	return nil
}

// Get reads from the published state
func (m *Mock) Get(dev, name string) (interface{}, error) {
	m.Lock()
	defer m.Unlock()
	d, ok := m.cache[dev]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, dev)
	}
	v, ok := d[name]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", dev, name, ErrNoValue)
	}
	return v, nil
}

// GetSelection returns the values configured with SetSelection
func (m *Mock) GetSelection(ctx context.Context, dev, name string) ([]string, error) {
	m.Lock()
	defer m.Unlock()
	d, ok := m.selections[dev]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, dev)
	}
	v, ok := d[name]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", dev, name, ErrNoValue)
	}
	out := make([]string, len(v))
	copy(out, v)
	return out, nil
}

// Set records the call and simulates the device
func (m *Mock) Set(ctx context.Context, dev, name string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.Calls = append(m.Calls, Call{Kind: "set", Device: dev, Name: name, Value: value})
	if dev == m.Focuser {
		f, err := toFloat(value)
		if err != nil {
			return err
		}
		switch name {
		case FocFoff:
			def, _ := toFloat(m.live[dev][FocDef])
			m.put(dev, FocFoff, f)
			m.moveTo(def + f)
			return nil
		case FocTar:
			m.moveTo(f)
			return nil
		}
	}
	m.put(dev, name, value)
	return nil
}

func (m *Mock) moveTo(target float64) {
	m.put(m.Focuser, FocTar, target)
	if !m.Stuck {
		m.put(m.Focuser, FocPos, target)
	}
}

// Execute records the call; the camera's expose command produces an image
func (m *Mock) Execute(ctx context.Context, dev, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.Calls = append(m.Calls, Call{Kind: "execute", Device: dev, Name: cmd})
	if dev != m.Camera || cmd != CmdExpose {
		return nil
	}
	exp, err := toFloat(m.live[dev][Exposure])
	if err != nil {
		return err
	}
	end := m.now().Add(time.Duration(exp * float64(time.Second)))
	m.put(dev, ExposureEnd, float64(end.UnixNano())/1e9)
	m.put(dev, ReadoutTime, m.Readout)
	if m.ImageDir == "" {
		return nil
	}
	m.exposures++
	path := filepath.Join(m.ImageDir, fmt.Sprintf("%s-%04d.fits", m.Camera, m.exposures))
	pos, _ := toFloat(m.live[m.Focuser][FocPos])
	if m.Render != nil {
		err = m.Render(path, pos)
	} else {
		err = os.WriteFile(path, nil, 0644)
	}
	if err != nil {
		return err
	}
	m.pending = path
	m.lag = m.ImageLag
	return nil
}

// Sets returns the values written to dev.name, in order
func (m *Mock) Sets(dev, name string) []interface{} {
	m.Lock()
	defer m.Unlock()
	var out []interface{}
	for _, c := range m.Calls {
		if c.Kind == "set" && c.Device == dev && c.Name == name {
			out = append(out, c.Value)
		}
	}
	return out
}

// Writes is the number of set and execute calls made
func (m *Mock) Writes() int {
	m.Lock()
	defer m.Unlock()
	return len(m.Calls)
}

// ErrMockOffline is a convenience error for RefreshErr
var ErrMockOffline = errors.New("mock proxy offline")
