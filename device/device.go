/*Package device describes the telescope control layer as a Proxy of named
device parameters.

A Proxy keeps a cache of the latest device state.  Get reads from that cache;
Refresh replaces it with the current state.  Set and Execute go straight to
the devices.  Parameter names are those of an RTS2 installation.
*/
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Focuser parameters
const (
	FocType = "FOC_TYPE"
	FocPos  = "FOC_POS"
	FocTar  = "FOC_TAR"
	FocDef  = "FOC_DEF"
	FocFoff = "FOC_FOFF"
	FocToff = "FOC_TOFF"
)

// Camera parameters and commands
const (
	Exposure      = "exposure"
	ExposureEnd   = "exposure_end"
	ReadoutTime   = "readout_time"
	Filter        = "filter"
	FilterOffsets = "filter_offsets"
	Wheel         = "wheel"

	CmdExpose = "expose"
)

// DefaultProxyDevice is the pseudo device publishing the last image of each camera
const DefaultProxyDevice = "XMLRPC"

var (
	// ErrNoValue is generated when a parameter has no value in the cache
	ErrNoValue = errors.New("no value")

	// ErrUnknownDevice is generated when a device is not known to the proxy
	ErrUnknownDevice = errors.New("unknown device")
)

// LastImage is the proxy device parameter holding the last image of camera
func LastImage(camera string) string {
	return camera + "_lastimage"
}

// Proxy is the boundary to the device control layer
type Proxy interface {
	// Refresh reloads the cached state of all devices
	Refresh(ctx context.Context) error

	// Get returns a parameter from the cache
	Get(dev, name string) (interface{}, error)

	// GetSelection returns the allowed values of a selection parameter
	GetSelection(ctx context.Context, dev, name string) ([]string, error)

	// Set writes a parameter
	Set(ctx context.Context, dev, name string, value interface{}) error

	// Execute runs a command on a device
	Execute(ctx context.Context, dev, cmd string) error
}

// Float gets a parameter and converts it to a float64
func Float(p Proxy, dev, name string) (float64, error) {
	v, err := p.Get(dev, name)
	if err != nil {
		return 0, err
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%s.%s: %w", dev, name, err)
	}
	return f, nil
}

// Int gets a parameter and converts it to an int, truncating any fraction
func Int(p Proxy, dev, name string) (int, error) {
	f, err := Float(p, dev, name)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// String gets a parameter and formats it as a string
func String(p Proxy, dev, name string) (string, error) {
	v, err := p.Get(dev, name)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", fmt.Errorf("%s.%s: %w", dev, name, ErrNoValue)
	default:
		return fmt.Sprint(t), nil
	}
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, ErrNoValue
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}
