// Package g27 drives the rev LEDs of a Logitech G27 racing wheel over HID.
package g27

import (
	"context"
	"io"
	"time"

	"github.com/jd3nn1s/rpmbridge"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sstallion/go-hid"
)

const (
	VendorID  = 0x046d
	ProductID = 0xc29b
)

// LED bar states from all off to all lit: green, green, orange, orange, red.
var barStates = []byte{0, 1, 3, 7, 15, 31}

// fraction of the idle to max rev range at which each LED lights
var thresholds = [5]float32{0.45, 0.60, 0.72, 0.84, 0.93}

var patternStep = 500 * time.Millisecond

// to allow testing
var (
	hidEnumerate = hid.Enumerate
	hidOpenFirst = func(vid, pid uint16) (rpmbridge.Device, error) {
		dev, err := hid.OpenFirst(vid, pid)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
)

// Discoverer finds the wheel among the attached HID devices.
type Discoverer struct{}

// NewDiscoverer initialises the HID library. Close releases it.
func NewDiscoverer() (*Discoverer, error) {
	if err := hid.Init(); err != nil {
		return nil, errors.Wrap(err, "unable to initialise hidapi")
	}
	return &Discoverer{}, nil
}

func (d *Discoverer) Close() error {
	return hid.Exit()
}

func (d *Discoverer) Present() (bool, error) {
	found := false
	err := hidEnumerate(VendorID, ProductID, func(info *hid.DeviceInfo) error {
		log.WithFields(log.Fields{
			"path":    info.Path,
			"product": info.ProductStr,
		}).Debug("found G27")
		found = true
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "unable to enumerate HID devices")
	}
	return found, nil
}

func (d *Discoverer) Open() (rpmbridge.Device, error) {
	dev, err := hidOpenFirst(VendorID, ProductID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open G27")
	}
	return dev, nil
}

// LEDs renders tracked readings onto the rev LED bar.
type LEDs struct {
	w       io.Writer
	mask    byte
	written bool
}

func NewLEDs(w io.Writer) *LEDs {
	return &LEDs{w: w}
}

// Driver adapts NewLEDs to rpmbridge.DriverFactory.
func Driver(dev rpmbridge.Device) rpmbridge.Driver {
	return NewLEDs(dev)
}

// Render writes the LED state for s, skipping the write when the bar would
// not change.
func (l *LEDs) Render(s rpmbridge.Snapshot) error {
	mask := Mask(s)
	if l.written && mask == l.mask {
		return nil
	}
	if err := writeMask(l.w, mask); err != nil {
		return err
	}
	l.mask = mask
	l.written = true
	return nil
}

// Mask returns the LED bar state for s. The bar is dark outside a race and
// while the telemetry is frozen.
func Mask(s rpmbridge.Snapshot) byte {
	if !s.RaceActive || s.Stale || s.MaxRPM <= s.IdleRPM {
		return 0
	}
	fraction := (s.CurrentRPM - s.IdleRPM) / (s.MaxRPM - s.IdleRPM)
	lit := 0
	for _, t := range thresholds {
		if fraction < t {
			break
		}
		lit++
	}
	return barStates[lit]
}

func writeMask(w io.Writer, mask byte) error {
	report := []byte{0x00, 0xf8, 0x12, mask, 0x00, 0x00, 0x00, 0x01}
	if _, err := w.Write(report); err != nil {
		return errors.Wrapf(err, "unable to write LED state %d", mask)
	}
	return nil
}

// TestPattern lights the bar up and back down, repeating until ctx is
// cancelled when continuous is set. The bar is left dark.
func TestPattern(ctx context.Context, w io.Writer, continuous bool) error {
	for {
		log.Info("Testing LED progression: Off -> Green -> Orange -> Red")
		if err := walk(ctx, w, barStates); err != nil {
			return err
		}
		log.Info("Testing reverse LED progression: Red -> Orange -> Green -> Off")
		reversed := make([]byte, len(barStates))
		for i, s := range barStates {
			reversed[len(barStates)-1-i] = s
		}
		if err := walk(ctx, w, reversed); err != nil {
			return err
		}
		if !continuous {
			return writeMask(w, 0)
		}
	}
}

func walk(ctx context.Context, w io.Writer, states []byte) error {
	for _, s := range states {
		if err := writeMask(w, s); err != nil {
			return err
		}
		if err := sleepContext(ctx, patternStep); err != nil {
			if werr := writeMask(w, 0); werr != nil {
				log.WithField("err", werr).Warn("unable to turn off LEDs")
			}
			return err
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
