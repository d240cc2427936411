// Package canfwd republishes tracked RPM readings on a SocketCAN bus, e.g.
// for an external shift light.
package canfwd

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/brutella/can"
	"github.com/jd3nn1s/rpmbridge"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const frameRPM uint32 = 0x104

const (
	flagRaceActive = 1 << iota
	flagStale
)

type CANBus interface {
	ConnectAndPublish() error
	Disconnect() error
	Publish(can.Frame) error
}

// to allow testing
var newBus = func(name string) (CANBus, error) {
	return can.NewBusForInterfaceWithName(name)
}

var errNotConnected = errors.New("can bus not connected")

// Forwarder publishes an RPM frame whenever the tracked snapshot changes.
// It is opened and restarted by rpmbridge.Retry.
type Forwarder struct {
	Interface string

	mu  sync.Mutex
	bus CANBus
}

func NewForwarder(iface string) *Forwarder {
	return &Forwarder{Interface: iface}
}

func (f *Forwarder) Name() string {
	return "canbus"
}

func (f *Forwarder) Open() error {
	bus, err := newBus(f.Interface)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", f.Interface)
	}
	f.mu.Lock()
	f.bus = bus
	f.mu.Unlock()
	return nil
}

func (f *Forwarder) Close() error {
	bus := f.take()
	if bus == nil {
		return nil
	}
	return bus.Disconnect()
}

// take detaches the bus so that it is disconnected exactly once.
func (f *Forwarder) take() CANBus {
	f.mu.Lock()
	defer f.mu.Unlock()
	bus := f.bus
	f.bus = nil
	return bus
}

// Start services the bus until it fails or ctx is cancelled.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	bus := f.bus
	f.mu.Unlock()
	if bus == nil {
		return errNotConnected
	}
	log.WithField("interface", f.Interface).Info("CAN bus opened")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			log.Infof("stopping can bus: %v", ctx.Err())
			b := f.take()
			if b == nil {
				return
			}
			if err := b.Disconnect(); err != nil {
				log.WithField("err", err).Warn("unable to disconnect canbus after context")
			}
		case <-stop:
		}
	}()

	err := bus.ConnectAndPublish()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (f *Forwarder) Forward(prev, next rpmbridge.Snapshot) error {
	if prev == next {
		return nil
	}
	f.mu.Lock()
	bus := f.bus
	f.mu.Unlock()
	if bus == nil {
		log.Debug("can bus not connected, dropping rpm frame")
		return nil
	}
	frame := Frame(next)
	log.WithField("data", frame.Data[:frame.Length]).Debug("sending rpm over canbus")
	return errors.Wrap(bus.Publish(frame), "unable to publish rpm frame")
}

// Frame encodes s as current RPM and max RPM (uint16 little endian) followed
// by a flags byte.
func Frame(s rpmbridge.Snapshot) can.Frame {
	frame := can.Frame{
		ID:     frameRPM,
		Length: 5,
	}
	binary.LittleEndian.PutUint16(frame.Data[0:2], clampRPM(s.CurrentRPM))
	binary.LittleEndian.PutUint16(frame.Data[2:4], clampRPM(s.MaxRPM))
	if s.RaceActive {
		frame.Data[4] |= flagRaceActive
	}
	if s.Stale {
		frame.Data[4] |= flagStale
	}
	return frame
}

func clampRPM(v float32) uint16 {
	if v <= 0 || math.IsNaN(float64(v)) {
		return 0
	}
	if v >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
