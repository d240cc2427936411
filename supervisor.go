package rpmbridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// State is the position of the bridge in its connect/stream/retry cycle.
type State int32

const (
	StateSearching State = iota
	StateConnected
	StateStreaming
	StateRecoverableError
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateRecoverableError:
		return "recoverable error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrorKind classifies a recoverable failure and selects its backoff.
type ErrorKind int

const (
	NoError ErrorKind = iota
	SocketBind
	DeviceLost
)

func (k ErrorKind) String() string {
	switch k {
	case NoError:
		return "none"
	case SocketBind:
		return "socket bind"
	case DeviceLost:
		return "device lost"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrDeviceRequired is returned by Run when the wheel is required at startup
// and the first search does not find it.
var ErrDeviceRequired = errors.New("wheel required but not found")

type Backoff struct {
	Search     time.Duration
	SocketBind time.Duration
	DeviceLost time.Duration
}

var DefaultBackoff = Backoff{
	Search:     5 * time.Second,
	SocketBind: 5 * time.Second,
	DeviceLost: 2 * time.Second,
}

// DeviceStatus reports wheel connectivity to the foreground.
type DeviceStatus struct {
	Connected bool
	Detail    string
}

const (
	statusBufferSize = 32
	minReadBuffer    = 512
)

// Supervisor discovers the wheel, listens for telemetry and keeps both
// alive until its context is cancelled.
type Supervisor struct {
	Config        *LiveConfig
	Discoverer    Discoverer
	NewDriver     DriverFactory
	RequireDevice bool
	Backoff       Backoff
	Listen        func(port int) (Listener, error)

	forwarders []Forwarder
	status     chan string
	devices    chan DeviceStatus
	state      atomic.Int32
	sleep      func(context.Context, time.Duration) error
}

func NewSupervisor(config *LiveConfig, discoverer Discoverer, newDriver DriverFactory) *Supervisor {
	return &Supervisor{
		Config:     config,
		Discoverer: discoverer,
		NewDriver:  newDriver,
		Backoff:    DefaultBackoff,
		Listen:     ListenUDP,
		status:     make(chan string, statusBufferSize),
		devices:    make(chan DeviceStatus, statusBufferSize),
		sleep:      sleepContext,
	}
}

func (s *Supervisor) AddForwarder(f Forwarder) {
	s.forwarders = append(s.forwarders, f)
}

// Status carries human readable progress messages. It is never closed.
func (s *Supervisor) Status() <-chan string {
	return s.status
}

// DeviceStatus carries wheel connectivity changes. It is never closed.
func (s *Supervisor) DeviceStatus() <-chan DeviceStatus {
	return s.devices
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// ListenUDP binds a receive-only telemetry listener on the loopback
// interface.
func ListenUDP(port int) (Listener, error) {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to bind %s", addr)
	}
	return conn, nil
}

// session holds everything owned by one discover/connect/stream run.
type session struct {
	settings Settings
	state    State
	kind     ErrorKind
	device   Device
	driver   Driver
	listener *onceListener
	tracker  *Tracker
	last     Snapshot
}

// Run drives the bridge until ctx is cancelled. Recoverable failures are
// retried forever; the only other error is ErrDeviceRequired.
func (s *Supervisor) Run(ctx context.Context) error {
	sess := &session{settings: s.Config.Snapshot()}
	defer func() {
		sess.teardown()
	}()

	firstSearch := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if settings := s.Config.Snapshot(); settings != sess.settings {
			sess.teardown()
			sess = &session{settings: settings}
			s.report("Switched to %s on port %d", settings.Game.Name(), settings.Port)
		}
		s.state.Store(int32(sess.state))
		log.WithFields(log.Fields{
			"state": sess.state,
			"game":  sess.settings.Game,
			"port":  sess.settings.Port,
		}).Debug("bridge step")

		var err error
		switch sess.state {
		case StateSearching:
			err = s.search(ctx, sess, firstSearch)
			firstSearch = false
		case StateConnected:
			err = s.connect(ctx, sess)
		case StateStreaming:
			err = s.stream(ctx, sess)
		case StateRecoverableError:
			err = s.recover(ctx, sess)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Supervisor) search(ctx context.Context, sess *session, first bool) error {
	found, err := s.Discoverer.Present()
	if err != nil {
		log.WithField("err", err).Warn("unable to enumerate devices")
	}
	if found {
		sess.state = StateConnected
		return nil
	}
	s.setDevice(false, "Not found")
	if first {
		s.report("G27 not found")
		if s.RequireDevice {
			return ErrDeviceRequired
		}
	}
	return s.sleep(ctx, s.Backoff.Search)
}

func (s *Supervisor) connect(ctx context.Context, sess *session) error {
	dev, err := s.Discoverer.Open()
	if err != nil {
		log.WithField("err", err).Warn("found G27 but failed to open connection")
		s.setDevice(false, "Connection failed")
		if err := s.sleep(ctx, s.Backoff.Search); err != nil {
			return err
		}
		sess.state = StateSearching
		return nil
	}
	sess.device = dev
	sess.driver = s.NewDriver(dev)
	s.report("G27 connected")
	sess.state = StateStreaming
	return nil
}

func (s *Supervisor) stream(ctx context.Context, sess *session) error {
	game, port := sess.settings.Game, sess.settings.Port
	l, err := s.Listen(port)
	if err != nil {
		s.report("Failed to bind to port %d: %v", port, errors.Cause(err))
		sess.fail(SocketBind)
		return nil
	}
	sess.listener = &onceListener{Listener: l}
	sess.tracker = NewTracker()
	sess.last = Snapshot{}
	s.setDevice(true, "")

	changed := s.Config.Changed()
	if s.Config.Snapshot() != sess.settings {
		// reconfigured while binding, restart from the top
		return nil
	}
	stop := make(chan struct{})
	defer close(stop)
	go func(l Listener) {
		select {
		case <-ctx.Done():
		case <-changed:
		case <-stop:
			return
		}
		// unblocks the read below
		if err := l.Close(); err != nil {
			log.WithField("err", err).Debug("closing listener")
		}
	}(sess.listener)

	s.report("Listening for %s telemetry on port %d (expecting %d byte packets)",
		game.Name(), port, game.PacketSize())

	buf := make([]byte, max(game.PacketSize(), minReadBuffer))
	for {
		n, err := sess.listener.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-changed:
				// closed for a settings change, even one since reverted
				return nil
			default:
			}
			s.report("UDP receive error: %v", err)
			sess.fail(DeviceLost)
			return nil
		}
		if n < game.PacketSize() {
			log.WithFields(log.Fields{
				"size":     n,
				"expected": game.PacketSize(),
			}).Debug("received packet too small")
			continue
		}

		sess.tracker.Update(buf[:n], game)
		snap := sess.tracker.Snapshot()
		if err := sess.driver.Render(snap); err != nil {
			log.WithField("err", err).Error("unable to update wheel LEDs")
			sess.fail(DeviceLost)
			return nil
		}
		for _, f := range s.forwarders {
			if err := f.Forward(sess.last, snap); err != nil {
				log.WithField("err", err).Warn("unable to forward telemetry")
			}
		}
		sess.last = snap
	}
}

func (s *Supervisor) recover(ctx context.Context, sess *session) error {
	switch sess.kind {
	case SocketBind:
		s.setDevice(false, "UDP Error")
		s.report("UDP socket error - retrying in %v...", s.Backoff.SocketBind)
		if err := s.sleep(ctx, s.Backoff.SocketBind); err != nil {
			return err
		}
		sess.kind = NoError
		sess.state = StateStreaming
	default:
		sess.teardown()
		s.setDevice(false, "Disconnected")
		s.report("G27 connection lost - retrying in %v...", s.Backoff.DeviceLost)
		if err := s.sleep(ctx, s.Backoff.DeviceLost); err != nil {
			return err
		}
		sess.kind = NoError
		sess.state = StateSearching
	}
	return nil
}

func (s *Supervisor) report(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Debug(msg)
	select {
	case s.status <- msg:
	default:
	}
}

func (s *Supervisor) setDevice(connected bool, detail string) {
	select {
	case s.devices <- DeviceStatus{Connected: connected, Detail: detail}:
	default:
	}
}

func (sess *session) fail(kind ErrorKind) {
	sess.closeListener()
	sess.tracker = nil
	sess.kind = kind
	sess.state = StateRecoverableError
}

func (sess *session) closeListener() {
	if sess.listener == nil {
		return
	}
	if err := sess.listener.Close(); err != nil {
		log.WithField("err", err).Debug("closing listener")
	}
	sess.listener = nil
}

func (sess *session) teardown() {
	sess.closeListener()
	sess.tracker = nil
	sess.driver = nil
	if sess.device != nil {
		if err := sess.device.Close(); err != nil {
			log.WithField("err", err).Warn("unable to close G27")
		}
		sess.device = nil
	}
}

type onceListener struct {
	Listener
	once sync.Once
	err  error
}

func (l *onceListener) Close() error {
	l.once.Do(func() {
		l.err = l.Listener.Close()
	})
	return l.err
}
