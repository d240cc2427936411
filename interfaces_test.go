package rpmbridge

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const stubBufferSize = 64

type deviceStub struct {
	mu     sync.Mutex
	writes [][]byte
	closed chan struct{}
	once   sync.Once
}

func newDeviceStub() *deviceStub {
	return &deviceStub{
		closed: make(chan struct{}),
	}
}

func (d *deviceStub) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (d *deviceStub) Close() error {
	d.once.Do(func() {
		close(d.closed)
	})
	return nil
}

func (d *deviceStub) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

type discovererStub struct {
	mu       sync.Mutex
	present  []bool
	openErrs []error
	searches chan time.Time
	devices  chan *deviceStub
}

func newDiscovererStub(present ...bool) *discovererStub {
	return &discovererStub{
		present:  present,
		searches: make(chan time.Time, stubBufferSize),
		devices:  make(chan *deviceStub, stubBufferSize),
	}
}

// Present pops the next answer, repeating the last one forever.
func (d *discovererStub) Present() (bool, error) {
	d.mu.Lock()
	found := d.present[0]
	if len(d.present) > 1 {
		d.present = d.present[1:]
	}
	d.mu.Unlock()
	select {
	case d.searches <- time.Now():
	default:
	}
	return found, nil
}

func (d *discovererStub) Open() (Device, error) {
	d.mu.Lock()
	if len(d.openErrs) > 0 {
		err := d.openErrs[0]
		d.openErrs = d.openErrs[1:]
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()
	dev := newDeviceStub()
	d.devices <- dev
	return dev, nil
}

type rendered struct {
	Snapshot
	at time.Time
}

type driverStub struct {
	mu     sync.Mutex
	err    error
	device Device
	snaps  chan rendered
}

func newDriverStub() *driverStub {
	return &driverStub{
		snaps: make(chan rendered, stubBufferSize),
	}
}

func (d *driverStub) factory(dev Device) Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.device = dev
	return d
}

func (d *driverStub) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *driverStub) Render(s Snapshot) error {
	d.mu.Lock()
	err := d.err
	d.mu.Unlock()
	d.snaps <- rendered{Snapshot: s, at: time.Now()}
	return err
}

type listenerStub struct {
	packets chan []byte
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

func newListenerStub() *listenerStub {
	return &listenerStub{
		packets: make(chan []byte),
		errs:    make(chan error),
		closed:  make(chan struct{}),
	}
}

func (l *listenerStub) Read(b []byte) (int, error) {
	select {
	case p := <-l.packets:
		return copy(b, p), nil
	case err := <-l.errs:
		return 0, err
	case <-l.closed:
		return 0, errors.New("use of closed network connection")
	}
}

func (l *listenerStub) Close() error {
	l.once.Do(func() {
		close(l.closed)
	})
	return nil
}

type bindCall struct {
	port int
	at   time.Time
}

type listenStub struct {
	mu        sync.Mutex
	errs      []error
	alwaysErr error
	binds     chan bindCall
	listeners chan *listenerStub
}

func newListenStub() *listenStub {
	return &listenStub{
		binds:     make(chan bindCall, stubBufferSize),
		listeners: make(chan *listenerStub, stubBufferSize),
	}
}

func (ls *listenStub) Listen(port int) (Listener, error) {
	ls.mu.Lock()
	err := ls.alwaysErr
	if err == nil && len(ls.errs) > 0 {
		err = ls.errs[0]
		ls.errs = ls.errs[1:]
	}
	ls.mu.Unlock()
	select {
	case ls.binds <- bindCall{port: port, at: time.Now()}:
	default:
	}
	if err != nil {
		return nil, err
	}
	l := newListenerStub()
	ls.listeners <- l
	return l, nil
}

// sleepRecorder replaces backoff waits with an immediate return.
type sleepRecorder struct {
	calls chan time.Duration
}

func newSleepRecorder() *sleepRecorder {
	return &sleepRecorder{
		calls: make(chan time.Duration, stubBufferSize),
	}
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	select {
	case r.calls <- d:
	default:
	}
	// keep a spinning state machine from starving the test
	time.Sleep(time.Millisecond)
	return ctx.Err()
}

type forwarderStub struct {
	mu    sync.Mutex
	calls [][2]Snapshot
}

func (f *forwarderStub) Forward(prev, next Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]Snapshot{prev, next})
	return nil
}

func (f *forwarderStub) forwarded() [][2]Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]Snapshot(nil), f.calls...)
}
