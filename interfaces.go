package rpmbridge

import "context"

// Device is an open handle on the wheel.
type Device interface {
	Write([]byte) (int, error)
	Close() error
}

// Discoverer finds and opens the wheel.
type Discoverer interface {
	Present() (bool, error)
	Open() (Device, error)
}

// Driver turns tracked readings into output on an open device.
type Driver interface {
	Render(Snapshot) error
}

type DriverFactory func(Device) Driver

// Listener receives telemetry datagrams.
type Listener interface {
	Read([]byte) (int, error)
	Close() error
}

// Forwarder receives every rendered snapshot in addition to the driver.
type Forwarder interface {
	Forward(prev, next Snapshot) error
}

// Retryable is a connection that is reopened whenever Start fails.
type Retryable interface {
	Open() error
	Close() error
	Start(ctx context.Context) error
	Name() string
}
