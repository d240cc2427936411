package rpmbridge

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	testModeInterval = 20 * time.Millisecond
	testModeIdleRPM  = 800
	testModeMaxRPM   = 7000
	testModeStep     = 50
)

// Emulator sends synthetic telemetry for the configured game to the local
// listener so the bridge can be exercised without a game running.
type Emulator struct {
	Config   *LiveConfig
	Interval time.Duration

	conn net.Conn
	port int
}

func NewEmulator(config *LiveConfig) *Emulator {
	return &Emulator{
		Config:   config,
		Interval: testModeInterval,
	}
}

func (e *Emulator) Name() string {
	return "testmode"
}

func (e *Emulator) Open() error {
	e.port = e.Config.Snapshot().Port
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", e.port))
	if err != nil {
		return errors.Wrapf(err, "unable to dial port %d", e.port)
	}
	e.conn = conn
	return nil
}

func (e *Emulator) Close() error {
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

func (e *Emulator) Start(ctx context.Context) error {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	r := Reading{
		CurrentRPM: testModeIdleRPM,
		MaxRPM:     testModeMaxRPM,
		IdleRPM:    testModeIdleRPM,
		RaceActive: true,
	}
	down := false
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		settings := e.Config.Snapshot()
		if settings.Port != e.port {
			log.WithField("port", settings.Port).Info("testmode: following port change")
			if err := e.Close(); err != nil {
				log.WithField("err", err).Debug("testmode: closing old port")
			}
			if err := e.Open(); err != nil {
				return err
			}
		}
		if _, err := e.conn.Write(settings.Game.Encode(r)); err != nil {
			// nothing listening yet is expected while the wheel is missing
			log.WithField("err", err).Debug("testmode: unable to send packet")
		}

		if down {
			r.CurrentRPM -= testModeStep
		} else {
			r.CurrentRPM += testModeStep
		}
		if r.CurrentRPM >= testModeMaxRPM {
			down = true
		} else if r.CurrentRPM <= testModeIdleRPM {
			down = false
		}
	}
}
