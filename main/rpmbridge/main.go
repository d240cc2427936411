package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jd3nn1s/rpmbridge"
	"github.com/jd3nn1s/rpmbridge/canfwd"
	"github.com/jd3nn1s/rpmbridge/g27"
	"github.com/jd3nn1s/rpmbridge/settings"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	gameFlag     = flag.StringP("game", "g", "", "game to bridge telemetry from: dirt-rally-2, forza-horizon-5 (saved)")
	portFlag     = flag.IntP("port", "p", 0, "UDP port to listen on (overrides saved setting)")
	requireWheel = flag.Bool("require-wheel", false, "exit immediately if the G27 is not found during startup")
	settingsPath = flag.String("settings", "", "settings file (default <config dir>/G27-LED-Bridge/settings.toml)")
	canInterface = flag.String("can-interface", "", "also publish RPM on this SocketCAN interface")
	testMode     = flag.Bool("testmode", false, "generate test telemetry")
	continuous   = flag.BoolP("continuous", "c", false, "test: repeat the LED pattern until interrupted")
	verbose      = flag.BoolP("verbose", "v", false, "enable debug logging")
)

func usage() {
	os.Stderr.WriteString("usage: rpmbridge [flags]\n       rpmbridge test [--continuous]\n\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	log.SetLevel(log.InfoLevel)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	switch flag.Arg(0) {
	case "":
		os.Exit(run())
	case "test":
		os.Exit(testLEDs())
	default:
		usage()
		os.Exit(2)
	}
}

func run() int {
	store, err := settings.NewStore(*settingsPath)
	if err != nil {
		log.WithField("err", err).Error("unable to locate settings")
		return 1
	}
	overrides := &rpmbridge.Overrides{Saved: store.LoadOrDefault()}
	if *gameFlag != "" {
		g, err := rpmbridge.ParseGame(*gameFlag)
		if err != nil {
			log.Error(err)
			return 1
		}
		overrides.Saved = overrides.Saved.WithGame(g)
		if err := store.Save(overrides.Saved); err != nil {
			log.WithField("err", err).Warn("failed to save settings")
		}
	}
	if *portFlag != 0 {
		if *portFlag < 1 || *portFlag > 65535 {
			log.Errorf("port %d out of range", *portFlag)
			return 1
		}
		overrides.Port = *portFlag
	}
	s := overrides.Live()
	config := rpmbridge.NewLiveConfig(s)

	disc, err := g27.NewDiscoverer()
	if err != nil {
		log.Error(err)
		return 1
	}
	defer disc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := rpmbridge.NewSupervisor(config, disc, g27.Driver)
	sup.RequireDevice = *requireWheel
	if *canInterface != "" {
		fwd := canfwd.NewForwarder(*canInterface)
		sup.AddForwarder(fwd)
		go runRetryable(ctx, fwd)
	}
	if *testMode {
		go runRetryable(ctx, rpmbridge.NewEmulator(config))
	}

	actions := make(chan rpmbridge.Action)
	go func() {
		if err := rpmbridge.ReadActions(ctx, os.Stdin, actions); err != nil && ctx.Err() == nil {
			log.WithField("err", err).Warn("console input closed")
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	done := make(chan error, 1)
	go func() {
		done <- sup.Run(ctx)
	}()

	log.WithFields(log.Fields{
		"game": s.Game.Name(),
		"port": s.Port,
	}).Info("Starting G27 LED Bridge (type game <name>, port <n>, reload, status or quit)")

	wheel := rpmbridge.DeviceStatus{}
	for {
		select {
		case msg := <-sup.Status():
			log.Info(msg)
		case ds := <-sup.DeviceStatus():
			if ds != wheel {
				wheel = ds
				logWheel(ds)
			}
		case a := <-actions:
			handleAction(a, overrides, config, store, sup, wheel, cancel)
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				reload(overrides, config, store)
				continue
			}
			log.WithField("signal", sig).Info("shutting down")
			cancel()
		case err := <-done:
			switch err {
			case rpmbridge.ErrDeviceRequired:
				log.Error("Exiting: G27 wheel required but not found")
				return 1
			case context.Canceled, nil:
				return 0
			}
			log.Error(err)
			return 1
		}
	}
}

func handleAction(a rpmbridge.Action, overrides *rpmbridge.Overrides, config *rpmbridge.LiveConfig,
	store *settings.Store, sup *rpmbridge.Supervisor, wheel rpmbridge.DeviceStatus, quit func()) {
	switch a.Kind {
	case rpmbridge.ActionReload:
		reload(overrides, config, store)
	case rpmbridge.ActionStatus:
		s := config.Snapshot()
		log.WithFields(log.Fields{
			"game":  s.Game.Name(),
			"port":  s.Port,
			"state": sup.State(),
			"wheel": wheel.Connected,
		}).Info("status")
	case rpmbridge.ActionQuit:
		log.Info("shutting down")
		quit()
	default:
		before := config.Snapshot()
		saved := overrides.Apply(a, config)
		if saved {
			if err := store.Save(overrides.Saved); err != nil {
				log.WithField("err", err).Warn("failed to save settings")
			}
		}
		if saved || config.Snapshot() != before {
			log.Info("Settings changed - bridge will update automatically")
		}
	}
}

func reload(overrides *rpmbridge.Overrides, config *rpmbridge.LiveConfig, store *settings.Store) {
	s, err := store.Load()
	if err != nil {
		log.WithField("err", err).Warn("keeping current settings")
		return
	}
	overrides.Reload(s, config)
}

func logWheel(ds rpmbridge.DeviceStatus) {
	if ds.Connected {
		log.Info("G27: connected")
		return
	}
	log.WithField("detail", ds.Detail).Warn("G27: not connected")
}

func runRetryable(ctx context.Context, r rpmbridge.Retryable) {
	if err := rpmbridge.Retry(ctx, r); err != nil && err != context.Canceled {
		log.Errorf("%s done: %v", r.Name(), err)
	}
}

func testLEDs() int {
	disc, err := g27.NewDiscoverer()
	if err != nil {
		log.Error(err)
		return 1
	}
	defer disc.Close()

	log.Info("Looking for G27 for LED test")
	found, err := disc.Present()
	if err != nil || !found {
		log.WithField("err", err).Error("G27 not found. Please connect your G27 racing wheel.")
		return 1
	}
	dev, err := disc.Open()
	if err != nil {
		log.Error(err)
		return 1
	}
	defer dev.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	log.WithField("continuous", *continuous).Info("G27 connected - starting LED test")
	err = g27.TestPattern(ctx, dev, *continuous)
	if err != nil && err != context.Canceled {
		log.WithField("err", err).Error("LED test failed")
		return 1
	}
	log.Info("LED test completed")
	return 0
}
