package rpmbridge

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var retrySleep = time.Second

var errStarting = errors.New("starting")

// Retry keeps r running until ctx is cancelled, closing and reopening it
// after every failure.
func Retry(ctx context.Context, r Retryable) error {
	err := errStarting
	for {
		if ctx.Err() != nil {
			if err != errStarting {
				if cerr := r.Close(); cerr != nil {
					log.WithField("err", cerr).Warnf("%s: unable to close", r.Name())
				}
			}
			return ctx.Err()
		}
		if err != nil {
			if err != errStarting {
				log.WithField("err", err).Errorf("%s: reconnecting due to error", r.Name())
				if err = r.Close(); err != nil {
					log.WithField("err", err).Warnf("%s: unable to close", r.Name())
				}
				if werr := sleepContext(ctx, retrySleep); werr != nil {
					return werr
				}
			}
			if err = r.Open(); err != nil {
				err = errors.Wrapf(err, "%s: open", r.Name())
				continue
			}
		}
		err = r.Start(ctx)
	}
}

// sleepContext waits for d, returning early with the context error once ctx
// is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
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
