package shutdown

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Stopper is anything that must be brought to a safe state on exit.
type Stopper interface {
	Shutdown(ctx context.Context) error
}

// Shutdown stops each stopper in order, sharing one deadline.
func Shutdown(timeout time.Duration, stoppers ...Stopper) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, s := range stoppers {
		if s == nil {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Error().Err(err).Msg("Shutdown finished with errors")
		return err
	}
	log.Info().Msg("Equipment stopped, exiting")
	return nil
}

// ShutdownWithError logs the cause, runs Shutdown and exits non-zero.
func ShutdownWithError(err error, msg string, timeout time.Duration, stoppers ...Stopper) {
	log.Error().Err(err).Msg(msg)
	Shutdown(timeout, stoppers...)
	os.Exit(1)
}
