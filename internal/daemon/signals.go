package daemon

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SignalQueue captures OS signals for deferred processing in the main loop.
type SignalQueue struct {
	C      <-chan os.Signal
	ch     chan os.Signal
	logger *slog.Logger
}

// NewSignalQueue creates a signal queue with a buffer of 16 signals.
// It registers for SIGTERM, SIGINT, SIGQUIT, SIGHUP and SIGUSR1.
func NewSignalQueue(logger *slog.Logger) *SignalQueue {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
	)
	return &SignalQueue{
		C:      ch,
		ch:     ch,
		logger: logger,
	}
}

// Stop deregisters signal notifications.
func (sq *SignalQueue) Stop() {
	signal.Stop(sq.ch)
}
