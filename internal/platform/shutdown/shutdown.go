package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Signals are the termination signals the server listens for.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// NotifyContext cancels the returned context on the first termination
// signal so the server can drain. A second signal exits the process
// immediately instead of waiting for the drain to finish.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, Signals...)

	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
			signal.Stop(ch)
			return
		}
		<-ch
		os.Exit(1)
	}()

	stop := func() {
		signal.Stop(ch)
		cancel()
	}
	return ctx, stop
}
