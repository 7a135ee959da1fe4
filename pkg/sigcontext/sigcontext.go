package sigcontext

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// WithSignalCancel is a context that will cancel itself when a signal is sent
// to the process. The cancel function returned is responsible for freeing the
// signal handlers used and must be called. The signal received first is
// available from the returned Received func once the context is done.
func WithSignalCancel(ctx context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc, func() os.Signal) {
	sigctx, ctxcancel := context.WithCancel(ctx)

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, sigs...)

	var (
		once     sync.Once
		mu       sync.Mutex
		received os.Signal
	)
	cancel := func() {
		ctxcancel()
		once.Do(func() {
			signal.Stop(sigchan)
			close(sigchan)
		})
	}

	// Select on the signals coming in. The caller is required to call their
	// provided cancel function to release the signal channel and notificant.
	go func(in <-chan os.Signal) {
		for {
			select {
			case <-sigctx.Done():
				ctxcancel()
				return
			case sig, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				mu.Lock()
				if received == nil {
					received = sig
				}
				mu.Unlock()
				ctxcancel()
			}
		}
	}(sigchan)

	return sigctx, cancel, func() os.Signal {
		mu.Lock()
		defer mu.Unlock()
		return received
	}
}
