package runtime

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// WaitForShutdown blocks until ctx is cancelled or SIGINT/SIGTERM arrives.
func WaitForShutdown(ctx context.Context, service string) {
	if service == "" {
		service = "service"
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		log.Printf("[%s] context cancelled, shutting down", service)
	case sig := <-sigCh:
		log.Printf("[%s] received signal %s, shutting down", service, sig)
	}
}
