// Package appctx implements the process-wide Application Context described
// by spec.md §4.H: the shared bus handle, shutdown event, and weakly
// referenced connector registry, grounded on sic_application.py's
// module-level globals and exit_handler.
package appctx

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"weak"

	"github.com/social-interaction-cloud/sic/pkg/bus"
	"github.com/social-interaction-cloud/sic/pkg/connector"
)

var (
	mu       sync.Mutex
	instance *Context
)

// Context is the process-wide singleton every Connector registers with so
// a single SIGINT/SIGTERM can unwind the whole program.
type Context struct {
	bus bus.Bus
	log *slog.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	connMu     sync.Mutex
	connectors []weak.Pointer[connector.Connector]

	signalCh chan os.Signal
}

// Init installs the singleton bound to b, wiring SIGINT/SIGTERM to
// Shutdown. Calling Init more than once is a no-op; the bus and logger
// from the first call win, matching exit_handler's single registration via
// atexit/signal.signal at import time.
func Init(b bus.Bus, log *slog.Logger) *Context {
	mu.Lock()
	defer mu.Unlock()

	if instance != nil {
		return instance
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Context{
		bus:        b,
		log:        log.With("component", "ApplicationContext"),
		shutdownCh: make(chan struct{}),
		signalCh:   make(chan os.Signal, 1),
	}
	instance = c

	signal.Notify(c.signalCh, syscall.SIGINT, syscall.SIGTERM)
	go c.watchSignals()

	return c
}

func (c *Context) watchSignals() {
	sig, ok := <-c.signalCh
	if !ok {
		return
	}
	c.log.Info("signal received, shutting down", "signal", sig.String())
	c.Shutdown(context.Background())
}

// Current returns the process singleton, or nil if Init was never called.
func Current() *Context {
	mu.Lock()
	defer mu.Unlock()
	return instance
}

// Bus returns the shared bus handle every component/connector in this
// process borrows.
func (c *Context) Bus() bus.Bus {
	return c.bus
}

// ShutdownEvent is closed once Shutdown begins, the process-wide signal
// every long-lived worker loop should select on alongside its own
// component-scoped stop channel.
func (c *Context) ShutdownEvent() <-chan struct{} {
	return c.shutdownCh
}

// Register adds conn to the weak connector registry. Callers register each
// Connector themselves right after connector.New succeeds — pkg/connector
// cannot import pkg/appctx without an import cycle, so self-registration
// isn't an option here the way it might look in sic_application.py. A
// connector that is garbage collected before shutdown is silently skipped,
// matching the Python implementation's weakref.WeakSet.
func (c *Context) Register(conn *connector.Connector) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.connectors = append(c.connectors, weak.Make(conn))
}

// Shutdown sets the shutdown event, stops every still-live registered
// connector, and closes the shared bus. Idempotent and safe to call
// concurrently with a signal-triggered shutdown (e.g. during exception
// unwinding in a deferred cleanup).
func (c *Context) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)

		c.connMu.Lock()
		refs := c.connectors
		c.connectors = nil
		c.connMu.Unlock()

		for _, ref := range refs {
			if conn := ref.Value(); conn != nil {
				conn.Stop(ctx)
			}
		}

		c.log.Info("closing shared bus")
		if err := c.bus.Close(); err != nil {
			c.log.Error("error closing bus during shutdown", "error", err)
		}

		signal.Stop(c.signalCh)
		close(c.signalCh)
	})
}

// ResetForTesting discards the singleton so a test can Init a fresh
// Context. Production code never needs more than one Application Context
// per process and must not call this.
func ResetForTesting() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
}
