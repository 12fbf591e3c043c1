/* usbipd - USB/IP server daemon
 *
 * Acceptor: owns the TCP listener and the binding resolver's rescan
 * loop, and coordinates their shutdown
 */

package main

import (
	"context"
	"net"
	"sync"

	"github.com/google/gousb"
	"golang.org/x/sync/errgroup"
)

// Acceptor runs the USB/IP TCP server: it accepts connections and
// hands each to its own Session, while a Resolver keeps the export
// table in step with the host's USB topology in the background.
type Acceptor struct {
	listener net.Listener
	usbctx   *gousb.Context
	table    *ExportTable
	resolver *Resolver
	log      *Logger

	wg sync.WaitGroup
}

// NewAcceptor creates an Acceptor bound to listener
func NewAcceptor(listener net.Listener, usbctx *gousb.Context, table *ExportTable, resolver *Resolver, log *Logger) *Acceptor {
	return &Acceptor{
		listener: listener,
		usbctx:   usbctx,
		table:    table,
		resolver: resolver,
		log:      log,
	}
}

// Run blocks until ctx is cancelled or the listener fails, accepting
// connections and running the resolver's rescan loop concurrently. It
// always returns once every spawned session has finished draining.
func (a *Acceptor) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		a.resolver.WatchHotplug(ctx)
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		return a.listener.Close()
	})

	group.Go(func() error {
		return a.acceptLoop(ctx)
	})

	err := group.Wait()
	a.wg.Wait()
	return err
}

func (a *Acceptor) acceptLoop(ctx context.Context) error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		sess := NewSession(conn, a.usbctx, a.table, a.log)
		a.wg.Add(1)

		go func() {
			defer a.wg.Done()
			sess.Serve(ctx)
		}()
	}
}
