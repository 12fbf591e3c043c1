/* usbipd - USB/IP server daemon
 *
 * The main function
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/gousb"
)

// The main function
func main() {
	params := parseArgv()

	err := ConfLoad()
	InitLog.Check(err)

	if params.Command != CliStart {
		// CLI subcommands talk to an already-running daemon (status)
		// or to the USB bus directly (list/bind/unbind); none of
		// them want the daemon's own file logging.
		Console.ToNowhere()
	} else if Conf.ColorConsole {
		Console.ToColorConsole()
	} else {
		Console.ToConsole()
	}

	Log.Cc(Conf.LogConsole, Console)

	usbctx := gousb.NewContext()
	defer usbctx.Close()

	enum := NewEnumerator(usbctx, Log)

	store, err := LoadBindingStore(PathBindings())
	InitLog.Check(err)

	switch params.Command {
	case CliList:
		cliList(enum, store)
		return
	case CliBind:
		cliBind(enum, store, params.BusID)
		return
	case CliUnbind:
		cliUnbind(enum, store, params)
		return
	case CliStatus:
		cliStatus()
		return
	}

	// CliStart: run the daemon in the foreground
	runDaemon(usbctx, enum, store)
}

// runDaemon brings up the USB/IP server and blocks until a stop
// signal is received
func runDaemon(usbctx *gousb.Context, enum *Enumerator, store *BindingStore) {
	lockPath := PathLockFile()
	os.MkdirAll(filepath.Dir(lockPath), 0755)
	lock, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	InitLog.Check(err)
	defer lock.Close()

	err = FileLock(lock, true, false)
	if err == ErrLockIsBusy {
		InitLog.Exit(0, "usbipd already running")
	}
	InitLog.Check(err)
	defer FileUnlock(lock)

	logPath := filepath.Join(PathLogDir(), "usbipd.log")
	Log.ToFile(logPath)
	Log.Info(' ', "===============================")
	Log.Info(' ', "usbipd started, pid=%d", os.Getpid())
	defer Log.Info(' ', "usbipd finished")

	table := NewExportTable()
	liveTable = table

	resolver := NewResolver(store, enum, table, Log)
	if err := resolver.Rescan(); err != nil {
		Log.Error('!', "initial rescan: %s", err)
	}

	listener, err := NewListener(Conf.ListenPort)
	InitLog.Check(err)

	if err := CtrlsockStart(); err != nil {
		Log.Error('!', "ctrlsock: %s", err)
	}
	defer CtrlsockStop()

	acceptor := NewAcceptor(listener, usbctx, table, resolver, Log)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		Log.Info(' ', "signal received, shutting down")
		cancel()
	}()

	if err := acceptor.Run(ctx); err != nil {
		Log.Error('!', "acceptor: %s", err)
	}
}
