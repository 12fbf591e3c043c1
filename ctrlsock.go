/* usbipd - USB/IP server daemon
 *
 * Control socket handler
 *
 * usbipd runs a small HTTP server on top of a Unix domain control
 * socket, the same way the teacher runs its per-device status
 * endpoint on top of one. The CLI's "status" subcommand is its only
 * client so far, but the mechanism costs nothing and is easy to
 * extend.
 */

package main

import (
	"log"
	"net"
	"net/http"
	"os"
	"syscall"
)

var ctrlsockServer = http.Server{
	Handler:  http.HandlerFunc(ctrlsockHandler),
	ErrorLog: log.New(Log.LineWriter(LogError, '!'), "", 0),
}

func ctrlsockAddr() *net.UnixAddr {
	return &net.UnixAddr{Name: PathControlSocket(), Net: "unix"}
}

// ctrlsockHandler handles HTTP requests that come over the control socket
func ctrlsockHandler(w http.ResponseWriter, r *http.Request) {
	Log.Debug(' ', "ctrlsock: %s %s", r.Method, r.URL)

	if r.Method != "GET" {
		http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/status" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(StatusFormat())
}

// CtrlsockStart starts the control socket server
func CtrlsockStart() error {
	addr := ctrlsockAddr()
	Log.Debug(' ', "ctrlsock: listening at %q", addr.Name)

	os.Remove(addr.Name)

	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return err
	}

	os.Chmod(addr.Name, 0700)

	go func() {
		ctrlsockServer.Serve(listener)
	}()

	return nil
}

// CtrlsockStop stops the control socket server
func CtrlsockStop() {
	Log.Debug(' ', "ctrlsock: shutdown")
	ctrlsockServer.Close()
}

// CtrlsockDial connects to the control socket of a running usbipd daemon
func CtrlsockDial() (net.Conn, error) {
	conn, err := net.DialUnix("unix", nil, ctrlsockAddr())
	if err == nil {
		return conn, nil
	}

	if neterr, ok := err.(*net.OpError); ok {
		if syserr, ok := neterr.Err.(*os.SyscallError); ok {
			switch syserr.Err {
			case syscall.ECONNREFUSED, syscall.ENOENT:
				err = ErrNoDaemon
			case syscall.EACCES, syscall.EPERM:
				err = ErrAccess
			}
		}
	}

	return conn, err
}
