/* usbipd - USB/IP server daemon
 *
 * TCP listener
 */

package main

import (
	"net"
	"strconv"
	"time"
)

// Listener wraps net.Listener, filtering and tuning accepted
// connections before Acceptor sees them
//
// If no IP address is specified, the stdlib listener already accepts
// both IPv4 and IPv6 simultaneously, so there is no need to run
// separate listeners per family; loopback-only mode is enforced by
// inspecting each accepted connection's remote address instead.
type Listener struct {
	net.Listener
}

// NewListener creates the USB/IP TCP listener on port
func NewListener(port int) (net.Listener, error) {
	network := "tcp4"
	if Conf.IPv6Enable {
		network = "tcp"
	}

	nl, err := net.Listen(network, ":"+strconv.Itoa(port))
	if err != nil {
		return nil, err
	}

	return Listener{nl}, nil
}

// Accept returns the next connection a USB/IP client may use,
// filtering out non-loopback peers when Conf.LoopbackOnly is set and
// tuning TCP keepalive on everything it returns
func (l Listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		tcpconn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}

		if Conf.LoopbackOnly {
			remote, ok := tcpconn.RemoteAddr().(*net.TCPAddr)
			if !ok || !remote.IP.IsLoopback() {
				tcpconn.SetLinger(0)
				tcpconn.Close()
				continue
			}
		}

		tcpconn.SetKeepAlive(true)
		tcpconn.SetKeepAlivePeriod(20 * time.Second)

		return tcpconn, nil
	}
}
