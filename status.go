/* usbipd - USB/IP server daemon
 *
 * Status reporting: the running daemon's view of its export table,
 * queried over the control socket by the "status" CLI subcommand
 */

package main

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"sort"
)

// liveTable is set once by main() to the Acceptor's ExportTable, so
// the control socket handler can read it without threading a
// reference through net/http's handler signature
var liveTable *ExportTable

// StatusRetrieve connects to the running daemon over its control
// socket and returns its status as printable text
func StatusRetrieve() ([]byte, error) {
	transport := &http.Transport{
		Dial: func(network, addr string) (net.Conn, error) {
			return CtrlsockDial()
		},
	}

	client := &http.Client{Transport: transport}

	rsp, err := client.Get("http://localhost/status")
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	return ioutil.ReadAll(rsp.Body)
}

// StatusFormat formats the daemon's current export table as text
func StatusFormat() []byte {
	buf := &bytes.Buffer{}

	fmt.Fprintf(buf, "usbipd %s: running\n", Version)

	var entries []*ExportEntry
	if liveTable != nil {
		entries = liveTable.List()
	}

	fmt.Fprintf(buf, "exported devices:")
	if len(entries) == 0 {
		buf.WriteString(" none\n")
		return buf.Bytes()
	}
	buf.WriteString("\n")

	sort.Slice(entries, func(i, j int) bool { return entries[i].BusID < entries[j].BusID })

	fmt.Fprintf(buf, " BusID       Vndr:Prod  Attached\n")
	for _, e := range entries {
		attached := "no"
		if e.attachedTo != nil {
			attached = "yes"
		}
		fmt.Fprintf(buf, " %-11s %04x:%04x %s\n",
			e.BusID, uint16(e.Device.VendorID), uint16(e.Device.ProductID), attached)
	}

	return buf.Bytes()
}
