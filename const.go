/* usbipd - USB/IP server daemon
 *
 * Protocol and runtime constants
 */

package main

import "time"

// Version is the program version string, reported in status output
const Version = "1.0"

// USB/IP wire protocol constants. These mirror the layout of
// struct usbip_header and friends in the Linux kernel's
// drivers/usb/usbip/usbip_common.h and must not be changed
// without breaking wire compatibility.
const (
	// UsbipVersion is the only protocol version this server speaks
	UsbipVersion = 0x0111

	// Control-plane opcodes
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// Data-plane commands
	CmdSubmit = 0x00000001
	CmdUnlink = 0x00000002
	RetSubmit = 0x00000003
	RetUnlink = 0x00000004

	// Transfer directions, as carried in the common data-plane header
	DirOut = 0
	DirIn  = 1

	// Wire-level struct sizes
	ctrlHeaderSize   = 8
	deviceRecordSize = 312
	ifaceDescSize    = 4
	urbHeaderSize    = 48
	isoDescSize      = 16
	busidSize        = 32
	pathSize         = 256

	// USB/IP speed codes, as carried in the device record
	SpeedUnknown = 0
	SpeedLow     = 1
	SpeedFull    = 2
	SpeedHigh    = 3
	SpeedWireless = 4
	SpeedSuper   = 5
)

// Negative errno values used in RET_SUBMIT/RET_UNLINK status fields.
// These are the raw Linux errno numbers, negated, exactly as a real
// usbip client expects to see them.
const (
	errEPIPE      = -32
	errETIMEDOUT  = -110
	errECONNRESET = -104
	errENODEV     = -19
	errEOVERFLOW  = -75
	errEPROTO     = -71
	errENOENT     = -2
)

// Runtime timing constants
const (
	// DrainGracePeriod bounds how long a DRAINing session waits for
	// in-flight transfer completions before it gives up and closes
	// the device handle out from under them.
	DrainGracePeriod = 5 * time.Second

	// AcceptBacklog is the minimum listen backlog for the USB/IP TCP
	// listener. NewListener does not pass it to the kernel: net.Listen
	// applies the system's own maximum backlog.
	AcceptBacklog = 16

	// ListenPort is the well-known USB/IP TCP port.
	ListenPort = 3240

	// RescanRetryInterval paces the binding resolver's retry of a
	// bound-but-not-currently-connected device.
	RescanRetryInterval = 2 * time.Second
)
