/* usbipd - USB/IP server daemon
 *
 * Common errors
 */

package main

import "errors"

// Sentinel errors shared across usbipd's components
var (
	ErrLockIsBusy    = errors.New("lock is busy, another instance is running")
	ErrNoSuchDevice  = errors.New("no such device")
	ErrAlreadyBound  = errors.New("device is already bound")
	ErrNotBound      = errors.New("device is not bound")
	ErrAlreadyInUse  = errors.New("device is already attached to a client")
	ErrBadProtocol   = errors.New("protocol violation")
	ErrDeviceGone    = errors.New("device disconnected")
	ErrNoDaemon      = errors.New("usbipd daemon not running")
	ErrAccess        = errors.New("access denied")
	ErrImportRejected = errors.New("session: import rejected")
)
