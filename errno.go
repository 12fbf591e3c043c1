/* usbipd - USB/IP server daemon
 *
 * Translation between host USB transfer failures and USB/IP wire
 * status codes
 */

package main

import (
	"context"
	"errors"

	"github.com/google/gousb"
)

// transferErrno maps the outcome of a host USB transfer (reported
// either as a gousb.TransferStatus from a completed bulk/interrupt/iso
// transfer, or a gousb.Error from a control transfer, or a context
// cancellation) onto the negative errno a USB/IP client expects to
// see in a RET_SUBMIT or RET_UNLINK status field.
//
// A cancelled context takes priority over whatever libusb status
// accompanies it: a transfer cancelled because the caller's context
// expired is always reported as ECONNRESET, matching what a real
// USBIP_CMD_UNLINK causes on Linux.
func transferErrno(ctx context.Context, err error) int {
	if err == nil {
		return 0
	}

	if ctx.Err() != nil {
		return errECONNRESET
	}

	switch err {
	case context.DeadlineExceeded:
		return errETIMEDOUT
	case context.Canceled:
		return errECONNRESET
	}

	var ts gousb.TransferStatus
	if errors.As(err, &ts) {
		switch ts {
		case gousb.TransferCompleted:
			return 0
		case gousb.TransferStall:
			return errEPIPE
		case gousb.TransferTimedOut:
			return errETIMEDOUT
		case gousb.TransferCancelled:
			return errECONNRESET
		case gousb.TransferNoDevice:
			return errENODEV
		case gousb.TransferOverflow:
			return errEOVERFLOW
		default:
			return errEPROTO
		}
	}

	var ue gousb.Error
	if errors.As(err, &ue) {
		switch ue {
		case gousb.ErrorPipe:
			return errEPIPE
		case gousb.ErrorTimeout:
			return errETIMEDOUT
		case gousb.ErrorNoDevice:
			return errENODEV
		case gousb.ErrorOverflow:
			return errEOVERFLOW
		case gousb.ErrorInterrupted:
			return errECONNRESET
		case gousb.ErrorNotFound:
			return errENOENT
		default:
			return errEPROTO
		}
	}

	return errEPROTO
}

// isDeviceGone reports whether err indicates the underlying USB
// device has been physically disconnected.
func isDeviceGone(err error) bool {
	var ts gousb.TransferStatus
	if errors.As(err, &ts) && ts == gousb.TransferNoDevice {
		return true
	}

	var ue gousb.Error
	if errors.As(err, &ue) && ue == gousb.ErrorNoDevice {
		return true
	}

	return false
}
