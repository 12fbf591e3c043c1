/* usbipd - USB/IP server daemon
 *
 * Device adapter: owns one open USB device handle and turns
 * CMD_SUBMIT requests into host USB transfers via gousb/libusb
 */

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"
)

// SubmitRequest is the adapter-facing view of a CMD_SUBMIT: enough
// information to perform the host transfer, independent of wire
// encoding.
type SubmitRequest struct {
	Direction uint32
	Ep        uint8
	Setup     [8]byte
	Data      []byte // OUT payload, or IN buffer capacity via len(Data)
	IsoLens   []int  // per-packet lengths, isochronous transfers only
}

// SubmitResult is the adapter-facing view of what a CMD_SUBMIT
// produced
type SubmitResult struct {
	Status       int
	ActualLength int
	Data         []byte // IN payload
	IsoActual    []int
	IsoStatus    []int
}

// Adapter wraps one claimed USB device. It is created when a session
// attaches to an exported device and destroyed when the session
// drains.
type Adapter struct {
	mu     sync.Mutex
	dev    *gousb.Device
	cfg    *gousb.Config
	iface  []*gousb.Interface
	inEPs  map[uint8]*gousb.InEndpoint
	outEPs map[uint8]*gousb.OutEndpoint
	log    *Logger
	closed bool
}

// OpenAdapter opens ld's underlying device, selects the configuration
// Enumerate reported (ld.ConfigValue, the lowest-numbered one) and
// claims every interface in it (a USB/IP client expects
// to drive every endpoint on the device, not a pre-selected subset),
// detaching the kernel driver first wherever the platform supports
// that operation.
func OpenAdapter(ctx *gousb.Context, ld LiveDevice, log *Logger) (*Adapter, error) {
	var found *gousb.Device
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == ld.Path.Bus && desc.Port == ld.Path.Ports[len(ld.Path.Ports)-1] &&
			desc.Vendor == ld.VendorID && desc.Product == ld.ProductID
	})
	for _, d := range devs {
		if found == nil {
			found = d
		} else {
			d.Close()
		}
	}
	if found == nil {
		if err == nil {
			err = gousb.ErrorNoDevice
		}
		return nil, fmt.Errorf("adapter: open %s: %w", ld.Path, err)
	}

	found.SetAutoDetach(true)

	cfg, err := found.Config(int(ld.ConfigValue))
	if err != nil {
		found.Close()
		return nil, fmt.Errorf("adapter: select config %d: %w", ld.ConfigValue, err)
	}

	a := &Adapter{
		dev:    found,
		cfg:    cfg,
		inEPs:  make(map[uint8]*gousb.InEndpoint),
		outEPs: make(map[uint8]*gousb.OutEndpoint),
		log:    log,
	}

	for _, ifd := range cfg.Desc.Interfaces {
		intf, err := cfg.Interface(ifd.Number, 0)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("adapter: claim interface %d: %w", ifd.Number, err)
		}
		a.iface = append(a.iface, intf)

		if len(ifd.AltSettings) == 0 {
			continue
		}
		for _, ep := range ifd.AltSettings[0].Endpoints {
			addr := uint8(ep.Number)
			if ep.Direction == gousb.EndpointDirectionIn {
				if in, err := intf.InEndpoint(ep.Number); err == nil {
					a.inEPs[addr] = in
				}
			} else {
				if out, err := intf.OutEndpoint(ep.Number); err == nil {
					a.outEPs[addr] = out
				}
			}
		}
	}

	return a, nil
}

// Close releases every claimed interface and the device handle. Safe
// to call more than once.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true

	for _, intf := range a.iface {
		intf.Close()
	}
	if a.dev != nil {
		a.dev.Close()
	}
}

// Submit performs one host USB transfer on behalf of a CMD_SUBMIT.
// It blocks until the transfer completes or ctx is cancelled. On
// cancellation, Submit returns immediately with ctx.Err(); the
// underlying I/O, if gousb gave us no way to abort it directly, is
// left to finish in a background goroutine and its result is
// discarded — the session has already answered the UNLINK by then,
// and the wire contract only promises one reply per seqnum, not that
// the host transfer itself stops instantaneously.
func (a *Adapter) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.Ep == 0 {
		return a.submitControl(ctx, req)
	}
	if len(req.IsoLens) > 0 {
		return a.submitIso(ctx, req)
	}
	return a.submitBulkOrInterrupt(ctx, req)
}

func (a *Adapter) submitControl(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	bmRequestType := req.Setup[0]
	bRequest := req.Setup[1]
	wValue := uint16(req.Setup[2]) | uint16(req.Setup[3])<<8
	wIndex := uint16(req.Setup[4]) | uint16(req.Setup[5])<<8
	wLength := uint16(req.Setup[6]) | uint16(req.Setup[7])<<8

	in := bmRequestType&0x80 != 0

	buf := req.Data
	if in {
		buf = make([]byte, wLength)
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	go func() {
		n, err := a.dev.Control(bmRequestType, bRequest, wValue, wIndex, buf)
		done <- result{n, err}
	}()

	select {
	case <-ctx.Done():
		go func() { <-done }()
		return SubmitResult{}, ctx.Err()
	case r := <-done:
		res := SubmitResult{Status: transferErrno(ctx, r.err), ActualLength: r.n}
		if in && r.err == nil {
			res.Data = buf[:r.n]
		}
		return res, r.err
	}
}

func (a *Adapter) submitBulkOrInterrupt(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	if req.Direction == DirIn {
		in, ok := a.lookupIn(req.Ep)
		if !ok {
			return SubmitResult{}, fmt.Errorf("adapter: no such IN endpoint %d", req.Ep)
		}
		buf := make([]byte, len(req.Data))
		go func() {
			n, err := in.Read(buf)
			done <- result{n, err}
		}()
		select {
		case <-ctx.Done():
			go func() { <-done }()
			return SubmitResult{}, ctx.Err()
		case r := <-done:
			res := SubmitResult{Status: transferErrno(ctx, r.err), ActualLength: r.n}
			if r.err == nil {
				res.Data = buf[:r.n]
			}
			return res, r.err
		}
	}

	out, ok := a.lookupOut(req.Ep)
	if !ok {
		return SubmitResult{}, fmt.Errorf("adapter: no such OUT endpoint %d", req.Ep)
	}
	go func() {
		n, err := out.Write(req.Data)
		done <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		go func() { <-done }()
		return SubmitResult{}, ctx.Err()
	case r := <-done:
		return SubmitResult{Status: transferErrno(ctx, r.err), ActualLength: r.n}, r.err
	}
}

// submitIso handles isochronous transfers by chunking the payload
// into the requested per-packet lengths and transferring them
// back-to-back over the same endpoint. This does not reproduce
// libusb's hardware-paced isochronous scheduling, but it preserves
// the wire contract (per-packet actual_length/status) for clients
// that only care about data delivery, not frame-accurate timing.
// Gated by Conf.IsoEnable; see the capability flag discussion in
// DESIGN.md.
func (a *Adapter) submitIso(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if !Conf.IsoEnable {
		return SubmitResult{Status: errEPROTO}, fmt.Errorf("adapter: isochronous transfers disabled")
	}

	res := SubmitResult{
		IsoActual: make([]int, len(req.IsoLens)),
		IsoStatus: make([]int, len(req.IsoLens)),
	}

	offset := 0
	for i, plen := range req.IsoLens {
		sub := SubmitRequest{Direction: req.Direction, Ep: req.Ep}
		if req.Direction == DirOut {
			end := offset + plen
			if end > len(req.Data) {
				end = len(req.Data)
			}
			sub.Data = req.Data[offset:end]
		} else {
			sub.Data = make([]byte, plen)
		}

		r, err := a.submitBulkOrInterrupt(ctx, sub)
		res.IsoActual[i] = r.ActualLength
		res.IsoStatus[i] = transferErrno(ctx, err)
		res.ActualLength += r.ActualLength
		if req.Direction == DirIn {
			res.Data = append(res.Data, r.Data...)
		}
		offset += plen

		if err != nil && ctx.Err() != nil {
			return res, err
		}
	}

	return res, nil
}

func (a *Adapter) lookupIn(ep uint8) (*gousb.InEndpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.inEPs[ep]
	return e, ok
}

func (a *Adapter) lookupOut(ep uint8) (*gousb.OutEndpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.outEPs[ep]
	return e, ok
}
