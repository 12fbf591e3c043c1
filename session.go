/* usbipd - USB/IP server daemon
 *
 * Session: one accepted TCP connection, speaking the USB/IP control
 * and data planes, and (once attached) driving one Adapter
 */

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gousb"
)

// SessionState is a Session's place in its lifecycle
type SessionState int

// Session lifecycle states
const (
	StateNegotiating SessionState = iota
	StateAttached
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNegotiating:
		return "NEGOTIATING"
	case StateAttached:
		return "ATTACHED"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	}
	return "?"
}

// pendingSubmit is one in-flight CMD_SUBMIT, tracked so a later
// CMD_UNLINK can find and cancel it
type pendingSubmit struct {
	seqnum   uint32
	ep       uint32 // endpoint address: number | direction<<7
	cancel   context.CancelFunc
	done     chan struct{}
	unlinked bool // set by handleUnlink; suppresses the eventual RET_SUBMIT
}

// epAddr combines an endpoint number and transfer direction into the
// address the per-endpoint FIFO is keyed on. Endpoint 1 IN and
// endpoint 1 OUT are distinct pipes and must not share a queue.
func epAddr(ep, direction uint32) uint32 {
	return ep | (direction << 7)
}

// Session drives one accepted connection end to end: control-plane
// negotiation, then (if the client imports a device) the data plane
// until the client disconnects or the device is detached.
type Session struct {
	conn   net.Conn
	usbctx *gousb.Context
	table  *ExportTable
	log    *Logger

	mu      sync.Mutex
	state   SessionState
	entry   *ExportEntry
	adapter *Adapter

	// per-endpoint FIFO: a result is only written back to the client
	// once it is the head of its endpoint's pending queue, so replies
	// for a given endpoint never reorder relative to how their
	// CMD_SUBMITs arrived. Keyed by endpoint address (epAddr), not
	// endpoint number, so IN and OUT on the same number don't share
	// a queue.
	pendingByEP map[uint32][]uint32
	inflight    map[uint32]*pendingSubmit
	results     map[uint32]RetSubmitMsg

	writeMu sync.Mutex
}

// NewSession wraps an accepted connection
func NewSession(conn net.Conn, usbctx *gousb.Context, table *ExportTable, log *Logger) *Session {
	return &Session{
		conn:        conn,
		usbctx:      usbctx,
		table:       table,
		log:         log,
		state:       StateNegotiating,
		pendingByEP: make(map[uint32][]uint32),
		inflight:    make(map[uint32]*pendingSubmit),
		results:     make(map[uint32]RetSubmitMsg),
	}
}

// Serve runs the session to completion. It never returns until the
// connection is done, either because the peer closed it, ctx was
// cancelled, or a protocol violation occurred.
func (s *Session) Serve(ctx context.Context) {
	defer s.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.conn.SetDeadline(time.Now())
	}()

	if err := s.negotiate(ctx); err != nil {
		switch err {
		case io.EOF, ErrImportRejected:
			// Normal session end: peer disconnected, or an
			// OP_REQ_IMPORT was refused and its reply already sent.
		default:
			s.log.Error('!', "session: negotiate: %s", err)
		}
		return
	}

	s.runDataPlane(ctx)
}

// negotiate handles the control plane: OP_REQ_DEVLIST any number of
// times, then exactly one OP_REQ_IMPORT which, on success, switches
// the session into the data plane. A second OP_REQ_DEVLIST or
// OP_REQ_IMPORT after a successful import is a protocol violation,
// since the wire format gives the two planes no way to tell their
// framing apart once import has occurred.
func (s *Session) negotiate(ctx context.Context) error {
	for {
		hdr, err := ReadFull(s.conn, ctrlHeaderSize)
		if err != nil {
			return err
		}

		code, err := PeekCtrlCode(hdr)
		if err != nil {
			return err
		}

		switch code {
		case OpReqDevlist:
			if err := s.handleDevlist(); err != nil {
				return err
			}
		case OpReqImport:
			rest, err := ReadFull(s.conn, busidSize)
			if err != nil {
				return err
			}
			full := append(append([]byte{}, hdr...), rest...)
			return s.handleImport(full)
		default:
			return fmt.Errorf("session: unexpected control code %#x", code)
		}
	}
}

func deviceRecord(d LiveDevice) DeviceRecord {
	return DeviceRecord{
		Path:               fmt.Sprintf("/sys/devices/usbipd/%s", d.Path.BusID()),
		BusID:              d.Path.BusID(),
		BusNum:             uint32(d.Path.Bus),
		DevNum:             d.DevNum,
		Speed:              d.Speed,
		IDVendor:           uint16(d.VendorID),
		IDProduct:          uint16(d.ProductID),
		BcdDevice:          d.BcdDevice,
		BDeviceClass:       d.Class,
		BDeviceSubClass:    d.SubClass,
		BDeviceProtocol:    d.Protocol,
		BConfigurationVal:  d.ConfigValue,
		BNumConfigurations: d.NumConfigs,
		BNumInterfaces:     uint8(len(d.Interfaces)),
	}
}

func (s *Session) handleDevlist() error {
	var entries []DevlistEntry
	for _, e := range s.table.List() {
		entries = append(entries, DevlistEntry{
			Record:     deviceRecord(e.Device),
			Interfaces: e.Device.Interfaces,
		})
	}

	return s.writeFrame(EncodeRepDevlist(RepDevlist{Devices: entries}))
}

func (s *Session) handleImport(reqBytes []byte) error {
	req, err := DecodeReqImport(reqBytes)
	if err != nil {
		return err
	}

	entry, ok := s.table.Attach(req.BusID, s)
	if !ok {
		if werr := s.writeFrame(EncodeRepImport(RepImport{OK: false})); werr != nil {
			return werr
		}
		return ErrImportRejected
	}

	adapter, err := OpenAdapter(s.usbctx, entry.Device, s.log)
	if err != nil {
		s.table.Detach(req.BusID, s)
		s.log.Error('!', "session: attach %s: %s", req.BusID, err)
		if werr := s.writeFrame(EncodeRepImport(RepImport{OK: false})); werr != nil {
			return werr
		}
		return ErrImportRejected
	}

	s.mu.Lock()
	s.entry = entry
	s.adapter = adapter
	s.state = StateAttached
	s.mu.Unlock()

	return s.writeFrame(EncodeRepImport(RepImport{OK: true, Record: deviceRecord(entry.Device)}))
}

// runDataPlane reads CMD_SUBMIT/CMD_UNLINK frames until the
// connection dies, dispatching each SUBMIT to the adapter on its own
// goroutine so that a slow transfer on one endpoint never blocks
// submits to a different endpoint, while still serializing replies
// per endpoint via pendingByEP.
func (s *Session) runDataPlane(ctx context.Context) {
	defer s.drain()

	dec := DataDecoder{}
	buf, err := ReadFull(s.conn, urbHeaderSize)
	if err != nil {
		return
	}

	for {
		pdu, consumed, err := dec.Decode(buf)
		if err == ErrNeedMore {
			grown, rerr := s.readMore(buf)
			if rerr != nil {
				return
			}
			buf = grown
			continue
		}
		if err != nil {
			s.log.Error('!', "session: decode: %s", err)
			return
		}
		buf = buf[consumed:]

		switch pdu.Kind {
		case CmdSubmit:
			s.handleSubmit(ctx, pdu.Submit)
		case CmdUnlink:
			s.handleUnlink(pdu.Unlink)
		}

		if len(buf) < urbHeaderSize {
			more, rerr := ReadFull(s.conn, urbHeaderSize-len(buf))
			if rerr != nil {
				return
			}
			buf = append(buf, more...)
		}
	}
}

// readMore grows buf, a buffer already holding at least the 48-byte
// common-header-plus-tail minimum, until it holds the whole PDU: for
// CMD_SUBMIT that means the OUT payload and any isochronous packet
// descriptors; CMD_UNLINK never needs more than the 48 bytes already
// present.
func (s *Session) readMore(buf []byte) ([]byte, error) {
	if len(buf) < urbHeaderSize {
		more, err := ReadFull(s.conn, urbHeaderSize-len(buf))
		if err != nil {
			return nil, err
		}
		return append(buf, more...), nil
	}

	cmd := binary.BigEndian.Uint32(buf[0:4])
	if cmd != CmdSubmit {
		return nil, errors.New("session: unexpected continuation for non-SUBMIT PDU")
	}

	direction := binary.BigEndian.Uint32(buf[12:16])
	transferLen := binary.BigEndian.Uint32(buf[24:28])
	numPackets := binary.BigEndian.Uint32(buf[32:36])

	want := urbHeaderSize
	if direction == DirOut {
		want += int(transferLen)
	}
	want += int(numPackets) * isoDescSize

	if len(buf) >= want {
		return buf, nil
	}
	more, err := ReadFull(s.conn, want-len(buf))
	if err != nil {
		return nil, err
	}
	return append(buf, more...), nil
}

func (s *Session) handleSubmit(ctx context.Context, m CmdSubmitMsg) {
	addr := epAddr(m.Ep, m.Direction)

	subCtx, cancel := context.WithCancel(ctx)
	p := &pendingSubmit{seqnum: m.Seqnum, ep: addr, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.state != StateAttached {
		s.mu.Unlock()
		cancel()
		return
	}
	s.inflight[m.Seqnum] = p
	s.pendingByEP[addr] = append(s.pendingByEP[addr], m.Seqnum)
	adapter := s.adapter
	s.mu.Unlock()

	go func() {
		defer close(p.done)

		req := SubmitRequest{Direction: m.Direction, Ep: uint8(m.Ep), Setup: m.Setup, Data: m.Data}
		if m.Direction == DirIn {
			req.Data = make([]byte, m.TransferBufferLen)
		}
		if m.NumberOfPackets > 0 {
			req.IsoLens = isoLens(m.IsoPackets)
		}

		res, _ := adapter.Submit(subCtx, req)

		s.mu.Lock()
		delete(s.inflight, m.Seqnum)
		if p.unlinked || s.state != StateAttached {
			s.removeQueuedLocked(addr, m.Seqnum)
			s.mu.Unlock()
			s.flushEndpoint(addr)
			return
		}

		ret := RetSubmitMsg{
			Seqnum: m.Seqnum, Devid: m.Devid, Direction: m.Direction, Ep: m.Ep,
			Status: int32(res.Status), ActualLength: uint32(res.ActualLength), Data: res.Data,
		}
		if m.NumberOfPackets > 0 {
			ret.NumberOfPackets = m.NumberOfPackets
			ret.IsoPackets = isoResultPackets(m.IsoPackets, res.IsoActual, res.IsoStatus)
		}
		s.results[m.Seqnum] = ret
		s.mu.Unlock()

		s.flushEndpoint(addr)
	}()
}

// handleUnlink answers a CMD_UNLINK with exactly one of three
// outcomes: the target submit hadn't started replying yet and is now
// cancelled (status -ECONNRESET), it already completed and the
// unlink is a no-op acknowledgement (status 0), or it is unknown to
// this session (also status 0).
func (s *Session) handleUnlink(m CmdUnlinkMsg) {
	s.mu.Lock()
	target, inflight := s.inflight[m.UnlinkSeqnum]
	if inflight {
		target.unlinked = true
	}
	_, alreadyDone := s.results[m.UnlinkSeqnum]
	s.mu.Unlock()

	var status int32
	switch {
	case inflight:
		target.cancel()
		<-target.done
		status = int32(errECONNRESET)
	case alreadyDone:
		status = 0
	default:
		status = 0
	}

	ret := RetUnlinkMsg{Seqnum: m.Seqnum, Devid: m.Devid, Direction: m.Direction, Ep: m.Ep, Status: status}
	s.writeFrame(EncodeRetUnlink(ret))
}

// removeQueuedLocked drops seqnum from ep's pending queue without
// producing a result for it. Called with s.mu held, after a submit
// unlinked mid-flight completes, so flushEndpoint doesn't wait forever
// on a head-of-line entry that will never have a result.
func (s *Session) removeQueuedLocked(ep, seqnum uint32) {
	queue := s.pendingByEP[ep]
	for i, sn := range queue {
		if sn == seqnum {
			s.pendingByEP[ep] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// flushEndpoint writes back every result that is now at the head of
// its endpoint's queue, preserving submit order per endpoint even
// though transfers complete out of order across goroutines.
func (s *Session) flushEndpoint(ep uint32) {
	for {
		s.mu.Lock()
		queue := s.pendingByEP[ep]
		if len(queue) == 0 {
			s.mu.Unlock()
			return
		}
		head := queue[0]
		ret, ready := s.results[head]
		if !ready {
			s.mu.Unlock()
			return
		}
		s.pendingByEP[ep] = queue[1:]
		delete(s.results, head)
		s.mu.Unlock()

		s.writeFrame(EncodeRetSubmit(ret))
	}
}

// writeFrame serializes writes to the connection; the control and
// data planes share one writer since USB/IP multiplexes both over
// the same TCP stream.
func (s *Session) writeFrame(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(b)
	return err
}

// drain transitions to DRAINING, cancels every in-flight submit, and
// waits up to DrainGracePeriod for them to unwind before detaching
// the adapter. It does not emit any reply for transfers it cancels:
// the client already lost its connection by the time drain runs.
func (s *Session) drain() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateDraining {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	var pending []*pendingSubmit
	for _, p := range s.inflight {
		pending = append(pending, p)
	}
	s.mu.Unlock()

	for _, p := range pending {
		p.cancel()
	}

	deadline := time.After(DrainGracePeriod)
	for _, p := range pending {
		select {
		case <-p.done:
		case <-deadline:
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	entry := s.entry
	adapter := s.adapter
	s.mu.Unlock()

	if adapter != nil {
		adapter.Close()
	}
	if entry != nil {
		s.table.Detach(entry.BusID, s)
	}
	s.conn.Close()
}

func isoLens(packets []IsoPacketDesc) []int {
	lens := make([]int, len(packets))
	for i, p := range packets {
		lens[i] = int(p.Length)
	}
	return lens
}

// isoResultPackets rebuilds the per-packet descriptors for a RET_SUBMIT
// from the request's offsets/lengths and the adapter's per-packet
// completion results.
func isoResultPackets(req []IsoPacketDesc, actual, status []int) []IsoPacketDesc {
	out := make([]IsoPacketDesc, len(req))
	for i, p := range req {
		out[i] = p
		if i < len(actual) {
			out[i].ActualLen = uint32(actual[i])
		}
		if i < len(status) {
			out[i].Status = uint32(status[i])
		}
	}
	return out
}
