/* usbipd - USB/IP server daemon
 *
 * Wire codec: encoding and decoding of USB/IP control-plane and
 * data-plane PDUs, bit-exact with the Linux usbip wire format
 */

package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNeedMore is returned by the streaming decoders when the reader
// did not yet produce enough bytes to complete a PDU. Callers read
// more and retry; it is not a real protocol error.
var ErrNeedMore = errors.New("wire: need more data")

// ErrBadVersion is returned when a control-plane header carries a
// USB/IP version other than the one this server implements
var ErrBadVersion = errors.New("wire: unsupported protocol version")

// ErrBadCode is returned when a control-plane PDU carries an
// unrecognized opcode
var ErrBadCode = errors.New("wire: unrecognized opcode")

// ctrlHeader is the 8-byte common header of every control-plane PDU
type ctrlHeader struct {
	Version uint16
	Code    uint16
	Status  uint32
}

func (h ctrlHeader) encode() []byte {
	buf := make([]byte, ctrlHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Code)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	return buf
}

func decodeCtrlHeader(b []byte) (ctrlHeader, error) {
	if len(b) < ctrlHeaderSize {
		return ctrlHeader{}, ErrNeedMore
	}
	return ctrlHeader{
		Version: binary.BigEndian.Uint16(b[0:2]),
		Code:    binary.BigEndian.Uint16(b[2:4]),
		Status:  binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// DeviceRecord is the fixed-layout device description embedded in
// OP_REP_DEVLIST and OP_REP_IMPORT replies
type DeviceRecord struct {
	Path               string
	BusID              string
	BusNum             uint32
	DevNum             uint32
	Speed              uint32
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BConfigurationVal  uint8
	BNumConfigurations uint8
	BNumInterfaces     uint8
}

// InterfaceDesc is one 4-byte interface descriptor following a
// DeviceRecord inside OP_REP_DEVLIST
type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getFixedString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

func (d DeviceRecord) encode() []byte {
	buf := make([]byte, deviceRecordSize)
	putFixedString(buf[0:256], d.Path)
	putFixedString(buf[256:288], d.BusID)
	binary.BigEndian.PutUint32(buf[288:292], d.BusNum)
	binary.BigEndian.PutUint32(buf[292:296], d.DevNum)
	binary.BigEndian.PutUint32(buf[296:300], d.Speed)
	binary.BigEndian.PutUint16(buf[300:302], d.IDVendor)
	binary.BigEndian.PutUint16(buf[302:304], d.IDProduct)
	binary.BigEndian.PutUint16(buf[304:306], d.BcdDevice)
	buf[306] = d.BDeviceClass
	buf[307] = d.BDeviceSubClass
	buf[308] = d.BDeviceProtocol
	buf[309] = d.BConfigurationVal
	buf[310] = d.BNumConfigurations
	buf[311] = d.BNumInterfaces
	return buf
}

func decodeDeviceRecord(b []byte) (DeviceRecord, error) {
	if len(b) < deviceRecordSize {
		return DeviceRecord{}, ErrNeedMore
	}
	return DeviceRecord{
		Path:               getFixedString(b[0:256]),
		BusID:              getFixedString(b[256:288]),
		BusNum:             binary.BigEndian.Uint32(b[288:292]),
		DevNum:             binary.BigEndian.Uint32(b[292:296]),
		Speed:              binary.BigEndian.Uint32(b[296:300]),
		IDVendor:           binary.BigEndian.Uint16(b[300:302]),
		IDProduct:          binary.BigEndian.Uint16(b[302:304]),
		BcdDevice:          binary.BigEndian.Uint16(b[304:306]),
		BDeviceClass:       b[306],
		BDeviceSubClass:    b[307],
		BDeviceProtocol:    b[308],
		BConfigurationVal:  b[309],
		BNumConfigurations: b[310],
		BNumInterfaces:     b[311],
	}, nil
}

func (ifd InterfaceDesc) encode() []byte {
	return []byte{ifd.Class, ifd.SubClass, ifd.Protocol, 0}
}

func decodeInterfaceDesc(b []byte) (InterfaceDesc, error) {
	if len(b) < ifaceDescSize {
		return InterfaceDesc{}, ErrNeedMore
	}
	return InterfaceDesc{Class: b[0], SubClass: b[1], Protocol: b[2]}, nil
}

// ReqDevlist is OP_REQ_DEVLIST; it has no body
type ReqDevlist struct{}

// RepDevlist is OP_REP_DEVLIST
type RepDevlist struct {
	Devices []DevlistEntry
}

// DevlistEntry pairs a device record with its interface descriptors
type DevlistEntry struct {
	Record     DeviceRecord
	Interfaces []InterfaceDesc
}

// EncodeRepDevlist serializes a DEVLIST reply
func EncodeRepDevlist(r RepDevlist) []byte {
	var buf bytes.Buffer
	buf.Write(ctrlHeader{Version: UsbipVersion, Code: OpRepDevlist, Status: 0}.encode())

	n := make([]byte, 4)
	binary.BigEndian.PutUint32(n, uint32(len(r.Devices)))
	buf.Write(n)

	for _, dev := range r.Devices {
		buf.Write(dev.Record.encode())
		for _, ifd := range dev.Interfaces {
			buf.Write(ifd.encode())
		}
	}

	return buf.Bytes()
}

// DecodeRepDevlist parses a DEVLIST reply from a byte slice already
// known to contain the whole message
func DecodeRepDevlist(b []byte) (RepDevlist, error) {
	hdr, err := decodeCtrlHeader(b)
	if err != nil {
		return RepDevlist{}, err
	}
	if hdr.Version != UsbipVersion {
		return RepDevlist{}, ErrBadVersion
	}
	if hdr.Code != OpRepDevlist {
		return RepDevlist{}, ErrBadCode
	}
	b = b[ctrlHeaderSize:]

	if len(b) < 4 {
		return RepDevlist{}, ErrNeedMore
	}
	n := binary.BigEndian.Uint32(b[0:4])
	b = b[4:]

	result := RepDevlist{}
	for i := uint32(0); i < n; i++ {
		rec, err := decodeDeviceRecord(b)
		if err != nil {
			return RepDevlist{}, err
		}
		b = b[deviceRecordSize:]

		ifaces := make([]InterfaceDesc, rec.BNumInterfaces)
		for j := range ifaces {
			ifd, err := decodeInterfaceDesc(b)
			if err != nil {
				return RepDevlist{}, err
			}
			ifaces[j] = ifd
			b = b[ifaceDescSize:]
		}

		result.Devices = append(result.Devices, DevlistEntry{Record: rec, Interfaces: ifaces})
	}

	return result, nil
}

// EncodeReqDevlist serializes the DEVLIST request
func EncodeReqDevlist() []byte {
	return ctrlHeader{Version: UsbipVersion, Code: OpReqDevlist, Status: 0}.encode()
}

// ReqImport is OP_REQ_IMPORT
type ReqImport struct {
	BusID string
}

// EncodeReqImport serializes an IMPORT request
func EncodeReqImport(busid string) []byte {
	var buf bytes.Buffer
	buf.Write(ctrlHeader{Version: UsbipVersion, Code: OpReqImport, Status: 0}.encode())
	fixed := make([]byte, busidSize)
	putFixedString(fixed, busid)
	buf.Write(fixed)
	return buf.Bytes()
}

// DecodeReqImport parses a complete OP_REQ_IMPORT message
func DecodeReqImport(b []byte) (ReqImport, error) {
	hdr, err := decodeCtrlHeader(b)
	if err != nil {
		return ReqImport{}, err
	}
	if hdr.Version != UsbipVersion {
		return ReqImport{}, ErrBadVersion
	}
	if hdr.Code != OpReqImport {
		return ReqImport{}, ErrBadCode
	}
	b = b[ctrlHeaderSize:]
	if len(b) < busidSize {
		return ReqImport{}, ErrNeedMore
	}
	return ReqImport{BusID: getFixedString(b[:busidSize])}, nil
}

// RepImport is OP_REP_IMPORT
type RepImport struct {
	OK     bool
	Record DeviceRecord
}

// EncodeRepImport serializes an IMPORT reply
func EncodeRepImport(r RepImport) []byte {
	var buf bytes.Buffer
	status := uint32(0)
	if !r.OK {
		status = 1
	}
	buf.Write(ctrlHeader{Version: UsbipVersion, Code: OpRepImport, Status: status}.encode())
	if r.OK {
		buf.Write(r.Record.encode())
	}
	return buf.Bytes()
}

// DecodeRepImport parses a complete OP_REP_IMPORT message
func DecodeRepImport(b []byte) (RepImport, error) {
	hdr, err := decodeCtrlHeader(b)
	if err != nil {
		return RepImport{}, err
	}
	if hdr.Version != UsbipVersion {
		return RepImport{}, ErrBadVersion
	}
	if hdr.Code != OpRepImport {
		return RepImport{}, ErrBadCode
	}
	b = b[ctrlHeaderSize:]
	if hdr.Status != 0 {
		return RepImport{OK: false}, nil
	}
	rec, err := decodeDeviceRecord(b)
	if err != nil {
		return RepImport{}, err
	}
	return RepImport{OK: true, Record: rec}, nil
}

// PeekCtrlCode returns the opcode of a control-plane header that has
// already been read into peeked; the version and status fields are
// not checked
func PeekCtrlCode(peeked []byte) (uint16, error) {
	hdr, err := decodeCtrlHeader(peeked)
	if err != nil {
		return 0, err
	}
	return hdr.Code, nil
}

// IsoPacketDesc is one 16-byte isochronous packet descriptor
// accompanying a CMD_SUBMIT/RET_SUBMIT for an isochronous endpoint
type IsoPacketDesc struct {
	Offset      uint32
	Length      uint32
	ActualLen   uint32
	Status      uint32
}

func (p IsoPacketDesc) encode() []byte {
	buf := make([]byte, isoDescSize)
	binary.BigEndian.PutUint32(buf[0:4], p.Offset)
	binary.BigEndian.PutUint32(buf[4:8], p.Length)
	binary.BigEndian.PutUint32(buf[8:12], p.ActualLen)
	binary.BigEndian.PutUint32(buf[12:16], p.Status)
	return buf
}

func decodeIsoPacketDesc(b []byte) (IsoPacketDesc, error) {
	if len(b) < isoDescSize {
		return IsoPacketDesc{}, ErrNeedMore
	}
	return IsoPacketDesc{
		Offset:    binary.BigEndian.Uint32(b[0:4]),
		Length:    binary.BigEndian.Uint32(b[4:8]),
		ActualLen: binary.BigEndian.Uint32(b[8:12]),
		Status:    binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// urbHeader is the 20-byte header common to all four data-plane PDUs,
// preceding the 28 command-specific bytes that pad it out to 48
type urbHeader struct {
	Command   uint32
	Seqnum    uint32
	Devid     uint32
	Direction uint32
	Ep        uint32
}

func (h urbHeader) encode() []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint32(buf[0:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], h.Direction)
	binary.BigEndian.PutUint32(buf[16:20], h.Ep)
	return buf
}

func decodeUrbHeader(b []byte) (urbHeader, error) {
	if len(b) < 20 {
		return urbHeader{}, ErrNeedMore
	}
	return urbHeader{
		Command:   binary.BigEndian.Uint32(b[0:4]),
		Seqnum:    binary.BigEndian.Uint32(b[4:8]),
		Devid:     binary.BigEndian.Uint32(b[8:12]),
		Direction: binary.BigEndian.Uint32(b[12:16]),
		Ep:        binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// CmdSubmitMsg is USBIP_CMD_SUBMIT
type CmdSubmitMsg struct {
	Seqnum              uint32
	Devid               uint32
	Direction           uint32
	Ep                  uint32
	TransferFlags       uint32
	TransferBufferLen   uint32
	StartFrame          uint32
	NumberOfPackets     uint32
	Interval            uint32
	Setup               [8]byte
	Data                []byte // present for OUT transfers
	IsoPackets          []IsoPacketDesc
}

// EncodeCmdSubmit serializes a CMD_SUBMIT PDU
func EncodeCmdSubmit(m CmdSubmitMsg) []byte {
	var buf bytes.Buffer
	buf.Write(urbHeader{Command: CmdSubmit, Seqnum: m.Seqnum, Devid: m.Devid,
		Direction: m.Direction, Ep: m.Ep}.encode())

	tail := make([]byte, 28)
	binary.BigEndian.PutUint32(tail[0:4], m.TransferFlags)
	binary.BigEndian.PutUint32(tail[4:8], m.TransferBufferLen)
	binary.BigEndian.PutUint32(tail[8:12], m.StartFrame)
	binary.BigEndian.PutUint32(tail[12:16], m.NumberOfPackets)
	binary.BigEndian.PutUint32(tail[16:20], m.Interval)
	copy(tail[20:28], m.Setup[:])
	buf.Write(tail)

	if m.Direction == DirOut {
		buf.Write(m.Data)
	}
	for _, p := range m.IsoPackets {
		buf.Write(p.encode())
	}

	return buf.Bytes()
}

// submitBodyReady reports whether avail (the count of bytes following
// the 48-byte common header) covers a complete CMD_SUBMIT body for the given
// direction and transfer_buffer_length/number_of_packets already
// parsed from the fixed part of the header.
func submitBodyReady(dir uint32, transferLen, numPackets uint32, avail int) bool {
	need := 0
	if dir == DirOut {
		need += int(transferLen)
	}
	need += int(numPackets) * isoDescSize
	return avail >= need
}

// DecodeCmdSubmit decodes a CMD_SUBMIT whose 20-byte basic header
// has already been consumed from b; b must contain at least the
// 28-byte SUBMIT-specific tail, and the decoder reports ErrNeedMore
// until the variable-length tail (payload + iso descriptors) is
// fully present.
func DecodeCmdSubmit(hdr urbHeader, b []byte) (CmdSubmitMsg, int, error) {
	if len(b) < 28 {
		return CmdSubmitMsg{}, 0, ErrNeedMore
	}

	m := CmdSubmitMsg{
		Seqnum:            hdr.Seqnum,
		Devid:             hdr.Devid,
		Direction:         hdr.Direction,
		Ep:                hdr.Ep,
		TransferFlags:     binary.BigEndian.Uint32(b[0:4]),
		TransferBufferLen: binary.BigEndian.Uint32(b[4:8]),
		StartFrame:        binary.BigEndian.Uint32(b[8:12]),
		NumberOfPackets:   binary.BigEndian.Uint32(b[12:16]),
		Interval:          binary.BigEndian.Uint32(b[16:20]),
	}
	copy(m.Setup[:], b[20:28])
	rest := b[28:]

	if !submitBodyReady(m.Direction, m.TransferBufferLen, m.NumberOfPackets, len(rest)) {
		return CmdSubmitMsg{}, 0, ErrNeedMore
	}

	consumed := 28
	if m.Direction == DirOut {
		m.Data = append([]byte(nil), rest[:m.TransferBufferLen]...)
		rest = rest[m.TransferBufferLen:]
		consumed += int(m.TransferBufferLen)
	}

	for i := uint32(0); i < m.NumberOfPackets; i++ {
		p, err := decodeIsoPacketDesc(rest)
		if err != nil {
			return CmdSubmitMsg{}, 0, err
		}
		m.IsoPackets = append(m.IsoPackets, p)
		rest = rest[isoDescSize:]
		consumed += isoDescSize
	}

	return m, consumed, nil
}

// RetSubmitMsg is USBIP_RET_SUBMIT
type RetSubmitMsg struct {
	Seqnum          uint32
	Devid           uint32
	Direction       uint32
	Ep              uint32
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Data            []byte
	IsoPackets      []IsoPacketDesc
}

// EncodeRetSubmit serializes a RET_SUBMIT PDU
func EncodeRetSubmit(m RetSubmitMsg) []byte {
	var buf bytes.Buffer
	buf.Write(urbHeader{Command: RetSubmit, Seqnum: m.Seqnum, Devid: m.Devid,
		Direction: m.Direction, Ep: m.Ep}.encode())

	tail := make([]byte, 28)
	binary.BigEndian.PutUint32(tail[0:4], uint32(m.Status))
	binary.BigEndian.PutUint32(tail[4:8], m.ActualLength)
	binary.BigEndian.PutUint32(tail[8:12], m.StartFrame)
	binary.BigEndian.PutUint32(tail[12:16], m.NumberOfPackets)
	binary.BigEndian.PutUint32(tail[16:20], m.ErrorCount)
	buf.Write(tail)

	if m.Direction == DirIn {
		buf.Write(m.Data)
	}
	for _, p := range m.IsoPackets {
		buf.Write(p.encode())
	}

	return buf.Bytes()
}

// DecodeRetSubmit mirrors DecodeCmdSubmit for the reply direction.
// The server never decodes RET_SUBMIT, and no test calls it.
func DecodeRetSubmit(hdr urbHeader, b []byte) (RetSubmitMsg, int, error) {
	if len(b) < 28 {
		return RetSubmitMsg{}, 0, ErrNeedMore
	}

	m := RetSubmitMsg{
		Seqnum:          hdr.Seqnum,
		Devid:           hdr.Devid,
		Direction:       hdr.Direction,
		Ep:              hdr.Ep,
		Status:          int32(binary.BigEndian.Uint32(b[0:4])),
		ActualLength:    binary.BigEndian.Uint32(b[4:8]),
		StartFrame:      binary.BigEndian.Uint32(b[8:12]),
		NumberOfPackets: binary.BigEndian.Uint32(b[12:16]),
		ErrorCount:      binary.BigEndian.Uint32(b[16:20]),
	}
	rest := b[28:]

	inLen := uint32(0)
	if m.Direction == DirIn {
		inLen = m.ActualLength
	}
	if !submitBodyReady(invertDir(m.Direction), inLen, m.NumberOfPackets, len(rest)) {
		return RetSubmitMsg{}, 0, ErrNeedMore
	}

	consumed := 28
	if m.Direction == DirIn {
		m.Data = append([]byte(nil), rest[:inLen]...)
		rest = rest[inLen:]
		consumed += int(inLen)
	}
	for i := uint32(0); i < m.NumberOfPackets; i++ {
		p, err := decodeIsoPacketDesc(rest)
		if err != nil {
			return RetSubmitMsg{}, 0, err
		}
		m.IsoPackets = append(m.IsoPackets, p)
		rest = rest[isoDescSize:]
		consumed += isoDescSize
	}

	return m, consumed, nil
}

func invertDir(dir uint32) uint32 {
	if dir == DirIn {
		return DirOut
	}
	return DirIn
}

// CmdUnlinkMsg is USBIP_CMD_UNLINK
type CmdUnlinkMsg struct {
	Seqnum       uint32
	Devid        uint32
	Direction    uint32
	Ep           uint32
	UnlinkSeqnum uint32
}

// EncodeCmdUnlink serializes a CMD_UNLINK PDU
func EncodeCmdUnlink(m CmdUnlinkMsg) []byte {
	var buf bytes.Buffer
	buf.Write(urbHeader{Command: CmdUnlink, Seqnum: m.Seqnum, Devid: m.Devid,
		Direction: m.Direction, Ep: m.Ep}.encode())
	tail := make([]byte, 28)
	binary.BigEndian.PutUint32(tail[0:4], m.UnlinkSeqnum)
	buf.Write(tail)
	return buf.Bytes()
}

// DecodeCmdUnlink decodes a CMD_UNLINK whose 20-byte basic header
// has already been consumed from b
func DecodeCmdUnlink(hdr urbHeader, b []byte) (CmdUnlinkMsg, int, error) {
	if len(b) < 28 {
		return CmdUnlinkMsg{}, 0, ErrNeedMore
	}
	m := CmdUnlinkMsg{
		Seqnum:       hdr.Seqnum,
		Devid:        hdr.Devid,
		Direction:    hdr.Direction,
		Ep:           hdr.Ep,
		UnlinkSeqnum: binary.BigEndian.Uint32(b[0:4]),
	}
	return m, 28, nil
}

// RetUnlinkMsg is USBIP_RET_UNLINK
type RetUnlinkMsg struct {
	Seqnum    uint32
	Devid     uint32
	Direction uint32
	Ep        uint32
	Status    int32
}

// EncodeRetUnlink serializes a RET_UNLINK PDU
func EncodeRetUnlink(m RetUnlinkMsg) []byte {
	var buf bytes.Buffer
	buf.Write(urbHeader{Command: RetUnlink, Seqnum: m.Seqnum, Devid: m.Devid,
		Direction: m.Direction, Ep: m.Ep}.encode())
	tail := make([]byte, 28)
	binary.BigEndian.PutUint32(tail[0:4], uint32(m.Status))
	buf.Write(tail)
	return buf.Bytes()
}

// DecodeRetUnlink decodes a RET_UNLINK whose 20-byte basic header
// has already been consumed from b
func DecodeRetUnlink(hdr urbHeader, b []byte) (RetUnlinkMsg, int, error) {
	if len(b) < 28 {
		return RetUnlinkMsg{}, 0, ErrNeedMore
	}
	m := RetUnlinkMsg{
		Seqnum:    hdr.Seqnum,
		Devid:     hdr.Devid,
		Direction: hdr.Direction,
		Ep:        hdr.Ep,
		Status:    int32(binary.BigEndian.Uint32(b[0:4])),
	}
	return m, 28, nil
}

// DataPDU is the decoded form of whichever data-plane PDU arrived
type DataPDU struct {
	Kind   uint32 // CmdSubmit or CmdUnlink
	Submit CmdSubmitMsg
	Unlink CmdUnlinkMsg
}

// DataDecoder incrementally decodes the data-plane stream of an
// ATTACHED session. It is fed raw bytes and, once a PDU is complete,
// returns it along with the number of bytes consumed.
type DataDecoder struct{}

// Decode attempts to decode one data-plane PDU from the front of buf.
// On success it returns the PDU and the number of bytes consumed. If
// buf does not yet hold a complete PDU, it returns ErrNeedMore and
// the caller should read more bytes and retry with a longer buf.
func (DataDecoder) Decode(buf []byte) (DataPDU, int, error) {
	hdr, err := decodeUrbHeader(buf)
	if err != nil {
		return DataPDU{}, 0, err
	}
	rest := buf[20:]

	switch hdr.Command {
	case CmdSubmit:
		m, n, err := DecodeCmdSubmit(hdr, rest)
		if err != nil {
			return DataPDU{}, 0, err
		}
		return DataPDU{Kind: CmdSubmit, Submit: m}, 20 + n, nil
	case CmdUnlink:
		m, n, err := DecodeCmdUnlink(hdr, rest)
		if err != nil {
			return DataPDU{}, 0, err
		}
		return DataPDU{Kind: CmdUnlink, Unlink: m}, 20 + n, nil
	default:
		return DataPDU{}, 0, fmt.Errorf("wire: unexpected data-plane command 0x%x", hdr.Command)
	}
}

// ReadFull is a small helper used by the session's ingress loop: it
// reads exactly n bytes from r, distinguishing a clean EOF at the
// very first byte (connection closed between PDUs, not an error)
// from a truncated PDU (always an error).
func ReadFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}
