package main

import (
	"bytes"
	"testing"
)

func TestDevlistRoundTrip(t *testing.T) {
	want := RepDevlist{
		Devices: []DevlistEntry{
			{
				Record: DeviceRecord{
					Path:               "/sys/devices/usbipd/1-3",
					BusID:              "1-3",
					BusNum:             1,
					DevNum:             3,
					Speed:              SpeedHigh,
					IDVendor:           0x1234,
					IDProduct:          0x5678,
					BcdDevice:          0x0100,
					BDeviceClass:       0xff,
					BNumConfigurations: 1,
					BNumInterfaces:     2,
				},
				Interfaces: []InterfaceDesc{
					{Class: 8, SubClass: 6, Protocol: 0x50},
					{Class: 3, SubClass: 1, Protocol: 2},
				},
			},
		},
	}

	encoded := EncodeRepDevlist(want)
	got, err := DecodeRepDevlist(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(got.Devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(got.Devices))
	}
	if got.Devices[0].Record != want.Devices[0].Record {
		t.Fatalf("record mismatch: got %+v want %+v", got.Devices[0].Record, want.Devices[0].Record)
	}
	if len(got.Devices[0].Interfaces) != 2 {
		t.Fatalf("expected 2 interfaces, got %d", len(got.Devices[0].Interfaces))
	}
}

func TestDevlistEmpty(t *testing.T) {
	encoded := EncodeRepDevlist(RepDevlist{})
	want := []byte{0x01, 0x11, 0x00, 0x05, 0, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(encoded, want) {
		t.Fatalf("got % x, want % x", encoded, want)
	}

	got, err := DecodeRepDevlist(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Devices) != 0 {
		t.Fatalf("expected no devices, got %d", len(got.Devices))
	}
}

func TestImportRoundTripSuccess(t *testing.T) {
	rec := DeviceRecord{
		Path:      "/sys/devices/usbipd/1-3",
		BusID:     "1-3",
		BusNum:    1,
		DevNum:    3,
		Speed:     SpeedHigh,
		IDVendor:  0x1234,
		IDProduct: 0x5678,
	}

	encoded := EncodeRepImport(RepImport{OK: true, Record: rec})
	got, err := DecodeRepImport(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.OK {
		t.Fatal("expected OK reply")
	}
	if got.Record != rec {
		t.Fatalf("record mismatch: got %+v want %+v", got.Record, rec)
	}
}

func TestImportRoundTripFailure(t *testing.T) {
	encoded := EncodeRepImport(RepImport{OK: false})
	got, err := DecodeRepImport(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OK {
		t.Fatal("expected failure reply")
	}
}

func TestReqImportBusIDPadding(t *testing.T) {
	encoded := EncodeReqImport("1-3")
	if len(encoded) != ctrlHeaderSize+busidSize {
		t.Fatalf("unexpected length %d", len(encoded))
	}

	got, err := DecodeReqImport(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.BusID != "1-3" {
		t.Fatalf("got busid %q", got.BusID)
	}
}

func TestCmdSubmitOutRoundTrip(t *testing.T) {
	msg := CmdSubmitMsg{
		Seqnum:            42,
		Devid:             (1 << 16) | 3,
		Direction:         DirOut,
		Ep:                2,
		TransferBufferLen: 4,
		Data:              []byte{1, 2, 3, 4},
	}

	encoded := EncodeCmdSubmit(msg)
	hdr, err := decodeUrbHeader(encoded)
	if err != nil {
		t.Fatalf("header decode: %v", err)
	}
	if hdr.Command != CmdSubmit {
		t.Fatalf("got command 0x%x", hdr.Command)
	}

	got, n, err := DecodeCmdSubmit(hdr, encoded[20:])
	if err != nil {
		t.Fatalf("body decode: %v", err)
	}
	if n != len(encoded)-20 {
		t.Fatalf("consumed %d, expected %d", n, len(encoded)-20)
	}
	if !bytes.Equal(got.Data, msg.Data) {
		t.Fatalf("data mismatch: got %v want %v", got.Data, msg.Data)
	}
	if got.Seqnum != msg.Seqnum || got.Ep != msg.Ep {
		t.Fatalf("header fields mismatch: %+v", got)
	}
}

func TestCmdSubmitZeroLengthOut(t *testing.T) {
	msg := CmdSubmitMsg{Seqnum: 1, Direction: DirOut, Ep: 0, TransferBufferLen: 0}
	encoded := EncodeCmdSubmit(msg)
	hdr, _ := decodeUrbHeader(encoded)
	got, _, err := DecodeCmdSubmit(hdr, encoded[20:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Data) != 0 {
		t.Fatalf("expected empty data, got %v", got.Data)
	}
}

func TestCmdSubmitNeedMore(t *testing.T) {
	msg := CmdSubmitMsg{
		Seqnum:            1,
		Direction:         DirOut,
		Ep:                1,
		TransferBufferLen: 10,
		Data:              make([]byte, 10),
	}
	encoded := EncodeCmdSubmit(msg)
	hdr, _ := decodeUrbHeader(encoded)

	// Feed a truncated body; decoder must ask for more, never panic
	// or misparse.
	_, _, err := DecodeCmdSubmit(hdr, encoded[20:len(encoded)-3])
	if err != ErrNeedMore {
		t.Fatalf("expected ErrNeedMore, got %v", err)
	}
}

func TestUnlinkRoundTrip(t *testing.T) {
	msg := CmdUnlinkMsg{Seqnum: 8, Devid: 1, UnlinkSeqnum: 7}
	encoded := EncodeCmdUnlink(msg)
	hdr, _ := decodeUrbHeader(encoded)
	got, n, err := DecodeCmdUnlink(hdr, encoded[20:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != 28 {
		t.Fatalf("expected to consume 28 bytes, got %d", n)
	}
	if got.UnlinkSeqnum != 7 {
		t.Fatalf("got unlink_seqnum=%d", got.UnlinkSeqnum)
	}
}

func TestRetUnlinkStatusNegative(t *testing.T) {
	msg := RetUnlinkMsg{Seqnum: 8, Status: errECONNRESET}
	encoded := EncodeRetUnlink(msg)
	hdr, _ := decodeUrbHeader(encoded)
	got, _, err := DecodeRetUnlink(hdr, encoded[20:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != errECONNRESET {
		t.Fatalf("got status=%d want %d", got.Status, errECONNRESET)
	}
}

func TestDataDecoderDispatch(t *testing.T) {
	var dec DataDecoder

	submit := EncodeCmdSubmit(CmdSubmitMsg{Seqnum: 1, Direction: DirOut, TransferBufferLen: 0})
	pdu, n, err := dec.Decode(submit)
	if err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	if pdu.Kind != CmdSubmit || n != len(submit) {
		t.Fatalf("unexpected result: %+v n=%d", pdu, n)
	}

	unlink := EncodeCmdUnlink(CmdUnlinkMsg{Seqnum: 2, UnlinkSeqnum: 1})
	pdu, n, err = dec.Decode(unlink)
	if err != nil {
		t.Fatalf("decode unlink: %v", err)
	}
	if pdu.Kind != CmdUnlink || n != len(unlink) {
		t.Fatalf("unexpected result: %+v n=%d", pdu, n)
	}
}
