package main

import (
	"net"
	"testing"
	"time"
)

func newTestSession(t *testing.T, table *ExportTable) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	sess := NewSession(server, nil, table, NewLogger())
	return sess, client
}

func TestHandleDevlistEmpty(t *testing.T) {
	table := NewExportTable()
	sess, client := newTestSession(t, table)

	errc := make(chan error, 1)
	go func() { errc <- sess.handleDevlist() }()

	buf := make([]byte, ctrlHeaderSize+4)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := readAll(client, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	rep, err := DecodeRepDevlist(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rep.Devices) != 0 {
		t.Fatalf("expected no devices, got %d", len(rep.Devices))
	}
	if err := <-errc; err != nil {
		t.Fatalf("handleDevlist: %v", err)
	}
}

func TestHandleDevlistListsExported(t *testing.T) {
	table := NewExportTable()
	table.Replace([]LiveDevice{
		{Path: DevPath{Bus: 1, Ports: []int{2}}, DevNum: 1, VendorID: 0x1234, ProductID: 0x5678},
	})

	sess, client := newTestSession(t, table)

	errc := make(chan error, 1)
	go func() { errc <- sess.handleDevlist() }()

	buf := make([]byte, ctrlHeaderSize+4+deviceRecordSize)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := readAll(client, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	rep, err := DecodeRepDevlist(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rep.Devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(rep.Devices))
	}
	if rep.Devices[0].Record.BusID != "1-2" {
		t.Fatalf("unexpected busid %q", rep.Devices[0].Record.BusID)
	}
	if err := <-errc; err != nil {
		t.Fatalf("handleDevlist: %v", err)
	}
}

func TestHandleImportUnknownBusID(t *testing.T) {
	table := NewExportTable()
	sess, client := newTestSession(t, table)

	reqBytes := EncodeReqImport("7-1")

	errc := make(chan error, 1)
	go func() { errc <- sess.handleImport(reqBytes) }()

	buf := make([]byte, ctrlHeaderSize)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := readAll(client, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	rep, err := DecodeRepImport(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.OK {
		t.Fatal("expected import of unknown busid to fail")
	}
	if err := <-errc; err != ErrImportRejected {
		t.Fatalf("handleImport: expected ErrImportRejected, got %v", err)
	}
}

func TestFlushEndpointPreservesOrder(t *testing.T) {
	table := NewExportTable()
	sess, client := newTestSession(t, table)
	go func() {
		buf := make([]byte, 2*urbHeaderSize)
		readAll(client, buf)
	}()

	sess.pendingByEP[1] = []uint32{10, 11}
	sess.results[11] = RetSubmitMsg{Seqnum: 11, Ep: 1}

	// seqnum 11 finished first but isn't at the head of the endpoint-1
	// queue, so nothing should be written back yet
	sess.flushEndpoint(1)
	if _, ready := sess.results[11]; !ready {
		t.Fatal("result for seqnum 11 was flushed out of order")
	}

	sess.results[10] = RetSubmitMsg{Seqnum: 10, Ep: 1}
	sess.flushEndpoint(1)

	if len(sess.pendingByEP[1]) != 0 {
		t.Fatalf("expected queue drained, got %v", sess.pendingByEP[1])
	}
	if _, stillThere := sess.results[10]; stillThere {
		t.Fatal("seqnum 10 result was not flushed")
	}
	if _, stillThere := sess.results[11]; stillThere {
		t.Fatal("seqnum 11 result was not flushed")
	}
}

func readAll(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
