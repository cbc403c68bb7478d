package chshare

import (
	"net"
	"testing"
	"time"
)

func TestNetSocketTCPSendRecv(t *testing.T) {
	log := testLogger(t)
	ln := NewNetSocket(log)
	if err := ln.ListenTCP(net.IPv4(127, 0, 0, 1), 0); err != nil {
		t.Fatalf("ListenTCP: %s", err)
	}
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)

	acceptedCh := make(chan *NetSocket, 1)
	go func() {
		accepted, err := ln.Accept()
		if err != nil {
			t.Errorf("Accept: %s", err)
			return
		}
		acceptedCh <- accepted
	}()

	client := NewNetSocket(log)
	if err := client.ConnectTCP(nil, "127.0.0.1", addr.Port); err != nil {
		t.Fatalf("ConnectTCP: %s", err)
	}
	defer client.Close()

	var server *NetSocket
	select {
	case server = <-acceptedCh:
	case <-time.After(time.Second):
		t.Fatal("Accept never returned")
	}
	defer server.Close()

	msg := []byte("hello, echolink")
	if err := client.Send(msg); err != nil {
		t.Fatalf("Send: %s", err)
	}
	buf := make([]byte, len(msg))
	if err := server.Recv(buf); err != nil {
		t.Fatalf("Recv: %s", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("Recv got %q, want %q", buf, msg)
	}
	if server.GetNumBytesRead() != int64(len(msg)) {
		t.Fatalf("GetNumBytesRead() = %d, want %d", server.GetNumBytesRead(), len(msg))
	}
}

func TestNetSocketCloseDoesNotAffectListener(t *testing.T) {
	log := testLogger(t)
	ln := NewNetSocket(log)
	if err := ln.ListenTCP(net.IPv4(127, 0, 0, 1), 0); err != nil {
		t.Fatalf("ListenTCP: %s", err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	acceptedCh := make(chan *NetSocket, 1)
	go func() {
		accepted, _ := ln.Accept()
		acceptedCh <- accepted
	}()

	client := NewNetSocket(log)
	if err := client.ConnectTCP(nil, "127.0.0.1", addr.Port); err != nil {
		t.Fatalf("ConnectTCP: %s", err)
	}

	var server *NetSocket
	select {
	case server = <-acceptedCh:
	case <-time.After(time.Second):
		t.Fatal("Accept never returned")
	}

	if err := server.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	// listener must still accept a second connection
	client2 := NewNetSocket(log)
	if err := client2.ConnectTCP(nil, "127.0.0.1", addr.Port); err != nil {
		t.Fatalf("ConnectTCP after sibling Close: %s", err)
	}
	defer client2.Close()
	defer client.Close()
}

func TestNetSocketShutdownUnblocksRecv(t *testing.T) {
	log := testLogger(t)
	ln := NewNetSocket(log)
	if err := ln.ListenTCP(net.IPv4(127, 0, 0, 1), 0); err != nil {
		t.Fatalf("ListenTCP: %s", err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	acceptedCh := make(chan *NetSocket, 1)
	go func() {
		accepted, _ := ln.Accept()
		acceptedCh <- accepted
	}()

	client := NewNetSocket(log)
	if err := client.ConnectTCP(nil, "127.0.0.1", addr.Port); err != nil {
		t.Fatalf("ConnectTCP: %s", err)
	}
	defer client.Close()

	var server *NetSocket
	select {
	case server = <-acceptedCh:
	case <-time.After(time.Second):
		t.Fatal("Accept never returned")
	}

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		errCh <- server.Recv(buf)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := server.DropActive(); err != nil {
		t.Fatalf("DropActive: %s", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Recv to return an error after DropActive")
		}
		if kind := ClassifyKind(err); !IsQuietUnwind(kind) {
			t.Fatalf("ClassifyKind(%v) = %s, want a quiet-unwind kind", err, kind)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv never unblocked after DropActive")
	}
}

func TestNetSocketUDPSendTo(t *testing.T) {
	log := testLogger(t)
	a := NewNetSocket(log)
	if err := a.BindUDP(net.IPv4(127, 0, 0, 1), 0); err != nil {
		t.Fatalf("BindUDP a: %s", err)
	}
	defer a.Close()
	b := NewNetSocket(log)
	if err := b.BindUDP(net.IPv4(127, 0, 0, 1), 0); err != nil {
		t.Fatalf("BindUDP b: %s", err)
	}
	defer b.Close()

	bAddr := b.Addr().(*net.UDPAddr)
	payload := []byte("udp hello")
	if err := a.SendTo(payload, net.IPv4(127, 0, 0, 1), bAddr.Port); err != nil {
		t.Fatalf("SendTo: %s", err)
	}

	buf := make([]byte, 64)
	n, remoteIP, _, err := b.RecvAny(buf)
	if err != nil {
		t.Fatalf("RecvAny: %s", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("RecvAny got %q, want %q", buf[:n], payload)
	}
	if !remoteIP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("remoteIP = %s, want 127.0.0.1", remoteIP)
	}
}
