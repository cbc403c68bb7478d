package chshare

import (
	"net"
	"testing"
	"time"
)

// newLoopbackPair returns two connected NetSockets over a real TCP
// loopback connection, for exercising Slot logic that only needs a
// client_link and never opens the UDP/TCP upstream sockets.
func newLoopbackPair(t *testing.T) (server, client *NetSocket) {
	t.Helper()
	log := testLogger(t)
	ln := NewNetSocket(log)
	if err := ln.ListenTCP(net.IPv4(127, 0, 0, 1), 0); err != nil {
		t.Fatalf("ListenTCP: %s", err)
	}
	addr := ln.Addr().(*net.TCPAddr)

	acceptedCh := make(chan *NetSocket, 1)
	go func() {
		accepted, _ := ln.Accept()
		acceptedCh <- accepted
	}()

	client = NewNetSocket(log)
	if err := client.ConnectTCP(nil, "127.0.0.1", addr.Port); err != nil {
		t.Fatalf("ConnectTCP: %s", err)
	}

	select {
	case server = <-acceptedCh:
	case <-time.After(time.Second):
		t.Fatal("Accept never returned")
	}
	ln.Close()
	return server, client
}

func TestSlotAuthenticateBadPassword(t *testing.T) {
	cfg := &ProxyConfig{Port: 8100, Password: "PUBLIC"}
	if err := cfg.resolve(); err != nil {
		t.Fatalf("resolve: %s", err)
	}
	slot := NewSlot(0, net.IPv4(127, 0, 0, 1), cfg, testLogger(t))

	server, client := newLoopbackPair(t)
	defer server.Close()
	defer client.Close()

	resultCh := make(chan bool, 1)
	go func() {
		ok, _ := slot.authenticate(server)
		resultCh <- ok
	}()

	// proxy's 8 hex nonce bytes
	nonceBuf := make([]byte, 8)
	if err := client.Recv(nonceBuf); err != nil {
		t.Fatalf("Recv nonce: %s", err)
	}

	// respond with the right callsign but a wrong 16-byte response
	callsign := "KM0H"
	msg := append([]byte(callsign+"\n"), make([]byte, 16)...)
	if err := client.Send(msg); err != nil {
		t.Fatalf("Send: %s", err)
	}

	select {
	case ok := <-resultCh:
		if ok {
			t.Fatal("authenticate succeeded with a wrong password response")
		}
	case <-time.After(time.Second):
		t.Fatal("authenticate never returned")
	}

	sysBuf := make([]byte, HeaderSize+1)
	if err := client.Recv(sysBuf); err != nil {
		t.Fatalf("Recv SYSTEM frame: %s", err)
	}
	hdr, err := UnmarshalFrameHeader(sysBuf[:HeaderSize])
	if err != nil {
		t.Fatalf("UnmarshalFrameHeader: %s", err)
	}
	if hdr.Type != MsgSystem {
		t.Fatalf("frame type = %s, want SYSTEM", hdr.Type)
	}
	if sysBuf[HeaderSize] != SystemBadPassword {
		t.Fatalf("SYSTEM payload = %d, want SystemBadPassword", sysBuf[HeaderSize])
	}
}

func TestSlotAuthenticateGoodPasswordBadCallsign(t *testing.T) {
	cfg := &ProxyConfig{Port: 8100, Password: "PUBLIC", CallsignsAllowed: "^KM0H$"}
	if err := cfg.resolve(); err != nil {
		t.Fatalf("resolve: %s", err)
	}
	slot := NewSlot(0, net.IPv4(127, 0, 0, 1), cfg, testLogger(t))

	server, client := newLoopbackPair(t)
	defer server.Close()
	defer client.Close()

	resultCh := make(chan bool, 1)
	go func() {
		ok, _ := slot.authenticate(server)
		resultCh <- ok
	}()

	nonceBuf := make([]byte, 8)
	if err := client.Recv(nonceBuf); err != nil {
		t.Fatalf("Recv nonce: %s", err)
	}
	nonce, err := Hex8ToNonce(string(nonceBuf))
	if err != nil {
		t.Fatalf("Hex8ToNonce: %s", err)
	}
	response := ExpectedPasswordResponse("PUBLIC", nonce)

	callsign := "W1AW"
	msg := append([]byte(callsign+"\n"), response[:]...)
	if err := client.Send(msg); err != nil {
		t.Fatalf("Send: %s", err)
	}

	select {
	case ok := <-resultCh:
		if ok {
			t.Fatal("authenticate succeeded for a callsign not in calls_allowed")
		}
	case <-time.After(time.Second):
		t.Fatal("authenticate never returned")
	}

	sysBuf := make([]byte, HeaderSize+1)
	if err := client.Recv(sysBuf); err != nil {
		t.Fatalf("Recv SYSTEM frame: %s", err)
	}
	if sysBuf[HeaderSize] != SystemAccessDenied {
		t.Fatalf("SYSTEM payload = %d, want SystemAccessDenied", sysBuf[HeaderSize])
	}
}

func TestSlotAuthenticateSuccess(t *testing.T) {
	cfg := &ProxyConfig{Port: 8100, Password: "PUBLIC", CallsignsAllowed: "^KM0H$"}
	if err := cfg.resolve(); err != nil {
		t.Fatalf("resolve: %s", err)
	}
	slot := NewSlot(0, net.IPv4(127, 0, 0, 1), cfg, testLogger(t))

	server, client := newLoopbackPair(t)
	defer server.Close()
	defer client.Close()

	type authResult struct {
		ok       bool
		callsign string
	}
	resultCh := make(chan authResult, 1)
	go func() {
		ok, callsign := slot.authenticate(server)
		resultCh <- authResult{ok, callsign}
	}()

	nonceBuf := make([]byte, 8)
	if err := client.Recv(nonceBuf); err != nil {
		t.Fatalf("Recv nonce: %s", err)
	}
	nonce, err := Hex8ToNonce(string(nonceBuf))
	if err != nil {
		t.Fatalf("Hex8ToNonce: %s", err)
	}
	response := ExpectedPasswordResponse("PUBLIC", nonce)

	msg := append([]byte("KM0H\n"), response[:]...)
	if err := client.Send(msg); err != nil {
		t.Fatalf("Send: %s", err)
	}

	select {
	case r := <-resultCh:
		if !r.ok {
			t.Fatal("authenticate failed for a correct password and allowed callsign")
		}
		if r.callsign != "KM0H" {
			t.Fatalf("callsign = %q, want KM0H", r.callsign)
		}
	case <-time.After(time.Second):
		t.Fatal("authenticate never returned")
	}
}

func TestSlotIsFreeInitially(t *testing.T) {
	cfg := &ProxyConfig{Port: 8100, Password: "PUBLIC"}
	cfg.resolve()
	slot := NewSlot(0, net.IPv4(127, 0, 0, 1), cfg, testLogger(t))
	if !slot.IsFree() {
		t.Fatal("a freshly created slot should report Free")
	}
}
