package chshare

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/sammck-go/logger"
)

// SlotState is one of the four states of a slot's occupancy (§3)
type SlotState int

const (
	// SlotFree means no client is connected and the slot is available
	SlotFree SlotState = iota
	// SlotAuthenticating means a client has been accepted and the
	// handshake of §4.5 is in progress
	SlotAuthenticating
	// SlotRunning means the handshake succeeded and the four concurrent
	// flows of §4.6 are active
	SlotRunning
	// SlotDraining is reserved for a session in the process of tearing
	// down; currently folded into the teardown path directly, kept as a
	// named state for callers that want to distinguish "about to be free"
	// from "free" in diagnostics
	SlotDraining
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "Free"
	case SlotAuthenticating:
		return "Authenticating"
	case SlotRunning:
		return "Running"
	case SlotDraining:
		return "Draining"
	default:
		return "Unknown"
	}
}

// Slot is one occupant of the proxy's slot pool (§3, §4.5-§4.7). Its
// client manager thread is modeled directly as a Worker (§4.2): each
// time a connection is offered via TryOffer, Wake() runs runSession once
// to completion (the full authentication handshake plus the client
// frame-dispatch loop), after which the worker returns to Idle, ready
// for the slot's next occupant.
type Slot struct {
	Log logger.Logger
	Cfg *ProxyConfig

	Index      int
	SourceAddr net.IP

	// OnOccupancyChange is invoked whenever this slot's Running/Free
	// transition happens, so the server can keep aggregate slot counts
	// for the registration reporter (§4.8) up to date.
	OnOccupancyChange func()

	worker *Worker

	// clientLock is the RW lock named client_lock in §4.6: readers are
	// forwarder threads consulting clientLink/connControl/connData;
	// the exclusive holder is whichever code transitions slot state.
	clientLock *RWCond
	state      SlotState
	clientLink *NetSocket
	callsign   string

	pendingConn *NetSocket

	connControl *NetSocket
	connData    *NetSocket

	connTCPLock  sync.Mutex
	connTCP      *NetSocket
	tcpCloseOnce *sync.Once

	udpControlThread *Thread
	udpDataThread    *Thread
	tcpThread        *Thread

	// clientSendLock is client_send_lock of §4.6: serializes all writes
	// to clientLink across the manager and the three forwarder threads.
	clientSendLock sync.Mutex

	stats ConnStats
}

// NewSlot creates a slot bound to sourceAddr, not yet started.
func NewSlot(index int, sourceAddr net.IP, cfg *ProxyConfig, log logger.Logger) *Slot {
	s := &Slot{
		Log:        log,
		Cfg:        cfg,
		Index:      index,
		SourceAddr: sourceAddr,
		clientLock: NewRWCond(),
		state:      SlotFree,
	}
	s.worker = NewWorker(log, s.runSession, 0)
	return s
}

// Open starts the slot's worker, entering Idle, ready to accept a client
// (§4.7's open(): "start each slot's worker (it enters Idle)").
func (s *Slot) Open() error {
	return s.worker.Start()
}

// IsFree is a non-blocking query of slot occupancy, used by the server's
// admission walk (§4.7's process()).
func (s *Slot) IsFree() bool {
	s.clientLock.RLock()
	defer s.clientLock.RUnlock()
	return s.state == SlotFree
}

// TryOffer attempts to hand conn to this slot. Returns false without
// side effects if the slot is not Free.
func (s *Slot) TryOffer(conn *NetSocket) bool {
	s.clientLock.Lock()
	if s.state != SlotFree {
		s.clientLock.Unlock()
		return false
	}
	s.state = SlotAuthenticating
	s.pendingConn = conn
	s.clientLock.Unlock()

	if err := s.worker.Wake(); err != nil {
		s.clientLock.Lock()
		s.state = SlotFree
		s.pendingConn = nil
		s.clientLock.Unlock()
		return false
	}
	return true
}

// Drop unblocks this slot's manager thread if it is currently serving a
// client, by dropping the client link (§4.6 Shutdown path 4, §4.7's
// drop()).
func (s *Slot) Drop() {
	s.clientLock.RLock()
	link := s.clientLink
	s.clientLock.RUnlock()
	if link != nil {
		link.DropActive()
	}
}

// Close drops any active client and waits for the slot's worker to stop.
func (s *Slot) Close() error {
	s.Drop()
	return s.worker.Join()
}

// String renders occupancy for the SIGUSR2 stats dump
func (s *Slot) String() string {
	s.clientLock.RLock()
	defer s.clientLock.RUnlock()
	if s.state == SlotFree {
		return fmt.Sprintf("slot[%d]: free %s", s.Index, &s.stats)
	}
	return fmt.Sprintf("slot[%d]: %s callsign=%q %s", s.Index, s.state, s.callsign, &s.stats)
}

// runSession is the Worker body: it consumes pendingConn, runs the
// authentication handshake, and if successful runs the client's session
// to completion. It always returns with the slot back in SlotFree.
func (s *Slot) runSession() {
	s.clientLock.Lock()
	conn := s.pendingConn
	s.pendingConn = nil
	s.clientLock.Unlock()
	if conn == nil {
		return
	}

	s.stats.New()
	s.stats.Open()
	defer s.stats.Close()

	ok, callsign := s.authenticate(conn)
	if !ok {
		conn.Close()
		s.clientLock.Lock()
		s.state = SlotFree
		s.clientLock.Unlock()
		return
	}

	connControl := NewNetSocket(s.Log.ForkLog(fmt.Sprintf("slot%d-ctrl", s.Index)))
	if err := connControl.BindUDP(s.SourceAddr, 5199); err != nil {
		s.Log.ELogf("slot %d: failed to open UDP control socket: %s", s.Index, err)
		conn.Close()
		s.clientLock.Lock()
		s.state = SlotFree
		s.clientLock.Unlock()
		return
	}
	connData := NewNetSocket(s.Log.ForkLog(fmt.Sprintf("slot%d-data", s.Index)))
	if err := connData.BindUDP(s.SourceAddr, 5198); err != nil {
		s.Log.ELogf("slot %d: failed to open UDP data socket: %s", s.Index, err)
		connControl.Close()
		conn.Close()
		s.clientLock.Lock()
		s.state = SlotFree
		s.clientLock.Unlock()
		return
	}

	s.clientLock.Lock()
	s.clientLink = conn
	s.connControl = connControl
	s.connData = connData
	s.callsign = callsign
	s.state = SlotRunning
	s.clientLock.Unlock()
	s.notifyOccupancy()

	s.udpControlThread = NewThread(fmt.Sprintf("slot%d-udp-control", s.Index), func() error {
		return s.udpForwarderLoop(connControl, MsgUDPControl)
	})
	s.udpDataThread = NewThread(fmt.Sprintf("slot%d-udp-data", s.Index), func() error {
		return s.udpForwarderLoop(connData, MsgUDPData)
	})
	s.udpControlThread.Start()
	s.udpDataThread.Start()

	s.manageSession(conn)

	s.teardownSession()
	s.notifyOccupancy()
}

func (s *Slot) notifyOccupancy() {
	if s.OnOccupancyChange != nil {
		s.OnOccupancyChange()
	}
}

// authenticate implements the §4.5 handshake exactly, including its
// byte-offset arithmetic.
func (s *Slot) authenticate(conn *NetSocket) (ok bool, callsign string) {
	nonce, err := NewNonce()
	if err != nil {
		s.Log.ELogf("slot %d: failed to generate nonce: %s", s.Index, err)
		return false, ""
	}
	if err := conn.Send([]byte(NonceToHex8(nonce))); err != nil {
		return false, ""
	}
	expected := ExpectedPasswordResponse(s.Cfg.Password, nonce)

	buf := make([]byte, 16, 27)
	if err := conn.Recv(buf); err != nil {
		return false, ""
	}
	nlIdx := bytes.IndexByte(buf[:11], '\n')
	if nlIdx < 0 {
		s.Log.WLogf("slot %d: handshake has no callsign terminator in first 11 bytes", s.Index)
		return false, ""
	}
	callsignLen := nlIdx
	extra := callsignLen + 1
	buf = append(buf, make([]byte, extra)...)
	if err := conn.Recv(buf[16 : 16+extra]); err != nil {
		return false, ""
	}

	var response Digest
	copy(response[:], buf[nlIdx+1:nlIdx+1+16])
	callsign = string(buf[:callsignLen])

	if !response.Equal(expected) {
		s.sendLocked(conn, MsgSystem, 0, []byte{SystemBadPassword})
		return false, ""
	}
	if !s.Cfg.IsCallsignAuthorized(callsign) {
		s.sendLocked(conn, MsgSystem, 0, []byte{SystemAccessDenied})
		return false, ""
	}
	return true, callsign
}

func (s *Slot) sendLocked(conn *NetSocket, msgType MsgType, address uint32, payload []byte) error {
	s.clientSendLock.Lock()
	defer s.clientSendLock.Unlock()
	return WriteFrame(conn, msgType, address, payload)
}

// manageSession is the client manager thread's read-dispatch loop (§4.6,
// "Client-received frame handling"). It returns when the client link is
// no longer readable, or on a protocol violation.
func (s *Slot) manageSession(conn *NetSocket) {
	hdrBuf := make([]byte, HeaderSize)
	for {
		if err := conn.Recv(hdrBuf); err != nil {
			return
		}
		hdr, err := UnmarshalFrameHeader(hdrBuf)
		if err != nil {
			return
		}
		switch hdr.Type {
		case MsgTCPOpen:
			s.handleTCPOpen(hdr)
		case MsgTCPData:
			if err := s.handleTCPData(hdr); err != nil {
				return
			}
		case MsgTCPClose:
			s.handleTCPClose()
		case MsgUDPData:
			if err := s.handleUDPPayload(hdr, s.connData, 5198); err != nil {
				return
			}
		case MsgUDPControl:
			if err := s.handleUDPPayload(hdr, s.connControl, 5199); err != nil {
				return
			}
		default:
			s.Log.WLogf("slot %d: invalid frame type %v, terminating session", s.Index, hdr.Type)
			return
		}
	}
}

func (s *Slot) handleTCPOpen(hdr FrameHeader) {
	ip := IPFromAddress(hdr.Address)
	var status uint32
	ns := NewNetSocket(s.Log.ForkLog(fmt.Sprintf("slot%d-tcp", s.Index)))
	if err := ns.ConnectTCP(s.SourceAddr, ip.String(), 5200); err != nil {
		s.Log.WLogf("slot %d: TCP_OPEN to %s:5200 failed: %s", s.Index, ip, err)
		status = 1
	} else {
		s.connTCPLock.Lock()
		s.connTCP = ns
		s.tcpCloseOnce = &sync.Once{}
		s.connTCPLock.Unlock()

		s.tcpThread = NewThread(fmt.Sprintf("slot%d-tcp", s.Index), s.tcpForwarderLoop)
		s.tcpThread.Start()
	}

	statusBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(statusBuf, status)
	s.sendLocked(s.clientLink, MsgTCPStatus, 0, statusBuf)
}

func (s *Slot) handleTCPData(hdr FrameHeader) error {
	var sendErr error
	readErr := DrainChunks(s.clientLink, hdr.Size, MaxPayloadChunk, func(chunk []byte) error {
		s.connTCPLock.Lock()
		conn := s.connTCP
		s.connTCPLock.Unlock()
		if conn == nil {
			return nil
		}
		if e := conn.Send(chunk); e != nil {
			sendErr = e
			return e
		}
		return nil
	})
	if sendErr != nil {
		s.closeUpstreamTCP()
		s.sendTCPCloseOnce()
	}
	if readErr != nil && readErr != sendErr {
		return readErr
	}
	return nil
}

func (s *Slot) handleTCPClose() {
	s.closeUpstreamTCP()
}

func (s *Slot) handleUDPPayload(hdr FrameHeader, sockConn *NetSocket, port int) error {
	ip := IPFromAddress(hdr.Address)
	return DrainChunks(s.clientLink, hdr.Size, MaxPayloadChunk, func(chunk []byte) error {
		if err := sockConn.SendTo(chunk, ip, port); err != nil {
			s.Log.WLogf("slot %d: UDP send to %s:%d failed: %s", s.Index, ip, port, err)
		}
		return nil
	})
}

func (s *Slot) closeUpstreamTCP() {
	s.connTCPLock.Lock()
	conn := s.connTCP
	s.connTCP = nil
	s.connTCPLock.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Slot) sendTCPCloseOnce() {
	s.connTCPLock.Lock()
	once := s.tcpCloseOnce
	s.connTCPLock.Unlock()
	if once == nil {
		return
	}
	once.Do(func() {
		s.sendLocked(s.clientLink, MsgTCPClose, 0, nil)
	})
}

// udpForwarderLoop is the UDP control/data forwarder thread body (§4.6):
// each datagram received from the peer is wrapped and sent to the client
// under clientSendLock. A read error on sockConn means the upstream UDP
// socket died; per §4.6 Shutdown path 2, that drops the client link so
// the manager's own read unwinds.
func (s *Slot) udpForwarderLoop(sockConn *NetSocket, msgType MsgType) error {
	buf := make([]byte, MaxPayloadChunk)
	for {
		n, ip, _, err := sockConn.RecvAny(buf)
		if err != nil {
			s.clientLock.RLock()
			link := s.clientLink
			s.clientLock.RUnlock()
			if link != nil {
				link.DropActive()
			}
			return nil
		}
		addr := AddressFromIP(ip)
		if err := s.sendLocked(s.clientLink, msgType, addr, buf[:n]); err != nil {
			return nil
		}
	}
}

// tcpForwarderLoop is the TCP forwarder thread body (§4.6): reads chunks
// from the upstream TCP connection opened by handleTCPOpen and relays
// them as TCP_DATA frames. On upstream error it closes its own socket
// and emits exactly one TCP_CLOSE, then the session continues (§4.6
// Shutdown path 3).
func (s *Slot) tcpForwarderLoop() error {
	buf := make([]byte, MaxPayloadChunk)
	for {
		s.connTCPLock.Lock()
		conn := s.connTCP
		s.connTCPLock.Unlock()
		if conn == nil {
			return nil
		}
		n, _, _, err := conn.RecvAny(buf)
		if err != nil {
			s.closeUpstreamTCP()
			s.sendTCPCloseOnce()
			return nil
		}
		if err := s.sendLocked(s.clientLink, MsgTCPData, 0, buf[:n]); err != nil {
			return nil
		}
	}
}

// teardownSession implements §4.6 Shutdown path 1: close the three
// upstream sockets, join the forwarder threads, then free client_link
// under the exclusive lock and return the slot to Free.
func (s *Slot) teardownSession() {
	s.closeUpstreamTCP()
	if s.connControl != nil {
		s.connControl.Close()
	}
	if s.connData != nil {
		s.connData.Close()
	}
	if s.udpControlThread != nil {
		s.udpControlThread.Join()
	}
	if s.udpDataThread != nil {
		s.udpDataThread.Join()
	}
	if s.tcpThread != nil {
		s.tcpThread.Join()
	}

	s.clientLock.Lock()
	if s.clientLink != nil {
		s.clientLink.Close()
	}
	s.clientLink = nil
	s.connControl = nil
	s.connData = nil
	s.callsign = ""
	s.udpControlThread = nil
	s.udpDataThread = nil
	s.tcpThread = nil
	s.state = SlotFree
	s.clientLock.Unlock()
}
