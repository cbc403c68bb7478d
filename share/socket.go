package chshare

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// pastDeadline is used to force an in-progress blocking call to return
// immediately, the Go idiom for interrupting a blocked Read/Accept
// without yet closing the descriptor (§4.3's "shutdown() requests
// half-close ... so blocked I/O threads unwind")
var pastDeadline = time.Unix(1, 0)

// netSocketRole distinguishes the three shapes a NetSocket can take.
// Unlike the teacher's SocketConn (one struct wrapping one net.Conn for
// the life of a tunnel), a single NetSocket here plays exactly one role,
// and Accept() produces a new, independent NetSocket for the accepted
// connection -- this is what lets DropActive() on a connection leave its
// listener (a separate NetSocket) untouched, matching §4.3 directly.
type netSocketRole int

const (
	roleUnbound netSocketRole = iota
	roleListener
	roleStream
	roleDatagram
)

// NetSocket is a blocking IPv4 TCP or UDP socket with the operation set
// of spec.md §4.3. It is grounded on the teacher's SocketConn
// (share/socket_conn.go) for the read/write/byte-counting shape, but
// rebuilt on the externalized github.com/sammck-go/asyncobj.Helper
// (rather than the teacher's inlined ShutdownHelper) for the two-phase
// shutdown/close invariant: Shutdown() forces blocked calls to return via
// SetDeadline, while Close() -- via the Helper's HandleOnceShutdown hook
// -- actually releases the descriptor, after in-flight
// DeferShutdown-guarded operations have had a chance to unwind.
type NetSocket struct {
	*asyncobj.Helper
	log  logger.Logger
	role netSocketRole

	listener *net.TCPListener
	conn     net.Conn
	udp      *net.UDPConn

	numBytesRead    int64
	numBytesWritten int64
}

// NewNetSocket creates an unbound NetSocket. Call ListenTCP, ConnectTCP, or
// BindUDP to give it a role before using it.
func NewNetSocket(log logger.Logger) *NetSocket {
	s := &NetSocket{log: log, role: roleUnbound}
	s.Helper = asyncobj.NewHelper(log, s)
	s.SetIsActivated()
	return s
}

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// ListenTCP binds and listens for inbound TCP connections on bindIP:port
// with SO_REUSEADDR set, per §4.3's listen() operation. The listen
// backlog is the one net.ListenConfig chooses (the system default); it is
// not set to 0. A nil bindIP listens on the wildcard address.
func (s *NetSocket) ListenTCP(bindIP net.IP, port int) error {
	lc := net.ListenConfig{Control: reuseAddrControl}
	addr := net.JoinHostPort(bindIP.String(), strconv.Itoa(port))
	if bindIP == nil {
		addr = net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
	}
	ln, err := lc.Listen(context.Background(), "tcp4", addr)
	if err != nil {
		return classifyBindErr(err)
	}
	s.listener = ln.(*net.TCPListener)
	s.role = roleListener
	s.log.DLogf("listening on %s", ln.Addr())
	return nil
}

// Accept blocks until an inbound TCP connection arrives, returning a new
// NetSocket wrapping it. Only valid on a NetSocket created with ListenTCP.
func (s *NetSocket) Accept() (*NetSocket, error) {
	if err := s.DeferShutdown(); err != nil {
		return nil, err
	}
	defer s.UndeferShutdown()

	conn, err := s.listener.Accept()
	if err != nil {
		return nil, NewKindedError(ClassifyKind(err), err)
	}
	ns := &NetSocket{log: s.log.ForkLog(fmt.Sprintf("<-%s", conn.RemoteAddr())), role: roleStream, conn: conn}
	ns.Helper = asyncobj.NewHelper(ns.log, ns)
	ns.SetIsActivated()
	return ns, nil
}

// ConnectTCP blocks while resolving and connecting to host:port, forcing
// IPv4 (§4.3: "IPv4 family forced for the EchoLink flows"), sourced from
// bindIP if non-nil.
func (s *NetSocket) ConnectTCP(bindIP net.IP, host string, port int) error {
	d := net.Dialer{Timeout: 30 * time.Second}
	if bindIP != nil {
		d.LocalAddr = &net.TCPAddr{IP: bindIP}
	}
	conn, err := d.Dial("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return NewKindedError(ClassifyKind(err), err)
	}
	s.conn = conn
	s.role = roleStream
	return nil
}

// BindUDP binds a UDP socket to bindIP:port for use with RecvAny/SendTo.
// A nil bindIP binds the wildcard address.
func (s *NetSocket) BindUDP(bindIP net.IP, port int) error {
	addr := &net.UDPAddr{IP: bindIP, Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return classifyBindErr(err)
	}
	s.udp = conn
	s.role = roleDatagram
	return nil
}

// classifyBindErr reports a bind/listen failure as AddressInUse, per
// §7's table; callers that need the narrower AddressUnavailable case
// (name resolution failures elsewhere) go through ClassifyKind directly.
func classifyBindErr(err error) error {
	return NewKindedError(ErrKindAddressInUse, err)
}

// Recv fills buf completely, looping over partial reads (§4.3: "TCP
// only; fills exactly n bytes"). Returns ErrKindBrokenPipe on a clean
// EOF.
func (s *NetSocket) Recv(buf []byte) error {
	if err := s.DeferShutdown(); err != nil {
		return err
	}
	defer s.UndeferShutdown()

	n, err := io.ReadFull(s.conn, buf)
	atomic.AddInt64(&s.numBytesRead, int64(n))
	if err != nil {
		return NewKindedError(ClassifyKind(err), err)
	}
	return nil
}

// Read satisfies io.Reader by delegating to Recv (an exact fill), so a
// NetSocket wrapping the TCP client link can be passed directly to
// frame.go's header/chunk helpers.
func (s *NetSocket) Read(p []byte) (int, error) {
	if err := s.Recv(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Write satisfies io.Writer by delegating to Send, so a NetSocket can be
// passed directly to WriteHeader/WriteFrame.
func (s *NetSocket) Write(p []byte) (int, error) {
	if err := s.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// RecvAny reads a single datagram (UDP) or a single chunk up to len(buf)
// (TCP) and reports how much was read and who sent it (§4.3).
func (s *NetSocket) RecvAny(buf []byte) (n int, remoteIP net.IP, remotePort int, err error) {
	if err = s.DeferShutdown(); err != nil {
		return 0, nil, 0, err
	}
	defer s.UndeferShutdown()

	switch s.role {
	case roleDatagram:
		var raddr *net.UDPAddr
		n, raddr, err = s.udp.ReadFromUDP(buf)
		if raddr != nil {
			remoteIP, remotePort = raddr.IP, raddr.Port
		}
	case roleStream:
		n, err = s.conn.Read(buf)
		if tcpAddr, ok := s.conn.RemoteAddr().(*net.TCPAddr); ok {
			remoteIP, remotePort = tcpAddr.IP, tcpAddr.Port
		}
	default:
		err = fmt.Errorf("RecvAny: socket has no readable role")
	}
	atomic.AddInt64(&s.numBytesRead, int64(n))
	if err != nil {
		return n, remoteIP, remotePort, NewKindedError(ClassifyKind(err), err)
	}
	return n, remoteIP, remotePort, nil
}

// Send writes buf in full, looping until every byte is sent (§4.3: "TCP;
// loops until all sent").
func (s *NetSocket) Send(buf []byte) error {
	if err := s.DeferShutdown(); err != nil {
		return err
	}
	defer s.UndeferShutdown()

	total := 0
	for total < len(buf) {
		n, err := s.conn.Write(buf[total:])
		total += n
		atomic.AddInt64(&s.numBytesWritten, int64(n))
		if err != nil {
			return NewKindedError(ClassifyKind(err), err)
		}
	}
	return nil
}

// SendTo sends buf as a single UDP datagram to ip:port (§4.3: "UDP
// only").
func (s *NetSocket) SendTo(buf []byte, ip net.IP, port int) error {
	if err := s.DeferShutdown(); err != nil {
		return err
	}
	defer s.UndeferShutdown()

	n, err := s.udp.WriteToUDP(buf, &net.UDPAddr{IP: ip, Port: port})
	atomic.AddInt64(&s.numBytesWritten, int64(n))
	if err != nil {
		return NewKindedError(ClassifyKind(err), err)
	}
	return nil
}

// Shutdown forces any blocked Accept/Recv/RecvAny/Send on this socket to
// return promptly, without releasing the descriptor. Safe to call
// concurrently with in-flight I/O (§4.3: "shared-locked ... so blocked
// I/O threads unwind with BrokenPipe or Interrupted").
func (s *NetSocket) Shutdown() error {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	if s.listener != nil {
		s.listener.SetDeadline(pastDeadline)
	}
	if s.conn != nil {
		s.conn.SetDeadline(pastDeadline)
	}
	if s.udp != nil {
		s.udp.SetDeadline(pastDeadline)
	}
	return nil
}

// DropActive closes this socket (an accepted connection, never the
// listener it came from, since Accept returns a distinct NetSocket)
// while leaving any sibling listener NetSocket running (§4.3).
func (s *NetSocket) DropActive() error {
	return s.Close()
}

// Close performs the two-phase teardown: Shutdown to interrupt blocked
// I/O, then release the descriptor via HandleOnceShutdown once any
// in-flight deferred operations have drained.
func (s *NetSocket) Close() error {
	s.Shutdown()
	s.StartShutdown(nil)
	return s.WaitShutdown()
}

// HandleOnceShutdown is asyncobj's once-only hook; it actually closes the
// underlying descriptor(s). Never called while a DeferShutdown-guarded
// operation is still in flight.
func (s *NetSocket) HandleOnceShutdown(completionErr error) error {
	var err error
	if s.listener != nil {
		if e := s.listener.Close(); e != nil && err == nil {
			err = e
		}
	}
	if s.conn != nil {
		if e := s.conn.Close(); e != nil && err == nil {
			err = e
		}
	}
	if s.udp != nil {
		if e := s.udp.Close(); e != nil && err == nil {
			err = e
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// IsOpen reports whether the socket has not yet completed shutdown
func (s *NetSocket) IsOpen() bool {
	return !s.IsDoneShutdown()
}

// Addr returns the local address of a listening or connected socket, or
// nil if the socket has no role yet.
func (s *NetSocket) Addr() net.Addr {
	switch s.role {
	case roleListener:
		return s.listener.Addr()
	case roleStream:
		return s.conn.LocalAddr()
	case roleDatagram:
		return s.udp.LocalAddr()
	default:
		return nil
	}
}

// GetNumBytesRead returns the running count of bytes read on this socket
func (s *NetSocket) GetNumBytesRead() int64 {
	return atomic.LoadInt64(&s.numBytesRead)
}

// GetNumBytesWritten returns the running count of bytes written on this socket
func (s *NetSocket) GetNumBytesWritten() int64 {
	return atomic.LoadInt64(&s.numBytesWritten)
}

// String renders byte counters in human-readable form for log lines,
// matching the teacher's use of jpillora/sizestr for connection-stats
// logging
func (s *NetSocket) String() string {
	return fmt.Sprintf("NetSocket(read=%s, written=%s)",
		sizestr.ToString(s.GetNumBytesRead()),
		sizestr.ToString(s.GetNumBytesWritten()))
}
