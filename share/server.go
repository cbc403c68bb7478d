package chshare

import (
	"fmt"
	"net"

	"github.com/sammck-go/logger"
)

// ProxyServer is the admission authority of §4.7: a TCP listener and a
// fixed pool of Slots, fed in order by a single accept loop.
type ProxyServer struct {
	Log logger.Logger
	Cfg *ProxyConfig

	listener *NetSocket
	slots    []*Slot
	reporter *RegistrationReporter

	acceptThread *Thread
}

// NewProxyServer builds a server from a validated config. It does not
// yet bind any sockets; call Open for that (§4.7's open()).
func NewProxyServer(cfg *ProxyConfig, log logger.Logger) *ProxyServer {
	return &ProxyServer{Log: log, Cfg: cfg}
}

// Open performs the whole of §4.7's open(): allocates one slot per
// configured source address, starts each slot's worker, starts the
// registration reporter (if configured), and binds the listener last so
// process() can be entered immediately after a successful Open.
func (p *ProxyServer) Open() error {
	n := p.Cfg.NumSlots()
	p.slots = make([]*Slot, n)
	for i := 0; i < n; i++ {
		slot := NewSlot(i, p.Cfg.SlotSourceAddr(i), p.Cfg, p.Log.ForkLog(fmt.Sprintf("slot%d", i)))
		slot.OnOccupancyChange = p.reportOccupancy
		if err := slot.Open(); err != nil {
			return NewKindedError(ErrKindOther, fmt.Errorf("starting slot %d: %w", i, err))
		}
		p.slots[i] = slot
	}

	publicAddr := ""
	if p.Cfg.BindAddrExt != nil {
		publicAddr = p.Cfg.BindAddrExt.String()
	}
	p.reporter = NewRegistrationReporter(p.Log.ForkLog("registration"), p.Cfg.RegistrationName, p.Cfg.RegistrationComment, publicAddr, p.Cfg.Password == "PUBLIC", p.Cfg.Port, n)
	if err := p.reporter.Start(); err != nil {
		return err
	}

	var bindIP = p.Cfg.BindAddrExt
	if p.Cfg.BindAddress != "" {
		if ip := net.ParseIP(p.Cfg.BindAddress); ip != nil {
			bindIP = ip
		}
	}

	p.listener = NewNetSocket(p.Log.ForkLog("listener"))
	if err := p.listener.ListenTCP(bindIP, p.Cfg.Port); err != nil {
		return err
	}

	p.Log.ILogf("listening on port %d with %d slot(s)", p.Cfg.Port, n)
	return nil
}

// Process runs the accept loop of §4.7's process() until Shutdown is
// called, at which point the listener unblocks with a recognizable
// error kind and Process returns nil.
func (p *ProxyServer) Process() error {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if IsQuietUnwind(ClassifyKind(err)) {
				return nil
			}
			return err
		}
		p.offer(conn)
	}
}

// offer walks the slot list in order, handing conn to the first Free
// slot; if none are free, the connection is closed immediately without
// any handshake bytes exchanged (§8 E2E-Busy).
func (p *ProxyServer) offer(conn *NetSocket) {
	for _, slot := range p.slots {
		if slot.TryOffer(conn) {
			return
		}
	}
	p.Log.ILogf("all slots busy, closing incoming connection")
	conn.Close()
}

func (p *ProxyServer) reportOccupancy() {
	used := 0
	for _, slot := range p.slots {
		if !slot.IsFree() {
			used++
		}
	}
	if p.reporter != nil {
		p.reporter.ReportOccupancy(used)
	}
}

// SlotStatus renders one diagnostic line per slot, for the SIGUSR2 stats
// dump (§9's signal-handling guidance: the core exposes state, signal
// wiring is external).
func (p *ProxyServer) SlotStatus() []string {
	lines := make([]string, 0, len(p.slots))
	for _, slot := range p.slots {
		lines = append(lines, slot.String())
	}
	return lines
}

// Shutdown unblocks Process by shutting down the listener, without
// waiting for in-flight sessions (§4.7's shutdown()).
func (p *ProxyServer) Shutdown() error {
	if p.listener != nil {
		return p.listener.Shutdown()
	}
	return nil
}

// Drop drops active connections across all slots (§4.7's drop()).
func (p *ProxyServer) Drop() {
	for _, slot := range p.slots {
		slot.Drop()
	}
}

// Close performs full teardown: shuts down and closes the listener,
// closes every slot (which waits for its worker to finish any
// in-progress session), and stops the registration reporter with a
// final Off post (§4.7's close(), §4.8).
func (p *ProxyServer) Close() error {
	p.Shutdown()
	p.Drop()

	var firstErr error
	for _, slot := range p.slots {
		if err := slot.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.listener != nil {
		if err := p.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.reporter != nil {
		if err := p.reporter.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
