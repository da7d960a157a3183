// Package listener owns the UDP and TCP sockets that accept DNS queries and dispatches each one
// to a bounded worker pool in front of a Handler. The socket lifecycle (bind, launch loop, signal
// readiness, idempotent shutdown via a WaitGroup) follows the usual start/stop pair shape for a
// long-running listener, but the accept/dispatch loop itself is hand-rolled on raw
// net.ListenUDP/net.ListenTCP rather than delegating to *dns.Server.ListenAndServe, since
// dns.Server gives one unbounded goroutine per query and this package needs a bounded pool with
// caller-runs backpressure instead.
package listener

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/dnsflatten/dnsflatten/internal/connectiontracker"
	"github.com/dnsflatten/dnsflatten/internal/constants"
	"github.com/dnsflatten/dnsflatten/internal/dnslog"
)

const me = "listener"

const (
	udpBufferSize  = 4096
	tcpIdleTimeout = 5 * time.Second
)

// Handler is the seam the listener calls per query. *handler.Handler satisfies this.
type Handler interface {
	Handle(query *dns.Msg, maxResponseSize int) *dns.Msg
}

// socket pairs a UDP and TCP listener bound to the same endpoint.
type socket struct {
	addr string
	udp  *net.UDPConn
	tcp  *net.TCPListener
}

// Listener binds UDP and TCP on BindAddress plus every Extra endpoint, and dispatches each
// received query to Handler via a bounded worker pool.
type Listener struct {
	BindAddress string
	Extra       []string
	Handler     Handler
	MinWorkers  int
	MaxWorkers  int
	Backlog     int

	mu      sync.Mutex
	started bool
	sockets []*socket
	pool    *pool
	ct      *connectiontracker.Tracker
	wg      sync.WaitGroup

	stats
}

type stats struct {
	mu          sync.Mutex
	udpRequests int
	tcpRequests int
	sendErrors  int
}

// New constructs a Listener. bindAddress and extra are plain host[:port] endpoints as resolved by
// internal/resolveconf; if a port is omitted, the DNS default port 53 is assumed.
func New(bindAddress string, extra []string, h Handler) *Listener {
	consts := constants.Get()
	return &Listener{
		BindAddress: bindAddress,
		Extra:       extra,
		Handler:     h,
		MinWorkers:  consts.DefaultMinWorkers,
		MaxWorkers:  consts.DefaultMaxWorkers,
		Backlog:     consts.DefaultBacklog,
		ct:          connectiontracker.New(me),
	}
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	consts := constants.Get()
	if strings.Contains(addr, ":") { // bare IPv6, no port
		return net.JoinHostPort(addr, consts.DNSDefaultPort)
	}
	return net.JoinHostPort(addr, consts.DNSDefaultPort)
}

// Start binds every socket and launches its receive/accept loop. It returns an error - leaving no
// sockets bound - if any endpoint fails to bind. Start is not idempotent; calling it twice panics.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		panic(me + ": Start called twice")
	}

	endpoints := append([]string{l.BindAddress}, l.Extra...)
	workers := l.MinWorkers
	if workers <= 0 {
		workers = 4
	}
	l.pool = newPool(workers, l.Backlog)

	for _, ep := range endpoints {
		addr := withDefaultPort(ep)
		sock, err := l.bind(addr)
		if err != nil {
			l.closeSockets()
			l.pool.close()
			return fmt.Errorf("%s: bind %s: %w", me, addr, err)
		}
		l.sockets = append(l.sockets, sock)
	}

	for _, sock := range l.sockets {
		l.wg.Add(2)
		go l.serveUDP(sock)
		go l.serveTCP(sock)
	}

	l.started = true
	return nil
}

func (l *Listener) bind(addr string) (*socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		udpConn.Close()
		return nil, err
	}
	tcpListener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		udpConn.Close()
		return nil, err
	}

	return &socket{addr: addr, udp: udpConn, tcp: tcpListener}, nil
}

// serveUDP is the single receive loop for one UDP socket: read a datagram, dispatch it to the pool,
// which hands the response back to the Handler and sends the reply to the originating address.
func (l *Listener) serveUDP(sock *socket) {
	defer l.wg.Done()
	buf := make([]byte, udpBufferSize)
	for {
		n, raddr, err := sock.udp.ReadFromUDP(buf)
		if err != nil {
			dnslog.Log.WithFields(logrus.Fields{"addr": sock.addr, "error": err}).
				Debug(me + ": udp receive loop exiting")
			return
		}

		packet := append([]byte{}, buf[:n]...)
		l.pool.Submit(func() { l.handleUDP(sock, raddr, packet) })
	}
}

func (l *Listener) handleUDP(sock *socket, raddr *net.UDPAddr, packet []byte) {
	query := new(dns.Msg)
	if err := query.Unpack(packet); err != nil {
		dnslog.Log.WithFields(logrus.Fields{"addr": sock.addr, "remote": raddr, "error": err}).
			Debug(me + ": dropping unparseable udp packet")
		return
	}

	consts := constants.Get()
	resp := l.Handler.Handle(query, consts.DNSTruncateThreshold)
	l.recordUDP()

	out, err := resp.Pack()
	if err != nil {
		dnslog.Log.WithFields(logrus.Fields{"error": err}).Warn(me + ": failed to pack udp response")
		return
	}

	if _, err := sock.udp.WriteToUDP(out, raddr); err != nil {
		l.recordSendError()
		dnslog.Log.WithFields(logrus.Fields{"remote": raddr, "error": err}).
			Debug(me + ": best-effort udp send failed")
	}
}

// serveTCP is the accept loop for one TCP socket: each accepted connection is handed to the pool,
// which reads and answers length-prefixed queries until the connection idles out or closes.
func (l *Listener) serveTCP(sock *socket) {
	defer l.wg.Done()
	for {
		conn, err := sock.tcp.AcceptTCP()
		if err != nil {
			dnslog.Log.WithFields(logrus.Fields{"addr": sock.addr, "error": err}).
				Debug(me + ": tcp accept loop exiting")
			return
		}

		l.pool.Submit(func() { l.handleTCPConn(conn) })
	}
}

func (l *Listener) handleTCPConn(conn *net.TCPConn) {
	key := conn.RemoteAddr().String()
	defer conn.Close()

	l.ct.ConnState(key, time.Now(), connectiontracker.StateNew)
	defer l.ct.ConnState(key, time.Now(), connectiontracker.StateClosed)

	for {
		conn.SetDeadline(time.Now().Add(tcpIdleTimeout))

		query, err := readTCPMessage(conn)
		if err != nil {
			return
		}

		l.ct.ConnState(key, time.Now(), connectiontracker.StateActive)
		resp := l.Handler.Handle(query, 0)
		l.recordTCP()
		l.ct.ConnState(key, time.Now(), connectiontracker.StateIdle)

		if err := writeTCPMessage(conn, resp); err != nil {
			return
		}
	}
}

func readTCPMessage(conn net.Conn) (*dns.Msg, error) {
	var lenBuf [2]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	length := int(lenBuf[0])<<8 | int(lenBuf[1])

	payload := make([]byte, length)
	if _, err := readFull(conn, payload); err != nil {
		return nil, err
	}

	m := new(dns.Msg)
	if err := m.Unpack(payload); err != nil {
		return nil, err
	}
	return m, nil
}

func writeTCPMessage(conn net.Conn, m *dns.Msg) error {
	out, err := m.Pack()
	if err != nil {
		return err
	}
	lenBuf := [2]byte{byte(len(out) >> 8), byte(len(out))}
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = conn.Write(out)
	return err
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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

// Close idempotently shuts down every socket and the worker pool, and waits for all receive/accept
// loops to exit. Closing the sockets is what unblocks those loops.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	l.closeSockets()
	l.wg.Wait()
	l.pool.close()
	l.started = false
}

func (l *Listener) closeSockets() {
	for _, sock := range l.sockets {
		sock.udp.Close()
		sock.tcp.Close()
	}
	l.sockets = nil
}

func (l *Listener) recordUDP() {
	l.stats.mu.Lock()
	l.stats.udpRequests++
	l.stats.mu.Unlock()
}

func (l *Listener) recordTCP() {
	l.stats.mu.Lock()
	l.stats.tcpRequests++
	l.stats.mu.Unlock()
}

func (l *Listener) recordSendError() {
	l.stats.mu.Lock()
	l.stats.sendErrors++
	l.stats.mu.Unlock()
}

// Name implements reporter.Reporter.
func (l *Listener) Name() string {
	return "Listener"
}

// Report implements reporter.Reporter.
func (l *Listener) Report(resetCounters bool) string {
	l.stats.mu.Lock()
	udpReq, tcpReq, sendErrs := l.stats.udpRequests, l.stats.tcpRequests, l.stats.sendErrors
	if resetCounters {
		l.stats.udpRequests, l.stats.tcpRequests, l.stats.sendErrors = 0, 0, 0
	}
	l.stats.mu.Unlock()

	peak := 0
	if l.pool != nil {
		peak = l.pool.peakConcurrency(resetCounters)
	}

	return fmt.Sprintf("udp=%d tcp=%d sendErrs=%d peakWorkers=%d %s",
		udpReq, tcpReq, sendErrs, peak, l.ct.Report(resetCounters))
}
