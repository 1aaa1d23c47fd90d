package endpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mqrpc/protocol"
	"mqrpc/rpcerr"
)

// PeerIDSize is the length of the routing frame a TCP responder prefixes messages with.
const PeerIDSize = 8

// TCPEndpoint carries framed multipart messages over TCP connections.
// Several binds and connects may be active at once.
type TCPEndpoint struct {
	role   Role
	opts   *Options
	log    *zap.Logger
	nextID uint64

	mu     sync.Mutex
	bind   binding
	gen    *tcpGeneration
	closed bool
}

type tcpGeneration struct {
	*inbox

	mu        sync.Mutex
	listeners []net.Listener
	peers     map[uint64]*peer
	last      *peer
}

type peer struct {
	id      uint64
	conn    net.Conn
	writeMu sync.Mutex
}

func (p *peer) write(t protocol.MsgType, frames [][]byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return protocol.Encode(p.conn, t, frames)
}

func NewTCPEndpoint(role Role, opts ...*Options) *TCPEndpoint {
	o := parseOptions(opts...)
	e := &TCPEndpoint{
		role: role,
		opts: o,
		log:  o.Logger.Named("tcp-" + role.String()),
	}
	e.gen = e.newGeneration()
	return e
}

func (e *TCPEndpoint) newGeneration() *tcpGeneration {
	return &tcpGeneration{
		inbox: newInbox(e.opts.InboxSize),
		peers: make(map[uint64]*peer),
	}
}

func (e *TCPEndpoint) current() (*tcpGeneration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return e.gen, nil
}

// Bind listens on url (tcp://host:port) and accepts peers in the background.
func (e *TCPEndpoint) Bind(rawURL string) error {
	addr, err := parseTCPURL(rawURL)
	if err != nil {
		return err
	}
	_, err = e.listen(addr)
	return err
}

func (e *TCPEndpoint) BindPorts(host string, minPort, maxPort int) (int, error) {
	if minPort == 0 && maxPort == 0 {
		ln, err := e.listen(net.JoinHostPort(host, "0"))
		if err != nil {
			return 0, err
		}
		return ln.Addr().(*net.TCPAddr).Port, nil
	}
	if minPort <= 0 || maxPort < minPort {
		return 0, fmt.Errorf("endpoint: invalid port range %d-%d", minPort, maxPort)
	}
	for port := minPort; port <= maxPort; port++ {
		if _, err := e.listen(net.JoinHostPort(host, strconv.Itoa(port))); err == nil {
			return port, nil
		}
	}
	return 0, fmt.Errorf("endpoint: no free port in %d-%d on %s", minPort, maxPort, host)
}

func (e *TCPEndpoint) listen(addr string) (net.Listener, error) {
	g, err := e.current()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	if g.isShut() {
		g.mu.Unlock()
		ln.Close()
		return nil, ErrClosed
	}
	g.listeners = append(g.listeners, ln)
	g.mu.Unlock()

	e.mu.Lock()
	e.bind.add("tcp://" + ln.Addr().String())
	e.mu.Unlock()

	e.log.Info("bound", zap.String("addr", ln.Addr().String()))
	go e.acceptLoop(g, ln)
	return ln, nil
}

func (e *TCPEndpoint) acceptLoop(g *tcpGeneration, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !g.isShut() {
				e.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		e.addPeer(g, conn)
	}
}

// Connect dials url (tcp://host:port). For a requestor the new connection becomes the
// send target.
func (e *TCPEndpoint) Connect(rawURL string) error {
	addr, err := parseTCPURL(rawURL)
	if err != nil {
		return err
	}
	g, err := e.current()
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout("tcp", addr, e.opts.DialTimeout)
	if err != nil {
		return err
	}
	if !e.addPeer(g, conn) {
		return ErrClosed
	}
	e.mu.Lock()
	e.bind.add(rawURL)
	e.mu.Unlock()
	return nil
}

func (e *TCPEndpoint) addPeer(g *tcpGeneration, conn net.Conn) bool {
	p := &peer{id: atomic.AddUint64(&e.nextID, 1), conn: conn}

	g.mu.Lock()
	if g.isShut() {
		g.mu.Unlock()
		conn.Close()
		return false
	}
	g.peers[p.id] = p
	g.last = p
	g.mu.Unlock()

	e.log.Debug("peer attached", zap.Uint64("peer", p.id), zap.String("remote", conn.RemoteAddr().String()))
	go e.readLoop(g, p)
	if e.role == Requestor {
		go e.heartbeatLoop(g, p)
	}
	return true
}

func (e *TCPEndpoint) removePeer(g *tcpGeneration, p *peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, p.id)
	p.conn.Close()
	if g.last == p {
		g.last = nil
		for _, other := range g.peers {
			if g.last == nil || other.id > g.last.id {
				g.last = other
			}
		}
	}
}

func (e *TCPEndpoint) readLoop(g *tcpGeneration, p *peer) {
	defer e.removePeer(g, p)

	r := bufio.NewReader(p.conn)
	for {
		t, frames, err := protocol.Decode(r)
		if err != nil {
			if !g.isShut() {
				e.log.Debug("peer detached", zap.Uint64("peer", p.id), zap.Error(err))
			}
			return
		}
		if t == protocol.MsgTypeHeartbeat {
			continue
		}
		if e.role == Responder {
			frames = append([][]byte{PeerID(p.id)}, frames...)
		}
		if !g.put(frames) {
			return
		}
	}
}

func (e *TCPEndpoint) heartbeatLoop(g *tcpGeneration, p *peer) {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.write(protocol.MsgTypeHeartbeat, nil); err != nil {
				return
			}
		case <-g.done:
			return
		}
	}
}

func (e *TCPEndpoint) Send(frames [][]byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if !e.bind.ready {
		e.mu.Unlock()
		return rpcerr.ErrNotReady
	}
	g := e.gen
	e.mu.Unlock()

	var p *peer
	g.mu.Lock()
	if e.role == Requestor {
		p = g.last
	} else if len(frames) > 0 && len(frames[0]) == PeerIDSize {
		p = g.peers[binary.BigEndian.Uint64(frames[0])]
		frames = frames[1:]
	}
	g.mu.Unlock()

	if p == nil {
		return ErrNoPeer
	}
	return p.write(protocol.MsgTypeMessage, frames)
}

func (e *TCPEndpoint) Recv() ([][]byte, error) {
	return recv(func() *inbox {
		g, err := e.current()
		if err != nil {
			return nil
		}
		return g.inbox
	}, e.opts.RecvTimeout)
}

func (e *TCPEndpoint) Reset() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	old := e.gen
	e.gen = e.newGeneration()
	e.bind.clear()
	e.mu.Unlock()

	old.shutdown()
	e.log.Info("reset")
	return nil
}

func (e *TCPEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.bind.clear()
	old := e.gen
	e.mu.Unlock()

	old.shutdown()
	return nil
}

func (e *TCPEndpoint) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bind.ready
}

func (e *TCPEndpoint) BoundURLs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bind.snapshot()
}

func (g *tcpGeneration) shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shut()
	for _, ln := range g.listeners {
		ln.Close()
	}
	for _, p := range g.peers {
		p.conn.Close()
	}
}

// PeerID renders a peer id as a routing frame.
func PeerID(id uint64) []byte {
	b := make([]byte, PeerIDSize)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func parseTCPURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "tcp" || u.Host == "" {
		return "", fmt.Errorf("endpoint: unsupported url %q, want tcp://host:port", rawURL)
	}
	return u.Host, nil
}
