package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
	"github.com/Lukas-Petervary/Discharge/internal/protocol"
)

const (
	helloTimeout = 5 * time.Second
	writeTimeout = 5 * time.Second
	closeGrace   = 2 * time.Second // flush budget for frames queued before Close

	defaultSendQueue = 256
)

// TCPConfig configures a TCPTransport.
type TCPConfig struct {
	ID         identity.PeerID
	ListenAddr string
	Resolver   Resolver
	Logger     *zap.Logger
	SendQueue  int // frames buffered per link before it is dropped; defaults to 256
}

// TCPTransport implements Transport over raw TCP connections.
// Framing: each frame is preceded by a 4-byte big-endian length. The first
// frame in each direction is a hello naming the sender's PeerID.
type TCPTransport struct {
	cfg      TCPConfig
	log      *zap.Logger
	listener net.Listener
	incoming chan Link
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	links map[uuid.UUID]*tcpLink
}

type hello struct {
	Hello identity.PeerID `json:"hello"`
}

// NewTCP creates a TCPTransport. Call Start before Dial or Accept.
func NewTCP(cfg TCPConfig) *TCPTransport {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	return &TCPTransport{
		cfg:      cfg,
		log:      log.Named("tcp").With(zap.Stringer("self", cfg.ID)),
		incoming: make(chan Link, 16),
		done:     make(chan struct{}),
		links:    make(map[uuid.UUID]*tcpLink),
	}
}

// Start begins listening for incoming links.
func (t *TCPTransport) Start() error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return err
	}
	t.listener = ln
	go t.acceptLoop()
	return nil
}

// Addr is the bound listen address, valid after Start.
func (t *TCPTransport) Addr() string {
	if t.listener == nil {
		return t.cfg.ListenAddr
	}
	return t.listener.Addr().String()
}

func (t *TCPTransport) ID() identity.PeerID { return t.cfg.ID }

func (t *TCPTransport) Accept() <-chan Link { return t.incoming }

func (t *TCPTransport) Dial(ctx context.Context, id identity.PeerID) (Link, error) {
	if t.cfg.Resolver == nil {
		return nil, fmt.Errorf("tcp dial %q: no resolver: %w", id, ErrPeerUnavailable)
	}
	addr, err := t.cfg.Resolver.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %q: %w", id, err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %q at %s: %v: %w", id, addr, err, ErrPeerUnavailable)
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else {
		conn.SetDeadline(time.Now().Add(helloTimeout))
	}
	if err := writeHello(conn, t.cfg.ID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tcp dial %q: hello: %v: %w", id, err, ErrPeerUnavailable)
	}
	remote, err := readHello(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tcp dial %q: hello: %v: %w", id, err, ErrPeerUnavailable)
	}
	if remote != id {
		conn.Close()
		return nil, fmt.Errorf("tcp dial %q: answered as %q: %w", id, remote, ErrPeerUnavailable)
	}
	conn.SetDeadline(time.Time{})

	return t.addLink(remote, conn), nil
}

func (t *TCPTransport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.done)
		if t.listener != nil {
			err = multierr.Append(err, t.listener.Close())
		}
		t.mu.Lock()
		links := make([]*tcpLink, 0, len(t.links))
		for _, l := range t.links {
			links = append(links, l)
		}
		t.mu.Unlock()
		for _, l := range links {
			err = multierr.Append(err, l.Close())
		}
	})
	return err
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.greet(conn)
	}
}

// greet completes the hello exchange for an inbound connection.
func (t *TCPTransport) greet(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(helloTimeout))
	remote, err := readHello(conn)
	if err != nil {
		t.log.Debug("inbound hello failed", zap.String("addr", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}
	if err := writeHello(conn, t.cfg.ID); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	l := t.addLink(remote, conn)
	select {
	case t.incoming <- l:
	case <-t.done:
		l.Close()
	}
}

func (t *TCPTransport) addLink(remote identity.PeerID, conn net.Conn) *tcpLink {
	l := &tcpLink{
		id:     uuid.New(),
		remote: remote,
		conn:   conn,
		recv:   make(chan []byte, 64),
		sendq:  make(chan []byte, t.cfg.SendQueue),
		done:   make(chan struct{}),
		owner:  t,
	}
	t.mu.Lock()
	t.links[l.id] = l
	t.mu.Unlock()
	t.log.Debug("link open", zap.Stringer("peer", remote), zap.Stringer("link", l.id))
	go l.readLoop()
	go l.writeLoop()
	return l
}

func (t *TCPTransport) removeLink(l *tcpLink) {
	t.mu.Lock()
	delete(t.links, l.id)
	t.mu.Unlock()
}

// tcpLink owns one connection. Send only queues; writeLoop is the sole
// writer, so a stalled remote never blocks the caller and a failed write
// never leaves a half-written frame followed by another.
type tcpLink struct {
	id     uuid.UUID
	remote identity.PeerID
	conn   net.Conn
	recv   chan []byte
	sendq  chan []byte
	done   chan struct{}
	owner  *TCPTransport

	mu       sync.Mutex // guards closed and sends on sendq
	closed   bool
	connOnce sync.Once
}

func (l *tcpLink) RemoteID() identity.PeerID { return l.remote }

func (l *tcpLink) Recv() <-chan []byte { return l.recv }

func (l *tcpLink) Done() <-chan struct{} { return l.done }

func (l *tcpLink) Send(frame []byte) error {
	if len(frame) > protocol.MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(frame), protocol.MaxFrameSize)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	select {
	case l.sendq <- frame:
		l.mu.Unlock()
		return nil
	default:
	}
	l.mu.Unlock()

	l.owner.log.Warn("send queue full, dropping link", zap.Stringer("peer", l.remote), zap.Int("queued", cap(l.sendq)))
	l.Close()
	return ErrSendQueueFull
}

// Close stops accepting frames. Frames already queued are still written
// for up to closeGrace before the connection is torn down.
func (l *tcpLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.sendq)
	l.mu.Unlock()

	close(l.done)
	l.owner.removeLink(l)
	time.AfterFunc(closeGrace, l.closeConn)
	return nil
}

func (l *tcpLink) closeConn() {
	l.connOnce.Do(func() { l.conn.Close() })
}

func (l *tcpLink) writeLoop() {
	defer l.closeConn()
	for frame := range l.sendq {
		l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := writeFrame(l.conn, frame); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.owner.log.Debug("link write failed", zap.Stringer("peer", l.remote), zap.Error(err))
			}
			l.Close()
			l.closeConn()
			for range l.sendq {
			}
			return
		}
	}
}

func (l *tcpLink) readLoop() {
	defer func() {
		close(l.recv)
		l.Close()
	}()
	for {
		frame, err := readFrame(l.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				l.owner.log.Debug("link read ended", zap.Stringer("peer", l.remote), zap.Error(err))
			}
			return
		}
		select {
		case l.recv <- frame:
		case <-l.done:
			return
		case <-l.owner.done:
			return
		}
	}
}

func writeFrame(w io.Writer, frame []byte) error {
	if len(frame) > protocol.MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(frame), protocol.MaxFrameSize)
	}
	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	sz := binary.BigEndian.Uint32(hdr[:])
	if sz > protocol.MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", sz, protocol.MaxFrameSize)
	}
	buf := make([]byte, sz)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeHello(w io.Writer, id identity.PeerID) error {
	b, err := json.Marshal(hello{Hello: id})
	if err != nil {
		return err
	}
	return writeFrame(w, b)
}

func readHello(r io.Reader) (identity.PeerID, error) {
	b, err := readFrame(r)
	if err != nil {
		return "", err
	}
	var h hello
	if err := json.Unmarshal(b, &h); err != nil {
		return "", err
	}
	if h.Hello == "" {
		return "", errors.New("empty hello")
	}
	return h.Hello, nil
}
