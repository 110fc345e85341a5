package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
	"github.com/Lukas-Petervary/Discharge/internal/transport"
)

var (
	// ErrIDTaken means another live peer holds the PeerID.
	ErrIDTaken = transport.ErrIDTaken
	// ErrRateLimited means the broker refused a lookup for now.
	ErrRateLimited = errors.New("rendezvous: rate limited")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rendezvous: client closed")
)

const (
	DefaultMinBackoff = 250 * time.Millisecond
	DefaultMaxBackoff = 10 * time.Second

	handshakeTimeout = 10 * time.Second
	resolveTimeout   = 5 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the broker root, e.g. http://127.0.0.1:7777.
	BaseURL string
	ID      identity.PeerID
	// Addr is the address other peers should dial. An empty host is
	// filled in by the broker.
	Addr string
	// HTTPClient must not set Timeout; the websocket dial refuses it.
	HTTPClient *http.Client
	Logger     *zap.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnRegistered runs after every successful (re)registration.
	OnRegistered func()
}

// Client keeps the local registration alive and resolves other peers.
// It implements transport.Resolver.
type Client struct {
	cfg ClientConfig
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
	once sync.Once
}

// NewClient creates a Client. Nothing is dialed until Register.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		log:    cfg.Logger.Named("rendezvous").With(zap.Stringer("self", cfg.ID)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register opens the registration and keeps it open, reconnecting with
// exponential backoff whenever it drops. The first attempt is synchronous
// and its error, ErrIDTaken included, is returned as is.
func (c *Client) Register(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go c.maintain(conn)
	return nil
}

// Resolve looks id up at the broker.
func (c *Client) Resolve(ctx context.Context, id identity.PeerID) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	u := c.cfg.BaseURL + "/peers/" + url.PathEscape(string(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", fmt.Errorf("resolve %q: %w", id, transport.ErrPeerUnavailable)
	case http.StatusTooManyRequests:
		return "", fmt.Errorf("resolve %q: %w", id, ErrRateLimited)
	default:
		return "", fmt.Errorf("resolve %q: unexpected status %s", id, resp.Status)
	}

	var p Peer
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return "", fmt.Errorf("resolve %q: %w", id, err)
	}
	return p.Addr, nil
}

// Close drops the registration and stops reconnecting.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "bye")
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	q := url.Values{}
	q.Set("id", string(c.cfg.ID))
	q.Set("addr", c.cfg.Addr)
	u := c.cfg.BaseURL + "/ws?" + q.Encode()

	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("register %q: %w", c.cfg.ID, ErrIDTaken)
		}
		return nil, fmt.Errorf("register %q: %w", c.cfg.ID, err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("register %q: %w", c.cfg.ID, err)
	}
	var m message
	if err := json.Unmarshal(data, &m); err != nil || m.Type != "open" || m.ID != c.cfg.ID {
		conn.CloseNow()
		return nil, fmt.Errorf("register %q: unexpected greeting %q", c.cfg.ID, data)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.CloseNow()
		return nil, ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Debug("registered")
	if c.cfg.OnRegistered != nil {
		c.cfg.OnRegistered()
	}
	return conn, nil
}

// maintain owns the registration until Close.
func (c *Client) maintain(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.hold(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn("registration lost, reconnecting")

		var err error
		conn, err = c.redial()
		if err != nil {
			return
		}
	}
}

// hold reads until the registration drops.
func (c *Client) hold(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(c.ctx); err != nil {
			conn.CloseNow()
			return
		}
	}
}

// newBackOff is the reconnect schedule: exponential from MinBackoff, capped
// at MaxBackoff, retrying until Close.
func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MinBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) redial() (*websocket.Conn, error) {
	conn, err := backoff.RetryNotifyWithData(func() (*websocket.Conn, error) {
		conn, err := c.dial(c.ctx)
		if errors.Is(err, ErrClosed) {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	}, backoff.WithContext(c.newBackOff(), c.ctx), func(err error, wait time.Duration) {
		c.log.Debug("reconnect failed", zap.Duration("backoff", wait), zap.Error(err))
	})
	if err != nil {
		return nil, ErrClosed
	}
	return conn, nil
}
