// Package rendezvous is the PeerID broker. Peers hold a websocket
// registration open for as long as they are reachable; other peers look
// registrations up to learn where to dial.
package rendezvous

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
)

const (
	DefaultLookupRate  = rate.Limit(20)
	DefaultLookupBurst = 40
	DefaultPingEvery   = 15 * time.Second
	DefaultLimiterIdle = 3 * time.Minute
)

// ServerConfig configures a Server. Zero values select defaults.
type ServerConfig struct {
	Logger      *zap.Logger
	Registry    *prometheus.Registry
	LookupRate  rate.Limit
	LookupBurst int
	PingEvery   time.Duration
	// LimiterIdle is how long a client IP may stay silent before its
	// lookup limiter is dropped. It should exceed LookupBurst/LookupRate,
	// the time an idle limiter needs to refill.
	LimiterIdle time.Duration
}

// visitor is the lookup limiter of one client IP.
type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

type registration struct {
	id   identity.PeerID
	addr string
	conn *websocket.Conn
}

// message is the frame the server pushes on a registration.
type message struct {
	Type string          `json:"type"`
	ID   identity.PeerID `json:"id"`
}

// Peer is the lookup response body.
type Peer struct {
	ID   identity.PeerID `json:"id"`
	Addr string          `json:"addr"`
}

// Server tracks live registrations.
type Server struct {
	cfg ServerConfig
	log *zap.Logger

	now func() time.Time

	mu        sync.Mutex
	peers     map[identity.PeerID]*registration
	limiters  map[string]*visitor
	lastSweep time.Time

	registrations prometheus.Gauge
	lookups       *prometheus.CounterVec
	rejected      prometheus.Counter
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.LookupRate == 0 {
		cfg.LookupRate = DefaultLookupRate
	}
	if cfg.LookupBurst == 0 {
		cfg.LookupBurst = DefaultLookupBurst
	}
	if cfg.PingEvery == 0 {
		cfg.PingEvery = DefaultPingEvery
	}
	if cfg.LimiterIdle == 0 {
		cfg.LimiterIdle = DefaultLimiterIdle
	}
	f := promauto.With(cfg.Registry)
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.Named("rendezvous"),
		now:      time.Now,
		peers:    make(map[identity.PeerID]*registration),
		limiters: make(map[string]*visitor),
		registrations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "discharge",
			Subsystem: "rendezvous",
			Name:      "registrations",
			Help:      "Live peer registrations.",
		}),
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discharge",
			Subsystem: "rendezvous",
			Name:      "lookups_total",
			Help:      "Peer lookups by result.",
		}, []string{"result"}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "discharge",
			Subsystem: "rendezvous",
			Name:      "rejected_registrations_total",
			Help:      "Registrations refused because the id was taken.",
		}),
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", healthz)
	r.Get("/ws", s.handleRegister)
	r.Get("/peers/{id}", s.handleLookup)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	return r
}

// Lookup returns the address registered for id.
func (s *Server) Lookup(id identity.PeerID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.peers[id]
	if !ok {
		return "", false
	}
	return reg.addr, true
}

// Evict drops id's registration and closes its websocket.
func (s *Server) Evict(id identity.PeerID) bool {
	s.mu.Lock()
	reg, ok := s.peers[id]
	var conn *websocket.Conn
	if ok {
		conn = reg.conn
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.release(reg)
	if conn != nil {
		conn.CloseNow()
	}
	return true
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	id := identity.PeerID(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	addr, err := dialableAddr(r.URL.Query().Get("addr"), r.RemoteAddr)
	if err != nil {
		http.Error(w, "bad addr", http.StatusBadRequest)
		return
	}

	reg := &registration{id: id, addr: addr}
	if !s.claim(reg) {
		s.rejected.Inc()
		s.log.Info("registration refused", zap.Stringer("peer", id))
		http.Error(w, "id taken", http.StatusConflict)
		return
	}
	defer s.release(reg)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	s.mu.Lock()
	reg.conn = conn
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	payload, _ := json.Marshal(message{Type: "open", ID: id})
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return
	}
	s.log.Info("peer registered", zap.Stringer("peer", id), zap.String("addr", addr))

	go s.keepalive(ctx, conn)

	// Reader loop: peers send nothing, the read only observes close.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				s.log.Debug("registration dropped", zap.Stringer("peer", id), zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.PingEvery)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if !s.limiter(r.RemoteAddr).Allow() {
		s.lookups.WithLabelValues("limited").Inc()
		http.Error(w, "slow down", http.StatusTooManyRequests)
		return
	}
	id := identity.PeerID(chi.URLParam(r, "id"))
	addr, ok := s.Lookup(id)
	if !ok {
		s.lookups.WithLabelValues("miss").Inc()
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}
	s.lookups.WithLabelValues("hit").Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Peer{ID: id, Addr: addr})
}

func (s *Server) claim(reg *registration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.peers[reg.id]; taken {
		return false
	}
	s.peers[reg.id] = reg
	s.registrations.Set(float64(len(s.peers)))
	return true
}

func (s *Server) release(reg *registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[reg.id] == reg {
		delete(s.peers, reg.id)
		s.registrations.Set(float64(len(s.peers)))
	}
}

func (s *Server) limiter(remote string) *rate.Limiter {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLimiters(now)
	v, ok := s.limiters[host]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(s.cfg.LookupRate, s.cfg.LookupBurst)}
		s.limiters[host] = v
	}
	v.seen = now
	return v.lim
}

// sweepLimiters drops limiters idle for longer than LimiterIdle, at most
// once per LimiterIdle. Caller holds s.mu.
func (s *Server) sweepLimiters(now time.Time) {
	if s.lastSweep.IsZero() {
		s.lastSweep = now
		return
	}
	if now.Sub(s.lastSweep) < s.cfg.LimiterIdle {
		return
	}
	s.lastSweep = now
	for host, v := range s.limiters {
		if now.Sub(v.seen) > s.cfg.LimiterIdle {
			delete(s.limiters, host)
		}
	}
}

// dialableAddr fills a missing or unspecified host in addr with the
// registering client's address.
func dialableAddr(addr, remote string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		rhost, _, err := net.SplitHostPort(remote)
		if err != nil {
			return "", err
		}
		host = rhost
	}
	return net.JoinHostPort(host, port), nil
}
