package proxy

import (
	"context"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/session-replay-tools/cetus-sub002/backend"
	"github.com/session-replay-tools/cetus-sub002/cache"
	"github.com/session-replay-tools/cetus-sub002/config"
	"github.com/session-replay-tools/cetus-sub002/metrics"
	"github.com/session-replay-tools/cetus-sub002/pool"
)

// Proxy accepts MySQL clients and routes their commands across the backend
// group.
type Proxy struct {
	cfg   *config.Config
	group *backend.Group
	cache *cache.Cache

	silentVars map[string]struct{}

	rngMu sync.Mutex
	rng   *rand.Rand

	connID   atomic.Uint32
	listener net.Listener
}

// New builds a proxy from the loaded configuration.
func New(cfg *config.Config) (*Proxy, error) {
	replicas := make([]backend.Replica, 0, len(cfg.Backend.Replicas))
	for _, r := range cfg.Backend.Replicas {
		replicas = append(replicas, backend.Replica{Addr: r.Addr, Weight: r.Weight})
	}

	p := &Proxy{
		cfg: cfg,
		group: backend.NewGroup(cfg.Backend.Primary, replicas, poolOptions(cfg),
			cfg.Proxy.PriorityRead),
		silentVars: make(map[string]struct{}, len(cfg.Proxy.SilentVariables)),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, v := range cfg.Proxy.SilentVariables {
		p.silentVars[v] = struct{}{}
	}

	if cfg.Cache.Enabled {
		c, err := cache.New(cfg.Cache.MaxSize)
		if err != nil {
			return nil, err
		}
		p.cache = c
	}
	return p, nil
}

func poolOptions(cfg *config.Config) pool.Options {
	return pool.Options{
		MinIdle:     cfg.Pool.MinIdle,
		MidIdle:     cfg.Pool.MidIdle,
		MaxIdle:     cfg.Pool.MaxIdle,
		IdleTimeout: cfg.Pool.IdleTimeout,
	}
}

// Group exposes the backend group for health checking.
func (p *Proxy) Group() *backend.Group {
	return p.group
}

// Serve listens on the configured address and handles clients until the
// context is cancelled.
func (p *Proxy) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.Proxy.Listen)
	if err != nil {
		return err
	}
	p.listener = ln
	log.Printf("[Proxy] Listening on %s", p.cfg.Proxy.Listen)

	go p.maintain(ctx)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go p.handleConn(conn)
	}
}

func (p *Proxy) handleConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	c := newClientConn(conn, p, p.connID.Add(1))
	metrics.ClientConnections.Inc()

	if err := c.handshake(); err != nil {
		log.Printf("[Proxy] Handshake failed (%s): %v", conn.RemoteAddr(), err)
		metrics.ClientConnections.Dec()
		conn.Close()
		return
	}
	c.run()
}

// maintain replenishes pools whose idle watchers evicted connections, so a
// burst after a quiet period does not pay the dial latency. Replenishment
// authenticates with the health-check account and relies on per-command
// reconciliation to hand the connection to whichever user claims it.
func (p *Proxy) maintain(ctx context.Context) {
	user := p.cfg.Health.User
	if user == "" {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for ndx, b := range p.group.All() {
			if b.State() != backend.StateUp && b.State() != backend.StateUnknown {
				continue
			}
			for i := b.Pool.TakeDeficit(); i > 0; i-- {
				sock, err := connectBackend(b.Addr, ndx, user, p.cfg.Health.Password, "")
				if err != nil {
					log.Printf("[Proxy] Replenish %s failed: %v", b.Addr, err)
					break
				}
				if !b.Pool.Add(sock) {
					sock.Quit()
					break
				}
			}
			metrics.PoolIdle.WithLabelValues(b.Addr).Set(float64(b.Pool.IdleCount()))
		}
	}
}

// UpdateConfig applies the reloadable routing-policy settings from a fresh
// configuration. Listener and backend addresses need a restart.
func (p *Proxy) UpdateConfig(cfg *config.Config) {
	p.cfg.Proxy.ReadMasterPercentage = cfg.Proxy.ReadMasterPercentage
	p.cfg.Proxy.MasterPreferred = cfg.Proxy.MasterPreferred
	p.cfg.Proxy.CheckSQLLoosely = cfg.Proxy.CheckSQLLoosely
	p.cfg.Proxy.ReduceConnections = cfg.Proxy.ReduceConnections
	p.cfg.Users = cfg.Users

	silent := make(map[string]struct{}, len(cfg.Proxy.SilentVariables))
	for _, v := range cfg.Proxy.SilentVariables {
		silent[v] = struct{}{}
	}
	p.silentVars = silent
}

// randPercent draws a uniform value in [0,100).
func (p *Proxy) randPercent() int {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Intn(100)
}

// Close releases the listener, the pools and the cache.
func (p *Proxy) Close() {
	if p.listener != nil {
		p.listener.Close()
	}
	p.group.Close()
	if p.cache != nil {
		p.cache.Close()
	}
}
