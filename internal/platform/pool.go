package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/pkg/utils"
)

// failuresUntilDead demotes a degraded connection to dead and spawns a
// replacement.
const failuresUntilDead = 3

// PoolConfig tunes one platform's connection pool.
type PoolConfig struct {
	MaxConnections      int
	MinIdleConnections  int
	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration
	RetryAttempts       int
	MessagesPerSecond   float64
	BurstLimit          int
}

func (c *PoolConfig) normalize() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1
	}

	if c.MinIdleConnections <= 0 || c.MinIdleConnections > c.MaxConnections {
		c.MinIdleConnections = 1
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}

	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}

	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 20
	}

	if c.BurstLimit <= 0 {
		c.BurstLimit = 5
	}
}

type pooledConn struct {
	conn     Connection
	health   Health
	failures int
}

// PoolStats is a point-in-time view for metrics and adaptive sampling.
type PoolStats struct {
	Live     int
	Degraded int
	Dead     int
	Max      int
}

// UtilizationPercent reports live connections against the configured
// maximum.
func (s PoolStats) UtilizationPercent() float64 {
	if s.Max == 0 {
		return 0
	}

	return float64(s.Live) / float64(s.Max) * 100
}

// Pool keeps live connections for one platform, merges their inbound
// streams, and spreads outbound operations across healthy links under a
// shared rate budget and circuit breaker.
type Pool struct {
	platform chat.Platform
	factory  Factory
	cfg      PoolConfig
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger

	mu    sync.Mutex
	conns []*pooledConn
	next  int

	inbound chan *chat.Message
	wg      sync.WaitGroup
}

// NewPool creates a pool; connections are established by Run.
func NewPool(platform chat.Platform, factory Factory, cfg PoolConfig, logger *zap.Logger) *Pool {
	cfg.normalize()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(platform) + "-send",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures*2 >= counts.Requests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Send circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Pool{
		platform: platform,
		factory:  factory,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.BurstLimit),
		breaker:  breaker,
		logger:   logger.Named("pool").With(zap.String("platform", string(platform))),
		inbound:  make(chan *chat.Message, 256),
	}
}

// Messages returns the merged inbound stream across every connection.
func (p *Pool) Messages() <-chan *chat.Message { return p.inbound }

// Run establishes the warm connections and health-checks them until ctx
// is canceled, then disconnects everything.
func (p *Pool) Run(ctx context.Context) error {
	for i := 0; i < p.cfg.MinIdleConnections; i++ {
		if err := p.addConnection(ctx); err != nil {
			if i == 0 {
				return err
			}

			p.logger.Warn("Warm connection failed, continuing with fewer", zap.Error(err))

			break
		}
	}

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()
		case <-ticker.C:
			p.healthCheck(ctx)
		}
	}
}

// addConnection dials a new connection with backoff and registers it.
func (p *Pool) addConnection(ctx context.Context) error {
	conn := p.factory()

	retryOpts := utils.GetConnectRetryOptions()
	if p.cfg.RetryAttempts > 0 {
		retryOpts.MaxRetries = uint64(p.cfg.RetryAttempts)
	}

	_, err := utils.WithRetry(ctx, func() (struct{}, error) {
		connectCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()

		return struct{}{}, conn.Connect(connectCtx)
	}, retryOpts)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPlatformConnect, p.platform, err)
	}

	p.mu.Lock()
	p.conns = append(p.conns, &pooledConn{conn: conn, health: HealthLive})
	total := len(p.conns)
	p.mu.Unlock()

	p.wg.Add(1)

	go p.forward(conn)

	p.logger.Info("Connection added", zap.Int("total", total))

	return nil
}

// forward copies one connection's inbound stream into the merged
// channel until the stream closes.
func (p *Pool) forward(conn Connection) {
	defer p.wg.Done()

	for msg := range conn.Messages() {
		p.inbound <- msg
	}
}

func (p *Pool) healthCheck(ctx context.Context) {
	p.mu.Lock()

	kept := p.conns[:0]
	deficit := 0

	for _, pc := range p.conns {
		if !pc.conn.IsConnected() {
			pc.health = HealthDead
		}

		if pc.health == HealthDead {
			_ = pc.conn.Disconnect()

			deficit++

			p.logger.Warn("Connection dead, scheduling replacement")

			continue
		}

		kept = append(kept, pc)
	}

	p.conns = kept

	for len(p.conns)+deficit < p.cfg.MinIdleConnections {
		deficit++
	}

	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		p.mu.Lock()
		room := len(p.conns) < p.cfg.MaxConnections
		p.mu.Unlock()

		if !room {
			break
		}

		if err := p.addConnection(ctx); err != nil {
			p.logger.Error("Replacement connection failed", zap.Error(err))
			break
		}
	}
}

func (p *Pool) shutdown() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, pc := range conns {
		_ = pc.conn.Disconnect()
	}

	p.wg.Wait()
	close(p.inbound)
}

// pick returns the next healthy connection round-robin.
func (p *Pool) pick() (*pooledConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) == 0 {
		return nil, fmt.Errorf("%w: %s pool empty", ErrNotConnected, p.platform)
	}

	for i := 0; i < len(p.conns); i++ {
		pc := p.conns[p.next%len(p.conns)]
		p.next++

		if pc.health != HealthDead && pc.conn.IsConnected() {
			return pc, nil
		}
	}

	return nil, fmt.Errorf("%w: %s no healthy connections", ErrNotConnected, p.platform)
}

// do runs one outbound operation under the rate budget and breaker,
// demoting the used connection on failure. Callers are never blocked
// longer than the configured connect timeout.
func (p *Pool) do(ctx context.Context, op func(ctx context.Context, conn Connection) error) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	if err := p.limiter.Wait(waitCtx); err != nil {
		return fmt.Errorf("%w: %s", ErrPlatformRateLimited, p.platform)
	}

	pc, err := p.pick()
	if err != nil {
		return err
	}

	_, err = p.breaker.Execute(func() (any, error) {
		opCtx, opCancel := context.WithTimeout(waitCtx, p.cfg.ConnectTimeout)
		defer opCancel()

		return nil, op(opCtx, pc.conn)
	})
	if err != nil {
		p.noteFailure(pc)
		return err
	}

	p.noteSuccess(pc)

	return nil
}

func (p *Pool) noteFailure(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc.failures++
	pc.health = HealthDegraded

	if pc.failures >= failuresUntilDead {
		pc.health = HealthDead
	}
}

func (p *Pool) noteSuccess(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc.failures = 0
	pc.health = HealthLive
}

// SendMessage posts text to a channel through a healthy connection.
func (p *Pool) SendMessage(ctx context.Context, channel, text string) error {
	return p.do(ctx, func(ctx context.Context, conn Connection) error {
		return conn.SendMessage(ctx, channel, text)
	})
}

// DeleteMessage removes one message.
func (p *Pool) DeleteMessage(ctx context.Context, channel, messageID string) error {
	return p.do(ctx, func(ctx context.Context, conn Connection) error {
		return conn.DeleteMessage(ctx, channel, messageID)
	})
}

// TimeoutUser applies a timed ban.
func (p *Pool) TimeoutUser(
	ctx context.Context, channel, userID string, duration time.Duration, reason string,
) error {
	return p.do(ctx, func(ctx context.Context, conn Connection) error {
		return conn.TimeoutUser(ctx, channel, userID, duration, reason)
	})
}

// BanUser applies a permanent ban.
func (p *Pool) BanUser(ctx context.Context, channel, userID, reason string) error {
	return p.do(ctx, func(ctx context.Context, conn Connection) error {
		return conn.BanUser(ctx, channel, userID, reason)
	})
}

// Platform returns the platform this pool serves.
func (p *Pool) Platform() chat.Platform { return p.platform }

// Stats reports current connection health counts.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{Max: p.cfg.MaxConnections}

	for _, pc := range p.conns {
		switch pc.health {
		case HealthLive:
			stats.Live++
		case HealthDegraded:
			stats.Degraded++
		case HealthDead:
			stats.Dead++
		}
	}

	return stats
}
