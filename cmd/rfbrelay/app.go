package main

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/matst80/rfbrelay/internal/admin"
	"github.com/matst80/rfbrelay/internal/dispatch"
	"github.com/matst80/rfbrelay/internal/handshake"
	"github.com/matst80/rfbrelay/internal/obs"
	"github.com/matst80/rfbrelay/internal/presence"
	"github.com/matst80/rfbrelay/internal/ratelimit"
	"github.com/matst80/rfbrelay/internal/relay"
)

// limiterSweepInterval is how often idle per-host buckets are dropped.
const limiterSweepInterval = time.Minute

func appOptions(cfg Config) []fx.Option {
	return []fx.Option{
		fx.Supply(cfg),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: obs.Logger().Named("fx")}
		}),
		fx.Provide(
			newClock,
			newPool,
			newPresence,
			newLimiter,
			newBroker,
			newRelayServer,
			newAdmin,
		),
		fx.Invoke(func(*relayServer, *admin.Server) {}),
	}
}

func newClock() clock.Clock { return clock.New() }

func newPool(lc fx.Lifecycle, cfg Config) *dispatch.Pool {
	p := dispatch.New(cfg.WorkerCount())
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		p.Close()
		return nil
	}})
	return p
}

func newPresence(lc fx.Lifecycle, cfg Config) (presence.Store, error) {
	s, err := presence.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.PresenceTTL)
	if err != nil {
		return nil, fmt.Errorf("presence: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return s.Close() }})
	return s, nil
}

func newLimiter(cfg Config) *ratelimit.Limiter {
	if cfg.AcceptRate <= 0 {
		return nil
	}
	return ratelimit.NewLimiter(0, cfg.AcceptRate, cfg.AcceptBurst)
}

func newBroker(pool *dispatch.Pool, store presence.Store, cfg Config) *relay.Broker {
	return relay.NewBroker(pool, relay.BrokerOptions{BufferSize: cfg.BufferSize, Presence: store})
}

// newAdmin returns nil when the admin address is empty.
func newAdmin(lc fx.Lifecycle, cfg Config, rs *relayServer) *admin.Server {
	if cfg.MetricsAddr == "" {
		return nil
	}
	s := admin.New(cfg.MetricsAddr, rs)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return s.Start() },
		OnStop:  s.Shutdown,
	})
	return s
}

// relayServer owns both listeners and answers the admin endpoints.
type relayServer struct {
	cfg      Config
	pool     *dispatch.Pool
	broker   *relay.Broker
	presence presence.Store
	limiter  *ratelimit.Limiter
	clock    clock.Clock
	started  time.Time

	producer *relay.Listener
	consumer *relay.Listener
	ready    atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type relayParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    Config
	Pool      *dispatch.Pool
	Broker    *relay.Broker
	Presence  presence.Store
	Limiter   *ratelimit.Limiter
	Clock     clock.Clock
}

func newRelayServer(p relayParams) *relayServer {
	rs := &relayServer{
		cfg:      p.Config,
		pool:     p.Pool,
		broker:   p.Broker,
		presence: p.Presence,
		limiter:  p.Limiter,
		clock:    p.Clock,
	}
	p.Lifecycle.Append(fx.Hook{OnStart: rs.start, OnStop: rs.stop})
	return rs
}

func (rs *relayServer) listenerOptions(role relay.Role) relay.ListenerOptions {
	return relay.ListenerOptions{
		Role:             role,
		HandshakeTimeout: rs.cfg.HandshakeTimeout,
		KeepAlive:        rs.cfg.keepAlive(),
		Clock:            rs.clock,
		Limiter:          rs.limiter,
	}
}

func (rs *relayServer) start(context.Context) error {
	prod, err := relay.Listen(rs.cfg.ProducerAddr, rs.pool, rs.broker, rs.listenerOptions(relay.Producer))
	if err != nil {
		return err
	}
	cons, err := relay.Listen(rs.cfg.ConsumerAddr, rs.pool, rs.broker, rs.listenerOptions(relay.Consumer))
	if err != nil {
		_ = prod.Close()
		return err
	}
	rs.producer, rs.consumer = prod, cons
	rs.started = rs.clock.Now()

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	for _, l := range []*relay.Listener{prod, cons} {
		rs.wg.Add(1)
		go func(l *relay.Listener) {
			defer rs.wg.Done()
			if err := l.Serve(ctx); err != nil {
				obs.Error("relay.serve", obs.Fields{"role": l.Role().String(), "err": err.Error()})
			}
		}(l)
	}
	if rs.limiter.Enabled() {
		rs.wg.Add(1)
		go func() {
			defer rs.wg.Done()
			rs.sweep(ctx)
		}()
	}
	rs.ready.Store(true)
	obs.Info("relay.start", obs.Fields{
		"producer":  prod.Addr().String(),
		"consumer":  cons.Addr().String(),
		"hardware":  runtime.NumCPU(),
		"cores":     dispatch.Layout(runtime.NumCPU()),
		"workers":   rs.pool.Size(),
		"buffer":    rs.cfg.BufferSize,
		"handshake": rs.cfg.HandshakeTimeout.String(),
	})
	return nil
}

func (rs *relayServer) stop(context.Context) error {
	rs.ready.Store(false)
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.wg.Wait()
	obs.Info("relay.stop", obs.Fields{})
	return nil
}

func (rs *relayServer) sweep(ctx context.Context) {
	t := rs.clock.Ticker(limiterSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := rs.limiter.Sweep(limiterSweepInterval); n > 0 {
				obs.Debug("ratelimit.sweep", obs.Fields{"removed": n, "hosts": rs.limiter.Hosts()})
			}
		}
	}
}

// Ready is true while both accept loops run and shutdown has not begun.
func (rs *relayServer) Ready() bool {
	return rs.ready.Load() && rs.producer.Serving() && rs.consumer.Serving()
}

func (rs *relayServer) Stats(ctx context.Context) (admin.Stats, error) {
	st, err := rs.broker.Stats(ctx)
	if err != nil {
		return admin.Stats{}, err
	}
	now := rs.clock.Now()
	return admin.Stats{
		WaitingProducers: st.WaitingProducers,
		WaitingConsumers: st.WaitingConsumers,
		Keys:             st.Keys,
		Active:           st.Active,
		Matched:          st.Matched,
		Workers:          rs.pool.Size(),
		Uptime:           now.Sub(rs.started).Truncate(time.Second).String(),
		Now:              now.UTC().Format(time.RFC3339),
	}, nil
}

// Lookup folds the key the same way the handshake does before asking the
// presence index. Padded keys are queried in their escaped form.
func (rs *relayServer) Lookup(ctx context.Context, role, key string) (map[string]int64, error) {
	return rs.presence.Lookup(ctx, role, handshake.FoldKey(key))
}
