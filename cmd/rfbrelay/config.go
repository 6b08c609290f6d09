package main

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/matst80/rfbrelay/internal/dispatch"
	"github.com/matst80/rfbrelay/internal/relay"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	ProducerAddr      string
	ConsumerAddr      string
	HandshakeTimeout  time.Duration
	BufferSize        int
	KeepAliveIdle     time.Duration
	KeepAliveInterval time.Duration
	Workers           int
	MetricsAddr       string
	Debug             bool
	// accept throttling per remote host
	AcceptRate  int
	AcceptBurst int
	// optional presence backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration
}

func defaultConfig() Config {
	return Config{
		ProducerAddr:      ":5500",
		ConsumerAddr:      ":5901",
		HandshakeTimeout:  relay.DefaultHandshakeTimeout,
		BufferSize:        relay.DefaultBufferSize,
		KeepAliveIdle:     5 * time.Minute,
		KeepAliveInterval: 10 * time.Second,
		MetricsAddr:       ":9100",
		AcceptBurst:       10,
		PresenceTTL:       time.Minute,
	}
}

func bindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ProducerAddr, "producer", cfg.ProducerAddr, "listen address for VNC servers")
	fs.StringVar(&cfg.ConsumerAddr, "consumer", cfg.ConsumerAddr, "listen address for VNC viewers")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "time allowed from accept to identification")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "per-direction forwarding buffer in bytes")
	fs.DurationVar(&cfg.KeepAliveIdle, "keepalive-idle", cfg.KeepAliveIdle, "TCP keep-alive idle time")
	fs.DurationVar(&cfg.KeepAliveInterval, "keepalive-interval", cfg.KeepAliveInterval, "TCP keep-alive probe interval")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "dispatcher workers; 0 derives the count from the CPU count")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics and health listen address; empty disables")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	fs.IntVar(&cfg.AcceptRate, "accept-rate", cfg.AcceptRate, "accepted connections per second per remote host; 0 disables")
	fs.IntVar(&cfg.AcceptBurst, "accept-burst", cfg.AcceptBurst, "accept burst per remote host")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for the presence index; empty keeps it in memory")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database number")
	fs.DurationVar(&cfg.PresenceTTL, "presence-ttl", cfg.PresenceTTL, "expiry of presence keys in redis")
}

func (c Config) Validate() error {
	var err error
	if c.HandshakeTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("handshake-timeout must be positive, got %s", c.HandshakeTimeout))
	}
	if c.BufferSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("buffer-size must be positive, got %d", c.BufferSize))
	}
	if c.ProducerAddr == c.ConsumerAddr && !strings.HasSuffix(c.ProducerAddr, ":0") {
		err = multierr.Append(err, fmt.Errorf("producer and consumer share address %q", c.ProducerAddr))
	}
	if c.Workers < 0 {
		err = multierr.Append(err, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		err = multierr.Append(err, errors.New("accept-rate and accept-burst must not be negative"))
	}
	return err
}

// WorkerCount resolves the dispatcher size.
func (c Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return dispatch.Workers(runtime.NumCPU())
}

func (c Config) keepAlive() relay.KeepAlive {
	return relay.KeepAlive{Idle: c.KeepAliveIdle, Interval: c.KeepAliveInterval}
}
