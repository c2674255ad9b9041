// Package botlib runs scripted players against a realm server.
package botlib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aeolun/realm/pkg/client"
	"github.com/aeolun/realm/pkg/logging"
	"github.com/aeolun/realm/pkg/protocol"
)

// Behavior decides what a bot does. Think is called every ThinkInterval on
// the bot's own goroutine.
type Behavior interface {
	Think(ctx *Context)
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(ctx *Context)

func (f BehaviorFunc) Think(ctx *Context) { f(ctx) }

// Config holds the bot configuration.
type Config struct {
	// Server address, see client.Dial
	Server string

	Username string
	Password string

	// Registry must match the server's schema (default: built-in schema)
	Registry *protocol.Registry

	// Logger for debug output (optional, discarded by default)
	Logger *slog.Logger

	// ResponseTimeout for request/response operations (default: 10s)
	ResponseTimeout time.Duration

	// PingInterval for round trip sampling (default: 30s)
	PingInterval time.Duration

	// ThinkInterval between Behavior calls (default: 250ms)
	ThinkInterval time.Duration

	// UPS is the server's tick rate (default: 50)
	UPS int

	// Seed for the bot's random source (0 picks one)
	Seed uint64
}

// Bot is one scripted player.
type Bot struct {
	config   Config
	behavior Behavior
	logger   *slog.Logger
	rng      *rand.Rand

	client      *client.Client
	login       *client.LoginResult
	corrections int

	mu      sync.Mutex
	lastRTT time.Duration
	thinks  int
}

// New creates a bot that runs behavior once connected.
func New(config Config, behavior Behavior) *Bot {
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ThinkInterval == 0 {
		config.ThinkInterval = 250 * time.Millisecond
	}
	if config.UPS == 0 {
		config.UPS = 50
	}
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Bot{
		config:   config,
		behavior: behavior,
		logger:   logging.OrDiscard(config.Logger).With("bot", config.Username),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Run connects, logs in and runs the behavior until ctx is cancelled or the
// connection is lost. A cancelled context is a clean stop.
func (b *Bot) Run(ctx context.Context) error {
	reg := b.config.Registry
	if reg == nil {
		var err error
		if reg, err = protocol.NewRegistryFrom(protocol.DefaultSchema(), b.logger); err != nil {
			return err
		}
	}

	b.logger.Debug("connecting", "server", b.config.Server)
	dialCtx, cancel := context.WithTimeout(ctx, b.config.ResponseTimeout)
	c, err := client.Dial(dialCtx, b.config.Server, reg, client.Options{Logger: b.logger, UPS: b.config.UPS})
	cancel()
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	b.client = c
	defer c.Close()

	loginCtx, cancel := context.WithTimeout(ctx, b.config.ResponseTimeout)
	b.login, err = c.Login(loginCtx, b.config.Username, b.config.Password)
	cancel()
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	b.logger.Info("logged in", "session", b.login.SessionID, "object", b.login.ObjectID)

	pings := time.NewTicker(b.config.PingInterval)
	defer pings.Stop()
	thinks := time.NewTicker(b.config.ThinkInterval)
	defer thinks.Stop()

	for {
		select {
		case <-ctx.Done():
			return b.shutdown()
		case <-c.Done():
			return fmt.Errorf("%w: %v", client.ErrDisconnected, c.Conn().Err())
		case <-pings.C:
			b.ping(ctx)
		case <-thinks.C:
			b.think()
		}
	}
}

func (b *Bot) think() {
	self := b.client.Mirror().Self()
	forced := self.Corrections > b.corrections
	b.corrections = self.Corrections

	b.behavior.Think(&Context{bot: b, self: self, forced: forced})
	b.mu.Lock()
	b.thinks++
	b.mu.Unlock()
}

func (b *Bot) ping(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, b.config.ResponseTimeout)
	defer cancel()
	rtt, err := b.client.Ping(pingCtx)
	if err != nil {
		b.logger.Warn("ping failed", "error", err)
		return
	}
	b.mu.Lock()
	b.lastRTT = rtt
	b.mu.Unlock()
}

func (b *Bot) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.ResponseTimeout)
	defer cancel()
	if err := b.client.Logout(ctx); err != nil && !errors.Is(err, client.ErrDisconnected) {
		b.logger.Warn("logout failed", "error", err)
	}
	b.logger.Info("bot stopped")
	return nil
}

// Username returns the account the bot logs in as.
func (b *Bot) Username() string { return b.config.Username }

// LastRTT returns the most recent ping round trip.
func (b *Bot) LastRTT() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRTT
}

// Thinks counts completed Behavior calls.
func (b *Bot) Thinks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.thinks
}
