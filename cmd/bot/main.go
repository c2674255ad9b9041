// Command bot connects scripted players to a realm server. Accounts are
// <prefix><n> for n in 1..count; create them with
//
//	server -add-user bot1:password -add-user bot2:password ...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aeolun/realm/pkg/botlib"
	"github.com/aeolun/realm/pkg/logging"
	"github.com/aeolun/realm/pkg/protocol"
)

func newBehavior(name string, i int) (botlib.Behavior, error) {
	switch name {
	case "walk":
		return &botlib.RandomWalk{MinLeg: time.Second, MaxLeg: 4 * time.Second, PauseChance: 0.2}, nil
	case "pace":
		return &botlib.Pace{Facing: float64(i) * 0.7, Leg: 2 * time.Second}, nil
	default:
		return nil, fmt.Errorf("unknown behavior %q (use 'walk' or 'pace')", name)
	}
}

func main() {
	server := flag.String("server", "localhost:7770", "Server address (host:port, tcp://, ws:// or wss://)")
	count := flag.Int("count", 1, "Number of bots")
	prefix := flag.String("prefix", "bot", "Account name prefix")
	password := flag.String("password", "password", "Password shared by every bot account")
	behavior := flag.String("behavior", "walk", "Behavior: 'walk' or 'pace'")
	ups := flag.Int("ups", 50, "Server tick rate")
	think := flag.Duration("think", 250*time.Millisecond, "Interval between decisions")
	stagger := flag.Duration("stagger", 50*time.Millisecond, "Delay between bot logins")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger, err := logging.New(os.Stderr, logging.Options{Level: *logLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bot: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	reg, err := protocol.NewRegistryFrom(protocol.DefaultSchema(), logger)
	if err != nil {
		logger.Error("failed to load schema", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= *count; i++ {
		b, err := newBehavior(*behavior, i)
		if err != nil {
			logger.Error("invalid behavior", "error", err)
			os.Exit(2)
		}
		bot := botlib.New(botlib.Config{
			Server:        *server,
			Username:      fmt.Sprintf("%s%d", *prefix, i),
			Password:      *password,
			Registry:      reg,
			Logger:        logger,
			ThinkInterval: *think,
			UPS:           *ups,
		}, b)
		delay := time.Duration(i-1) * *stagger
		g.Go(func() error {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			if err := bot.Run(ctx); err != nil {
				return fmt.Errorf("%s: %w", bot.Username(), err)
			}
			return nil
		})
	}

	logger.Info("bots running", "count", *count, "server", *server, "behavior", *behavior)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bot failed", "error", err)
		os.Exit(1)
	}
}
