// Command loadtest drives many logged-in clients against a realm server and
// reports intent throughput and ping round trips.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/aeolun/realm/pkg/client"
	"github.com/aeolun/realm/pkg/logging"
	"github.com/aeolun/realm/pkg/protocol"
)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	intentsSent       atomic.Int64
	intentsFailed     atomic.Int64
	corrections       atomic.Int64
	successfulClients atomic.Int64

	// Connect phase failure breakdown
	connectFailed  atomic.Int64
	loginFailed    atomic.Int64
	disconnections atomic.Int64
	pingFailures   atomic.Int64

	mu   sync.Mutex
	rtts []time.Duration
}

func (s *Stats) recordPing(rtt time.Duration) {
	s.mu.Lock()
	s.rtts = append(s.rtts, rtt)
	s.mu.Unlock()
}

// percentiles returns the p50, p95 and p99 round trips.
func (s *Stats) percentiles() (p50, p95, p99 time.Duration, n int) {
	s.mu.Lock()
	sorted := slices.Clone(s.rtts)
	s.mu.Unlock()
	if len(sorted) == 0 {
		return 0, 0, 0, 0
	}
	slices.Sort(sorted)
	at := func(p float64) time.Duration {
		i := int(math.Ceil(p*float64(len(sorted)))) - 1
		return sorted[max(i, 0)]
	}
	return at(0.50), at(0.95), at(0.99), len(sorted)
}

// loadClient is one simulated player.
type loadClient struct {
	id     int
	c      *client.Client
	stats  *Stats
	logger *slog.Logger
	rng    *rand.Rand
}

func connect(ctx context.Context, id int, addr, username, password string, reg *protocol.Registry, stats *Stats, logger *slog.Logger) (*loadClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.Dial(dialCtx, addr, reg, client.Options{Logger: logger})
	if err != nil {
		stats.connectFailed.Add(1)
		return nil, err
	}
	if _, err := c.Login(dialCtx, username, password); err != nil {
		stats.loginFailed.Add(1)
		c.Close()
		return nil, err
	}
	return &loadClient{
		id:     id,
		c:      c,
		stats:  stats,
		logger: logger.With("client", id),
		rng:    rand.New(rand.NewPCG(uint64(id), uint64(time.Now().UnixNano()))),
	}, nil
}

// run sends move intents at limiter's rate and pings once a second until ctx
// ends or the connection drops.
func (lc *loadClient) run(ctx context.Context, limiter *rate.Limiter) {
	defer lc.c.Close()

	pings := time.NewTicker(time.Second)
	defer pings.Stop()
	seen := 0

	go func() {
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			var err error
			if lc.rng.Float64() < 0.1 {
				err = lc.c.Stop()
			} else {
				err = lc.c.Move(lc.rng.Float64()*2*math.Pi-math.Pi, 0)
			}
			if err != nil {
				lc.stats.intentsFailed.Add(1)
				return
			}
			lc.stats.intentsSent.Add(1)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logoutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			lc.c.Logout(logoutCtx)
			cancel()
			return
		case <-lc.c.Done():
			lc.stats.disconnections.Add(1)
			lc.logger.Debug("disconnected", "error", lc.c.Conn().Err())
			return
		case <-pings.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			rtt, err := lc.c.Ping(pingCtx)
			cancel()
			if err != nil {
				lc.stats.pingFailures.Add(1)
				continue
			}
			lc.stats.recordPing(rtt)

			if n := lc.c.Mirror().Self().Corrections; n > seen {
				lc.stats.corrections.Add(int64(n - seen))
				seen = n
			}
		}
	}
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:7770", "Server address (host:port, tcp:// or ws://)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	intentRate := flag.Float64("intents", 4, "Move intents per second per client")
	prefix := flag.String("prefix", "bot", "Account name prefix (accounts are <prefix>1..<prefix>N)")
	password := flag.String("password", "password", "Password shared by every account")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, err := logging.New(os.Stdout, logging.Options{Level: *logLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	reg, err := protocol.NewRegistryFrom(protocol.DefaultSchema(), logger)
	if err != nil {
		logger.Error("failed to load schema", "error", err)
		os.Exit(1)
	}

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	logger.Info("starting load test",
		"server", *serverAddr,
		"clients", *numClients,
		"duration", *duration,
		"ramp_up", rampUpDuration,
		"intents_per_second", *intentRate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithTimeout(ctx, *duration+rampUpDuration)
	defer cancel()

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	start := time.Now()
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent := stats.intentsSent.Load()
				p50, p95, _, _ := stats.percentiles()
				logger.Info("stats",
					"clients", stats.successfulClients.Load(),
					"intents", sent,
					"intents_per_second", fmt.Sprintf("%.1f", float64(sent)/time.Since(start).Seconds()),
					"corrections", stats.corrections.Load(),
					"rtt_p50", p50,
					"rtt_p95", p95,
					"load", getCPULoad(),
					"goroutines", runtime.NumGoroutine())
			case <-runCtx.Done():
				return
			}
		}
	}()

	// Spawn clients
	for i := 1; i <= *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			lc, err := connect(runCtx, id, *serverAddr, fmt.Sprintf("%s%d", *prefix, id), *password, reg, stats, logger)
			if err != nil {
				logger.Warn("client failed to start", "client", id, "error", err)
				return
			}
			stats.successfulClients.Add(1)
			lc.run(runCtx, rate.NewLimiter(rate.Limit(*intentRate), 1))
		}(i)

		select {
		case <-time.After(staggerDelay):
		case <-runCtx.Done():
		}
	}

	wg.Wait()

	// Final stats
	elapsed := time.Since(start)
	sent := stats.intentsSent.Load()
	successfulClients := stats.successfulClients.Load()
	p50, p95, p99, samples := stats.percentiles()

	logger.Info("=== Final Results ===")
	logger.Info("clients",
		"attempted", *numClients,
		"successful", successfulClients,
		"connect_failed", stats.connectFailed.Load(),
		"login_failed", stats.loginFailed.Load(),
		"disconnected", stats.disconnections.Load())
	logger.Info("intents",
		"sent", sent,
		"failed", stats.intentsFailed.Load(),
		"per_second", fmt.Sprintf("%.1f", float64(sent)/elapsed.Seconds()),
		"corrections", stats.corrections.Load())
	logger.Info("round trips",
		"samples", samples,
		"failed", stats.pingFailures.Load(),
		"p50", p50,
		"p95", p95,
		"p99", p99)
}
