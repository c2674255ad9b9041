package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/realm/pkg/auth"
	"github.com/aeolun/realm/pkg/client"
	"github.com/aeolun/realm/pkg/protocol"
	"github.com/aeolun/realm/pkg/world"
)

const testPassword = "correct horse"

// testRows is a walled 10x10 courtyard with the spawn in the top-left corner.
var testRows = []string{
	"##########",
	"#S.......#",
	"#........#",
	"#........#",
	"#........#",
	"#........#",
	"#........#",
	"#........#",
	"#........#",
	"##########",
}

type testEnv struct {
	srv   *Server
	store *auth.MemoryStore
	reg   *protocol.Registry
}

// newTestServer starts a server on loopback ports that only ticks when the
// test calls Tick.
func newTestServer(t *testing.T, mutate func(*Config, *Deps)) *testEnv {
	t.Helper()

	reg, err := protocol.NewRegistryFrom(protocol.DefaultSchema(), testLogger)
	require.NoError(t, err)
	w, err := world.FromRows(world.DefaultConfig(), "courtyard", testRows, testLogger)
	require.NoError(t, err)

	store := auth.NewMemoryStore()
	for _, name := range []string{"alice", "bob", "carol", "dave"} {
		_, err := store.CreateUser(context.Background(), name, testPassword)
		require.NoError(t, err)
	}

	cfg := Config{
		UPS:              50,
		TCPAddr:          "127.0.0.1:0",
		WebSocketAddr:    "127.0.0.1:0",
		MetricsAddr:      "127.0.0.1:0",
		HandshakeTimeout: 5 * time.Second,
		ManualTick:       true,
	}
	deps := Deps{Registry: reg, World: w, Auth: store, Logger: testLogger}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	srv, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return &testEnv{srv: srv, store: store, reg: reg}
}

func (e *testEnv) tcpURL() string { return "tcp://" + e.srv.TCPAddr().String() }
func (e *testEnv) wsURL() string  { return "ws://" + e.srv.WebSocketAddr().String() + "/ws" }

// await runs fn on its own goroutine and keeps ticking until it returns.
func await[T any](t *testing.T, srv *Server, fn func(ctx context.Context) (T, error)) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	for {
		select {
		case r := <-ch:
			return r.v, r.err
		default:
			srv.Tick()
			time.Sleep(time.Millisecond)
		}
	}
}

// tickUntil ticks until cond holds. cond runs on the tick goroutine.
func tickUntil(t *testing.T, srv *Server, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		srv.Tick()
		time.Sleep(time.Millisecond)
	}
}

func (e *testEnv) dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := await(t, e.srv, func(ctx context.Context) (*client.Client, error) {
		return client.Dial(ctx, addr, e.reg, client.Options{UPS: e.srv.Config().UPS})
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func (e *testEnv) login(t *testing.T, c *client.Client, user string) *client.LoginResult {
	t.Helper()
	res, err := await(t, e.srv, func(ctx context.Context) (*client.LoginResult, error) {
		return c.Login(ctx, user, testPassword)
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) session(t *testing.T, id int32) *Session {
	t.Helper()
	sess, ok := e.srv.Sessions().Get(int(id))
	require.True(t, ok, "session %d not found", id)
	return sess
}
