// Command server runs a realm server: raw TCP and WebSocket listeners, the
// fixed-rate simulation loop and an internal metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/aeolun/realm/pkg/auth"
	"github.com/aeolun/realm/pkg/crypto"
	"github.com/aeolun/realm/pkg/logging"
	"github.com/aeolun/realm/pkg/protocol"
	"github.com/aeolun/realm/pkg/server"
)

// userSpec is one -add-user value.
type userSpec struct {
	name, password string
}

func parseUserSpec(s string) (userSpec, error) {
	name, password, ok := strings.Cut(s, ":")
	if !ok || name == "" || password == "" {
		return userSpec{}, fmt.Errorf("expected name:password, got %q", s)
	}
	return userSpec{name: name, password: password}, nil
}

func main() {
	configPath := flag.String("config", "~/.realm/server.toml", "Path to config file")
	var users []userSpec
	flag.Func("add-user", "Create or update an account (name:password, repeatable)", func(s string) error {
		u, err := parseUserSpec(s)
		if err != nil {
			return err
		}
		users = append(users, u)
		return nil
	})
	listUsers := flag.Bool("list-users", false, "List accounts and exit")
	flag.Parse()

	if err := run(*configPath, users, *listUsers); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, users []userSpec, listUsers bool) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(os.Stderr, cfg.LoggingOptions())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	store, err := openAccounts(&cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, u := range users {
		if err := upsertUser(ctx, store, u); err != nil {
			return err
		}
	}
	if listUsers {
		return printUsers(ctx, store)
	}

	reg, err := protocol.NewRegistryFrom(cfg.SchemaLoader(), logger)
	if err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}
	if err := cfg.ApplySchemaOverrides(reg); err != nil {
		return fmt.Errorf("invalid schema overrides: %w", err)
	}

	w, err := cfg.WorldLoader().Load(logger)
	if err != nil {
		return fmt.Errorf("failed to load world: %w", err)
	}
	if cfg.World.StepLength > 0 {
		if err := w.SetStepLength(cfg.World.StepLength); err != nil {
			return err
		}
	}

	keyPath, err := cfg.GetKeyPath()
	if err != nil {
		return err
	}
	kp, generated, err := crypto.LoadOrGenerateKeyPair(keyPath)
	if err != nil {
		return fmt.Errorf("failed to load keypair: %w", err)
	}
	if generated {
		logger.Info("generated server keypair", "path", keyPath)
	}

	srv, err := server.New(cfg.ToServerConfig(), server.Deps{
		Registry: reg,
		World:    w,
		Auth:     store,
		KeyPair:  kp,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting server", "ups", srv.Config().UPS, "message_types", reg.Len(), "actors", len(w.Actors()))
	return srv.Run(ctx)
}

func openAccounts(cfg *server.TOMLConfig, logger *slog.Logger) (*auth.SQLiteStore, error) {
	path, err := cfg.GetDatabasePath()
	if err != nil {
		return nil, err
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := auth.OpenSQLite(path, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("account database open", "path", path)
	return store, nil
}

func upsertUser(ctx context.Context, store *auth.SQLiteStore, u userSpec) error {
	_, err := store.CreateUser(ctx, u.name, u.password)
	if errors.Is(err, auth.ErrUserExists) {
		err = store.SetPassword(ctx, u.name, u.password)
	}
	if err != nil {
		return fmt.Errorf("account %s: %w", u.name, err)
	}
	return nil
}

func printUsers(ctx context.Context, store *auth.SQLiteStore) error {
	list, err := store.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range list {
		fmt.Printf("%s\t%s\tlast seen %s\n", u.ID, u.Username, u.LastSeen.Format("2006-01-02 15:04"))
	}
	return nil
}
