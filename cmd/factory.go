// File: cmd/factory.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/config"
	"github.com/xkilldash9x/cartography/internal/engine"
	"github.com/xkilldash9x/cartography/internal/observability"
	"github.com/xkilldash9x/cartography/internal/store"
)

// Components holds everything a single sync needs. Shutdown releases them in
// reverse order of creation.
type Components struct {
	Session client.Session
	Sync    *engine.Sync
	Store   *store.Store

	closers []func(context.Context) error
}

func (c *Components) onShutdown(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

// Shutdown closes the graph session, the driver and the ledger pool.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// The run context may already be cancelled; closing still needs to reach the server.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			logger.Warn("Error during component shutdown.", zap.Error(err))
		}
	}
	c.closers = nil
	logger.Debug("All components shut down.")
}

// ComponentFactory creates the components for one sync. The scheduler asks
// for a fresh set per run.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config) (*Components, error)
}

// PasswordPrompt reads a secret from the terminal.
type PasswordPrompt func(prompt string) (string, error)

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	prompt PasswordPrompt

	// The password is resolved once so scheduled runs do not prompt again.
	password string
	resolved bool
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{prompt: terminalPrompt}
}

// Create connects to Neo4j, optionally to the Postgres ledger, and builds the
// stage list from the selected modules.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config) (*Components, error) {
	logger := observability.GetLogger()
	components := &Components{}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	if err := engine.ValidateModules(cfg.Sync.SelectedModules); err != nil {
		return nil, err
	}

	// 1. Neo4j
	if !f.resolved {
		password, err := neo4jPassword(cfg.Neo4j, f.prompt)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		f.password, f.resolved = password, true
	}
	driver, err := client.Connect(ctx, cfg.Neo4j, f.password, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.onShutdown(driver.Close)
	session := driver.NewSession(ctx)
	components.onShutdown(session.Close)
	components.Session = session
	logger.Debug("Neo4j session opened.")

	// 2. Run ledger
	var opts []engine.Option
	if cfg.Postgres.URL != "" {
		dbStore, err := openStore(ctx, cfg.Postgres.URL, components, logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.Store = dbStore
		opts = append(opts, engine.WithRecorder(dbStore))
		logger.Debug("Sync ledger initialized.")
	}

	// 3. Stages
	syncer, err := engine.Build(cfg.Sync.SelectedModules, logger, opts...)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Sync = syncer

	return components, nil
}

func openStore(ctx context.Context, url string, components *Components, logger *zap.Logger) (*store.Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}
	components.onShutdown(func(context.Context) error {
		pool.Close()
		return nil
	})

	dbStore, err := store.New(ctx, pool, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync ledger: %w", err)
	}
	if err := dbStore.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return dbStore, nil
}

// neo4jPassword reads the password from the configured env var, or prompts
// for it. No user means no auth and no password.
func neo4jPassword(cfg config.Neo4jConfig, prompt PasswordPrompt) (string, error) {
	switch {
	case cfg.User == "":
		return "", nil
	case cfg.PasswordPrompt:
		if prompt == nil {
			return "", errors.New("neo4j password prompt is not available")
		}
		password, err := prompt(fmt.Sprintf("Enter Neo4j password for %s: ", cfg.User))
		if err != nil {
			return "", fmt.Errorf("failed to read neo4j password: %w", err)
		}
		return password, nil
	case cfg.PasswordEnvVar != "":
		password, ok := os.LookupEnv(cfg.PasswordEnvVar)
		if !ok {
			return "", fmt.Errorf("neo4j password env var %s is not set", cfg.PasswordEnvVar)
		}
		return password, nil
	default:
		return "", nil
	}
}

func terminalPrompt(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
