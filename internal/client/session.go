// Package client is the only place that talks to Neo4j. Everything above it sees
// the Session interface, which keeps provider modules and the cleanup engine
// testable without a database.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jconfig "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/config"
)

// Summary carries the write counters Neo4j reports for a statement.
type Summary struct {
	NodesCreated         int
	NodesDeleted         int
	RelationshipsCreated int
	RelationshipsDeleted int
	PropertiesSet        int
	LabelsAdded          int
	IndexesAdded         int
}

// ContainsUpdates reports whether the statement changed anything.
func (s Summary) ContainsUpdates() bool {
	return s.NodesCreated+s.NodesDeleted+s.RelationshipsCreated+s.RelationshipsDeleted+
		s.PropertiesSet+s.LabelsAdded+s.IndexesAdded > 0
}

// Add accumulates counters across batches.
func (s Summary) Add(o Summary) Summary {
	return Summary{
		NodesCreated:         s.NodesCreated + o.NodesCreated,
		NodesDeleted:         s.NodesDeleted + o.NodesDeleted,
		RelationshipsCreated: s.RelationshipsCreated + o.RelationshipsCreated,
		RelationshipsDeleted: s.RelationshipsDeleted + o.RelationshipsDeleted,
		PropertiesSet:        s.PropertiesSet + o.PropertiesSet,
		LabelsAdded:          s.LabelsAdded + o.LabelsAdded,
		IndexesAdded:         s.IndexesAdded + o.IndexesAdded,
	}
}

// Session runs Cypher. Each call is its own managed transaction.
type Session interface {
	Write(ctx context.Context, query string, params map[string]any) (Summary, error)
	Read(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// IndexSet remembers the index statements already run on a session. The zero
// value is ready to use.
type IndexSet struct {
	mu   sync.Mutex
	done map[string]struct{}
}

func (s *IndexSet) has(query string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[query]
	return ok
}

func (s *IndexSet) add(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = map[string]struct{}{}
	}
	s.done[query] = struct{}{}
}

// IndexTracker is implemented by sessions that keep an IndexSet. Load,
// LoadMatchLinks and the Ensure helpers run each index statement at most once
// on such a session.
type IndexTracker interface {
	Indexes() *IndexSet
}

// Driver owns the Neo4j connection pool for a process.
type Driver struct {
	driver   neo4j.DriverWithContext
	database string
	log      *zap.Logger
}

// Connect creates a driver and verifies the server is reachable.
func Connect(ctx context.Context, cfg config.Neo4jConfig, password string, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URI == "" {
		return nil, errors.New("neo4j uri is required")
	}

	auth := neo4j.NoAuth()
	if cfg.User != "" {
		auth = neo4j.BasicAuth(cfg.User, password, "")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4jconfig.Config) {
		if cfg.MaxConnectionLifetime > 0 {
			c.MaxConnectionLifetime = cfg.MaxConnectionLifetime
		}
		c.SocketConnectTimeout = 60 * time.Second
	})
	if err != nil {
		return nil, fmt.Errorf("error creating Neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("unable to connect to Neo4j at %s: %w", cfg.URI, err)
	}

	logger.Info("Connected to Neo4j", zap.String("uri", cfg.URI), zap.String("database", cfg.Database))
	return &Driver{driver: driver, database: cfg.Database, log: logger.Named("neo4j")}, nil
}

// NewSession opens a write-capable session. Callers must Close it.
func (d *Driver) NewSession(ctx context.Context) *Neo4jSession {
	s := d.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: d.database,
	})
	return &Neo4jSession{session: s, log: d.log}
}

// Close releases the connection pool.
func (d *Driver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Neo4jSession adapts a driver session to Session.
type Neo4jSession struct {
	session neo4j.SessionWithContext
	log     *zap.Logger
	indexes IndexSet
}

var (
	_ Session      = (*Neo4jSession)(nil)
	_ IndexTracker = (*Neo4jSession)(nil)
)

// Indexes returns the statements already ensured on this session.
func (s *Neo4jSession) Indexes() *IndexSet {
	return &s.indexes
}

// Write runs query inside a retried write transaction and returns its counters.
func (s *Neo4jSession) Write(ctx context.Context, query string, params map[string]any) (Summary, error) {
	out, err := s.session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return Summary{}, err
	}

	summary, ok := out.(neo4j.ResultSummary)
	if !ok || summary == nil {
		return Summary{}, nil
	}
	c := summary.Counters()
	return Summary{
		NodesCreated:         c.NodesCreated(),
		NodesDeleted:         c.NodesDeleted(),
		RelationshipsCreated: c.RelationshipsCreated(),
		RelationshipsDeleted: c.RelationshipsDeleted(),
		PropertiesSet:        c.PropertiesSet(),
		LabelsAdded:          c.LabelsAdded(),
		IndexesAdded:         c.IndexesAdded(),
	}, nil
}

// Read runs query in a read transaction and returns every record as a map.
func (s *Neo4jSession) Read(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	out, err := s.session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]any, 0, len(records))
		for _, r := range records {
			rows = append(rows, r.AsMap())
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	rows, _ := out.([]map[string]any)
	return rows, nil
}

// Close ends the session.
func (s *Neo4jSession) Close(ctx context.Context) error {
	return s.session.Close(ctx)
}
