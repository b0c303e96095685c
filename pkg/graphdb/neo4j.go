package graphdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jcfg "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"

	"github.com/randalmurphal/tenderflow/pkg/faults"
)

// Neo4jConfig configures the Neo4j driver adapter.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	// Database selects the target database. Empty uses the server default.
	Database string

	// MaxConnectionPoolSize bounds the driver's own socket pool. Default: 50.
	MaxConnectionPoolSize int

	// ConnectionAcquisitionTimeout bounds the driver's socket acquisition.
	// Default: 60s.
	ConnectionAcquisitionTimeout time.Duration
}

// Validate reports configuration errors.
func (c Neo4jConfig) Validate() error {
	var errs []error
	if c.URI == "" {
		errs = append(errs, faults.Invalid("neo4j_uri", "is required"))
	}
	if c.MaxConnectionPoolSize < 0 {
		errs = append(errs, faults.Invalid("neo4j_max_connection_pool_size", "must not be negative"))
	}
	return errors.Join(errs...)
}

// Neo4jDriver opens read sessions against a Neo4j server.
type Neo4jDriver struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jDriver creates a driver. No network I/O happens until the first
// Open; call VerifyConnectivity to fail fast on bad settings.
func NewNeo4jDriver(cfg Neo4jConfig) (*Neo4jDriver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	maxPool := cfg.MaxConnectionPoolSize
	if maxPool == 0 {
		maxPool = 50
	}
	acquire := cfg.ConnectionAcquisitionTimeout
	if acquire == 0 {
		acquire = 60 * time.Second
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4jcfg.Config) {
			c.MaxConnectionPoolSize = maxPool
			c.ConnectionAcquisitionTimeout = acquire
		})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4jDriver{driver: driver, database: cfg.Database}, nil
}

// VerifyConnectivity performs a handshake with the server.
func (d *Neo4jDriver) VerifyConnectivity(ctx context.Context) error {
	return classifyNeo4jError("verify", d.driver.VerifyConnectivity(ctx))
}

// Open implements Driver. Each Conn wraps one read session.
func (d *Neo4jDriver) Open(ctx context.Context) (Conn, error) {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: d.database,
	})
	conn := &neo4jConn{session: session}
	if err := conn.Ping(ctx); err != nil {
		_ = session.Close(ctx)
		return nil, err
	}
	return conn, nil
}

// Close shuts the underlying driver down. Drain the Pool first.
func (d *Neo4jDriver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

type neo4jConn struct {
	session neo4j.SessionWithContext
}

func (c *neo4jConn) Run(ctx context.Context, query string, params map[string]any) ([]Row, error) {
	result, err := c.session.Run(ctx, query, params)
	if err != nil {
		return nil, classifyNeo4jError("execute", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, classifyNeo4jError("execute", err)
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Row(rec.AsMap()))
	}
	return rows, nil
}

func (c *neo4jConn) Ping(ctx context.Context) error {
	result, err := c.session.Run(ctx, "RETURN 1", nil)
	if err != nil {
		return classifyNeo4jError("ping", err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return classifyNeo4jError("ping", err)
	}
	return nil
}

func (c *neo4jConn) Close(ctx context.Context) error {
	return c.session.Close(ctx)
}

// classifyNeo4jError maps driver errors onto the faults taxonomy.
func classifyNeo4jError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if neo4j.IsConnectivityError(err) || neo4j.IsRetryable(err) {
		return faults.Transient(op, err)
	}

	var serverErr *neo4j.Neo4jError
	if errors.As(err, &serverErr) {
		return &faults.FatalQueryError{Op: op, Code: serverErr.Code, Err: err}
	}
	if faults.IsRetryable(err) {
		return faults.Transient(op, err)
	}
	return faults.Fatal(op, err)
}
