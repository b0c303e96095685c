// Package graphdb provides pooled, resilient access to a property-graph store.
//
// The store itself is reached through the Driver and Conn interfaces; the
// package ships a Neo4j implementation. On top of them sit:
//   - Pool: a bounded set of reusable connections with health checking
//   - Executor: one acquire/run/release cycle wrapped in retry with
//     exponential backoff and transient/fatal classification
//
// # Thread Safety
//
// Pool and Executor are safe for concurrent use. A Handle is owned by the
// goroutine that acquired it and must not be shared.
package graphdb

import "context"

// Row is one record returned by the graph store, keyed by column name.
type Row map[string]any

// Conn is one open connection to the graph store.
type Conn interface {
	// Run executes a parametrized query and returns every row.
	// Implementations should classify failures with the faults package
	// (transient vs fatal) so the Executor can decide whether to retry.
	Run(ctx context.Context, query string, params map[string]any) ([]Row, error)

	// Ping reports whether the connection is still usable.
	Ping(ctx context.Context) error

	// Close releases the underlying socket.
	Close(ctx context.Context) error
}

// Driver opens connections to the graph store.
type Driver interface {
	// Open performs the network handshake and returns a live connection.
	Open(ctx context.Context) (Conn, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context) (Conn, error)

// Open implements Driver.
func (f DriverFunc) Open(ctx context.Context) (Conn, error) {
	return f(ctx)
}
