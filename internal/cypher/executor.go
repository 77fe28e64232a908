// Package cypher provides the parameterized query and transaction runner
// over the Neo4j property-graph store. All graph mutation and traversal in
// the engine goes through the Executor; higher layers never touch driver
// sessions directly.
package cypher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"go.uber.org/zap"
)

// AccessMode selects the session routing for a query.
type AccessMode string

const (
	// Read routes to a read replica when available.
	Read AccessMode = "read"
	// Write routes to the cluster leader.
	Write AccessMode = "write"
)

// DefaultTimeout bounds a single query when the caller supplies none.
const DefaultTimeout = 30 * time.Second

// DefaultMaxAttempts bounds transient-error retries.
const DefaultMaxAttempts = 4

// Options configures one execution.
type Options struct {
	// Timeout is the per-query deadline. Zero means DefaultTimeout.
	Timeout time.Duration
	// Retryable enables the transient retry policy.
	Retryable bool
	// AccessMode routes the session. Empty means Write.
	AccessMode AccessMode
	// Database overrides the executor's default database.
	Database string
}

// Row is one result record, keyed by the query's return aliases.
type Row map[string]any

// Query pairs a statement with its named parameters for transactional
// batches.
type Query struct {
	Text   string
	Params map[string]any
}

// Executor runs Cypher against the graph store. The production
// implementation is Driver; tests substitute in-memory fakes.
type Executor interface {
	// Execute runs a single auto-commit query.
	Execute(ctx context.Context, query string, params map[string]any, opts Options) ([]Row, error)
	// Transaction runs queries atomically; any failure rolls back the batch.
	Transaction(ctx context.Context, queries []Query, opts Options) ([][]Row, error)
	// CallProcedure invokes a named procedure (graph algorithms, text and
	// vector search).
	CallProcedure(ctx context.Context, name string, params map[string]any, opts Options) ([]Row, error)
	// Close releases the underlying connections.
	Close(ctx context.Context) error
}

// Driver is the Neo4j-backed Executor.
type Driver struct {
	driver      neo4j.DriverWithContext
	database    string
	maxAttempts int
	logger      *zap.Logger
}

// Config holds the connection settings for NewDriver.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
	// MaxAttempts bounds transient retries; zero means DefaultMaxAttempts.
	MaxAttempts int
}

// NewDriver connects to the graph store and verifies connectivity.
func NewDriver(ctx context.Context, cfg Config, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	drv, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create driver: %w", err)
	}
	if err := drv.VerifyConnectivity(ctx); err != nil {
		drv.Close(ctx)
		return nil, NewError(Classify(err), "verify connectivity", err)
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}

	return &Driver{
		driver:      drv,
		database:    database,
		maxAttempts: maxAttempts,
		logger:      logger,
	}, nil
}

// Execute runs a single auto-commit query with the configured retry policy.
func (d *Driver) Execute(ctx context.Context, query string, params map[string]any, opts Options) ([]Row, error) {
	var rows []Row
	err := d.withRetry(ctx, opts, "execute", func(ctx context.Context) error {
		session := d.newSession(ctx, opts)
		defer session.Close(ctx)

		result, err := session.Run(ctx, query, NormalizeParams(params))
		if err != nil {
			return err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return err
		}
		rows = recordsToRows(records)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Transaction runs the batch atomically inside one managed transaction.
// Any failure rolls back every query in the batch.
func (d *Driver) Transaction(ctx context.Context, queries []Query, opts Options) ([][]Row, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	var results [][]Row
	err := d.withRetry(ctx, opts, "transaction", func(ctx context.Context) error {
		session := d.newSession(ctx, opts)
		defer session.Close(ctx)

		work := func(tx neo4j.ManagedTransaction) (any, error) {
			batch := make([][]Row, 0, len(queries))
			for i, q := range queries {
				result, err := tx.Run(ctx, q.Text, NormalizeParams(q.Params))
				if err != nil {
					return nil, fmt.Errorf("query %d: %w", i, err)
				}
				records, err := result.Collect(ctx)
				if err != nil {
					return nil, fmt.Errorf("query %d: %w", i, err)
				}
				batch = append(batch, recordsToRows(records))
			}
			return batch, nil
		}

		var out any
		var err error
		if opts.AccessMode == Read {
			out, err = session.ExecuteRead(ctx, work)
		} else {
			out, err = session.ExecuteWrite(ctx, work)
		}
		if err != nil {
			return err
		}
		results = out.([][]Row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// CallProcedure invokes a named procedure with yield-all semantics.
func (d *Driver) CallProcedure(ctx context.Context, name string, params map[string]any, opts Options) ([]Row, error) {
	if !validProcedureName(name) {
		return nil, NewError(KindValidation, "call procedure", fmt.Errorf("invalid procedure name %q", name))
	}

	normalized := NormalizeParams(params)
	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		if !validIdentifier(k) {
			return nil, NewError(KindValidation, "call procedure", fmt.Errorf("invalid parameter name %q", k))
		}
		keys = append(keys, k)
	}
	// Argument order is positional in CALL; sorted keys keep it stable.
	sort.Strings(keys)
	args := make([]string, len(keys))
	for i, k := range keys {
		args[i] = "$" + k
	}
	query := fmt.Sprintf("CALL %s(%s)", name, strings.Join(args, ", "))
	return d.Execute(ctx, query, normalized, opts)
}

// Close shuts down the driver and its connection pool.
func (d *Driver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

func (d *Driver) newSession(ctx context.Context, opts Options) neo4j.SessionWithContext {
	mode := neo4j.AccessModeWrite
	if opts.AccessMode == Read {
		mode = neo4j.AccessModeRead
	}
	database := d.database
	if opts.Database != "" {
		database = opts.Database
	}
	return d.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: database,
	})
}

// withRetry applies the per-query deadline and, when opts.Retryable, retries
// transient failures with jittered exponential backoff up to maxAttempts.
// Non-transient failures propagate immediately.
func (d *Driver) withRetry(ctx context.Context, opts Options, op string, fn func(context.Context) error) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	attempts := 1
	if opts.Retryable {
		attempts = d.maxAttempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(runCtx)
		cancel()
		if err == nil {
			return nil
		}

		kind := Classify(err)
		lastErr = NewError(kind, op, err)
		if kind != KindTransient || attempt == attempts {
			return lastErr
		}

		wait := bo.NextBackOff()
		d.logger.Warn("transient graph error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return NewError(KindTimeout, op, ctx.Err())
		}
	}
	return lastErr
}

// NormalizeParams prepares parameters for transit: nested maps and structs
// are JSON-serialized, primitive slices pass through, and nil maps become
// empty maps so the driver never sees a nil parameter set.
func NormalizeParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64,
		[]string, []int, []int64, []float32, []float64, []any, time.Time:
		return val
	case map[string]any:
		// Property maps pass through; Neo4j supports them as parameters.
		nested := make(map[string]any, len(val))
		for k, item := range val {
			nested[k] = normalizeValue(item)
		}
		return nested
	default:
		// Composite values (structs, typed slices) serialize to JSON before
		// transit and are stored as strings.
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// recordsToRows converts driver records into Rows, widening graph-native
// values to host types.
func recordsToRows(records []*neo4j.Record) []Row {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := make(Row, len(rec.Keys))
		for i, key := range rec.Keys {
			row[key] = coerceValue(rec.Values[i])
		}
		rows = append(rows, row)
	}
	return rows
}

// coerceValue maps driver values to host values: nodes and relationships
// become property maps, int64 stays int64 (the graph's native width).
func coerceValue(v any) any {
	switch val := v.(type) {
	case dbtype.Node:
		props := make(map[string]any, len(val.Props)+1)
		for k, p := range val.Props {
			props[k] = coerceValue(p)
		}
		props["_labels"] = val.Labels
		return props
	case dbtype.Relationship:
		props := make(map[string]any, len(val.Props)+1)
		for k, p := range val.Props {
			props[k] = coerceValue(p)
		}
		props["_type"] = val.Type
		return props
	case dbtype.Time:
		return val.Time()
	case dbtype.LocalDateTime:
		return val.Time()
	case dbtype.Date:
		return val.Time()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = coerceValue(item)
		}
		return out
	default:
		return val
	}
}

func validProcedureName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '.' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// ValidIdentifier whitelists property, label, and parameter names for the
// few places where identifiers are interpolated into query text.
func ValidIdentifier(name string) bool {
	return validIdentifier(name)
}

// validIdentifier whitelists property and parameter names, guarding the few
// places where identifiers are interpolated into query text.
func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}
