// Package analytics runs validated statements against the analytics database.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/pkg/logger"
)

const defaultQueryTimeout = 10 * time.Minute

// DefaultMaxRows caps result sets when Options.MaxRows is unset
const DefaultMaxRows = 10000

// Result is the outcome of a query
type Result struct {
	Columns   []string
	Rows      []models.Row
	Truncated bool
}

// Options tunes query execution
type Options struct {
	QueryTimeout time.Duration
	MaxRows      int
}

// Executor runs read-only queries on a shared pool
type Executor struct {
	db     *sql.DB
	opts   Options
	logger *logger.Logger
}

// NewExecutor wraps an open pool
func NewExecutor(db *sql.DB, opts Options, log *logger.Logger) *Executor {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Executor{db: db, opts: opts, logger: log}
}

// Query executes statement inside a read-only transaction that is always
// rolled back. Callers must have passed statement through the safety gate.
func (e *Executor) Query(ctx context.Context, statement string) (*Result, error) {
	log := logger.FromContext(ctx, e.logger)
	ctx, cancel := context.WithTimeout(ctx, e.opts.QueryTimeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer tx.Rollback()

	start := time.Now()
	rows, err := tx.QueryContext(ctx, statement)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &Result{Columns: columns, Rows: []models.Row{}}
	for rows.Next() {
		if len(result.Rows) >= e.opts.MaxRows {
			result.Truncated = true
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(models.Row, len(columns))
		for i, name := range columns {
			row[name] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	log.Debug("analytics: query executed",
		"rows", len(result.Rows),
		"truncated", result.Truncated,
		"duration", time.Since(start))
	return result, nil
}

// normalizeValue turns driver byte slices into strings so rows encode as text
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return val
	}
}
