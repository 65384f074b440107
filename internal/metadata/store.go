// Package metadata provides the schema context handed to SQL generation.
package metadata

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/pkg/logger"
)

// Store returns schema context for a subject domain
type Store interface {
	Fetch(ctx context.Context, subject string) (*models.Metadata, error)
}

const (
	tablesQuery = `SELECT SchemaName, TableName, Description
		FROM RagTables WHERE IsActive = 1`
	columnsQuery = `SELECT TableSchema, TableName, ColumnName, DataType, Description
		FROM RagColumns WHERE IsActive = 1`
	joinsQuery = `SELECT FromTableSchema, FromTableName, FromColumn, ToTableSchema, ToTableName, ToColumn, JoinType
		FROM RagJoins WHERE IsActive = 1`
	tagsQuery = `SELECT TargetType, Target, Tag, Weight
		FROM RagSemanticTags`
	examplesQuery = `SELECT NaturalLanguageQuery, SqlExample, Description
		FROM RagExamples WHERE IsActive = 1`
)

// SQLStore reads RAG metadata tables from a database
type SQLStore struct {
	db       *sql.DB
	examples bool
	logger   *logger.Logger
}

// NewSQLStore wraps an open pool. When examples is set, curated
// question/SQL pairs are read from RagExamples as well.
func NewSQLStore(db *sql.DB, examples bool, log *logger.Logger) *SQLStore {
	if log == nil {
		log = logger.NewNop()
	}
	return &SQLStore{db: db, examples: examples, logger: log}
}

// Fetch implements Store. Every active table, column and join is returned;
// subject is only recorded for tracing.
func (s *SQLStore) Fetch(ctx context.Context, subject string) (*models.Metadata, error) {
	log := logger.FromContext(ctx, s.logger)
	md := &models.Metadata{
		Tables:   []models.TableInfo{},
		Columns:  []models.ColumnInfo{},
		Joins:    []models.JoinInfo{},
		Tags:     []models.SemanticTag{},
		Examples: []models.QueryExample{},
	}

	err := s.query(ctx, tablesQuery, func(rows *sql.Rows) error {
		var t models.TableInfo
		var desc sql.NullString
		if err := rows.Scan(&t.Schema, &t.Name, &desc); err != nil {
			return err
		}
		t.Description = desc.String
		md.Tables = append(md.Tables, t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch tables: %w", err)
	}

	err = s.query(ctx, columnsQuery, func(rows *sql.Rows) error {
		var c models.ColumnInfo
		var desc sql.NullString
		if err := rows.Scan(&c.TableSchema, &c.TableName, &c.Name, &c.DataType, &desc); err != nil {
			return err
		}
		c.Description = desc.String
		md.Columns = append(md.Columns, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch columns: %w", err)
	}

	err = s.query(ctx, joinsQuery, func(rows *sql.Rows) error {
		var j models.JoinInfo
		if err := rows.Scan(&j.FromTableSchema, &j.FromTableName, &j.FromColumn,
			&j.ToTableSchema, &j.ToTableName, &j.ToColumn, &j.JoinType); err != nil {
			return err
		}
		md.Joins = append(md.Joins, j)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch joins: %w", err)
	}

	err = s.query(ctx, tagsQuery, func(rows *sql.Rows) error {
		var tag models.SemanticTag
		var weight sql.NullFloat64
		if err := rows.Scan(&tag.TargetType, &tag.Target, &tag.Tag, &weight); err != nil {
			return err
		}
		tag.Weight = weight.Float64
		md.Tags = append(md.Tags, tag)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch semantic tags: %w", err)
	}

	if s.examples {
		err = s.query(ctx, examplesQuery, func(rows *sql.Rows) error {
			var ex models.QueryExample
			var desc sql.NullString
			if err := rows.Scan(&ex.NaturalLanguageQuery, &ex.SQLExample, &desc); err != nil {
				return err
			}
			ex.Description = desc.String
			md.Examples = append(md.Examples, ex)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("fetch examples: %w", err)
		}
	}

	log.Debug("metadata: context fetched",
		"subject", subject,
		"tables", len(md.Tables),
		"columns", len(md.Columns),
		"joins", len(md.Joins),
		"tags", len(md.Tags))
	return md, nil
}

func (s *SQLStore) query(ctx context.Context, query string, scan func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StaticStore serves a fixed catalog loaded at start-up
type StaticStore struct {
	md *models.Metadata
}

// NewStaticStore returns a store that always yields md
func NewStaticStore(md *models.Metadata) *StaticStore {
	if md == nil {
		md = &models.Metadata{}
	}
	return &StaticStore{md: md}
}

// Fetch implements Store
func (s *StaticStore) Fetch(_ context.Context, _ string) (*models.Metadata, error) {
	return s.md, nil
}
