package config

import (
	"fmt"
	"os"

	"github.com/lei/simple-analytics/internal/models"
	"gopkg.in/yaml.v3"
)

// LoadCatalog reads a YAML metadata catalog, used when metadata.driver is yaml
func LoadCatalog(path string) (*models.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var md models.Metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	tables := make(map[string]bool, len(md.Tables))
	for i, t := range md.Tables {
		if t.Name == "" {
			return nil, fmt.Errorf("table at index %d missing name", i)
		}
		tables[t.Name] = true
	}
	for i, c := range md.Columns {
		if c.Name == "" {
			return nil, fmt.Errorf("column at index %d missing name", i)
		}
		if !tables[c.TableName] {
			return nil, fmt.Errorf("column %s references unknown table %q", c.Name, c.TableName)
		}
	}
	for i, j := range md.Joins {
		if !tables[j.FromTableName] || !tables[j.ToTableName] {
			return nil, fmt.Errorf("join at index %d references an unknown table", i)
		}
	}

	if md.Columns == nil {
		md.Columns = []models.ColumnInfo{}
	}
	if md.Joins == nil {
		md.Joins = []models.JoinInfo{}
	}
	if md.Tags == nil {
		md.Tags = []models.SemanticTag{}
	}
	if md.Examples == nil {
		md.Examples = []models.QueryExample{}
	}
	return &md, nil
}
