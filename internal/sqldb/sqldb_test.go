package sqldb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"sqlite", "sqlite3", false},
		{"SQLite3", "sqlite3", false},
		{"postgres", "pgx", false},
		{"pgx", "pgx", false},
		{"mssql", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := DriverName(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestOpenSQLite(t *testing.T) {
	db, err := Open(context.Background(), Options{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT 1").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "sqlite"})
	assert.Error(t, err)
}
