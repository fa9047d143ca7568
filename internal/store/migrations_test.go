package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedsSchemaFile(t *testing.T) {
	entries, err := Migrations.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "0001_schema.sql")
}

func TestMigrationsFileIsReadableAndNonEmpty(t *testing.T) {
	data, err := Migrations.ReadFile("migrations/0001_schema.sql")
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.True(t, strings.Contains(strings.ToUpper(string(data)), "CREATE TABLE"))
}
