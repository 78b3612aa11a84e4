package migrator

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/teamreg/internal/migrations"
)

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"20240302000000_b.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"20240301000000_a.sql": {Data: []byte("CREATE TABLE a (id INT);")},
		"README.md":            {Data: []byte("not a migration")},
		"nested/x.sql":         {Data: []byte("CREATE TABLE x (id INT);")},
	}

	ms, err := Load(fsys)
	require.NoError(t, err)
	require.Len(t, ms, 2)

	assert.Equal(t, "20240301000000_a", ms[0].Version)
	assert.Equal(t, "CREATE TABLE a (id INT);", ms[0].SQL)
	assert.Equal(t, "20240302000000_b", ms[1].Version)
}

func TestLoad_EmptyMigration(t *testing.T) {
	fsys := fstest.MapFS{
		"20240301000000_a.sql": {Data: []byte("  \n")},
	}

	_, err := Load(fsys)
	assert.Error(t, err)
}

func TestLoad_EmbeddedMigrations(t *testing.T) {
	ms, err := Load(migrations.FS)
	require.NoError(t, err)
	require.NotEmpty(t, ms)

	var all string
	for _, m := range ms {
		all += m.SQL
	}

	for _, table := range []string{"rate_limits", "ip_blocks", "registrations", "analytics_events"} {
		assert.Contains(t, all, "CREATE TABLE "+table)
	}
}
