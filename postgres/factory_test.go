package postgres

import (
	"context"
	"testing"

	"github.com/skawai/dbpool/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Seed scenario 3: an unset POSTGRES_DB_URL surfaces as pool.MissingConfig
// from the connection factory, not a postgres-level error.
func TestConnectionFactory_MissingConfig(t *testing.T) {
	t.Setenv(envDatabaseURL, "")

	_, err := ConnectionFactory()()
	require.Error(t, err)

	var perr *pool.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pool.MissingConfig, perr.Kind)
}

func TestConnectionFactory_ConnectsWhenConfigured(t *testing.T) {
	t.Setenv(envDatabaseURL, "postgres://u:p@localhost:5432/db")

	m := newMockPG(t)
	d, err := ConnectionFactory(WithHeartbeat(false), withConnect(func(ctx context.Context, uri string) (pgConn, error) {
		return m, nil
	}))()
	require.NoError(t, err)
	require.NotNil(t, d)
	t.Cleanup(func() { _ = d.Close() })
}
