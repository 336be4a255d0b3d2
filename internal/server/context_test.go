package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/obsidian-mcp/internal/instrumentation"
	"github.com/teemow/obsidian-mcp/internal/vault"
)

func TestNewServerContext_RequiresVault(t *testing.T) {
	_, err := NewServerContext(context.Background(), nil)
	require.Error(t, err)
}

func TestServerContext_Accessors(t *testing.T) {
	v, err := vault.New(t.TempDir())
	require.NoError(t, err)
	audit := instrumentation.NewAuditLogger(testLogger())

	sc, err := NewServerContext(context.Background(), v, WithAuditLogger(audit), WithLogger(nil))
	require.NoError(t, err)

	assert.Same(t, v, sc.Vault())
	assert.Same(t, audit, sc.AuditLogger())
	assert.NotNil(t, sc.Logger())
	assert.Nil(t, sc.Store())
	assert.Nil(t, sc.Registry())
	assert.Nil(t, sc.Metrics())
}

func TestServerContext_Shutdown(t *testing.T) {
	v, err := vault.New(t.TempDir())
	require.NoError(t, err)
	sc, err := NewServerContext(context.Background(), v)
	require.NoError(t, err)

	assert.False(t, sc.IsShutdown())
	require.NoError(t, sc.Shutdown())
	require.NoError(t, sc.Shutdown())

	assert.True(t, sc.IsShutdown())
	assert.ErrorIs(t, sc.Context().Err(), context.Canceled)
}
