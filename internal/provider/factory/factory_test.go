package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panther/internal/models"
	"panther/internal/vault"
)

func TestNewRegistryRegistersEveryVariant(t *testing.T) {
	registry, err := NewRegistry(vault.NewMemory())
	require.NoError(t, err)

	for _, pt := range models.ProviderTypes {
		a, err := registry.Get(pt)
		require.NoError(t, err, pt)
		assert.Equal(t, pt, a.Type())
	}
	assert.Len(t, registry.Types(), len(models.ProviderTypes))
}

func TestNewRegistryRequiresVault(t *testing.T) {
	_, err := NewRegistry(nil)
	require.Error(t, err)
}

func TestHTTPClientLeavesDeadlineToContext(t *testing.T) {
	client := newHTTPClient(localDialTimeout)
	assert.Zero(t, client.Timeout)
	require.NotNil(t, client.Transport)
}
