package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	SetEnvironment("")
	require.Equal(t, "development", Environment())

	SetEnvironment(" PROD ")
	t.Cleanup(func() { SetEnvironment("") })
	require.Equal(t, "prod", Environment())
}

func TestPlacementAttributesOmitEmptySide(t *testing.T) {
	attrs := PlacementAttributes("parent", "", ResultSuccess)
	require.Len(t, attrs, 3)

	attrs = PlacementAttributes("child", "BUY", ResultError)
	require.Len(t, attrs, 4)
	require.Equal(t, "BUY", attrs[3].Value.AsString())
}

func TestDisabledProviderIsNoop(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "dev"})
	require.NoError(t, err)
	require.False(t, provider.Enabled())
	require.NotNil(t, provider.Meter("test"))
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
