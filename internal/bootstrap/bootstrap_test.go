package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/meshflow/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Service: config.ServiceConfig{Name: "test", Namespace: "test", LogFormat: "json"},
		Store:   config.StoreConfig{Backend: "memory"},
		Quorum:  config.QuorumConfig{ActivationRetryMax: 3},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestSetupWithoutStoreSkipsStoreAndStream(t *testing.T) {
	cfg := testConfig(t)
	c, err := Setup(context.Background(), "test-svc", WithCustomConfig(cfg), WithoutStore(), WithoutCache())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	assert.Same(t, cfg, c.Config)
	assert.NotNil(t, c.Logger)
	assert.NotNil(t, c.Minter)
	assert.NotNil(t, c.Serializer)
	assert.Nil(t, c.Store)
	assert.Nil(t, c.Streams)
	assert.Nil(t, c.Compiler)
	assert.Nil(t, c.Cache)
}

func TestStartAppRequiresStore(t *testing.T) {
	cfg := testConfig(t)
	c, err := Setup(context.Background(), "test-svc", WithCustomConfig(cfg), WithoutStore(), WithoutCache())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	_, err = c.StartApp(context.Background(), "app1")
	assert.Error(t, err)
}

func TestHealthIsNilWithNoBackingStores(t *testing.T) {
	cfg := testConfig(t)
	c, err := Setup(context.Background(), "test-svc", WithCustomConfig(cfg), WithoutStore(), WithoutCache())
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	assert.NoError(t, c.Health(context.Background()))
}
