package infra

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracerWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "", "walletrecon", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTrimScheme(t *testing.T) {
	assert.Equal(t, "collector:4317", trimScheme("http://collector:4317/"))
	assert.Equal(t, "collector:4317", trimScheme("https://collector:4317"))
	assert.Equal(t, "collector:4317", trimScheme("collector:4317"))
}

func TestConnectorsRequireURL(t *testing.T) {
	_, err := NewPostgresPool(context.Background(), "")
	assert.Error(t, err)
	_, err = NewRedisClient(context.Background(), "")
	assert.Error(t, err)
}
