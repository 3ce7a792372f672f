package main

import (
	"context"
	"testing"
	"time"

	"collabtext/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Relay.Backplane = config.TransportMemory
	cfg.Relay.Listen = "127.0.0.1:0"
	return cfg
}

func TestRun(t *testing.T) {
	t.Run("Stops cleanly when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		assert.NoError(t, run(ctx, testConfig(t), zerolog.Nop()))
	})

	t.Run("Returns backplane errors", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Relay.Backplane = "carrier-pigeon"
		assert.Error(t, run(context.Background(), cfg, zerolog.Nop()))
	})

	t.Run("Returns listen errors", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Relay.Listen = "no-port"
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		err := run(ctx, cfg, zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to start server")
	})
}

func TestListenPort(t *testing.T) {
	port, err := listenPort(":8081")
	require.NoError(t, err)
	assert.Equal(t, 8081, port)

	_, err = listenPort("8081")
	assert.Error(t, err)
}
