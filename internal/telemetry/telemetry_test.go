package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestWithDefaultsFillsTimeout(t *testing.T) {
	cfg := withDefaults(Config{Enabled: true})
	assert.Equal(t, DefaultConfig().Timeout, cfg.Timeout)

	cfg = withDefaults(Config{Enabled: true, Timeout: 2 * time.Second})
	assert.Equal(t, 2*time.Second, cfg.Timeout)
}
