package clickhouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("CLICKHOUSE_HOST", "ch.internal")
	t.Setenv("CLICKHOUSE_PORT", "9440")
	t.Setenv("CLICKHOUSE_DATABASE", "audit")
	t.Setenv("CLICKHOUSE_USER", "migrator")
	t.Setenv("CLICKHOUSE_PASSWORD", "s3cret")
	t.Setenv("CLICKHOUSE_DEBUG", "true")

	cfg := DefaultConfig()
	assert.Equal(t, "ch.internal", cfg.Host)
	assert.Equal(t, 9440, cfg.Port)
	assert.Equal(t, "audit", cfg.Database)
	assert.Equal(t, "migrator", cfg.Username)
	assert.Equal(t, "s3cret", cfg.Password)
	assert.True(t, cfg.Debug)
}

func TestDefaultConfigIgnoresMalformedPort(t *testing.T) {
	t.Setenv("CLICKHOUSE_PORT", "not-a-port")

	cfg := DefaultConfig()
	assert.Equal(t, 9000, cfg.Port)
}
