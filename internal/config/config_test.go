package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `{"pools":[{"host":"pool.example","port":3333,"user":"alice"}]}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "btc", cfg.AgentType)
	assert.Equal(t, 3333, cfg.AgentListenPort)
	assert.True(t, cfg.DisconnectWhenLostAsicBoost)
	assert.Equal(t, 5, cfg.NUp)
}

func TestLoad_RejectsBadAgentType(t *testing.T) {
	path := writeTempConfig(t, `{"agent_type":"ltc","pools":[{"host":"h","port":1,"user":"u"}]}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsEmptyPools(t *testing.T) {
	path := writeTempConfig(t, `{}`)
	_, err := Load(path)
	assert.Error(t, err)
}
