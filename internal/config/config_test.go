package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15, cfg.SafeConfirmations)
	assert.Equal(t, 5, cfg.MaxConcurrentFetches)
	assert.Equal(t, uint64(2048), cfg.MaxTagSize.Bytes())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gateway: https://gw.example
page_size: 50
max_tag_size: 4KB
max_body_size: 1MB
http_timeout: 10s
`), 0o644))

	t.Setenv(EnvGateway, "")
	t.Setenv(EnvForce, "")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://gw.example", cfg.Gateway)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 4*datasize.KB, cfg.MaxTagSize)
	assert.Equal(t, datasize.MB, cfg.MaxBodySize)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, 15, cfg.SafeConfirmations)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("page_size: 0\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{EnvGateway: "http://localhost:1984", EnvForce: "true"}
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "http://localhost:1984", cfg.Gateway)
	assert.True(t, cfg.Force)

	env[EnvForce] = "maybe"
	assert.Error(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	before := cfg
	require.NoError(t, cfg.ApplyEnv(noEnv))
	assert.Equal(t, before, cfg)
}
