package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `domain: agiliumtrade.agiliumtrade.ai
application: MetaApi
requestTimeoutSec: 30
retry:
  retries: 3
  minDelaySec: 1
  maxDelaySec: 60
  maxWaitSec: 45
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "agiliumtrade.agiliumtrade.ai", cfg.Domain)
	assert.Equal(t, 30, cfg.RequestTimeoutSec)
	assert.Equal(t, 3, cfg.Retry.Retries)

	opts := cfg.ToClientOptions("secret-token")
	assert.Equal(t, "secret-token", opts.Token)
	assert.Equal(t, "MetaApi", opts.Application)
	assert.Equal(t, 30*time.Second, opts.RequestTimeout)

	retry := cfg.ToRetryOptions()
	assert.Equal(t, 3, retry.Retries)
	assert.Equal(t, time.Second, retry.MinRetryDelay)
	assert.Equal(t, 60*time.Second, retry.MaxRetryDelay)
	assert.Equal(t, 45*time.Second, retry.MaxDelay)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestLoadToken(t *testing.T) {
	t.Setenv("METAAPI_TOKEN", "token-from-env")
	token, err := LoadToken("")
	require.NoError(t, err)
	assert.Equal(t, "token-from-env", token)

	t.Setenv("METAAPI_TOKEN", "")
	_, err = LoadToken("")
	require.Error(t, err)
}
