package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfigReadsYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
server:
  port: ":9090"
mysql:
  dsn: "from-file"
pipeline:
  tts_wait: 90s
  avatar_poll:
    max_attempts: 7
  tts:
    retries: -1
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("MYSQL_DSN", "from-env")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := InitConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.MySQL.DSN)
	assert.Equal(t, "sk-test", cfg.Providers.OpenAI.APIKey)

	p := cfg.Pipeline
	assert.Equal(t, 90*time.Second, p.TTSWait)
	assert.Equal(t, 5*time.Minute, p.AvatarWait)
	assert.Equal(t, 7, p.AvatarPoll.MaxAttempts)
	assert.Equal(t, 10*time.Second, p.AvatarPoll.FirstInterval)
	assert.Equal(t, 0, p.TTS.Retries)
	assert.Equal(t, 3, p.TTS.Concurrency)
}

func TestInitConfigWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := InitConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, "https://api.d-id.com", cfg.Providers.DID.BaseURL)
	assert.Equal(t, "dall-e-3", cfg.Providers.OpenAI.ImageModel)
	assert.Equal(t, 1, cfg.Pipeline.Background.Concurrency)
	assert.Equal(t, 120, cfg.Pipeline.VeoPoll.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.VeoPoll.FirstInterval)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.BackgroundWait)
}

func TestInitConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))
	_, err := InitConfig(path)
	assert.Error(t, err)
}
