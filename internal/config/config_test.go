package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "api-keys:\n  - sk-test\n"))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "accounts.json", cfg.AccountsFile)
	assert.Equal(t, "media-cache", cfg.MediaCacheDir)
	assert.Equal(t, "zh-CN", cfg.LanguageCode)
	assert.Equal(t, "Etc/GMT-8", cfg.TimeZone)
	assert.Equal(t, []string{"sk-test"}, cfg.APIKeys)
}

func TestLoadConfigFull(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
port: 9000
debug: true
proxy-url: socks5://127.0.0.1:1080
accounts-file: /data/accounts.json
image-base-url: https://gw.example.com
upload-endpoint: https://files.example.com/upload
upload-api-token: tok
language-code: en-US
time-zone: UTC
models:
  - id: gemini-enterprise
    name: Gemini Enterprise
  - id: nano-banana
    upstream-id: gemini-image
`))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.ProxyURL)
	assert.True(t, cfg.ExternalHostConfigured())
	require.Len(t, cfg.Models, 2)
	assert.Equal(t, "nano-banana", cfg.Models[1].ID)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestResolveModel(t *testing.T) {
	cfg := &Config{Models: []Model{
		{ID: "gemini-enterprise"},
		{ID: "nano-banana", UpstreamID: "gemini-image"},
	}}

	upstream, ok := cfg.ResolveModel("gemini-enterprise")
	assert.True(t, ok)
	assert.Empty(t, upstream)

	upstream, ok = cfg.ResolveModel("nano-banana")
	assert.True(t, ok)
	assert.Equal(t, "gemini-image", upstream)

	// Virtual generation ids are always available, under both spellings.
	upstream, ok = cfg.ResolveModel("gemini-video")
	assert.True(t, ok)
	assert.Equal(t, "gemini-video", upstream)

	upstream, ok = cfg.ResolveModel("image-gen")
	assert.True(t, ok)
	assert.Equal(t, "gemini-image", upstream)

	upstream, ok = cfg.ResolveModel("video-gen")
	assert.True(t, ok)
	assert.Equal(t, "gemini-video", upstream)

	_, ok = cfg.ResolveModel("gpt-9")
	assert.False(t, ok)

	// Without a table every id passes through.
	empty := &Config{}
	upstream, ok = empty.ResolveModel("anything")
	assert.True(t, ok)
	assert.Equal(t, "anything", upstream)
}
