package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/inga-supervisor/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inga.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "ghcr.io/seachicken/inga:0.12.0-pre22-java", cfg.EngineImage().String())
	assert.Equal(t, "ghcr.io/seachicken/inga-ui:0.1.4", cfg.UIImage().String())
	assert.Equal(t, "instrumentisto/rsync-ssh:alpine", cfg.CacheImage().String())
	assert.Equal(t, "linux/amd64", cfg.Engine.Platform)
	assert.Equal(t, "missing", cfg.Engine.PullPolicy)
	assert.Equal(t, "inga-cache", cfg.Cache.Volume)
	assert.Equal(t, "/root/.m2", cfg.Cache.MountPath)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotEmpty(t, cfg.Workspace)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
project_dir = "/home/me/My Project"

[engine]
tag = "0.13.0-java"
pull_policy = "always"
sdk_version = "21.0.2"

[ui]
exec = ["npm", "run", "preview"]

[store]
type = "toml"
path = "/tmp/inga-settings"

[log]
format = "json"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "my-project", cfg.Workspace)
	assert.Equal(t, "ghcr.io/seachicken/inga:0.13.0-java", cfg.EngineImage().String())
	assert.Equal(t, "always", cfg.Engine.PullPolicy)
	assert.Equal(t, "21.0.2", cfg.Engine.SDKVersion)
	assert.Equal(t, []string{"npm", "run", "preview"}, cfg.UI.Exec)
	assert.Equal(t, "toml", cfg.Store.Type)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("INGA_UI_TAG", "0.2.0")
	t.Setenv("INGA_WORKSPACE", "proj1")
	t.Setenv("INGA_HTTP_ADDR", "127.0.0.1:9999")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.2.0", cfg.UI.Tag)
	assert.Equal(t, "proj1", cfg.Workspace)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Addr)
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, `
[engine]
pull_policy = "sometimes"

[store]
type = "redis"
`)
	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.pull_policy")
	assert.Contains(t, err.Error(), "store.type")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
