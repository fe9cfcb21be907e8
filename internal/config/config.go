package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/logger"
)

// EnvPrefix is prepended to every environment override, e.g. INGA_ENGINE_TAG.
const EnvPrefix = "INGA"

// Config is the top-level TOML structure. User parameters and applied
// snapshots are kept in the settings store, not here.
type Config struct {
	ProjectDir string `toml:"project_dir" mapstructure:"project_dir"`
	// Workspace names the project; derived from ProjectDir when empty.
	Workspace string        `toml:"workspace" mapstructure:"workspace"`
	Docker    DockerConfig  `toml:"docker" mapstructure:"docker"`
	Engine    EngineConfig  `toml:"engine" mapstructure:"engine"`
	UI        UIConfig      `toml:"ui" mapstructure:"ui"`
	Cache     CacheConfig   `toml:"cache" mapstructure:"cache"`
	Store     StoreConfig   `toml:"store" mapstructure:"store"`
	HTTP      HTTPConfig    `toml:"http" mapstructure:"http"`
	Feed      FeedConfig    `toml:"feed" mapstructure:"feed"`
	Log       logger.Config `toml:"log" mapstructure:"log"`
}

type DockerConfig struct {
	// Host overrides DOCKER_HOST.
	Host string `toml:"host" mapstructure:"host"`
}

type EngineConfig struct {
	Image      string `toml:"image" mapstructure:"image"`
	Tag        string `toml:"tag" mapstructure:"tag"`
	Platform   string `toml:"platform" mapstructure:"platform"`
	PullPolicy string `toml:"pull_policy" mapstructure:"pull_policy"`
	// SDKVersion is the project's JDK version string, e.g. "21.0.2".
	SDKVersion string `toml:"sdk_version" mapstructure:"sdk_version"`
}

type UIConfig struct {
	Image      string   `toml:"image" mapstructure:"image"`
	Tag        string   `toml:"tag" mapstructure:"tag"`
	Platform   string   `toml:"platform" mapstructure:"platform"`
	PullPolicy string   `toml:"pull_policy" mapstructure:"pull_policy"`
	Exec       []string `toml:"exec" mapstructure:"exec"`
}

type CacheConfig struct {
	// Dir is the host dependency cache copied into Volume.
	Dir    string `toml:"dir" mapstructure:"dir"`
	Volume string `toml:"volume" mapstructure:"volume"`
	// MountPath is where the engine sees the cache.
	MountPath string `toml:"mount_path" mapstructure:"mount_path"`
	Image     string `toml:"image" mapstructure:"image"`
	Tag       string `toml:"tag" mapstructure:"tag"`
}

type StoreConfig struct {
	Type string `toml:"type" mapstructure:"type"` // sqlite or toml
	// Path is the sqlite file or the directory of toml files.
	Path string `toml:"path" mapstructure:"path"`
}

type HTTPConfig struct {
	Addr string `toml:"addr" mapstructure:"addr"`
}

type FeedConfig struct {
	Addr string `toml:"addr" mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".inga")
	cwd, _ := os.Getwd()

	v.SetDefault("project_dir", cwd)
	v.SetDefault("workspace", "")
	v.SetDefault("docker.host", "")

	v.SetDefault("engine.image", "ghcr.io/seachicken/inga")
	v.SetDefault("engine.tag", "0.12.0-pre22-java")
	v.SetDefault("engine.platform", "linux/amd64")
	v.SetDefault("engine.pull_policy", "missing")
	v.SetDefault("engine.sdk_version", "")

	v.SetDefault("ui.image", "ghcr.io/seachicken/inga-ui")
	v.SetDefault("ui.tag", "0.1.4")
	v.SetDefault("ui.platform", "")
	v.SetDefault("ui.pull_policy", "missing")
	v.SetDefault("ui.exec", []string{})

	v.SetDefault("cache.dir", filepath.Join(home, ".m2"))
	v.SetDefault("cache.volume", "inga-cache")
	v.SetDefault("cache.mount_path", "/root/.m2")
	v.SetDefault("cache.image", "instrumentisto/rsync-ssh")
	v.SetDefault("cache.tag", "alpine")

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.path", filepath.Join(dataDir, "settings.db"))

	v.SetDefault("http.addr", "127.0.0.1:8787")
	v.SetDefault("feed.addr", "127.0.0.1:8788")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
}

// Load reads the TOML file at path, applies INGA_* environment overrides and
// fills the rest with defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Workspace == "" {
		cfg.Workspace = filepath.Base(cfg.ProjectDir)
	}
	cfg.Workspace = domain.WorkspaceID(cfg.Workspace)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would only fail later, deep inside a reconcile.
func (c *Config) Validate() error {
	var errs []error
	for name, p := range map[string]string{"engine": c.Engine.PullPolicy, "ui": c.UI.PullPolicy} {
		if p != "missing" && p != "always" {
			errs = append(errs, fmt.Errorf("%s.pull_policy: unknown policy %q", name, p))
		}
	}
	if c.Store.Type != "sqlite" && c.Store.Type != "toml" {
		errs = append(errs, fmt.Errorf("store.type: unknown store %q", c.Store.Type))
	}
	if c.Engine.Image == "" {
		errs = append(errs, errors.New("engine.image is required"))
	}
	if c.UI.Image == "" {
		errs = append(errs, errors.New("ui.image is required"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) EngineImage() domain.ImageRef {
	return domain.ImageRef{Repository: c.Engine.Image, Tag: c.Engine.Tag}
}

func (c *Config) UIImage() domain.ImageRef {
	return domain.ImageRef{Repository: c.UI.Image, Tag: c.UI.Tag}
}

func (c *Config) CacheImage() domain.ImageRef {
	return domain.ImageRef{Repository: c.Cache.Image, Tag: c.Cache.Tag}
}
