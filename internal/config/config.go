package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gookit/validate"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. STRAVA_MIRROR_SERVER_PORT.
const EnvPrefix = "STRAVA_MIRROR"

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"required|min:1|max:65535"`
	// BaseURL is the externally reachable address used to build the OAuth redirect.
	BaseURL string `mapstructure:"baseURL" validate:"required"`
}

type TokensConfig struct {
	Backend string `mapstructure:"backend" validate:"required|in:file,sqlite"`
	Path    string `mapstructure:"path" validate:"required"`
}

type SnapshotConfig struct {
	Path string `mapstructure:"path"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	SizeMB  int           `mapstructure:"sizeMB"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type APIConfig struct {
	BaseURL          string        `mapstructure:"baseURL" validate:"required"`
	OAuthBaseURL     string        `mapstructure:"oauthBaseURL" validate:"required"`
	RateLimitRetries int           `mapstructure:"rateLimitRetries" validate:"min:0"`
	RateLimitMinWait time.Duration `mapstructure:"rateLimitMinWait"`
	RateLimitMaxWait time.Duration `mapstructure:"rateLimitMaxWait"`
}

// StaticModule is a module registration read from the config file.
type StaticModule struct {
	Identifier string         `mapstructure:"identifier"`
	Config     map[string]any `mapstructure:"config"`
}

// Config is the daemon configuration.
type Config struct {
	Path     string
	Server   ServerConfig   `mapstructure:"server"`
	Tokens   TokensConfig   `mapstructure:"tokens"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	API      APIConfig      `mapstructure:"api"`
	Modules  []StaticModule `mapstructure:"modules"`
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RedirectURI returns the OAuth callback URL.
func (c *Config) RedirectURI() string {
	return strings.TrimRight(c.Server.BaseURL, "/") + "/auth/exchange"
}

// AuthPage returns the status page users are sent to when a module needs authorization.
func (c *Config) AuthPage() string {
	return strings.TrimRight(c.Server.BaseURL, "/") + "/auth/"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.baseURL", "http://localhost:8080")
	v.SetDefault("tokens.backend", "file")
	v.SetDefault("tokens.path", "tokens.json")
	v.SetDefault("snapshot.path", "")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.sizeMB", 16)
	v.SetDefault("cache.ttl", time.Minute)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("api.baseURL", "https://www.strava.com/api/v3")
	v.SetDefault("api.oauthBaseURL", "https://www.strava.com/oauth")
	v.SetDefault("api.rateLimitRetries", 2)
	v.SetDefault("api.rateLimitMinWait", 5*time.Second)
	v.SetDefault("api.rateLimitMaxWait", time.Minute)
}

// Load reads .env (if present), then the YAML file at path (optional when
// empty), then STRAVA_MIRROR_* environment overrides.
func Load(path string) (*Config, error) {
	// A missing .env is expected outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"server.host", "server.port", "server.baseURL",
		"tokens.backend", "tokens.path", "snapshot.path",
		"cache.enabled", "cache.sizeMB", "cache.ttl",
		"metrics.enabled", "mcp.enabled",
		"api.baseURL", "api.oauthBaseURL",
	} {
		v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}

	if path != "" {
		filename := filepath.Base(path)
		v.AddConfigPath(filepath.Dir(path))
		v.SetConfigName(strings.TrimSuffix(filename, filepath.Ext(filename)))
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}
	conf.Path = path

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate checks every section of the daemon configuration.
func (c *Config) Validate() error {
	for name, section := range map[string]any{
		"server": &c.Server,
		"tokens": &c.Tokens,
		"api":    &c.API,
	} {
		v := validate.Struct(section)
		if !v.Validate() {
			return fmt.Errorf("invalid %s config: %s", name, v.Errors.One())
		}
	}

	for name, raw := range map[string]string{
		"server.baseURL":   c.Server.BaseURL,
		"api.baseURL":      c.API.BaseURL,
		"api.oauthBaseURL": c.API.OAuthBaseURL,
	} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid config: %s %q is not an absolute URL", name, raw)
		}
	}

	if c.API.RateLimitMaxWait < c.API.RateLimitMinWait {
		return errors.New("invalid api config: rateLimitMaxWait must not be below rateLimitMinWait")
	}

	seen := make(map[string]bool, len(c.Modules))
	for _, m := range c.Modules {
		if m.Identifier == "" {
			return errors.New("invalid modules config: identifier is required")
		}
		if seen[m.Identifier] {
			return fmt.Errorf("invalid modules config: duplicate identifier %q", m.Identifier)
		}
		seen[m.Identifier] = true
	}
	return nil
}

// moduleKeys maps lowercased json keys back to their ModuleConfig spelling.
// Viper lowercases every key it reads, so "reloadInterval" arrives as
// "reloadinterval".
var moduleKeys = func() map[string]string {
	keys := map[string]string{}
	t := reflect.TypeOf(ModuleConfig{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" {
			keys[strings.ToLower(name)] = name
		}
	}
	return keys
}()

// ModuleConfig decodes the static module's config on top of the defaults.
func (m StaticModule) ModuleConfig(now time.Time) (ModuleConfig, error) {
	canonical := make(map[string]any, len(m.Config))
	for k, v := range m.Config {
		if name, ok := moduleKeys[strings.ToLower(k)]; ok {
			k = name
		}
		canonical[k] = v
	}
	raw, err := json.Marshal(canonical)
	if err != nil {
		return ModuleConfig{}, &ValidationError{Message: err.Error()}
	}
	return ParseModuleConfig(raw, now)
}
