package gitpub

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/eringen/gitpub/contentstore"
)

// Config holds all configuration for a gitpub server. It is normally
// loaded from a YAML file via LoadConfig.
type Config struct {
	Name string `yaml:"name"` // Server name shown on HTML pages (default "gitpub")
	Addr string `yaml:"addr"` // Listen address (default ":3000")

	DatabasePath  string `yaml:"database"`       // SQLite path for auth state (default "data/auth.db")
	SessionSecret string `yaml:"session_secret"` // Required: session encryption secret
	LoginPassword string `yaml:"password"`       // Login password; falls back to the stored app setting
	OwnerProfile  string `yaml:"owner_profile"`  // The owner's profile URL ("me"); falls back to the stored app setting
	CookieSecure  bool   `yaml:"cookie_secure"`  // Set true for HTTPS

	Blogs []BlogConfig `yaml:"blogs"`
}

// BlogConfig describes one git-backed blog served by this instance.
type BlogConfig struct {
	Name        string            `yaml:"name"`
	URI         string            `yaml:"uri"`
	SectionMap  map[string]string `yaml:"sectionmap"`
	MediaPrefix string            `yaml:"mediaprefix"`
	GitHub      GitHubRepoConfig  `yaml:"github"`
}

// GitHubRepoConfig identifies the repository and GitHub App credential
// backing a blog.
type GitHubRepoConfig struct {
	Owner          string `yaml:"owner"`
	Repo           string `yaml:"repo"`
	Branch         string `yaml:"branch"`
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key"`
	APIBase        string `yaml:"api_base"` // override for GitHub Enterprise, default api.github.com
}

// LoadConfig reads and parses the YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gitpub: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("gitpub: parse config %s: %w", path, err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "gitpub"
	}
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "data/auth.db"
	}
	for i := range c.Blogs {
		if c.Blogs[i].GitHub.Branch == "" {
			c.Blogs[i].GitHub.Branch = "main"
		}
	}
}

// Option configures additional App behavior.
type Option func(*App)

// WithCustomRoutes registers additional routes on the Echo instance.
// The callback receives the App before the server starts.
func WithCustomRoutes(fn func(*App)) Option {
	return func(a *App) {
		a.customRoutes = append(a.customRoutes, fn)
	}
}

// WithBackend overrides the content store backend for the named blog
// instead of building a GitHub backend from its config.
func WithBackend(blog string, b contentstore.Backend) Option {
	return func(a *App) {
		a.backends[blog] = b
	}
}
