// Package config manages the daemon configuration stored in config.jsonc.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
)

var tenantRe = regexp.MustCompile(`^[\w-]+$`)

// Config stores the daemon configuration.
// Loaded from a JSONC file, created with defaults if missing.
type Config struct {
	// Tenants lists the tenants served and where their element definitions live.
	Tenants []Tenant `json:"tenants"`

	// RootTypes are block types that are never deleted nor collected.
	RootTypes []string `json:"root_types"`

	// GC configures the garbage collector.
	GC GC `json:"gc"`

	// Inspector configures href metadata fetching. Empty endpoint disables it.
	Inspector Inspector `json:"inspector"`

	// Uploads locates the files released when their href is collected.
	Uploads Uploads `json:"uploads"`
}

// Tenant is one tenant of the store.
type Tenant struct {
	Name string `json:"name"`

	// Domain is the public host of the tenant, used to resolve local urls.
	Domain string `json:"domain"`

	// Elements lists the element definition directories, relative to the
	// configuration file.
	Elements []string `json:"elements"`
}

// GC defines the collection windows in days.
type GC struct {
	BlockDays int `json:"block_days"`
	HrefDays  int `json:"href_days"`

	// Disabled turns off the periodic collection.
	Disabled bool `json:"disabled"`
}

// Validate checks that windows are non-negative.
func (g *GC) Validate() error {
	if g.BlockDays < 0 {
		return errors.New("block_days must be non-negative")
	}
	if g.HrefDays < 0 {
		return errors.New("href_days must be non-negative")
	}
	return nil
}

// Inspector configures the href inspector service.
type Inspector struct {
	Endpoint string `json:"endpoint"`

	// RatePerSec limits inspector calls. Burst is the number of calls allowed
	// at once.
	RatePerSec float64 `json:"rate_per_sec"`
	Burst      int     `json:"burst"`
}

// Validate checks the rate limit when an endpoint is set.
func (i *Inspector) Validate() error {
	if i.Endpoint == "" {
		return nil
	}
	if !strings.HasPrefix(i.Endpoint, "http://") && !strings.HasPrefix(i.Endpoint, "https://") {
		return errors.New("endpoint must be an http(s) url")
	}
	if i.RatePerSec <= 0 {
		return errors.New("rate_per_sec must be positive")
	}
	if i.Burst < 1 {
		return errors.New("burst must be at least 1")
	}
	return nil
}

// Uploads locates uploaded files: pathname Prefix+"x" of tenant t is stored
// at Dir/t/x.
type Uploads struct {
	Dir    string `json:"dir"`
	Prefix string `json:"prefix"`
}

// Validate checks that the prefix is an absolute url path.
func (u *Uploads) Validate() error {
	if u.Dir == "" {
		return nil
	}
	if !strings.HasPrefix(u.Prefix, "/") || !strings.HasSuffix(u.Prefix, "/") {
		return errors.New("prefix must start and end with /")
	}
	return nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Tenants:   []Tenant{},
		RootTypes: []string{"site", "user"},
		GC: GC{
			BlockDays: 1, // orphans are kept a day
			HrefDays:  7, // unreferenced hrefs are kept a week
		},
		Inspector: Inspector{
			RatePerSec: 2,
			Burst:      4,
		},
		Uploads: Uploads{
			Prefix: "/.uploads/",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, t := range c.Tenants {
		if !tenantRe.MatchString(t.Name) {
			return fmt.Errorf("tenants[%d]: invalid name %q", i, t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("tenants[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
		if strings.ContainsAny(t.Domain, "/:") {
			return fmt.Errorf("tenants[%d]: domain must be a bare host", i)
		}
	}
	if err := c.GC.Validate(); err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	if err := c.Inspector.Validate(); err != nil {
		return fmt.Errorf("inspector: %w", err)
	}
	if err := c.Uploads.Validate(); err != nil {
		return fmt.Errorf("uploads: %w", err)
	}
	return nil
}

// Tenant returns the named tenant.
func (c *Config) Tenant(name string) (Tenant, bool) {
	for _, t := range c.Tenants {
		if t.Name == name {
			return t, true
		}
	}
	return Tenant{}, false
}

// ElementDirs returns the element directories of every tenant, with relative
// paths resolved against base.
func (c *Config) ElementDirs(base string) map[string][]string {
	out := make(map[string][]string, len(c.Tenants))
	for _, t := range c.Tenants {
		dirs := make([]string, 0, len(t.Elements))
		for _, d := range t.Elements {
			if !filepath.IsAbs(d) {
				d = filepath.Join(base, d)
			}
			dirs = append(dirs, filepath.Clean(d))
		}
		out[t.Name] = dirs
	}
	return out
}

// Load loads the configuration from path, which may contain comments and
// trailing commas. Creates the file with defaults if it doesn't exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is an operator flag
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
