// Package config loads the server configuration from an HCL file and
// applies defaults. Every path-valued setting except the logging directory
// is absolutized against the config file's directory so the server can be
// launched from anywhere; the logging directory is passed on as given.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/locomote-sh/server/internal/fileset"
	"github.com/locomote-sh/server/internal/locoerr"
)

// Config is the root configuration block.
type Config struct {
	// ContentRepoHome is the directory holding {account}/{repo}.git.
	ContentRepoHome string `hcl:"content_repo_home"`
	// CacheDir holds pipeline artifacts; safe to wipe.
	CacheDir string `hcl:"cache_dir"`
	// WorkspaceHome holds per-account build workspaces and logs.
	WorkspaceHome string `hcl:"workspace_home,optional"`

	HTTP     *HTTP     `hcl:"http,block"`
	Updates  *Updates  `hcl:"updates_listener,block"`
	Search   *Search   `hcl:"search,block"`
	GC       *GC       `hcl:"gc,block"`
	Auth     *Auth     `hcl:"auth,block"`
	Logging  *Logging  `hcl:"logging,block"`
	Filesets []fileset.Def `hcl:"fileset,block"`
	Profiles []Profile `hcl:"build_profile,block"`
}

// HTTP configures the listen address and mount path.
type HTTP struct {
	Addr string `hcl:"addr,optional"`
	// Mount prefixes every route; default "/".
	Mount string `hcl:"mount,optional"`
	// CacheControl is the default response cache policy; filesets may
	// override it.
	CacheControl string `hcl:"cache_control,optional"`
	// DefaultRepo maps account name to the repo served when the address
	// omits one.
	DefaultRepo map[string]string `hcl:"default_repo,optional"`
}

// Updates configures the post-receive hook listener.
type Updates struct {
	Host string `hcl:"host,optional"`
	Port int    `hcl:"port,optional"`
}

// Search configures the full-text index and its result cache.
type Search struct {
	DBPath string `hcl:"db_path,optional"`
	// CacheQuota bounds each branch's result cache, in bytes.
	CacheQuota int64 `hcl:"cache_quota,optional"`
}

// GC configures the cache sweeper.
type GC struct {
	// MaxAgeDays evicts artifacts not accessed for this many days.
	MaxAgeDays int `hcl:"max_age_days,optional"`
	// IntervalMinutes between sweeps.
	IntervalMinutes int `hcl:"interval_minutes,optional"`
	// Preserve globs exempt matching paths from eviction.
	Preserve []string `hcl:"preserve,optional"`
}

// Auth is the global auth default; repo manifests override it.
type Auth struct {
	Method string            `hcl:"method,optional"`
	Realm  string            `hcl:"realm,optional"`
	Users  map[string]string `hcl:"users,optional"`
}

// Logging mirrors logging.Config.
type Logging struct {
	Level string `hcl:"level,optional"`
	Dir   string `hcl:"dir,optional"`
}

// Profile is a named server-side build profile manifests may reference.
type Profile struct {
	Name      string   `hcl:"name,label"`
	Buildable []string `hcl:"buildable,optional"`
	Command   string   `hcl:"command"`
	Env       []string `hcl:"env,optional"`
}

// Load reads path and applies defaults. A missing file is an error; use
// Default() for an all-defaults config.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", locoerr.ErrConfig, err)
	}
	base := filepath.Dir(path)
	cfg.applyDefaults(base)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		ContentRepoHome: "content",
		CacheDir:        "publish_cache",
	}
	wd, _ := os.Getwd()
	cfg.applyDefaults(wd)
	return cfg
}

func (c *Config) applyDefaults(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.ContentRepoHome = abs(c.ContentRepoHome)
	c.CacheDir = abs(c.CacheDir)
	if c.WorkspaceHome == "" {
		c.WorkspaceHome = filepath.Join(filepath.Dir(c.CacheDir), "workspace")
	}
	c.WorkspaceHome = abs(c.WorkspaceHome)

	if c.HTTP == nil {
		c.HTTP = &HTTP{}
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8010"
	}
	if c.HTTP.Mount == "" {
		c.HTTP.Mount = "/"
	}
	if c.HTTP.CacheControl == "" {
		c.HTTP.CacheControl = "public, must-revalidate, max-age=60"
	}

	if c.Updates == nil {
		c.Updates = &Updates{}
	}
	if c.Updates.Host == "" {
		c.Updates.Host = "localhost"
	}
	if c.Updates.Port == 0 {
		c.Updates.Port = 8870
	}

	if c.Search == nil {
		c.Search = &Search{}
	}
	if c.Search.DBPath == "" {
		c.Search.DBPath = filepath.Join(filepath.Dir(c.CacheDir), "search.sqlite")
	}
	c.Search.DBPath = abs(c.Search.DBPath)
	if c.Search.CacheQuota == 0 {
		c.Search.CacheQuota = 250 * 1024
	}

	if c.GC == nil {
		c.GC = &GC{}
	}
	if c.GC.MaxAgeDays == 0 {
		c.GC.MaxAgeDays = 7
	}
	if c.GC.IntervalMinutes == 0 {
		c.GC.IntervalMinutes = 60
	}

	if c.Auth == nil {
		c.Auth = &Auth{}
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
}

func (c *Config) validate() error {
	if c.ContentRepoHome == "" {
		return fmt.Errorf("%w: content_repo_home is required", locoerr.ErrConfig)
	}
	if c.CacheDir == "" {
		return fmt.Errorf("%w: cache_dir is required", locoerr.ErrConfig)
	}
	switch c.Auth.Method {
	case "", "none", "basic", "test":
	default:
		return fmt.Errorf("%w: unknown auth method %q", locoerr.ErrConfig, c.Auth.Method)
	}
	return nil
}

// ProfileByName resolves a server-side build profile.
func (c *Config) ProfileByName(name string) *Profile {
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			return &c.Profiles[i]
		}
	}
	return nil
}
