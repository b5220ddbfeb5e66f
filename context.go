// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tavern

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tapted/tavern/cellar"
)

// ConfigName is the optional client configuration file in the cache root.
const ConfigName = "config.toml"

// DefaultHostedURL is the index consulted when a dependency names no
// explicit hosted url.
const DefaultHostedURL = "https://pub.tavern.dev"

// Config is the client configuration.
type Config struct {
	CacheRoot        string `toml:"cache_root"`
	DefaultHostedURL string `toml:"default_hosted_url"`
	Verbosity        string `toml:"verbosity"`
}

// Ctx is the supporting context of the tool: the system cache handle, the
// source registry, the detected SDK, and the logger. It is constructed
// once at startup and passed into every pipeline rather than living in
// globals.
type Ctx struct {
	CacheRoot string
	Registry  *cellar.Registry
	Cache     *cellar.SystemCache
	SDK       cellar.SDKInfo
	Log       *logrus.Logger
}

// DefaultCacheRoot is $TAVERN_CACHE, else ~/.tavern-cache.
func DefaultCacheRoot() string {
	if env := os.Getenv("TAVERN_CACHE"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tavern-cache"
	}
	return filepath.Join(home, ".tavern-cache")
}

// LoadConfig reads config.toml from the cache root when present. A missing
// file yields the zero config.
func LoadConfig(cacheRoot string) (Config, error) {
	var cfg Config
	path := filepath.Join(cacheRoot, ConfigName)
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrapf(err, "reading %s", path)
	}
	return cfg, nil
}

// NewContext wires the registry, sources and cache together.
func NewContext(cfg Config, log *logrus.Logger) (*Ctx, error) {
	if log == nil {
		log = logrus.New()
	}

	cacheRoot := cfg.CacheRoot
	if cacheRoot == "" {
		cacheRoot = DefaultCacheRoot()
	}
	hostedURL := cfg.DefaultHostedURL
	if hostedURL == "" {
		hostedURL = DefaultHostedURL
	}

	reg := cellar.NewRegistry("hosted")
	cache, err := cellar.OpenCache(cacheRoot, reg, log)
	if err != nil {
		return nil, err
	}

	for _, src := range []cellar.Source{
		cellar.NewHostedSource(cache, reg, hostedURL, nil),
		cellar.NewGitSource(cache, reg),
		cellar.NewPathSource(reg),
	} {
		if err := reg.Register(src); err != nil {
			return nil, err
		}
	}

	return &Ctx{
		CacheRoot: cacheRoot,
		Registry:  reg,
		Cache:     cache,
		SDK:       cellar.DetectSDK(),
		Log:       log,
	}, nil
}
