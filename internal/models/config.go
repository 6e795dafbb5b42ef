package models

import (
	"fmt"
	"time"
)

// Config represents the main configuration
type Config struct {
	Log   LogConfig    `mapstructure:"log"`
	HTTP  HTTPConfig   `mapstructure:"http"`
	Cache CacheConfig  `mapstructure:"cache"`
	Store StoreConfig  `mapstructure:"store"`
	Lists []FilterList `mapstructure:"lists"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// HTTPConfig contains HTTP client settings
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
	UserAgent string        `mapstructure:"user_agent"`
}

// CacheConfig controls the on-disk copy of downloaded lists. An empty Dir
// disables caching.
type CacheConfig struct {
	Dir string        `mapstructure:"dir"`
	TTL time.Duration `mapstructure:"ttl"`
}

// StoreConfig sizes the domain index
type StoreConfig struct {
	// ExpectedDomains is the number of distinct domain keys the bloom
	// pre-filter is sized for. Larger key sets grow the filter.
	ExpectedDomains   int     `mapstructure:"expected_domains"`
	FalsePositiveRate float64 `mapstructure:"false_positive_rate"`
	// Freeze trims rule text and domain lists after loading.
	Freeze bool `mapstructure:"freeze"`
}

// FilterList represents a single filter list configuration
type FilterList struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Category int16  `mapstructure:"category"`
	Enabled  bool   `mapstructure:"enabled"`
}

// EnabledLists returns only enabled filter lists
func (c *Config) EnabledLists() []FilterList {
	var enabled []FilterList
	for _, l := range c.Lists {
		if l.Enabled {
			enabled = append(enabled, l)
		}
	}
	return enabled
}

// Defaults returns the configuration used when no file is present
func Defaults() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Timeout:   30 * time.Second,
			Retries:   3,
			UserAgent: "abpfilter/1.0",
		},
		Cache: CacheConfig{
			Dir: "./cache",
			TTL: 24 * time.Hour,
		},
		Store: StoreConfig{
			ExpectedDomains:   100000,
			FalsePositiveRate: 0.01,
		},
		Lists: []FilterList{
			{Name: "easylist", URL: "https://easylist.to/easylist/easylist.txt", Category: 1, Enabled: true},
			{Name: "easyprivacy", URL: "https://easylist.to/easylist/easyprivacy.txt", Category: 2, Enabled: true},
			{Name: "ublock-filters", URL: "https://ublockorigin.github.io/uAssets/filters/filters.txt", Category: 3, Enabled: false},
			{Name: "peter-lowe", URL: "https://pgl.yoyo.org/adservers/serverlist.php?hostformat=adblockplus&showintro=0&mimetype=plaintext", Category: 4, Enabled: true},
		},
	}
}

// Validate checks settings that would make loading fail later
func (c *Config) Validate() error {
	seen := make(map[int16]string)
	for _, l := range c.Lists {
		if l.Name == "" || l.URL == "" {
			return fmt.Errorf("list %q: name and url are required", l.Name)
		}
		if prev, ok := seen[l.Category]; ok {
			return fmt.Errorf("lists %q and %q share category %d", prev, l.Name, l.Category)
		}
		seen[l.Category] = l.Name
	}
	if r := c.Store.FalsePositiveRate; r < 0 || r >= 1 {
		return fmt.Errorf("store.false_positive_rate must be in [0, 1): %v", r)
	}
	return nil
}
