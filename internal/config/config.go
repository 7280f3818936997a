// Package config exposes the shelfmatch settings resolved by viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// OverwriteFiles controls whether existing result files are replaced.
var OverwriteFiles bool

// SetOverwriteFiles sets the OverwriteFiles flag
func SetOverwriteFiles(overwrite bool) {
	OverwriteFiles = overwrite
}

// Config is the typed view of every setting the commands use.
type Config struct {
	Store       StoreConfig
	Output      OutputConfig
	Goodreads   GoodreadsConfig
	BookMooch   BookMoochConfig
	OverDrive   OverDriveConfig
	OpenLibrary OpenLibraryConfig
	Jobs        JobsConfig
	Retry       RetryConfig
}

type StoreConfig struct {
	Backend      string
	DBFile       string
	TTL          time.Duration
	ReapInterval time.Duration
}

type OutputConfig struct {
	Dir       string
	Format    string
	Overwrite bool
}

type GoodreadsConfig struct {
	CSVFile string
	Shelf   string
}

type BookMoochConfig struct {
	Username     string
	Password     string
	BaseURL      string
	MaxURLLength int
	Concurrency  int
}

type OverDriveConfig struct {
	Token       string
	LibraryID   string
	BaseURL     string
	SearchLimit int
	Concurrency int
}

type OpenLibraryConfig struct {
	BaseURL       string
	UserAgent     string
	RatePerSecond float64
}

type JobsConfig struct {
	Timeout time.Duration
}

// RetryConfig bounds how often a rate-limited or timed-out request is tried.
type RetryConfig struct {
	MaxAttempts int
}

// SetDefaults registers the default for every key Load reads.
func SetDefaults() {
	viper.SetDefault("store.backend", "sqlite")
	viper.SetDefault("store.dbfile", "./shelfmatch.db")
	viper.SetDefault("store.ttl", "24h")
	viper.SetDefault("store.reapinterval", "10m")

	viper.SetDefault("output.dir", "./results/")
	viper.SetDefault("output.format", "json")
	viper.SetDefault("OverwriteFiles", false)

	viper.SetDefault("goodreads.shelf", "to-read")

	viper.SetDefault("bookmooch.baseurl", "http://api.bookmooch.com")
	viper.SetDefault("bookmooch.maxurllength", 2000)
	viper.SetDefault("bookmooch.concurrency", 4)

	viper.SetDefault("overdrive.baseurl", "https://api.overdrive.com")
	viper.SetDefault("overdrive.searchlimit", 10)
	viper.SetDefault("overdrive.concurrency", 16)

	viper.SetDefault("openlibrary.baseurl", "https://openlibrary.org")
	viper.SetDefault("openlibrary.useragent", "shelfmatch (https://github.com/lepinkainen/shelfmatch)")
	viper.SetDefault("openlibrary.ratepersecond", 1.4)

	viper.SetDefault("jobs.timeout", "10m")
	viper.SetDefault("retry.maxattempts", 3)
}

// BindEnv maps the conventional environment variables onto config keys.
func BindEnv() error {
	bindings := map[string]string{
		"bookmooch.username": "BOOKMOOCH_USERNAME",
		"bookmooch.password": "BOOKMOOCH_PASSWORD",
		"overdrive.token":    "OVERDRIVE_TOKEN",
		"overdrive.library":  "OVERDRIVE_LIBRARY_ID",
		"store.dbfile":       "SHELFMATCH_DB",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	return nil
}

// Load reads the current viper state into a Config.
func Load() (*Config, error) {
	cfg := &Config{
		Store: StoreConfig{
			Backend:      viper.GetString("store.backend"),
			DBFile:       viper.GetString("store.dbfile"),
			TTL:          viper.GetDuration("store.ttl"),
			ReapInterval: viper.GetDuration("store.reapinterval"),
		},
		Output: OutputConfig{
			Dir:       viper.GetString("output.dir"),
			Format:    viper.GetString("output.format"),
			Overwrite: viper.GetBool("OverwriteFiles"),
		},
		Goodreads: GoodreadsConfig{
			CSVFile: viper.GetString("goodreads.csvfile"),
			Shelf:   viper.GetString("goodreads.shelf"),
		},
		BookMooch: BookMoochConfig{
			Username:     viper.GetString("bookmooch.username"),
			Password:     viper.GetString("bookmooch.password"),
			BaseURL:      viper.GetString("bookmooch.baseurl"),
			MaxURLLength: viper.GetInt("bookmooch.maxurllength"),
			Concurrency:  viper.GetInt("bookmooch.concurrency"),
		},
		OverDrive: OverDriveConfig{
			Token:       viper.GetString("overdrive.token"),
			LibraryID:   viper.GetString("overdrive.library"),
			BaseURL:     viper.GetString("overdrive.baseurl"),
			SearchLimit: viper.GetInt("overdrive.searchlimit"),
			Concurrency: viper.GetInt("overdrive.concurrency"),
		},
		OpenLibrary: OpenLibraryConfig{
			BaseURL:       viper.GetString("openlibrary.baseurl"),
			UserAgent:     viper.GetString("openlibrary.useragent"),
			RatePerSecond: viper.GetFloat64("openlibrary.ratepersecond"),
		},
		Jobs: JobsConfig{
			Timeout: viper.GetDuration("jobs.timeout"),
		},
		Retry: RetryConfig{
			MaxAttempts: viper.GetInt("retry.maxattempts"),
		},
	}

	switch cfg.Store.Backend {
	case "memory", "sqlite":
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry.maxattempts must be at least 1, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Store.TTL <= 0 {
		return nil, fmt.Errorf("store.ttl must be positive, got %s", cfg.Store.TTL)
	}

	OverwriteFiles = cfg.Output.Overwrite
	return cfg, nil
}
