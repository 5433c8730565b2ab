package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"
)

// Host modes select how the watched page is driven.
const (
	HostFetch   = "fetch"   // API page polled through an intercepted http.Client
	HostXHR     = "xhr"     // API page polled through an intercepted colly collector
	HostBrowser = "browser" // real Chromium page observed over CDP
)

// Session store backends.
const (
	SessionFile   = "file"
	SessionRedis  = "redis"
	SessionMemory = "memory"
)

// Config holds agent configuration.
type Config struct {
	// Watched page and search API.
	SiteOrigin   string
	SearchPrefix string // absolute URL prefix of the intercepted search API
	PageURL      string // page opened by the browser host
	SearchURL    string // request issued by the API hosts
	SearchMethod string
	SearchBody   string
	PollInterval time.Duration
	HostMode     string
	Headless     bool
	Stealth      bool

	// External ingestion service.
	IngestEnabled   bool
	IngestURL       string
	DetailIngestURL string
	PriceMasterURL  string
	APIKey          string
	RequestTimeout  time.Duration

	// Eligibility.
	MarkupRate       float64
	ReferenceFeeRate float64
	FixedFee         float64
	MinMargin        float64
	EnrichCondition  int

	// Detail enrichment.
	DetailConcurrency     int
	DetailTimeout         time.Duration
	DetailURLTemplate     string
	DetailQueryKey        string
	DetailQueryValue      string
	DetailSectionSelector string
	ConditionRowSelector  string
	Timezone              string

	// Reload controller.
	ReloadEnabled         bool
	ReloadDelay           time.Duration
	MinReloadInterval     time.Duration
	MaxReloads            int
	ReloadOnlyWhenVisible bool
	DrainTimeout          time.Duration

	// Pipeline.
	PipelineWorkers int
	ExchangeLogJSON string // JSONL exchange log, empty disables
	ExchangeLogCSV  string // CSV exchange summary, empty disables
	LogIngestURL    string // remote exchange log endpoint, empty disables

	// Session storage.
	SessionBackend string
	SessionID      string
	SessionDir     string
	RedisAddr      string
	RedisPassword  string
	SessionTTL     time.Duration
	DedupeMaxSize  int

	MaxLogChars int
	UserAgent   string
	MetricsAddr string
	Verbose     bool
}

// DefaultConfig returns the compiled-in constants for the MapCamera item search.
func DefaultConfig() *Config {
	return &Config{
		SiteOrigin:   "https://www.mapcamera.com",
		SearchPrefix: "https://www.mapcamera.com/ec/api/itemsearch",
		PageURL:      "https://www.mapcamera.com/search?sell=used&sort=new",
		SearchURL:    "https://www.mapcamera.com/ec/api/itemsearch?sell=used&sort=new&limit=100",
		SearchMethod: "GET",
		PollInterval: 10 * time.Second,
		HostMode:     HostFetch,
		Headless:     true,
		Stealth:      true,

		IngestEnabled:   true,
		IngestURL:       "http://127.0.0.1:8000/mapcamera-search-docs",
		DetailIngestURL: "http://127.0.0.1:8000/mapcamera-detail",
		PriceMasterURL:  "http://127.0.0.1:8000/price-master",
		APIKey:          "local-dev-key",
		RequestTimeout:  15 * time.Second,

		MarkupRate:       0.1,
		ReferenceFeeRate: 0.1,
		FixedFee:         1434,
		MinMargin:        3000,
		EnrichCondition:  7,

		DetailConcurrency:     4,
		DetailTimeout:         8 * time.Second,
		DetailURLTemplate:     "https://www.mapcamera.com/item/%s",
		DetailQueryKey:        "condition",
		DetailQueryValue:      "7",
		DetailSectionSelector: "#item_detail",
		ConditionRowSelector:  "table.condition tr.active, table.condition tr.is-active",
		Timezone:              "Asia/Tokyo",

		ReloadEnabled:         true,
		ReloadDelay:           30 * time.Second,
		MinReloadInterval:     30 * time.Second,
		MaxReloads:            10000,
		ReloadOnlyWhenVisible: false,
		DrainTimeout:          20 * time.Second,

		PipelineWorkers: 2,

		SessionBackend: SessionFile,
		SessionDir:     "sessions",
		RedisAddr:      "127.0.0.1:6379",
		SessionTTL:     24 * time.Hour,
		DedupeMaxSize:  200000,

		MaxLogChars: 20000,
		UserAgent:   "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Verbose:     false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	origin, err := url.Parse(c.SiteOrigin)
	if err != nil {
		return fmt.Errorf("invalid site origin: %w", err)
	}
	if origin.Host == "" {
		return fmt.Errorf("site origin must include a host")
	}
	if !strings.HasPrefix(c.SearchPrefix, "http://") && !strings.HasPrefix(c.SearchPrefix, "https://") {
		return fmt.Errorf("search prefix must be an absolute URL")
	}

	switch c.HostMode {
	case HostFetch, HostXHR:
		if !strings.HasPrefix(c.SearchURL, c.SearchPrefix) {
			return fmt.Errorf("search URL %q does not match search prefix %q", c.SearchURL, c.SearchPrefix)
		}
		if c.PollInterval <= 0 {
			return fmt.Errorf("poll interval must be positive")
		}
	case HostBrowser:
		if c.PageURL == "" {
			return fmt.Errorf("page URL cannot be empty in browser mode")
		}
	default:
		return fmt.Errorf("host mode must be fetch, xhr, or browser")
	}

	if c.IngestEnabled {
		for name, raw := range map[string]string{
			"ingest URL":        c.IngestURL,
			"detail ingest URL": c.DetailIngestURL,
			"price master URL":  c.PriceMasterURL,
		} {
			parsed, err := url.Parse(raw)
			if err != nil || parsed.Host == "" {
				return fmt.Errorf("%s must be an absolute URL", name)
			}
		}
	}
	if c.LogIngestURL != "" {
		parsed, err := url.Parse(c.LogIngestURL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("log ingest URL must be an absolute URL")
		}
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	if c.MinMargin < 0 {
		return fmt.Errorf("min margin cannot be negative")
	}
	if c.DetailConcurrency <= 0 {
		return fmt.Errorf("detail concurrency must be positive")
	}
	if c.DetailTimeout <= 0 {
		return fmt.Errorf("detail timeout must be positive")
	}
	if !strings.Contains(c.DetailURLTemplate, "%s") {
		return fmt.Errorf("detail URL template must contain %%s")
	}
	if c.DetailSectionSelector == "" {
		return fmt.Errorf("detail section selector cannot be empty")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	if c.ReloadDelay < 0 {
		return fmt.Errorf("reload delay cannot be negative")
	}
	if c.MinReloadInterval < 0 {
		return fmt.Errorf("min reload interval cannot be negative")
	}
	if c.MaxReloads < 0 {
		return fmt.Errorf("max reloads cannot be negative")
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive")
	}
	if c.PipelineWorkers <= 0 {
		return fmt.Errorf("pipeline workers must be positive")
	}

	switch c.SessionBackend {
	case SessionFile:
		if c.SessionDir == "" {
			return fmt.Errorf("session dir cannot be empty")
		}
	case SessionRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	case SessionMemory:
	default:
		return fmt.Errorf("session backend must be file, redis, or memory")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}

	if c.MaxLogChars <= 0 {
		return fmt.Errorf("max log chars must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// Location returns the configured time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
