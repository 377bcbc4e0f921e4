package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to run the archive service.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Browser   BrowserConfig   `yaml:"browser"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Scrape    ScrapeConfig    `yaml:"scrape"`
	Storage   StorageConfig   `yaml:"storage"`
	DB        SQLConfig       `yaml:"db"`
	Robots    RobotsConfig    `yaml:"robots"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SiteConfig describes the remote publication.
type SiteConfig struct {
	BaseURL         string   `yaml:"base_url"`
	Origin          string   `yaml:"origin"`
	Sections        []string `yaml:"sections"`
	ContentSelector string   `yaml:"content_selector"`
}

// BrowserConfig controls the shared headless Chrome process.
type BrowserConfig struct {
	Headless  bool     `yaml:"headless"`
	ProxyURL  string   `yaml:"proxy_url"`
	ExecPath  string   `yaml:"exec_path"`
	ExtraArgs []string `yaml:"extra_args"`
}

// FetchConfig tunes the page fetch retry loop.
type FetchConfig struct {
	MaxRetries        int             `yaml:"max_retries"`
	NavigationTimeout Duration        `yaml:"navigation_timeout"`
	ContentTimeout    Duration        `yaml:"content_timeout"`
	ScrollTimeout     Duration        `yaml:"scroll_timeout"`
	ExtractTimeout    Duration        `yaml:"extract_timeout"`
	PreNavigation     Window          `yaml:"pre_navigation"`
	PostNavigation    Window          `yaml:"post_navigation"`
	PostScroll        Window          `yaml:"post_scroll"`
	Backoff           Window          `yaml:"backoff"`
	PerHostDelay      Duration        `yaml:"per_host_delay"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig applies a token bucket per host.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// ScrapeConfig controls how a day is assembled.
type ScrapeConfig struct {
	InterSection     Window `yaml:"inter_section"`
	Concurrency      int    `yaml:"concurrency"`
	BackgroundQueue  int    `yaml:"background_queue"`
	BackgroundWorker int    `yaml:"background_workers"`
}

// StorageConfig locates the day-archive files.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// SQLConfig describes the optional relational mirror of archived articles.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// Enabled reports whether a mirror database is configured.
func (c SQLConfig) Enabled() bool {
	return c.Driver != "" && c.DSN != ""
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	APIKey          string   `yaml:"api_key"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// TelemetryConfig controls the otel meter provider. Counters are always
// collected in process; an OTLP endpoint additionally exports them.
type TelemetryConfig struct {
	ServiceName    string     `yaml:"service_name"`
	ExportInterval Duration   `yaml:"export_interval"`
	OTLP           OTLPConfig `yaml:"otlp"`
}

// OTLPConfig selects an OTLP metrics endpoint. gRPC wins when both are set.
type OTLPConfig struct {
	GRPCEndpoint string            `yaml:"grpc_endpoint"`
	HTTPEndpoint string            `yaml:"http_endpoint"`
	Headers      map[string]string `yaml:"headers"`
}

// Exporting reports whether an OTLP endpoint is configured.
func (c OTLPConfig) Exporting() bool {
	return c.GRPCEndpoint != "" || c.HTTPEndpoint != ""
}

// DefaultSections lists the newspaper sections fetched for every date.
var DefaultSections = []string{
	"front-page",
	"national",
	"business",
	"international",
	"sport",
	"editorial",
	"back-page",
	"other-voices",
	"letters",
	"books-authors",
	"business-finance",
	"young-world",
	"sunday-magzine",
	"icon",
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Site: SiteConfig{
			BaseURL:         "https://www.dawn.com/newspaper",
			Origin:          "https://www.dawn.com",
			Sections:        append([]string(nil), DefaultSections...),
			ContentSelector: `article, .story, .box, [class*="story"]`,
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Fetch: FetchConfig{
			MaxRetries:        2,
			NavigationTimeout: DurationFrom(90 * time.Second),
			ContentTimeout:    DurationFrom(10 * time.Second),
			ScrollTimeout:     DurationFrom(60 * time.Second),
			ExtractTimeout:    DurationFrom(30 * time.Second),
			PreNavigation:     WindowFrom(500*time.Millisecond, 1500*time.Millisecond),
			PostNavigation:    WindowFrom(1500*time.Millisecond, 2500*time.Millisecond),
			PostScroll:        WindowFrom(1*time.Second, 2*time.Second),
			Backoff:           WindowFrom(3*time.Second, 5*time.Second),
		},
		Scrape: ScrapeConfig{
			InterSection:     WindowFrom(2*time.Second, 4*time.Second),
			Concurrency:      1,
			BackgroundQueue:  16,
			BackgroundWorker: 1,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
		Robots: RobotsConfig{
			Respect:   false,
			UserAgent: "*",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Server: ServerConfig{
			Addr:            ":7860",
			ShutdownTimeout: DurationFrom(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "dawn-archive",
			ExportInterval: DurationFrom(30 * time.Second),
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file. An empty
// path yields the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		fh, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer fh.Close()
		if err := decodeYAML(fh, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ApplyEnv overlays the process environment onto the configuration.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PROXY_URL"); ok {
		c.Browser.ProxyURL = v
	}
	if v, ok := lookup("TAIMOUR_API_KEY"); ok {
		c.Server.APIKey = v
	}
	if v, ok := lookup("DATA_DIR"); ok && strings.TrimSpace(v) != "" {
		c.Storage.DataDir = v
	}
	if v, ok := lookup("BASE_URL"); ok && strings.TrimSpace(v) != "" {
		c.Site.BaseURL = v
	}
	if v, ok := lookup("HEADLESS"); ok && strings.TrimSpace(v) != "" {
		headless, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("HEADLESS: %w", err)
		}
		c.Browser.Headless = headless
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); ok && strings.TrimSpace(v) != "" {
		c.Telemetry.OTLP.HTTPEndpoint = strings.TrimSpace(v)
	}
	if v, ok := lookup("MAX_RETRIES"); ok && strings.TrimSpace(v) != "" {
		retries, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MAX_RETRIES: %w", err)
		}
		c.Fetch.MaxRetries = retries
	}
	return nil
}

// Validate enforces required invariants for the service configuration.
func (c Config) Validate() error {
	if c.Site.BaseURL == "" {
		return errors.New("site.base_url must be set")
	}
	if c.Site.Origin == "" {
		return errors.New("site.origin must be set")
	}
	if len(c.Site.Sections) == 0 {
		return errors.New("at least one site section must be configured")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0 (got %d)", c.Fetch.MaxRetries)
	}
	if c.Fetch.NavigationTimeout.Duration <= 0 {
		return fmt.Errorf("fetch.navigation_timeout must be > 0 (got %s)", c.Fetch.NavigationTimeout)
	}
	windows := map[string]Window{
		"fetch.pre_navigation":  c.Fetch.PreNavigation,
		"fetch.post_navigation": c.Fetch.PostNavigation,
		"fetch.post_scroll":     c.Fetch.PostScroll,
		"fetch.backoff":         c.Fetch.Backoff,
		"scrape.inter_section":  c.Scrape.InterSection,
	}
	for name, w := range windows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if rl := c.Fetch.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("fetch.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Scrape.Concurrency <= 0 {
		return fmt.Errorf("scrape.concurrency must be > 0 (got %d)", c.Scrape.Concurrency)
	}
	if c.Scrape.BackgroundQueue <= 0 || c.Scrape.BackgroundWorker <= 0 {
		return errors.New("scrape.background_queue and scrape.background_workers must be > 0")
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir must be set")
	}
	if c.Telemetry.OTLP.Exporting() && c.Telemetry.ExportInterval.Duration <= 0 {
		return fmt.Errorf("telemetry.export_interval must be > 0 (got %s)", c.Telemetry.ExportInterval)
	}
	if (c.DB.Driver == "") != (c.DB.DSN == "") {
		return errors.New("db.driver and db.dsn must be set together")
	}
	return nil
}

func (c *Config) normalise() {
	c.Site.BaseURL = strings.TrimRight(strings.TrimSpace(c.Site.BaseURL), "/")
	c.Site.Origin = strings.TrimRight(strings.TrimSpace(c.Site.Origin), "/")
	c.Site.Sections = dedupe(c.Site.Sections)
	c.Browser.ProxyURL = strings.TrimSpace(c.Browser.ProxyURL)
	c.Storage.DataDir = strings.TrimSpace(c.Storage.DataDir)
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.DB.DSN = strings.TrimSpace(c.DB.DSN)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Telemetry.OTLP.GRPCEndpoint = strings.TrimSpace(c.Telemetry.OTLP.GRPCEndpoint)
	c.Telemetry.OTLP.HTTPEndpoint = strings.TrimSpace(c.Telemetry.OTLP.HTTPEndpoint)
}

// dedupe trims and removes duplicate entries while keeping the original order.
func dedupe(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	return cleaned
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
