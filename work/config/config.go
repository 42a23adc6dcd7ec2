package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Delivery mode names accepted in configuration and on the query string.
const (
	ModeCORS        = "cors"
	ModeFull        = "full"
	ModePassthrough = "passthrough"
)

// DefaultConfigPath is where the container image mounts its settings.
const DefaultConfigPath = "/settings/config.json"

// Config holds all application configuration values for the ad-splicing proxy.
// It covers the HTTP surface, the playlist pipeline, the egress proxy pool and
// the collaborators (database, geo lookup, upstream API).
type Config struct {
	BaseURL    string `json:"baseURL"`    // Public base URL of this server, used for full-mode and ad URLs
	ListenAddr string `json:"listenAddr"` // Address the HTTP server binds to

	DefaultMode    string  `json:"defaultMode"`    // Delivery mode when the request does not pick one
	AdsEnabled     bool    `json:"adsEnabled"`     // Whether first-party ads are spliced by default
	SegmentsToSkip int     `json:"segmentsToSkip"` // Origin segments dropped when an ad is spliced
	CorsRelayURL   string  `json:"corsRelayURL"`   // Prefix for cors delivery mode
	AdSegmentSecs  float64 `json:"adSegmentDuration"`
	StripCeiling   int     `json:"stripCeiling"` // Max pre-roll segments the stripper accepts as an ad

	CDNDomains         []string      `json:"cdnDomains"` // Regex patterns of hosts that must be fetched via a proxy
	ProxyListPath      string        `json:"proxyListPath"`
	ProxyReloadEvery   time.Duration `json:"proxyReloadInterval"`
	MaxProxyAttempts   int           `json:"maxProxyAttempts"`
	FailureThreshold   int           `json:"proxyFailureThreshold"`
	CooldownBase       time.Duration `json:"proxyCooldownBase"`
	CooldownMax        time.Duration `json:"proxyCooldownMax"`
	HealthCheckURL     string        `json:"healthCheckURL"`
	HealthCheckEvery   time.Duration `json:"healthCheckInterval"`
	HealthCheckRate    int           `json:"healthCheckRate"` // Proxy health checks started per second
	FetchTimeout       time.Duration `json:"fetchTimeout"`
	ProxyFetchTimeout  time.Duration `json:"proxyFetchTimeout"`
	OriginRatePerHost  int           `json:"originRatePerHost"` // Outbound requests per second per origin host
	UserAgent          string        `json:"userAgent"`
	PlaylistCacheTTL   time.Duration `json:"playlistCacheTTL"`
	UpstreamCacheTTL   time.Duration `json:"upstreamCacheTTL"`
	CacheCapacity      int           `json:"cacheCapacity"`
	AdSegmentCacheSize int64         `json:"adSegmentCacheSize"` // Bytes of ad segment data kept in memory

	UpstreamAPIBase   string        `json:"upstreamAPIBase"`
	GeoLookupURL      string        `json:"geoLookupURL"` // Printf pattern with a single %s for the IP
	GeoTimeout        time.Duration `json:"geoTimeout"`
	DatabasePath      string        `json:"databasePath"`
	AdMediaDir        string        `json:"adMediaDir"` // Relative ad segment paths resolve here
	WorkerThreads     int           `json:"workerThreads"`
	MaxSegmentStreams int           `json:"maxSegmentStreams"` // Concurrent segment relays before 503
	OperatorTokenHash string        `json:"operatorTokenHash"` // bcrypt hash guarding admin and diagnostics

	Debug         bool   `json:"debug"`
	LogLevel      string `json:"logLevel"`
	LogJSON       bool   `json:"logJSON"`
	ObfuscateUrls bool   `json:"obfuscateUrls"`
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "30m") are parsed into time.Duration values.
// Pointers distinguish an explicit false/zero from an omitted key.
type ConfigFile struct {
	BaseURL            string   `json:"baseURL"`
	ListenAddr         string   `json:"listenAddr"`
	DefaultMode        string   `json:"defaultMode"`
	AdsEnabled         *bool    `json:"adsEnabled"`
	SegmentsToSkip     *int     `json:"segmentsToSkip"`
	CorsRelayURL       string   `json:"corsRelayURL"`
	AdSegmentSecs      float64  `json:"adSegmentDuration"`
	StripCeiling       int      `json:"stripCeiling"`
	CDNDomains         []string `json:"cdnDomains"`
	ProxyListPath      string   `json:"proxyListPath"`
	ProxyReloadEvery   string   `json:"proxyReloadInterval"`
	MaxProxyAttempts   int      `json:"maxProxyAttempts"`
	FailureThreshold   int      `json:"proxyFailureThreshold"`
	CooldownBase       string   `json:"proxyCooldownBase"`
	CooldownMax        string   `json:"proxyCooldownMax"`
	HealthCheckURL     string   `json:"healthCheckURL"`
	HealthCheckEvery   string   `json:"healthCheckInterval"`
	HealthCheckRate    int      `json:"healthCheckRate"`
	FetchTimeout       string   `json:"fetchTimeout"`
	ProxyFetchTimeout  string   `json:"proxyFetchTimeout"`
	OriginRatePerHost  int      `json:"originRatePerHost"`
	UserAgent          string   `json:"userAgent"`
	PlaylistCacheTTL   string   `json:"playlistCacheTTL"`
	UpstreamCacheTTL   string   `json:"upstreamCacheTTL"`
	CacheCapacity      int      `json:"cacheCapacity"`
	AdSegmentCacheSize int64    `json:"adSegmentCacheSize"`
	UpstreamAPIBase    string   `json:"upstreamAPIBase"`
	GeoLookupURL       string   `json:"geoLookupURL"`
	GeoTimeout         string   `json:"geoTimeout"`
	DatabasePath       string   `json:"databasePath"`
	AdMediaDir         string   `json:"adMediaDir"`
	WorkerThreads      int      `json:"workerThreads"`
	MaxSegmentStreams  int      `json:"maxSegmentStreams"`
	OperatorTokenHash  string   `json:"operatorTokenHash"`
	Debug              bool     `json:"debug"`
	LogLevel           string   `json:"logLevel"`
	LogJSON            bool     `json:"logJSON"`
	ObfuscateUrls      bool     `json:"obfuscateUrls"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configPath  string       // Path the cached configuration was loaded from
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// SetConfigPath overrides the settings file location. It must be called
// before the first LoadConfig, or be followed by ClearConfigCache.
func SetConfigPath(path string) {
	configMutex.Lock()
	defer configMutex.Unlock()
	configPath = path
}

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from the configured path (ADPROXY_CONFIG or /settings/config.json).
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	path := configPath
	if path == "" {
		path = os.Getenv("ADPROXY_CONFIG")
	}
	if path == "" {
		path = DefaultConfigPath
	}

	config, err := LoadFromFile(path)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", path, err)
		log.Printf("Falling back to default configuration...")
		config = GetDefaultConfig()
	}

	// Ensure safe defaults for missing values
	ValidateAndSetDefaults(config)

	// Cache for future calls
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Base URL: %s", config.BaseURL)
		log.Printf("  Default mode: %s (ads enabled: %v, skip %d)", config.DefaultMode, config.AdsEnabled, config.SegmentsToSkip)
		log.Printf("  CDN domains: %d patterns", len(config.CDNDomains))
		log.Printf("  Proxy list: %s", config.ProxyListPath)
		log.Printf("  Upstream API: %s", obfuscateURL(config.UpstreamAPIBase))
	}

	return config
}

// LoadFromFile reads and parses the configuration from a JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := GetDefaultConfig()

	config.BaseURL = cf.BaseURL
	config.ListenAddr = cf.ListenAddr
	config.DefaultMode = cf.DefaultMode
	if cf.AdsEnabled != nil {
		config.AdsEnabled = *cf.AdsEnabled
	}
	if cf.SegmentsToSkip != nil {
		config.SegmentsToSkip = *cf.SegmentsToSkip
	}
	config.CorsRelayURL = cf.CorsRelayURL
	config.AdSegmentSecs = cf.AdSegmentSecs
	config.StripCeiling = cf.StripCeiling
	config.CDNDomains = cf.CDNDomains
	config.ProxyListPath = cf.ProxyListPath
	config.MaxProxyAttempts = cf.MaxProxyAttempts
	config.FailureThreshold = cf.FailureThreshold
	config.HealthCheckURL = cf.HealthCheckURL
	config.OriginRatePerHost = cf.OriginRatePerHost
	config.HealthCheckRate = cf.HealthCheckRate
	config.UserAgent = cf.UserAgent
	config.CacheCapacity = cf.CacheCapacity
	config.AdSegmentCacheSize = cf.AdSegmentCacheSize
	config.UpstreamAPIBase = cf.UpstreamAPIBase
	config.GeoLookupURL = cf.GeoLookupURL
	config.DatabasePath = cf.DatabasePath
	config.AdMediaDir = cf.AdMediaDir
	config.WorkerThreads = cf.WorkerThreads
	config.MaxSegmentStreams = cf.MaxSegmentStreams
	config.OperatorTokenHash = cf.OperatorTokenHash
	config.Debug = cf.Debug
	config.LogLevel = cf.LogLevel
	config.LogJSON = cf.LogJSON
	config.ObfuscateUrls = cf.ObfuscateUrls

	// Parse duration fields; empty strings keep the zero value and are
	// filled in by ValidateAndSetDefaults
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"proxyReloadInterval", cf.ProxyReloadEvery, &config.ProxyReloadEvery},
		{"proxyCooldownBase", cf.CooldownBase, &config.CooldownBase},
		{"proxyCooldownMax", cf.CooldownMax, &config.CooldownMax},
		{"healthCheckInterval", cf.HealthCheckEvery, &config.HealthCheckEvery},
		{"fetchTimeout", cf.FetchTimeout, &config.FetchTimeout},
		{"proxyFetchTimeout", cf.ProxyFetchTimeout, &config.ProxyFetchTimeout},
		{"playlistCacheTTL", cf.PlaylistCacheTTL, &config.PlaylistCacheTTL},
		{"upstreamCacheTTL", cf.UpstreamCacheTTL, &config.UpstreamCacheTTL},
		{"geoTimeout", cf.GeoTimeout, &config.GeoTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			*d.dst = 0
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return config, nil
}

// GetDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func GetDefaultConfig() *Config {
	return &Config{
		BaseURL:            "http://localhost:8080",
		ListenAddr:         ":8080",
		DefaultMode:        ModeFull,
		AdsEnabled:         true,
		SegmentsToSkip:     2,
		AdSegmentSecs:      3.0,
		StripCeiling:       20,
		CDNDomains:         []string{},
		ProxyReloadEvery:   0,
		MaxProxyAttempts:   3,
		FailureThreshold:   3,
		CooldownBase:       30 * time.Second,
		CooldownMax:        10 * time.Minute,
		HealthCheckEvery:   5 * time.Minute,
		FetchTimeout:       15 * time.Second,
		ProxyFetchTimeout:  20 * time.Second,
		OriginRatePerHost:  20,
		HealthCheckRate:    10,
		UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		PlaylistCacheTTL:   10 * time.Minute,
		UpstreamCacheTTL:   5 * time.Minute,
		CacheCapacity:      500,
		AdSegmentCacheSize: 64 << 20,
		GeoTimeout:         2 * time.Second,
		DatabasePath:       "/settings/adsplice.db",
		AdMediaDir:         "/settings/ads",
		WorkerThreads:      8,
		MaxSegmentStreams:  512,
		LogLevel:           "INFO",
	}
}

// ValidateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func ValidateAndSetDefaults(config *Config) {
	def := GetDefaultConfig()

	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.ListenAddr == "" {
		config.ListenAddr = def.ListenAddr
	}
	if !ValidMode(config.DefaultMode) {
		config.DefaultMode = def.DefaultMode
	}
	if config.SegmentsToSkip < 0 {
		config.SegmentsToSkip = def.SegmentsToSkip
	}
	if config.AdSegmentSecs <= 0 {
		config.AdSegmentSecs = def.AdSegmentSecs
	}
	if config.StripCeiling <= 0 {
		config.StripCeiling = def.StripCeiling
	}
	if config.MaxProxyAttempts <= 0 {
		config.MaxProxyAttempts = def.MaxProxyAttempts
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.CooldownBase <= 0 {
		config.CooldownBase = def.CooldownBase
	}
	if config.CooldownMax < config.CooldownBase {
		config.CooldownMax = def.CooldownMax
		if config.CooldownMax < config.CooldownBase {
			config.CooldownMax = config.CooldownBase
		}
	}
	if config.HealthCheckEvery <= 0 {
		config.HealthCheckEvery = def.HealthCheckEvery
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = def.FetchTimeout
	}
	if config.ProxyFetchTimeout <= 0 {
		config.ProxyFetchTimeout = def.ProxyFetchTimeout
	}
	if config.OriginRatePerHost <= 0 {
		config.OriginRatePerHost = def.OriginRatePerHost
	}
	if config.HealthCheckRate <= 0 {
		config.HealthCheckRate = def.HealthCheckRate
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	if config.PlaylistCacheTTL <= 0 {
		config.PlaylistCacheTTL = def.PlaylistCacheTTL
	}
	if config.UpstreamCacheTTL <= 0 {
		config.UpstreamCacheTTL = def.UpstreamCacheTTL
	}
	if config.CacheCapacity <= 0 {
		config.CacheCapacity = def.CacheCapacity
	}
	if config.AdSegmentCacheSize <= 0 {
		config.AdSegmentCacheSize = def.AdSegmentCacheSize
	}
	if config.GeoTimeout <= 0 {
		config.GeoTimeout = def.GeoTimeout
	}
	if config.DatabasePath == "" {
		config.DatabasePath = def.DatabasePath
	}
	if config.AdMediaDir == "" {
		config.AdMediaDir = def.AdMediaDir
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = def.WorkerThreads
	}
	if config.MaxSegmentStreams <= 0 {
		config.MaxSegmentStreams = def.MaxSegmentStreams
	}
	if config.LogLevel == "" {
		config.LogLevel = def.LogLevel
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
}

// ValidMode reports whether m names a supported delivery mode
func ValidMode(m string) bool {
	switch m {
	case ModeCORS, ModeFull, ModePassthrough:
		return true
	}
	return false
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks sensitive parts of a URL for logging.
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}
