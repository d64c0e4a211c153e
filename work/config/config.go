package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config holds all runtime settings for the SiriusXM proxy: account
// credentials, upstream endpoints, the authentication refresh window, and
// server/logging behavior.
type Config struct {
	Username          string        // SiriusXM account username
	Password          string        // SiriusXM account password
	Region            string        // App region sent on auth calls: "US" or "CA"
	ListenPort        int           // Local HTTP port for the proxy surface
	APIBaseURL        string        // Base URL of the experience-modules REST API
	LiveBaseURL       string        // Origin serving live HLS playlists and segments
	UserAgent         string        // Browser User-Agent presented upstream
	AuthFilePath      string        // Persisted credential file location
	AuthRefreshWindow time.Duration // Re-authenticate when the last auth is older than this
	RequestTimeout    time.Duration // Per-call HTTP timeout for upstream requests
	APIRateLimit      int           // Max REST API calls per second
	WorkerThreads     int           // Worker pool size for background tasks
	KeepaliveEnabled  bool          // Refresh the session in the background
	KeepaliveInterval time.Duration // How often the keepalive job runs
	Debug             bool          // Verbose debug logging
	ObfuscateUrls     bool          // Obfuscate upstream URLs in logs
	LogLevel          string        // DEBUG, INFO, WARN or ERROR
}

// ConfigFile is the on-disk JSON form of Config; duration fields are
// strings ("10m", "30s") parsed at load time.
type ConfigFile struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	Region            string `json:"region"`
	ListenPort        int    `json:"listenPort"`
	APIBaseURL        string `json:"apiBaseURL"`
	LiveBaseURL       string `json:"liveBaseURL"`
	UserAgent         string `json:"userAgent"`
	AuthFilePath      string `json:"authFilePath"`
	AuthRefreshWindow string `json:"authRefreshWindow"`
	RequestTimeout    string `json:"requestTimeout"`
	APIRateLimit      int    `json:"apiRateLimit"`
	WorkerThreads     int    `json:"workerThreads"`
	KeepaliveEnabled  bool   `json:"keepaliveEnabled"`
	KeepaliveInterval string `json:"keepaliveInterval"`
	Debug             bool   `json:"debug"`
	ObfuscateUrls     bool   `json:"obfuscateUrls"`
	LogLevel          string `json:"logLevel"`
}

const (
	defaultAPIBaseURL  = "https://player.siriusxm.com/rest/v2/experience/modules"
	defaultLiveBaseURL = "https://siriusxm-priprodlive.akamaized.net"
	defaultUserAgent   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12_6) AppleWebKit/604.5.6 (KHTML, like Gecko) Version/11.0.3 Safari/604.5.6"
)

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig returns the process-wide configuration, loading it on first
// use. The config file path comes from SXM_CONFIG (default
// ~/.sxm_proxy/config.json); a missing or invalid file falls back to
// defaults so the proxy can run from flags and environment alone.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// double-check under the write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("SXM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join(homeDir(), ".sxm_proxy", "config.json")
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Failed to load config from %s: %v", configPath, err)
		}
		config = getDefaultConfig()
	}

	applyEnvOverrides(config)
	validateAndSetDefaults(config)

	configCache = config
	return config
}

// ClearConfigCache drops the cached configuration so the next LoadConfig
// re-reads the file. Used by tests and graceful restart.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the JSON config file at path.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&cf)
}

// convertFromFile converts the on-disk form into a Config, parsing the
// duration strings. Empty duration fields inherit defaults later.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		Username:         cf.Username,
		Password:         cf.Password,
		Region:           cf.Region,
		ListenPort:       cf.ListenPort,
		APIBaseURL:       cf.APIBaseURL,
		LiveBaseURL:      cf.LiveBaseURL,
		UserAgent:        cf.UserAgent,
		AuthFilePath:     cf.AuthFilePath,
		APIRateLimit:     cf.APIRateLimit,
		WorkerThreads:    cf.WorkerThreads,
		KeepaliveEnabled: cf.KeepaliveEnabled,
		Debug:            cf.Debug,
		ObfuscateUrls:    cf.ObfuscateUrls,
		LogLevel:         cf.LogLevel,
	}

	var err error
	if cf.AuthRefreshWindow != "" {
		if config.AuthRefreshWindow, err = time.ParseDuration(cf.AuthRefreshWindow); err != nil {
			return nil, fmt.Errorf("invalid authRefreshWindow: %w", err)
		}
	}
	if cf.RequestTimeout != "" {
		if config.RequestTimeout, err = time.ParseDuration(cf.RequestTimeout); err != nil {
			return nil, fmt.Errorf("invalid requestTimeout: %w", err)
		}
	}
	if cf.KeepaliveInterval != "" {
		if config.KeepaliveInterval, err = time.ParseDuration(cf.KeepaliveInterval); err != nil {
			return nil, fmt.Errorf("invalid keepaliveInterval: %w", err)
		}
	}

	return config, nil
}

// applyEnvOverrides lets SXM_USER / SXM_PASS / SXM_LISTEN take precedence
// over the file so credentials can stay out of it entirely.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("SXM_USER"); v != "" {
		config.Username = v
	}
	if v := os.Getenv("SXM_PASS"); v != "" {
		config.Password = v
	}
	if v := os.Getenv("SXM_LISTEN"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			config.ListenPort = port
		}
	}
}

// getDefaultConfig returns a baseline configuration used when no config
// file is present.
func getDefaultConfig() *Config {
	return &Config{
		Region:            "US",
		ListenPort:        9999,
		APIBaseURL:        defaultAPIBaseURL,
		LiveBaseURL:       defaultLiveBaseURL,
		UserAgent:         defaultUserAgent,
		AuthFilePath:      filepath.Join(homeDir(), ".sxm_auth.json"),
		AuthRefreshWindow: 10 * time.Minute,
		RequestTimeout:    30 * time.Second,
		APIRateLimit:      10,
		WorkerThreads:     4,
		KeepaliveEnabled:  false,
		KeepaliveInterval: 5 * time.Minute,
		Debug:             false,
		ObfuscateUrls:     false,
		LogLevel:          "INFO",
	}
}

// validateAndSetDefaults fills in defaults for missing or invalid values.
func validateAndSetDefaults(config *Config) {
	if config.Region != "CA" {
		config.Region = "US"
	}
	if config.ListenPort <= 0 || config.ListenPort > 65535 {
		config.ListenPort = 9999
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	if config.LiveBaseURL == "" {
		config.LiveBaseURL = defaultLiveBaseURL
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if config.AuthFilePath == "" {
		config.AuthFilePath = filepath.Join(homeDir(), ".sxm_auth.json")
	}
	if config.AuthRefreshWindow <= 0 {
		config.AuthRefreshWindow = 10 * time.Minute
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.APIRateLimit <= 0 {
		config.APIRateLimit = 10
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 4
	}
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 5 * time.Minute
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
