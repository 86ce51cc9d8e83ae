package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultUserAgent is the desktop browser identity presented to every upstream.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config holds the runtime settings of the relay process. Durations are already parsed;
// the on-disk representation lives in ConfigFile.
type Config struct {
	BindHost            string        // Loopback address every server binds to
	PrimaryPort         int           // Port of the superseding primary relay
	StaticPort          int           // Port of the idempotent static relay
	ControlPort         int           // Port of the GUI control API
	ControlOrigins      []string      // Browser origins allowed to call the control API
	ServerKeepAlive     time.Duration // Idle keep-alive for inbound relay connections
	UpstreamTimeout     time.Duration // Whole-request ceiling for upstream fetches
	UpstreamKeepAlive   time.Duration // TCP keepalive on upstream sockets
	UpstreamIdleTimeout time.Duration // Idle pooled connection lifetime, 0 keeps them forever
	MaxIdleConnsPerHost int
	UserAgent           string
	ImageRequestsPerSec int // 0 disables pacing of the image route
	MaxListeners        int // Listener pool size per platform, 0 is unbounded
	DefaultProxy        string
	NoProxy             string
	LogLevel            string
	Debug               bool
	ObfuscateUrls       bool
	HeaderRules         []HeaderRuleConfig
	Feeds               map[string]FeedConfig
}

// HeaderRuleConfig adds a Referer/Origin rule on top of the built-in platform families.
// Either Markers (host substrings) or HostPattern (regular expression) must be set.
type HeaderRuleConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Markers     []string `json:"markers,omitempty" yaml:"markers,omitempty"`
	HostPattern string   `json:"hostPattern,omitempty" yaml:"hostPattern,omitempty"`
	Referer     string   `json:"referer" yaml:"referer"`
	Origin      string   `json:"origin,omitempty" yaml:"origin,omitempty"`
}

// FeedConfig describes the websocket chat feed a platform listener connects to.
// "{room}" in URL and Subscribe is replaced by the room id.
type FeedConfig struct {
	URL              string
	Subscribe        string
	Heartbeat        time.Duration
	HeartbeatPayload string
	HandshakeTimeout time.Duration
}

// ConfigFile is the serialized form of Config. Durations are strings such as "60s".
type ConfigFile struct {
	BindHost            string                    `json:"bindHost" yaml:"bindHost"`
	PrimaryPort         int                       `json:"primaryPort" yaml:"primaryPort"`
	StaticPort          int                       `json:"staticPort" yaml:"staticPort"`
	ControlPort         int                       `json:"controlPort" yaml:"controlPort"`
	ControlOrigins      []string                  `json:"controlOrigins" yaml:"controlOrigins"`
	ServerKeepAlive     string                    `json:"serverKeepAlive" yaml:"serverKeepAlive"`
	UpstreamTimeout     string                    `json:"upstreamTimeout" yaml:"upstreamTimeout"`
	UpstreamKeepAlive   string                    `json:"upstreamKeepAlive" yaml:"upstreamKeepAlive"`
	UpstreamIdleTimeout string                    `json:"upstreamIdleTimeout" yaml:"upstreamIdleTimeout"`
	MaxIdleConnsPerHost int                       `json:"maxIdleConnsPerHost" yaml:"maxIdleConnsPerHost"`
	UserAgent           string                    `json:"userAgent" yaml:"userAgent"`
	ImageRequestsPerSec int                       `json:"imageRequestsPerSec" yaml:"imageRequestsPerSec"`
	MaxListeners        int                       `json:"maxListeners" yaml:"maxListeners"`
	DefaultProxy        string                    `json:"defaultProxy" yaml:"defaultProxy"`
	NoProxy             string                    `json:"noProxy" yaml:"noProxy"`
	LogLevel            string                    `json:"logLevel" yaml:"logLevel"`
	Debug               bool                      `json:"debug" yaml:"debug"`
	ObfuscateUrls       bool                      `json:"obfuscateUrls" yaml:"obfuscateUrls"`
	HeaderRules         []HeaderRuleConfig        `json:"headerRules" yaml:"headerRules"`
	Feeds               map[string]FeedConfigFile `json:"feeds" yaml:"feeds"`
}

// FeedConfigFile is the serialized form of FeedConfig.
type FeedConfigFile struct {
	URL              string `json:"url" yaml:"url"`
	Subscribe        string `json:"subscribe" yaml:"subscribe"`
	Heartbeat        string `json:"heartbeat" yaml:"heartbeat"`
	HeartbeatPayload string `json:"heartbeatPayload" yaml:"heartbeatPayload"`
	HandshakeTimeout string `json:"handshakeTimeout" yaml:"handshakeTimeout"`
}

// DefaultControlOrigins are the origins the desktop webview loads the GUI from.
var DefaultControlOrigins = []string{"tauri://localhost", "http://tauri.localhost", "https://tauri.localhost"}

// PathEnv names the environment variable that overrides the config file location.
const PathEnv = "DTV_RELAY_CONFIG"

const defaultConfigPath = "settings/config.json"

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig returns the cached configuration, loading it on first use.
//
// The file named by DTV_RELAY_CONFIG (or settings/config.json) is decoded as YAML when
// its extension is .yaml/.yml and as JSON otherwise. A missing or broken file falls back
// to the defaults; either way the result is validated before it is cached.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	path := os.Getenv(PathEnv)
	if path == "" {
		path = defaultConfigPath
	}

	config, err := LoadFile(path)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", path, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
		validateAndSetDefaults(config)
	}

	configCache = config
	return config
}

// LoadFile reads, converts and validates a single configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	config, err := convertFromFile(&cf)
	if err != nil {
		return nil, err
	}
	validateAndSetDefaults(config)
	return config, nil
}

// parseDuration treats an empty string as "unset" so defaults can apply later.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BindHost:            cf.BindHost,
		PrimaryPort:         cf.PrimaryPort,
		StaticPort:          cf.StaticPort,
		ControlPort:         cf.ControlPort,
		ControlOrigins:      cf.ControlOrigins,
		MaxIdleConnsPerHost: cf.MaxIdleConnsPerHost,
		UserAgent:           cf.UserAgent,
		ImageRequestsPerSec: cf.ImageRequestsPerSec,
		MaxListeners:        cf.MaxListeners,
		DefaultProxy:        cf.DefaultProxy,
		NoProxy:             cf.NoProxy,
		LogLevel:            cf.LogLevel,
		Debug:               cf.Debug,
		ObfuscateUrls:       cf.ObfuscateUrls,
		HeaderRules:         cf.HeaderRules,
		Feeds:               make(map[string]FeedConfig, len(cf.Feeds)),
	}

	var err error
	if config.ServerKeepAlive, err = parseDuration("serverKeepAlive", cf.ServerKeepAlive); err != nil {
		return nil, err
	}
	if config.UpstreamTimeout, err = parseDuration("upstreamTimeout", cf.UpstreamTimeout); err != nil {
		return nil, err
	}
	if config.UpstreamKeepAlive, err = parseDuration("upstreamKeepAlive", cf.UpstreamKeepAlive); err != nil {
		return nil, err
	}
	if config.UpstreamIdleTimeout, err = parseDuration("upstreamIdleTimeout", cf.UpstreamIdleTimeout); err != nil {
		return nil, err
	}

	for platform, ff := range cf.Feeds {
		feed := FeedConfig{
			URL:              ff.URL,
			Subscribe:        ff.Subscribe,
			HeartbeatPayload: ff.HeartbeatPayload,
		}
		if feed.Heartbeat, err = parseDuration("feeds."+platform+".heartbeat", ff.Heartbeat); err != nil {
			return nil, err
		}
		if feed.HandshakeTimeout, err = parseDuration("feeds."+platform+".handshakeTimeout", ff.HandshakeTimeout); err != nil {
			return nil, err
		}
		config.Feeds[strings.ToLower(platform)] = feed
	}

	return config, nil
}

func getDefaultConfig() *Config {
	return &Config{
		BindHost:            "127.0.0.1",
		PrimaryPort:         34719,
		StaticPort:          34721,
		ControlPort:         34723,
		ControlOrigins:      append([]string(nil), DefaultControlOrigins...),
		ServerKeepAlive:     120 * time.Second,
		UpstreamTimeout:     2 * time.Hour,
		UpstreamKeepAlive:   60 * time.Second,
		MaxIdleConnsPerHost: 4,
		UserAgent:           DefaultUserAgent,
		NoProxy:             "127.0.0.1,localhost",
		LogLevel:            "INFO",
		Feeds:               map[string]FeedConfig{},
	}
}

// Default returns a validated default configuration without touching the cache.
func Default() *Config {
	config := getDefaultConfig()
	validateAndSetDefaults(config)
	return config
}

// validateAndSetDefaults fills zero values and clamps nonsense back to defaults.
// Upstream idle timeout and image pacing keep their zero value on purpose.
func validateAndSetDefaults(config *Config) {
	defaults := getDefaultConfig()

	if config.BindHost == "" {
		config.BindHost = defaults.BindHost
	}
	if config.PrimaryPort <= 0 || config.PrimaryPort > 65535 {
		config.PrimaryPort = defaults.PrimaryPort
	}
	if config.StaticPort <= 0 || config.StaticPort > 65535 {
		config.StaticPort = defaults.StaticPort
	}
	if config.ControlPort <= 0 || config.ControlPort > 65535 {
		config.ControlPort = defaults.ControlPort
	}
	if config.ControlOrigins == nil {
		config.ControlOrigins = append([]string(nil), defaults.ControlOrigins...)
	}
	if config.ServerKeepAlive <= 0 {
		config.ServerKeepAlive = defaults.ServerKeepAlive
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = defaults.UpstreamTimeout
	}
	if config.UpstreamKeepAlive <= 0 {
		config.UpstreamKeepAlive = defaults.UpstreamKeepAlive
	}
	if config.UpstreamIdleTimeout < 0 {
		config.UpstreamIdleTimeout = 0
	}
	if config.MaxIdleConnsPerHost <= 0 {
		config.MaxIdleConnsPerHost = defaults.MaxIdleConnsPerHost
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.ImageRequestsPerSec < 0 {
		config.ImageRequestsPerSec = 0
	}
	if config.MaxListeners < 0 {
		config.MaxListeners = 0
	}
	if config.NoProxy == "" {
		config.NoProxy = defaults.NoProxy
	}
	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
		if config.Debug {
			config.LogLevel = "DEBUG"
		}
	}
	if config.Feeds == nil {
		config.Feeds = map[string]FeedConfig{}
	}
	for platform, feed := range config.Feeds {
		if feed.HandshakeTimeout <= 0 {
			feed.HandshakeTimeout = 10 * time.Second
		}
		config.Feeds[platform] = feed
	}

	separatePorts(config, defaults)
}

// separatePorts keeps the primary port and moves the static and control ports off
// any port already claimed, starting from their defaults.
func separatePorts(config, defaults *Config) {
	taken := map[int]bool{config.PrimaryPort: true}
	for _, p := range []struct {
		name string
		port *int
		def  int
	}{
		{"staticPort", &config.StaticPort, defaults.StaticPort},
		{"controlPort", &config.ControlPort, defaults.ControlPort},
	} {
		if !taken[*p.port] {
			taken[*p.port] = true
			continue
		}
		next := p.def
		for taken[next] {
			next++
		}
		log.Printf("%s %d collides with another port, using %d", p.name, *p.port, next)
		*p.port = next
		taken[next] = true
	}
}

// ClearConfigCache forces the next LoadConfig to read the file again.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
