package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// RuntimeConfig holds everything the bridge needs at runtime. Values come from
// environment variables first, then the optional JSON config file, then
// built-in defaults.
type RuntimeConfig struct {
	Bind     string
	Port     string
	Token    string
	StateDir string

	// Browser
	CdpURL           string
	ChromeBinary     string
	ChromeExtraFlags string
	ProfileDir       string
	Headless         bool
	MaxTabs          int

	// External-channel security boundary. Only these web-app origins may
	// deliver messages on the external endpoint.
	AllowedOrigins []string

	// Backend API endpoints for the CALL_API proxy.
	APIBaseURL    string
	APIDevBaseURL string

	// Marketplace URLs the orchestration flows target.
	WingBaseURL     string
	CoupangBaseURL  string
	SearchTabPrefix string
	FormV2TabPrefix string
	AdminPathPrefix string

	// Protocol timing. ContentScriptGrace exists because a tab reaching
	// "complete" does not mean its content script has registered a listener
	// yet; the grace period is a deliberate synchronization allowance.
	HandshakeTimeout   time.Duration
	PageFlowTimeout    time.Duration
	PingRetryDelay     time.Duration
	ContentScriptGrace time.Duration
	NavigateTimeout    time.Duration
	APITimeout         time.Duration
	FetchTimeout       time.Duration
	ShutdownTimeout    time.Duration
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envListOr(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return h
}

func (c *RuntimeConfig) ListenAddr() string {
	return c.Bind + ":" + c.Port
}

// APIBase selects the backend endpoint for a proxied call.
func (c *RuntimeConfig) APIBase(isDev bool) string {
	if isDev {
		return c.APIDevBaseURL
	}
	return c.APIBaseURL
}

// OriginAllowed reports whether an external web page at the given origin may
// use the external message channel.
func (c *RuntimeConfig) OriginAllowed(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// FileConfig is the optional on-disk config. Environment variables win over
// every file value.
type FileConfig struct {
	Port           string   `json:"port"`
	Token          string   `json:"token,omitempty"`
	CdpURL         string   `json:"cdpUrl,omitempty"`
	StateDir       string   `json:"stateDir"`
	ProfileDir     string   `json:"profileDir"`
	Headless       *bool    `json:"headless,omitempty"`
	MaxTabs        *int     `json:"maxTabs,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	APIBaseURL     string   `json:"apiBaseUrl,omitempty"`
	APIDevBaseURL  string   `json:"apiDevBaseUrl,omitempty"`
	HandshakeSec   int      `json:"handshakeSec,omitempty"`
	PageFlowSec    int      `json:"pageFlowSec,omitempty"`
}

func Load() *RuntimeConfig {
	cfg := &RuntimeConfig{
		Bind:             envOr("WB_BIND", "127.0.0.1"),
		Port:             envOr("WB_PORT", "9876"),
		Token:            os.Getenv("WB_TOKEN"),
		StateDir:         envOr("WB_STATE_DIR", filepath.Join(homeDir(), ".wingbridge")),
		CdpURL:           os.Getenv("CDP_URL"),
		ChromeBinary:     os.Getenv("CHROME_BINARY"),
		ChromeExtraFlags: os.Getenv("CHROME_FLAGS"),
		ProfileDir:       envOr("WB_PROFILE", filepath.Join(homeDir(), ".wingbridge", "chrome-profile")),
		Headless:         envBoolOr("WB_HEADLESS", true),
		MaxTabs:          envIntOr("WB_MAX_TABS", 20),

		AllowedOrigins: envListOr("WB_ALLOWED_ORIGINS", []string{
			"https://app.wingbridge.io",
			"http://localhost:3000",
		}),

		APIBaseURL:    envOr("WB_API_URL", "https://api.wingbridge.io"),
		APIDevBaseURL: envOr("WB_API_DEV_URL", "http://localhost:3000"),

		WingBaseURL:     envOr("WB_WING_URL", "https://wing.coupang.com"),
		CoupangBaseURL:  envOr("WB_COUPANG_URL", "https://www.coupang.com"),
		SearchTabPrefix: envOr("WB_SEARCH_TAB_PREFIX", "https://www.coupang.com/np/search"),
		FormV2TabPrefix: envOr("WB_FORMV2_TAB_PREFIX", "https://wing.coupang.com/tenants/sfl-portal/contract/formV2"),
		AdminPathPrefix: envOr("WB_ADMIN_PATH_PREFIX", "/products"),

		HandshakeTimeout:   10 * time.Second,
		PageFlowTimeout:    30 * time.Second,
		PingRetryDelay:     500 * time.Millisecond,
		ContentScriptGrace: 1 * time.Second,
		NavigateTimeout:    30 * time.Second,
		APITimeout:         30 * time.Second,
		FetchTimeout:       20 * time.Second,
		ShutdownTimeout:    10 * time.Second,
	}

	configPath := envOr("WB_CONFIG", filepath.Join(cfg.StateDir, "config.json"))

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg
	}

	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return cfg
	}

	if fc.Port != "" && os.Getenv("WB_PORT") == "" {
		cfg.Port = fc.Port
	}
	if fc.Token != "" && os.Getenv("WB_TOKEN") == "" {
		cfg.Token = fc.Token
	}
	if fc.CdpURL != "" && os.Getenv("CDP_URL") == "" {
		cfg.CdpURL = fc.CdpURL
	}
	if fc.StateDir != "" && os.Getenv("WB_STATE_DIR") == "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.ProfileDir != "" && os.Getenv("WB_PROFILE") == "" {
		cfg.ProfileDir = fc.ProfileDir
	}
	if fc.Headless != nil && os.Getenv("WB_HEADLESS") == "" {
		cfg.Headless = *fc.Headless
	}
	if fc.MaxTabs != nil && os.Getenv("WB_MAX_TABS") == "" {
		cfg.MaxTabs = *fc.MaxTabs
	}
	if len(fc.AllowedOrigins) > 0 && os.Getenv("WB_ALLOWED_ORIGINS") == "" {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.APIBaseURL != "" && os.Getenv("WB_API_URL") == "" {
		cfg.APIBaseURL = fc.APIBaseURL
	}
	if fc.APIDevBaseURL != "" && os.Getenv("WB_API_DEV_URL") == "" {
		cfg.APIDevBaseURL = fc.APIDevBaseURL
	}
	if fc.HandshakeSec > 0 {
		cfg.HandshakeTimeout = time.Duration(fc.HandshakeSec) * time.Second
	}
	if fc.PageFlowSec > 0 {
		cfg.PageFlowTimeout = time.Duration(fc.PageFlowSec) * time.Second
	}

	return cfg
}
