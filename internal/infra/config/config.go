package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Config holds all application configuration.
type Config struct {
	// Logging
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // "pretty" or "json"

	// Storage
	StorePath string `json:"store_path"`

	Account   AccountConfig   `json:"account"`
	Transport TransportConfig `json:"transport"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Media     MediaConfig     `json:"media"`

	// Minimum minutes between two one-time prekey refreshes.
	PreKeyRefreshMins int `json:"prekey_refresh_mins"`
	// Minutes between periodic health checks of the connection.
	HealthCheckMins int `json:"health_check_mins"`
}

// AccountConfig is the logged-in account the core acts for. Login itself
// happens elsewhere; the core only consumes these credentials.
type AccountConfig struct {
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`
	PrivateKey string `json:"private_key"` // base64 ed25519 private key or seed
	Scope      string `json:"scope"`

	// AppExtension marks the notification-extension client, which uses a
	// different websocket protocol header than the main app.
	AppExtension bool `json:"app_extension"`
}

// TransportConfig configures the blaze websocket and HTTP API.
type TransportConfig struct {
	Hosts    []string `json:"hosts"`     // websocket hosts, first is primary
	APIHosts []string `json:"api_hosts"` // HTTP API hosts, same order as Hosts

	RequestTimeoutSecs    int `json:"request_timeout_secs"`
	HeartbeatIntervalSecs int `json:"heartbeat_interval_secs"`
	ReconnectInitialMs    int `json:"reconnect_initial_ms"`
	ReconnectMaxMs        int `json:"reconnect_max_ms"`
	ClockSkewSecs         int `json:"clock_skew_secs"`
	SlowHandshakeSecs     int `json:"slow_handshake_secs"`
	MaxPayloadKB          int `json:"max_payload_kb"`
}

// DispatchConfig configures the outbound drain loops.
type DispatchConfig struct {
	AckBatchSize       int `json:"ack_batch_size"`
	ConnectivityStepMs int `json:"connectivity_step_ms"`
	ConnectivityMaxMs  int `json:"connectivity_max_ms"`
	InboundQueueSize   int `json:"inbound_queue_size"`
	BacklogBatchSize   int `json:"backlog_batch_size"`
}

// MediaConfig configures attachment downloads.
type MediaConfig struct {
	AutoDownload          bool     `json:"auto_download"`
	WorkerCount           int      `json:"worker_count"`
	Types                 []string `json:"types"`
	MaxFileSizeMB         int      `json:"max_file_size_mb"`
	RetryMaxAttempts      int      `json:"retry_max_attempts"`
	RetryInitialBackoffMs int      `json:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int      `json:"retry_max_backoff_ms"`
	DownloadTimeoutMs     int      `json:"download_timeout_ms"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultStore := filepath.Join(homeDir, ".blaze-sync", "store")

	return &Config{
		LogLevel:  "INFO",
		LogFormat: "pretty",
		StorePath: defaultStore,
		Account: AccountConfig{
			Scope: "FULL",
		},
		Transport: TransportConfig{
			Hosts:                 []string{"blaze.mixin.one", "mixin-blaze.zeromesh.net"},
			APIHosts:              []string{"api.mixin.one", "mixin-api.zeromesh.net"},
			RequestTimeoutSecs:    10,
			HeartbeatIntervalSecs: 15,
			ReconnectInitialMs:    500,
			ReconnectMaxMs:        30_000,
			ClockSkewSecs:         300,
			SlowHandshakeSecs:     60,
			MaxPayloadKB:          120,
		},
		Dispatch: DispatchConfig{
			AckBatchSize:       100,
			ConnectivityStepMs: 2_000,
			ConnectivityMaxMs:  10_000,
			InboundQueueSize:   256,
			BacklogBatchSize:   50,
		},
		Media: MediaConfig{
			AutoDownload:          true,
			WorkerCount:           3,
			MaxFileSizeMB:         100,
			RetryMaxAttempts:      3,
			RetryInitialBackoffMs: 500,
			RetryMaxBackoffMs:     30_000,
			DownloadTimeoutMs:     60_000,
		},
		PreKeyRefreshMins: 60,
		HealthCheckMins:   1,
	}
}

// LoadFromFile loads configuration from a JSON file. Comments and trailing
// commas are allowed.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if file doesn't exist
		}
		return nil, err
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load loads configuration from an optional file, then applies environment
// variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		var err error
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BLAZE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BLAZE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("BLAZE_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("BLAZE_USER_ID"); v != "" {
		cfg.Account.UserID = v
	}
	if v := os.Getenv("BLAZE_SESSION_ID"); v != "" {
		cfg.Account.SessionID = v
	}
	if v := os.Getenv("BLAZE_PRIVATE_KEY"); v != "" {
		cfg.Account.PrivateKey = v
	}
	if v := os.Getenv("BLAZE_APP_EXTENSION"); v != "" {
		cfg.Account.AppExtension = v == "true" || v == "1"
	}
	if v := os.Getenv("BLAZE_HOSTS"); v != "" {
		cfg.Transport.Hosts = splitList(v)
	}
	if v := os.Getenv("BLAZE_API_HOSTS"); v != "" {
		cfg.Transport.APIHosts = splitList(v)
	}
	if v := os.Getenv("BLAZE_REQUEST_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Transport.RequestTimeoutSecs = secs
		}
	}
	if v := os.Getenv("BLAZE_MEDIA_AUTO_DOWNLOAD"); v != "" {
		cfg.Media.AutoDownload = v == "true" || v == "1"
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports configuration that makes running the core impossible.
func (c *Config) Validate() error {
	var errs []error
	if c.Account.UserID == "" {
		errs = append(errs, errors.New("account.user_id is required"))
	}
	if c.Account.SessionID == "" {
		errs = append(errs, errors.New("account.session_id is required"))
	}
	if c.Account.PrivateKey == "" {
		errs = append(errs, errors.New("account.private_key is required"))
	}
	if len(c.Transport.Hosts) == 0 {
		errs = append(errs, errors.New("transport.hosts must not be empty"))
	}
	if len(c.Transport.APIHosts) == 0 {
		errs = append(errs, errors.New("transport.api_hosts must not be empty"))
	}
	return errors.Join(errs...)
}

// EnsureStorePath creates the store directory if it doesn't exist.
func (c *Config) EnsureStorePath() error {
	return os.MkdirAll(c.StorePath, 0755)
}

// DatabasePath is the sqlite file holding jobs, messages and sessions.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StorePath, "blaze.db")
}

// PreKeyRefreshInterval is the minimum spacing between prekey refreshes.
func (c *Config) PreKeyRefreshInterval() time.Duration {
	return minutes(c.PreKeyRefreshMins, 60)
}

// HealthCheckInterval is the spacing of periodic connection checks.
func (c *Config) HealthCheckInterval() time.Duration {
	return minutes(c.HealthCheckMins, 1)
}

// RequestTimeout bounds one correlated websocket request.
func (t TransportConfig) RequestTimeout() time.Duration {
	return seconds(t.RequestTimeoutSecs, 10)
}

// HeartbeatInterval is the spacing between liveness probes.
func (t TransportConfig) HeartbeatInterval() time.Duration {
	return seconds(t.HeartbeatIntervalSecs, 15)
}

// ClockSkew is the tolerated server/local time difference at handshake.
func (t TransportConfig) ClockSkew() time.Duration {
	return seconds(t.ClockSkewSecs, 300)
}

// SlowHandshake is the handshake duration after which a skew is blamed on
// the handshake instead of the local clock.
func (t TransportConfig) SlowHandshake() time.Duration {
	return seconds(t.SlowHandshakeSecs, 60)
}

// ReconnectInitial is the first reconnect delay.
func (t TransportConfig) ReconnectInitial() time.Duration {
	return millis(t.ReconnectInitialMs, 500)
}

// ReconnectMax caps reconnect delays.
func (t TransportConfig) ReconnectMax() time.Duration {
	return millis(t.ReconnectMaxMs, 30_000)
}

// MaxPayloadBytes is the hard ceiling for a compressed frame.
func (t TransportConfig) MaxPayloadBytes() int {
	if t.MaxPayloadKB <= 0 {
		return 120 * 1024
	}
	return t.MaxPayloadKB * 1024
}

// ConnectivityStep is the first wait of a connectivity gate.
func (d DispatchConfig) ConnectivityStep() time.Duration {
	return millis(d.ConnectivityStepMs, 2_000)
}

// ConnectivityMax caps connectivity gate waits.
func (d DispatchConfig) ConnectivityMax() time.Duration {
	return millis(d.ConnectivityMaxMs, 10_000)
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func minutes(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Minute
}

func millis(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}
