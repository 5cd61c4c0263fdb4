// Package config loads opsync settings from flags, the environment and an
// optional .env file.
//
// Every key can be set as an upper-case environment variable (OPSYNC_URL,
// OPSYNC_NAMESPACE, ...) or as the matching flag when a flag set is bound.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agencyops/opsync/pkg/constants"
)

const (
	KeyURL         = "opsync_url"
	KeyNamespace   = "opsync_namespace"
	KeyListen      = "opsync_listen"
	KeyHTTP        = "opsync_http"
	KeyTokenSecret = "opsync_token_secret"
	KeyTokenTTL    = "opsync_token_ttl"
	KeyTimeout     = "opsync_timeout"
	KeyLogLevel    = "opsync_log_level"
	KeyLogFormat   = "opsync_log_format"
	KeyRetryMax    = "opsync_retry_max"
	KeyEnv         = "opsync_env"
)

const (
	DefaultURL    = "ws://127.0.0.1:8000"
	DefaultListen = "127.0.0.1:8000"

	defaultTokenTTL = 24 * time.Hour

	maxRetries = 100
	maxTimeout = 5 * time.Minute
	maxTTL     = 30 * 24 * time.Hour
)

type Config struct {
	Environment string
	Store       StoreConfig
	Server      ServerConfig
	Log         LogConfig
}

type StoreConfig struct {
	URL       string
	Namespace string
	Timeout   time.Duration
	// RetryMax bounds reconnect attempts. Zero retries forever.
	RetryMax int
}

type ServerConfig struct {
	// Listen is the address the dev document server binds.
	Listen string
	// HTTP is the address of the status API. Empty disables it.
	HTTP        string
	TokenSecret string
	TokenTTL    time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Flags registers the flag form of every key on fs. Flag names are the keys
// without the "opsync_" prefix, with dashes.
func Flags(fs *pflag.FlagSet) {
	fs.String(flagName(KeyURL), DefaultURL, "document store endpoint (ws://, wss:// or mem://)")
	fs.String(flagName(KeyNamespace), constants.DefaultNamespace, "application namespace")
	fs.String(flagName(KeyListen), DefaultListen, "dev server listen address")
	fs.String(flagName(KeyHTTP), "", "status API listen address, empty to disable")
	fs.String(flagName(KeyTokenSecret), "", "token signing secret of the dev server")
	fs.Duration(flagName(KeyTokenTTL), defaultTokenTTL, "lifetime of issued tokens")
	fs.Duration(flagName(KeyTimeout), constants.DefaultWSTimeout, "request timeout")
	fs.String(flagName(KeyLogLevel), "info", "debug, info, warn or error")
	fs.String(flagName(KeyLogFormat), "text", "text, json or console")
	fs.Int(flagName(KeyRetryMax), 0, "reconnect attempts, 0 for unlimited")
	fs.String(flagName(KeyEnv), "", "environment name")
}

func flagName(key string) string {
	return strings.ReplaceAll(strings.TrimPrefix(key, "opsync_"), "_", "-")
}

// Load reads .env if present, then resolves every key from the flags in fs
// (when set explicitly), the environment, or the defaults, in that order.
// fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(KeyURL, DefaultURL)
	v.SetDefault(KeyNamespace, constants.DefaultNamespace)
	v.SetDefault(KeyListen, DefaultListen)
	v.SetDefault(KeyHTTP, "")
	v.SetDefault(KeyTokenSecret, "")
	v.SetDefault(KeyTokenTTL, defaultTokenTTL)
	v.SetDefault(KeyTimeout, constants.DefaultWSTimeout)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyRetryMax, 0)
	v.SetDefault(KeyEnv, "")

	if fs != nil {
		for _, key := range []string{
			KeyURL, KeyNamespace, KeyListen, KeyHTTP, KeyTokenSecret, KeyTokenTTL,
			KeyTimeout, KeyLogLevel, KeyLogFormat, KeyRetryMax, KeyEnv,
		} {
			f := fs.Lookup(flagName(key))
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", f.Name, err)
			}
		}
	}

	url := strings.TrimSpace(v.GetString(KeyURL))
	if url == "" {
		url = DefaultURL
	}

	namespace := strings.Trim(strings.TrimSpace(v.GetString(KeyNamespace)), "/")
	if namespace == "" {
		namespace = constants.DefaultNamespace
	}
	if strings.Contains(namespace, "/") {
		return Config{}, fmt.Errorf("invalid OPSYNC_NAMESPACE %q: must not contain '/'", namespace)
	}

	timeout := v.GetDuration(KeyTimeout)
	if timeout <= 0 {
		timeout = constants.DefaultWSTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	ttl := v.GetDuration(KeyTokenTTL)
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	retries := v.GetInt(KeyRetryMax)
	if retries < 0 {
		retries = 0
	}
	if retries > maxRetries {
		retries = maxRetries
	}

	level := strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel)))
	switch level {
	case "debug", "info", "warn", "error":
	case "warning":
		level = "warn"
	default:
		return Config{}, fmt.Errorf("invalid OPSYNC_LOG_LEVEL: %q", level)
	}

	format := strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat)))
	switch format {
	case "text", "json", "console":
	default:
		return Config{}, fmt.Errorf("invalid OPSYNC_LOG_FORMAT: %q", format)
	}

	listen := strings.TrimSpace(v.GetString(KeyListen))
	if listen == "" {
		listen = DefaultListen
	}

	cfg := Config{
		Environment: strings.ToLower(strings.TrimSpace(v.GetString(KeyEnv))),
		Store: StoreConfig{
			URL:       url,
			Namespace: namespace,
			Timeout:   timeout,
			RetryMax:  retries,
		},
		Server: ServerConfig{
			Listen:      listen,
			HTTP:        strings.TrimSpace(v.GetString(KeyHTTP)),
			TokenSecret: strings.TrimSpace(v.GetString(KeyTokenSecret)),
			TokenTTL:    ttl,
		},
		Log: LogConfig{
			Level:  level,
			Format: format,
		},
	}

	return cfg, nil
}

// CheckServer reports settings the dev server cannot run with. Outside
// local environments tokens must survive a restart, so a secret is required.
func (c Config) CheckServer() error {
	if !c.IsLocalDevelopment() && c.Server.TokenSecret == "" {
		return fmt.Errorf("OPSYNC_TOKEN_SECRET is required outside local/dev environments")
	}
	return nil
}

func (c Config) IsLocalDevelopment() bool {
	switch c.Environment {
	case "", "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}
