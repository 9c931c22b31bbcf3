package main

import (
	_ "embed"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.default.toml
var ConfigDefault []byte

var (
	/*
		Note, will cause null pointer
		exception if Configuration is
		not set. (Good for testing)
	*/
	Configuration *ConfigStr
)

var (
	ErrMissingCert      = errors.New("Configuration: cert and key must both be set")
	ErrMissingRoot      = errors.New("Configuration: root (content directory) must be set")
	ErrInvalidInterval  = errors.New("Configuration: reloadInterval must be positive")
	ErrInvalidCacheSize = errors.New("Configuration: cache bounds must not be negative")
)

type ConfigStrSmtp struct {
	Enabled bool
	Type    string // "plain", "tls", "starttls"
	From    string
	Address string
	Port    string
	User    string
	Pass    string
}

type ConfigAdminStr struct {
	Email []string // to: addresses for operator notices
}

type ConfigCacheStr struct {
	MaxEntries int
	MaxBytes   int64
}

type ConfigWatchStr struct {
	Enabled bool
}

type ConfigSearchStr struct {
	Enabled  bool
	Progress bool // show progress bar while indexing
}

type ConfigStatsStr struct {
	Database       string        // filename, empty = disabled
	Page           bool          // serve /stats/
	BackupDir      string        // empty = no backups
	BackupInterval time.Duration // in hours
}

type ConfigStr struct {
	Listen           string
	Hostnames        []string // empty = accept any host
	Cert             string   // Note: filenames
	Key              string
	Root             string // content directory
	Index            string
	ReloadInterval   time.Duration // in seconds
	HandshakeTimeout time.Duration // in seconds
	ReadTimeout      time.Duration // in seconds
	WriteTimeout     time.Duration // in seconds
	LimitConnections int64
	LimitWindow      time.Duration // in seconds
	Log              string        // filename
	LogLevel         string
	Cache            ConfigCacheStr
	Watch            ConfigWatchStr
	Search           ConfigSearchStr
	Stats            ConfigStatsStr
	Admin            ConfigAdminStr
	Smtp             ConfigStrSmtp
}

/*
Environment variables understood on top of
the configuration file.
*/
const (
	EnvAddress        = "GEMINI_ADDRESS"
	EnvCertPath       = "GEMINI_CERT_PATH"
	EnvKeyPath        = "GEMINI_KEY_PATH"
	EnvPagesDir       = "GEMINI_PAGES_DIR"
	EnvReloadInterval = "GEMINI_TLS_RELOAD_INTERVAL_SECS"
)

func LoadConfig(path string) error {
	/*
		Load configuration into
		global variable struct
	*/
	f, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	conf := new(ConfigStr)
	if err := toml.Unmarshal(f, conf); err != nil {
		return err
	}

	if err := applyEnv(conf); err != nil {
		return err
	}

	fillDefaults(conf)

	if err := conf.Validate(); err != nil {
		return err
	}

	Configuration = conf
	return nil
}

func applyEnv(conf *ConfigStr) error {
	if v, ok := os.LookupEnv(EnvAddress); ok {
		conf.Listen = v
	}
	if v, ok := os.LookupEnv(EnvCertPath); ok {
		conf.Cert = v
	}
	if v, ok := os.LookupEnv(EnvKeyPath); ok {
		conf.Key = v
	}
	if v, ok := os.LookupEnv(EnvPagesDir); ok {
		conf.Root = v
	}
	if v, ok := os.LookupEnv(EnvReloadInterval); ok {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return ErrInvalidInterval
		}
		conf.ReloadInterval = time.Duration(secs)
	}
	return nil
}

func fillDefaults(conf *ConfigStr) {
	if conf.Listen == "" {
		conf.Listen = ":1965" // default listening port
	}
	if conf.Index == "" {
		conf.Index = "index.md"
	}
	if conf.ReloadInterval == 0 {
		conf.ReloadInterval = 300
	}
	if conf.HandshakeTimeout == 0 {
		conf.HandshakeTimeout = 5
	}
	if conf.ReadTimeout == 0 {
		conf.ReadTimeout = 5
	}
	if conf.WriteTimeout == 0 {
		conf.WriteTimeout = 10
	}
	if conf.LogLevel == "" {
		conf.LogLevel = "info"
	}
	if conf.Stats.BackupInterval == 0 {
		conf.Stats.BackupInterval = 24
	}
}

func (c *ConfigStr) Validate() error {
	if c.Cert == "" || c.Key == "" {
		return ErrMissingCert
	}
	if c.Root == "" {
		return ErrMissingRoot
	}
	if c.ReloadInterval < 0 {
		return ErrInvalidInterval
	}
	if c.Cache.MaxEntries < 0 || c.Cache.MaxBytes < 0 {
		return ErrInvalidCacheSize
	}
	return nil
}

/*
The duration fields are stored in their
natural unit (seconds or hours) like the
rest of the file; these convert them.
*/

func (c *ConfigStr) reloadEvery() time.Duration {
	return c.ReloadInterval * time.Second
}

func (c *ConfigStr) handshakeTimeout() time.Duration {
	return c.HandshakeTimeout * time.Second
}

func (c *ConfigStr) readTimeout() time.Duration {
	return c.ReadTimeout * time.Second
}

func (c *ConfigStr) writeTimeout() time.Duration {
	return c.WriteTimeout * time.Second
}

func (c *ConfigStr) backupEvery() time.Duration {
	return c.Stats.BackupInterval * time.Hour
}
