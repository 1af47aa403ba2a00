package aperture

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"aperture/internal/cloudfiles"
	"aperture/internal/whip"
)

type Config struct {
	Server struct {
		Port              int    `yaml:"port"`
		ReadHeaderTimeout string `yaml:"readHeaderTimeout"`
		IdleTimeout       string `yaml:"idleTimeout"`
		DiagPort          int    `yaml:"diagPort"`

		readHeaderTimeout time.Duration
		idleTimeout       time.Duration
	} `yaml:"server"`

	CapsToken string `yaml:"capsToken"`
	Debug     bool   `yaml:"debug"`

	Cache struct {
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max         string `yaml:"max"`
			Path        string `yaml:"path"`
			Compression string `yaml:"compression"`
		} `yaml:"disk"`

		ramMax  int64
		diskMax int64
		codec   codecTag
	} `yaml:"cache"`

	WHIP struct {
		Enabled        *bool  `yaml:"enabled"`
		URL            string `yaml:"url"`
		ReconnectDelay string `yaml:"reconnectDelay"`

		uri            whip.URI
		reconnectDelay time.Duration
	} `yaml:"whip"`

	CloudFiles struct {
		Enabled         bool   `yaml:"enabled"`
		Username        string `yaml:"username"`
		APIKey          string `yaml:"apiKey"`
		Region          string `yaml:"region"`
		ContainerPrefix string `yaml:"containerPrefix"`
		UseInternalURL  bool   `yaml:"useInternalURL"`
		Workers         int    `yaml:"workers"`
		AuthURL         string `yaml:"authURL"`
		Timeout         string `yaml:"timeout"`

		timeout time.Duration
	} `yaml:"cloudFiles"`

	Logging LoggingConfig `yaml:"logging"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
	StatsEvery string `yaml:"statsEvery"`

	statsEvery time.Duration
}

// WHIPEnabled reports whether the WHIP backend is configured. It
// defaults to on.
func (cfg *Config) WHIPEnabled() bool {
	return cfg.WHIP.Enabled == nil || *cfg.WHIP.Enabled
}

func (cfg *Config) ReadHeaderTimeout() time.Duration { return cfg.Server.readHeaderTimeout }

func (cfg *Config) IdleTimeout() time.Duration { return cfg.Server.idleTimeout }

func (cfg *Config) WHIPURI() whip.URI { return cfg.WHIP.uri }

func (cfg *Config) cloudFilesConfig() cloudfiles.Config {
	cf := cfg.CloudFiles
	return cloudfiles.Config{
		Username:        cf.Username,
		APIKey:          cf.APIKey,
		Region:          cf.Region,
		ContainerPrefix: cf.ContainerPrefix,
		UseInternalURL:  cf.UseInternalURL,
		AuthURL:         cf.AuthURL,
		Workers:         cf.Workers,
		Timeout:         cf.timeout,
	}
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes a YAML document, applies defaults and validates
// the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	var err error

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.readHeaderTimeout, err = parseDurationDefault(cfg.Server.ReadHeaderTimeout, 10*time.Second); err != nil {
		return fmt.Errorf("server.readHeaderTimeout: %w", err)
	}
	if cfg.Server.idleTimeout, err = parseDurationDefault(cfg.Server.IdleTimeout, 30*time.Second); err != nil {
		return fmt.Errorf("server.idleTimeout: %w", err)
	}

	if cfg.CapsToken == "" {
		return fmt.Errorf("capsToken is required")
	}

	if cfg.Cache.ramMax, err = parseBytesOptional(cfg.Cache.RAM.Max); err != nil {
		return fmt.Errorf("cache.ram.max: %w", err)
	}
	if cfg.Cache.diskMax, err = parseBytesOptional(cfg.Cache.Disk.Max); err != nil {
		return fmt.Errorf("cache.disk.max: %w", err)
	}
	if cfg.Cache.diskMax > 0 && cfg.Cache.Disk.Path == "" {
		cfg.Cache.Disk.Path = "./data/leveldb"
	}
	if cfg.Cache.codec, err = parseCodec(cfg.Cache.Disk.Compression); err != nil {
		return fmt.Errorf("cache.disk.compression: %w", err)
	}

	if cfg.WHIP.reconnectDelay, err = parseDurationDefault(cfg.WHIP.ReconnectDelay, 5*time.Second); err != nil {
		return fmt.Errorf("whip.reconnectDelay: %w", err)
	}
	if cfg.WHIPEnabled() {
		if cfg.WHIP.URL == "" {
			return fmt.Errorf("whip.url is required when whip is enabled")
		}
		if cfg.WHIP.uri, err = whip.ParseURI(cfg.WHIP.URL); err != nil {
			return fmt.Errorf("whip.url: %w", err)
		}
	}

	cf := &cfg.CloudFiles
	if cf.Enabled {
		required := map[string]string{
			"cloudFiles.username":        cf.Username,
			"cloudFiles.apiKey":          cf.APIKey,
			"cloudFiles.region":          cf.Region,
			"cloudFiles.containerPrefix": cf.ContainerPrefix,
		}
		missing := lo.Filter(lo.Keys(required), func(k string, _ int) bool { return required[k] == "" })
		if len(missing) > 0 {
			slices.Sort(missing)
			return fmt.Errorf("%s required when cloudFiles is enabled", strings.Join(missing, ", "))
		}
	}
	if cf.Workers == 0 {
		cf.Workers = 16
	}
	if cf.Workers < 0 {
		return fmt.Errorf("cloudFiles.workers: must be positive")
	}
	if cf.AuthURL == "" {
		cf.AuthURL = cloudfiles.DefaultAuthURL
	}
	if cf.timeout, err = parseDurationDefault(cf.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("cloudFiles.timeout: %w", err)
	}

	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.statsEvery, err = parseDurationDefault(cfg.Logging.StatsEvery, 0); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
