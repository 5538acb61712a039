package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/eagleeye/liveview/internal/metrics"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	LogLevel   string `mapstructure:"log_level"`
	Secret     string `mapstructure:"secret"`
	// SelectionRate is the number of selection changes one browser may make
	// per SelectionWindow.
	SelectionRate   int           `mapstructure:"selection_rate"`
	SelectionWindow time.Duration `mapstructure:"selection_window"`

	Gateway   GatewayConfig   `mapstructure:"gateway"`
	WebRTC    WebRTCConfig    `mapstructure:"webrtc"`
	FloorPlan FloorPlanConfig `mapstructure:"floorplan"`
	Status    StatusConfig    `mapstructure:"status"`
}

type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type WebRTCConfig struct {
	STUNURLs      []string      `mapstructure:"stun_urls"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
	PLIInterval   time.Duration `mapstructure:"pli_interval"`
	PortMin       uint16        `mapstructure:"port_min"`
	PortMax       uint16        `mapstructure:"port_max"`
}

type FloorPlanConfig struct {
	URL             string        `mapstructure:"url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type StatusConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8090)
	v.SetDefault("static_path", "./web")
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "liveview-dev-secret")
	v.SetDefault("selection_rate", 10)
	v.SetDefault("selection_window", "10s")

	v.SetDefault("gateway.base_url", "http://localhost:8083")
	v.SetDefault("gateway.request_timeout", "10s")

	v.SetDefault("webrtc.stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("webrtc.gather_timeout", "5s")
	v.SetDefault("webrtc.pli_interval", "3s")
	v.SetDefault("webrtc.port_min", 0)
	v.SetDefault("webrtc.port_max", 0)

	v.SetDefault("floorplan.url", "http://localhost:5001/map")
	v.SetDefault("floorplan.request_timeout", "10s")
	v.SetDefault("floorplan.retry_interval", "1s")
	v.SetDefault("floorplan.refresh_interval", "30s")

	v.SetDefault("status.send_buffer", 32)
	v.SetDefault("status.write_timeout", "5s")
	v.SetDefault("status.read_limit", 4096)
	v.SetDefault("status.ping_period", "54s")
}

// Loader reads the config file selected by CONFIG_ENV and LIVEVIEW_*
// environment overrides.
type Loader struct {
	v    *viper.Viper
	file string
}

func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("LIVEVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return &Loader{v: v, file: fileName}
}

// Load reads the config file once. A missing file means defaults; a file
// that exists but cannot be read or parsed is an error.
func (l *Loader) Load() (*Config, error) {
	err := l.v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		log.Info().Str("module", "config").Str("file", l.file).Msg("loaded config")
	case errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("module", "config").Str("file", l.file).Msg("config file not found, using defaults")
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", l.file, err)
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with the re-read config whenever the file changes.
// Invalid revisions are logged and skipped.
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("config reload rejected")
			return
		}
		metrics.ConfigReloads.Inc()
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		fn(cfg)
	})
	l.v.WatchConfig()
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("config: gateway.base_url is required")
	}
	if c.WebRTC.PortMin > c.WebRTC.PortMax {
		return fmt.Errorf("config: webrtc.port_min %d above port_max %d", c.WebRTC.PortMin, c.WebRTC.PortMax)
	}
	if c.Status.SendBuffer <= 0 {
		return fmt.Errorf("config: status.send_buffer must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps log_level to a zerolog level.
func ParseLevel(s string) (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("config: invalid log_level %q: %w", s, err)
	}
	return lvl, nil
}
