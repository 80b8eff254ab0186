package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/inertial_ingest/internal/codec"
	"github.com/relabs-tech/inertial_ingest/internal/ingest"
	"github.com/relabs-tech/inertial_ingest/internal/pipeline"
	"github.com/relabs-tech/inertial_ingest/internal/serialport"
)

const (
	AppName    = "inertial_ingest"
	EnvPrefix  = "INERTIAL"
	ConfigName = "config"
)

// SerialConfig is the line configuration shared by all channels.
type SerialConfig struct {
	Driver       string        `mapstructure:"driver" yaml:"driver"`
	Baud         int           `mapstructure:"baud" yaml:"baud"`
	DataBits     int           `mapstructure:"data_bits" yaml:"data_bits"`
	StopBits     int           `mapstructure:"stop_bits" yaml:"stop_bits"`
	Parity       string        `mapstructure:"parity" yaml:"parity"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type PipelineConfig struct {
	BufferSize   int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	ReadChunk    int           `mapstructure:"read_chunk" yaml:"read_chunk"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

type IngestConfig struct {
	ConnectPolicy   string        `mapstructure:"connect_policy" yaml:"connect_policy"`
	ActivityTimeout time.Duration `mapstructure:"activity_timeout" yaml:"activity_timeout"`
}

// MQTTConfig controls the sample publisher and the console subscriber.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Broker         string        `mapstructure:"broker" yaml:"broker"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	TopicPrefix    string        `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	Encoding       string        `mapstructure:"encoding" yaml:"encoding"`
	QoS            byte          `mapstructure:"qos" yaml:"qos"`
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout"`
}

type WebConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Interface string `mapstructure:"interface" yaml:"interface"`
	Port      int    `mapstructure:"port" yaml:"port"`
	QueueSize int    `mapstructure:"queue_size" yaml:"queue_size"`
}

type EmulatorConfig struct {
	RateHz       int `mapstructure:"rate_hz" yaml:"rate_hz"`
	CorruptEvery int `mapstructure:"corrupt_every" yaml:"corrupt_every"`
}

// Config holds all application configuration values.
type Config struct {
	Channels      []string       `mapstructure:"channels" yaml:"channels"`
	Debug         bool           `mapstructure:"debug" yaml:"debug"`
	StatsInterval time.Duration  `mapstructure:"stats_interval" yaml:"stats_interval"`
	Serial        SerialConfig   `mapstructure:"serial" yaml:"serial"`
	Pipeline      PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Ingest        IngestConfig   `mapstructure:"ingest" yaml:"ingest"`
	MQTT          MQTTConfig     `mapstructure:"mqtt" yaml:"mqtt"`
	Web           WebConfig      `mapstructure:"web" yaml:"web"`
	Emulator      EmulatorConfig `mapstructure:"emulator" yaml:"emulator"`
}

// Default returns the built-in configuration.
func Default() *Config {
	so := serialport.DefaultOptions()
	po := pipeline.DefaultOptions()
	return &Config{
		Channels:      []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyUSB2"},
		Debug:         false,
		StatsInterval: 5 * time.Second,
		Serial: SerialConfig{
			Driver:       serialport.DriverJacobsa,
			Baud:         so.Baud,
			DataBits:     so.DataBits,
			StopBits:     so.StopBits,
			Parity:       string(so.Parity),
			ReadTimeout:  so.ReadTimeout,
			WriteTimeout: so.WriteTimeout,
		},
		Pipeline: PipelineConfig{
			BufferSize:   po.BufferSize,
			ReadChunk:    po.ReadChunk,
			PollInterval: po.PollInterval,
			StopTimeout:  po.StopTimeout,
		},
		Ingest: IngestConfig{
			ConnectPolicy:   ingest.KeepPartial.String(),
			ActivityTimeout: ingest.DefaultActivityTimeout,
		},
		MQTT: MQTTConfig{
			Enabled:        false,
			Broker:         "tcp://localhost:1883",
			ClientID:       "inertial-ingest",
			TopicPrefix:    "inertial/frames",
			Encoding:       codec.JSON.Name(),
			QoS:            0,
			QueueSize:      256,
			PublishTimeout: 250 * time.Millisecond,
		},
		Web: WebConfig{
			Enabled:   true,
			Interface: "0.0.0.0",
			Port:      8080,
			QueueSize: 64,
		},
		Emulator: EmulatorConfig{
			RateHz:       200,
			CorruptEvery: 0,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("channels", d.Channels)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("stats_interval", d.StatsInterval)

	v.SetDefault("serial.driver", d.Serial.Driver)
	v.SetDefault("serial.baud", d.Serial.Baud)
	v.SetDefault("serial.data_bits", d.Serial.DataBits)
	v.SetDefault("serial.stop_bits", d.Serial.StopBits)
	v.SetDefault("serial.parity", d.Serial.Parity)
	v.SetDefault("serial.read_timeout", d.Serial.ReadTimeout)
	v.SetDefault("serial.write_timeout", d.Serial.WriteTimeout)

	v.SetDefault("pipeline.buffer_size", d.Pipeline.BufferSize)
	v.SetDefault("pipeline.read_chunk", d.Pipeline.ReadChunk)
	v.SetDefault("pipeline.poll_interval", d.Pipeline.PollInterval)
	v.SetDefault("pipeline.stop_timeout", d.Pipeline.StopTimeout)

	v.SetDefault("ingest.connect_policy", d.Ingest.ConnectPolicy)
	v.SetDefault("ingest.activity_timeout", d.Ingest.ActivityTimeout)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.topic_prefix", d.MQTT.TopicPrefix)
	v.SetDefault("mqtt.encoding", d.MQTT.Encoding)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("mqtt.queue_size", d.MQTT.QueueSize)
	v.SetDefault("mqtt.publish_timeout", d.MQTT.PublishTimeout)

	v.SetDefault("web.enabled", d.Web.Enabled)
	v.SetDefault("web.interface", d.Web.Interface)
	v.SetDefault("web.port", d.Web.Port)
	v.SetDefault("web.queue_size", d.Web.QueueSize)

	v.SetDefault("emulator.rate_hz", d.Emulator.RateHz)
	v.SetDefault("emulator.corrupt_every", d.Emulator.CorruptEvery)
}

// flagKeys maps command-line flags to config keys. Flags missing from
// the flag set are skipped.
var flagKeys = map[string]string{
	"debug":     "debug",
	"channels":  "channels",
	"driver":    "serial.driver",
	"port":      "web.port",
	"interface": "web.interface",
	"broker":    "mqtt.broker",
	"mqtt":      "mqtt.enabled",
	"policy":    "ingest.connect_policy",
	"rate":      "emulator.rate_hz",
	"corrupt":   "emulator.corrupt_every",
}

// searchPaths are tried in order when no config file is named.
func searchPaths() []string {
	paths := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", AppName))
	}
	return append(paths, filepath.Join("/etc", AppName), ".")
}

// Load builds the configuration from defaults, the config file, INERTIAL_*
// environment variables and flags, in increasing priority.
//
// An explicitly named file must exist. Without one, the search paths are
// tried and a missing file is not an error.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		configPath = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		for _, p := range searchPaths() {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug("no config file found, using defaults")
	} else {
		log.WithField("file", v.ConfigFileUsed()).Debug("using config file")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks value ranges. The channel list is checked by the
// commands that need it.
func (c *Config) validate() error {
	if _, err := serialport.NewOpener(c.Serial.Driver); err != nil {
		return fmt.Errorf("serial.driver: %w", err)
	}
	if _, err := c.SerialOptions(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	if c.Pipeline.BufferSize <= 0 {
		return fmt.Errorf("pipeline.buffer_size must be positive")
	}
	if c.Pipeline.ReadChunk <= 0 {
		return fmt.Errorf("pipeline.read_chunk must be positive")
	}
	if c.Pipeline.PollInterval <= 0 || c.Pipeline.StopTimeout <= 0 {
		return fmt.Errorf("pipeline.poll_interval and pipeline.stop_timeout must be positive")
	}
	if _, err := ingest.ParseConnectPolicy(c.Ingest.ConnectPolicy); err != nil {
		return fmt.Errorf("ingest.connect_policy: %w", err)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("stats_interval must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if _, err := codec.ByName(c.MQTT.Encoding); err != nil {
		return fmt.Errorf("mqtt.encoding: %w", err)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.MQTT.QueueSize <= 0 || c.Web.QueueSize <= 0 {
		return fmt.Errorf("mqtt.queue_size and web.queue_size must be positive")
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port %d out of range", c.Web.Port)
	}
	if c.Emulator.RateHz <= 0 {
		return fmt.Errorf("emulator.rate_hz must be positive")
	}
	if c.Emulator.CorruptEvery < 0 {
		return fmt.Errorf("emulator.corrupt_every must not be negative")
	}
	return nil
}

// SerialOptions returns the serial line options.
func (c *Config) SerialOptions() (serialport.Options, error) {
	parity, err := serialport.ParseParity(c.Serial.Parity)
	if err != nil {
		return serialport.Options{}, err
	}
	o := serialport.Options{
		Baud:         c.Serial.Baud,
		DataBits:     c.Serial.DataBits,
		StopBits:     c.Serial.StopBits,
		Parity:       parity,
		ReadTimeout:  c.Serial.ReadTimeout,
		WriteTimeout: c.Serial.WriteTimeout,
	}
	return o, o.Validate()
}

// IngestOptions returns the service options.
func (c *Config) IngestOptions() (ingest.Options, error) {
	so, err := c.SerialOptions()
	if err != nil {
		return ingest.Options{}, err
	}
	policy, err := ingest.ParseConnectPolicy(c.Ingest.ConnectPolicy)
	if err != nil {
		return ingest.Options{}, err
	}
	return ingest.Options{
		Pipeline: pipeline.Options{
			BufferSize:   c.Pipeline.BufferSize,
			ReadChunk:    c.Pipeline.ReadChunk,
			PollInterval: c.Pipeline.PollInterval,
			StopTimeout:  c.Pipeline.StopTimeout,
			Serial:       so,
		},
		Policy:          policy,
		ActivityTimeout: c.Ingest.ActivityTimeout,
	}, nil
}

// ApplyLogLevel sets the logrus level from Debug.
func (c *Config) ApplyLogLevel() {
	if c.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// Template renders the default configuration as YAML.
func Template() ([]byte, error) {
	return yaml.Marshal(Default())
}

// WriteTemplate writes the default configuration to path. An existing
// file is only replaced when overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	data, err := Template()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// --- global instance ---
//
// External code must use InitGlobal() to set and Get() to read.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// InitGlobal loads the global configuration. Only the first call has an
// effect.
func InitGlobal(configPath string, flags *pflag.FlagSet) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath, flags)
	})
	return err
}

// Get returns the global configuration, or nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
