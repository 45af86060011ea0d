package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the resolved agent configuration. Every product-tunable constant
// of the pipeline lives here so deployments can adjust them without a rebuild.
type Config struct {
	API     APIConfig     `mapstructure:"api" yaml:"api"`
	Audio   AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Upload  UploadConfig  `mapstructure:"upload" yaml:"upload"`
	Monitor MonitorConfig `mapstructure:"monitor" yaml:"monitor"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
}

type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	TokenFile      string        `mapstructure:"token_file" yaml:"token_file"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	UploadTimeout  time.Duration `mapstructure:"upload_timeout" yaml:"upload_timeout"`
}

type AudioConfig struct {
	Device string `mapstructure:"device" yaml:"device"` // capture device, empty = default
	// ChunkInterval is how often the encoder flushes buffered audio. Small
	// slices guarantee partial data survives an abrupt termination.
	ChunkInterval time.Duration `mapstructure:"chunk_interval" yaml:"chunk_interval"`
	// StopFlushTimeout bounds the wait for the encoder's final flush on stop.
	StopFlushTimeout time.Duration `mapstructure:"stop_flush_timeout" yaml:"stop_flush_timeout"`
	// MinCaptureBytes is the floor below which a tab/system capture result is
	// treated as a silent or failed capture rather than a usable recording.
	MinCaptureBytes int64 `mapstructure:"min_capture_bytes" yaml:"min_capture_bytes"`
	SampleRate      int   `mapstructure:"sample_rate" yaml:"sample_rate"`
}

type StorageConfig struct {
	Directory    string        `mapstructure:"directory" yaml:"directory"`
	RecordingTTL time.Duration `mapstructure:"recording_ttl" yaml:"recording_ttl"`
	// MinFreeBytes is the free-space floor checked before every save.
	MinFreeBytes int64 `mapstructure:"min_free_bytes" yaml:"min_free_bytes"`
	// Encrypt controls at-rest encryption of locally stored audio. Records
	// written under either policy stay readable: the format is tagged per row.
	Encrypt bool   `mapstructure:"encrypt" yaml:"encrypt"`
	KeyFile string `mapstructure:"key_file" yaml:"key_file"`
}

type UploadConfig struct {
	MaxBlobBytes int64 `mapstructure:"max_blob_bytes" yaml:"max_blob_bytes"`
	// CompletedLinger is how long a finished entry stays visible in the queue
	// before removal, so a UI can show the success state briefly.
	CompletedLinger time.Duration `mapstructure:"completed_linger" yaml:"completed_linger"`
}

type MonitorConfig struct {
	ShortInterval  time.Duration `mapstructure:"short_interval" yaml:"short_interval"`
	MediumInterval time.Duration `mapstructure:"medium_interval" yaml:"medium_interval"`
	LongInterval   time.Duration `mapstructure:"long_interval" yaml:"long_interval"`
	// ShortAttempts polls happen at ShortInterval before backing off.
	ShortAttempts int `mapstructure:"short_attempts" yaml:"short_attempts"`
	// MediumPhase is the elapsed-time boundary after which polling drops to
	// LongInterval.
	MediumPhase time.Duration `mapstructure:"medium_phase" yaml:"medium_phase"`
	// MaxAttempts is the absolute backstop; exceeding it fails the job with a
	// timeout message.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// StuckHardAge forces a job to failed regardless of remote status.
	StuckHardAge time.Duration `mapstructure:"stuck_hard_age" yaml:"stuck_hard_age"`
	// StuckSoftAge combined with a failed reconcile also fails the job.
	StuckSoftAge time.Duration `mapstructure:"stuck_soft_age" yaml:"stuck_soft_age"`
	// AbandonAge is the point past which persistently erroring jobs are
	// dropped silently, assumed permanently lost.
	AbandonAge   time.Duration `mapstructure:"abandon_age" yaml:"abandon_age"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff" yaml:"error_backoff"`
	FailedLinger time.Duration `mapstructure:"failed_linger" yaml:"failed_linger"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

func defaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		API: APIConfig{
			BaseURL:        "https://api.clinivoice.example",
			TokenFile:      filepath.Join(home, ".config", "clinivoice", "token"),
			RequestTimeout: 30 * time.Second,
			UploadTimeout:  10 * time.Minute,
		},
		Audio: AudioConfig{
			ChunkInterval:    250 * time.Millisecond,
			StopFlushTimeout: 3 * time.Second,
			MinCaptureBytes:  10_000,
			SampleRate:       48000,
		},
		Storage: StorageConfig{
			Directory:    filepath.Join(home, ".local", "share", "clinivoice"),
			RecordingTTL: 48 * time.Hour,
			MinFreeBytes: 50 * 1024 * 1024,
			Encrypt:      true,
			KeyFile:      filepath.Join(home, ".config", "clinivoice", "session.key"),
		},
		Upload: UploadConfig{
			MaxBlobBytes:    100 * 1024 * 1024,
			CompletedLinger: 2 * time.Second,
		},
		Monitor: MonitorConfig{
			ShortInterval:  5 * time.Second,
			MediumInterval: 30 * time.Second,
			LongInterval:   60 * time.Second,
			ShortAttempts:  6,
			MediumPhase:    10 * time.Minute,
			MaxAttempts:    720,
			StuckHardAge:   6 * time.Hour,
			StuckSoftAge:   10 * time.Minute,
			AbandonAge:     72 * time.Hour,
			ErrorBackoff:   30 * time.Second,
			FailedLinger:   5 * time.Second,
		},
		Server: ServerConfig{
			Port: "8090",
		},
	}
}

// Load reads the config file, layering file values and CLINIVOICE_* env
// variables over defaults. A missing file is not an error; defaults apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	def := defaultConfig()
	v.SetDefault("api.base_url", def.API.BaseURL)
	v.SetDefault("api.token_file", def.API.TokenFile)
	v.SetDefault("api.request_timeout", def.API.RequestTimeout)
	v.SetDefault("api.upload_timeout", def.API.UploadTimeout)
	v.SetDefault("audio.device", def.Audio.Device)
	v.SetDefault("audio.chunk_interval", def.Audio.ChunkInterval)
	v.SetDefault("audio.stop_flush_timeout", def.Audio.StopFlushTimeout)
	v.SetDefault("audio.min_capture_bytes", def.Audio.MinCaptureBytes)
	v.SetDefault("audio.sample_rate", def.Audio.SampleRate)
	v.SetDefault("storage.directory", def.Storage.Directory)
	v.SetDefault("storage.recording_ttl", def.Storage.RecordingTTL)
	v.SetDefault("storage.min_free_bytes", def.Storage.MinFreeBytes)
	v.SetDefault("storage.encrypt", def.Storage.Encrypt)
	v.SetDefault("storage.key_file", def.Storage.KeyFile)
	v.SetDefault("upload.max_blob_bytes", def.Upload.MaxBlobBytes)
	v.SetDefault("upload.completed_linger", def.Upload.CompletedLinger)
	v.SetDefault("monitor.short_interval", def.Monitor.ShortInterval)
	v.SetDefault("monitor.medium_interval", def.Monitor.MediumInterval)
	v.SetDefault("monitor.long_interval", def.Monitor.LongInterval)
	v.SetDefault("monitor.short_attempts", def.Monitor.ShortAttempts)
	v.SetDefault("monitor.medium_phase", def.Monitor.MediumPhase)
	v.SetDefault("monitor.max_attempts", def.Monitor.MaxAttempts)
	v.SetDefault("monitor.stuck_hard_age", def.Monitor.StuckHardAge)
	v.SetDefault("monitor.stuck_soft_age", def.Monitor.StuckSoftAge)
	v.SetDefault("monitor.abandon_age", def.Monitor.AbandonAge)
	v.SetDefault("monitor.error_backoff", def.Monitor.ErrorBackoff)
	v.SetDefault("monitor.failed_linger", def.Monitor.FailedLinger)
	v.SetDefault("server.port", def.Server.Port)

	v.SetEnvPrefix("CLINIVOICE")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate rejects values a running agent cannot work with.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Storage.RecordingTTL <= 0 {
		return fmt.Errorf("storage.recording_ttl must be positive")
	}
	if c.Upload.MaxBlobBytes <= 0 {
		return fmt.Errorf("upload.max_blob_bytes must be positive")
	}
	if c.Monitor.ShortAttempts <= 0 {
		return fmt.Errorf("monitor.short_attempts must be positive")
	}
	if c.Monitor.MaxAttempts <= c.Monitor.ShortAttempts {
		return fmt.Errorf("monitor.max_attempts must exceed monitor.short_attempts")
	}
	if c.Monitor.StuckSoftAge >= c.Monitor.StuckHardAge {
		return fmt.Errorf("monitor.stuck_soft_age must be below monitor.stuck_hard_age")
	}
	if c.Audio.ChunkInterval < 50*time.Millisecond || c.Audio.ChunkInterval > time.Second {
		return fmt.Errorf("audio.chunk_interval must be between 50ms and 1s")
	}
	return nil
}

// WriteDefault writes a commented-out-free default config file for `config init`.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	def := defaultConfig()
	data, err := yaml.Marshal(&def)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Dump renders the resolved configuration as YAML for `config show`.
func (c *Config) Dump() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}
