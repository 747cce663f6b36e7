package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents <data_dir>/config.toml.
type Config struct {
	ListenAddr string   `toml:"listen_addr"`
	DataDir    string   `toml:"data_dir"`
	LogLevel   string   `toml:"log_level"`
	Origins    []string `toml:"cors_origins"`
	Limits     Limits   `toml:"limits"`
}

// Limits bounds what a single connection may push at the server.
type Limits struct {
	MaxAttachmentBytes int64   `toml:"max_attachment_bytes"`
	// MaxFrameBytes of 0 derives the websocket read limit from
	// MaxAttachmentBytes. Larger frames close the connection.
	MaxFrameBytes      int64   `toml:"max_frame_bytes"`
	SendRatePerSec     float64 `toml:"send_rate_per_sec"`
	SendBurst          int     `toml:"send_burst"`
	OutboundBuffer     int     `toml:"outbound_buffer"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ListenAddr: ":3001",
		LogLevel:   "info",
		Origins:    []string{"http://localhost:3000"},
		Limits: Limits{
			MaxAttachmentBytes: 10 << 20,
			SendRatePerSec:     20,
			SendBurst:          40,
			OutboundBuffer:     256,
		},
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, but a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
