package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr        string   `json:"addr" yaml:"addr" toml:"addr"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	LogLevel    string   `json:"log_level" yaml:"log_level" toml:"log_level"`

	// Worker subprocess.
	WorkerBin  string   `json:"worker_bin" yaml:"worker_bin" toml:"worker_bin"`
	WorkerArgs []string `json:"worker_args" yaml:"worker_args" toml:"worker_args"`

	// Supervision knobs. Durations accept Go syntax ("30s", "1m").
	HandshakeTimeout Duration `json:"handshake_timeout" yaml:"handshake_timeout" toml:"handshake_timeout"`
	CallTimeout      Duration `json:"call_timeout" yaml:"call_timeout" toml:"call_timeout"`
	DownloadTimeout  Duration `json:"download_timeout" yaml:"download_timeout" toml:"download_timeout"`
	MaxRestarts      int      `json:"max_restarts" yaml:"max_restarts" toml:"max_restarts"`
	BackoffBase      Duration `json:"backoff_base" yaml:"backoff_base" toml:"backoff_base"`
	BackoffCap       Duration `json:"backoff_cap" yaml:"backoff_cap" toml:"backoff_cap"`
}

// Duration is a time.Duration that unmarshals from "30s" style strings in
// every supported config format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalText(b []byte) error { return d.parse(string(b)) }

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
