// Package config binds the gateway's environment variables into a
// validated Config, optionally overlaid with a YAML settings file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the complete set of tunables named in SPEC_FULL.md §6. Every
// field has an environment variable and a default, bound via struct tags.
type Config struct {
	Host      string `env:"WS_TTS_HOST" envDefault:"0.0.0.0" yaml:"host"`
	Port      int    `env:"WS_TTS_PORT" envDefault:"9000" yaml:"port"`
	Engine    string `env:"WS_TTS_ENGINE" envDefault:"dummy" yaml:"engine"`
	LogFormat string `env:"WS_TTS_LOG_FORMAT" envDefault:"text" yaml:"log_format"` // "text" or "json"

	MaxSessions         int     `env:"WS_TTS_MAX_SESSIONS" envDefault:"1000" yaml:"max_sessions"`
	MaxSessionsPerKey   int     `env:"WS_TTS_MAX_SESSIONS_PER_KEY" envDefault:"50" yaml:"max_sessions_per_key"`
	EngineConcurrency   int     `env:"WS_TTS_ENGINE_CONCURRENCY" envDefault:"4" yaml:"engine_concurrency"`
	AdmissionsPerSecond float64 `env:"WS_TTS_ADMISSIONS_PER_SECOND" envDefault:"5" yaml:"admissions_per_second"`

	ResumeGrace         time.Duration `env:"WS_TTS_RESUME_GRACE_SECONDS" envDefault:"30s" yaml:"resume_grace"`
	QueueCapacity       int           `env:"WS_TTS_QUEUE_CAPACITY" envDefault:"64" yaml:"queue_capacity"`
	WriteTimeout        time.Duration `env:"WS_TTS_WRITE_TIMEOUT_SECONDS" envDefault:"5s" yaml:"write_timeout"`
	BackpressureTimeout time.Duration `env:"WS_TTS_BACKPRESSURE_TIMEOUT_SECONDS" envDefault:"2s" yaml:"backpressure_timeout"`
	IdleReadTimeout     time.Duration `env:"WS_TTS_IDLE_READ_TIMEOUT_SECONDS" envDefault:"60s" yaml:"idle_read_timeout"`
	RetentionSize       int           `env:"WS_TTS_RETENTION_SIZE" envDefault:"256" yaml:"retention_size"`
	RetentionAge        time.Duration `env:"WS_TTS_RETENTION_SECONDS" envDefault:"30s" yaml:"retention_age"`
	ChunkMaxBytesMillis int           `env:"WS_TTS_CHUNK_MAX_MS" envDefault:"20" yaml:"chunk_max_ms"`

	APIKeysRaw   string `env:"WS_TTS_API_KEYS" envDefault:"" yaml:"api_keys"`
	NATSURL      string `env:"WS_TTS_NATS_URL" envDefault:"" yaml:"nats_url"`
	AuditDBPath  string `env:"WS_TTS_AUDIT_DB_PATH" envDefault:"./ws-tts-audit.db" yaml:"audit_db_path"`
	SettingsPath string `env:"WS_TTS_SETTINGS_PATH" envDefault:"" yaml:"-"`

	PiperBin   string `env:"PIPER_BIN" envDefault:"" yaml:"piper_bin"`
	PiperModel string `env:"PIPER_MODEL" envDefault:"" yaml:"piper_model"`
	RivaServer string `env:"RIVA_SERVER" envDefault:"" yaml:"riva_server"`
}

// APIKeys splits the comma-separated WS_TTS_API_KEYS value. An empty
// result means auth is disabled (development mode), per SPEC_FULL §4.1.
func (c Config) APIKeys() []string {
	if strings.TrimSpace(c.APIKeysRaw) == "" {
		return nil
	}
	parts := strings.Split(c.APIKeysRaw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

// Load reads Config from the environment, then overlays a YAML settings
// file if WS_TTS_SETTINGS_PATH (or the explicit path override) points to
// a readable file. Env values always win over file defaults for fields
// present in both, mirroring the teacher's env-injection-over-file
// pattern in factories/settings.go. Only the fields mergeFileDefaults
// names are taken from the file; its other keys are ignored.
func Load(explicitPath string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}

	path := explicitPath
	if path == "" {
		path = cfg.SettingsPath
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read settings file %q: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("config: parse settings file %q: %w", path, err)
	}

	return mergeFileDefaults(cfg, fileCfg), nil
}

// mergeFileDefaults takes values from fileCfg only where envCfg still
// holds its envDefault zero value's logical counterpart is ambiguous in
// Go, so in practice only the handful of fields the operator is likely
// to tune via file (not via env) are merged explicitly here.
func mergeFileDefaults(envCfg, fileCfg Config) Config {
	if fileCfg.APIKeysRaw != "" && envCfg.APIKeysRaw == "" {
		envCfg.APIKeysRaw = fileCfg.APIKeysRaw
	}
	if fileCfg.Engine != "" && os.Getenv("WS_TTS_ENGINE") == "" {
		envCfg.Engine = fileCfg.Engine
	}
	if fileCfg.PiperBin != "" && envCfg.PiperBin == "" {
		envCfg.PiperBin = fileCfg.PiperBin
	}
	if fileCfg.PiperModel != "" && envCfg.PiperModel == "" {
		envCfg.PiperModel = fileCfg.PiperModel
	}
	if fileCfg.RivaServer != "" && envCfg.RivaServer == "" {
		envCfg.RivaServer = fileCfg.RivaServer
	}
	if fileCfg.NATSURL != "" && envCfg.NATSURL == "" {
		envCfg.NATSURL = fileCfg.NATSURL
	}
	return envCfg
}
