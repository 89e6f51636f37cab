package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Metrics      bool   `yaml:"metrics"`
}

type HTTPConfig struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	UploadDir   string `yaml:"upload_dir"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Scoring     ScoringConfig    `yaml:"scoring"`
	STT         STTConfig        `yaml:"stt"`
	Grammar     GrammarConfig    `yaml:"grammar"`
}

// NodeConfig identifies this instance to peers on the bus. An empty ID is
// replaced with a generated one at startup.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	StoreMaxMB     int      `yaml:"store_max_mb"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig controls format normalization. Transcoder is either a bare
// command name resolved on PATH or an explicit path, optionally followed by
// extra arguments inserted before the conversion flags.
type AudioConfig struct {
	Transcoder   string `yaml:"transcoder"`
	OutputSuffix string `yaml:"output_suffix"`
}

// Configured score bounds may narrow this range, never widen it.
const (
	ScoreFloor   = 0.0
	ScoreCeiling = 5.0
)

type ScoringConfig struct {
	ModelPath          string  `yaml:"model_path"`
	FeatureColumnsPath string  `yaml:"feature_columns_path"`
	MinScore           float64 `yaml:"min_score"`
	MaxScore           float64 `yaml:"max_score"`
}

type STTConfig struct {
	Engine      string `yaml:"engine"` // vosk, whisper, mock
	ModelPath   string `yaml:"model_path"`
	Language    string `yaml:"language"`
	ChunkFrames int    `yaml:"chunk_frames"`
}

type GrammarConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Endpoint          string `yaml:"endpoint"`
	Language          string `yaml:"language"`
	TimeoutMS         int    `yaml:"timeout_ms"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	MaxReplacements   int    `yaml:"max_replacements"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-grammar",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "0.0.0.0",
			Port:        5000,
			UploadDir:   "./data/uploads",
			MaxUploadMB: 50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			Metrics:      true,
		},
		Node: NodeConfig{
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			StoreMaxMB:     256,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/grammar-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRequests:   10000,
		},
		Audio: AudioConfig{
			Transcoder:   "ffmpeg",
			OutputSuffix: "_16k_mono.wav",
		},
		Scoring: ScoringConfig{
			ModelPath:          "./models/model.json",
			FeatureColumnsPath: "./models/feature_cols.json",
			MinScore:           ScoreFloor,
			MaxScore:           ScoreCeiling,
		},
		STT: STTConfig{
			Engine:      "vosk",
			ModelPath:   "./models/vosk/vosk-model-small-en-us-0.15",
			Language:    "en",
			ChunkFrames: 4000,
		},
		Grammar: GrammarConfig{
			Enabled:           true,
			Endpoint:          "https://api.languagetool.org/v2/check",
			Language:          "en-US",
			TimeoutMS:         20000,
			RequestsPerMinute: 20,
			MaxReplacements:   5,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "GRAMMAR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "GRAMMAR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "GRAMMAR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "GRAMMAR_HTTP_PORT")
	overrideString(&cfg.HTTP.UploadDir, "GRAMMAR_HTTP_UPLOAD_DIR")
	overrideInt(&cfg.HTTP.MaxUploadMB, "GRAMMAR_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "GRAMMAR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "GRAMMAR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "GRAMMAR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Metrics, "GRAMMAR_TELEMETRY_METRICS")
	overrideString(&cfg.Node.ID, "GRAMMAR_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "GRAMMAR_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "GRAMMAR_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "GRAMMAR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "GRAMMAR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "GRAMMAR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "GRAMMAR_BUS_STORE_DIR")
	overrideInt(&cfg.Bus.StoreMaxMB, "GRAMMAR_BUS_STORE_MAX_MB")
	overrideStringSlice(&cfg.Bus.Servers, "GRAMMAR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "GRAMMAR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "GRAMMAR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "GRAMMAR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "GRAMMAR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "GRAMMAR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "GRAMMAR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "GRAMMAR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "GRAMMAR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRequests, "GRAMMAR_EVENT_STORE_MAX_REQUESTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "GRAMMAR_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Transcoder, "GRAMMAR_AUDIO_TRANSCODER")
	overrideString(&cfg.Audio.OutputSuffix, "GRAMMAR_AUDIO_OUTPUT_SUFFIX")
	overrideString(&cfg.Scoring.ModelPath, "GRAMMAR_SCORING_MODEL_PATH")
	overrideString(&cfg.Scoring.FeatureColumnsPath, "GRAMMAR_SCORING_FEATURE_COLUMNS_PATH")
	overrideFloat(&cfg.Scoring.MinScore, "GRAMMAR_SCORING_MIN_SCORE")
	overrideFloat(&cfg.Scoring.MaxScore, "GRAMMAR_SCORING_MAX_SCORE")
	overrideString(&cfg.STT.Engine, "GRAMMAR_STT_ENGINE")
	overrideString(&cfg.STT.ModelPath, "GRAMMAR_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "GRAMMAR_STT_LANGUAGE")
	overrideInt(&cfg.STT.ChunkFrames, "GRAMMAR_STT_CHUNK_FRAMES")
	overrideBool(&cfg.Grammar.Enabled, "GRAMMAR_GRAMMAR_ENABLED")
	overrideString(&cfg.Grammar.Endpoint, "GRAMMAR_GRAMMAR_ENDPOINT")
	overrideString(&cfg.Grammar.Language, "GRAMMAR_GRAMMAR_LANGUAGE")
	overrideInt(&cfg.Grammar.TimeoutMS, "GRAMMAR_GRAMMAR_TIMEOUT_MS")
	overrideInt(&cfg.Grammar.RequestsPerMinute, "GRAMMAR_GRAMMAR_REQUESTS_PER_MINUTE")
	overrideInt(&cfg.Grammar.MaxReplacements, "GRAMMAR_GRAMMAR_MAX_REPLACEMENTS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.UploadDir == "" {
		return errors.New("http.upload_dir must not be empty")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.HeartbeatIntervalMS <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeoutMS < cfg.Node.HeartbeatIntervalMS {
			return errors.New("node.heartbeat_timeout_ms must be >= node.heartbeat_interval_ms")
		}
	}
	if strings.ContainsAny(cfg.Node.ID, ".*> \t") {
		return errors.New("node.id must be a single subject token (no '.', '*', '>' or whitespace)")
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if strings.TrimSpace(cfg.Audio.Transcoder) == "" {
		return errors.New("audio.transcoder must not be empty")
	}
	if cfg.Audio.OutputSuffix == "" {
		return errors.New("audio.output_suffix must not be empty")
	}
	if cfg.Scoring.ModelPath == "" {
		return errors.New("scoring.model_path must not be empty")
	}
	if cfg.Scoring.FeatureColumnsPath == "" {
		return errors.New("scoring.feature_columns_path must not be empty")
	}
	if cfg.Scoring.MinScore < ScoreFloor || cfg.Scoring.MaxScore > ScoreCeiling {
		return fmt.Errorf("scoring bounds must lie within [%g,%g]", ScoreFloor, ScoreCeiling)
	}
	if cfg.Scoring.MaxScore <= cfg.Scoring.MinScore {
		return errors.New("scoring.max_score must be greater than scoring.min_score")
	}
	switch cfg.STT.Engine {
	case "vosk", "whisper":
		if cfg.STT.ModelPath == "" {
			return fmt.Errorf("stt.model_path must be set when engine=%s", cfg.STT.Engine)
		}
	case "mock":
	default:
		return errors.New("stt.engine must be one of vosk|whisper|mock")
	}
	if cfg.STT.ChunkFrames <= 0 {
		return errors.New("stt.chunk_frames must be positive")
	}
	if cfg.Grammar.Enabled {
		if cfg.Grammar.Endpoint == "" {
			return errors.New("grammar.endpoint must be set when grammar is enabled")
		}
		if cfg.Grammar.Language == "" {
			return errors.New("grammar.language must not be empty")
		}
		if cfg.Grammar.TimeoutMS <= 0 {
			return errors.New("grammar.timeout_ms must be positive")
		}
		if cfg.Grammar.RequestsPerMinute < 0 {
			return errors.New("grammar.requests_per_minute must be >= 0")
		}
	}
	return nil
}
