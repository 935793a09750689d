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
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Dictionary  DictionaryConfig `yaml:"dictionary"`
	Detector    DetectorConfig   `yaml:"detector"`
	Broadcast   BroadcastConfig  `yaml:"broadcast"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"` // mock, exec, deepgram
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Endpoint        string `yaml:"endpoint"`
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	Language        string `yaml:"language"`
	SmartFormat     bool   `yaml:"smart_format"`
	Punctuate       bool   `yaml:"punctuate"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	PublishInterim  bool   `yaml:"publish_interim"`
}

// DictionaryConfig points at the generation tables. SkipInvalidTables trades
// the default abort-on-parse-error for a logged skip.
type DictionaryConfig struct {
	Directory         string `yaml:"directory"`
	AllowEmpty        bool   `yaml:"allow_empty"`
	SkipInvalidTables bool   `yaml:"skip_invalid_tables"`
	DuplicatePolicy   string `yaml:"duplicate_policy"` // keep_all, last_wins
}

type DetectorConfig struct {
	Enabled        bool `yaml:"enabled"`
	ForwardInterim bool `yaml:"forward_interim"`
}

type BroadcastConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	Console        bool   `yaml:"console"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	Buffer         int    `yaml:"buffer"`
}

func Default() Config {
	return Config{
		RuntimeName: "jerga",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "jerga-node-1",
			Role:              "detector",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "slang.detect", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/jerga-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			Endpoint:        "https://api.deepgram.com",
			Model:           "nova-3",
			Language:        "es",
			SmartFormat:     true,
			Punctuate:       true,
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
			PublishInterim:  true,
		},
		Dictionary: DictionaryConfig{
			Directory:       "./dictionary",
			DuplicatePolicy: "keep_all",
		},
		Detector: DetectorConfig{
			Enabled:        true,
			ForwardInterim: true,
		},
		Broadcast: BroadcastConfig{
			Enabled:        true,
			Path:           "/ws",
			Console:        true,
			WriteTimeoutMS: 5000,
			Buffer:         64,
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
	overrideString(&cfg.RuntimeName, "JERGA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "JERGA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "JERGA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "JERGA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "JERGA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "JERGA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "JERGA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "JERGA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "JERGA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "JERGA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "JERGA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "JERGA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "JERGA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "JERGA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "JERGA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "JERGA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "JERGA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "JERGA_NODE_ID")
	overrideString(&cfg.Node.Role, "JERGA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "JERGA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "JERGA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "JERGA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "JERGA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "JERGA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "JERGA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "JERGA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.STT.Enabled, "JERGA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "JERGA_STT_MODE")
	overrideString(&cfg.STT.Command, "JERGA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "JERGA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Endpoint, "JERGA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "DEEPGRAM_API_KEY")
	overrideString(&cfg.STT.APIKey, "JERGA_STT_API_KEY")
	overrideString(&cfg.STT.Model, "JERGA_STT_MODEL")
	overrideString(&cfg.STT.Language, "JERGA_STT_LANGUAGE")
	overrideBool(&cfg.STT.SmartFormat, "JERGA_STT_SMART_FORMAT")
	overrideBool(&cfg.STT.Punctuate, "JERGA_STT_PUNCTUATE")
	overrideInt(&cfg.STT.SampleRate, "JERGA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "JERGA_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "JERGA_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "JERGA_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "JERGA_STT_PUBLISH_INTERIM")
	overrideString(&cfg.Dictionary.Directory, "JERGA_DICTIONARY_DIRECTORY")
	overrideBool(&cfg.Dictionary.AllowEmpty, "JERGA_DICTIONARY_ALLOW_EMPTY")
	overrideBool(&cfg.Dictionary.SkipInvalidTables, "JERGA_DICTIONARY_SKIP_INVALID_TABLES")
	overrideString(&cfg.Dictionary.DuplicatePolicy, "JERGA_DICTIONARY_DUPLICATE_POLICY")
	overrideBool(&cfg.Detector.Enabled, "JERGA_DETECTOR_ENABLED")
	overrideBool(&cfg.Detector.ForwardInterim, "JERGA_DETECTOR_FORWARD_INTERIM")
	overrideBool(&cfg.Broadcast.Enabled, "JERGA_BROADCAST_ENABLED")
	overrideString(&cfg.Broadcast.Path, "JERGA_BROADCAST_PATH")
	overrideBool(&cfg.Broadcast.Console, "JERGA_BROADCAST_CONSOLE")
	overrideInt(&cfg.Broadcast.WriteTimeoutMS, "JERGA_BROADCAST_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Broadcast.Buffer, "JERGA_BROADCAST_BUFFER")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.StoreDir == "" {
			return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Capabilities) == 0 {
		return errors.New("node.capabilities must not be empty")
	}
	if cfg.EventStore.Path == "" {
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
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "deepgram":
		default:
			return errors.New("stt.mode must be one of mock|exec|deepgram")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Mode == "deepgram" {
			if cfg.STT.APIKey == "" {
				return errors.New("stt.api_key (or DEEPGRAM_API_KEY) must be set when mode=deepgram")
			}
			if cfg.STT.Endpoint == "" {
				return errors.New("stt.endpoint must be set when mode=deepgram")
			}
		}
	}
	if cfg.Detector.Enabled && cfg.Dictionary.Directory == "" {
		return errors.New("dictionary.directory must not be empty when the detector is enabled")
	}
	switch cfg.Dictionary.DuplicatePolicy {
	case "", "keep_all", "last_wins":
	default:
		return errors.New("dictionary.duplicate_policy must be one of keep_all|last_wins")
	}
	if cfg.Broadcast.Enabled {
		if !strings.HasPrefix(cfg.Broadcast.Path, "/") {
			return errors.New("broadcast.path must start with /")
		}
		if cfg.Broadcast.WriteTimeoutMS <= 0 {
			return errors.New("broadcast.write_timeout_ms must be positive")
		}
		if cfg.Broadcast.Buffer <= 0 {
			return errors.New("broadcast.buffer must be >= 1")
		}
	}
	return nil
}
