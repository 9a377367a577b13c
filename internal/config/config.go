package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	FamilyTwoStep = "two_step"
	FamilyOneStep = "one_step"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" toml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces" toml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind         string `yaml:"bind" toml:"bind"`
	Port         int    `yaml:"port" toml:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" toml:"max_body_bytes"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" toml:"runtime_name"`
	Environment string           `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig       `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Bus         BusConfig        `yaml:"bus" toml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store" toml:"event_store"`
	Health      HealthConfig     `yaml:"health" toml:"health"`
	Timeouts    TimeoutConfig    `yaml:"timeouts" toml:"timeouts"`
	Shards      ShardConfig      `yaml:"shards" toml:"shards"`
	Transcoder  TranscoderConfig `yaml:"transcoder" toml:"transcoder"`
	Engines     []EngineConfig   `yaml:"engines" toml:"engines"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxRecords    int    `yaml:"max_records" toml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

type HealthConfig struct {
	IntervalMS     int `yaml:"interval_ms" toml:"interval_ms"`
	ProbeTimeoutMS int `yaml:"probe_timeout_ms" toml:"probe_timeout_ms"`
}

type TimeoutConfig struct {
	RosterMS    int `yaml:"roster_ms" toml:"roster_ms"`
	SynthesisMS int `yaml:"synthesis_ms" toml:"synthesis_ms"`
	TranscodeMS int `yaml:"transcode_ms" toml:"transcode_ms"`
}

type ShardConfig struct {
	Count int `yaml:"count" toml:"count"`
}

type TranscoderConfig struct {
	Path           string `yaml:"path" toml:"path"`
	Args           string `yaml:"args" toml:"args"`
	ContentType    string `yaml:"content_type" toml:"content_type"`
	MaxConcurrency int    `yaml:"max_concurrency" toml:"max_concurrency"`
}

type EnginePaths struct {
	Roster    string `yaml:"roster" toml:"roster"`
	Synthesis string `yaml:"synthesis" toml:"synthesis"`
	Query     string `yaml:"query" toml:"query"`
}

type FallbackConfig struct {
	StyleID     int    `yaml:"style_id" toml:"style_id"`
	SpeakerUUID string `yaml:"speaker_uuid" toml:"speaker_uuid"`
	EngineURL   string `yaml:"engine_url" toml:"engine_url"`
}

type EngineConfig struct {
	Name     string         `yaml:"name" toml:"name"`
	Family   string         `yaml:"family" toml:"family"`
	Route    string         `yaml:"route" toml:"route"`
	URLs     []string       `yaml:"urls" toml:"urls"`
	Paths    EnginePaths    `yaml:"paths" toml:"paths"`
	Fallback FallbackConfig `yaml:"fallback" toml:"fallback"`
}

// DefaultTranscoderPath is the transcoder executable looked up on PATH when
// none is configured.
func DefaultTranscoderPath() string {
	if goruntime.GOOS == "windows" {
		return "ffmpeg.exe"
	}
	return "ffmpeg"
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voicegate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:         "0.0.0.0",
			Port:         8888,
			MaxBodyBytes: 1 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicegate-dispatches.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxRecords:    100000,
		},
		Health: HealthConfig{
			IntervalMS:     30000,
			ProbeTimeoutMS: 3000,
		},
		Timeouts: TimeoutConfig{
			RosterMS:    5000,
			SynthesisMS: 10000,
			TranscodeMS: 30000,
		},
		Shards: ShardConfig{Count: 3},
		Transcoder: TranscoderConfig{
			Path:        DefaultTranscoderPath(),
			Args:        "-hide_banner -loglevel error -f wav -i pipe:0 -c:a libvorbis -f ogg pipe:1",
			ContentType: "audio/ogg",
		},
		Engines: []EngineConfig{
			twoStepEngine("voicevox"),
			twoStepEngine("voicevox-nemo"),
			twoStepEngine("aivisspeech"),
			{
				Name:   "coeiroink",
				Family: FamilyOneStep,
				Paths: EnginePaths{
					Roster:    "/v1/speakers",
					Synthesis: "/v1/synthesis",
				},
				Fallback: FallbackConfig{
					StyleID:     0,
					SpeakerUUID: "3c37646f-3881-5374-2a83-149267990abc",
					EngineURL:   "http://localhost:50032",
				},
			},
		},
	}
}

func twoStepEngine(name string) EngineConfig {
	return EngineConfig{
		Name:   name,
		Family: FamilyTwoStep,
		Paths: EnginePaths{
			Roster:    "/speakers",
			Synthesis: "/synthesis",
			Query:     "/audio_query",
		},
		Fallback: FallbackConfig{
			StyleID:   2,
			EngineURL: "http://localhost:50021",
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
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyEngineDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// decode overlays the file onto cfg. An engines list in the file replaces
// the default engines instead of being merged into them.
func decode(path string, data []byte, cfg *Config) error {
	defaults := cfg.Engines
	cfg.Engines = nil

	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if cfg.Engines == nil {
		cfg.Engines = defaults
	}
	return err
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICEGATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEGATE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEGATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEGATE_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "VOICEGATE_HTTP_MAX_BODY_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEGATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEGATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEGATE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "VOICEGATE_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "VOICEGATE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICEGATE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEGATE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICEGATE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEGATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEGATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEGATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEGATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEGATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEGATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICEGATE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICEGATE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICEGATE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRecords, "VOICEGATE_EVENT_STORE_MAX_RECORDS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICEGATE_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Health.IntervalMS, "VOICEGATE_HEALTH_INTERVAL_MS")
	overrideInt(&cfg.Health.ProbeTimeoutMS, "VOICEGATE_HEALTH_PROBE_TIMEOUT_MS")
	overrideInt(&cfg.Timeouts.RosterMS, "VOICEGATE_TIMEOUTS_ROSTER_MS")
	overrideInt(&cfg.Timeouts.SynthesisMS, "VOICEGATE_TIMEOUTS_SYNTHESIS_MS")
	overrideInt(&cfg.Timeouts.TranscodeMS, "VOICEGATE_TIMEOUTS_TRANSCODE_MS")
	overrideInt(&cfg.Shards.Count, "VOICEGATE_SHARDS_COUNT")
	overrideString(&cfg.Transcoder.Path, "VOICEGATE_TRANSCODER_PATH")
	overrideString(&cfg.Transcoder.Args, "VOICEGATE_TRANSCODER_ARGS")
	overrideString(&cfg.Transcoder.ContentType, "VOICEGATE_TRANSCODER_CONTENT_TYPE")
	overrideInt(&cfg.Transcoder.MaxConcurrency, "VOICEGATE_TRANSCODER_MAX_CONCURRENCY")

	for i := range cfg.Engines {
		engine := &cfg.Engines[i]
		prefix := "VOICEGATE_ENGINE_" + EnvName(engine.Name)
		overrideStringSlice(&engine.URLs, prefix+"_URLS")
		overrideInt(&engine.Fallback.StyleID, prefix+"_DEFAULT_STYLE_ID")
		overrideString(&engine.Fallback.SpeakerUUID, prefix+"_DEFAULT_SPEAKER_UUID")
		overrideString(&engine.Fallback.EngineURL, prefix+"_DEFAULT_ENGINE_URL")
	}
}

// EnvName converts an engine name into its environment variable infix,
// e.g. "voicevox-nemo" -> "VOICEVOX_NEMO".
func EnvName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

func applyEngineDefaults(cfg *Config) {
	for i := range cfg.Engines {
		engine := &cfg.Engines[i]
		if engine.Route == "" && engine.Name != "" {
			engine.Route = "/voice-synthesis-" + engine.Name
		}
		engine.Route = "/" + strings.Trim(engine.Route, "/")
		if engine.Paths == (EnginePaths{}) {
			switch engine.Family {
			case FamilyTwoStep:
				engine.Paths = EnginePaths{Roster: "/speakers", Synthesis: "/synthesis", Query: "/audio_query"}
			case FamilyOneStep:
				engine.Paths = EnginePaths{Roster: "/v1/speakers", Synthesis: "/v1/synthesis"}
			}
		}
		for j, u := range engine.URLs {
			engine.URLs[j] = strings.TrimRight(strings.TrimSpace(u), "/")
		}
		engine.Fallback.EngineURL = strings.TrimRight(engine.Fallback.EngineURL, "/")
	}
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
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
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Health.IntervalMS <= 0 {
		return errors.New("health.interval_ms must be positive")
	}
	if cfg.Health.ProbeTimeoutMS <= 0 {
		return errors.New("health.probe_timeout_ms must be positive")
	}
	if cfg.Timeouts.RosterMS <= 0 || cfg.Timeouts.SynthesisMS <= 0 || cfg.Timeouts.TranscodeMS <= 0 {
		return errors.New("timeouts must be positive")
	}
	if cfg.Health.ProbeTimeoutMS >= cfg.Timeouts.SynthesisMS {
		return errors.New("health.probe_timeout_ms must be shorter than timeouts.synthesis_ms")
	}
	if cfg.Shards.Count < 1 {
		return errors.New("shards.count must be >= 1")
	}
	if cfg.Transcoder.Path == "" {
		return errors.New("transcoder.path must not be empty")
	}
	if cfg.Transcoder.MaxConcurrency < 0 {
		return errors.New("transcoder.max_concurrency must be >= 0")
	}

	names := make(map[string]struct{}, len(cfg.Engines))
	routes := make(map[string]struct{}, len(cfg.Engines))
	for _, engine := range cfg.Engines {
		if engine.Name == "" {
			return errors.New("engines[].name must not be empty")
		}
		if _, dup := names[engine.Name]; dup {
			return fmt.Errorf("engine %q defined more than once", engine.Name)
		}
		names[engine.Name] = struct{}{}
		if _, dup := routes[engine.Route]; dup {
			return fmt.Errorf("engine %q reuses route %s", engine.Name, engine.Route)
		}
		routes[engine.Route] = struct{}{}
		if engine.Paths.Roster == "" || engine.Paths.Synthesis == "" {
			return fmt.Errorf("engine %q must set paths.roster and paths.synthesis", engine.Name)
		}
		switch engine.Family {
		case FamilyTwoStep:
			if engine.Paths.Query == "" {
				return fmt.Errorf("engine %q: paths.query is required for family %s", engine.Name, FamilyTwoStep)
			}
		case FamilyOneStep:
			if engine.Fallback.SpeakerUUID == "" {
				return fmt.Errorf("engine %q: fallback.speaker_uuid is required for family %s", engine.Name, FamilyOneStep)
			}
		default:
			return fmt.Errorf("engine %q: family must be one of %s|%s", engine.Name, FamilyTwoStep, FamilyOneStep)
		}
		if engine.Fallback.StyleID < 0 {
			return fmt.Errorf("engine %q: fallback.style_id must be >= 0", engine.Name)
		}
	}
	return nil
}
