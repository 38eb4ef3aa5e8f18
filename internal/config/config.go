package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	WarehouseDuckDB   = "duckdb"
	WarehousePostgres = "postgres"

	AIProviderOpenAI    = "openai"
	AIProviderLangChain = "langchain"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Warehouse     WarehouseConfig
	ObjectStore   ObjectStoreConfig
	Chat          ChatConfig
	AI            AIConfig
	Export        ExportConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type WarehouseConfig struct {
	Driver          string
	DSN             string
	Schema          string
	IncludeTables   []string
	Datasets        string
	RowLimit        int
	SampleRows      int
	ReadOnly        bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type ObjectStoreConfig struct {
	Enabled          bool
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ChatConfig struct {
	TriggerToken   string
	MaxRetries     int
	MaxSessions    int
	SessionIdleTTL time.Duration
}

type AIConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type ExportConfig struct {
	Prefix string
	// LinkTTL is the lifetime of presigned download links; zero disables them.
	LinkTTL time.Duration
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("DUCKCHAT_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid DUCKCHAT_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	overrides := []func() error{
		func() error { return applyString(lookup, "DUCKCHAT_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "DUCKCHAT_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "DUCKCHAT_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "DUCKCHAT_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "DUCKCHAT_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyString(lookup, "DUCKCHAT_WAREHOUSE_DRIVER", &cfg.Warehouse.Driver) },
		func() error { return applyString(lookup, "DUCKCHAT_WAREHOUSE_DSN", &cfg.Warehouse.DSN) },
		func() error { return applyString(lookup, "DUCKCHAT_WAREHOUSE_SCHEMA", &cfg.Warehouse.Schema) },
		func() error { return applyList(lookup, "DUCKCHAT_WAREHOUSE_INCLUDE_TABLES", &cfg.Warehouse.IncludeTables) },
		func() error { return applyString(lookup, "DUCKCHAT_WAREHOUSE_DATASETS", &cfg.Warehouse.Datasets) },
		func() error { return applyInt(lookup, "DUCKCHAT_WAREHOUSE_ROW_LIMIT", &cfg.Warehouse.RowLimit) },
		func() error { return applyInt(lookup, "DUCKCHAT_WAREHOUSE_SAMPLE_ROWS", &cfg.Warehouse.SampleRows) },
		func() error { return applyBool(lookup, "DUCKCHAT_WAREHOUSE_READ_ONLY", &cfg.Warehouse.ReadOnly) },
		func() error { return applyInt(lookup, "DUCKCHAT_WAREHOUSE_MAX_OPEN_CONNS", &cfg.Warehouse.MaxOpenConns) },
		func() error { return applyInt(lookup, "DUCKCHAT_WAREHOUSE_MAX_IDLE_CONNS", &cfg.Warehouse.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "DUCKCHAT_WAREHOUSE_CONN_MAX_IDLE_TIME", &cfg.Warehouse.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "DUCKCHAT_WAREHOUSE_CONN_MAX_LIFETIME", &cfg.Warehouse.ConnMaxLifetime)
		},
		func() error { return applyBool(lookup, "DUCKCHAT_OBJECTSTORE_ENABLED", &cfg.ObjectStore.Enabled) },
		func() error { return applyString(lookup, "DUCKCHAT_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "DUCKCHAT_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "DUCKCHAT_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error { return applyString(lookup, "DUCKCHAT_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error {
			return applyString(lookup, "DUCKCHAT_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey)
		},
		func() error { return applyBool(lookup, "DUCKCHAT_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "DUCKCHAT_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "DUCKCHAT_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},
		func() error { return applyRawString(lookup, "DUCKCHAT_CHAT_TRIGGER_TOKEN", &cfg.Chat.TriggerToken) },
		func() error { return applyInt(lookup, "DUCKCHAT_CHAT_MAX_RETRIES", &cfg.Chat.MaxRetries) },
		func() error { return applyInt(lookup, "DUCKCHAT_CHAT_MAX_SESSIONS", &cfg.Chat.MaxSessions) },
		func() error { return applyDuration(lookup, "DUCKCHAT_CHAT_SESSION_IDLE_TTL", &cfg.Chat.SessionIdleTTL) },
		func() error { return applyString(lookup, "DUCKCHAT_AI_PROVIDER", &cfg.AI.Provider) },
		func() error { return applyString(lookup, "DUCKCHAT_AI_BASE_URL", &cfg.AI.BaseURL) },
		func() error { return applyString(lookup, "DUCKCHAT_AI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "DUCKCHAT_AI_MODEL", &cfg.AI.Model) },
		func() error { return applyFloat(lookup, "DUCKCHAT_AI_TEMPERATURE", &cfg.AI.Temperature) },
		func() error { return applyDuration(lookup, "DUCKCHAT_AI_TIMEOUT", &cfg.AI.Timeout) },
		func() error { return applyString(lookup, "DUCKCHAT_EXPORT_PREFIX", &cfg.Export.Prefix) },
		func() error { return applyDuration(lookup, "DUCKCHAT_EXPORT_LINK_TTL", &cfg.Export.LinkTTL) },
		func() error { return applyBool(lookup, "DUCKCHAT_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "DUCKCHAT_LOG_LEVEL", &cfg.Observability.LogLevel) },
	}
	for _, apply := range overrides {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	cfg.Warehouse.Driver = strings.ToLower(cfg.Warehouse.Driver)
	cfg.AI.Provider = strings.ToLower(cfg.AI.Provider)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	switch c.Warehouse.Driver {
	case WarehouseDuckDB:
	case WarehousePostgres:
		if c.Warehouse.DSN == "" {
			return fmt.Errorf("invalid DUCKCHAT_WAREHOUSE_DSN: required for postgres warehouse")
		}
	default:
		return fmt.Errorf("invalid DUCKCHAT_WAREHOUSE_DRIVER: %q", c.Warehouse.Driver)
	}
	if c.Warehouse.Datasets != "" && c.Warehouse.Driver != WarehouseDuckDB {
		return fmt.Errorf("invalid DUCKCHAT_WAREHOUSE_DATASETS: datasets are only supported by the duckdb warehouse")
	}
	if c.Warehouse.Datasets != "" && !c.ObjectStore.Enabled {
		return fmt.Errorf("invalid DUCKCHAT_WAREHOUSE_DATASETS: object store must be enabled")
	}
	if c.Warehouse.RowLimit < 0 {
		return fmt.Errorf("invalid DUCKCHAT_WAREHOUSE_ROW_LIMIT: must be >= 0")
	}
	if c.Chat.TriggerToken == "" {
		return fmt.Errorf("invalid DUCKCHAT_CHAT_TRIGGER_TOKEN: must not be empty")
	}
	if strings.TrimSpace(c.Chat.TriggerToken) != c.Chat.TriggerToken {
		return fmt.Errorf("invalid DUCKCHAT_CHAT_TRIGGER_TOKEN: must not have surrounding whitespace")
	}
	if c.Chat.MaxRetries < 0 {
		return fmt.Errorf("invalid DUCKCHAT_CHAT_MAX_RETRIES: must be >= 0")
	}
	if c.Chat.MaxSessions <= 0 {
		return fmt.Errorf("invalid DUCKCHAT_CHAT_MAX_SESSIONS: must be > 0")
	}
	if c.Export.LinkTTL < 0 || c.Export.LinkTTL > 7*24*time.Hour {
		return fmt.Errorf("invalid DUCKCHAT_EXPORT_LINK_TTL: must be between 0 and 168h")
	}
	switch c.AI.Provider {
	case AIProviderOpenAI, AIProviderLangChain:
	default:
		return fmt.Errorf("invalid DUCKCHAT_AI_PROVIDER: %q", c.AI.Provider)
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "duckchat-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Warehouse: WarehouseConfig{
			Driver:          WarehouseDuckDB,
			DSN:             "",
			Schema:          "main",
			RowLimit:        1000,
			SampleRows:      3,
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Enabled:          false,
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "duckchat",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Chat: ChatConfig{
			TriggerToken:   "$RUN",
			MaxRetries:     2,
			MaxSessions:    1000,
			SessionIdleTTL: 30 * time.Minute,
		},
		AI: AIConfig{
			Provider:    AIProviderOpenAI,
			BaseURL:     "https://api.openai.com",
			Model:       "gpt-5",
			Temperature: 0,
			Timeout:     30 * time.Second,
		},
		Export: ExportConfig{
			Prefix:  "exports",
			LinkTTL: 15 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Chat.SessionIdleTTL = time.Minute
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

// applyRawString keeps the value untrimmed so validation can reject padding.
func applyRawString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = raw
	return nil
}

func applyList(lookup LookupFunc, key string, dst *[]string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	values := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	*dst = values
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
