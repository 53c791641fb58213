package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "teamflow.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TEAMFLOW_PORT")
	setString(&cfg.Server.CORSOrigin, "TEAMFLOW_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TEAMFLOW_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TEAMFLOW_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TEAMFLOW_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TEAMFLOW_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TEAMFLOW_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.LiteLLM.ClassifyModel, "TEAMFLOW_LLM_CLASSIFY_MODEL")
	setString(&cfg.LiteLLM.GenerateModel, "TEAMFLOW_LLM_GENERATE_MODEL")
	setString(&cfg.LiteLLM.SynthesizeModel, "TEAMFLOW_LLM_SYNTHESIZE_MODEL")
	setDuration(&cfg.LiteLLM.ClassifyTimeout, "TEAMFLOW_LLM_CLASSIFY_TIMEOUT")
	setDuration(&cfg.LiteLLM.GenerateTimeout, "TEAMFLOW_LLM_GENERATE_TIMEOUT")
	setDuration(&cfg.LiteLLM.SynthesizeTimeout, "TEAMFLOW_LLM_SYNTHESIZE_TIMEOUT")
	setString(&cfg.Logging.Level, "TEAMFLOW_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TEAMFLOW_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "TEAMFLOW_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TEAMFLOW_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxBytes, "TEAMFLOW_CACHE_MAX_BYTES")
	setInt(&cfg.Planner.MaxTasksPerPass, "TEAMFLOW_PLANNER_MAX_TASKS_PER_PASS")
	setFloat64(&cfg.Planner.SimilarityThreshold, "TEAMFLOW_PLANNER_SIMILARITY_THRESHOLD")
	setDuration(&cfg.Planner.AntiLoopWindow, "TEAMFLOW_PLANNER_ANTI_LOOP_WINDOW")
	setInt(&cfg.Planner.AntiLoopMaxTasks, "TEAMFLOW_PLANNER_ANTI_LOOP_MAX_TASKS")
	setInt(&cfg.Planner.CorrectiveMaxTasks, "TEAMFLOW_PLANNER_CORRECTIVE_MAX_TASKS")
	setDuration(&cfg.Planner.SimilarityCacheTTL, "TEAMFLOW_PLANNER_SIMILARITY_CACHE_TTL")
	setDuration(&cfg.Executor.PollInterval, "TEAMFLOW_EXEC_POLL_INTERVAL")
	setInt(&cfg.Executor.MaxConcurrent, "TEAMFLOW_EXEC_MAX_CONCURRENT")
	setInt(&cfg.Executor.MaxPerWorkspace, "TEAMFLOW_EXEC_MAX_PER_WORKSPACE")
	setDuration(&cfg.Executor.StuckTaskDeadline, "TEAMFLOW_EXEC_STUCK_DEADLINE")
	setDuration(&cfg.Executor.ReconcileInterval, "TEAMFLOW_EXEC_RECONCILE_INTERVAL")
	setInt(&cfg.Executor.MaxToolCalls, "TEAMFLOW_EXEC_MAX_TOOL_CALLS")
	setFloat64(&cfg.Progress.OvershootTolerance, "TEAMFLOW_PROGRESS_OVERSHOOT_TOLERANCE")
	setInt(&cfg.Progress.MaxUpdateRetries, "TEAMFLOW_PROGRESS_MAX_UPDATE_RETRIES")
	setBool(&cfg.Tools.Enabled, "TEAMFLOW_TOOLS_ENABLED")
	setString(&cfg.Tools.Transport, "TEAMFLOW_TOOLS_TRANSPORT")
	setString(&cfg.Tools.URL, "TEAMFLOW_TOOLS_URL")
	setString(&cfg.Tools.Command, "TEAMFLOW_TOOLS_COMMAND")
	setDuration(&cfg.Tools.CallTimeout, "TEAMFLOW_TOOLS_CALL_TIMEOUT")
	setBool(&cfg.Otel.Enabled, "TEAMFLOW_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "TEAMFLOW_OTEL_ENDPOINT")
	setBool(&cfg.Otel.Insecure, "TEAMFLOW_OTEL_INSECURE")
	setDuration(&cfg.Otel.ExportInterval, "TEAMFLOW_OTEL_EXPORT_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Planner.MaxTasksPerPass < 1 {
		return errors.New("planner.max_tasks_per_pass must be >= 1")
	}
	if cfg.Planner.SimilarityThreshold <= 0 || cfg.Planner.SimilarityThreshold > 1 {
		return errors.New("planner.similarity_threshold must be in (0, 1]")
	}
	if cfg.Executor.MaxConcurrent < 1 {
		return errors.New("executor.max_concurrent must be >= 1")
	}
	if cfg.Executor.MaxPerWorkspace < 1 {
		return errors.New("executor.max_per_workspace must be >= 1")
	}
	if cfg.Progress.OvershootTolerance < 0 {
		return errors.New("progress.overshoot_tolerance must be >= 0")
	}
	if cfg.Tools.Enabled {
		switch cfg.Tools.Transport {
		case "stdio":
			if cfg.Tools.Command == "" {
				return errors.New("tools.command is required for the stdio transport")
			}
		case "sse", "streamable_http":
			if cfg.Tools.URL == "" {
				return errors.New("tools.url is required for the " + cfg.Tools.Transport + " transport")
			}
		default:
			return errors.New("tools.transport must be stdio, sse or streamable_http")
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
