package examcache

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/examcache/internal/store"
)

//go:embed config.schema.json
var configSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("config.schema.json", configSchemaJSON)
	})
	return schema, schemaErr
}

// LoadConfig reads, validates and parses a config file. Supported formats:
// JSON (.json), YAML (.yaml, .yml). ${VAR} references are expanded from the
// environment before parsing; omitted fields keep their Default() values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data, filepath.Ext(path))
}

// ParseConfig parses config bytes in the format named by ext.
func ParseConfig(data []byte, ext string) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var doc interface{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	cfg := Default()
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateDocument checks the decoded document against the embedded schema.
// YAML documents are round-tripped through JSON so the validator sees plain
// JSON values.
func validateDocument(doc interface{}) error {
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	s, err := configSchema()
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ValidateConfig checks a Config for semantic correctness.
func ValidateConfig(cfg Config) error {
	c := cfg.Cache
	if c.Mode != "" && !c.Mode.Valid() {
		return fmt.Errorf("unknown cache mode: %q", c.Mode)
	}
	if c.EffectiveMode() == store.ModeShared {
		switch c.Shared.Driver {
		case "", "sqlite":
		case "postgres":
			if strings.TrimSpace(c.Shared.DSN) == "" {
				return fmt.Errorf("cache.shared.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("unknown shared store driver: %q", c.Shared.Driver)
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("cache.max_retries must not be negative")
	}
	if c.FollowerTimeout < 0 || c.BackoffBase < 0 {
		return fmt.Errorf("cache durations must not be negative")
	}

	u := cfg.Upstream
	if u.MaxAttempts < 0 {
		return fmt.Errorf("upstream.max_attempts must not be negative")
	}
	if u.BreakerThreshold < 0 || u.BreakerCooldown < 0 {
		return fmt.Errorf("upstream breaker settings must not be negative")
	}
	if u.RequestsPerSecond < 0 {
		return fmt.Errorf("upstream.requests_per_second must not be negative")
	}
	if u.MaxBackoff > 0 && u.BackoffBase > u.MaxBackoff {
		return fmt.Errorf("upstream.backoff_base %s exceeds max_backoff %s", u.BackoffBase, u.MaxBackoff)
	}

	switch cfg.Providers.Explanation.Type {
	case "", "openai", "bedrock":
	default:
		return fmt.Errorf("unknown explanation provider: %q", cfg.Providers.Explanation.Type)
	}
	switch cfg.Providers.Translation.Type {
	case "", "google", "llm":
	default:
		return fmt.Errorf("unknown translation provider: %q", cfg.Providers.Translation.Type)
	}
	return nil
}
