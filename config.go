package examcache

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/examcache/internal/store"
	"github.com/ferro-labs/examcache/providers"
)

// Config holds the configuration for the response cache service.
type Config struct {
	// Cache selects the durable backend and tunes coalescing.
	Cache CacheConfig `json:"cache" yaml:"cache"`
	// Upstream bounds retries and pacing of provider calls.
	Upstream UpstreamConfig `json:"upstream" yaml:"upstream"`
	// Providers names the explanation and translation backends.
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// CacheConfig configures the cache tiers.
type CacheConfig struct {
	// Mode is disabled, disposable or shared.
	Mode store.Mode `json:"mode" yaml:"mode"`
	// StoreLocation is the disposable store's file path.
	StoreLocation string       `json:"store_location" yaml:"store_location"`
	Shared        SharedConfig `json:"shared" yaml:"shared"`
	// MaxRetries bounds durable write attempts under contention.
	MaxRetries      int      `json:"max_retries" yaml:"max_retries"`
	BackoffBase     Duration `json:"backoff_base" yaml:"backoff_base"`
	FollowerTimeout Duration `json:"follower_timeout" yaml:"follower_timeout"`
	// GracePeriod keeps a finished flight joinable for late followers.
	GracePeriod Duration `json:"grace_period" yaml:"grace_period"`
}

// SharedConfig configures the shared SQL store.
type SharedConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"` // sqlite | postgres
	DSN     string `json:"dsn" yaml:"dsn"`
}

// UpstreamConfig configures the upstream caller.
type UpstreamConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BackoffBase Duration `json:"backoff_base" yaml:"backoff_base"`
	MaxBackoff  Duration `json:"max_backoff" yaml:"max_backoff"`
	// Timeout applies to each attempt.
	Timeout           Duration `json:"timeout" yaml:"timeout"`
	RequestsPerSecond float64  `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             float64  `json:"burst,omitempty" yaml:"burst,omitempty"`
	// BreakerThreshold consecutive failed calls open a kind's circuit for
	// BreakerCooldown. Zero disables the breaker.
	BreakerThreshold int      `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldown  Duration `json:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// ProvidersConfig selects one provider per upstream operation.
type ProvidersConfig struct {
	Explanation ProviderConfig `json:"explanation" yaml:"explanation"`
	Translation ProviderConfig `json:"translation" yaml:"translation"`
}

// ProviderConfig describes one provider.
type ProviderConfig = providers.Config

// ServerConfig configures cmd/examcached.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
	// AdminToken guards /admin; empty disables the admin API.
	AdminToken string `json:"admin_token,omitempty" yaml:"admin_token,omitempty"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the configuration used for omitted fields.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			Mode:            store.ModeDisposable,
			StoreLocation:   "examcache.json",
			Shared:          SharedConfig{Driver: "sqlite", DSN: "examcache.db"},
			MaxRetries:      3,
			BackoffBase:     Duration(50 * time.Millisecond),
			FollowerTimeout: Duration(30 * time.Second),
			GracePeriod:     Duration(2 * time.Second),
		},
		Upstream: UpstreamConfig{
			MaxAttempts: 3,
			BackoffBase: Duration(time.Second),
			MaxBackoff:  Duration(30 * time.Second),
			Timeout:     Duration(60 * time.Second),

			BreakerThreshold: 5,
			BreakerCooldown:  Duration(30 * time.Second),
		},
		Providers: ProvidersConfig{
			Explanation: ProviderConfig{Type: "openai", Model: "gpt-4o-mini", MaxTokens: 600, Temperature: 0.3},
			Translation: ProviderConfig{Type: "google"},
		},
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// EffectiveMode applies the backend selection rule: an enabled shared store
// takes precedence over the disposable setting, and disabled always wins.
func (c CacheConfig) EffectiveMode() store.Mode {
	mode := c.Mode
	if mode == "" {
		mode = store.ModeDisposable
	}
	if mode == store.ModeDisabled {
		return store.ModeDisabled
	}
	if c.Shared.Enabled {
		return store.ModeShared
	}
	return mode
}

// Duration is a time.Duration written as a Go duration string ("50ms", "2s")
// in both JSON and YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\": %w", err)
	}
	return d.set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
