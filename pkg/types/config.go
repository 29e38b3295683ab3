package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the server configuration.
type Config struct {
	Schema      string                    `json:"$schema,omitempty"`
	LogLevel    string                    `json:"logLevel,omitempty"`
	StoragePath string                    `json:"storagePath,omitempty"`
	Model       string                    `json:"model,omitempty"`
	Server      ServerConfig              `json:"server"`
	Auth        AuthConfig                `json:"auth"`
	Connection  ConnectionConfig          `json:"connection"`
	Execution   ExecutionConfig           `json:"execution"`
	RateLimit   RateLimitConfig           `json:"rateLimit"`
	Provider    map[string]ProviderConfig `json:"provider,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Hostname    string   `json:"hostname,omitempty"`
	Port        int      `json:"port,omitempty"`
	CORSOrigins []string `json:"corsOrigins,omitempty"`
}

// AuthConfig configures connection authentication.
type AuthConfig struct {
	Required bool              `json:"required"`
	Secret   string            `json:"secret,omitempty"`  // HS256 signing secret for JWT bearer tokens
	Issuer   string            `json:"issuer,omitempty"`  // expected "iss" claim, empty disables the check
	Tokens   map[string]string `json:"tokens,omitempty"`  // static token -> user id
	Timeout  Duration          `json:"timeout,omitempty"` // authentication handshake deadline
}

// ConnectionConfig configures per-connection behavior.
type ConnectionConfig struct {
	PingInterval    Duration `json:"pingInterval,omitempty"`
	PongMultiplier  int      `json:"pongMultiplier,omitempty"`
	WriteWait       Duration `json:"writeWait,omitempty"`
	MaxMessageSize  int64    `json:"maxMessageSize,omitempty"`
	OutboundQueue   int      `json:"outboundQueue,omitempty"`
	RegistryShards  int      `json:"registryShards,omitempty"`
	ActivityRefresh Duration `json:"activityRefresh,omitempty"`
}

// ExecutionConfig configures the streaming execution engine.
type ExecutionConfig struct {
	MinFlushBytes  int      `json:"minFlushBytes,omitempty"`
	MaxOpenRetries int      `json:"maxOpenRetries,omitempty"`
	MaxTokens      int      `json:"maxTokens,omitempty"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	ShutdownGrace  Duration `json:"shutdownGrace,omitempty"`
}

// RateLimitConfig configures admission control.
type RateLimitConfig struct {
	Connect RateConfig `json:"connect"`
	Start   RateConfig `json:"start"`
}

// RateConfig is a token bucket definition. Zero Rate disables limiting.
type RateConfig struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

// ProviderConfig represents provider-specific configuration.
type ProviderConfig struct {
	APIKey  string         `json:"apiKey,omitempty"`
	BaseURL string         `json:"baseURL,omitempty"`
	Model   string         `json:"model,omitempty"`
	Options map[string]any `json:"options,omitempty"`
	Disable bool           `json:"disable,omitempty"`
}

// Duration is a time.Duration that marshals as a Go duration string ("30s").
// Plain numbers are read as milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value) * time.Millisecond)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}
