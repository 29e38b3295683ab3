package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/opencode-ai/missionlink/pkg/types"
)

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Defaults returns the built-in configuration.
func Defaults() *types.Config {
	return &types.Config{
		LogLevel: "info",
		Server: types.ServerConfig{
			Hostname:    "127.0.0.1",
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Auth: types.AuthConfig{
			Timeout: types.Duration(10 * time.Second),
		},
		Connection: types.ConnectionConfig{
			PingInterval:    types.Duration(30 * time.Second),
			PongMultiplier:  2,
			WriteWait:       types.Duration(10 * time.Second),
			MaxMessageSize:  64 * 1024,
			OutboundQueue:   256,
			RegistryShards:  32,
			ActivityRefresh: types.Duration(time.Second),
		},
		Execution: types.ExecutionConfig{
			MinFlushBytes:  8,
			MaxOpenRetries: 2,
			MaxTokens:      4096,
			ShutdownGrace:  types.Duration(10 * time.Second),
		},
		RateLimit: types.RateLimitConfig{
			Connect: types.RateConfig{Rate: 20, Burst: 40},
			Start:   types.RateConfig{Rate: 5, Burst: 10},
		},
		Provider: make(map[string]types.ProviderConfig),
	}
}

// Sources returns the config files Load reads for directory, in priority
// order (later files override earlier ones). Files need not exist.
func Sources(directory string) []string {
	globalDir := GetPaths().Config
	sources := []string{
		filepath.Join(globalDir, appName+".json"),
		filepath.Join(globalDir, appName+".jsonc"),
	}
	if directory != "" {
		sources = append(sources,
			filepath.Join(directory, appName+".json"),
			filepath.Join(directory, appName+".jsonc"),
			filepath.Join(directory, "."+appName, appName+".json"),
			filepath.Join(directory, "."+appName, appName+".jsonc"),
		)
	}
	if configPath := os.Getenv("MISSIONLINK_CONFIG"); configPath != "" {
		sources = append(sources, configPath)
	}
	return sources
}

// Load loads configuration from multiple sources (priority order):
// 1. Built-in defaults
// 2. Global config (~/.config/missionlink/)
// 3. Project config (<dir>/missionlink.json[c], <dir>/.missionlink/)
// 4. MISSIONLINK_CONFIG file
// 5. MISSIONLINK_CONFIG_CONTENT inline JSON
// 6. Environment variables
func Load(directory string) (*types.Config, error) {
	config := Defaults()

	loaded := make(map[string]bool)
	for _, path := range Sources(directory) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			continue
		}
		if err := loadConfigFile(path, config, filepath.Dir(path)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, &FileError{Path: path, Err: err}
		}
		loaded[absPath] = true
	}

	if content := os.Getenv("MISSIONLINK_CONFIG_CONTENT"); content != "" {
		data := interpolate(jsonc.ToJSON([]byte(content)), directory)
		if err := json.Unmarshal(data, config); err != nil {
			return nil, &FileError{Path: "MISSIONLINK_CONFIG_CONTENT", Err: err}
		}
	}

	applyEnvOverrides(config)
	applyDefaults(config)

	return config, nil
}

// FileError reports a config source that exists but could not be parsed.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return "config " + e.Path + ": " + e.Err.Error()
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// loadConfigFile overlays a single config file onto config. Fields absent
// from the file keep their current values; maps are merged key by key.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	return json.Unmarshal(data, config)
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}

		// Escape for a JSON string, dropping the surrounding quotes
		escaped, _ := json.Marshal(strings.TrimRight(string(content), "\r\n"))
		return string(escaped[1 : len(escaped)-1])
	})

	return []byte(str)
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"ark":       "ARK_API_KEY",
	}
	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	if v := os.Getenv("MISSIONLINK_HOSTNAME"); v != "" {
		config.Server.Hostname = v
	}
	if v, err := strconv.Atoi(os.Getenv("MISSIONLINK_PORT")); err == nil && v > 0 {
		config.Server.Port = v
	}
	if v := os.Getenv("MISSIONLINK_MODEL"); v != "" {
		config.Model = v
	}
	if v := os.Getenv("MISSIONLINK_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("MISSIONLINK_STORAGE_PATH"); v != "" {
		config.StoragePath = v
	}
	if v := os.Getenv("MISSIONLINK_AUTH_SECRET"); v != "" {
		config.Auth.Secret = v
	}
	if v, err := strconv.ParseBool(os.Getenv("MISSIONLINK_AUTH_REQUIRED")); err == nil {
		config.Auth.Required = v
	}
}

// applyDefaults restores defaults for values a source zeroed out.
func applyDefaults(config *types.Config) {
	d := Defaults()
	if config.Server.Port <= 0 {
		config.Server.Port = d.Server.Port
	}
	if config.Auth.Timeout <= 0 {
		config.Auth.Timeout = d.Auth.Timeout
	}
	c := &config.Connection
	if c.PingInterval <= 0 {
		c.PingInterval = d.Connection.PingInterval
	}
	if c.PongMultiplier <= 0 {
		c.PongMultiplier = d.Connection.PongMultiplier
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.Connection.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.Connection.MaxMessageSize
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = d.Connection.OutboundQueue
	}
	if c.RegistryShards <= 0 {
		c.RegistryShards = d.Connection.RegistryShards
	}
	if c.ActivityRefresh <= 0 {
		c.ActivityRefresh = d.Connection.ActivityRefresh
	}
	if config.Execution.MinFlushBytes <= 0 {
		config.Execution.MinFlushBytes = d.Execution.MinFlushBytes
	}
	if config.Execution.MaxOpenRetries < 0 {
		config.Execution.MaxOpenRetries = 0
	}
	if config.Execution.ShutdownGrace <= 0 {
		config.Execution.ShutdownGrace = d.Execution.ShutdownGrace
	}
	if config.StoragePath == "" {
		config.StoragePath = GetPaths().StoragePath()
	}
	if config.Provider == nil {
		config.Provider = make(map[string]types.ProviderConfig)
	}
}

// LoadDotEnv loads .env files from directory into the process environment.
// Variables already set are not overridden; missing files are ignored.
func LoadDotEnv(directory string) error {
	for _, name := range []string{".env.local", ".env"} {
		path := filepath.Join(directory, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return &FileError{Path: path, Err: err}
		}
	}
	return nil
}
