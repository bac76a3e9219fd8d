package napcat

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"github.com/xeipuuv/gojsonschema"

	"github.com/RicterZ/moltbot-QQ/jsonrpc"
)

// configSchema is the JSON Schema (Draft-7) every config document must match.
const configSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["command"],
	"additionalProperties": false,
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"args": {"type": "array", "items": {"type": "string"}},
		"env": {"type": "object", "additionalProperties": {"type": "string"}},
		"napcat_url": {"type": "string"},
		"ignore_prefixes": {"type": "array", "items": {"type": "string"}},
		"call_timeout_seconds": {"type": "number", "exclusiveMinimum": 0},
		"max_line_bytes": {"type": "integer", "minimum": 1024, "maximum": 16777216}
	}
}`

// Config describes how the bridge launches and drives the backend process.
type Config struct {
	// Command is the backend executable path. Args and Env are passed through
	// to the spawned process on top of the parent environment.
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// NapcatURL is forwarded to the backend in watch.subscribe params and as
	// the NAPCAT_URL environment variable.
	NapcatURL string `json:"napcat_url,omitempty"`

	// IgnorePrefixes is forwarded in watch.subscribe params; messages whose
	// first line starts with one of these are not pushed back. Defaults to
	// ["/"].
	IgnorePrefixes []string `json:"ignore_prefixes,omitempty"`

	// CallTimeoutSeconds bounds each RPC call issued through the bridge.
	// Zero means no timeout; correctness does not depend on one being set.
	CallTimeoutSeconds float64 `json:"call_timeout_seconds,omitempty"`

	// MaxLineBytes bounds one wire line in each direction. Base64 media
	// segments need room beyond the 1 MiB default; zero keeps the default.
	MaxLineBytes int `json:"max_line_bytes,omitempty"`
}

// CallTimeout returns the configured per-call timeout, or zero when unset.
func (c Config) CallTimeout() time.Duration {
	if c.CallTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.CallTimeoutSeconds * float64(time.Second))
}

// limits returns the wire line limits, falling back to the defaults.
func (c Config) limits() jsonrpc.Limits {
	if c.MaxLineBytes <= 0 {
		return jsonrpc.DefaultLimits()
	}
	return jsonrpc.Limits{MaxLine: c.MaxLineBytes}
}

// processConfig derives the spawn parameters for the Line Transport.
func (c Config) processConfig() ProcessConfig {
	env := make(map[string]string, len(c.Env)+1)
	for k, v := range c.Env {
		env[k] = v
	}
	if c.NapcatURL != "" {
		env["NAPCAT_URL"] = c.NapcatURL
	}
	return ProcessConfig{Command: c.Command, Args: c.Args, Env: env}
}

// LoadConfig reads a HuJSON (JSON with comments and trailing commas) config
// file, validates it against the embedded schema, and applies defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a HuJSON config document.
func ParseConfig(data []byte) (Config, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateConfigDocument(std); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.IgnorePrefixes == nil {
		cfg.IgnorePrefixes = []string{"/"}
	}
	return cfg, nil
}

// validateConfigDocument checks a standardized JSON document against the
// config schema and reports every violation at once.
func validateConfigDocument(data []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(configSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("config does not match schema: %s", strings.Join(details, "; "))
	}
	return nil
}
