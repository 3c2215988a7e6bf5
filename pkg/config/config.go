package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for s3gate.
//
// YAML example:
//
//	address: ":8080"
//	dataDirs:
//	  - "./data"
//	authMode: "sigv4"       # "none" or "sigv4"
//	accessKeys:             # static credentials when authMode == "sigv4"
//	  - accessKey: "AKIAEXAMPLE"
//	    secretKey: "secret"
//	    user: "local"
//	auth:
//	  allowAnonymous: false
//	  maxSignedBodySize: "8MiB"
//	  maxPostFormSize: "1MiB"
//	  maxChunkSize: "16MiB"
//
// Environment overrides:
//
//	S3GATE_ADDR, S3GATE_ADMIN_ADDR, S3GATE_DATA_DIRS (comma-separated),
//	S3GATE_AUTH_MODE, S3GATE_ACCESS_KEYS ("AK:SECRET[:USER],..."),
//	S3GATE_AUTH_ALLOW_ANONYMOUS, S3GATE_AUTH_MAX_SIGNED_BODY_SIZE,
//	S3GATE_AUTH_MAX_POST_FORM_SIZE, S3GATE_AUTH_MAX_CHUNK_SIZE,
//	S3GATE_TRACING_*, S3GATE_OIDC_*, S3GATE_LIMIT_SINGLE_PUT_MAX_BYTES.
//	S3GATE_CONFIG is the YAML path; if empty, ./config.yaml is tried, then defaults.
type Config struct {
	Address      string            `yaml:"address"`
	AdminAddress string            `yaml:"adminAddress"` // optional separate admin/control-plane port
	DataDirs     []string          `yaml:"dataDirs"`
	AuthMode     string            `yaml:"authMode"` // "none" or "sigv4"
	AccessKeys   []StaticAccessKey `yaml:"accessKeys"`
	Auth         AuthConfig        `yaml:"auth"`
	Tracing      TracingConfig     `yaml:"tracing"`
	OIDC         OIDCConfig        `yaml:"oidc"`   // admin OIDC verification
	Limits       LimitsConfig      `yaml:"limits"` // S3 request size limits
}

// StaticAccessKey defines a static credential pair.
type StaticAccessKey struct {
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	User      string `yaml:"user,omitempty"`
}

// AuthConfig tunes request authentication. Sizes accept humanized values
// such as "8MiB" or "512kB".
type AuthConfig struct {
	AllowAnonymous    bool   `yaml:"allowAnonymous"`
	MaxSignedBodySize string `yaml:"maxSignedBodySize,omitempty"`
	MaxPostFormSize   string `yaml:"maxPostFormSize,omitempty"`
	MaxChunkSize      string `yaml:"maxChunkSize,omitempty"`
}

// AuthLimits is AuthConfig with the sizes resolved to bytes.
type AuthLimits struct {
	MaxSignedBodySize int64
	MaxPostFormSize   int64
	MaxChunkSize      int64
}

// Limits parses the configured sizes.
func (a AuthConfig) Limits() (AuthLimits, error) {
	var l AuthLimits
	var err error
	if l.MaxSignedBodySize, err = parseSize("auth.maxSignedBodySize", a.MaxSignedBodySize); err != nil {
		return AuthLimits{}, err
	}
	if l.MaxPostFormSize, err = parseSize("auth.maxPostFormSize", a.MaxPostFormSize); err != nil {
		return AuthLimits{}, err
	}
	if l.MaxChunkSize, err = parseSize("auth.maxChunkSize", a.MaxChunkSize); err != nil {
		return AuthLimits{}, err
	}
	return l, nil
}

func parseSize(field, v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("%s: %q is too large", field, v)
	}
	return int64(n), nil
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`              // OTLP collector endpoint (host:port or URL)
	Protocol    string  `yaml:"protocol,omitempty"`    // "grpc" (default) or "http"
	SampleRatio float64 `yaml:"sampleRatio,omitempty"` // 0.0 - 1.0
	ServiceName string  `yaml:"serviceName,omitempty"` // override service.name; default "s3gate"
}

// OIDCConfig configures Admin API OIDC verification (disabled by default).
type OIDCConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Issuer   string `yaml:"issuer,omitempty"`
	ClientID string `yaml:"clientID,omitempty"`
	Audience string `yaml:"audience,omitempty"`
	JWKSURL  string `yaml:"jwksURL,omitempty"`
	// When OIDC is enabled, optionally allow unauthenticated access to selected admin endpoints.
	AllowUnauthHealth  bool `yaml:"allowUnauthHealth,omitempty"`
	AllowUnauthVersion bool `yaml:"allowUnauthVersion,omitempty"`
}

// LimitsConfig controls S3 request size limits (bytes).
type LimitsConfig struct {
	SinglePutMaxBytes int64 `yaml:"singlePutMaxBytes"` // e.g., 5368709120 (5 GiB)
}

// Default returns a Config with safe, local defaults.
func Default() Config {
	return Config{
		Address:  ":8080",
		DataDirs: []string{"./data"},
		AuthMode: "none",
		Auth: AuthConfig{
			MaxSignedBodySize: "8MiB",
			MaxPostFormSize:   "1MiB",
			MaxChunkSize:      "16MiB",
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			ServiceName: "s3gate",
		},
		Limits: LimitsConfig{
			SinglePutMaxBytes: 5 * 1024 * 1024 * 1024, // 5 GiB
		},
	}
}

// Load reads configuration from path. If path is empty, it attempts to read
// ./config.yaml; if not found, returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path == "" {
		return applyEnvOverrides(Default()), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return applyEnvOverrides(Default()), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = applyEnvOverrides(cfg)
	return cfg, cfg.Validate()
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	switch c.AuthMode {
	case "none", "sigv4":
	default:
		return fmt.Errorf("authMode: unknown mode %q", c.AuthMode)
	}
	if c.AuthMode == "sigv4" && len(c.AccessKeys) == 0 {
		return errors.New("authMode sigv4 requires at least one access key")
	}
	if _, err := c.Auth.Limits(); err != nil {
		return err
	}
	return nil
}

// EnsureDirs creates data directories with 0700 if they don't exist.
func EnsureDirs(cfg Config) error {
	for _, d := range cfg.DataDirs {
		if d == "" {
			continue
		}
		abs, err := filepath.Abs(d)
		if err != nil {
			return fmt.Errorf("abs path %q: %w", d, err)
		}
		if err := os.MkdirAll(abs, 0o700); err != nil {
			return fmt.Errorf("mkdir %q: %w", abs, err)
		}
	}
	return nil
}

// envBool reads a truthy/falsy environment value; ok is false when unset or unrecognized.
func envBool(name string) (val, ok bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	}
	return false, false
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func applyEnvOverrides(cfg Config) Config {
	envString("S3GATE_ADDR", &cfg.Address)
	envString("S3GATE_ADMIN_ADDR", &cfg.AdminAddress)
	if v := os.Getenv("S3GATE_DATA_DIRS"); v != "" {
		cfg.DataDirs = splitAndTrim(v)
	}
	if v := os.Getenv("S3GATE_AUTH_MODE"); v != "" {
		mode := strings.ToLower(strings.TrimSpace(v))
		switch mode {
		case "none", "sigv4":
			cfg.AuthMode = mode
		default:
			// ignore invalid value; keep existing
		}
	}
	if v := os.Getenv("S3GATE_ACCESS_KEYS"); v != "" {
		if keys := parseAccessKeysEnv(v); len(keys) > 0 {
			cfg.AccessKeys = keys
		}
	}

	if b, ok := envBool("S3GATE_AUTH_ALLOW_ANONYMOUS"); ok {
		cfg.Auth.AllowAnonymous = b
	}
	envString("S3GATE_AUTH_MAX_SIGNED_BODY_SIZE", &cfg.Auth.MaxSignedBodySize)
	envString("S3GATE_AUTH_MAX_POST_FORM_SIZE", &cfg.Auth.MaxPostFormSize)
	envString("S3GATE_AUTH_MAX_CHUNK_SIZE", &cfg.Auth.MaxChunkSize)

	if b, ok := envBool("S3GATE_TRACING_ENABLED"); ok {
		cfg.Tracing.Enabled = b
	}
	envString("S3GATE_TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	if v := os.Getenv("S3GATE_TRACING_PROTOCOL"); v != "" {
		p := strings.ToLower(strings.TrimSpace(v))
		if p == "grpc" || p == "http" {
			cfg.Tracing.Protocol = p
		}
	}
	if v := os.Getenv("S3GATE_TRACING_SAMPLE"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			cfg.Tracing.SampleRatio = min(max(f, 0), 1)
		}
	}
	envString("S3GATE_TRACING_SERVICE", &cfg.Tracing.ServiceName)

	if b, ok := envBool("S3GATE_OIDC_ENABLED"); ok {
		cfg.OIDC.Enabled = b
	}
	envString("S3GATE_OIDC_ISSUER", &cfg.OIDC.Issuer)
	envString("S3GATE_OIDC_CLIENT_ID", &cfg.OIDC.ClientID)
	envString("S3GATE_OIDC_AUDIENCE", &cfg.OIDC.Audience)
	envString("S3GATE_OIDC_JWKS_URL", &cfg.OIDC.JWKSURL)
	if b, ok := envBool("S3GATE_OIDC_ALLOW_UNAUTH_HEALTH"); ok {
		cfg.OIDC.AllowUnauthHealth = b
	}
	if b, ok := envBool("S3GATE_OIDC_ALLOW_UNAUTH_VERSION"); ok {
		cfg.OIDC.AllowUnauthVersion = b
	}

	if v := os.Getenv("S3GATE_LIMIT_SINGLE_PUT_MAX_BYTES"); v != "" {
		if x, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && x > 0 {
			cfg.Limits.SinglePutMaxBytes = x
		}
	}
	return cfg
}

func splitAndTrim(s string) []string {
	var out []string
	for _, seg := range strings.Split(s, ",") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// parseAccessKeysEnv parses "ACCESS_KEY:SECRET_KEY[:USER]" entries.
func parseAccessKeysEnv(s string) []StaticAccessKey {
	var out []StaticAccessKey
	for _, e := range splitAndTrim(s) {
		parts := strings.SplitN(e, ":", 3)
		if len(parts) < 2 {
			continue
		}
		ak := strings.TrimSpace(parts[0])
		sk := strings.TrimSpace(parts[1])
		user := ""
		if len(parts) == 3 {
			user = strings.TrimSpace(parts[2])
		}
		if ak == "" || sk == "" {
			continue
		}
		out = append(out, StaticAccessKey{AccessKey: ak, SecretKey: sk, User: user})
	}
	return out
}
