// Package config loads the core's runtime configuration from environment
// variables: a Config struct populated by os.Getenv with defaults, validated
// fail-fast at startup before any subsystem is constructed.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Env is the deployment environment.
type Env string

const (
	EnvDev   Env = "dev"
	EnvStage Env = "stage"
	EnvProd  Env = "prod"
	EnvTest  Env = "test"
)

// Config holds every environment-driven setting recognized by the core.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Env         Env

	PortiaAPIKey string

	// SigningKeyHex is a hex-encoded Ed25519 private key seed (64 hex chars)
	// used to sign capability tokens. Required outside dev/test; a missing
	// key in dev/test falls back to an ephemeral generated keypair.
	SigningKeyHex string

	CapTokensBaseURL  string
	ApprovalsBaseURL  string
	ReceiptsBaseURL   string
	RegistryBaseURL   string

	EnableRazorpayMCP bool
	RazorpayMCPMode   string // remote|stdio

	AllowedOrigins []string
	AllowedHosts   []string

	// ValidationLevel gates how strict the plan validator and policy
	// validator are: standard|strict|security-focused. Load reads only the
	// environment variables it knows; unknown ones are ignored at every
	// level and never cause a startup error.
	ValidationLevel string

	// ListenAddr is where cmd/captokenserver binds its HTTP surface.
	ListenAddr string

	// OTLPEndpoint is the OTLP/gRPC collector address for trace export. An
	// empty value disables tracing (a no-op provider is installed).
	OTLPEndpoint string

	// FailOpen, when true, lets the enforcement middleware pass requests
	// through on internal error instead of the documented default fail-closed.
	FailOpen bool

	// ViolationWebhookURL, if set, receives a webhook call for every denied
	// capability check that matches the default alert rule. Empty disables
	// violation alert dispatch (violations are still persisted).
	ViolationWebhookURL string
}

// Load populates Config from the environment and fails fast if a required
// variable is missing or malformed.
func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:         getenv("DATABASE_URL", "sqlite://capcore.db"),
		RedisURL:            os.Getenv("REDIS_URL"),
		Env:                 Env(getenv("ANUMATE_ENV", string(EnvDev))),
		PortiaAPIKey:        os.Getenv("PORTIA_API_KEY"),
		SigningKeyHex:       os.Getenv("CAPTOKEN_SIGNING_KEY"),
		CapTokensBaseURL:    os.Getenv("CAPTOKENS_BASE_URL"),
		ApprovalsBaseURL:    os.Getenv("APPROVALS_BASE_URL"),
		ReceiptsBaseURL:     os.Getenv("RECEIPTS_BASE_URL"),
		RegistryBaseURL:     os.Getenv("REGISTRY_BASE_URL"),
		EnableRazorpayMCP:   getenvBool("ENABLE_RAZORPAY_MCP", false),
		RazorpayMCPMode:     getenv("RAZORPAY_MCP_MODE", "remote"),
		AllowedOrigins:      splitCSV(os.Getenv("ALLOWED_ORIGINS")),
		AllowedHosts:        splitCSV(os.Getenv("ALLOWED_HOSTS")),
		ValidationLevel:     getenv("VALIDATION_LEVEL", "standard"),
		ListenAddr:          getenv("LISTEN_ADDR", ":8080"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		FailOpen:            getenvBool("FAIL_OPEN", false),
		ViolationWebhookURL: os.Getenv("VIOLATION_WEBHOOK_URL"),
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.Env {
	case EnvDev, EnvStage, EnvProd, EnvTest:
	default:
		return fmt.Errorf("config: invalid ANUMATE_ENV %q", c.Env)
	}

	if c.PortiaAPIKey == "" && c.Env != EnvTest {
		return fmt.Errorf("config: PORTIA_API_KEY is required")
	}

	if c.SigningKeyHex == "" && (c.Env == EnvProd || c.Env == EnvStage) {
		return fmt.Errorf("config: CAPTOKEN_SIGNING_KEY is required outside dev/test")
	}
	if c.SigningKeyHex != "" && len(c.SigningKeyHex) != 64 {
		return fmt.Errorf("config: CAPTOKEN_SIGNING_KEY must be 64 hex characters (32-byte Ed25519 seed)")
	}

	switch c.RazorpayMCPMode {
	case "remote", "stdio":
	default:
		return fmt.Errorf("config: invalid RAZORPAY_MCP_MODE %q", c.RazorpayMCPMode)
	}

	switch c.ValidationLevel {
	case "standard", "strict", "security-focused":
	default:
		if c.ValidationLevel != "" {
			return fmt.Errorf("config: unknown VALIDATION_LEVEL %q in strict mode", c.ValidationLevel)
		}
	}

	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
