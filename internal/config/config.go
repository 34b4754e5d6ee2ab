// Package config handles configuration loading for the lookup service.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows deployment specific
// values such as trust anchor paths or a DNS server to be injected at runtime.
//
// # Configuration Sections
//
//   - sml: SML zones, hashing mode and DNS server
//   - smp: limits applied to service metadata responses
//   - transport: outbound HTTPS client settings
//   - revocation: OCSP and CRL checking
//   - trust: PEM files holding the trust anchors of each environment
//   - identifiers: recognized identifier schemes
//   - validation: endpoint checks and orchestration
//   - lookup: lookup deadline and transport preference
//   - observability: logging, metrics and tracing
//
// # Example Configuration
//
//	sml:
//	  mode: cname
//	  dnsServer: ${DNS_SERVER}
//	  timeout: 5s
//
//	trust:
//	  test:
//	    roots: [/etc/peppol/test/root.pem]
//	    apIssuers: [/etc/peppol/test/ap.pem]
//	    smpIssuers: [/etc/peppol/test/smp.pem]
//
//	revocation:
//	  softFail: false
//	  budget: 10s
//
//	observability:
//	  logging:
//	    level: info
//	    format: json
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-peppol/pkg/discovery"
	"github.com/sirosfoundation/go-peppol/pkg/identifier"
)

// Config is the root configuration structure
type Config struct {
	SML           SMLConfig              `yaml:"sml"`
	SMP           SMPConfig              `yaml:"smp"`
	Transport     TransportConfig        `yaml:"transport"`
	Revocation    RevocationConfig       `yaml:"revocation"`
	Trust         map[string]TrustConfig `yaml:"trust"`
	Identifiers   identifier.SchemeSet   `yaml:"identifiers"`
	Validation    ValidationConfig       `yaml:"validation"`
	Lookup        LookupConfig           `yaml:"lookup"`
	Observability ObservabilityConfig    `yaml:"observability"`
}

// SMLConfig holds directory resolution settings
type SMLConfig struct {
	Zones identifier.Zones `yaml:"zones"`
	// Mode is "cname" or "naptr"
	Mode      string        `yaml:"mode"`
	DNSServer string        `yaml:"dnsServer"` // host:port, empty uses /etc/resolv.conf
	Timeout   time.Duration `yaml:"timeout"`
	// PreferredService is the NAPTR service chosen when several match
	PreferredService string `yaml:"preferredService"`
}

// SMPConfig holds metadata query settings
type SMPConfig struct {
	MaxBytes         int64  `yaml:"maxBytes"`
	MaxDepth         int    `yaml:"maxDepth"`
	MaxTokens        int    `yaml:"maxTokens"`
	Accept           string `yaml:"accept"`
	DisableRedirects bool   `yaml:"disableRedirects"`
}

// TransportConfig holds outbound HTTPS settings
type TransportConfig struct {
	// MinTLSVersion is "1.2" or "1.3"
	MinTLSVersion   string        `yaml:"minTLSVersion"`
	Timeout         time.Duration `yaml:"timeout"`
	IdleConnTimeout time.Duration `yaml:"idleConnTimeout"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
	UserAgent       string        `yaml:"userAgent"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds per-host circuit breaker settings
type BreakerConfig struct {
	Disabled            bool          `yaml:"disabled"`
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures"`
	MaxRequests         uint32        `yaml:"maxRequests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
}

// RevocationConfig holds OCSP and CRL settings
type RevocationConfig struct {
	// Disabled waives revocation checking entirely
	Disabled bool `yaml:"disabled"`
	// SoftFail accepts an unknown status. A revoked certificate always fails.
	SoftFail                 bool          `yaml:"softFail"`
	AttemptTimeout           time.Duration `yaml:"attemptTimeout"`
	Budget                   time.Duration `yaml:"budget"`
	CacheTimeout             time.Duration `yaml:"cacheTimeout"`
	CRLMaxAge                time.Duration `yaml:"crlMaxAge"`
	MaxClockSkew             time.Duration `yaml:"maxClockSkew"`
	CleanupInterval          time.Duration `yaml:"cleanupInterval"`
	DisableOCSP              bool          `yaml:"disableOCSP"`
	DisableCRLFallback       bool          `yaml:"disableCRLFallback"`
	RequireDistributionPoint bool          `yaml:"requireDistributionPoint"`
}

// TrustConfig names the PEM files holding one environment's trust anchors
type TrustConfig struct {
	Roots      []string `yaml:"roots"`
	APIssuers  []string `yaml:"apIssuers"`
	SMPIssuers []string `yaml:"smpIssuers"`
}

// ValidationConfig holds endpoint check and orchestration settings
type ValidationConfig struct {
	TransportProfiles []string      `yaml:"transportProfiles"`
	Probe             bool          `yaml:"probe"`
	ProbeTimeout      time.Duration `yaml:"probeTimeout"`
	// RequireReachable makes a failed liveness probe non-compliant
	RequireReachable bool `yaml:"requireReachable"`
	Sequential       bool `yaml:"sequential"`
}

// LookupConfig holds lookup service settings
type LookupConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	PreferredTransports []string      `yaml:"preferredTransports"`
}

// ObservabilityConfig holds logging, metrics and tracing settings
type ObservabilityConfig struct {
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text or json
	} `yaml:"logging"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Tracing struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"tracing"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML, expanding environment variables,
// applying defaults and validating the result
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Environments returns the environments that have trust anchors configured
func (c *Config) Environments() []identifier.Environment {
	var envs []identifier.Environment
	for _, env := range []identifier.Environment{identifier.EnvProduction, identifier.EnvTest} {
		if _, ok := c.Trust[string(env)]; ok {
			envs = append(envs, env)
		}
	}
	return envs
}

// LogLevel returns the configured log level
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.Observability.Logging.Level))
	return level
}

func (c *Config) applyDefaults() {
	zones := identifier.DefaultZones()
	if c.SML.Zones.Production == "" {
		c.SML.Zones.Production = zones.Production
	}
	if c.SML.Zones.Test == "" {
		c.SML.Zones.Test = zones.Test
	}
	if c.SML.Mode == "" {
		c.SML.Mode = string(identifier.ModeCNAME)
	}
	if c.SML.Timeout == 0 {
		c.SML.Timeout = 5 * time.Second
	}
	if c.SML.PreferredService == "" {
		c.SML.PreferredService = string(discovery.ServiceTypeSMP1)
	}

	if c.SMP.MaxBytes == 0 {
		c.SMP.MaxBytes = 2 * 1024 * 1024
	}
	if c.SMP.MaxDepth == 0 {
		c.SMP.MaxDepth = 64
	}
	if c.SMP.MaxTokens == 0 {
		c.SMP.MaxTokens = 100000
	}
	if c.SMP.Accept == "" {
		c.SMP.Accept = "application/xml"
	}

	if c.Transport.MinTLSVersion == "" {
		c.Transport.MinTLSVersion = "1.2"
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 10 * time.Second
	}
	if c.Transport.IdleConnTimeout == 0 {
		c.Transport.IdleConnTimeout = 90 * time.Second
	}
	if c.Transport.MaxBodyBytes == 0 {
		c.Transport.MaxBodyBytes = 4 * 1024 * 1024
	}
	if c.Transport.UserAgent == "" {
		c.Transport.UserAgent = "go-peppol/1.0"
	}
	if c.Transport.Breaker.ConsecutiveFailures == 0 {
		c.Transport.Breaker.ConsecutiveFailures = 5
	}
	if c.Transport.Breaker.MaxRequests == 0 {
		c.Transport.Breaker.MaxRequests = 1
	}
	if c.Transport.Breaker.Interval == 0 {
		c.Transport.Breaker.Interval = time.Minute
	}
	if c.Transport.Breaker.Timeout == 0 {
		c.Transport.Breaker.Timeout = 30 * time.Second
	}

	if c.Revocation.AttemptTimeout == 0 {
		c.Revocation.AttemptTimeout = 5 * time.Second
	}
	if c.Revocation.Budget == 0 {
		c.Revocation.Budget = 10 * time.Second
	}
	if c.Revocation.CacheTimeout == 0 {
		c.Revocation.CacheTimeout = 5 * time.Minute
	}
	if c.Revocation.CRLMaxAge == 0 {
		c.Revocation.CRLMaxAge = 24 * time.Hour
	}
	if c.Revocation.MaxClockSkew == 0 {
		c.Revocation.MaxClockSkew = 5 * time.Minute
	}
	if c.Revocation.CleanupInterval == 0 {
		c.Revocation.CleanupInterval = 10 * time.Minute
	}

	schemes := identifier.DefaultSchemes()
	if len(c.Identifiers.Participant) == 0 {
		c.Identifiers.Participant = schemes.Participant
	}
	if len(c.Identifiers.Document) == 0 {
		c.Identifiers.Document = schemes.Document
	}
	if len(c.Identifiers.Process) == 0 {
		c.Identifiers.Process = schemes.Process
	}

	if len(c.Validation.TransportProfiles) == 0 {
		c.Validation.TransportProfiles = []string{discovery.TransportPeppolAS4}
	}
	if c.Validation.ProbeTimeout == 0 {
		c.Validation.ProbeTimeout = 3 * time.Second
	}

	if c.Lookup.Timeout == 0 {
		c.Lookup.Timeout = 30 * time.Second
	}
	if len(c.Lookup.PreferredTransports) == 0 {
		c.Lookup.PreferredTransports = discovery.DefaultPreferredTransports
	}

	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	switch identifier.HashMode(c.SML.Mode) {
	case identifier.ModeCNAME, identifier.ModeNAPTR:
		// Valid modes
	default:
		return fmt.Errorf("sml.mode must be 'cname' or 'naptr', got '%s'", c.SML.Mode)
	}

	if c.SML.Zones.Production == c.SML.Zones.Test {
		return fmt.Errorf("sml.zones.production and sml.zones.test must differ")
	}

	switch c.Transport.MinTLSVersion {
	case "1.2", "1.3":
	default:
		return fmt.Errorf("transport.minTLSVersion must be '1.2' or '1.3', got '%s'", c.Transport.MinTLSVersion)
	}

	if len(c.Trust) == 0 {
		return fmt.Errorf("trust must name at least one environment")
	}
	for name, trust := range c.Trust {
		if _, err := identifier.ParseEnvironment(name); err != nil {
			return fmt.Errorf("trust.%s: %w", name, err)
		}
		if len(trust.Roots) == 0 {
			return fmt.Errorf("trust.%s.roots is required", name)
		}
	}

	if c.Revocation.AttemptTimeout > c.Revocation.Budget {
		return fmt.Errorf("revocation.attemptTimeout must not exceed revocation.budget")
	}

	if c.Validation.RequireReachable && !c.Validation.Probe {
		return fmt.Errorf("validation.requireReachable needs validation.probe")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Observability.Logging.Level)); err != nil {
		return fmt.Errorf("observability.logging.level: %w", err)
	}
	switch c.Observability.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("observability.logging.format must be 'text' or 'json', got '%s'", c.Observability.Logging.Format)
	}

	return nil
}
