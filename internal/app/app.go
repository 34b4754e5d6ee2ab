// Package app builds the lookup component graph from configuration.
//
// Every component is constructed explicitly here and handed its
// collaborators; there is no package level state. The transport client is
// shared by metadata queries, revocation fetches and liveness probes.
package app

import (
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sirosfoundation/go-peppol/internal/config"
	"github.com/sirosfoundation/go-peppol/internal/metrics"
	"github.com/sirosfoundation/go-peppol/pkg/discovery"
	"github.com/sirosfoundation/go-peppol/pkg/identifier"
	"github.com/sirosfoundation/go-peppol/pkg/lookup"
	"github.com/sirosfoundation/go-peppol/pkg/security"
	"github.com/sirosfoundation/go-peppol/pkg/transport"
	"github.com/sirosfoundation/go-peppol/pkg/validation"
	"github.com/sirosfoundation/go-peppol/pkg/xmlsafe"
)

// App holds the built components
type App struct {
	Lookup       *lookup.Service
	Discovery    *discovery.DiscoveryClient
	Orchestrator *validation.Orchestrator
	Trust        *security.TrustStore
	Revocations  *security.RevocationCache
	Transport    *transport.Client
	// Metrics is nil when metrics are disabled
	Metrics *metrics.Metrics
}

type options struct {
	registerer prometheus.Registerer
	exchanger  discovery.Exchanger
	httpClient transport.Option
}

// Option customizes Build
type Option func(*options)

// WithRegisterer registers metrics with reg instead of the default registerer
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithExchanger replaces the DNS client used for SML queries
func WithExchanger(e discovery.Exchanger) Option {
	return func(o *options) {
		o.exchanger = e
	}
}

// WithTransportOption passes an option to the shared transport client
func WithTransportOption(opt transport.Option) Option {
	return func(o *options) {
		o.httpClient = opt
	}
}

// NewLogger returns the logger described by cfg, writing to w
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Observability.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// Build constructs the lookup service and its dependencies
func Build(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	trust, err := loadTrust(cfg)
	if err != nil {
		return nil, err
	}

	transportOpts := []transport.Option{transport.WithLogger(logger.With("component", "transport"))}
	if o.httpClient != nil {
		transportOpts = append(transportOpts, o.httpClient)
	}
	client := transport.NewClient(transportConfig(cfg), transportOpts...)

	resolver := discovery.NewResolver(discovery.ResolverConfig{
		Zones:            cfg.SML.Zones,
		Mode:             identifier.HashMode(cfg.SML.Mode),
		DNSServer:        cfg.SML.DNSServer,
		Timeout:          cfg.SML.Timeout,
		PreferredService: discovery.ServiceType(cfg.SML.PreferredService),
	}, o.exchanger)

	limits := xmlsafe.Limits{
		MaxBytes:  cfg.SMP.MaxBytes,
		MaxDepth:  cfg.SMP.MaxDepth,
		MaxTokens: cfg.SMP.MaxTokens,
	}
	smp := discovery.NewSMPClient(client, discovery.SMPClientConfig{
		Limits:           limits,
		AcceptHeader:     cfg.SMP.Accept,
		DisableRedirects: cfg.SMP.DisableRedirects,
	})

	secLogger := security.WithLogger(logger.With("component", "security"))
	cache := security.NewRevocationCache(cfg.Revocation.CleanupInterval, secLogger)
	checker := security.NewOCSPRevocationChecker(&security.OCSPConfig{
		AttemptTimeout:           cfg.Revocation.AttemptTimeout,
		Budget:                   cfg.Revocation.Budget,
		CacheTimeout:             cfg.Revocation.CacheTimeout,
		CRLMaxAge:                cfg.Revocation.CRLMaxAge,
		MaxClockSkew:             cfg.Revocation.MaxClockSkew,
		CRLFallback:              !cfg.Revocation.DisableCRLFallback,
		DisableOCSP:              cfg.Revocation.DisableOCSP,
		RequireDistributionPoint: cfg.Revocation.RequireDistributionPoint,
	}, client, cache, secLogger)

	certs := security.NewCertificateValidator(trust, checker, security.RevocationPolicy{
		SoftFail: cfg.Revocation.SoftFail,
		Disabled: cfg.Revocation.Disabled,
	}, secLogger)
	signatures := security.NewSignatureValidator(certs, limits, secLogger)

	endpoint := validation.NewEndpointCheck(&validation.EndpointConfig{
		AllowedProfiles: cfg.Validation.TransportProfiles,
		Probe:           cfg.Validation.Probe,
		ProbeTimeout:    cfg.Validation.ProbeTimeout,
	}, client)

	orchOpts := []validation.Option{validation.WithLogger(logger.With("component", "validation"))}
	if cfg.Validation.Sequential {
		orchOpts = append(orchOpts, validation.WithSequential())
	}
	orchestrator := validation.NewOrchestrator(Policy(cfg), []validation.Check{
		validation.NewCertificateCheck(certs),
		validation.NewSignatureCheck(signatures),
		endpoint,
	}, orchOpts...)

	lookupOpts := []lookup.Option{
		lookup.WithLogger(logger.With("component", "lookup")),
		lookup.WithTracer(tracer(cfg)),
	}
	var m *metrics.Metrics
	if cfg.Observability.Metrics.Enabled {
		m = metrics.New(o.registerer)
		lookupOpts = append(lookupOpts, lookup.WithRecorder(m))
	}

	service := lookup.NewService(
		identifier.NewCodec(cfg.Identifiers),
		resolver,
		smp,
		orchestrator,
		&lookup.Config{
			Timeout:             cfg.Lookup.Timeout,
			PreferredTransports: cfg.Lookup.PreferredTransports,
		},
		lookupOpts...,
	)

	disc := discovery.NewDiscoveryClient(resolver, smp)
	disc.PreferredTransports = cfg.Lookup.PreferredTransports

	logger.Info("lookup service built",
		"environments", cfg.Environments(),
		"sml_mode", cfg.SML.Mode,
		"revocation_disabled", cfg.Revocation.Disabled,
		"soft_fail", cfg.Revocation.SoftFail,
		"probe", cfg.Validation.Probe,
		"metrics", m != nil,
	)

	return &App{
		Lookup:       service,
		Discovery:    disc,
		Orchestrator: orchestrator,
		Trust:        trust,
		Revocations:  cache,
		Transport:    client,
		Metrics:      m,
	}, nil
}

// Policy returns the compliance policy described by cfg. Disabled revocation
// checking waives certificateNotRevoked; a required probe adds
// endpointReachable.
func Policy(cfg *config.Config) validation.Policy {
	policy := validation.DefaultPolicy()
	if cfg.Revocation.Disabled {
		policy = policy.Waive(validation.SignalCertificateNotRevoked)
	}
	if cfg.Validation.RequireReachable {
		policy = policy.Require(validation.SignalEndpointReachable)
	}
	return policy
}

func transportConfig(cfg *config.Config) *transport.Config {
	tc := transport.DefaultConfig()
	if cfg.Transport.MinTLSVersion == "1.3" {
		tc.MinTLSVersion = transport.TLS13
	}
	tc.Timeout = cfg.Transport.Timeout
	tc.IdleConnTimeout = cfg.Transport.IdleConnTimeout
	tc.MaxBodyBytes = cfg.Transport.MaxBodyBytes
	tc.UserAgent = cfg.Transport.UserAgent
	tc.Breaker = transport.BreakerConfig{
		Enabled:             !cfg.Transport.Breaker.Disabled,
		ConsecutiveFailures: cfg.Transport.Breaker.ConsecutiveFailures,
		MaxRequests:         cfg.Transport.Breaker.MaxRequests,
		Interval:            cfg.Transport.Breaker.Interval,
		Timeout:             cfg.Transport.Breaker.Timeout,
	}
	return tc
}

func tracer(cfg *config.Config) trace.Tracer {
	if !cfg.Observability.Tracing.Enabled {
		return noop.NewTracerProvider().Tracer("")
	}
	return otel.Tracer("github.com/sirosfoundation/go-peppol/lookup")
}

func loadTrust(cfg *config.Config) (*security.TrustStore, error) {
	anchors := make(map[identifier.Environment]security.TrustAnchors)
	for _, env := range cfg.Environments() {
		files := cfg.Trust[string(env)]
		var set security.TrustAnchors
		var err error
		if set.Roots, err = loadFiles(files.Roots); err != nil {
			return nil, fmt.Errorf("loading %s roots: %w", env, err)
		}
		if set.APIssuers, err = loadFiles(files.APIssuers); err != nil {
			return nil, fmt.Errorf("loading %s AP issuers: %w", env, err)
		}
		if set.SMPIssuers, err = loadFiles(files.SMPIssuers); err != nil {
			return nil, fmt.Errorf("loading %s SMP issuers: %w", env, err)
		}
		anchors[env] = set
	}
	return security.NewTrustStore(anchors)
}

func loadFiles(paths []string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, path := range paths {
		loaded, err := security.LoadCertificatesFile(path)
		if err != nil {
			return nil, err
		}
		certs = append(certs, loaded...)
	}
	return certs, nil
}
