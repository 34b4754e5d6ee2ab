package validation

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/sirosfoundation/go-peppol/pkg/discovery"
	"github.com/sirosfoundation/go-peppol/pkg/transport"
)

// Prober issues the liveness request. *transport.Client implements it.
type Prober interface {
	Probe(ctx context.Context, rawURL string, opts ...transport.RequestOption) (*transport.Response, error)
}

// EndpointConfig holds endpoint check configuration
type EndpointConfig struct {
	// AllowedProfiles lists the accepted transport profiles
	AllowedProfiles []string
	// Probe enables the HEAD liveness request
	Probe bool
	// ProbeTimeout bounds the liveness request
	ProbeTimeout time.Duration
}

// DefaultEndpointConfig accepts Peppol AS4 and does not probe
func DefaultEndpointConfig() *EndpointConfig {
	return &EndpointConfig{
		AllowedProfiles: []string{discovery.TransportPeppolAS4},
		ProbeTimeout:    3 * time.Second,
	}
}

// EndpointCheck judges the selected endpoint itself
type EndpointCheck struct {
	config *EndpointConfig
	prober Prober
	now    func() time.Time
}

// NewEndpointCheck creates an endpoint check. A nil config uses
// DefaultEndpointConfig; prober may be nil when probing is disabled.
func NewEndpointCheck(config *EndpointConfig, prober Prober) *EndpointCheck {
	if config == nil {
		config = DefaultEndpointConfig()
	}
	return &EndpointCheck{config: config, prober: prober, now: time.Now}
}

// Name returns the stage this check runs in
func (c *EndpointCheck) Name() Stage { return StageEndpointCheck }

// Signals returns the signals this check reports
func (c *EndpointCheck) Signals() []string {
	return []string{SignalTransportSupported, SignalEndpointSecure, SignalEndpointActive, SignalEndpointReachable}
}

// Run evaluates the endpoint
func (c *EndpointCheck) Run(ctx context.Context, in *Input) (*Report, error) {
	if in.Endpoint == nil {
		return nil, fmt.Errorf("%w: no endpoint", ErrMissingInput)
	}
	ep := in.Endpoint

	secure := c.secure(ep.URL)
	return &Report{Signals: []Signal{
		c.transportSupported(ep.TransportProfile),
		secure,
		c.active(ep),
		c.reachable(ctx, ep.URL, secure.Passed),
	}}, nil
}

func (c *EndpointCheck) transportSupported(profile string) Signal {
	s := Signal{Name: SignalTransportSupported, Attempted: true}
	if slices.Contains(c.config.AllowedProfiles, profile) {
		s.Passed = true
		s.Detail = profile
	} else {
		s.Detail = fmt.Sprintf("transport profile %q not accepted", profile)
	}
	return s
}

func (c *EndpointCheck) secure(rawURL string) Signal {
	s := Signal{Name: SignalEndpointSecure, Attempted: true}
	u, err := url.Parse(rawURL)
	switch {
	case err != nil:
		s.Detail = fmt.Sprintf("invalid endpoint URL: %v", err)
	case !strings.EqualFold(u.Scheme, "https"):
		s.Detail = fmt.Sprintf("endpoint URL scheme %q is not https", u.Scheme)
	case u.Hostname() == "":
		s.Detail = "endpoint URL has no host"
	default:
		s.Passed = true
		s.Detail = u.Host
	}
	return s
}

func (c *EndpointCheck) active(ep *discovery.Endpoint) Signal {
	s := Signal{Name: SignalEndpointActive, Attempted: true}
	now := c.now()
	switch {
	case ep.DateError != nil:
		s.Detail = fmt.Sprintf("unreadable service dates: %v", ep.DateError)
	case ep.ActiveAt(now):
		s.Passed = true
		if ep.ServiceExpirationDate != nil {
			s.Detail = "active until " + ep.ServiceExpirationDate.Format(time.RFC3339)
		}
	case ep.ServiceActivationDate != nil && ep.ServiceActivationDate.After(now):
		s.Detail = "not active before " + ep.ServiceActivationDate.Format(time.RFC3339)
	default:
		s.Detail = "expired " + ep.ServiceExpirationDate.Format(time.RFC3339)
	}
	return s
}

// reachable sends a HEAD request. Any HTTP response counts as reachable.
func (c *EndpointCheck) reachable(ctx context.Context, rawURL string, secure bool) Signal {
	s := Signal{Name: SignalEndpointReachable}
	switch {
	case !c.config.Probe:
		s.Detail = "liveness probe disabled"
		return s
	case c.prober == nil:
		s.Detail = "no prober configured"
		return s
	case !secure:
		s.Detail = "not probed: endpoint URL is not secure"
		return s
	}

	s.Attempted = true
	resp, err := c.prober.Probe(ctx, rawURL, transport.WithTimeout(c.config.ProbeTimeout))
	if err != nil {
		s.Detail = err.Error()
		return s
	}
	s.Passed = true
	s.Detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
	return s
}
