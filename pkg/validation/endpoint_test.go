package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-peppol/pkg/discovery"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestEndpointCheck(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	base := discovery.Endpoint{TransportProfile: discovery.TransportPeppolAS4, URL: endpointURL}

	tests := []struct {
		name   string
		mutate func(*discovery.Endpoint)
		failed []string
		detail string
	}{
		{
			name:   "compliant",
			mutate: func(*discovery.Endpoint) {},
		},
		{
			name:   "unsupported profile",
			mutate: func(ep *discovery.Endpoint) { ep.TransportProfile = discovery.TransportAS4V1 },
			failed: []string{SignalTransportSupported},
			detail: "not accepted",
		},
		{
			name:   "plain http",
			mutate: func(ep *discovery.Endpoint) { ep.URL = "http://ap.example.com/as4" },
			failed: []string{SignalEndpointSecure},
			detail: "not https",
		},
		{
			name:   "no host",
			mutate: func(ep *discovery.Endpoint) { ep.URL = "https:///as4" },
			failed: []string{SignalEndpointSecure},
			detail: "no host",
		},
		{
			name:   "not yet active",
			mutate: func(ep *discovery.Endpoint) { ep.ServiceActivationDate = timePtr(now.Add(24 * time.Hour)) },
			failed: []string{SignalEndpointActive},
			detail: "not active before",
		},
		{
			name:   "expired",
			mutate: func(ep *discovery.Endpoint) { ep.ServiceExpirationDate = timePtr(now.Add(-time.Hour)) },
			failed: []string{SignalEndpointActive},
			detail: "expired",
		},
		{
			name:   "unreadable dates",
			mutate: func(ep *discovery.Endpoint) { ep.DateError = errors.New("bad date") },
			failed: []string{SignalEndpointActive},
			detail: "unreadable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := base
			tt.mutate(&ep)
			check := NewEndpointCheck(nil, nil)
			check.now = func() time.Time { return now }

			report, err := check.Run(context.Background(), &Input{Endpoint: &ep})
			require.NoError(t, err)
			require.Len(t, report.Signals, len(check.Signals()))

			for _, s := range report.Signals {
				if s.Name == SignalEndpointReachable {
					assert.False(t, s.Attempted)
					continue
				}
				if contains(tt.failed, s.Name) {
					assert.False(t, s.Passed, s.Name)
					assert.Contains(t, s.Detail, tt.detail)
				} else {
					assert.True(t, s.Passed, "%s: %s", s.Name, s.Detail)
				}
			}
		})
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func TestEndpointCheckProbe(t *testing.T) {
	cfg := DefaultEndpointConfig()
	cfg.Probe = true
	ep := &discovery.Endpoint{TransportProfile: discovery.TransportPeppolAS4, URL: endpointURL}

	reachable := func(t *testing.T, check *EndpointCheck, ep *discovery.Endpoint) Signal {
		t.Helper()
		report, err := check.Run(context.Background(), &Input{Endpoint: ep})
		require.NoError(t, err)
		return report.Signals[3]
	}

	t.Run("any response is reachable", func(t *testing.T) {
		prober := &fakeProber{status: 500}
		s := reachable(t, NewEndpointCheck(cfg, prober), ep)
		assert.True(t, s.Passed)
		assert.True(t, s.Attempted)
		assert.Equal(t, "HTTP 500", s.Detail)
	})

	t.Run("transport failure", func(t *testing.T) {
		prober := &fakeProber{err: errors.New("connection refused")}
		s := reachable(t, NewEndpointCheck(cfg, prober), ep)
		assert.False(t, s.Passed)
		assert.True(t, s.Attempted)
		assert.Contains(t, s.Detail, "connection refused")
	})

	t.Run("insecure URL is not probed", func(t *testing.T) {
		prober := &fakeProber{status: 200}
		s := reachable(t, NewEndpointCheck(cfg, prober), &discovery.Endpoint{URL: "http://ap.example.com"})
		assert.False(t, s.Attempted)
		assert.Zero(t, prober.calls)
	})

	t.Run("no prober", func(t *testing.T) {
		s := reachable(t, NewEndpointCheck(cfg, nil), ep)
		assert.False(t, s.Attempted)
	})
}

func TestEndpointCheckAllowedProfiles(t *testing.T) {
	cfg := &EndpointConfig{AllowedProfiles: []string{discovery.TransportPeppolAS4, discovery.TransportAS4V2}}
	check := NewEndpointCheck(cfg, nil)

	report, err := check.Run(context.Background(), &Input{Endpoint: &discovery.Endpoint{TransportProfile: discovery.TransportAS4V2, URL: endpointURL}})
	require.NoError(t, err)
	assert.True(t, report.Signals[0].Passed)

	_, err = check.Run(context.Background(), &Input{})
	assert.ErrorIs(t, err, ErrMissingInput)
}
