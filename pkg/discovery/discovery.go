package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/sirosfoundation/go-peppol/pkg/identifier"
)

// DiscoveryClient combines SML resolution and SMP queries. It provides
// high-level discovery operations that:
// 1. Locate the SMP via the SML
// 2. Query the SMP for service metadata
// 3. Select the appropriate endpoint
//
// Results are not validated; see package validation.
type DiscoveryClient struct {
	resolver *Resolver
	smp      *SMPClient
	// PreferredTransports orders transport profiles for endpoint selection
	PreferredTransports []string
}

// DefaultPreferredTransports prefers Peppol AS4, then eDelivery AS4 2.0
var DefaultPreferredTransports = []string{TransportPeppolAS4, TransportAS4V2}

// NewDiscoveryClient creates a new discovery client
func NewDiscoveryClient(resolver *Resolver, smp *SMPClient) *DiscoveryClient {
	return &DiscoveryClient{
		resolver:            resolver,
		smp:                 smp,
		PreferredTransports: DefaultPreferredTransports,
	}
}

// Discovery is the outcome of a full discovery run
type Discovery struct {
	Publisher *PublisherAddress
	Metadata  *MetadataDocument
	Endpoint  *Endpoint
}

// Discover resolves the SMP, fetches metadata and selects an endpoint for the process.
func (c *DiscoveryClient) Discover(ctx context.Context, pid identifier.ParticipantID, docID identifier.DocumentTypeID, procID identifier.ProcessID, env identifier.Environment) (*Discovery, error) {
	publisher, err := c.resolver.Resolve(ctx, pid, env)
	if err != nil {
		return nil, fmt.Errorf("SML resolution failed: %w", err)
	}

	metadata, err := c.smp.Query(ctx, publisher.BaseURL, pid, docID, procID)
	if err != nil {
		return &Discovery{Publisher: publisher}, fmt.Errorf("SMP lookup failed: %w", err)
	}

	result := &Discovery{Publisher: publisher, Metadata: metadata}
	processID := ""
	if !procID.IsZero() {
		processID = procID.String()
	}
	endpoints := metadata.EndpointsFor(processID)
	if len(endpoints) == 0 {
		return result, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	result.Endpoint = SelectEndpoint(endpoints, c.PreferredTransports, time.Now())
	return result, nil
}

// ListDocumentTypes lists all document types registered for a participant.
func (c *DiscoveryClient) ListDocumentTypes(ctx context.Context, pid identifier.ParticipantID, env identifier.Environment) ([]string, error) {
	publisher, err := c.resolver.Resolve(ctx, pid, env)
	if err != nil {
		return nil, fmt.Errorf("SML resolution failed: %w", err)
	}

	serviceGroup, err := c.smp.GetServiceGroup(ctx, publisher.BaseURL, pid)
	if err != nil {
		return nil, fmt.Errorf("SMP lookup failed: %w", err)
	}

	return serviceGroup.ServiceReferences, nil
}

// Resolver returns the underlying SML resolver
func (c *DiscoveryClient) Resolver() *Resolver {
	return c.resolver
}

// SMPClient returns the underlying SMP client
func (c *DiscoveryClient) SMPClient() *SMPClient {
	return c.smp
}
