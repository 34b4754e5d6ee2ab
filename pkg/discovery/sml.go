package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/sirosfoundation/go-peppol/pkg/identifier"
)

// ServiceType represents the type of metadata service
type ServiceType string

const (
	// ServiceTypeSMP1 is the service type for OASIS SMP 1.0 (Meta:SMP)
	ServiceTypeSMP1 ServiceType = "Meta:SMP"
	// ServiceTypeSMP2 is the service type for OASIS SMP 2.0 (oasis-bdxr-smp-2)
	ServiceTypeSMP2 ServiceType = "oasis-bdxr-smp-2"
)

// Exchanger sends a DNS message and returns the answer. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// ResolverConfig contains configuration for the SML resolver
type ResolverConfig struct {
	// Zones maps environments to SML zones
	Zones identifier.Zones

	// Mode selects CNAME (classic SML) or NAPTR (BDXL) resolution.
	// Defaults to identifier.ModeCNAME.
	Mode identifier.HashMode

	// DNSServer is the DNS server to use for lookups (optional)
	// Format: "ip:port" (e.g., "8.8.8.8:53")
	// If empty, the first server from /etc/resolv.conf is used
	DNSServer string

	// Timeout bounds a single DNS exchange
	Timeout time.Duration

	// PreferredService is the NAPTR service preferred when several match
	PreferredService ServiceType
}

// PublisherAddress is the network location of a participant's SMP
type PublisherAddress struct {
	// DirectoryName is the hashed name that was queried
	DirectoryName identifier.DirectoryName
	// CNAME is the final alias target, empty when the name has no alias
	CNAME string
	// Addresses are the A records found for the publisher host
	Addresses []net.IP
	// BaseURL is the publisher base URL
	BaseURL string
	// Elapsed is the time spent resolving
	Elapsed time.Duration
}

// Resolver locates SMPs through the SML. It does not cache answers.
type Resolver struct {
	config    ResolverConfig
	exchanger Exchanger
}

// NewResolver creates a resolver. A nil exchanger uses a *dns.Client.
func NewResolver(config ResolverConfig, exchanger Exchanger) *Resolver {
	if config.Mode == "" {
		config.Mode = identifier.ModeCNAME
	}
	if config.PreferredService == "" {
		config.PreferredService = ServiceTypeSMP1
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if exchanger == nil {
		exchanger = &dns.Client{Timeout: config.Timeout}
	}
	return &Resolver{config: config, exchanger: exchanger}
}

// Resolve finds the SMP for a participant in the given environment
func (r *Resolver) Resolve(ctx context.Context, pid identifier.ParticipantID, env identifier.Environment) (*PublisherAddress, error) {
	start := time.Now()

	name, err := identifier.HashForDirectory(pid, env, r.config.Zones, r.config.Mode)
	if err != nil {
		return nil, err
	}

	server, err := r.dnsServer()
	if err != nil {
		return nil, err
	}

	var addr *PublisherAddress
	switch name.Mode {
	case identifier.ModeNAPTR:
		addr, err = r.resolveNAPTR(ctx, name, server)
	default:
		addr, err = r.resolveCNAME(ctx, name, server)
	}
	if err != nil {
		return nil, err
	}
	addr.DirectoryName = name
	addr.Elapsed = time.Since(start)
	return addr, nil
}

func (r *Resolver) dnsServer() (string, error) {
	if r.config.DNSServer != "" {
		return r.config.DNSServer, nil
	}
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("failed to read DNS config: %w", err)
	}
	if len(config.Servers) == 0 {
		return "", errors.New("no DNS servers configured")
	}
	return net.JoinHostPort(config.Servers[0], config.Port), nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16, server string) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	resp, _, err := r.exchanger.ExchangeContext(ctx, msg, server)
	if err != nil {
		reason := ResolutionMalformed
		if isTimeout(err) || ctx.Err() != nil {
			reason = ResolutionTimeout
		}
		return nil, &DirectoryResolutionError{Name: name, Reason: reason, Err: err}
	}
	if resp == nil {
		return nil, &DirectoryResolutionError{Name: name, Reason: ResolutionMalformed, Detail: "empty DNS response"}
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		return resp, nil
	case dns.RcodeNameError:
		return nil, &DirectoryResolutionError{Name: name, Reason: ResolutionNotFound, Detail: "NXDOMAIN"}
	default:
		return nil, &DirectoryResolutionError{
			Name:   name,
			Reason: ResolutionMalformed,
			Detail: fmt.Sprintf("rcode=%s", dns.RcodeToString[resp.Rcode]),
		}
	}
}

// resolveCNAME queries the A record of the hashed name and follows any alias
// chain in the answer to find the publisher host.
func (r *Resolver) resolveCNAME(ctx context.Context, name identifier.DirectoryName, server string) (*PublisherAddress, error) {
	resp, err := r.exchange(ctx, name.Name, dns.TypeA, server)
	if err != nil {
		return nil, err
	}

	current := dns.Fqdn(name.Name)
	aliased := false
	// bounded by the answer size, which also breaks alias loops
	for range resp.Answer {
		next := ""
		for _, rr := range resp.Answer {
			if c, ok := rr.(*dns.CNAME); ok && strings.EqualFold(c.Hdr.Name, current) {
				next = c.Target
				break
			}
		}
		if next == "" {
			break
		}
		current = next
		aliased = true
	}

	var addrs []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok && strings.EqualFold(a.Hdr.Name, current) {
			addrs = append(addrs, a.A)
		}
	}

	if !aliased && len(addrs) == 0 {
		return nil, &DirectoryResolutionError{Name: name.Name, Reason: ResolutionNotFound, Detail: "no usable answer"}
	}

	host := strings.TrimSuffix(current, ".")
	addr := &PublisherAddress{
		Addresses: addrs,
		BaseURL:   "https://" + strings.ToLower(host),
	}
	if aliased {
		addr.CNAME = host
	}
	return addr, nil
}

func (r *Resolver) resolveNAPTR(ctx context.Context, name identifier.DirectoryName, server string) (*PublisherAddress, error) {
	resp, err := r.exchange(ctx, name.Name, dns.TypeNAPTR, server)
	if err != nil {
		return nil, err
	}

	var records []*dns.NAPTR
	for _, rr := range resp.Answer {
		if naptr, ok := rr.(*dns.NAPTR); ok {
			records = append(records, naptr)
		}
	}
	if len(records) == 0 {
		return nil, &DirectoryResolutionError{Name: name.Name, Reason: ResolutionNotFound, Detail: "no NAPTR records"}
	}

	smpURL, err := r.selectBestRecord(records)
	if err != nil {
		return nil, &DirectoryResolutionError{Name: name.Name, Reason: ResolutionMalformed, Err: err}
	}
	return &PublisherAddress{BaseURL: smpURL}, nil
}

// selectBestRecord selects the best U-NAPTR record. An exact match of the
// preferred service wins; ties are broken by order, then preference.
func (r *Resolver) selectBestRecord(records []*dns.NAPTR) (string, error) {
	var bestRecord *dns.NAPTR
	bestPriority := 0xFFFFFFF
	bestPreferred := false

	preferredService := strings.ToLower(string(r.config.PreferredService))

	for _, record := range records {
		// U-NAPTR records have flag "U"
		if strings.ToUpper(record.Flags) != "U" {
			continue
		}

		service := strings.ToLower(record.Service)
		if service != strings.ToLower(string(ServiceTypeSMP1)) && service != strings.ToLower(string(ServiceTypeSMP2)) {
			continue
		}
		preferred := service == preferredService

		priority := int(record.Order)*1000 + int(record.Preference)
		switch {
		case bestRecord == nil,
			preferred && !bestPreferred,
			preferred == bestPreferred && priority < bestPriority:
			bestRecord = record
			bestPriority = priority
			bestPreferred = preferred
		}
	}

	if bestRecord == nil {
		return "", ErrServiceNotFound
	}
	return extractURLFromRegexp(bestRecord.Regexp)
}

// extractURLFromRegexp extracts the URL from a NAPTR regexp field.
// NAPTR regexp format: "!<pattern>!<replacement>!"
func extractURLFromRegexp(regexpField string) (string, error) {
	if regexpField == "" {
		return "", ErrInvalidNAPTRRecord
	}

	// Common format: "!^.*$!https://smp.example.com/!"
	parts := strings.Split(regexpField, "!")
	if len(parts) < 3 {
		return "", fmt.Errorf("%w: invalid regexp format: %s", ErrInvalidNAPTRRecord, regexpField)
	}

	replacement := parts[2]
	if replacement == "" {
		return "", fmt.Errorf("%w: empty URL in regexp: %s", ErrInvalidNAPTRRecord, regexpField)
	}

	parsedURL, err := url.Parse(replacement)
	if err != nil {
		return "", fmt.Errorf("%w: invalid URL: %v", ErrInvalidNAPTRRecord, err)
	}
	if parsedURL.Scheme != "https" || parsedURL.Host == "" {
		return "", fmt.Errorf("%w: SMP URL must be https: %s", ErrInvalidNAPTRRecord, replacement)
	}

	return replacement, nil
}
