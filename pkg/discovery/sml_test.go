package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/sirosfoundation/go-peppol/pkg/identifier"
)

// fakeExchanger answers DNS queries from a handler instead of the network
type fakeExchanger struct {
	handler func(req *dns.Msg) (*dns.Msg, error)
	queries []dns.Question
}

func (f *fakeExchanger) ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
	f.queries = append(f.queries, m.Question[0])
	resp, err := f.handler(m)
	return resp, time.Millisecond, err
}

func reply(req *dns.Msg, rcode int, answers ...dns.RR) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, rcode)
	resp.Answer = answers
	return resp
}

func hdr(name string, rrtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: dns.Fqdn(name), Rrtype: rrtype, Class: dns.ClassINET, Ttl: 60}
}

func testParticipant(t *testing.T, value string) identifier.ParticipantID {
	t.Helper()
	id, err := identifier.NewCodec(identifier.DefaultSchemes()).New(identifier.KindParticipant, identifier.SchemeParticipantISO6523, value)
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	return id
}

func newTestResolver(mode identifier.HashMode, ex Exchanger) *Resolver {
	return NewResolver(ResolverConfig{
		Zones:     identifier.DefaultZones(),
		Mode:      mode,
		DNSServer: "127.0.0.1:53",
		Timeout:   time.Second,
	}, ex)
}

const testVectorName = "B-8d445c8aa1f398f6f5f4a147fe63f120.iso6523-actorid-upis.acc.edelivery.tech.ec.europa.eu"

func TestResolveCNAME(t *testing.T) {
	ex := &fakeExchanger{handler: func(req *dns.Msg) (*dns.Msg, error) {
		return reply(req, dns.RcodeSuccess,
			&dns.CNAME{Hdr: hdr(testVectorName, dns.TypeCNAME), Target: "smp.example.com."},
			&dns.A{Hdr: hdr("smp.example.com", dns.TypeA), A: net.ParseIP("192.0.2.10")},
		), nil
	}}

	addr, err := newTestResolver(identifier.ModeCNAME, ex).Resolve(context.Background(), testParticipant(t, "0088:1234567890"), identifier.EnvTest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ex.queries) != 1 {
		t.Fatalf("queries = %d, want 1", len(ex.queries))
	}
	if ex.queries[0].Name != dns.Fqdn(testVectorName) || ex.queries[0].Qtype != dns.TypeA {
		t.Errorf("query = %v, want A %s", ex.queries[0], testVectorName)
	}
	if addr.BaseURL != "https://smp.example.com" {
		t.Errorf("BaseURL = %s", addr.BaseURL)
	}
	if addr.CNAME != "smp.example.com" {
		t.Errorf("CNAME = %s", addr.CNAME)
	}
	if len(addr.Addresses) != 1 || !addr.Addresses[0].Equal(net.ParseIP("192.0.2.10")) {
		t.Errorf("Addresses = %v", addr.Addresses)
	}
	if addr.DirectoryName.Name != testVectorName {
		t.Errorf("DirectoryName = %s", addr.DirectoryName.Name)
	}
}

func TestResolveCNAMEChainAndDirectA(t *testing.T) {
	t.Run("chain", func(t *testing.T) {
		ex := &fakeExchanger{handler: func(req *dns.Msg) (*dns.Msg, error) {
			return reply(req, dns.RcodeSuccess,
				&dns.CNAME{Hdr: hdr("b.example.net", dns.TypeCNAME), Target: "final.example.org."},
				&dns.CNAME{Hdr: hdr(testVectorName, dns.TypeCNAME), Target: "b.example.net."},
			), nil
		}}
		addr, err := newTestResolver(identifier.ModeCNAME, ex).Resolve(context.Background(), testParticipant(t, "0088:1234567890"), identifier.EnvTest)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if addr.BaseURL != "https://final.example.org" {
			t.Errorf("BaseURL = %s", addr.BaseURL)
		}
	})

	t.Run("alias loop terminates", func(t *testing.T) {
		ex := &fakeExchanger{handler: func(req *dns.Msg) (*dns.Msg, error) {
			return reply(req, dns.RcodeSuccess,
				&dns.CNAME{Hdr: hdr(testVectorName, dns.TypeCNAME), Target: "loop.example.net."},
				&dns.CNAME{Hdr: hdr("loop.example.net", dns.TypeCNAME), Target: dns.Fqdn(testVectorName)},
			), nil
		}}
		if _, err := newTestResolver(identifier.ModeCNAME, ex).Resolve(context.Background(), testParticipant(t, "0088:1234567890"), identifier.EnvTest); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("A record without alias", func(t *testing.T) {
		ex := &fakeExchanger{handler: func(req *dns.Msg) (*dns.Msg, error) {
			return reply(req, dns.RcodeSuccess,
				&dns.A{Hdr: hdr(testVectorName, dns.TypeA), A: net.ParseIP("192.0.2.20")},
			), nil
		}}
		addr, err := newTestResolver(identifier.ModeCNAME, ex).Resolve(context.Background(), testParticipant(t, "0088:1234567890"), identifier.EnvTest)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if addr.BaseURL != "https://"+strings.ToLower(testVectorName) {
			t.Errorf("BaseURL = %s", addr.BaseURL)
		}
		if addr.CNAME != "" {
			t.Errorf("CNAME = %s, want empty", addr.CNAME)
		}
	})
}

func TestResolveFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler func(req *dns.Msg) (*dns.Msg, error)
		want    ResolutionReason
	}{
		{
			name:    "nxdomain",
			handler: func(req *dns.Msg) (*dns.Msg, error) { return reply(req, dns.RcodeNameError), nil },
			want:    ResolutionNotFound,
		},
		{
			name:    "nodata",
			handler: func(req *dns.Msg) (*dns.Msg, error) { return reply(req, dns.RcodeSuccess), nil },
			want:    ResolutionNotFound,
		},
		{
			name:    "servfail",
			handler: func(req *dns.Msg) (*dns.Msg, error) { return reply(req, dns.RcodeServerFailure), nil },
			want:    ResolutionMalformed,
		},
		{
			name:    "refused",
			handler: func(req *dns.Msg) (*dns.Msg, error) { return reply(req, dns.RcodeRefused), nil },
			want:    ResolutionMalformed,
		},
		{
			name: "network timeout",
			handler: func(req *dns.Msg) (*dns.Msg, error) {
				return nil, &net.DNSError{Err: "i/o timeout", IsTimeout: true}
			},
			want: ResolutionTimeout,
		},
		{
			name:    "deadline",
			handler: func(req *dns.Msg) (*dns.Msg, error) { return nil, context.DeadlineExceeded },
			want:    ResolutionTimeout,
		},
		{
			name:    "nil response",
			handler: func(req *dns.Msg) (*dns.Msg, error) { return nil, nil },
			want:    ResolutionMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExchanger{handler: tt.handler}
			_, err := newTestResolver(identifier.ModeCNAME, ex).Resolve(context.Background(), testParticipant(t, "0088:1234567890"), identifier.EnvTest)
			var dre *DirectoryResolutionError
			if !errors.As(err, &dre) {
				t.Fatalf("expected DirectoryResolutionError, got %v", err)
			}
			if dre.Reason != tt.want {
				t.Errorf("Reason = %s, want %s", dre.Reason, tt.want)
			}
			if IsNotRegistered(err) != (tt.want == ResolutionNotFound) {
				t.Errorf("IsNotRegistered mismatch for %s", tt.want)
			}
		})
	}
}

func TestResolveNAPTR(t *testing.T) {
	const naptrName = "RJUAFVEKBQJSVT3HDHLN34S4BVVM5GBFTPD5TDI5BTBTKXKBNTNA.iso6523-actorid-upis.acc.edelivery.tech.ec.europa.eu"

	ex := &fakeExchanger{handler: func(req *dns.Msg) (*dns.Msg, error) {
		return reply(req, dns.RcodeSuccess,
			&dns.NAPTR{Hdr: hdr(naptrName, dns.TypeNAPTR), Order: 100, Preference: 10, Flags: "U", Service: "Meta:SMP", Regexp: "!^.*$!https://smp.example.com/!"},
		), nil
	}}

	addr, err := newTestResolver(identifier.ModeNAPTR, ex).Resolve(context.Background(), testParticipant(t, "0088:1234567890"), identifier.EnvTest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.queries[0].Qtype != dns.TypeNAPTR || ex.queries[0].Name != dns.Fqdn(naptrName) {
		t.Errorf("query = %v", ex.queries[0])
	}
	if addr.BaseURL != "https://smp.example.com/" {
		t.Errorf("BaseURL = %s", addr.BaseURL)
	}
}

func TestResolveNAPTRFailures(t *testing.T) {
	for name, records := range map[string][]dns.RR{
		"no naptr": {},
		"plain http": {
			&dns.NAPTR{Hdr: hdr("x", dns.TypeNAPTR), Flags: "U", Service: "Meta:SMP", Regexp: "!^.*$!http://smp.example.com/!"},
		},
		"no U flag": {
			&dns.NAPTR{Hdr: hdr("x", dns.TypeNAPTR), Flags: "S", Service: "Meta:SMP", Regexp: "!^.*$!https://smp.example.com/!"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			ex := &fakeExchanger{handler: func(req *dns.Msg) (*dns.Msg, error) {
				return reply(req, dns.RcodeSuccess, records...), nil
			}}
			_, err := newTestResolver(identifier.ModeNAPTR, ex).Resolve(context.Background(), testParticipant(t, "0088:1"), identifier.EnvProduction)
			var dre *DirectoryResolutionError
			if !errors.As(err, &dre) {
				t.Fatalf("expected DirectoryResolutionError, got %v", err)
			}
		})
	}
}

func TestSelectBestRecord(t *testing.T) {
	r := NewResolver(ResolverConfig{PreferredService: ServiceTypeSMP2}, &fakeExchanger{})

	records := []*dns.NAPTR{
		{Order: 10, Preference: 10, Flags: "U", Service: "Meta:SMP", Regexp: "!^.*$!https://smp1.example.com/!"},
		{Order: 20, Preference: 10, Flags: "U", Service: "oasis-bdxr-smp-2", Regexp: "!^.*$!https://smp2.example.com/!"},
		{Order: 30, Preference: 5, Flags: "U", Service: "oasis-bdxr-smp-2", Regexp: "!^.*$!https://smp2-late.example.com/!"},
		{Order: 1, Preference: 1, Flags: "U", Service: "other", Regexp: "!^.*$!https://other.example.com/!"},
	}
	got, err := r.selectBestRecord(records)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://smp2.example.com/" {
		t.Errorf("selectBestRecord() = %s, want preferred service with lowest order", got)
	}

	r = NewResolver(ResolverConfig{}, &fakeExchanger{})
	got, err = r.selectBestRecord(records)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://smp1.example.com/" {
		t.Errorf("selectBestRecord() = %s, want Meta:SMP by default", got)
	}

	if _, err := r.selectBestRecord(records[3:]); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestExtractURLFromRegexp(t *testing.T) {
	tests := []struct {
		name    string
		regexp  string
		want    string
		wantErr bool
	}{
		{name: "standard", regexp: "!^.*$!https://smp.example.com/!", want: "https://smp.example.com/"},
		{name: "with path", regexp: "!.*!https://smp.example.com/smp/!", want: "https://smp.example.com/smp/"},
		{name: "empty", regexp: "", wantErr: true},
		{name: "no delimiters", regexp: "https://smp.example.com/", wantErr: true},
		{name: "empty replacement", regexp: "!.*!!", wantErr: true},
		{name: "http", regexp: "!.*!http://smp.example.com/!", wantErr: true},
		{name: "ftp", regexp: "!.*!ftp://smp.example.com/!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractURLFromRegexp(tt.regexp)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if got != tt.want {
				t.Errorf("extractURLFromRegexp() = %s, want %s", got, tt.want)
			}
		})
	}
}
