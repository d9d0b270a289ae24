// Package resolver implements the DNS Resolver component (spec §4.2): a
// caching, coalescing wrapper around real wire-format DNS queries, used
// by the Delivery Router's MX lookups, the DMARC Evaluator's record
// lookups, the Verification Service's MX/SPF/DKIM/DMARC checks, and the
// SMTP Receiver's DNSBL gate. The DKIM Engine does its own lookups.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Status classifies a completed lookup the way the Verification Service
// and DNSBL gate need to distinguish "no such record" from "couldn't ask".
type Status int

const (
	StatusOK Status = iota
	StatusNXDomain
	StatusServFail
	StatusTimeout
	StatusTransportError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNXDomain:
		return "nxdomain"
	case StatusServFail:
		return "servfail"
	case StatusTimeout:
		return "timeout"
	default:
		return "transport_error"
	}
}

// Result is the outcome of a single Resolve call.
type Result struct {
	Records []string
	Status  Status
	Cached  bool
}

const negativeTTL = 60 * time.Second
const defaultCacheSize = 4096

// Resolver performs real DNS lookups via miekg/dns, with an in-memory
// LRU+TTL cache and singleflight-coalesced in-flight queries so a burst
// of RCPT TOs for the same domain costs one wire-format query, not N.
type Resolver struct {
	client  *dns.Client
	servers []string
	cache   *lruCache
	group   singleflight.Group
	logger  *zap.Logger
}

// New creates a Resolver querying the given "host:port" servers in order,
// falling back to the system resolver config if none are given.
func New(servers []string, timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if len(servers) == 0 {
		if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
			for _, s := range cfg.Servers {
				servers = append(servers, net.JoinHostPort(s, cfg.Port))
			}
		} else {
			servers = []string{"1.1.1.1:53"}
		}
	}

	return &Resolver{
		client:  &dns.Client{Timeout: timeout},
		servers: servers,
		cache:   newLRUCache(defaultCacheSize),
		logger:  logger,
	}
}

// LookupMX returns "preference host" pairs, sorted by the server.
func (r *Resolver) LookupMX(ctx context.Context, name string) (*Result, error) {
	return r.resolve(ctx, name, dns.TypeMX)
}

// LookupTXT returns every TXT record's joined string value.
func (r *Resolver) LookupTXT(ctx context.Context, name string) (*Result, error) {
	return r.resolve(ctx, name, dns.TypeTXT)
}

// LookupA returns IPv4 addresses.
func (r *Resolver) LookupA(ctx context.Context, name string) (*Result, error) {
	return r.resolve(ctx, name, dns.TypeA)
}

// LookupAAAA returns IPv6 addresses.
func (r *Resolver) LookupAAAA(ctx context.Context, name string) (*Result, error) {
	return r.resolve(ctx, name, dns.TypeAAAA)
}

// LookupPTR returns reverse-DNS hostnames for an IP address.
func (r *Resolver) LookupPTR(ctx context.Context, ip net.IP) (*Result, error) {
	revName, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, fmt.Errorf("reverse address %s: %w", ip, err)
	}
	return r.resolve(ctx, strings.TrimSuffix(revName, "."), dns.TypePTR)
}

func (r *Resolver) resolve(ctx context.Context, name string, qtype uint16) (*Result, error) {
	key := fmt.Sprintf("%d:%s", qtype, strings.ToLower(name))

	if entry, ok := r.cache.get(key); ok {
		if entry.negative {
			return &Result{Status: StatusNXDomain, Cached: true}, nil
		}
		return &Result{Records: entry.records, Status: StatusOK, Cached: true}, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.query(ctx, name, qtype)
	})
	if err != nil {
		return nil, err
	}
	result := v.(*Result)
	if result.Status != StatusOK && result.Status != StatusNXDomain {
		// Timeouts and transport failures are not cached, so a later
		// lookup asks again instead of reading them back as NXDOMAIN.
		return result, nil
	}

	ttl := negativeTTL
	if result.Status == StatusOK {
		ttl = 5 * time.Minute
	}
	r.cache.set(&cacheEntry{
		key:       key,
		records:   result.Records,
		negative:  result.Status != StatusOK,
		expiresAt: time.Now().Add(ttl),
	})

	return result, nil
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) (*Result, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.SetEdns0(4096, false)

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			if ctx.Err() != nil {
				return &Result{Status: StatusTimeout}, nil
			}
			lastErr = err
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return &Result{Records: extractRecords(resp, qtype), Status: StatusOK}, nil
		case dns.RcodeNameError:
			return &Result{Status: StatusNXDomain}, nil
		case dns.RcodeServerFailure:
			lastErr = fmt.Errorf("SERVFAIL from %s", server)
			continue
		default:
			lastErr = fmt.Errorf("rcode %s from %s", dns.RcodeToString[resp.Rcode], server)
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no DNS servers configured")
	}
	r.logger.Debug("dns query failed", zap.String("name", name), zap.Uint16("qtype", qtype), zap.Error(lastErr))
	return &Result{Status: StatusTransportError}, nil
}

func extractRecords(resp *dns.Msg, qtype uint16) []string {
	records := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		switch qtype {
		case dns.TypeMX:
			if mx, ok := rr.(*dns.MX); ok {
				records = append(records, fmt.Sprintf("%d %s", mx.Preference, strings.TrimSuffix(mx.Mx, ".")))
			}
		case dns.TypeTXT:
			if txt, ok := rr.(*dns.TXT); ok {
				records = append(records, strings.Join(txt.Txt, ""))
			}
		case dns.TypeA:
			if a, ok := rr.(*dns.A); ok {
				records = append(records, a.A.String())
			}
		case dns.TypeAAAA:
			if aaaa, ok := rr.(*dns.AAAA); ok {
				records = append(records, aaaa.AAAA.String())
			}
		case dns.TypePTR:
			if ptr, ok := rr.(*dns.PTR); ok {
				records = append(records, strings.TrimSuffix(ptr.Ptr, "."))
			}
		}
	}
	return records
}
