// Package resolve implements the MX Resolver component: it turns a
// recipient domain into an ordered list of (host, port) exchangers,
// falling back to the domain's own A/AAAA records per RFC 5321 §5.1 when no
// MX records exist, and memoizes answers in Redis under the TTL the
// authoritative server returned.
//
// Grounded on internal/target/remote/connect.go's lookupMX (MX sort +
// A-fallback shape) and framework/dns.Resolver, generalized to a
// process-shared cache since this engine runs many zone workers against the
// same upstream resolver.
package resolve

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/redis/go-redis/v9"

	"github.com/relaymta/relaymta/internal/mtaerr"
)

// Exchanger is one usable delivery target: an MX host (or, in the A-fallback
// case, the domain itself) with its relative preference.
type Exchanger struct {
	Host string
	Pref uint16
}

// Resolver performs MX/A/AAAA lookups for delivery attempts, backed by a
// Redis cache keyed by qname+qtype so every zone worker process in a fleet
// shares one set of answers.
type Resolver struct {
	client  *dns.Client
	servers []string
	cache   *redis.Client
	// MinTTL floors the cache lifetime of any answer; a server returning a
	// 0s TTL would otherwise cause every attempt to re-query.
	MinTTL time.Duration
	// NegativeTTL is used to cache a NXDOMAIN/NODATA answer when the
	// response carries no usable SOA minimum.
	NegativeTTL time.Duration
}

// New builds a Resolver that queries servers (each "host:port") directly and
// caches answers in the given Redis client. A nil cache disables caching
// (every lookup hits the wire), which is useful in tests.
func New(servers []string, cache *redis.Client) *Resolver {
	return &Resolver{
		client:      &dns.Client{Timeout: 5 * time.Second},
		servers:     servers,
		cache:       cache,
		MinTTL:      30 * time.Second,
		NegativeTTL: 5 * time.Minute,
	}
}

func cacheKey(qname string, qtype uint16) string {
	return fmt.Sprintf("dns:%s:%d", strings.ToLower(qname), qtype)
}

// LookupMX resolves domain to its ordered exchanger list. When the domain
// publishes no MX records, it falls back to treating the domain itself as
// the sole exchanger at preference 0 (RFC 5321 §5.1). A null MX record
// (Host == ".") is passed through unfiltered — callers must reject it.
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]Exchanger, error) {
	if ip, ok := parseIPLiteral(domain); ok {
		return []Exchanger{{Host: ip, Pref: 0}}, nil
	}

	fqdn := dns.Fqdn(domain)

	if cached, ok, err := r.lookupCache(ctx, fqdn, dns.TypeMX); err == nil && ok {
		return decodeExchangers(cached), nil
	}

	records, ttl, err := r.query(ctx, fqdn, dns.TypeMX)
	if err != nil {
		if isNotFound(err) {
			r.storeCache(ctx, fqdn, dns.TypeMX, nil, r.NegativeTTL)
			return []Exchanger{{Host: domain, Pref: 0}}, nil
		}
		reason, misc := classifyDNSErr(err)
		return nil, &mtaerr.SMTPError{
			Code:         451,
			EnhancedCode: [3]int{4, 4, 4},
			Message:      "MX lookup error",
			Category:     mtaerr.CategoryDNS,
			Reason:       reason,
			Temp:         true,
			Misc:         misc,
		}
	}

	exch := make([]Exchanger, 0, len(records))
	for _, rr := range records {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		exch = append(exch, Exchanger{Host: strings.TrimSuffix(mx.Mx, "."), Pref: mx.Preference})
	}

	sort.Slice(exch, func(i, j int) bool { return exch[i].Pref < exch[j].Pref })
	shuffleEqualPriority(exch)

	if len(exch) == 0 {
		// RFC 5321 §5.1: no MX present, domain itself is the exchanger.
		exch = append(exch, Exchanger{Host: domain, Pref: 0})
	}

	r.storeCache(ctx, fqdn, dns.TypeMX, exch, clampTTL(ttl, r.MinTTL))
	return exch, nil
}

// LookupHost resolves host's A/AAAA records, used once an exchanger has been
// picked and needs a connectable address.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	fqdn := dns.Fqdn(host)

	if cached, ok, err := r.lookupCache(ctx, fqdn, dns.TypeA); err == nil && ok {
		return decodeAddrs(cached), nil
	}

	var addrs []string
	var minTTL time.Duration = -1
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		records, ttl, err := r.query(ctx, fqdn, qtype)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			reason, misc := classifyDNSErr(err)
			return nil, &mtaerr.SMTPError{
				Code:         451,
				EnhancedCode: [3]int{4, 4, 4},
				Message:      "address lookup error",
				Category:     mtaerr.CategoryDNS,
				Reason:       reason,
				Temp:         true,
				Misc:         misc,
			}
		}
		for _, rr := range records {
			switch v := rr.(type) {
			case *dns.A:
				addrs = append(addrs, v.A.String())
			case *dns.AAAA:
				addrs = append(addrs, v.AAAA.String())
			}
		}
		if minTTL == -1 || clampTTL(ttl, r.MinTTL) < minTTL {
			minTTL = clampTTL(ttl, r.MinTTL)
		}
	}

	if len(addrs) == 0 {
		return nil, &mtaerr.SMTPError{
			Code:         451,
			EnhancedCode: [3]int{4, 4, 4},
			Message:      "no address records for " + host,
			Category:     mtaerr.CategoryDNS,
			Temp:         true,
		}
	}

	r.storeCache(ctx, fqdn, dns.TypeA, addrsToExchangers(addrs), minTTL)
	return addrs, nil
}

func (r *Resolver) query(ctx context.Context, fqdn string, qtype uint16) ([]dns.RR, time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(fqdn, qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode == dns.RcodeNameError || (resp.Rcode == dns.RcodeSuccess && len(resp.Answer) == 0) {
			return nil, 0, errNotFound
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dns: rcode %s", dns.RcodeToString[resp.Rcode])
			continue
		}
		var ttl uint32 = 1 << 31
		for _, rr := range resp.Answer {
			if rr.Header().Ttl < ttl {
				ttl = rr.Header().Ttl
			}
		}
		return resp.Answer, time.Duration(ttl) * time.Second, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dns: no servers configured")
	}
	return nil, 0, lastErr
}

// parseIPLiteral recognizes an RFC 5321 §4.1.3 address literal domain, e.g.
// "[192.0.2.1]" or "[ipv6:2001:db8::1]", and returns the bare address it
// names.
func parseIPLiteral(domain string) (string, bool) {
	if !strings.HasPrefix(domain, "[") || !strings.HasSuffix(domain, "]") {
		return "", false
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(domain, "["), "]")
	inner = strings.TrimPrefix(inner, "IPv6:")
	inner = strings.TrimPrefix(inner, "ipv6:")
	if net.ParseIP(inner) == nil {
		return "", false
	}
	return inner, true
}

// shuffleEqualPriority randomizes the order of exchangers sharing the same
// MX preference in place, leaving the ascending-by-preference grouping
// sort.Slice already established untouched.
func shuffleEqualPriority(exch []Exchanger) {
	for i := 0; i < len(exch); {
		j := i + 1
		for j < len(exch) && exch[j].Pref == exch[i].Pref {
			j++
		}
		group := exch[i:j]
		rand.Shuffle(len(group), func(a, b int) { group[a], group[b] = group[b], group[a] })
		i = j
	}
}

var errNotFound = fmt.Errorf("dns: name or data not found")

func isNotFound(err error) bool { return err == errNotFound }

func classifyDNSErr(err error) (string, map[string]interface{}) {
	return err.Error(), map[string]interface{}{"dns_err": err.Error()}
}

func clampTTL(ttl, min time.Duration) time.Duration {
	if ttl < min {
		return min
	}
	return ttl
}
