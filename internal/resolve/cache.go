package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheLookupDeadline bounds how long a single cache lookup may block: a
// down or saturated Redis must not stall a delivery attempt for the full
// ctx lifetime, so a lookup running past this deadline is treated the same
// as a cache miss and the real resolver is queried instead.
const cacheLookupDeadline = 500 * time.Millisecond

// cacheEntry is the JSON document stored per (qname, qtype) pair. Exchangers
// covers MX answers; Addrs covers A/AAAA answers; exactly one is populated.
type cacheEntry struct {
	Exchangers []Exchanger `json:"mx,omitempty"`
	Addrs      []string    `json:"addrs,omitempty"`
}

func (r *Resolver) lookupCache(ctx context.Context, fqdn string, qtype uint16) (cacheEntry, bool, error) {
	if r.cache == nil {
		return cacheEntry{}, false, nil
	}

	cacheCtx, cancel := context.WithTimeout(ctx, cacheLookupDeadline)
	defer cancel()

	raw, err := r.cache.Get(cacheCtx, cacheKey(fqdn, qtype)).Bytes()
	if err == redis.Nil {
		return cacheEntry{}, false, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cacheEntry{}, false, nil
	}
	if err != nil {
		return cacheEntry{}, false, err
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return cacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (r *Resolver) storeCache(ctx context.Context, fqdn string, qtype uint16, exch []Exchanger, ttl time.Duration) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(cacheEntry{Exchangers: exch})
	if err != nil {
		return
	}
	r.cache.Set(ctx, cacheKey(fqdn, qtype), raw, ttl)
}

func decodeExchangers(entry cacheEntry) []Exchanger { return entry.Exchangers }

func decodeAddrs(entry cacheEntry) []string {
	addrs := make([]string, 0, len(entry.Exchangers))
	for _, e := range entry.Exchangers {
		addrs = append(addrs, e.Host)
	}
	return addrs
}

func addrsToExchangers(addrs []string) []Exchanger {
	exch := make([]Exchanger, 0, len(addrs))
	for _, a := range addrs {
		exch = append(exch, Exchanger{Host: a})
	}
	return exch
}
