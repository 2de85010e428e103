// Package connfail implements the Connect-Failure Cache (§4.5): a
// short-TTL memoization of "this exchanger is not currently reachable" so
// a Zone Worker doesn't retry a TCP connect that is virtually certain to
// time out again within the next few minutes.
//
// Unlike the MX Resolver and MTA-STS Handler caches (internal/resolve,
// internal/sts), which talk to Redis directly because they are purely
// engine-local optimizations, the connect-failure cache is specified to
// live in the broker's key-value store so it is shared process-wide
// (§5) — this package only ever issues GETCACHE/SETCACHE/CLEARCACHE
// through internal/brokerclient.
package connfail

import (
	"context"
	"fmt"
	"time"
)

// Broker is the subset of *brokerclient.Client this package needs.
type Broker interface {
	GetCache(ctx context.Context, key string) (value string, ok bool, err error)
	SetCache(ctx context.Context, key, value string, ttlSeconds int64) error
	ClearCache(ctx context.Context, key string) error
}

const (
	timeoutTTL = 15 * time.Minute
	defaultTTL = 2 * time.Minute
)

// Cache wraps a Broker with the cacheKey construction and lifetime rules
// of §4.5.
type Cache struct {
	broker Broker
	zone   string
}

func New(broker Broker, zone string) *Cache {
	return &Cache{broker: broker, zone: zone}
}

// Key builds `<zone>:<cacheKey>` where
// `cacheKey = domain:<exchange|domain>[:<user>][:<port>]`, per §4.5.
// exchange may be empty, in which case domain is repeated (the
// domain-itself-as-exchange fallback case from the MX Resolver).
func Key(zone, domain, exchange, user string, port int) string {
	exch := exchange
	if exch == "" {
		exch = domain
	}
	key := fmt.Sprintf("%s:%s", domain, exch)
	if user != "" {
		key += ":" + user
	}
	if port != 0 {
		key += fmt.Sprintf(":%d", port)
	}
	return zone + ":" + key
}

// IsTimeout reports whether err is (or wraps) a connect timeout, which
// earns the longer 15-minute TTL instead of the default 2 minutes.
func IsTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}

// Check looks up a cached failure for (domain, exchange, user, port). A
// true result means GET should short-circuit with a synthetic deferrable
// error and no connect attempt should be made.
func (c *Cache) Check(ctx context.Context, domain, exchange, user string, port int) (failed bool, reason string, err error) {
	value, ok, err := c.broker.GetCache(ctx, Key(c.zone, domain, exchange, user, port))
	if err != nil {
		return false, "", err
	}
	return ok, value, nil
}

// RecordFailure caches a connect failure, choosing the TTL per §4.5's
// ETIMEDOUT-vs-other split.
func (c *Cache) RecordFailure(ctx context.Context, domain, exchange, user string, port int, connErr error) error {
	ttl := defaultTTL
	if IsTimeout(connErr) {
		ttl = timeoutTTL
	}
	reason := "connect failed"
	if connErr != nil {
		reason = connErr.Error()
	}
	return c.broker.SetCache(ctx, Key(c.zone, domain, exchange, user, port), reason, int64(ttl.Seconds()))
}

// ClearSuccess removes any cached failure for (domain, exchange, user,
// port) on the first successful connect.
func (c *Cache) ClearSuccess(ctx context.Context, domain, exchange, user string, port int) error {
	return c.broker.ClearCache(ctx, Key(c.zone, domain, exchange, user, port))
}
