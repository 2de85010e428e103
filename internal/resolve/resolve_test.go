package resolve

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestCacheRoundTrip(t *testing.T) {
	r := New(nil, newTestCache(t))
	exch := []Exchanger{{Host: "mx1.example.com", Pref: 10}, {Host: "mx2.example.com", Pref: 20}}

	r.storeCache(context.Background(), "example.com.", 15, exch, time.Minute)

	entry, ok, err := r.lookupCache(context.Background(), "example.com.", 15)
	if err != nil {
		t.Fatalf("lookupCache: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if len(entry.Exchangers) != 2 || entry.Exchangers[0].Host != "mx1.example.com" {
		t.Fatalf("unexpected cached exchangers: %+v", entry.Exchangers)
	}
}

func TestClampTTL(t *testing.T) {
	if got := clampTTL(5*time.Second, 30*time.Second); got != 30*time.Second {
		t.Fatalf("expected floor of 30s, got %v", got)
	}
	if got := clampTTL(time.Hour, 30*time.Second); got != time.Hour {
		t.Fatalf("expected ttl unchanged, got %v", got)
	}
}

func TestLookupMXNoServersFallsBackToDomainItself(t *testing.T) {
	r := New(nil, nil)
	exch, err := r.LookupMX(context.Background(), "example.com")
	if err == nil {
		t.Fatalf("expected lookup error with no configured servers, got exchangers %+v", exch)
	}
}

func TestLookupMXIPLiteralEmitsSyntheticExchanger(t *testing.T) {
	r := New(nil, nil)

	exch, err := r.LookupMX(context.Background(), "[192.0.2.1]")
	if err != nil {
		t.Fatalf("LookupMX: %v", err)
	}
	if len(exch) != 1 || exch[0].Host != "192.0.2.1" || exch[0].Pref != 0 {
		t.Fatalf("unexpected exchangers for IP literal: %+v", exch)
	}

	exch, err = r.LookupMX(context.Background(), "[ipv6:2001:db8::1]")
	if err != nil {
		t.Fatalf("LookupMX: %v", err)
	}
	if len(exch) != 1 || exch[0].Host != "2001:db8::1" || exch[0].Pref != 0 {
		t.Fatalf("unexpected exchangers for IPv6 literal: %+v", exch)
	}
}

func TestParseIPLiteralRejectsPlainDomain(t *testing.T) {
	if _, ok := parseIPLiteral("example.com"); ok {
		t.Fatalf("plain domain must not parse as an IP literal")
	}
}

func TestShuffleEqualPriorityPreservesGroupingAndMembers(t *testing.T) {
	exch := []Exchanger{
		{Host: "a", Pref: 10}, {Host: "b", Pref: 10}, {Host: "c", Pref: 10},
		{Host: "d", Pref: 20},
	}
	shuffleEqualPriority(exch)

	if exch[3].Host != "d" {
		t.Fatalf("exchanger at a distinct priority must not move: %+v", exch)
	}
	seen := map[string]bool{}
	for _, e := range exch[:3] {
		if e.Pref != 10 {
			t.Fatalf("shuffle must not cross priority groups: %+v", exch)
		}
		seen[e.Host] = true
	}
	if len(seen) != 3 {
		t.Fatalf("shuffle must preserve every member of the group, got %+v", exch[:3])
	}
}

func TestLookupCacheTreatsExpiredDeadlineAsMiss(t *testing.T) {
	r := New(nil, newTestCache(t))
	r.storeCache(context.Background(), "example.com.", 15, []Exchanger{{Host: "mx1.example.com", Pref: 10}}, time.Minute)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, ok, err := r.lookupCache(ctx, "example.com.", 15)
	if err != nil {
		t.Fatalf("expired deadline must be treated as a miss, not an error: %v", err)
	}
	if ok {
		t.Fatalf("expired deadline must be treated as a cache miss")
	}
}
