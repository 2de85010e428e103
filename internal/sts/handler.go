// Package sts implements the MTA-STS Handler (§4.11): the fetch/verify/
// cache/enforce workflow around a domain's published MTA-STS policy.
//
// Grounded on the teacher's mx_auth.mtasts module
// (internal/target/remote/security.go in the example pack), which wraps
// github.com/foxcpp/go-mtasts's Cache/Policy types exactly the way this
// package does: an FS-backed cache for long-lived processes, a RAM-backed
// one for tests, and a thin CheckMX/RequiresEncryption layer translating
// policy verdicts into delivery decisions.
package sts

import (
	"context"
	"fmt"
	"os"

	"github.com/foxcpp/go-mtasts"

	"github.com/relaymta/relaymta/internal/mtaerr"
)

// Handler implements the fetch/verify/cache/enforce workflow of §4.11 on
// top of go-mtasts's own Cache, which already owns the DNS-id comparison,
// HTTPS policy fetch, and refresh-on-expiry logic.
type Handler struct {
	cache *mtasts.Cache
}

// NewHandler builds a Handler backed by an on-disk policy cache rooted at
// dir, the "fs" cache mode the teacher's Init() offers. dnsResolver
// supplies the _mta-sts TXT lookup the cache uses to detect policy
// changes. dir is created if it doesn't already exist.
func NewHandler(dir string, dnsResolver mtasts.Resolver) *Handler {
	os.MkdirAll(dir, 0o755)
	cache := mtasts.NewFSCache(dir)
	cache.Resolver = dnsResolver
	return &Handler{cache: cache}
}

// NewRAMHandler builds a Handler backed by an in-memory cache, the "ram"
// cache mode the teacher's Init() offers and the shape this engine's own
// tests use in place of a real storeDir.
func NewRAMHandler(dnsResolver mtasts.Resolver) *Handler {
	cache := mtasts.NewRAMCache()
	cache.Resolver = dnsResolver
	return &Handler{cache: cache}
}

// Refresh re-fetches every cached policy nearing expiry, the periodic job
// the teacher's updater() goroutine drives every 12 hours.
func (h *Handler) Refresh() error {
	return h.cache.Refresh()
}

// Policy returns the cached or freshly fetched-and-verified policy for
// domain, or (nil, nil) when the domain has no usable MTA-STS policy.
func (h *Handler) Policy(ctx context.Context, domain string) (*mtasts.Policy, error) {
	policy, err := h.cache.Get(ctx, domain)
	if err != nil {
		if mtasts.IsNoPolicy(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sts: %s: %w", domain, err)
	}
	return policy, nil
}

// CheckMX enforces §4.11 point 3/4: the chosen exchanger must match one of
// the policy's mx patterns. Under ModeEnforce a mismatch is a permanent,
// category=policy failure; under ModeTesting it is recorded but does not
// block the connection; ModeNone never enforces.
func (h *Handler) CheckMX(policy *mtasts.Policy, mxHost string) error {
	if policy == nil || policy.Mode == mtasts.ModeNone {
		return nil
	}
	if policy.Match(mxHost) {
		return nil
	}
	if policy.Mode == mtasts.ModeTesting {
		return nil
	}
	return &mtaerr.SMTPError{
		Code:     550,
		Category: mtaerr.CategoryPolicy,
		Temp:     false,
		Message:  fmt.Sprintf("MX %s does not match MTA-STS policy", mxHost),
	}
}

// RequiresEncryption reports whether policy forbids the SMTP Client's
// plaintext-fallback / TLS-downgrade paths.
func (h *Handler) RequiresEncryption(policy *mtasts.Policy) bool {
	return policy != nil && policy.Mode == mtasts.ModeEnforce
}
