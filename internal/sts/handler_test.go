package sts

import (
	"context"
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/foxcpp/go-mtasts"
)

// fakeResolver is used where a test wants no TXT answer at all; tests that
// care about record content use mockdns.Resolver instead, the same DNS
// test double the teacher's dmarc/remote tests build their zones with.
type fakeResolver struct{ txt []string }

func (f fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return f.txt, nil
}

func TestHandlerCachesFetchFailureWhenNoTXTRecord(t *testing.T) {
	h := NewRAMHandler(fakeResolver{})
	if _, err := h.Policy(context.Background(), "example.com"); err == nil {
		t.Fatalf("expected failure with no _mta-sts TXT record")
	}
}

func TestHandlerFailsOnMultipleTXTRecords(t *testing.T) {
	resolver := mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"_mta-sts.example.com.": {
			TXT: []string{"v=STSv1; id=20220101000000Z", "v=STSv1; id=20220101000001Z"},
		},
	}}
	h := NewRAMHandler(resolver)
	if _, err := h.Policy(context.Background(), "example.com"); err == nil {
		t.Fatalf("expected failure with ambiguous TXT records")
	}
}

func TestCheckMXEnforceMismatch(t *testing.T) {
	h := NewRAMHandler(fakeResolver{})
	policy := &mtasts.Policy{Mode: mtasts.ModeEnforce, MX: []string{"mail.example.com"}}

	if err := h.CheckMX(policy, "mail.example.com"); err != nil {
		t.Fatalf("expected match to pass, got %v", err)
	}

	err := h.CheckMX(policy, "backup.other.com")
	if err == nil {
		t.Fatalf("expected mismatch to be rejected under enforce")
	}
}

func TestCheckMXTestingModeAllowsMismatch(t *testing.T) {
	h := NewRAMHandler(fakeResolver{})
	policy := &mtasts.Policy{Mode: mtasts.ModeTesting, MX: []string{"mail.example.com"}}
	if err := h.CheckMX(policy, "backup.other.com"); err != nil {
		t.Fatalf("testing mode should not block mismatches, got %v", err)
	}
}

func TestRequiresEncryption(t *testing.T) {
	h := NewRAMHandler(fakeResolver{})
	if h.RequiresEncryption(&mtasts.Policy{Mode: mtasts.ModeTesting}) {
		t.Fatalf("testing mode must not require encryption")
	}
	if !h.RequiresEncryption(&mtasts.Policy{Mode: mtasts.ModeEnforce}) {
		t.Fatalf("enforce mode must require encryption")
	}
}

func TestCheckMXNilPolicyNeverBlocks(t *testing.T) {
	h := NewRAMHandler(fakeResolver{})
	if err := h.CheckMX(nil, "mail.example.com"); err != nil {
		t.Fatalf("nil policy must never block delivery, got %v", err)
	}
}
