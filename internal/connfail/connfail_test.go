package connfail

import (
	"context"
	"net"
	"testing"
)

type fakeBroker struct {
	store map[string]string
}

func newFakeBroker() *fakeBroker { return &fakeBroker{store: map[string]string{}} }

func (f *fakeBroker) GetCache(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.store[key]
	return v, ok, nil
}

func (f *fakeBroker) SetCache(ctx context.Context, key, value string, ttlSeconds int64) error {
	f.store[key] = value
	return nil
}

func (f *fakeBroker) ClearCache(ctx context.Context, key string) error {
	delete(f.store, key)
	return nil
}

func TestKeyFormat(t *testing.T) {
	got := Key("zone1", "example.com", "mx1.example.com", "", 25)
	want := "zone1:example.com:mx1.example.com:25"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestKeyFallsBackToDomainAsExchange(t *testing.T) {
	got := Key("zone1", "example.com", "", "", 0)
	want := "zone1:example.com:example.com"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRecordFailureThenCheck(t *testing.T) {
	broker := newFakeBroker()
	c := New(broker, "zone1")
	ctx := context.Background()

	failed, _, err := c.Check(ctx, "example.com", "mx1.example.com", "", 25)
	if err != nil || failed {
		t.Fatalf("expected no cached failure initially, got failed=%v err=%v", failed, err)
	}

	if err := c.RecordFailure(ctx, "example.com", "mx1.example.com", "", 25, &net.OpError{Err: errTimeout{}}); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	failed, reason, err := c.Check(ctx, "example.com", "mx1.example.com", "", 25)
	if err != nil || !failed || reason == "" {
		t.Fatalf("expected cached failure, got failed=%v reason=%q err=%v", failed, reason, err)
	}
}

func TestClearSuccessRemovesEntry(t *testing.T) {
	broker := newFakeBroker()
	c := New(broker, "zone1")
	ctx := context.Background()

	if err := c.RecordFailure(ctx, "example.com", "", "", 0, nil); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := c.ClearSuccess(ctx, "example.com", "", "", 0); err != nil {
		t.Fatalf("ClearSuccess: %v", err)
	}
	failed, _, err := c.Check(ctx, "example.com", "", "", 0)
	if err != nil || failed {
		t.Fatalf("expected cache cleared, got failed=%v err=%v", failed, err)
	}
}

type errTimeout struct{}

func (errTimeout) Error() string   { return "i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

func TestIsTimeoutDetectsWrappedTimeout(t *testing.T) {
	if !IsTimeout(&net.OpError{Err: errTimeout{}}) {
		t.Fatalf("expected *net.OpError wrapping a Timeout()=true error to be detected")
	}
	if IsTimeout(errPlain("connection refused")) {
		t.Fatalf("plain error must not be treated as a timeout")
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
