package connpool

import (
	"testing"
	"time"
)

type fakeConn struct {
	usable bool
	closed bool
}

func (f *fakeConn) Usable() bool { return f.usable && !f.closed }
func (f *fakeConn) Close() error { f.closed = true; return nil }

func TestPutThenGetReusesConnection(t *testing.T) {
	p := New(Config{ReuseCount: 100, IdleTimeout: time.Hour})
	defer p.Close()

	key := Key{SourceIP: "198.51.100.10", MXHost: "mx1.example.com", Port: 25}
	c := &fakeConn{usable: true}
	p.Put(key, c, 1, true)

	got, usage, ok := p.Get(key)
	if !ok {
		t.Fatalf("expected a pooled connection")
	}
	if got != Conn(c) || usage != 1 {
		t.Fatalf("unexpected pooled entry: usage=%d", usage)
	}
	if c.closed {
		t.Fatalf("reused connection should not be closed")
	}
}

func TestPutDoesNotPoolFailedDelivery(t *testing.T) {
	p := New(Config{ReuseCount: 100, IdleTimeout: time.Hour})
	defer p.Close()

	key := Key{SourceIP: "198.51.100.10", MXHost: "mx1.example.com", Port: 25}
	c := &fakeConn{usable: true}
	p.Put(key, c, 1, false)

	if !c.closed {
		t.Fatalf("connection from a failed delivery must be closed, not pooled")
	}
	if _, _, ok := p.Get(key); ok {
		t.Fatalf("expected no pooled connection after a failed delivery")
	}
}

func TestGetRetiresConnectionAtReuseLimit(t *testing.T) {
	p := New(Config{ReuseCount: 2, IdleTimeout: time.Hour})
	defer p.Close()

	key := Key{SourceIP: "198.51.100.10", MXHost: "mx1.example.com", Port: 25}
	c := &fakeConn{usable: true}
	p.Put(key, c, 2, true)

	if _, _, ok := p.Get(key); ok {
		t.Fatalf("expected connection at reuse limit to be retired, not reused")
	}
	if !c.closed {
		t.Fatalf("expected retired connection to be closed")
	}
}

func TestGetSkipsUnusableConnection(t *testing.T) {
	p := New(Config{ReuseCount: 100, IdleTimeout: time.Hour})
	defer p.Close()

	key := Key{SourceIP: "198.51.100.10", MXHost: "mx1.example.com", Port: 25}
	c := &fakeConn{usable: false}
	p.Put(key, c, 1, true)

	if _, _, ok := p.Get(key); ok {
		t.Fatalf("expected unusable connection not to be returned")
	}
}
