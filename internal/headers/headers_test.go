package headers

import (
	"bytes"
	"testing"
)

func TestParseBuildRoundTrip(t *testing.T) {
	raw := []byte("Subject: hello\r\nFrom: a@example.com\r\nTo: b@example.com\r\n\r\nbody here")
	h, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []byte("Subject: hello\r\nFrom: a@example.com\r\nTo: b@example.com\r\n")
	if got := h.Build(); !bytes.Equal(got, want) {
		t.Fatalf("round-trip mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestParseFoldedContinuation(t *testing.T) {
	raw := []byte("Subject: hello\r\n world\r\nFrom: a@example.com\r\n\r\n")
	h, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := h.GetFirst("subject"); got != "Subject: hello\r\n world\r\n" {
		t.Fatalf("unexpected folded subject: %q", got)
	}
}

func TestMutationForcesCRLF(t *testing.T) {
	raw := []byte("Subject: hello\nFrom: a@example.com\n\n")
	h, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Unmutated: bytes reproduced exactly, including bare LF.
	if got := h.Build(); !bytes.Equal(got, raw[:len(raw)-1]) {
		t.Fatalf("unmutated build mismatch: %q", got)
	}

	h.Add("x-test", "X-Test: 1")
	got := h.Build()
	if bytes.Contains(got, []byte("hello\nFrom")) {
		t.Fatalf("expected CRLF after mutation, got %q", got)
	}
	if !bytes.HasSuffix(got, []byte("X-Test: 1\r\n")) {
		t.Fatalf("expected appended header, got %q", got)
	}
}

func TestRemoveAll(t *testing.T) {
	h, _ := Parse([]byte("A: 1\r\nB: 2\r\nA: 3\r\n\r\n"))
	h.RemoveAll("a")
	if h.Has("a") {
		t.Fatalf("expected A headers removed")
	}
	if len(h.GetAll("b")) != 1 {
		t.Fatalf("expected B header to survive")
	}
}
