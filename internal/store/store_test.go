package store

import (
	"context"
	"io"
	"testing"
)

func TestBufferStoreRetrieveIsRestartable(t *testing.T) {
	s := NewBufferStore()
	s.Put("msg1", []byte("hello world"))

	for i := 0; i < 2; i++ {
		rc, err := s.Retrieve(context.Background(), "msg1")
		if err != nil {
			t.Fatalf("Retrieve attempt %d: %v", i, err)
		}
		got, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("ReadAll attempt %d: %v", i, err)
		}
		rc.Close()
		if string(got) != "hello world" {
			t.Fatalf("attempt %d: got %q", i, got)
		}
	}
}

func TestBufferStoreRetrieveUnknownID(t *testing.T) {
	s := NewBufferStore()
	if _, err := s.Retrieve(context.Background(), "missing"); err == nil {
		t.Fatalf("expected NotFoundError")
	}
}
