package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rhuss/docstore/pkg/storage"
	"github.com/rhuss/docstore/pkg/storage/memory"
)

var (
	dials   atomic.Int32
	errDial = errors.New("dial tcp: connection refused")
)

func init() {
	storage.Register("conntest", func(_ context.Context, ep storage.Endpoint) (storage.Backend, error) {
		dials.Add(1)
		if ep.Host == "unreachable" {
			return nil, errDial
		}
		return memory.New(), nil
	})
}

var testEndpoint = storage.Endpoint{Host: "localhost", Port: "19530"}

func TestAcquireSharesClient(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	start := dials.Load()

	h1, err := reg.Acquire(ctx, "shared", "conntest", testEndpoint)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h2, err := reg.Acquire(ctx, "shared", "conntest", testEndpoint)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	if got := dials.Load() - start; got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	c1, _ := h1.Client()
	c2, _ := h2.Client()
	if c1 != c2 {
		t.Error("handles on the same alias should share one client")
	}
	if reg.Refs("shared") != 2 {
		t.Errorf("Refs = %d, want 2", reg.Refs("shared"))
	}

	if err := h1.Release(); err != nil {
		t.Fatal(err)
	}
	if reg.Refs("shared") != 1 {
		t.Errorf("Refs after one release = %d, want 1", reg.Refs("shared"))
	}
	if err := h2.Release(); err != nil {
		t.Fatal(err)
	}
	if len(reg.Aliases()) != 0 {
		t.Errorf("Aliases after last release = %v, want none", reg.Aliases())
	}
	if _, err := c1.HasCollection(ctx, "x"); err == nil {
		t.Error("client should be closed after the last release")
	}
}

func TestAcquireDefaultAlias(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Acquire(context.Background(), "", "conntest", testEndpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	if h.Alias() != "docarray_default_connection" {
		t.Errorf("Alias() = %q, want default alias", h.Alias())
	}
	if h.Backend() != "conntest" {
		t.Errorf("Backend() = %q", h.Backend())
	}
	if h.Endpoint().Address() != "localhost:19530" {
		t.Errorf("Endpoint() = %v", h.Endpoint())
	}
}

func TestAcquireAliasConflict(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	h, err := reg.Acquire(ctx, "a", "conntest", testEndpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	tests := []struct {
		name    string
		backend string
		ep      storage.Endpoint
	}{
		{"different port", "conntest", storage.Endpoint{Host: "localhost", Port: "19531"}},
		{"different backend", "memory", testEndpoint},
		{"different params", "conntest", storage.Endpoint{Host: "localhost", Port: "19530", Params: map[string]string{"user": "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Acquire(ctx, "a", tt.backend, tt.ep)
			if !errors.Is(err, ErrAliasConflict) {
				t.Errorf("error = %v, want ErrAliasConflict", err)
			}
		})
	}
	if reg.Refs("a") != 1 {
		t.Errorf("Refs = %d, conflicting acquisitions must not add references", reg.Refs("a"))
	}
}

func TestAcquireDialFailure(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Acquire(context.Background(), "bad", "conntest", storage.Endpoint{Host: "unreachable", Port: "1"})
	if !errors.Is(err, ErrConnection) {
		t.Errorf("error = %v, want ErrConnection", err)
	}
	if !errors.Is(err, errDial) {
		t.Errorf("error = %v, want the client's error in the chain", err)
	}
	if len(reg.Aliases()) != 0 {
		t.Error("failed dial must not register the alias")
	}
}

func TestAcquireUnknownBackend(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Acquire(context.Background(), "x", "no-such-backend", testEndpoint)
	if !errors.Is(err, storage.ErrUnknownBackend) {
		t.Errorf("error = %v, want ErrUnknownBackend", err)
	}
}

func TestHandleReleaseTwice(t *testing.T) {
	reg := NewRegistry()
	h1, _ := reg.Acquire(context.Background(), "twice", "conntest", testEndpoint)
	h2, _ := reg.Acquire(context.Background(), "twice", "conntest", testEndpoint)
	defer h2.Release()

	if err := h1.Release(); err != nil {
		t.Fatal(err)
	}
	if err := h1.Release(); err != nil {
		t.Fatal(err)
	}
	if reg.Refs("twice") != 1 {
		t.Errorf("Refs = %d, double release must not drop another handle's reference", reg.Refs("twice"))
	}
	if _, err := h1.Client(); !errors.Is(err, ErrReleased) {
		t.Errorf("Client() after release = %v, want ErrReleased", err)
	}
	if _, err := h1.Clone(); !errors.Is(err, ErrReleased) {
		t.Errorf("Clone() after release = %v, want ErrReleased", err)
	}
}

func TestHandleClone(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Acquire(context.Background(), "clone", "conntest", testEndpoint)
	if err != nil {
		t.Fatal(err)
	}
	c, err := h.Clone()
	if err != nil {
		t.Fatal(err)
	}
	if reg.Refs("clone") != 2 {
		t.Errorf("Refs = %d, want 2", reg.Refs("clone"))
	}
	h.Release()
	if _, err := c.Client(); err != nil {
		t.Errorf("clone should stay usable after the original is released: %v", err)
	}
	c.Release()
	if reg.Refs("clone") != 0 {
		t.Errorf("Refs = %d, want 0", reg.Refs("clone"))
	}
}
