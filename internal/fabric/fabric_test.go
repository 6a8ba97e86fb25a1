package fabric

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bmi-project/bmi/internal/bmierr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "user", "pass")
	c.MaxRetries = 3
	return c, srv
}

func TestAttachNodeSendsExpectedPayload(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			t.Fatalf("expected basic auth to be set, got ok=%v user=%q pass=%q", ok, user, pass)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})

	if err := c.AttachNodeToProjectNetwork(context.Background(), "node1", "net1", "chan1", "eth0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/node/node1/network/attach" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotBody["network"] != "net1" || gotBody["nic"] != "eth0" {
		t.Fatalf("unexpected body: %v", gotBody)
	}
}

func TestNodeMACParsesAndNormalizes(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"mac": "AA:BB:CC:DD:EE:FF"})
	})
	mac, err := c.NodeMAC(context.Background(), "node1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mac != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("expected normalized lowercase mac, got %q", mac)
	}
}

func TestNodeMACRejectsMalformedAddress(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"mac": "not-a-mac"})
	})
	if _, err := c.NodeMAC(context.Background(), "node1"); bmierr.KindOf(err) != bmierr.FabricProtocol {
		t.Fatalf("expected FABRIC_PROTOCOL, got %v", err)
	}
}

func TestValidateProjectNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})
	err := c.ValidateProject(context.Background(), "ghost")
	if bmierr.KindOf(err) != bmierr.FabricNotFound {
		t.Fatalf("expected FABRIC_NOT_FOUND, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for a semantic error, got %d", calls)
	}
}

func TestValidateProjectUnauthorizedIsNotRetried(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	if err := c.ValidateProject(context.Background(), "proj"); bmierr.KindOf(err) != bmierr.FabricUnauthorized {
		t.Fatalf("expected FABRIC_UNAUTHORIZED, got %v", err)
	}
}

func TestTransientServerErrorIsRetriedThenSucceeds(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := c.ValidateProject(context.Background(), "proj"); err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestTransientServerErrorExhaustsRetries(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := c.ValidateProject(context.Background(), "proj")
	if bmierr.KindOf(err) != bmierr.FabricTransient {
		t.Fatalf("expected FABRIC_TRANSIENT after exhausting retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly MaxRetries attempts, got %d", calls)
	}
}

func TestDetachNodeSendsExpectedPath(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})
	if err := c.DetachNodeFromProjectNetwork(context.Background(), "node1", "net1", "eth0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/node/node1/network/detach" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
}
