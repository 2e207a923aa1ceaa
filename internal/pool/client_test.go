package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPTransportGetPoolInfoFollowsPermanentRedirectChain(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"final pool","description":"","minimum_difficulty":1,"relative_lock_height":1,"protocol_version":"1.0","authentication_token_timeout":5}`))
	}))
	defer final.Close()

	hop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL+"/pool_info", http.StatusMovedPermanently)
	}))
	defer hop.Close()

	transport := NewHTTPTransport(5 * time.Second)
	info, finalURL, allPermanent, err := transport.GetPoolInfo(context.Background(), hop.URL)
	if err != nil {
		t.Fatalf("GetPoolInfo: %v", err)
	}
	if info.Name != "final pool" {
		t.Fatalf("Name = %q, want %q", info.Name, "final pool")
	}
	if finalURL != final.URL {
		t.Fatalf("finalURL = %q, want %q", finalURL, final.URL)
	}
	if !allPermanent {
		t.Fatal("expected an all-301 chain to be reported as permanent")
	}
}

func TestHTTPTransportGetPoolInfoSucceedsOnMixedRedirectChain(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"final pool","description":"","minimum_difficulty":1,"relative_lock_height":1,"protocol_version":"1.0","authentication_token_timeout":5}`))
	}))
	defer final.Close()

	secondHop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL+"/pool_info", http.StatusMovedPermanently)
	}))
	defer secondHop.Close()

	firstHop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, secondHop.URL+"/pool_info", http.StatusFound)
	}))
	defer firstHop.Close()

	transport := NewHTTPTransport(5 * time.Second)
	info, finalURL, allPermanent, err := transport.GetPoolInfo(context.Background(), firstHop.URL)
	if err != nil {
		t.Fatalf("a mixed 302/301 redirect chain must still resolve to a successful GET: %v", err)
	}
	if info.Name != "final pool" {
		t.Fatalf("Name = %q, want %q", info.Name, "final pool")
	}
	if finalURL != final.URL {
		t.Fatalf("finalURL = %q, want %q", finalURL, final.URL)
	}
	if allPermanent {
		t.Fatal("a chain containing a 302 must not be reported as all-permanent")
	}
}

func TestHTTPTransportGetPoolInfoSucceedsWithNoRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"direct pool","description":"","minimum_difficulty":1,"relative_lock_height":1,"protocol_version":"1.0","authentication_token_timeout":5}`))
	}))
	defer server.Close()

	transport := NewHTTPTransport(5 * time.Second)
	info, finalURL, allPermanent, err := transport.GetPoolInfo(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("GetPoolInfo: %v", err)
	}
	if info.Name != "direct pool" {
		t.Fatalf("Name = %q, want %q", info.Name, "direct pool")
	}
	if finalURL != server.URL {
		t.Fatalf("finalURL = %q, want %q", finalURL, server.URL)
	}
	if allPermanent {
		t.Fatal("no redirect at all must not be reported as a permanent-redirect chain")
	}
}
