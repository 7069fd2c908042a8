package iceconf

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRESTSourceFetch(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"urls": ["turn:t.example:3478?transport=udp", "turns:t.example:5349"],
			"username": "1700003600:gw:abc",
			"credential": "signed",
			"credentialType": "password",
			"ttl": 600
		}`))
	}))
	defer srv.Close()

	src := NewRESTSource(srv.URL, "gw-identity", 5*time.Minute)
	src.Namespace = "ns1"
	src.Gateway = "gw1"

	cfg, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if len(cfg.URLs) != 2 || !strings.HasPrefix(cfg.URLs[0], "turn:") {
		t.Fatalf("URLs=%v", cfg.URLs)
	}
	if cfg.Username != "1700003600:gw:abc" || cfg.Credential != "signed" {
		t.Fatalf("credentials=%q/%q", cfg.Username, cfg.Credential)
	}
	if cfg.TTL != 10*time.Minute {
		t.Fatalf("TTL=%v, want 10m from response", cfg.TTL)
	}

	for key, want := range map[string]string{
		"service":            "turn",
		"username":           "gw-identity",
		"iceTransportPolicy": "relay",
		"namespace":          "ns1",
		"gateway":            "gw1",
	} {
		if got := gotQuery[key]; len(got) != 1 || got[0] != want {
			t.Fatalf("query %s=%v, want %q", key, got, want)
		}
	}
	if _, ok := gotQuery["listener"]; ok {
		t.Fatalf("unset listener hint was sent")
	}
}

func TestRESTSourceSingleURLString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"urls": "turn:only.example:3478", "username": "u", "credential": "c"}`))
	}))
	defer srv.Close()

	src := NewRESTSource(srv.URL, "id", 5*time.Minute)
	cfg, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(cfg.URLs) != 1 || cfg.URLs[0] != "turn:only.example:3478" {
		t.Fatalf("URLs=%v", cfg.URLs)
	}
	if cfg.TTL != 5*time.Minute {
		t.Fatalf("TTL=%v, want configured default", cfg.TTL)
	}
}

func TestRESTSourceErrors(t *testing.T) {
	t.Run("http error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}))
		defer srv.Close()

		src := NewRESTSource(srv.URL, "id", time.Minute)
		if _, err := src.Fetch(context.Background()); err == nil || !strings.Contains(err.Error(), "403") {
			t.Fatalf("err=%v, want status 403", err)
		}
	})

	t.Run("incomplete body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"username": "u"}`))
		}))
		defer srv.Close()

		src := NewRESTSource(srv.URL, "id", time.Minute)
		if _, err := src.Fetch(context.Background()); err == nil || !strings.Contains(err.Error(), "incomplete") {
			t.Fatalf("err=%v, want incomplete response", err)
		}
	})

	t.Run("unreachable service", func(t *testing.T) {
		src := NewRESTSource("http://127.0.0.1:1", "id", time.Minute)
		if _, err := src.Fetch(context.Background()); err == nil {
			t.Fatalf("expected connection error")
		}
	})
}
