package robots

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/incogthemself/site-snapshot/internal/config"
)

func agentFor(t *testing.T, server *httptest.Server, respect bool) *Agent {
	t.Helper()
	return NewAgent(config.RobotsConfig{
		Respect:   respect,
		UserAgent: "site-snapshot-test",
		CacheTTL:  config.DurationFrom(time.Minute),
	}, server.Client())
}

func target(t *testing.T, server *httptest.Server, path string) *url.URL {
	t.Helper()
	u, err := url.Parse(server.URL + path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return u
}

func TestAllowedHonorsDisallowRules(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "User-agent: *\nDisallow: /private/\n")
	}))
	t.Cleanup(server.Close)

	agent := agentFor(t, server, true)
	ctx := context.Background()

	if !agent.Allowed(ctx, target(t, server, "/public/page")) {
		t.Fatal("public path should be allowed")
	}
	if agent.Allowed(ctx, target(t, server, "/private/page")) {
		t.Fatal("disallowed path should be blocked")
	}
}

func TestAllowedCachesRobotsPerHost(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fetches.Add(1)
		}
		_, _ = io.WriteString(w, "User-agent: *\nAllow: /\n")
	}))
	t.Cleanup(server.Close)

	agent := agentFor(t, server, true)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		agent.Allowed(ctx, target(t, server, "/page"))
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("robots.txt fetched %d times, want 1", got)
	}
}

func TestAllowedFailsOpenOnErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	agent := agentFor(t, server, true)
	if !agent.Allowed(context.Background(), target(t, server, "/anything")) {
		t.Fatal("robots errors should fail open")
	}
}

func TestAllowedSkipsWhenDisabled(t *testing.T) {
	var fetched atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched.Store(true)
		_, _ = io.WriteString(w, "User-agent: *\nDisallow: /\n")
	}))
	t.Cleanup(server.Close)

	agent := agentFor(t, server, false)
	if !agent.Allowed(context.Background(), target(t, server, "/page")) {
		t.Fatal("agent with respect disabled should allow everything")
	}
	if fetched.Load() {
		t.Fatal("agent with respect disabled should not fetch robots.txt")
	}
}

func TestAllowedRejectsRelativeURLs(t *testing.T) {
	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "x"}, nil)
	rel, _ := url.Parse("/relative/only")
	if agent.Allowed(context.Background(), rel) {
		t.Fatal("relative URL should be rejected")
	}
}
