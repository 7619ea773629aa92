package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Thejuampi/dapi-client-go/dapi"
)

func newTestServer(options serverOptions) (*server, *time.Time) {
	options.Logger = discardLogger()
	current := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	server := newServer(options)
	server.now = func() time.Time { return current }
	return server, &current
}

func restCall(t *testing.T, handler http.Handler, method string, path string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, strings.NewReader(`{}`))
	request.Header.Set("Authorization", "Bot secret")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestBucketKey(t *testing.T) {
	cases := map[string]string{
		"/channels/123/messages/456":           "POST /channels/123/messages/:id",
		"/guilds/9/members/77":                 "POST /guilds/9/members/:id",
		"/webhooks/5/tok3n":                    "POST /webhooks/5/tok3n",
		"/users/@me":                           "POST /users/@me",
		"/channels/1/messages/2/reactions/👍/@me": "POST /channels/1/messages/:id/reactions/👍/@me",
	}
	for path, want := range cases {
		if got := bucketKey(http.MethodPost, path); got != want {
			t.Fatalf("%s: expected %q, got %q", path, want, got)
		}
	}
}

func TestRESTBucketLimit(t *testing.T) {
	server, now := newTestServer(serverOptions{BucketLimit: 2, BucketWindow: 2 * time.Second, GlobalLimit: 100})
	handler := server.routes()

	first := restCall(t, handler, http.MethodPost, "/api/v10/channels/1/messages")
	if first.Code != http.StatusOK || first.Header().Get(dapi.HeaderRateLimitRemaining) != "1" || first.Header().Get(dapi.HeaderRateLimitResetAfter) != "2.000" {
		t.Fatalf("unexpected first response %d %v", first.Code, first.Header())
	}
	restCall(t, handler, http.MethodPost, "/api/v10/channels/1/messages")

	limited := restCall(t, handler, http.MethodPost, "/api/v10/channels/1/messages")
	if limited.Code != http.StatusTooManyRequests || limited.Header().Get(dapi.HeaderRateLimitScope) != "user" {
		t.Fatalf("expected bucket 429, got %d %v", limited.Code, limited.Header())
	}
	var body struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	_ = json.Unmarshal(limited.Body.Bytes(), &body)
	if body.RetryAfter != 2 || body.Global {
		t.Fatalf("unexpected 429 body %s", limited.Body.String())
	}

	other := restCall(t, handler, http.MethodPost, "/api/v10/channels/2/messages")
	if other.Code != http.StatusOK {
		t.Fatalf("expected a separate bucket per channel, got %d", other.Code)
	}
	if first.Header().Get(dapi.HeaderRateLimitBucket) == other.Header().Get(dapi.HeaderRateLimitBucket) {
		t.Fatalf("expected distinct bucket hashes")
	}

	*now = now.Add(2 * time.Second)
	if again := restCall(t, handler, http.MethodPost, "/api/v10/channels/1/messages"); again.Code != http.StatusOK {
		t.Fatalf("expected a fresh window after reset, got %d", again.Code)
	}
	if server.stats.restRateLimited.Load() != 1 {
		t.Fatalf("expected one rate-limited request, got %d", server.stats.restRateLimited.Load())
	}
}

func TestRESTGlobalLimit(t *testing.T) {
	server, _ := newTestServer(serverOptions{BucketLimit: 100, GlobalLimit: 2})
	handler := server.routes()

	restCall(t, handler, http.MethodGet, "/api/v10/channels/1")
	restCall(t, handler, http.MethodGet, "/api/v10/channels/2")
	if exempt := restCall(t, handler, http.MethodPost, "/api/v10/interactions/1/token/callback"); exempt.Code != http.StatusOK {
		t.Fatalf("expected interaction routes to skip the global limit, got %d", exempt.Code)
	}

	limited := restCall(t, handler, http.MethodGet, "/api/v10/channels/3")
	if limited.Code != http.StatusTooManyRequests || limited.Header().Get(dapi.HeaderRateLimitGlobal) != "true" || limited.Header().Get(dapi.HeaderRetryAfter) != "1" {
		t.Fatalf("expected global 429, got %d %v", limited.Code, limited.Header())
	}
}

func TestRESTResources(t *testing.T) {
	server, _ := newTestServer(serverOptions{PublicURL: "ws://fake.test/gateway"})
	handler := server.routes()

	var gateway dapi.GatewayBot
	response := restCall(t, handler, http.MethodGet, "/api/v10/gateway/bot")
	if err := json.Unmarshal(response.Body.Bytes(), &gateway); err != nil || gateway.URL != "ws://fake.test/gateway" {
		t.Fatalf("unexpected gateway/bot response %s", response.Body.String())
	}
	if missing := restCall(t, handler, http.MethodGet, "/api/v10/channels/0"); missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for channel 0, got %d", missing.Code)
	}
	if deleted := restCall(t, handler, http.MethodDelete, "/api/v10/channels/1/messages/2"); deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", deleted.Code)
	}

	request := httptest.NewRequest(http.MethodGet, "/api/v10/channels/1", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without authorization, got %d", recorder.Code)
	}

	status := httptest.NewRecorder()
	server.handleAdminStatus(status, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	if !strings.Contains(status.Body.String(), `"requests":4`) {
		t.Fatalf("unexpected admin status %s", status.Body.String())
	}
}
