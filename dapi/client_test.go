package dapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Thejuampi/dapi-client-go/dapi/internal/clock"
	"github.com/Thejuampi/dapi-client-go/dapi/internal/testutil"
)

type recordedRequest struct {
	Method string
	Path   string
	Reason string
	Body   string
}

type restServer struct {
	server   *httptest.Server
	lock     sync.Mutex
	requests []recordedRequest
	gateway  string
}

func newRESTServer(t *testing.T) *restServer {
	t.Helper()
	rest := &restServer{gateway: testGatewayURL}
	rest.server = httptest.NewServer(http.HandlerFunc(rest.handle))
	t.Cleanup(rest.server.Close)
	return rest
}

func (rest *restServer) baseURL() string {
	return rest.server.URL + "/api/v10"
}

func (rest *restServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := strings.TrimPrefix(r.URL.Path, "/api/v10")
	rest.lock.Lock()
	rest.requests = append(rest.requests, recordedRequest{
		Method: r.Method,
		Path:   path,
		Reason: r.Header.Get(HeaderAuditLogReason),
		Body:   string(body),
	})
	gateway := rest.gateway
	rest.lock.Unlock()

	w.Header().Set(HeaderRateLimitLimit, "5")
	w.Header().Set(HeaderRateLimitRemaining, "4")
	w.Header().Set(HeaderRateLimitResetAfter, "1.000")
	w.Header().Set(HeaderRateLimitBucket, "bucket-"+r.Method)

	switch {
	case path == "/gateway/bot":
		_ = json.NewEncoder(w).Encode(GatewayBot{URL: gateway, Shards: 1, SessionStartLimit: SessionStartLimit{Total: 1000, Remaining: 999, MaxConcurrency: 1}})
	case path == "/channels/404":
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":10003,"message":"Unknown Channel"}`))
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/messages"):
		_, _ = w.Write([]byte(`{"id":"456","content":"hi"}`))
	case r.Method == http.MethodGet:
		_, _ = w.Write([]byte(`{"id":"123"}`))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (rest *restServer) Requests() []recordedRequest {
	rest.lock.Lock()
	defer rest.lock.Unlock()
	return append([]recordedRequest(nil), rest.requests...)
}

func newTestClient(t *testing.T, rest *restServer, opts ...ClientOption) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Token:      "secret",
		Intents:    IntentGuilds,
		APIBaseURL: rest.baseURL(),
		Logger:     discardLogger(),
	}, opts...)
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientRESTHelpers(t *testing.T) {
	rest := newRESTServer(t)
	client := newTestClient(t, rest)
	ctx := context.Background()

	message, err := client.CreateMessage(ctx, "123", map[string]string{"content": "hi"})
	if err != nil || !strings.Contains(string(message), `"id":"456"`) {
		t.Fatalf("unexpected create result %s (%v)", message, err)
	}
	if err := client.CreateReaction(ctx, "123", "456", "👍"); err != nil {
		t.Fatalf("unexpected reaction error: %v", err)
	}
	if err := client.DeleteMessage(ctx, "123", "456", "spam"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if err := client.PinMessage(ctx, "123", "456", ""); err != nil {
		t.Fatalf("unexpected pin error: %v", err)
	}
	if err := client.TriggerTypingIndicator(ctx, "123"); err != nil {
		t.Fatalf("unexpected typing error: %v", err)
	}

	_, err = client.GetChannel(ctx, "404")
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.Code != 10003 || !IsHTTPStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 status error, got %v", err)
	}

	want := []recordedRequest{
		{Method: http.MethodPost, Path: "/channels/123/messages", Body: `{"content":"hi"}`},
		{Method: http.MethodPut, Path: "/channels/123/messages/456/reactions/👍/@me"},
		{Method: http.MethodDelete, Path: "/channels/123/messages/456", Reason: "spam"},
		{Method: http.MethodPut, Path: "/channels/123/pins/456"},
		{Method: http.MethodPost, Path: "/channels/123/typing"},
		{Method: http.MethodGet, Path: "/channels/404"},
	}
	got := rest.Requests()
	if len(got) != len(want) {
		t.Fatalf("expected %d requests, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("request %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}

	bucket, ok := client.Scheduler().Registry().Lookup(NewRoute(http.MethodPost, "/channels/{channel.id}/messages", "123").Key())
	if !ok || bucket.State().Remaining != 4 {
		t.Fatalf("expected the scheduler to learn the bucket quota")
	}
}

func TestClientDoJSON(t *testing.T) {
	rest := newRESTServer(t)
	client := newTestClient(t, rest)

	var channel struct {
		ID string `json:"id"`
	}
	if err := client.DoJSON(context.Background(), NewRoute(http.MethodGet, "/channels/{channel.id}", "123"), nil, "", &channel); err != nil || channel.ID != "123" {
		t.Fatalf("unexpected DoJSON result %+v (%v)", channel, err)
	}
	if _, err := client.Request(context.Background(), NewRoute(http.MethodPost, "/channels/{channel.id}/messages", "1"), make(chan int), ""); err == nil {
		t.Fatalf("expected encode error for unsupported body")
	}
	if _, err := client.Request(context.Background(), NewRoute(http.MethodPost, "/channels/{channel.id}/messages", "1"), json.RawMessage(`{"raw":true}`), ""); err != nil {
		t.Fatalf("unexpected raw body error: %v", err)
	}
	last := rest.Requests()[len(rest.Requests())-1]
	if last.Body != `{"raw":true}` {
		t.Fatalf("expected raw body to pass through, got %q", last.Body)
	}
}

func TestClientConnectDiscoversGateway(t *testing.T) {
	rest := newRESTServer(t)
	dialer := newFakeDialer()
	fake := clock.Fake(testEpoch)
	client := newTestClient(t, rest,
		WithDialer(dialer),
		WithSessionStore(NewMemorySessionStore()),
		WithReconnectStrategy(NewFixedDelayStrategy(0)),
		withClientClock(fake, func() float64 { return 0.5 }),
	)

	messages := make(chan Event, 4)
	client.On(EventMessageCreate, func(event Event) { messages <- event })

	result := make(chan error, 1)
	go func() { result <- client.Connect(context.Background()) }()

	conn := dialer.next(t)
	if url := dialer.URLs()[0]; !strings.HasPrefix(url, testGatewayURL) {
		t.Fatalf("expected discovered gateway url, got %q", url)
	}
	if frame := hello(t, conn, 45*time.Second); frame.Op != OpIdentify {
		t.Fatalf("expected identify, got %v", frame.Op)
	}
	conn.push(t, OpDispatch, ReadyData{SessionID: testSessionID, ResumeGatewayURL: testResumeURL}, sequence(1), EventReady)
	if err := testutil.RequireReceive(t, result, testTimeout, "connect result"); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	conn.push(t, OpDispatch, map[string]string{"content": "hi"}, sequence(2), EventMessageCreate)
	event := testutil.RequireReceive(t, messages, testTimeout, "message event")
	if event.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", event.Sequence)
	}

	if err := client.UpdatePresence(context.Background(), Presence{Status: StatusDND}); err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}
	if frame := conn.nextWritten(t); frame.Op != OpPresenceUpdate {
		t.Fatalf("expected presence update, got %v", frame.Op)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if conn.ClientCloseCode() != CloseNormal {
		t.Fatalf("expected close code 1000, got %d", conn.ClientCloseCode())
	}
	if _, err := client.GetChannel(context.Background(), "123"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown after close, got %v", err)
	}
	if err := client.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after close, got %v", err)
	}
	if client.Bus().Count(EventMessageCreate) != 0 {
		t.Fatalf("expected close to clear subscriptions")
	}
}

func TestClientConnectFatal(t *testing.T) {
	rest := newRESTServer(t)
	dialer := newFakeDialer()
	client, err := NewClient(Config{
		Token:      "secret",
		APIBaseURL: rest.baseURL(),
		GatewayURL: "wss://configured.test",
		Logger:     discardLogger(),
	}, WithDialer(dialer), withClientClock(clock.Fake(testEpoch), func() float64 { return 0 }))
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	defer client.Close()

	exceptions := make(chan error, 4)
	client.SetExceptionListener(ExceptionListenerFunc(func(err error) { exceptions <- err }))

	result := make(chan error, 1)
	go func() { result <- client.Connect(context.Background()) }()

	conn := dialer.next(t)
	if url := dialer.URLs()[0]; !strings.HasPrefix(url, "wss://configured.test") {
		t.Fatalf("expected configured gateway url, got %q", url)
	}
	conn.serverClose(CloseInvalidIntents)

	err = testutil.RequireReceive(t, result, testTimeout, "connect result")
	var fatal *FatalCloseError
	if !errors.As(err, &fatal) || fatal.Close.Code != CloseInvalidIntents {
		t.Fatalf("expected fatal close 4013, got %v", err)
	}
	testutil.RequireReceive(t, exceptions, testTimeout, "fatal exception")
	if len(rest.Requests()) != 0 {
		t.Fatalf("expected no gateway discovery with a configured url")
	}
}

func TestClientConnectDiscoveryFailure(t *testing.T) {
	rest := newRESTServer(t)
	rest.gateway = ""
	client := newTestClient(t, rest, WithDialer(newFakeDialer()))

	err := client.Connect(context.Background())
	if err == nil || !strings.HasPrefix(err.Error(), "ConnectionError") || !strings.Contains(err.Error(), "ProtocolError") {
		t.Fatalf("expected discovery failure, got %v", err)
	}
}

func TestNewClientOptions(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected validation error without token")
	}

	path := filepath.Join(t.TempDir(), "sessions.cbor")
	client, err := NewClient(Config{
		Token:            "secret",
		SessionStatePath: path,
		Redis:            RedisConfig{Addr: "127.0.0.1:0"},
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	if client.Session().store.(*FileSessionStore).Path() != path {
		t.Fatalf("expected file session store at %q", path)
	}
	if _, ok := client.Scheduler().global.(*RedisGlobalLimiter); !ok {
		t.Fatalf("expected redis global limiter, got %T", client.Scheduler().global)
	}
	if client.Config().Reconnect.MaxDelay != 60*time.Second {
		t.Fatalf("expected defaults to be applied, got %+v", client.Config().Reconnect)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("expected repeated close to succeed, got %v", err)
	}
}
