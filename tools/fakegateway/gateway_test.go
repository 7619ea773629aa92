package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Thejuampi/dapi-client-go/dapi"
)

const waitTimeout = 5 * time.Second

func startFakeGateway(t *testing.T, options serverOptions) (*server, *httptest.Server) {
	t.Helper()
	options.Logger = discardLogger()
	server := newServer(options)
	ts := httptest.NewServer(server.routes())
	server.options.PublicURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/gateway"
	t.Cleanup(ts.Close)
	return server, ts
}

func receiveEvent(t *testing.T, events <-chan dapi.Event, what string) dapi.Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		return dapi.Event{}
	}
}

func admin(t *testing.T, handler http.HandlerFunc, target string, body string) {
	t.Helper()
	recorder := httptest.NewRecorder()
	handler(recorder, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)))
	if recorder.Code != http.StatusOK {
		t.Fatalf("admin %s failed: %d %s", target, recorder.Code, recorder.Body.String())
	}
}

func readFrame(t *testing.T, socket *websocket.Conn) dapi.Frame {
	t.Helper()
	_ = socket.SetReadDeadline(time.Now().Add(waitTimeout))
	_, data, err := socket.ReadMessage()
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	var frame dapi.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unexpected frame %s: %v", data, err)
	}
	return frame
}

func writeFrame(t *testing.T, socket *websocket.Conn, op dapi.Opcode, data interface{}) {
	t.Helper()
	payload, _ := json.Marshal(outbound{Op: op, Data: data})
	if err := socket.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
}

func dialRaw(t *testing.T, server *server) *websocket.Conn {
	t.Helper()
	socket, _, err := websocket.DefaultDialer.Dial(server.options.PublicURL+"?v="+dapi.GatewayVersion+"&encoding=json", nil)
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	if hello := readFrame(t, socket); hello.Op != dapi.OpHello {
		t.Fatalf("expected hello, got %v", hello.Op)
	}
	return socket
}

func TestGatewayResumeReplaysMissedDispatches(t *testing.T) {
	server, _ := startFakeGateway(t, serverOptions{Token: "secret"})

	first := dialRaw(t, server)
	writeFrame(t, first, dapi.OpIdentify, dapi.IdentifyData{Token: "secret", Intents: dapi.IntentGuilds})
	ready := readFrame(t, first)
	if ready.Type != dapi.EventReady || ready.Sequence == nil || *ready.Sequence != 1 {
		t.Fatalf("expected READY with sequence 1, got %+v", ready)
	}
	var readyData dapi.ReadyData
	_ = json.Unmarshal(ready.Data, &readyData)
	if readyData.SessionID != "fake-session-1" || readyData.ResumeGatewayURL != server.options.PublicURL {
		t.Fatalf("unexpected ready payload %s", ready.Data)
	}
	if guild := readFrame(t, first); guild.Type != dapi.EventGuildCreate {
		t.Fatalf("expected GUILD_CREATE, got %+v", guild)
	}
	_ = first.Close()

	second := dialRaw(t, server)
	defer second.Close()
	seen := int64(1)
	writeFrame(t, second, dapi.OpResume, dapi.ResumeData{Token: "secret", SessionID: readyData.SessionID, Sequence: &seen})
	replayed := readFrame(t, second)
	if replayed.Type != dapi.EventGuildCreate || *replayed.Sequence != 2 {
		t.Fatalf("expected replayed GUILD_CREATE with sequence 2, got %+v", replayed)
	}
	resumed := readFrame(t, second)
	if resumed.Type != dapi.EventResumed || *resumed.Sequence != 3 {
		t.Fatalf("expected RESUMED with sequence 3, got %+v", resumed)
	}

	unknown := "missing"
	third := dialRaw(t, server)
	defer third.Close()
	writeFrame(t, third, dapi.OpResume, dapi.ResumeData{Token: "secret", SessionID: unknown, Sequence: &seen})
	if invalid := readFrame(t, third); invalid.Op != dapi.OpInvalidSession || string(invalid.Data) != "false" {
		t.Fatalf("expected non-resumable invalid session, got %+v", invalid)
	}
}

func TestGatewayRejectsBadIdentify(t *testing.T) {
	server, _ := startFakeGateway(t, serverOptions{Token: "secret"})

	socket := dialRaw(t, server)
	defer socket.Close()
	writeFrame(t, socket, dapi.OpIdentify, dapi.IdentifyData{Token: "wrong"})
	_ = socket.SetReadDeadline(time.Now().Add(waitTimeout))
	_, _, err := socket.ReadMessage()
	if !websocket.IsCloseError(err, dapi.CloseAuthenticationFailed) {
		t.Fatalf("expected close 4004, got %v", err)
	}
}

func TestClientAgainstFakeGateway(t *testing.T) {
	server, ts := startFakeGateway(t, serverOptions{})

	client, err := dapi.NewClient(dapi.Config{
		Token:      "secret",
		Intents:    dapi.IntentGuilds | dapi.IntentGuildMessages,
		APIBaseURL: ts.URL + "/api/v10",
		Compress:   true,
		Logger:     discardLogger(),
	}, dapi.WithReconnectStrategy(dapi.NewFixedDelayStrategy(10*time.Millisecond)))
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	defer client.Close()

	messages := make(chan dapi.Event, 4)
	resumed := make(chan dapi.Event, 4)
	client.On(dapi.EventMessageCreate, func(event dapi.Event) { messages <- event })
	client.On(dapi.EventResumed, func(event dapi.Event) { resumed <- event })

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	sessionID := client.Session().Snapshot().SessionID
	if sessionID != "fake-session-1" {
		t.Fatalf("unexpected session id %q", sessionID)
	}

	admin(t, server.handleAdminDispatch, "/admin/dispatch?t="+dapi.EventMessageCreate, `{"content":"hello"}`)
	event := receiveEvent(t, messages, "message dispatch")
	var message struct {
		Content string `json:"content"`
	}
	if err := event.Decode(&message); err != nil || message.Content != "hello" {
		t.Fatalf("unexpected message %s (%v)", event.Data, err)
	}

	admin(t, server.handleAdminClose, "/admin/close?code=4000", "")
	receiveEvent(t, resumed, "resumed dispatch")
	if snapshot := client.Session().Snapshot(); snapshot.SessionID != sessionID {
		t.Fatalf("expected the session to resume, got %q", snapshot.SessionID)
	}
	if server.stats.connectionsAccepted.Load() != 2 {
		t.Fatalf("expected two gateway connections, got %d", server.stats.connectionsAccepted.Load())
	}

	if err := client.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}

func TestSchedulerWaitsOutFakeBuckets(t *testing.T) {
	server, ts := startFakeGateway(t, serverOptions{BucketLimit: 2, BucketWindow: 200 * time.Millisecond})

	client, err := dapi.NewClient(dapi.Config{
		Token:      "secret",
		APIBaseURL: ts.URL + "/api/v10",
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.CreateMessage(ctx, "42", map[string]string{"content": "burst"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected request error: %v", err)
		}
	}
	if limited := server.stats.restRateLimited.Load(); limited != 0 {
		t.Fatalf("expected no 429 responses, got %d", limited)
	}
	if waits := client.Scheduler().Stats().ResetWaits; waits == 0 {
		t.Fatalf("expected the scheduler to wait for a bucket reset")
	}
}
