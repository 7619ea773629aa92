package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thejuampi/dapi-client-go/dapi"
)

type serverOptions struct {
	// PublicURL is the gateway URL advertised by /gateway/bot and READY.
	PublicURL         string
	Token             string
	HeartbeatInterval time.Duration
	BucketLimit       int
	BucketWindow      time.Duration
	GlobalLimit       int
	DropAcks          bool
	Logger            *slog.Logger
}

type serverStats struct {
	restRequests        atomic.Uint64
	restRateLimited     atomic.Uint64
	connectionsAccepted atomic.Uint64
	connectionsCurrent  atomic.Int64
	dispatches          atomic.Uint64
}

// server is a deterministic REST and gateway responder. REST routes are
// limited per bucket and globally; gateway sessions keep their dispatch
// history so resumes can be replayed.
type server struct {
	options serverOptions
	logger  *slog.Logger
	stats   serverStats
	started time.Time
	now     func() time.Time

	lock        sync.Mutex
	buckets     map[string]*restBucket
	global      restWindow
	sessions    map[string]*gatewaySession
	conns       map[uint64]*gatewayConn
	nextConn    uint64
	nextSession uint64
	nextMessage uint64
}

func newServer(options serverOptions) *server {
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = 41250 * time.Millisecond
	}
	if options.BucketLimit <= 0 {
		options.BucketLimit = 5
	}
	if options.BucketWindow <= 0 {
		options.BucketWindow = 5 * time.Second
	}
	if options.GlobalLimit <= 0 {
		options.GlobalLimit = 50
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		options:  options,
		logger:   logger,
		started:  time.Now(),
		now:      time.Now,
		buckets:  make(map[string]*restBucket),
		sessions: make(map[string]*gatewaySession),
		conns:    make(map[uint64]*gatewayConn),
	}
}

func (server *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v10/", server.handleREST)
	mux.HandleFunc("/gateway", server.handleGateway)
	mux.HandleFunc("/admin/status", server.handleAdminStatus)
	mux.HandleFunc("/admin/close", server.handleAdminClose)
	mux.HandleFunc("/admin/reconnect", server.handleAdminReconnect)
	mux.HandleFunc("/admin/invalidate", server.handleAdminInvalidate)
	mux.HandleFunc("/admin/dispatch", server.handleAdminDispatch)
	return mux
}

func jsonResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (server *server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	server.lock.Lock()
	sessions := len(server.sessions)
	buckets := len(server.buckets)
	server.lock.Unlock()

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"server":    "fakegateway",
		"uptime_ms": time.Since(server.started).Milliseconds(),
		"rest": map[string]interface{}{
			"requests":     server.stats.restRequests.Load(),
			"rate_limited": server.stats.restRateLimited.Load(),
			"buckets":      buckets,
		},
		"gateway": map[string]interface{}{
			"connections_accepted": server.stats.connectionsAccepted.Load(),
			"connections_current":  server.stats.connectionsCurrent.Load(),
			"sessions":             sessions,
			"dispatches":           server.stats.dispatches.Load(),
		},
		"goroutines": runtime.NumGoroutine(),
	})
}

func (server *server) handleAdminClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	code, err := strconv.Atoi(r.URL.Query().Get("code"))
	if err != nil || code < 1000 || code > 4999 {
		jsonResponse(w, http.StatusBadRequest, map[string]string{"message": "code must be a close code"})
		return
	}
	closed := 0
	for _, conn := range server.connections() {
		conn.close(code, "closed by admin")
		closed++
	}
	server.logger.Info("admin closed connections", "code", code, "count", closed)
	jsonResponse(w, http.StatusOK, map[string]int{"closed": closed})
}

func (server *server) handleAdminReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sent := 0
	for _, conn := range server.connections() {
		if conn.send(outbound{Op: dapi.OpReconnect}) == nil {
			sent++
		}
	}
	jsonResponse(w, http.StatusOK, map[string]int{"sent": sent})
}

func (server *server) handleAdminInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resumable, _ := strconv.ParseBool(r.URL.Query().Get("resumable"))
	sent := 0
	for _, conn := range server.connections() {
		if !resumable {
			server.forget(conn)
		}
		if conn.send(outbound{Op: dapi.OpInvalidSession, Data: resumable}) == nil {
			sent++
		}
	}
	jsonResponse(w, http.StatusOK, map[string]int{"sent": sent})
}

func (server *server) handleAdminDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("t")
	if name == "" {
		jsonResponse(w, http.StatusBadRequest, map[string]string{"message": "t is required"})
		return
	}
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		jsonResponse(w, http.StatusBadRequest, map[string]string{"message": "body must be json"})
		return
	}
	sent := 0
	for _, conn := range server.connections() {
		if conn.dispatch(name, payload) == nil {
			sent++
		}
	}
	jsonResponse(w, http.StatusOK, map[string]int{"sent": sent})
}

func (server *server) connections() []*gatewayConn {
	server.lock.Lock()
	defer server.lock.Unlock()
	conns := make([]*gatewayConn, 0, len(server.conns))
	for _, conn := range server.conns {
		conns = append(conns, conn)
	}
	return conns
}
