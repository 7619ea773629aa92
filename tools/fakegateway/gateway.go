package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"

	"github.com/Thejuampi/dapi-client-go/dapi"
)

const sessionHistory = 256

// outbound is a server frame. s and t are always present, null outside
// dispatches.
type outbound struct {
	Op       dapi.Opcode `json:"op"`
	Data     interface{} `json:"d"`
	Sequence *int64      `json:"s"`
	Type     *string     `json:"t"`
}

type recordedDispatch struct {
	sequence int64
	name     string
	data     interface{}
}

// gatewaySession outlives connections so a resume can replay what the
// client missed.
type gatewaySession struct {
	id       string
	shard    [2]int
	sequence int64
	history  []recordedDispatch
}

type gatewayConn struct {
	id     uint64
	server *server
	socket *websocket.Conn

	writeLock sync.Mutex
	buffer    bytes.Buffer
	deflater  *zlib.Writer

	sessionLock sync.Mutex
	session     *gatewaySession
	closeOnce   sync.Once
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (server *server) handleGateway(w http.ResponseWriter, r *http.Request) {
	if version := r.URL.Query().Get("v"); version != "" && version != dapi.GatewayVersion {
		http.Error(w, "unsupported gateway version", http.StatusBadRequest)
		return
	}
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.logger.Warn("gateway upgrade failed", "error", err)
		return
	}

	conn := &gatewayConn{server: server, socket: socket}
	if r.URL.Query().Get("compress") == dapi.CompressionZlibStream {
		conn.deflater = zlib.NewWriter(&conn.buffer)
	}
	server.lock.Lock()
	server.nextConn++
	conn.id = server.nextConn
	server.conns[conn.id] = conn
	server.lock.Unlock()
	server.stats.connectionsAccepted.Add(1)
	server.stats.connectionsCurrent.Add(1)
	server.logger.Info("gateway connection accepted", "conn", conn.id, "compress", conn.deflater != nil)

	defer func() {
		server.lock.Lock()
		delete(server.conns, conn.id)
		server.lock.Unlock()
		server.stats.connectionsCurrent.Add(-1)
		_ = socket.Close()
	}()

	hello := dapi.HelloData{HeartbeatIntervalMillis: server.options.HeartbeatInterval.Milliseconds()}
	if err := conn.send(outbound{Op: dapi.OpHello, Data: hello}); err != nil {
		return
	}
	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			server.logger.Info("gateway connection ended", "conn", conn.id, "error", err)
			return
		}
		var frame dapi.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.close(dapi.CloseDecodeError, "Error while decoding payload.")
			return
		}
		if !server.handleFrame(conn, frame) {
			return
		}
	}
}

// handleFrame answers one client frame. It returns false once the
// connection was closed.
func (server *server) handleFrame(conn *gatewayConn, frame dapi.Frame) bool {
	switch frame.Op {
	case dapi.OpHeartbeat:
		if server.options.DropAcks {
			return true
		}
		return conn.send(outbound{Op: dapi.OpHeartbeatAck}) == nil

	case dapi.OpIdentify:
		var identify dapi.IdentifyData
		if err := json.Unmarshal(frame.Data, &identify); err != nil {
			conn.close(dapi.CloseDecodeError, "Error while decoding payload.")
			return false
		}
		if conn.current() != nil {
			conn.close(dapi.CloseAlreadyAuthenticated, "Already authenticated.")
			return false
		}
		if server.options.Token != "" && identify.Token != server.options.Token {
			conn.close(dapi.CloseAuthenticationFailed, "Authentication failed.")
			return false
		}
		if identify.Intents&^dapi.IntentsAll != 0 {
			conn.close(dapi.CloseInvalidIntents, "Invalid intent(s).")
			return false
		}
		shard := [2]int{0, 1}
		if identify.Shard != nil {
			shard = *identify.Shard
		}
		if shard[1] <= 0 || shard[0] < 0 || shard[0] >= shard[1] {
			conn.close(dapi.CloseInvalidShard, "Invalid shard.")
			return false
		}

		session := server.createSession(shard)
		conn.attach(session)
		server.logger.Info("gateway identified", "conn", conn.id, "session_id", session.id, "shard", shard[0])
		ready := map[string]interface{}{
			"v":                  10,
			"session_id":         session.id,
			"resume_gateway_url": server.options.PublicURL,
			"shard":              shard[:],
			"user":               map[string]string{"id": "1", "username": "fakebot"},
			"guilds":             []map[string]interface{}{{"id": "100", "unavailable": true}},
		}
		if conn.dispatch(dapi.EventReady, ready) != nil {
			return false
		}
		return conn.dispatch(dapi.EventGuildCreate, map[string]string{"id": "100", "name": "fake guild"}) == nil

	case dapi.OpResume:
		var resume dapi.ResumeData
		if err := json.Unmarshal(frame.Data, &resume); err != nil {
			conn.close(dapi.CloseDecodeError, "Error while decoding payload.")
			return false
		}
		session := server.lookupSession(resume.SessionID)
		if session == nil || (server.options.Token != "" && resume.Token != server.options.Token) {
			return conn.send(outbound{Op: dapi.OpInvalidSession, Data: false}) == nil
		}
		var after int64
		if resume.Sequence != nil {
			after = *resume.Sequence
		}
		conn.attach(session)
		server.logger.Info("gateway resumed", "conn", conn.id, "session_id", session.id, "after", after)
		for _, missed := range conn.replay(after) {
			if conn.sendDispatch(missed) != nil {
				return false
			}
		}
		return conn.dispatch(dapi.EventResumed, nil) == nil

	case dapi.OpPresenceUpdate:
		if conn.current() == nil {
			conn.close(dapi.CloseNotAuthenticated, "Not authenticated.")
			return false
		}
		var presence dapi.Presence
		if err := json.Unmarshal(frame.Data, &presence); err != nil {
			conn.close(dapi.CloseDecodeError, "Error while decoding payload.")
			return false
		}
		return conn.dispatch(dapi.EventPresenceUpdate, map[string]interface{}{
			"user":       map[string]string{"id": "1"},
			"status":     presence.Status,
			"activities": presence.Activities,
		}) == nil

	case dapi.OpRequestGuildMembers:
		if conn.current() == nil {
			conn.close(dapi.CloseNotAuthenticated, "Not authenticated.")
			return false
		}
		var request dapi.RequestGuildMembersData
		if err := json.Unmarshal(frame.Data, &request); err != nil {
			conn.close(dapi.CloseDecodeError, "Error while decoding payload.")
			return false
		}
		return conn.dispatch(dapi.EventGuildMembersChunk, map[string]interface{}{
			"guild_id":    request.GuildID,
			"members":     []interface{}{},
			"chunk_index": 0,
			"chunk_count": 1,
			"nonce":       request.Nonce,
		}) == nil

	default:
		conn.close(dapi.CloseUnknownOpcode, fmt.Sprintf("Unknown opcode %d.", frame.Op))
		return false
	}
}

func (server *server) createSession(shard [2]int) *gatewaySession {
	server.lock.Lock()
	defer server.lock.Unlock()
	server.nextSession++
	session := &gatewaySession{id: fmt.Sprintf("fake-session-%d", server.nextSession), shard: shard}
	server.sessions[session.id] = session
	return session
}

func (server *server) lookupSession(id string) *gatewaySession {
	server.lock.Lock()
	defer server.lock.Unlock()
	return server.sessions[id]
}

// forget drops the session of conn so it can no longer be resumed.
func (server *server) forget(conn *gatewayConn) {
	session := conn.current()
	if session == nil {
		return
	}
	server.lock.Lock()
	delete(server.sessions, session.id)
	server.lock.Unlock()
	conn.attach(nil)
}

func (conn *gatewayConn) current() *gatewaySession {
	conn.sessionLock.Lock()
	defer conn.sessionLock.Unlock()
	return conn.session
}

func (conn *gatewayConn) attach(session *gatewaySession) {
	conn.sessionLock.Lock()
	conn.session = session
	conn.sessionLock.Unlock()
}

func (conn *gatewayConn) replay(after int64) []recordedDispatch {
	conn.server.lock.Lock()
	defer conn.server.lock.Unlock()
	session := conn.current()
	if session == nil {
		return nil
	}
	var missed []recordedDispatch
	for _, entry := range session.history {
		if entry.sequence > after {
			missed = append(missed, entry)
		}
	}
	return missed
}

// dispatch assigns the next sequence of the connection's session, records
// the event and sends it.
func (conn *gatewayConn) dispatch(name string, data interface{}) error {
	session := conn.current()
	if session == nil {
		return fmt.Errorf("connection %d has no session", conn.id)
	}
	conn.server.lock.Lock()
	session.sequence++
	entry := recordedDispatch{sequence: session.sequence, name: name, data: data}
	session.history = append(session.history, entry)
	if len(session.history) > sessionHistory {
		session.history = session.history[len(session.history)-sessionHistory:]
	}
	conn.server.lock.Unlock()
	conn.server.stats.dispatches.Add(1)
	return conn.sendDispatch(entry)
}

func (conn *gatewayConn) sendDispatch(entry recordedDispatch) error {
	sequence := entry.sequence
	name := entry.name
	return conn.send(outbound{Op: dapi.OpDispatch, Data: entry.data, Sequence: &sequence, Type: &name})
}

func (conn *gatewayConn) send(frame outbound) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.writeLock.Lock()
	defer conn.writeLock.Unlock()
	if conn.deflater == nil {
		return conn.socket.WriteMessage(websocket.TextMessage, payload)
	}
	conn.buffer.Reset()
	if _, err := conn.deflater.Write(payload); err != nil {
		return err
	}
	if err := conn.deflater.Flush(); err != nil {
		return err
	}
	return conn.socket.WriteMessage(websocket.BinaryMessage, conn.buffer.Bytes())
}

func (conn *gatewayConn) close(code int, reason string) {
	conn.closeOnce.Do(func() {
		conn.writeLock.Lock()
		_ = conn.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		conn.writeLock.Unlock()
		_ = conn.socket.Close()
	})
}
