package dapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Thejuampi/dapi-client-go/dapi/internal/clock"
	"github.com/Thejuampi/dapi-client-go/dapi/internal/generation"
)

const (
	DefaultGatewayURL      = "wss://gateway.discord.gg"
	DefaultCommandLimit    = 120
	DefaultCommandWindow   = 60 * time.Second
	DefaultStabilityPeriod = 60 * time.Second
)

// Credentials identify the bot on the gateway.
type Credentials struct {
	Token      string
	Intents    Intents
	Properties IdentifyProperties
	// Compress asks for compressed dispatch payloads in identify. Transport
	// compression is SessionOptions.TransportCompression.
	Compress       bool
	LargeThreshold int
	Presence       *Presence
}

// SessionOptions configures NewSession.
type SessionOptions struct {
	GatewayURL           string
	TransportCompression bool
	Dialer               Dialer
	Bus                  *EventBus
	Store                SessionStore
	Strategy             ReconnectDelayStrategy
	// StabilityPeriod is how long a connection must stay Connected before
	// the reconnect backoff starts over.
	StabilityPeriod time.Duration
	CommandLimit    int
	CommandWindow   time.Duration
	Logger          *slog.Logger

	clock  clock.Clock
	random func() float64
}

// SessionSnapshot is a copy of the session's observable state.
type SessionSnapshot struct {
	State             SessionState
	SessionID         string
	ResumeURL         string
	Sequence          *int64
	HeartbeatInterval time.Duration
	LastAckReceived   bool
	Latency           time.Duration
	Shard             Shard
	ReadyShard        []int
}

// connectionRun is the per-connection part of a session. Its goroutines are
// tagged with generation and joined through wait.
type connectionRun struct {
	conn       Conn
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	wait       sync.WaitGroup
}

// Session owns one gateway connection at a time and keeps it identified,
// heartbeating and resumed across disconnects.
type Session struct {
	lock sync.Mutex

	gatewayURL           string
	transportCompression bool
	dialer               Dialer
	bus                  *EventBus
	store                SessionStore
	strategy             ReconnectDelayStrategy
	stabilityPeriod      time.Duration
	commandLimiter       *rate.Limiter
	clock                clock.Clock
	random               func() float64
	logger               *slog.Logger
	listeners            *listenerSet
	generations          generation.Counter

	machine            sessionMachine
	credentials        Credentials
	shard              Shard
	readyShard         []int
	active             *connectionRun
	ackReceived        bool
	heartbeatSentAt    time.Time
	latency            time.Duration
	connectedAt        time.Time
	reconnectImmediate bool
	fatalErr           error

	// callbacks counts bus handlers and listeners currently invoked by the
	// session.
	callbacks atomic.Int32

	started   bool
	runCancel context.CancelFunc
	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	writeLock sync.Mutex
}

// NewSession returns a new Session.
func NewSession(options SessionOptions) *Session {
	source := options.clock
	if source == nil {
		source = clock.Real()
	}
	random := options.random
	if random == nil {
		random = rand.Float64
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = &WebsocketDialer{}
	}
	bus := options.Bus
	if bus == nil {
		bus = NewEventBus()
	}
	strategy := options.Strategy
	if strategy == nil {
		strategy = NewExponentialDelayStrategy(time.Second, 60*time.Second, 2)
	}
	stability := options.StabilityPeriod
	if stability <= 0 {
		stability = DefaultStabilityPeriod
	}
	limit := options.CommandLimit
	if limit <= 0 {
		limit = DefaultCommandLimit
	}
	window := options.CommandWindow
	if window <= 0 {
		window = DefaultCommandWindow
	}
	gatewayURL := options.GatewayURL
	if gatewayURL == "" {
		gatewayURL = DefaultGatewayURL
	}

	return &Session{
		gatewayURL:           gatewayURL,
		transportCompression: options.TransportCompression,
		dialer:               dialer,
		bus:                  bus,
		store:                options.Store,
		strategy:             strategy,
		stabilityPeriod:      stability,
		commandLimiter:       rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
		clock:                source,
		random:               random,
		logger:               logger,
		listeners:            newListenerSet(),
		done:                 make(chan struct{}),
		ready:                make(chan struct{}),
	}
}

// SetGatewayURL sets the URL dialed for fresh sessions. It fails once the
// session has started.
func (session *Session) SetGatewayURL(gatewayURL string) error {
	if _, err := GatewayURL(gatewayURL, false); err != nil {
		return err
	}
	session.lock.Lock()
	defer session.lock.Unlock()
	if session.started {
		return NewError(AlreadyConnectedError, "session already started")
	}
	session.gatewayURL = gatewayURL
	return nil
}

// AddStateListener registers listener and returns a function removing it.
func (session *Session) AddStateListener(listener SessionStateListener) func() {
	return session.listeners.addState(listener)
}

// AddExceptionListener registers listener for background errors.
func (session *Session) AddExceptionListener(listener ExceptionListener) {
	session.listeners.addException(listener)
}

// Bus returns the event bus dispatch events are delivered on.
func (session *Session) Bus() *EventBus {
	return session.bus
}

// Start loads any stored resume state and begins connecting in the
// background. ctx bounds the session lifetime; cancelling it is equivalent
// to Stop.
func (session *Session) Start(ctx context.Context, credentials Credentials, shard Shard) error {
	if credentials.Token == "" {
		return NewError(AuthenticationError, "token is required")
	}
	if shard.Count <= 0 {
		shard.Count = 1
	}
	if shard.Index < 0 || shard.Index >= shard.Count {
		return NewError(CommandError, fmt.Sprintf("shard index %d out of range for count %d", shard.Index, shard.Count))
	}
	if _, err := GatewayURL(session.gatewayURL, session.transportCompression); err != nil {
		return err
	}

	session.lock.Lock()
	if session.machine.state == StateClosed {
		session.lock.Unlock()
		return ErrSessionClosed
	}
	if session.started {
		session.lock.Unlock()
		return NewError(AlreadyConnectedError, "session already started")
	}
	session.started = true
	session.credentials = credentials
	session.shard = shard
	if session.store != nil {
		resume, ok, err := session.store.Load(shard)
		if err != nil {
			session.logger.Warn("loading stored session failed", "error", err)
		} else if ok {
			session.machine.resume = resume
			session.logger.Info("stored session loaded", "session_id", resume.SessionID, "sequence", resume.Sequence)
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	session.runCancel = cancel
	session.lock.Unlock()

	go session.run(runCtx)
	return nil
}

// Stop closes the connection with code 1000, discards resume state and
// waits for the session goroutines to exit. The session ends in Closed.
// Called from an event handler or listener, Stop returns without waiting;
// Done is closed once the handler has returned.
func (session *Session) Stop() error {
	session.lock.Lock()
	if !session.started {
		session.started = true
		session.lock.Unlock()
		session.halt()
		close(session.done)
		return nil
	}
	cancel := session.runCancel
	session.lock.Unlock()

	session.halt()
	if cancel != nil {
		cancel()
	}
	if session.callbacks.Load() > 0 {
		return nil
	}
	<-session.done
	return nil
}

// Done is closed once the session has reached Closed and its goroutines
// have exited.
func (session *Session) Done() <-chan struct{} {
	return session.done
}

// Ready is closed the first time the session reaches Connected.
func (session *Session) Ready() <-chan struct{} {
	return session.ready
}

// Err returns the fatal close that ended the session, if any.
func (session *Session) Err() error {
	session.lock.Lock()
	defer session.lock.Unlock()
	return session.fatalErr
}

// State returns the current state.
func (session *Session) State() SessionState {
	session.lock.Lock()
	defer session.lock.Unlock()
	return session.machine.state
}

// Latency returns the last heartbeat round trip.
func (session *Session) Latency() time.Duration {
	session.lock.Lock()
	defer session.lock.Unlock()
	return session.latency
}

// Snapshot returns a copy of the observable session state.
func (session *Session) Snapshot() SessionSnapshot {
	session.lock.Lock()
	defer session.lock.Unlock()
	return SessionSnapshot{
		State:             session.machine.state,
		SessionID:         session.machine.resume.SessionID,
		ResumeURL:         session.machine.resume.ResumeURL,
		Sequence:          session.machine.resume.SequencePointer(),
		HeartbeatInterval: session.machine.heartbeatInterval,
		LastAckReceived:   session.ackReceived,
		Latency:           session.latency,
		Shard:             session.shard,
		ReadyShard:        append([]int(nil), session.readyShard...),
	}
}

// UpdatePresence sends op 3 on the current connection.
func (session *Session) UpdatePresence(ctx context.Context, presence Presence) error {
	if presence.Activities == nil {
		presence.Activities = []Activity{}
	}
	return session.sendCommand(ctx, OpPresenceUpdate, presence)
}

// RequestGuildMembers sends op 8 on the current connection. Members arrive
// as GUILD_MEMBERS_CHUNK dispatches.
func (session *Session) RequestGuildMembers(ctx context.Context, request RequestGuildMembersData) error {
	if request.GuildID == "" {
		return NewError(CommandError, "guild id is required")
	}
	if request.Query == nil && len(request.UserIDs) == 0 {
		empty := ""
		request.Query = &empty
	}
	return session.sendCommand(ctx, OpRequestGuildMembers, request)
}

func (session *Session) sendCommand(ctx context.Context, op Opcode, data interface{}) error {
	session.lock.Lock()
	state := session.machine.state
	run := session.active
	session.lock.Unlock()

	if state == StateClosed {
		return ErrSessionClosed
	}
	if state != StateConnected || run == nil {
		return NewError(DisconnectedError, "gateway session is "+state.String())
	}
	payload, err := encodeFrame(op, data)
	if err != nil {
		return NewError(CommandError, err)
	}
	return session.write(ctx, run, payload, true)
}

// write sends payload. Paced frames wait for the command limiter; heartbeats
// are not paced.
func (session *Session) write(ctx context.Context, run *connectionRun, payload []byte, paced bool) error {
	if paced {
		now := session.clock.Now()
		reservation := session.commandLimiter.ReserveN(now, 1)
		if !reservation.OK() {
			return NewError(CommandError, "command exceeds gateway limiter burst")
		}
		if delay := reservation.DelayFrom(now); delay > 0 {
			session.logger.Debug("gateway command paced", "wait", delay)
			if err := clock.Sleep(ctx, session.clock, delay); err != nil {
				reservation.CancelAt(session.clock.Now())
				return err
			}
		}
	}
	session.writeLock.Lock()
	defer session.writeLock.Unlock()
	if err := run.conn.WriteFrame(payload); err != nil {
		return NewError(ConnectionError, err)
	}
	return nil
}

func (session *Session) run(ctx context.Context) {
	defer close(session.done)
	for {
		if ctx.Err() != nil {
			session.halt()
			return
		}
		session.apply(sessionEvent{kind: eventConnect})
		if session.State() == StateClosed {
			return
		}

		target, err := session.dialTarget()
		if err != nil {
			session.fail(err)
			return
		}
		session.logger.Info("gateway connecting", "url", target, "shard", session.shard.Index)
		conn, err := session.dialer.Dial(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				session.halt()
				return
			}
			session.logger.Warn("gateway dial failed", "url", target, "error", err)
			session.execute(nil, session.apply(sessionEvent{kind: eventDialFailed}))
			if !session.waitReconnect(ctx, target) {
				session.halt()
				return
			}
			continue
		}

		run := session.attach(ctx, conn)
		if run == nil {
			_ = conn.Close(CloseNormal, "")
			return
		}
		session.apply(sessionEvent{kind: eventDialed})
		session.serve(ctx, run)
		session.detach(run)

		if session.State() == StateClosed {
			return
		}
		if !session.waitReconnect(ctx, target) {
			session.halt()
			return
		}
	}
}

func (session *Session) dialTarget() (string, error) {
	session.lock.Lock()
	base := session.gatewayURL
	if session.machine.resume.CanResume() && session.machine.resume.ResumeURL != "" {
		base = session.machine.resume.ResumeURL
	}
	session.lock.Unlock()
	return GatewayURL(base, session.transportCompression)
}

func (session *Session) attach(parent context.Context, conn Conn) *connectionRun {
	session.lock.Lock()
	defer session.lock.Unlock()
	if session.machine.state == StateClosed {
		return nil
	}
	ctx, cancel := context.WithCancel(parent)
	run := &connectionRun{
		conn:       conn,
		generation: session.generations.Next(),
		ctx:        ctx,
		cancel:     cancel,
	}
	session.active = run
	session.ackReceived = true
	session.heartbeatSentAt = time.Time{}
	return run
}

func (session *Session) detach(run *connectionRun) {
	run.cancel()
	run.wait.Wait()
	session.lock.Lock()
	if session.active == run {
		session.active = nil
	}
	session.lock.Unlock()
	_ = run.conn.Close(CloseUnknownError, "")
}

func (session *Session) waitReconnect(ctx context.Context, target string) bool {
	session.lock.Lock()
	immediate := session.reconnectImmediate
	session.reconnectImmediate = false
	connectedAt := session.connectedAt
	session.connectedAt = time.Time{}
	resumable := session.machine.resume.CanResume()
	session.lock.Unlock()

	if !connectedAt.IsZero() && session.clock.Now().Sub(connectedAt) >= session.stabilityPeriod {
		session.strategy.Reset()
	}
	var delay time.Duration
	if !immediate {
		var err error
		delay, err = session.strategy.GetConnectWaitDuration(target)
		if err != nil {
			session.logger.Warn("reconnect strategy failed", "error", err)
		}
	}
	session.logger.Warn("gateway reconnecting", "delay", delay, "resume", resumable)
	session.debug(fmt.Sprintf("reconnecting in %v (resume=%t)", delay, resumable))
	return clock.Sleep(ctx, session.clock, delay) == nil
}

// serve reads frames until the connection ends. A watcher halts the session
// when the parent context is cancelled, since ReadFrame cannot observe it.
func (session *Session) serve(parent context.Context, run *connectionRun) {
	run.wait.Add(1)
	go func() {
		defer run.wait.Done()
		<-run.ctx.Done()
		if parent.Err() != nil {
			session.halt()
		}
	}()

	for {
		data, err := run.conn.ReadFrame()
		if err != nil {
			code := CloseAbnormal
			reason := err.Error()
			var closeErr *CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
				reason = closeErr.Reason
			}
			if session.generations.IsCurrent(run.generation) {
				session.logger.Info("gateway connection closed", "close_code", code, "reason", reason)
				session.execute(run, session.apply(sessionEvent{kind: eventConnectionClosed, closeCode: code}))
			}
			return
		}
		session.handleFrame(run, data)
	}
}

func (session *Session) handleFrame(run *connectionRun, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		session.logger.Warn("gateway frame decode failed", "error", err)
		return
	}

	switch frame.Op {
	case OpHello:
		var hello HelloData
		if err := json.Unmarshal(frame.Data, &hello); err != nil || hello.HeartbeatIntervalMillis <= 0 {
			session.logger.Warn("invalid hello payload", "error", err)
			return
		}
		session.execute(run, session.apply(sessionEvent{kind: eventHello, interval: hello.Interval()}))

	case OpHeartbeatAck:
		session.lock.Lock()
		session.ackReceived = true
		if !session.heartbeatSentAt.IsZero() {
			session.latency = session.clock.Now().Sub(session.heartbeatSentAt)
		}
		session.lock.Unlock()

	case OpHeartbeat:
		if err := session.sendHeartbeat(run); err != nil {
			session.logger.Warn("heartbeat reply failed", "error", err)
		}

	case OpDispatch:
		event := Event{Name: frame.Type, Data: frame.Data}
		if frame.Sequence != nil {
			event.Sequence = *frame.Sequence
			session.lock.Lock()
			session.machine.resume, _ = session.machine.resume.observe(*frame.Sequence)
			session.lock.Unlock()
		}
		session.notify(func() { session.bus.Emit(event) })

		switch frame.Type {
		case EventReady:
			var ready ReadyData
			if err := json.Unmarshal(frame.Data, &ready); err != nil {
				session.logger.Warn("invalid ready payload", "error", err)
				return
			}
			session.lock.Lock()
			session.readyShard = ready.Shard
			session.lock.Unlock()
			session.logger.Info("gateway ready", "session_id", ready.SessionID)
			session.execute(run, session.apply(sessionEvent{kind: eventReady, ready: ready}))
		case EventResumed:
			session.logger.Info("gateway resumed", "sequence", event.Sequence)
			session.execute(run, session.apply(sessionEvent{kind: eventResumed}))
		}

	case OpReconnect:
		session.logger.Info("gateway requested reconnect")
		session.execute(run, session.apply(sessionEvent{kind: eventReconnectRequested}))

	case OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(frame.Data, &resumable)
		session.logger.Warn("gateway invalidated session", "resumable", resumable)
		session.execute(run, session.apply(sessionEvent{kind: eventInvalidSession, resumable: resumable}))

	default:
		session.logger.Debug("unhandled gateway opcode", "op", int(frame.Op))
	}
}

// apply runs one transition and publishes a state change.
func (session *Session) apply(event sessionEvent) []sessionAction {
	session.lock.Lock()
	previous := session.machine.state
	next, actions := session.machine.transition(event)
	session.machine = next
	if next.state == StateConnected && previous != StateConnected {
		session.connectedAt = session.clock.Now()
	}
	session.lock.Unlock()

	if next.state != previous {
		session.stateChanged(previous, next.state)
	}
	return actions
}

func (session *Session) stateChanged(previous SessionState, next SessionState) {
	session.logger.Debug("gateway state changed", "from", previous.String(), "to", next.String())
	session.debug(fmt.Sprintf("state %s -> %s", previous, next))
	if next == StateConnected {
		session.readyOnce.Do(func() { close(session.ready) })
	}
	session.notify(func() { session.listeners.broadcastState(next) })
}

func (session *Session) debug(message string) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	session.notify(func() { session.bus.Emit(Event{Name: EventDebug, Data: data}) })
}

// notify runs deliver, which may call user handlers. Stop does not wait for
// the session goroutines while a delivery is in flight.
func (session *Session) notify(deliver func()) {
	session.callbacks.Add(1)
	defer session.callbacks.Add(-1)
	deliver()
}

func (session *Session) execute(run *connectionRun, actions []sessionAction) {
	for _, action := range actions {
		switch action.kind {
		case actionStartHeartbeat:
			session.lock.Lock()
			interval := session.machine.heartbeatInterval
			session.lock.Unlock()
			run.wait.Add(1)
			go session.heartbeatLoop(run, interval)

		case actionIdentify:
			if err := session.sendIdentify(run); err != nil {
				session.logger.Warn("identify failed", "error", err)
			}

		case actionIdentifyDelayed:
			run.wait.Add(1)
			go session.delayedIdentify(run)

		case actionResume:
			if err := session.sendResume(run); err != nil {
				session.logger.Warn("resume failed", "error", err)
			}

		case actionCloseConnection:
			target := run
			if target == nil {
				session.lock.Lock()
				target = session.active
				session.lock.Unlock()
			}
			if target != nil {
				_ = target.conn.Close(action.closeCode, "")
			}

		case actionReconnect:
			session.lock.Lock()
			session.reconnectImmediate = action.immediate
			session.lock.Unlock()

		case actionPersist:
			session.persist()

		case actionClearStore:
			if session.store != nil {
				if err := session.store.Clear(session.shard); err != nil {
					session.logger.Warn("clearing stored session failed", "error", err)
				}
			}

		case actionFatal:
			session.fail(&FatalCloseError{Close: &CloseError{Code: action.closeCode}})
		}
	}
}

func (session *Session) fail(err error) {
	session.lock.Lock()
	if session.fatalErr == nil {
		session.fatalErr = err
	}
	session.lock.Unlock()
	session.logger.Error("gateway session closed", "error", err)
	session.execute(nil, session.apply(sessionEvent{kind: eventStop}))
	session.notify(func() { session.listeners.broadcastException(err) })
}

func (session *Session) persist() {
	if session.store == nil {
		return
	}
	session.lock.Lock()
	resume := session.machine.resume
	shard := session.shard
	session.lock.Unlock()
	if err := session.store.Save(shard, resume); err != nil {
		session.logger.Warn("saving session failed", "error", err)
	}
}

// halt moves the session to Closed and closes the active connection with
// code 1000. Repeated calls are no-ops.
func (session *Session) halt() {
	session.execute(nil, session.apply(sessionEvent{kind: eventStop}))
}

func (session *Session) heartbeatLoop(run *connectionRun, interval time.Duration) {
	defer run.wait.Done()
	delay := time.Duration(session.random() * float64(interval))
	for {
		if err := clock.Sleep(run.ctx, session.clock, delay); err != nil {
			return
		}
		if run.ctx.Err() != nil || !session.generations.IsCurrent(run.generation) {
			return
		}
		if !session.heartbeatTick(run) {
			return
		}
		delay = interval
	}
}

// heartbeatTick sends one heartbeat. It reports false when the previous
// heartbeat was never acknowledged and the connection was closed instead.
func (session *Session) heartbeatTick(run *connectionRun) bool {
	session.lock.Lock()
	acknowledged := session.ackReceived
	session.lock.Unlock()

	if !acknowledged {
		session.logger.Warn("gateway heartbeat not acknowledged, reconnecting")
		session.debug(ErrHeartbeatTimeout.Error())
		session.execute(run, session.apply(sessionEvent{kind: eventHeartbeatTimeout}))
		return false
	}
	if err := session.sendHeartbeat(run); err != nil {
		session.logger.Warn("heartbeat failed", "error", err)
	}
	return true
}

func (session *Session) sendHeartbeat(run *connectionRun) error {
	session.lock.Lock()
	sequence := session.machine.resume.SequencePointer()
	session.ackReceived = false
	session.heartbeatSentAt = session.clock.Now()
	session.lock.Unlock()

	payload, err := encodeFrame(OpHeartbeat, sequence)
	if err != nil {
		return err
	}
	return session.write(run.ctx, run, payload, false)
}

func (session *Session) delayedIdentify(run *connectionRun) {
	defer run.wait.Done()
	delay := time.Second + time.Duration(session.random()*float64(4*time.Second))
	if err := clock.Sleep(run.ctx, session.clock, delay); err != nil {
		return
	}
	if !session.generations.IsCurrent(run.generation) || session.State() != StateIdentifying {
		return
	}
	if err := session.sendIdentify(run); err != nil {
		session.logger.Warn("identify failed", "error", err)
	}
}

func (session *Session) sendIdentify(run *connectionRun) error {
	session.lock.Lock()
	credentials := session.credentials
	shard := session.shard.pair()
	session.lock.Unlock()

	payload, err := encodeFrame(OpIdentify, IdentifyData{
		Token:          credentials.Token,
		Intents:        credentials.Intents,
		Properties:     credentials.Properties,
		Compress:       credentials.Compress,
		LargeThreshold: credentials.LargeThreshold,
		Shard:          &shard,
		Presence:       credentials.Presence,
	})
	if err != nil {
		return err
	}
	session.logger.Info("gateway identifying", "shard", shard[0], "shard_count", shard[1])
	return session.write(run.ctx, run, payload, true)
}

func (session *Session) sendResume(run *connectionRun) error {
	session.lock.Lock()
	token := session.credentials.Token
	resume := session.machine.resume
	session.lock.Unlock()

	payload, err := encodeFrame(OpResume, ResumeData{
		Token:     token,
		SessionID: resume.SessionID,
		Sequence:  resume.SequencePointer(),
	})
	if err != nil {
		return err
	}
	session.logger.Info("gateway resuming", "session_id", resume.SessionID, "sequence", resume.Sequence)
	return session.write(run.ctx, run, payload, true)
}
