package dapi

import "time"

// SessionState is the lifecycle state of a gateway session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateConnected
	StateReconnecting
	StateClosed
)

func (state SessionState) String() string {
	switch state {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAwaitingHello:
		return "AwaitingHello"
	case StateIdentifying:
		return "Identifying"
	case StateResuming:
		return "Resuming"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ResumeState is what a session needs to resume after a disconnect.
type ResumeState struct {
	SessionID   string `cbor:"1,keyasint" yaml:"session_id"`
	ResumeURL   string `cbor:"2,keyasint" yaml:"resume_url"`
	Sequence    int64  `cbor:"3,keyasint" yaml:"sequence"`
	HasSequence bool   `cbor:"4,keyasint" yaml:"has_sequence"`
}

// CanResume reports whether a prior session exists.
func (resume ResumeState) CanResume() bool {
	return resume.SessionID != ""
}

// SequencePointer returns the sequence for heartbeat and resume payloads, nil
// before the first dispatch.
func (resume ResumeState) SequencePointer() *int64 {
	if !resume.HasSequence {
		return nil
	}
	sequence := resume.Sequence
	return &sequence
}

// observe records a dispatch sequence. Duplicates and out-of-order values
// are ignored.
func (resume ResumeState) observe(sequence int64) (ResumeState, bool) {
	if resume.HasSequence && sequence <= resume.Sequence {
		return resume, false
	}
	resume.Sequence = sequence
	resume.HasSequence = true
	return resume, true
}

type sessionEventKind int

const (
	eventConnect sessionEventKind = iota
	eventDialed
	eventDialFailed
	eventHello
	eventReady
	eventResumed
	eventInvalidSession
	eventReconnectRequested
	eventConnectionClosed
	eventHeartbeatTimeout
	eventStop
)

type sessionEvent struct {
	kind      sessionEventKind
	interval  time.Duration
	ready     ReadyData
	resumable bool
	closeCode int
}

type sessionActionKind int

const (
	actionStartHeartbeat sessionActionKind = iota
	actionIdentify
	actionIdentifyDelayed
	actionResume
	actionCloseConnection
	actionReconnect
	actionPersist
	actionClearStore
	actionFatal
)

type sessionAction struct {
	kind      sessionActionKind
	closeCode int
	immediate bool
}

// sessionMachine is the pure part of a gateway session. transition never
// performs I/O; the session executes the returned actions.
type sessionMachine struct {
	state             SessionState
	resume            ResumeState
	heartbeatInterval time.Duration
}

func (machine sessionMachine) live() bool {
	switch machine.state {
	case StateAwaitingHello, StateIdentifying, StateResuming, StateConnected:
		return true
	default:
		return false
	}
}

func (machine sessionMachine) transition(event sessionEvent) (sessionMachine, []sessionAction) {
	if machine.state == StateClosed {
		return machine, nil
	}

	switch event.kind {
	case eventStop:
		machine.state = StateClosed
		machine.resume = ResumeState{}
		return machine, []sessionAction{
			{kind: actionCloseConnection, closeCode: CloseNormal},
			{kind: actionClearStore},
		}

	case eventConnect:
		if machine.state == StateDisconnected || machine.state == StateReconnecting {
			machine.state = StateConnecting
		}
		return machine, nil

	case eventDialed:
		if machine.state != StateConnecting {
			return machine, nil
		}
		machine.state = StateAwaitingHello
		return machine, nil

	case eventDialFailed:
		if machine.state != StateConnecting {
			return machine, nil
		}
		machine.state = StateReconnecting
		return machine, []sessionAction{{kind: actionReconnect}}

	case eventHello:
		if machine.state != StateAwaitingHello {
			return machine, nil
		}
		machine.heartbeatInterval = event.interval
		if machine.resume.CanResume() {
			machine.state = StateResuming
			return machine, []sessionAction{{kind: actionStartHeartbeat}, {kind: actionResume}}
		}
		machine.state = StateIdentifying
		return machine, []sessionAction{{kind: actionStartHeartbeat}, {kind: actionIdentify}}

	case eventReady:
		if machine.state != StateIdentifying && machine.state != StateResuming {
			return machine, nil
		}
		machine.state = StateConnected
		machine.resume.SessionID = event.ready.SessionID
		machine.resume.ResumeURL = event.ready.ResumeGatewayURL
		return machine, []sessionAction{{kind: actionPersist}}

	case eventResumed:
		if machine.state != StateResuming {
			return machine, nil
		}
		machine.state = StateConnected
		return machine, []sessionAction{{kind: actionPersist}}

	case eventInvalidSession:
		if !machine.live() || machine.state == StateAwaitingHello {
			return machine, nil
		}
		if event.resumable && machine.resume.CanResume() {
			machine.state = StateReconnecting
			return machine, []sessionAction{
				{kind: actionCloseConnection, closeCode: CloseUnknownError},
				{kind: actionReconnect, immediate: true},
			}
		}
		machine.resume = ResumeState{}
		machine.state = StateIdentifying
		return machine, []sessionAction{{kind: actionClearStore}, {kind: actionIdentifyDelayed}}

	case eventReconnectRequested:
		if !machine.live() {
			return machine, nil
		}
		machine.state = StateReconnecting
		return machine, []sessionAction{
			{kind: actionCloseConnection, closeCode: CloseUnknownError},
			{kind: actionReconnect, immediate: true},
		}

	case eventHeartbeatTimeout:
		if !machine.live() {
			return machine, nil
		}
		machine.state = StateReconnecting
		return machine, []sessionAction{
			{kind: actionCloseConnection, closeCode: CloseUnknownError},
			{kind: actionReconnect},
		}

	case eventConnectionClosed:
		if !machine.live() {
			return machine, nil
		}
		switch ClassifyCloseCode(event.closeCode) {
		case CloseFatal:
			machine.state = StateClosed
			machine.resume = ResumeState{}
			return machine, []sessionAction{{kind: actionClearStore}, {kind: actionFatal, closeCode: event.closeCode}}
		case CloseReconnectFresh:
			machine.state = StateReconnecting
			machine.resume = ResumeState{}
			return machine, []sessionAction{{kind: actionClearStore}, {kind: actionReconnect}}
		default:
			machine.state = StateReconnecting
			return machine, []sessionAction{{kind: actionPersist}, {kind: actionReconnect}}
		}
	}
	return machine, nil
}
