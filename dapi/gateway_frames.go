package dapi

import (
	"encoding/json"
	"time"
)

// Opcode is a gateway frame opcode.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

func (op Opcode) String() string {
	switch op {
	case OpDispatch:
		return "Dispatch"
	case OpHeartbeat:
		return "Heartbeat"
	case OpIdentify:
		return "Identify"
	case OpPresenceUpdate:
		return "PresenceUpdate"
	case OpResume:
		return "Resume"
	case OpReconnect:
		return "Reconnect"
	case OpRequestGuildMembers:
		return "RequestGuildMembers"
	case OpInvalidSession:
		return "InvalidSession"
	case OpHello:
		return "Hello"
	case OpHeartbeatAck:
		return "HeartbeatAck"
	default:
		return "Unknown"
	}
}

// Frame is the envelope of every gateway message.
type Frame struct {
	Op       Opcode          `json:"op"`
	Data     json.RawMessage `json:"d,omitempty"`
	Sequence *int64          `json:"s,omitempty"`
	Type     string          `json:"t,omitempty"`
}

// outboundFrame always carries d, including a JSON null.
type outboundFrame struct {
	Op   Opcode      `json:"op"`
	Data interface{} `json:"d"`
}

func encodeFrame(op Opcode, data interface{}) ([]byte, error) {
	return json.Marshal(outboundFrame{Op: op, Data: data})
}

// HelloData is the payload of op 10.
type HelloData struct {
	HeartbeatIntervalMillis int64 `json:"heartbeat_interval"`
}

// Interval returns the heartbeat interval.
func (hello HelloData) Interval() time.Duration {
	return time.Duration(hello.HeartbeatIntervalMillis) * time.Millisecond
}

// IdentifyProperties describe the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os" yaml:"os"`
	Browser string `json:"browser" yaml:"browser"`
	Device  string `json:"device" yaml:"device"`
}

// Shard identifies one connection out of Count.
type Shard struct {
	Index int `json:"index" yaml:"index"`
	Count int `json:"count" yaml:"count"`
}

func (shard Shard) pair() [2]int {
	count := shard.Count
	if count <= 0 {
		count = 1
	}
	return [2]int{shard.Index, count}
}

// Activity is one entry of a presence.
type Activity struct {
	Name  string `json:"name"`
	Type  int    `json:"type"`
	URL   string `json:"url,omitempty"`
	State string `json:"state,omitempty"`
}

// Presence is sent in identify and in op 3.
type Presence struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

const (
	StatusOnline    = "online"
	StatusDND       = "dnd"
	StatusIdle      = "idle"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// IdentifyData is the payload of op 2.
type IdentifyData struct {
	Token          string             `json:"token"`
	Intents        Intents            `json:"intents"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          *[2]int            `json:"shard,omitempty"`
	Presence       *Presence          `json:"presence,omitempty"`
}

// ResumeData is the payload of op 6.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  *int64 `json:"seq"`
}

// RequestGuildMembersData is the payload of op 8.
type RequestGuildMembersData struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// ReadyData is the part of the READY dispatch the session keeps.
type ReadyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	Shard            []int  `json:"shard,omitempty"`
}

// Intents is the gateway intents bitset.
type Intents int

const (
	IntentGuilds Intents = 1 << iota
	IntentGuildMembers
	IntentGuildModeration
	IntentGuildEmojisAndStickers
	IntentGuildIntegrations
	IntentGuildWebhooks
	IntentGuildInvites
	IntentGuildVoiceStates
	IntentGuildPresences
	IntentGuildMessages
	IntentGuildMessageReactions
	IntentGuildMessageTyping
	IntentDirectMessages
	IntentDirectMessageReactions
	IntentDirectMessageTyping
	IntentMessageContent
	IntentGuildScheduledEvents
	IntentAutoModerationConfiguration
	IntentAutoModerationExecution

	IntentsAll = IntentGuilds | IntentGuildMembers | IntentGuildModeration |
		IntentGuildEmojisAndStickers | IntentGuildIntegrations | IntentGuildWebhooks |
		IntentGuildInvites | IntentGuildVoiceStates | IntentGuildPresences |
		IntentGuildMessages | IntentGuildMessageReactions | IntentGuildMessageTyping |
		IntentDirectMessages | IntentDirectMessageReactions | IntentDirectMessageTyping |
		IntentMessageContent | IntentGuildScheduledEvents |
		IntentAutoModerationConfiguration | IntentAutoModerationExecution
)

// Has reports whether every bit of flag is set.
func (intents Intents) Has(flag Intents) bool {
	return intents&flag == flag
}

// Event names delivered on the EventBus. Dispatch events use the server's
// t field; EventDebug is emitted by the session itself.
const (
	EventReady                 = "READY"
	EventResumed               = "RESUMED"
	EventChannelCreate         = "CHANNEL_CREATE"
	EventChannelUpdate         = "CHANNEL_UPDATE"
	EventChannelDelete         = "CHANNEL_DELETE"
	EventChannelPinsUpdate     = "CHANNEL_PINS_UPDATE"
	EventThreadCreate          = "THREAD_CREATE"
	EventThreadUpdate          = "THREAD_UPDATE"
	EventThreadDelete          = "THREAD_DELETE"
	EventGuildCreate           = "GUILD_CREATE"
	EventGuildUpdate           = "GUILD_UPDATE"
	EventGuildDelete           = "GUILD_DELETE"
	EventGuildMemberAdd        = "GUILD_MEMBER_ADD"
	EventGuildMemberRemove     = "GUILD_MEMBER_REMOVE"
	EventGuildMemberUpdate     = "GUILD_MEMBER_UPDATE"
	EventGuildMembersChunk     = "GUILD_MEMBERS_CHUNK"
	EventInteractionCreate     = "INTERACTION_CREATE"
	EventMessageCreate         = "MESSAGE_CREATE"
	EventMessageUpdate         = "MESSAGE_UPDATE"
	EventMessageDelete         = "MESSAGE_DELETE"
	EventMessageDeleteBulk     = "MESSAGE_DELETE_BULK"
	EventMessageReactionAdd    = "MESSAGE_REACTION_ADD"
	EventMessageReactionRemove = "MESSAGE_REACTION_REMOVE"
	EventPresenceUpdate        = "PRESENCE_UPDATE"
	EventTypingStart           = "TYPING_START"
	EventUserUpdate            = "USER_UPDATE"
	EventVoiceStateUpdate      = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate     = "VOICE_SERVER_UPDATE"
	EventWebhooksUpdate        = "WEBHOOKS_UPDATE"
	EventDebug                 = "DEBUG"
)

// Gateway close codes.
const (
	CloseNormal               = 1000
	CloseGoingAway            = 1001
	CloseAbnormal             = 1006
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSequence      = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// CloseClass is the session's reaction to a close code.
type CloseClass int

const (
	// CloseResumable reconnects and resumes the session.
	CloseResumable CloseClass = iota
	// CloseReconnectFresh reconnects and identifies a new session.
	CloseReconnectFresh
	// CloseFatal stops the session.
	CloseFatal
)

func (class CloseClass) String() string {
	switch class {
	case CloseResumable:
		return "resumable"
	case CloseReconnectFresh:
		return "reconnect-fresh"
	case CloseFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyCloseCode maps a close code to its CloseClass. Unknown codes are
// resumable.
func ClassifyCloseCode(code int) CloseClass {
	switch code {
	case CloseInvalidSequence:
		return CloseReconnectFresh
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return CloseFatal
	default:
		return CloseResumable
	}
}
