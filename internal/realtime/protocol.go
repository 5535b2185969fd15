package realtime

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Protocol action constants, matching the realtime message bus's wire
// protocol exactly.
const (
	ActionHeartbeat    = 0
	ActionConnected    = 4
	ActionDisconnected = 6
	ActionClose        = 7
	ActionClosed       = 8
	ActionError        = 9
	ActionAttach       = 10
	ActionAttached     = 11
	ActionDetached     = 13
	ActionMessage      = 15
	ActionAuth         = 17
)

// Protocol error codes.
const (
	ErrCodeFailed                 = 80000
	ErrCodeTimeout                = 80014
	ErrCodeChannelOperationFailed = 90000
	ErrCodeBadRequest             = 40000
)

// Connection-level error codes checked by isRetriable.
var connectionErrorCodes = map[int32]bool{
	80003: true, // DISCONNECTED
	80002: true, // SUSPENDED
	80000: true, // FAILED
	80017: true, // CLOSING / CLOSED
	50002: true, // UNKNOWN_CONNECTION_ERR
	50001: true, // UNKNOWN_CHANNEL_ERR
}

// ATTACH flags.
const (
	FlagHasPresence       = 1
	FlagHasBacklog        = 2
	FlagHasChannelResumed = 4
	FlagAttachResume      = 1 << 5
	FlagModeSubscribe     = 1 << 18
)

// ProtocolMessage is the msgpack envelope for every frame exchanged over
// the realtime WebSocket.
type ProtocolMessage struct {
	Action            int32              `msgpack:"action"`
	ID                string             `msgpack:"id,omitempty"`
	Channel           string             `msgpack:"channel,omitempty"`
	ChannelSerial     string             `msgpack:"channelSerial,omitempty"`
	ConnectionID      string             `msgpack:"connectionId,omitempty"`
	ConnectionKey     string             `msgpack:"connectionKey,omitempty"`
	ConnectionDetails *ConnectionDetails `msgpack:"connectionDetails,omitempty"`
	MsgSerial         int64              `msgpack:"msgSerial,omitempty"`
	Flags             int32              `msgpack:"flags,omitempty"`
	Error             *ErrorInfo         `msgpack:"error,omitempty"`
	Auth              *AuthDetails       `msgpack:"auth,omitempty"`
	Messages          []AblyMessage      `msgpack:"messages,omitempty"`
	Timestamp         int64              `msgpack:"timestamp,omitempty"`
	Params            map[string]string  `msgpack:"params,omitempty"`
}

// ConnectionDetails carries server-assigned connection limits and identity.
type ConnectionDetails struct {
	ClientID           string `msgpack:"clientId,omitempty"`
	ConnectionKey      string `msgpack:"connectionKey,omitempty"`
	ConnectionStateTTL int64  `msgpack:"connectionStateTtl,omitempty"`
	MaxIdleInterval    int64  `msgpack:"maxIdleInterval,omitempty"`
}

// ErrorInfo describes a protocol-level error embedded in a message.
type ErrorInfo struct {
	Code       int32  `msgpack:"code"`
	StatusCode int32  `msgpack:"statusCode,omitempty"`
	Message    string `msgpack:"message"`
}

// AuthDetails carries the token used by an AUTH message.
type AuthDetails struct {
	AccessToken string `msgpack:"accessToken"`
}

// AblyMessage is one payload within a MESSAGE frame.
type AblyMessage struct {
	ID        string      `msgpack:"id,omitempty"`
	Name      string      `msgpack:"name,omitempty"`
	Data      interface{} `msgpack:"data,omitempty"`
	ClientID  string      `msgpack:"clientId,omitempty"`
	Timestamp int64       `msgpack:"timestamp,omitempty"`
	Encoding  string      `msgpack:"encoding,omitempty"`
}

func encodeMsg(msg ProtocolMessage) ([]byte, error) {
	return msgpack.Marshal(&msg)
}

func decodeMsg(data []byte) (ProtocolMessage, error) {
	var msg ProtocolMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return ProtocolMessage{}, err
	}
	return msg, nil
}

// buildAttachMsg constructs an ATTACH frame. When resuming a known
// channel serial, ATTACH_RESUME is set alongside MODE_SUBSCRIBE.
func buildAttachMsg(channel string, params map[string]string, channelSerial string) ProtocolMessage {
	flags := int32(FlagModeSubscribe)
	if channelSerial != "" {
		flags |= FlagAttachResume
	}
	return ProtocolMessage{
		Action:        ActionAttach,
		Channel:       channel,
		ChannelSerial: channelSerial,
		Flags:         flags,
		Params:        params,
	}
}

// errorOrUnknown substitutes a placeholder when a DISCONNECTED/ERROR frame
// carries no error detail.
func errorOrUnknown(err *ErrorInfo) ErrorInfo {
	if err == nil {
		return ErrorInfo{Code: ErrCodeFailed, Message: "no error details from server"}
	}
	return *err
}

// isRetriable mirrors ably-js's isRetriable(): no status code, a 5xx, or a
// known connection-error code even at 4xx.
func isRetriable(err ErrorInfo) bool {
	if err.StatusCode == 0 {
		return true
	}
	if err.StatusCode >= 500 {
		return true
	}
	return connectionErrorCodes[err.Code]
}
