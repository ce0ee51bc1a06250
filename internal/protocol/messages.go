// Package protocol defines the WebSocket message protocol between voice clients and the gateway.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message types from client to gateway. Audio travels as binary frames.
const (
	TypeHello     = "hello"
	TypeTextInput = "text_input"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Message types from gateway to client
const (
	TypeDebug           = "debug"
	TypeVADStatus       = "vad_status"
	TypePartialResponse = "partial_response"
	TypeFinalResponse   = "final_response"
	TypeTextResponse    = "text_response"
	TypeError           = "error"
)

// Values of vad_status.status
const (
	VADSpeaking = "speaking"
	VADWaiting  = "waiting"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// HelloMessage optionally binds the socket to a persistent conversation key.
type HelloMessage struct {
	BaseMessage
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// TextInputMessage carries a typed user turn.
type TextInputMessage struct {
	BaseMessage
	Content string `json:"content"`
}

// DebugMessage carries informational notices.
type DebugMessage struct {
	BaseMessage
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// VADStatusMessage reports voice activity transitions.
type VADStatusMessage struct {
	BaseMessage
	Status string `json:"status"`
}

// ContentMessage is used by partial_response, final_response and text_response.
type ContentMessage struct {
	BaseMessage
	Content string `json:"content"`
}

// ErrorMessage is sent by the gateway when an error occurs.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage      = "invalid_message"
	ErrorCodeTranscriptionFailed = "transcription_failed"
	ErrorCodeReasoningFailed     = "reasoning_failed"
	ErrorCodeSynthesisFailed     = "synthesis_failed"
	ErrorCodeCapacityExceeded    = "capacity_exceeded"
	ErrorCodeEmptyReply          = "empty_reply"
	ErrorCodeRateLimited         = "rate_limited"
	ErrorCodeInternalError       = "internal_error"
)

// Debug codes
const (
	DebugCodeConnected      = "connected"
	DebugCodeHelloAck       = "hello_ack"
	DebugCodeNoSpeech       = "no_speech"
	DebugCodeTurnInProgress = "turn_in_progress"
	DebugCodeNotice         = "notice"
)

func base(typ string) BaseMessage {
	return BaseMessage{Type: typ, Ts: time.Now().UnixMilli()}
}

// NewDebug builds a debug envelope.
func NewDebug(code, message string) DebugMessage {
	return DebugMessage{BaseMessage: base(TypeDebug), Code: code, Message: message}
}

// NewVADStatus builds a vad_status envelope.
func NewVADStatus(status string) VADStatusMessage {
	return VADStatusMessage{BaseMessage: base(TypeVADStatus), Status: status}
}

// NewPartial builds a partial_response envelope.
func NewPartial(content string) ContentMessage {
	return ContentMessage{BaseMessage: base(TypePartialResponse), Content: content}
}

// NewFinal builds a final_response envelope.
func NewFinal(content string) ContentMessage {
	return ContentMessage{BaseMessage: base(TypeFinalResponse), Content: content}
}

// NewTextResponse builds a text_response envelope.
func NewTextResponse(content string) ContentMessage {
	return ContentMessage{BaseMessage: base(TypeTextResponse), Content: content}
}

// NewError builds an error envelope.
func NewError(code, message string) ErrorMessage {
	return ErrorMessage{BaseMessage: base(TypeError), Code: code, Message: message}
}

// NewPing builds a keep-alive ping envelope.
func NewPing() BaseMessage {
	return base(TypePing)
}

// TransportError describes a malformed or unsupported client message.
type TransportError struct {
	Code    string
	Message string
	Param   string
}

func (e *TransportError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DecodeClientMessage parses a text frame and returns one of *HelloMessage,
// *TextInputMessage or *BaseMessage (ping/pong).
func DecodeClientMessage(data []byte) (any, error) {
	var b BaseMessage
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, &TransportError{Code: ErrorCodeInvalidMessage, Message: "invalid JSON message"}
	}

	switch b.Type {
	case TypeHello:
		var msg HelloMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &TransportError{Code: ErrorCodeInvalidMessage, Message: "invalid hello message"}
		}
		return &msg, nil
	case TypeTextInput:
		var msg TextInputMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &TransportError{Code: ErrorCodeInvalidMessage, Message: "invalid text_input message"}
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, &TransportError{Code: ErrorCodeInvalidMessage, Message: "content is required", Param: "content"}
		}
		return &msg, nil
	case TypePing, TypePong:
		return &b, nil
	case "":
		return nil, &TransportError{Code: ErrorCodeInvalidMessage, Message: "type is required", Param: "type"}
	default:
		return nil, &TransportError{Code: ErrorCodeInvalidMessage, Message: "unknown message type: " + b.Type, Param: "type"}
	}
}
