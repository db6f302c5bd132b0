// Package realtime models the OpenAI Realtime wire protocol as used by
// voxline: the client events it sends and the subset of server events it
// consumes.
//
// Outbound messages are encoded with [Encode], which produces compact,
// newline-free JSON with field order fixed by the struct definitions. The
// encoding is byte-stable; tests pin the exact bytes of every message kind.
package realtime

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Client event types.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioAppend       = "input_audio_buffer.append"
	TypeInputAudioCommit       = "input_audio_buffer.commit"
	TypeResponseCancel         = "response.cancel"
	TypeResponseCreate         = "response.create"
	TypeConversationItemCreate = "conversation.item.create"
)

// ── Outgoing ──────────────────────────────────────────────────────────────────

// SessionUpdate configures the session. Sent exactly once after
// session.created.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// SessionConfig is the session object of a [SessionUpdate].
type SessionConfig struct {
	Voice         string        `json:"voice"`
	TurnDetection TurnDetection `json:"turn_detection"`
	Tools         []Tool        `json:"tools"`

	// Instructions is an opaque persona/prompt string. Omitted when empty.
	Instructions string `json:"instructions,omitempty"`
}

// TurnDetection is the server-side voice activity detection policy.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// DefaultTurnDetection is server VAD with threshold 0.5, 300 ms prefix
// padding and 1 s of silence to end a turn.
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 1000,
	}
}

// Tool declares a function the model may call. Parameters is a JSON schema
// kept as raw bytes so its key order is preserved on the wire.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// AudioAppend carries one base64 encoded PCM16 chunk.
type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// Control is a message consisting of only its type, e.g. commit or cancel.
type Control struct {
	Type string `json:"type"`
}

// ConversationItemCreate returns a function call result to the model.
type ConversationItemCreate struct {
	Type string             `json:"type"`
	Item FunctionCallOutput `json:"item"`
}

// FunctionCallOutput is the item of a [ConversationItemCreate].
type FunctionCallOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// NewSessionUpdate builds the configuration message. A nil tools slice is
// sent as an empty array.
func NewSessionUpdate(voice string, td TurnDetection, tools []Tool, instructions string) SessionUpdate {
	if tools == nil {
		tools = []Tool{}
	}
	return SessionUpdate{
		Type: TypeSessionUpdate,
		Session: SessionConfig{
			Voice:         voice,
			TurnDetection: td,
			Tools:         tools,
			Instructions:  instructions,
		},
	}
}

// NewAudioAppend base64 encodes pcm into an append message.
func NewAudioAppend(pcm []byte) AudioAppend {
	return AudioAppend{Type: TypeInputAudioAppend, Audio: base64.StdEncoding.EncodeToString(pcm)}
}

// PCMLen returns the number of PCM bytes carried by m.
func (m AudioAppend) PCMLen() int {
	n := len(m.Audio)
	if n == 0 {
		return 0
	}
	pad := len(m.Audio) - len(strings.TrimRight(m.Audio, "="))
	return n/4*3 - pad
}

// Commit returns an input_audio_buffer.commit message.
func Commit() Control { return Control{Type: TypeInputAudioCommit} }

// Cancel returns a response.cancel message.
func Cancel() Control { return Control{Type: TypeResponseCancel} }

// CreateResponse returns a response.create message.
func CreateResponse() Control { return Control{Type: TypeResponseCreate} }

// NewFunctionCallOutput wraps a tool result for callID.
func NewFunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: FunctionCallOutput{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// Encode serialises a client message as compact JSON without HTML escaping
// and without a trailing newline.
func Encode(msg any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("realtime: encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// TypeOf extracts the type field of an encoded message without decoding the
// rest of it. It returns "" if data is not a JSON object with a string type.
func TypeOf(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Type
}
