package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Server event types consumed by voxline.
const (
	EventSessionCreated           = "session.created"
	EventSessionUpdated           = "session.updated"
	EventResponseCreated          = "response.created"
	EventResponseDone             = "response.done"
	EventAudioDelta               = "response.audio.delta"
	EventAudioDone                = "response.audio.done"
	EventAudioTranscriptDelta     = "response.audio_transcript.delta"
	EventAudioTranscriptDone      = "response.audio_transcript.done"
	EventSpeechStarted            = "input_audio_buffer.speech_started"
	EventSpeechStopped            = "input_audio_buffer.speech_stopped"
	EventFunctionCallArgsDelta    = "response.function_call_arguments.delta"
	EventFunctionCallArgsDone     = "response.function_call_arguments.done"
	EventInputTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	EventError                    = "error"
)

// EmptyCommitMessage is the error message the server sends when a commit
// arrives for an empty input buffer. It is harmless and never surfaced.
const EmptyCommitMessage = "Error committing input audio buffer: the buffer is empty."

// ErrMissingType is returned by [Decode] for objects without a type field.
var ErrMissingType = errors.New("realtime: event has no type")

// ── Incoming ──────────────────────────────────────────────────────────────────

// ServerEvent is the union of the server event fields voxline reads.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// response.audio.delta / response.audio.done / transcript events
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// response.created / response.done
	Response *ResponseInfo `json:"response,omitempty"`

	// session.created / session.updated
	Session *SessionInfo `json:"session,omitempty"`

	// error
	Error *ErrorDetail `json:"error,omitempty"`
}

// ResponseInfo is the response object of response.created and response.done.
type ResponseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// SessionInfo is the session object of session.created.
type SessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}

// ErrorDetail represents the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Decode parses one inbound message.
func Decode(data []byte) (*ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("realtime: decode: %w", err)
	}
	if evt.Type == "" {
		return nil, ErrMissingType
	}
	return &evt, nil
}

// GenerationID returns the identifier of the response the event belongs to,
// or "" when the event carries none.
func (e *ServerEvent) GenerationID() string {
	if e.ResponseID != "" {
		return e.ResponseID
	}
	if e.Response != nil {
		return e.Response.ID
	}
	return ""
}

// ErrorMessage returns the error message of an error event, or "".
func (e *ServerEvent) ErrorMessage() string {
	if e.Error == nil {
		return ""
	}
	return e.Error.Message
}

// DecodeAudio decodes the base64 PCM16 payload of an audio delta.
func DecodeAudio(delta string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		return nil, fmt.Errorf("realtime: decode audio: %w", err)
	}
	return pcm, nil
}
