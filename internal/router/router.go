// Package router reacts to server events of a realtime session.
//
// [Router.Handle] is called by the session receive loop with one raw message
// at a time. Events are processed strictly sequentially; the router keeps no
// lock because it is never entered concurrently.
//
// Barge-in: when the server reports that the user started speaking, the
// router first sends response.cancel, then clears the playback buffer, and
// then discards any audio delta still in flight for the cancelled generation.
// Discarding ends when the next generation announces itself, either with
// response.created or with a delta carrying a different response id.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/tools"
	"github.com/MrWong99/voxline/pkg/realtime"
)

// Sender transmits client messages. *session.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

// Configurer is optionally implemented by the Sender to complete a handshake
// when session.created is routed rather than consumed by Connect.
type Configurer interface {
	EnsureConfigured(ctx context.Context) error
}

// Playback receives decoded model audio. *audio.PlaybackBuffer satisfies it.
type Playback interface {
	// Append enqueues a chunk; nil marks the end of a generation.
	Append(chunk []byte)
	Clear()
}

// ToolExecutor runs function calls. *tools.Host satisfies it.
type ToolExecutor interface {
	Execute(ctx context.Context, call tools.Call) tools.Result
}

// pendingGeneration is the model response currently producing audio.
type pendingGeneration struct {
	id         string
	gotAudio   bool
	startedAt  time.Time
	audioBytes int
}

// Router dispatches server events.
type Router struct {
	sender   Sender
	playback Playback
	tools    ToolExecutor
	log      *slog.Logger
	metrics  *observe.Metrics

	sessionID   func() string
	onAudioDone func(ctx context.Context, responseID string)

	pending *pendingGeneration

	// discarding is set by a barge-in; cancelledID is the generation that
	// was cancelled, possibly "".
	discarding  bool
	cancelledID string

	// speechStoppedAt is when the user last stopped talking, used for the
	// first-audio latency metric.
	speechStoppedAt time.Time
}

// Option configures a [Router].
type Option func(*Router)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithSessionID supplies the current session id for function calls.
func WithSessionID(fn func() string) Option {
	return func(r *Router) { r.sessionID = fn }
}

// WithAudioDoneHook registers fn to run after the end marker of a generation
// was queued for playback.
func WithAudioDoneHook(fn func(ctx context.Context, responseID string)) Option {
	return func(r *Router) { r.onAudioDone = fn }
}

// New returns a Router. tools may be nil, in which case every function call
// is answered with an error output.
func New(sender Sender, playback Playback, executor ToolExecutor, opts ...Option) *Router {
	r := &Router{sender: sender, playback: playback, tools: executor}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.sessionID == nil {
		r.sessionID = func() string { return "" }
	}
	return r
}

// Handle processes one raw inbound message. It has the signature of
// session.Handler.
func (r *Router) Handle(ctx context.Context, msg []byte) {
	evt, err := realtime.Decode(msg)
	if err != nil {
		r.log.Warn("skipping malformed server message", "err", err, "bytes", len(msg))
		return
	}
	r.metrics.RecordServerEvent(ctx, evt.Type)

	switch evt.Type {
	case realtime.EventSessionCreated:
		r.handleSessionCreated(ctx)
	case realtime.EventSessionUpdated:
		r.log.Debug("session configuration acknowledged")
	case realtime.EventResponseCreated:
		r.handleResponseCreated(evt)
	case realtime.EventAudioDelta:
		r.handleAudioDelta(ctx, evt)
	case realtime.EventAudioDone:
		r.handleAudioDone(ctx, evt)
	case realtime.EventSpeechStarted:
		r.handleSpeechStarted(ctx)
	case realtime.EventSpeechStopped:
		r.speechStoppedAt = time.Now()
		r.log.Info("user stopped speaking")
	case realtime.EventFunctionCallArgsDone:
		r.handleFunctionCall(ctx, evt)
	case realtime.EventFunctionCallArgsDelta, realtime.EventAudioTranscriptDelta:
		// Accumulated server side; the -done events carry the full value.
	case realtime.EventAudioTranscriptDone:
		r.log.Info("assistant transcript", "response_id", evt.ResponseID, "text", evt.Transcript)
	case realtime.EventInputTranscriptCompleted:
		r.log.Info("user transcript", "item_id", evt.ItemID, "text", evt.Transcript)
	case realtime.EventResponseDone:
		r.handleResponseDone(evt)
	case realtime.EventError:
		r.handleError(ctx, evt)
	default:
		r.log.Debug("ignoring unhandled server event", "type", evt.Type)
	}
}

// Reset forgets the in-flight generation and any discard state. Call it after
// the session was re-established.
func (r *Router) Reset() {
	r.pending = nil
	r.discarding = false
	r.cancelledID = ""
	r.speechStoppedAt = time.Time{}
}

func (r *Router) handleSessionCreated(ctx context.Context) {
	c, ok := r.sender.(Configurer)
	if !ok {
		return
	}
	if err := c.EnsureConfigured(ctx); err != nil {
		r.log.Warn("session configuration failed", "err", err)
	}
}

func (r *Router) handleResponseCreated(evt *realtime.ServerEvent) {
	id := evt.GenerationID()
	if r.discarding {
		r.log.Debug("new generation ends discard", "cancelled", r.cancelledID, "response_id", id)
	}
	r.discarding = false
	r.cancelledID = ""
	r.pending = &pendingGeneration{id: id, startedAt: time.Now()}
}

func (r *Router) handleAudioDelta(ctx context.Context, evt *realtime.ServerEvent) {
	id := evt.GenerationID()
	if r.discarding {
		if id == "" || id == r.cancelledID {
			r.metrics.StaleDeltas.Add(ctx, 1)
			return
		}
		r.discarding = false
		r.cancelledID = ""
	}

	pcm, err := realtime.DecodeAudio(evt.Delta)
	if err != nil {
		r.log.Warn("skipping undecodable audio delta", "response_id", id, "err", err)
		return
	}

	if r.pending == nil || (id != "" && r.pending.id != id) {
		r.pending = &pendingGeneration{id: id, startedAt: time.Now()}
	}
	if !r.pending.gotAudio {
		r.pending.gotAudio = true
		if !r.speechStoppedAt.IsZero() {
			r.metrics.FirstAudioLatency.Record(ctx, time.Since(r.speechStoppedAt).Seconds())
			r.speechStoppedAt = time.Time{}
		}
	}
	r.pending.audioBytes += len(pcm)
	r.playback.Append(pcm)
}

func (r *Router) handleAudioDone(ctx context.Context, evt *realtime.ServerEvent) {
	id := evt.GenerationID()
	if r.discarding && (id == "" || id == r.cancelledID) {
		return
	}
	r.playback.Append(nil)

	attrs := []any{"response_id", id}
	if r.pending != nil {
		attrs = append(attrs, "bytes", r.pending.audioBytes, "elapsed", time.Since(r.pending.startedAt))
	}
	r.pending = nil
	r.log.Info("response audio complete", attrs...)

	if r.onAudioDone != nil {
		r.onAudioDone(ctx, id)
	}
}

// handleSpeechStarted is the barge-in path. The cancel goes out before the
// buffer is cleared.
func (r *Router) handleSpeechStarted(ctx context.Context) {
	r.metrics.BargeIns.Add(ctx, 1)

	if err := r.sender.Send(ctx, realtime.Cancel()); err != nil {
		r.log.Warn("failed to send response.cancel", "err", err)
	}
	r.playback.Clear()

	r.discarding = true
	r.cancelledID = ""
	if r.pending != nil {
		r.cancelledID = r.pending.id
	}
	r.pending = nil
	r.log.Info("user started speaking, playback cleared", "cancelled", r.cancelledID)
}

func (r *Router) handleFunctionCall(ctx context.Context, evt *realtime.ServerEvent) {
	call := tools.Call{
		Name:      evt.Name,
		CallID:    evt.CallID,
		Arguments: evt.Arguments,
		SessionID: r.sessionID(),
	}
	r.log.Info("function call", "name", call.Name, "call_id", call.CallID, "arguments", call.Arguments)

	var output string
	if r.tools == nil {
		output = tools.ErrorOutput("no tools available")
	} else {
		output = r.tools.Execute(ctx, call).Output
	}

	if err := r.sender.Send(ctx, realtime.NewFunctionCallOutput(call.CallID, output)); err != nil {
		r.log.Warn("failed to send function call output", "call_id", call.CallID, "err", err)
		return
	}
	if err := r.sender.Send(ctx, realtime.CreateResponse()); err != nil {
		r.log.Warn("failed to request response after function call", "call_id", call.CallID, "err", err)
	}
	r.log.Info("function call answered", "name", call.Name, "call_id", call.CallID, "output", output)
}

func (r *Router) handleResponseDone(evt *realtime.ServerEvent) {
	status := ""
	if evt.Response != nil {
		status = evt.Response.Status
	}
	r.log.Info("response done", "response_id", evt.GenerationID(), "status", status)
}

func (r *Router) handleError(ctx context.Context, evt *realtime.ServerEvent) {
	msg := evt.ErrorMessage()
	if msg == realtime.EmptyCommitMessage {
		r.metrics.RecordServerError(ctx, true)
		return
	}
	r.metrics.RecordServerError(ctx, false)

	var code, typ string
	if evt.Error != nil {
		code, typ = evt.Error.Code, evt.Error.Type
	}
	r.log.Warn("server error", "message", msg, "code", code, "type", typ)
}
