// Package session owns the connection to the realtime endpoint.
//
// A [Client] walks through the session lifecycle:
//
//	Connecting → AwaitingCreated → Configuring → Active → Closing → Closed
//
// Connect dials the endpoint, waits for session.created, sends exactly one
// session.update and only then reports Active. Audio appended while the
// session is not Active is held in a bounded backlog and flushed in order as
// soon as the session becomes Active; every other message fails fast with
// [ErrNotActive]. A lost transport also leaves the client Closed, but only
// [Client.Close] is final: Connect starts the lifecycle again, which is what
// a [Reconnector] does after transport faults.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/pkg/realtime"
)

var (
	// ErrNotActive is returned by Send for non-audio messages while the
	// session is not Active.
	ErrNotActive = errors.New("session: not active")

	// ErrBacklogFull is returned by Send when audio cannot be queued because
	// the pre-activation backlog reached its limit. The chunk is dropped.
	ErrBacklogFull = errors.New("session: audio backlog full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")

	// ErrDropped is returned by Run when the connection was dropped on
	// purpose with [Client.Drop] and should be re-established immediately.
	ErrDropped = errors.New("session: connection dropped")
)

// Defaults for [Config].
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultBacklogLimit     = 256
)

// State is the lifecycle state of a [Client].
type State int32

const (
	StateConnecting State = iota
	StateAwaitingCreated
	StateConfiguring
	StateActive
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingCreated:
		return "awaiting_created"
	case StateConfiguring:
		return "configuring"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Dialer opens channels to the endpoint. *transport.Negotiator satisfies it.
type Dialer interface {
	Dial(ctx context.Context, url string) (transport.Channel, error)
}

// Config holds the session parameters.
type Config struct {
	// URL is the full endpoint URL including the model query parameter.
	URL string

	Voice         string
	TurnDetection realtime.TurnDetection
	Tools         []realtime.Tool

	// Instructions is passed through verbatim. Empty omits the field.
	Instructions string

	// HandshakeTimeout bounds the wait for session.created.
	HandshakeTimeout time.Duration

	// BacklogLimit is the maximum number of audio chunks held while the
	// session is not Active.
	BacklogLimit int
}

// Client is the session client. Safe for concurrent use.
type Client struct {
	dialer  Dialer
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	state atomic.Int32

	// mu guards ch, backlog, sessionID and the voice and instructions of
	// cfg.
	mu           sync.Mutex
	ch           transport.Channel
	backlog      [][]byte
	backlogAudio int
	sessionID    string

	onActive func(ctx context.Context, flushedAudio int)

	// writeMu serialises writes to ch.
	writeMu sync.Mutex

	// dropped is set by Drop and consumed by Run or the next Connect.
	dropped atomic.Bool

	// closed is set by Close. A session that lost its transport is in
	// StateClosed as well but may still reconnect.
	closed atomic.Bool
}

// Option configures a [Client].
type Option func(*Client)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithActivateHook sets fn to run each time the session becomes Active,
// after the audio backlog was flushed. flushedAudio is the number of PCM
// bytes the flush appended to the new server-side input buffer.
func WithActivateHook(fn func(ctx context.Context, flushedAudio int)) Option {
	return func(c *Client) { c.onActive = fn }
}

// New returns a Client in state Connecting. Call Connect to establish the
// session.
func New(d Dialer, cfg Config, opts ...Option) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = DefaultBacklogLimit
	}
	c := &Client{dialer: d, cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// SessionID returns the server assigned id of the current session, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect establishes a session: dial, wait for session.created, send
// session.update, become Active and flush the backlog. It may be called again
// after a transport fault; any previous channel is closed first.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.dropped.Store(false)

	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()
	start := time.Now()

	c.setState(StateConnecting)
	c.mu.Lock()
	old := c.ch
	c.ch = nil
	c.sessionID = ""
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	ch, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		observe.Fail(span, err)
		return fmt.Errorf("session: connect: %w", err)
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = ch.Close()
		return ErrClosed
	}
	c.ch = ch
	c.mu.Unlock()
	c.setState(StateAwaitingCreated)

	sessionID, err := c.awaitCreated(ctx, ch)
	if err != nil {
		observe.Fail(span, err)
		c.abort(ch)
		return err
	}
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
	span.SetAttributes(observe.AttrSessionID.String(sessionID))

	if err := c.configure(ctx, ch); err != nil {
		observe.Fail(span, err)
		c.abort(ch)
		return err
	}

	c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	c.metrics.ActiveSessions.Add(ctx, 1)
	observe.WithSpan(ctx, c.log).Info("session active",
		"session_id", sessionID, "elapsed", time.Since(start))
	return nil
}

// awaitCreated reads until session.created arrives or the handshake times
// out. Other events received before it are discarded.
func (c *Client) awaitCreated(ctx context.Context, ch transport.Channel) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	for {
		data, err := ch.Recv(hctx)
		if err != nil {
			if hctx.Err() != nil && ctx.Err() == nil {
				return "", fmt.Errorf("session: no session.created within %v", c.cfg.HandshakeTimeout)
			}
			return "", fmt.Errorf("session: await session.created: %w", err)
		}
		evt, err := realtime.Decode(data)
		if err != nil {
			c.log.Warn("discarding malformed message during handshake", "err", err)
			continue
		}
		switch evt.Type {
		case realtime.EventSessionCreated:
			if evt.Session != nil {
				return evt.Session.ID, nil
			}
			return "", nil
		case realtime.EventError:
			c.log.Warn("server error during handshake", "message", evt.ErrorMessage())
		default:
			c.log.Debug("ignoring event before session.created", "type", evt.Type)
		}
	}
}

// configure sends session.update, switches to Active and flushes the backlog
// while still holding the write lock so flushed audio precedes anything sent
// concurrently.
func (c *Client) configure(ctx context.Context, ch transport.Channel) error {
	c.setState(StateConfiguring)

	c.mu.Lock()
	msg := realtime.NewSessionUpdate(c.cfg.Voice, c.cfg.TurnDetection, c.cfg.Tools, c.cfg.Instructions)
	c.mu.Unlock()
	update, err := realtime.Encode(msg)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ch.Send(ctx, update); err != nil {
		return fmt.Errorf("session: send session.update: %w", err)
	}

	c.mu.Lock()
	backlog, flushed := c.backlog, c.backlogAudio
	c.backlog, c.backlogAudio = nil, 0
	c.setState(StateActive)
	c.mu.Unlock()

	for i, msg := range backlog {
		if err := ch.Send(ctx, msg); err != nil {
			c.log.Warn("audio backlog flush interrupted", "unsent", len(backlog)-i)
			return fmt.Errorf("session: flush backlog: %w", err)
		}
	}
	if len(backlog) > 0 {
		c.log.Debug("flushed audio backlog", "chunks", len(backlog), "bytes", flushed)
	}
	if c.onActive != nil {
		c.onActive(ctx, flushed)
	}
	return nil
}

// UpdatePersona replaces the voice and instructions. The change is sent with
// the next session.update, i.e. after the next (re)connect.
func (c *Client) UpdatePersona(voice, instructions string) {
	c.mu.Lock()
	c.cfg.Voice = voice
	c.cfg.Instructions = instructions
	c.mu.Unlock()
}

// EnsureConfigured sends session.update if a session.created arrived outside
// of Connect's handshake. It is a no-op once Active.
func (c *Client) EnsureConfigured(ctx context.Context) error {
	if c.State() != StateAwaitingCreated {
		return nil
	}
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return ErrNotActive
	}
	return c.configure(ctx, ch)
}

// abort discards ch after a failed handshake.
func (c *Client) abort(ch transport.Channel) {
	_ = ch.Close()
	c.mu.Lock()
	if c.ch == ch {
		c.ch = nil
	}
	c.mu.Unlock()
	if !c.closed.Load() {
		c.setState(StateConnecting)
	}
}

// Send encodes and transmits msg. While the session is not Active,
// [realtime.AudioAppend] messages are queued up to the backlog limit and all
// other messages fail with ErrNotActive.
func (c *Client) Send(ctx context.Context, msg any) error {
	data, err := realtime.Encode(msg)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	appendMsg, isAudio := msg.(realtime.AudioAppend)

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	state := c.State()
	if state != StateActive {
		defer c.mu.Unlock()
		if !isAudio {
			return ErrNotActive
		}
		if len(c.backlog) >= c.cfg.BacklogLimit {
			c.metrics.BacklogOverflows.Add(ctx, 1)
			c.log.Error("audio backlog full, dropping chunk",
				"limit", c.cfg.BacklogLimit, "state", state.String())
			return ErrBacklogFull
		}
		c.backlog = append(c.backlog, data)
		c.backlogAudio += appendMsg.PCMLen()
		return nil
	}
	ch := c.ch
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ch.Send(ctx, data); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	return nil
}

// Backlog returns the number of queued audio chunks.
func (c *Client) Backlog() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backlog)
}

// Handler processes one inbound message. It is called sequentially in
// arrival order.
type Handler func(ctx context.Context, msg []byte)

// Run receives messages until the channel fails or ctx is done, handing each
// to handle. It returns nil after Close, ctx.Err() on cancellation,
// ErrDropped after Drop, and the transport error otherwise. A panic in
// handle is logged and the loop continues.
//
// A transport fault leaves the client in StateClosed; Connect may be called
// again.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		switch {
		case c.closed.Load():
			return nil
		case c.dropped.CompareAndSwap(true, false):
			return ErrDropped
		}
		return ErrNotActive
	}

	for {
		data, err := ch.Recv(ctx)
		if err != nil {
			return c.runExit(ctx, ch, err)
		}
		c.dispatch(ctx, handle, data)
	}
}

func (c *Client) runExit(ctx context.Context, ch transport.Channel, err error) error {
	switch {
	case c.closed.Load():
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case c.dropped.CompareAndSwap(true, false):
		return ErrDropped
	}

	c.mu.Lock()
	if c.ch == ch {
		c.ch = nil
		c.setState(StateClosed)
	}
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(ctx, -1)
	return fmt.Errorf("session: receive: %w", err)
}

func (c *Client) dispatch(ctx context.Context, handle Handler, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", "panic", r)
		}
	}()
	handle(ctx, data)
}

// Drop closes the current connection without closing the client, so that
// Run returns ErrDropped and the session can be re-established. Used to
// start a fresh conversation.
func (c *Client) Drop(reason string) {
	c.mu.Lock()
	ch := c.ch
	if ch == nil {
		c.mu.Unlock()
		return
	}
	c.dropped.Store(true)
	c.ch = nil
	c.setState(StateClosed)
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(context.Background(), -1)
	c.log.Info("dropping session", "reason", reason)
	_ = ch.Close()
}

// Close closes the session. It is idempotent and safe to call from any
// goroutine.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed.Swap(true) {
		c.mu.Unlock()
		return nil
	}
	prev := c.State()
	c.setState(StateClosing)
	ch := c.ch
	c.ch = nil
	c.backlog, c.backlogAudio = nil, 0
	c.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
		if prev == StateActive {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}
	}
	c.setState(StateClosed)
	return err
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Debug("session state", "from", prev.String(), "to", s.String())
	}
}
