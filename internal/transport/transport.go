// Package transport provides the message channel to the realtime endpoint.
//
// A [Channel] carries whole JSON text messages in both directions. Channels
// are produced by a [Dialer]; two WebSocket implementations are available,
// [CoderDialer] (the default) and [GorillaDialer]. The [Negotiator] picks the
// authentication mode once per process: header authentication is tried first
// and, if the endpoint rejects the handshake as incompatible, subprotocol
// authentication is used for that and every later dial.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrIncompatible is returned by a Dialer when the endpoint rejected the
	// handshake in a way that indicates the authentication mode is not
	// supported (HTTP 400).
	ErrIncompatible = errors.New("transport: handshake rejected as incompatible")

	// ErrClosed is returned by Recv and Send after the channel was closed by
	// either side.
	ErrClosed = errors.New("transport: channel closed")
)

// Defaults shared by the dialers.
const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

// Channel is a bidirectional, message oriented connection.
//
// Send may be called concurrently with Recv. Implementations serialise
// concurrent Send calls. Close is idempotent.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// AuthMode selects how the API key is presented during the handshake.
type AuthMode int

const (
	// AuthHeader sends Authorization and OpenAI-Beta HTTP headers.
	AuthHeader AuthMode = iota

	// AuthSubprotocol encodes the key in Sec-WebSocket-Protocol values, for
	// environments where custom handshake headers cannot be set.
	AuthSubprotocol
)

// String returns "header" or "subprotocol".
func (m AuthMode) String() string {
	switch m {
	case AuthHeader:
		return "header"
	case AuthSubprotocol:
		return "subprotocol"
	default:
		return fmt.Sprintf("AuthMode(%d)", int(m))
	}
}

// Auth carries the credentials for one dial.
type Auth struct {
	APIKey string
	Mode   AuthMode
}

// Headers returns the HTTP handshake headers for a.
func (a Auth) Headers() http.Header {
	h := http.Header{}
	if a.Mode != AuthHeader {
		return h
	}
	h.Set("Authorization", "Bearer "+a.APIKey)
	h.Set("OpenAI-Beta", "realtime=v1")
	return h
}

// Subprotocols returns the Sec-WebSocket-Protocol offers for a.
func (a Auth) Subprotocols() []string {
	if a.Mode != AuthSubprotocol {
		return nil
	}
	return []string{
		"realtime",
		"openai-insecure-api-key." + a.APIKey,
		"openai-beta.realtime-v1",
	}
}

// Dialer opens a Channel to url.
type Dialer interface {
	Dial(ctx context.Context, url string, auth Auth) (Channel, error)
}

// handshakeError maps a failed handshake response to ErrIncompatible when
// the endpoint answered 400.
func handshakeError(resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	if resp != nil {
		return fmt.Errorf("transport: dial: status %d: %w", resp.StatusCode, err)
	}
	return fmt.Errorf("transport: dial: %w", err)
}

// Negotiator wraps a Dialer and remembers which AuthMode the endpoint
// accepted. Safe for concurrent use.
type Negotiator struct {
	dialer Dialer
	apiKey string
	log    *slog.Logger

	mu         sync.Mutex
	mode       AuthMode
	negotiated bool
}

// NewNegotiator returns a Negotiator for apiKey. logger may be nil.
func NewNegotiator(d Dialer, apiKey string, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{dialer: d, apiKey: apiKey, log: logger}
}

// Dial opens a channel to url. The first successful dial fixes the auth mode;
// header auth is attempted first and subprotocol auth is tried exactly once
// if the endpoint reports ErrIncompatible.
func (n *Negotiator) Dial(ctx context.Context, url string) (Channel, error) {
	n.mu.Lock()
	mode, negotiated := n.mode, n.negotiated
	n.mu.Unlock()

	if negotiated {
		return n.dialer.Dial(ctx, url, Auth{APIKey: n.apiKey, Mode: mode})
	}

	ch, err := n.dialer.Dial(ctx, url, Auth{APIKey: n.apiKey, Mode: AuthHeader})
	if err == nil {
		n.remember(AuthHeader)
		return ch, nil
	}
	if !errors.Is(err, ErrIncompatible) {
		return nil, err
	}

	n.log.Info("header authentication rejected, retrying with subprotocol authentication")
	ch, err = n.dialer.Dial(ctx, url, Auth{APIKey: n.apiKey, Mode: AuthSubprotocol})
	if err != nil {
		return nil, err
	}
	n.remember(AuthSubprotocol)
	return ch, nil
}

// Mode returns the negotiated mode and whether negotiation has completed.
func (n *Negotiator) Mode() (AuthMode, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mode, n.negotiated
}

func (n *Negotiator) remember(m AuthMode) {
	n.mu.Lock()
	n.mode, n.negotiated = m, true
	n.mu.Unlock()
}

// New returns the Dialer registered under name: "coder" (or empty) or
// "gorilla".
func New(name string) (Dialer, error) {
	switch name {
	case "", "coder":
		return &CoderDialer{}, nil
	case "gorilla":
		return &GorillaDialer{}, nil
	default:
		return nil, fmt.Errorf("transport: unknown dialer %q", name)
	}
}
