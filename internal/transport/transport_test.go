package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echoServer accepts any handshake and echoes every text message back.
func echoServer(t *testing.T, check func(r *http.Request) int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if code := check(r); code != 0 {
				http.Error(w, "rejected", code)
				return
			}
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"realtime"}})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if string(data) == "bye" {
				conn.Close(websocket.StatusNormalClosure, "done")
				return
			}
			if err := conn.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuth_HeadersAndSubprotocols(t *testing.T) {
	t.Parallel()

	h := Auth{APIKey: "sk-1", Mode: AuthHeader}
	if got := h.Headers().Get("Authorization"); got != "Bearer sk-1" {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Headers().Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", got)
	}
	if _, ok := h.Headers()["Openai-Beta"]; !ok {
		t.Errorf("headers = %v, want canonical keys", h.Headers())
	}
	if h.Subprotocols() != nil {
		t.Errorf("header mode subprotocols = %v", h.Subprotocols())
	}

	s := Auth{APIKey: "sk-1", Mode: AuthSubprotocol}
	want := []string{"realtime", "openai-insecure-api-key.sk-1", "openai-beta.realtime-v1"}
	if got := s.Subprotocols(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("subprotocols = %v, want %v", got, want)
	}
	if len(s.Headers()) != 0 {
		t.Errorf("subprotocol mode headers = %v", s.Headers())
	}
}

func testDialers() map[string]Dialer {
	return map[string]Dialer{
		"coder":   &CoderDialer{},
		"gorilla": &GorillaDialer{},
	}
}

func TestDialers_SendRecv(t *testing.T) {
	t.Parallel()

	for name, d := range testDialers() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var gotAuth atomic.Value
			srv := echoServer(t, func(r *http.Request) int {
				gotAuth.Store(r.Header.Get("Authorization"))
				return 0
			})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			ch, err := d.Dial(ctx, wsURL(srv), Auth{APIKey: "sk-test", Mode: AuthHeader})
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer ch.Close()

			if got, _ := gotAuth.Load().(string); got != "Bearer sk-test" {
				t.Errorf("Authorization = %q", got)
			}

			msg := []byte(`{"type":"input_audio_buffer.commit"}`)
			if err := ch.Send(ctx, msg); err != nil {
				t.Fatalf("Send: %v", err)
			}
			got, err := ch.Recv(ctx)
			if err != nil {
				t.Fatalf("Recv: %v", err)
			}
			if string(got) != string(msg) {
				t.Errorf("Recv = %s, want %s", got, msg)
			}
		})
	}
}

func TestDialers_RemoteCloseIsErrClosed(t *testing.T) {
	t.Parallel()

	for name, d := range testDialers() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := echoServer(t, nil)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			ch, err := d.Dial(ctx, wsURL(srv), Auth{APIKey: "k"})
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer ch.Close()

			if err := ch.Send(ctx, []byte("bye")); err != nil {
				t.Fatalf("Send: %v", err)
			}
			if _, err := ch.Recv(ctx); !errors.Is(err, ErrClosed) {
				t.Errorf("Recv after remote close = %v, want ErrClosed", err)
			}
		})
	}
}

func TestDialers_BadRequestIsIncompatible(t *testing.T) {
	t.Parallel()

	for name, d := range testDialers() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := echoServer(t, func(*http.Request) int { return http.StatusBadRequest })
			_, err := d.Dial(context.Background(), wsURL(srv), Auth{APIKey: "k"})
			if !errors.Is(err, ErrIncompatible) {
				t.Errorf("Dial = %v, want ErrIncompatible", err)
			}
		})
	}
}

func TestDialers_UnauthorizedIsNotIncompatible(t *testing.T) {
	t.Parallel()

	srv := echoServer(t, func(*http.Request) int { return http.StatusUnauthorized })
	_, err := (&CoderDialer{}).Dial(context.Background(), wsURL(srv), Auth{APIKey: "k"})
	if err == nil || errors.Is(err, ErrIncompatible) {
		t.Errorf("Dial = %v, want non-incompatible error", err)
	}
}

func TestCoderChannel_RecvHonoursContext(t *testing.T) {
	t.Parallel()

	srv := echoServer(t, nil)
	ch, err := (&CoderDialer{}).Dial(context.Background(), wsURL(srv), Auth{APIKey: "k"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ch.Recv(ctx); err == nil {
		t.Fatal("Recv should fail when the context expires")
	}
}

func TestGorillaChannel_RecvHonoursContext(t *testing.T) {
	t.Parallel()

	srv := echoServer(t, nil)
	ch, err := (&GorillaDialer{}).Dial(context.Background(), wsURL(srv), Auth{APIKey: "k"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ch.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Recv = %v, want deadline exceeded", err)
	}
}

func TestNegotiator_FallsBackToSubprotocolOnce(t *testing.T) {
	t.Parallel()

	var headerAttempts, subprotocolAttempts atomic.Int32
	srv := echoServer(t, func(r *http.Request) int {
		if r.Header.Get("Authorization") != "" {
			headerAttempts.Add(1)
			return http.StatusBadRequest
		}
		proto := r.Header.Get("Sec-WebSocket-Protocol")
		if !strings.Contains(proto, "openai-insecure-api-key.sk-x") {
			return http.StatusUnauthorized
		}
		subprotocolAttempts.Add(1)
		return 0
	})

	n := NewNegotiator(&CoderDialer{}, "sk-x", quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := n.Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("first Dial: %v", err)
	}
	ch.Close()

	if mode, ok := n.Mode(); !ok || mode != AuthSubprotocol {
		t.Fatalf("Mode = %v, %v; want subprotocol, true", mode, ok)
	}

	ch, err = n.Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("second Dial: %v", err)
	}
	ch.Close()

	if got := headerAttempts.Load(); got != 1 {
		t.Errorf("header attempts = %d, want 1 (mode must be remembered)", got)
	}
	if got := subprotocolAttempts.Load(); got != 2 {
		t.Errorf("subprotocol attempts = %d, want 2", got)
	}
}

func TestNegotiator_HeaderSuccessIsRemembered(t *testing.T) {
	t.Parallel()

	srv := echoServer(t, nil)
	n := NewNegotiator(&CoderDialer{}, "k", quietLogger())
	ch, err := n.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ch.Close()

	if mode, ok := n.Mode(); !ok || mode != AuthHeader {
		t.Errorf("Mode = %v, %v; want header, true", mode, ok)
	}
}

func TestNegotiator_OtherErrorsDoNotFallBack(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := echoServer(t, func(*http.Request) int {
		attempts.Add(1)
		return http.StatusUnauthorized
	})
	n := NewNegotiator(&CoderDialer{}, "k", quietLogger())
	if _, err := n.Dial(context.Background(), wsURL(srv)); err == nil {
		t.Fatal("expected error")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if _, ok := n.Mode(); ok {
		t.Error("mode should not be negotiated after a failure")
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]string{"": "*transport.CoderDialer", "coder": "*transport.CoderDialer", "gorilla": "*transport.GorillaDialer"} {
		d, err := New(name)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if got := typeName(d); got != want {
			t.Errorf("New(%q) = %s, want %s", name, got, want)
		}
	}
	if _, err := New("carrier-pigeon"); err == nil {
		t.Error("expected error for unknown dialer")
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *CoderDialer:
		return "*transport.CoderDialer"
	case *GorillaDialer:
		return "*transport.GorillaDialer"
	default:
		return "unknown"
	}
}
