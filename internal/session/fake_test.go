package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/pkg/realtime"
)

const createdEvent = `{"type":"session.created","event_id":"ev_1","session":{"id":"sess_1","model":"gpt-4o-realtime-preview"}}`

// fakeChannel is an in-memory transport.Channel.
type fakeChannel struct {
	in chan []byte

	mu   sync.Mutex
	sent [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel(preload ...string) *fakeChannel {
	fc := &fakeChannel{in: make(chan []byte, 64), closed: make(chan struct{})}
	for _, m := range preload {
		fc.in <- []byte(m)
	}
	return fc
}

func (f *fakeChannel) Send(_ context.Context, msg []byte) error {
	select {
	case <-f.closed:
		return transport.ErrClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), msg...))
	return nil
}

func (f *fakeChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-f.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeChannel) push(msg string) { f.in <- []byte(msg) }

func (f *fakeChannel) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.sent))
	for i, m := range f.sent {
		types[i] = realtime.TypeOf(m)
	}
	return types
}

func (f *fakeChannel) sentMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeChannel) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out fresh fake channels that start with session.created.
// Queued errors are returned first, one per dial.
type fakeDialer struct {
	mu       sync.Mutex
	errs     []error
	channels []*fakeChannel
	dials    int
	silent   bool // do not preload session.created
	dialed   chan *fakeChannel
}

var errDialRefused = errors.New("dial refused")

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeChannel, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	var fc *fakeChannel
	if d.silent {
		fc = newFakeChannel()
	} else {
		fc = newFakeChannel(createdEvent)
	}
	d.channels = append(d.channels, fc)
	select {
	case d.dialed <- fc:
	default:
	}
	return fc, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[i]
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, d Dialer, cfg Config) *Client {
	t.Helper()
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
		cfg.TurnDetection = realtime.DefaultTurnDetection()
	}
	c := New(d, cfg, WithLogger(quietLogger()), WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = c.Close() })
	return c
}
