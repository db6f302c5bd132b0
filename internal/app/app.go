// Package app wires all voxline subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates all subsystems and
// opens the device streams, Run connects the session and drives the audio
// and event loops, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithOrderStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/orderstore"
	"github.com/MrWong99/voxline/internal/router"
	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/internal/tools"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/internal/voice"
	"github.com/MrWong99/voxline/pkg/audio"
)

// httpShutdownTimeout bounds the graceful stop of the HTTP listener.
const httpShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and runs one realtime voice session.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	device         audio.Device
	dialer         session.Dialer
	store          orderstore.Store
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	tools       *tools.Host
	client      *session.Client
	reconnector *session.Reconnector
	router      *router.Router
	buffer      *audio.PlaybackBuffer
	playback    *voice.PlaybackDriver
	capture     *voice.CaptureDriver
	stats       *voice.StatsReporter
	health      *health.Handler
	output      audio.Stream
	input       audio.Stream

	// orderPlaced is set by place_order; confirmQueued once the spoken
	// confirmation that follows it was fully queued for playback.
	orderPlaced   atomic.Bool
	confirmQueued atomic.Bool

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics sink shared by all subsystems.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics of the HTTP listener.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithDialer injects the session dialer instead of building a negotiating
// websocket dialer from config. No API key is required then.
func WithDialer(d session.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithOrderStore injects an order store instead of creating one from config.
func WithOrderStore(s orderstore.Store) Option {
	return func(a *App) { a.store = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. dev is the audio
// backend, usually created by main.go through the config registry; the App
// opens and closes its streams but the device itself stays owned by the
// caller.
//
// New performs all initialisation synchronously: order store connection and
// migration, tool and MCP server registration, session construction and
// opening of both device streams. The session is not dialled until Run.
func New(ctx context.Context, cfg *config.Config, dev audio.Device, opts ...Option) (_ *App, err error) {
	if dev == nil {
		return nil, errors.New("app: audio device is required")
	}
	a := &App{cfg: cfg, device: dev}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			a.runClosers(context.Background())
		}
	}()

	// ── 1. Order store ───────────────────────────────────────────────────
	if err := a.initOrders(ctx); err != nil {
		return nil, fmt.Errorf("app: init orders: %w", err)
	}

	// ── 2. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 3. Session ───────────────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 4. Audio ─────────────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 5. Event router ──────────────────────────────────────────────────
	a.router = router.New(a.client, a.buffer, a.tools,
		router.WithLogger(a.log),
		router.WithMetrics(a.metrics),
		router.WithSessionID(a.client.SessionID),
		router.WithAudioDoneHook(a.onAudioDone),
	)

	// ── 6. Health ────────────────────────────────────────────────────────
	a.initHealth()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initOrders connects the PostgreSQL order store, or keeps orders in memory
// when no DSN is configured.
func (a *App) initOrders(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Orders.PostgresDSN
	if dsn == "" {
		a.store = orderstore.NewMemStore()
		a.log.Info("orders are kept in memory")
		return nil
	}

	store, pool, err := orderstore.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.store = store
	a.log.Info("orders are stored in postgres")
	return nil
}

// initTools registers the order tools and connects every configured MCP
// server.
func (a *App) initTools(ctx context.Context) error {
	a.tools = tools.New(tools.WithLogger(a.log), tools.WithMetrics(a.metrics))
	a.closers = append(a.closers, a.tools.Close)

	for _, t := range tools.OrderTools(a.store, a.onOrderPlaced) {
		if err := a.tools.RegisterBuiltin(t); err != nil {
			return err
		}
	}

	for _, srv := range a.cfg.MCP.Servers {
		if err := a.tools.RegisterServer(ctx, srv.ServerConfig()); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		a.log.Info("mcp server registered", "name", srv.Name, "transport", srv.Transport)
	}
	return nil
}

// initSession builds the session client and its reconnector.
func (a *App) initSession() error {
	rc := a.cfg.Realtime

	endpoint, err := rc.Endpoint()
	if err != nil {
		return err
	}

	if a.dialer == nil {
		if rc.APIKey == "" {
			return fmt.Errorf("no API key: set realtime.api_key or %s", config.EnvAPIKey)
		}
		d, err := transport.New(string(rc.Transport))
		if err != nil {
			return err
		}
		a.dialer = transport.NewNegotiator(d, rc.APIKey, a.log)
	}

	a.client = session.New(a.dialer, session.Config{
		URL:              endpoint,
		Voice:            rc.Voice,
		TurnDetection:    rc.TurnDetection.Wire(),
		Tools:            a.tools.Definitions(),
		Instructions:     rc.Instructions,
		HandshakeTimeout: rc.HandshakeTimeout,
		BacklogLimit:     rc.Backlog,
	},
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
		session.WithActivateHook(a.onActive),
	)

	a.reconnector = session.NewReconnector(session.ReconnectorConfig{
		Client:      a.client,
		MaxRetries:  rc.Reconnect.MaxRetries,
		Backoff:     rc.Reconnect.Backoff,
		MaxBackoff:  rc.Reconnect.MaxBackoff,
		OnReconnect: a.onReconnect,
		Logger:      a.log,
	})
	return nil
}

// initAudio builds the playback and capture drivers and opens both device
// streams. The streams are started by Run.
func (a *App) initAudio() error {
	ac := a.cfg.Audio
	channels := max(ac.Channels, 1)

	a.buffer = audio.NewPlaybackBuffer()
	a.playback = voice.NewPlaybackDriver(a.buffer, channels)
	a.capture = voice.NewCaptureDriver(a.client, voice.CaptureConfig{
		ChunkBytes:     audio.ChunkBytes(audio.SampleRate, ac.ChunkDuration),
		Channels:       channels,
		CommitInterval: ac.CommitInterval,
		MinCommit:      ac.MinCommit,
		Logger:         a.log,
		Metrics:        a.metrics,
	})
	a.stats = &voice.StatsReporter{
		Playback: a.playback,
		Capture:  a.capture,
		Buffer:   a.buffer,
		Interval: ac.StatsInterval,
		Logger:   a.log,
	}

	reg, err := a.metrics.RegisterAudioStats(a.stats.AudioStats)
	if err != nil {
		return fmt.Errorf("register audio stats: %w", err)
	}
	a.closers = append(a.closers, reg.Unregister)

	sc := audio.StreamConfig{
		SampleRate:      audio.SampleRate,
		Channels:        channels,
		FramesPerBuffer: ac.FramesPerBuffer,
	}

	sc.DeviceID = ac.OutputDevice
	a.output, err = a.device.OpenOutput(sc, a.playback.Callback)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	a.closers = append(a.closers, a.output.Close)

	sc.DeviceID = ac.InputDevice
	a.input, err = a.device.OpenInput(sc, a.capture.Callback)
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	a.closers = append(a.closers, a.input.Close)
	return nil
}

func (a *App) initHealth() {
	a.health = health.New(
		health.Checker{
			Name: "session",
			Check: func(context.Context) error {
				if s := a.client.State(); s != session.StateActive {
					return fmt.Errorf("session is %s", s)
				}
				return nil
			},
		},
		health.Checker{
			Name: "orders",
			Check: func(ctx context.Context) error {
				_, err := a.store.List(ctx, 1)
				return err
			},
		},
	)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the device streams, connects the session and blocks until ctx
// is cancelled or the session cannot be re-established. A failed first
// connection attempt is retried like any later disconnect. It returns nil on
// cancellation.
func (a *App) Run(ctx context.Context) error {
	if err := a.output.Start(); err != nil {
		return fmt.Errorf("app: start output stream: %w", err)
	}
	if err := a.input.Start(); err != nil {
		return fmt.Errorf("app: start input stream: %w", err)
	}

	if err := a.client.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("initial connection failed", "err", err)
	} else {
		a.log.Info("session established", "session_id", a.client.SessionID())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.reconnector.Run(ctx, a.router.Handle) })
	g.Go(func() error { return a.capture.Run(ctx) })
	g.Go(func() error { return a.stats.Run(ctx) })
	if a.cfg.Realtime.RestartAfterOrder {
		g.Go(func() error {
			a.restartAfterOrders(ctx)
			return nil
		})
	}
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		g.Go(func() error { return a.serveHTTP(ctx, addr) })
	}
	return g.Wait()
}

// Handler returns the HTTP handler serving health and metrics endpoints.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics, a.log)(mux)
}

func (a *App) serveHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.log.Info("http listener started", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Reload applies the hot-reloadable part of a configuration change. A new
// persona is used from the next session.update on; everything in
// d.RestartRequired is only reported.
func (a *App) Reload(d config.ConfigDiff) {
	if d.PersonaChanged {
		a.client.UpdatePersona(d.Voice, d.Instructions)
		a.log.Info("persona updated, applies to the next session", "voice", d.Voice)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("configuration changes need a restart", "fields", d.RestartRequired)
	}
}

// ─── Session hooks ───────────────────────────────────────────────────────────

// onActive runs inside Connect once the backlog reached the new server-side
// input buffer. Only that audio is left to commit.
func (a *App) onActive(_ context.Context, flushedAudio int) {
	a.capture.ResetUncommitted(int64(flushedAudio))
}

// onReconnect resets all per-session state once a new session is active.
// The server side of the conversation is gone.
func (a *App) onReconnect(context.Context) {
	a.buffer.Clear()
	a.router.Reset()
	a.orderPlaced.Store(false)
	a.confirmQueued.Store(false)
	a.log.Info("session re-established", "session_id", a.client.SessionID())
}

func (a *App) onOrderPlaced(ctx context.Context, order *orderstore.Order) {
	a.metrics.OrdersPlaced.Add(ctx, 1)
	a.log.Info("order placed",
		"order_id", order.ID,
		"session_id", order.SessionID,
		"items", len(order.Items),
		"total", order.Total,
	)
	if a.cfg.Realtime.RestartAfterOrder {
		a.orderPlaced.Store(true)
	}
}

// onAudioDone runs after the end marker of a generation was queued. The
// first generation finishing after an order is its confirmation.
func (a *App) onAudioDone(_ context.Context, responseID string) {
	if a.orderPlaced.CompareAndSwap(true, false) {
		a.confirmQueued.Store(true)
		a.log.Debug("order confirmation queued", "response_id", responseID)
	}
}

// restartAfterOrders drops the session once an order confirmation has been
// played to the end, so the next customer starts a fresh conversation.
// A confirmation that is interrupted by barge-in never drains; the restart
// then follows the next generation that plays out.
func (a *App) restartAfterOrders(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.buffer.Drained():
			if a.confirmQueued.CompareAndSwap(true, false) {
				a.client.Drop("order placed")
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops capture, then playback, then closes the session and finally
// releases everything else in reverse-init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.input.Stop(); err != nil {
			a.log.Warn("input stream stop error", "err", err)
		}
		if err := a.output.Stop(); err != nil {
			a.log.Warn("output stream stop error", "err", err)
		}

		a.reconnector.Stop()
		if err := a.client.Close(); err != nil {
			a.log.Warn("session close error", "err", err)
		}

		shutdownErr = a.runClosers(ctx)
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
