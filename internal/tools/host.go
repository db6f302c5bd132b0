// Package tools executes the function calls requested by the realtime model.
//
// A [Host] holds a registry of tools. Built-in tools are Go functions that run
// in-process (the order tools in this package are the default set); external
// tools are imported from MCP servers with [Host.RegisterServer]. Every call
// produces a string output for the model. Failures of any kind are converted
// into a JSON error object so a bad call never ends the session.
//
// Typical usage:
//
//	h := tools.New(tools.WithLogger(logger))
//	for _, t := range tools.OrderTools(store, onPlaced) {
//	    h.RegisterBuiltin(t)
//	}
//	defs := h.Definitions()           // sent in session.update
//	res := h.Execute(ctx, call)       // res.Output goes back to the model
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/realtime"
)

// ErrUnknownTool is reported when the model calls a tool that is not
// registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// defaultCallTimeout bounds a single tool execution.
const defaultCallTimeout = 10 * time.Second

// Call is one function call request from the model.
type Call struct {
	// Name of the tool.
	Name string

	// CallID correlates the output with the request.
	CallID string

	// Arguments is the raw JSON argument object.
	Arguments string

	// SessionID identifies the session the call arrived on.
	SessionID string
}

// Result is the outcome of [Host.Execute].
type Result struct {
	// Output is sent verbatim as the function_call_output.
	Output string

	// IsError is true when Output is an error object.
	IsError bool

	// Duration is the wall time spent executing the call.
	Duration time.Duration
}

// BuiltinTool is a tool implemented as a Go function.
type BuiltinTool struct {
	// Definition is the declaration sent to the model.
	Definition realtime.Tool

	// Handler computes the output. A non-nil error is converted into an
	// error object output.
	Handler func(ctx context.Context, call Call) (string, error)
}

// toolSession is the subset of *mcpsdk.ClientSession used by the host.
type toolSession interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

type toolEntry struct {
	def     realtime.Tool
	server  string // empty for builtins
	builtin func(ctx context.Context, call Call) (string, error)
	seq     int
}

// Option configures a [Host].
type Option func(*Host)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithCallTimeout bounds every tool execution. Zero keeps the default.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithBreaker sets the circuit breaker policy applied per MCP server. Name
// and Logger are filled in by the host.
func WithBreaker(cfg resilience.Config) Option {
	return func(h *Host) { h.breakerCfg = cfg }
}

// Host is the tool registry and executor. Safe for concurrent use.
//
// The zero value is NOT usable; create instances with [New].
type Host struct {
	mu       sync.RWMutex
	tools    map[string]toolEntry
	sessions map[string]toolSession
	breakers map[string]*resilience.CircuitBreaker
	seq      int

	client     *mcpsdk.Client
	log        *slog.Logger
	metrics    *observe.Metrics
	timeout    time.Duration
	breakerCfg resilience.Config
}

// New returns an empty host.
func New(opts ...Option) *Host {
	h := &Host{
		tools:    make(map[string]toolEntry),
		sessions: make(map[string]toolSession),
		breakers: make(map[string]*resilience.CircuitBreaker),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxline", Version: "1.0.0"},
			nil,
		),
		timeout: defaultCallTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// RegisterBuiltin registers an in-process tool, replacing any tool of the
// same name.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tools: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tools: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}
	def := tool.Definition
	if def.Type == "" {
		def.Type = "function"
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[def.Name] = toolEntry{def: def, builtin: tool.Handler, seq: h.nextSeq()}
	return nil
}

// Definitions returns the declarations of all registered tools in
// registration order.
func (h *Host) Definitions() []realtime.Tool {
	h.mu.RLock()
	entries := make([]toolEntry, 0, len(h.tools))
	for _, e := range h.tools {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]realtime.Tool, len(entries))
	for i, e := range entries {
		out[i] = e.def
	}
	return out
}

// Execute runs call and returns the output to send back to the model. It
// never returns an error: failures become an error object output.
func (h *Host) Execute(ctx context.Context, call Call) Result {
	ctx, span := observe.StartSpan(ctx, "tools.execute",
		trace.WithAttributes(
			observe.AttrToolName.String(call.Name),
			observe.AttrToolCallID.String(call.CallID),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	output, err := h.dispatch(ctx, call)
	res := Result{Output: output, Duration: time.Since(start)}

	status := "ok"
	if err != nil {
		status = "error"
		res.Output = ErrorOutput(err.Error())
		res.IsError = true
		observe.Fail(span, err)
		observe.WithSpan(ctx, h.log).Warn("tool call failed",
			"tool", call.Name, "call_id", call.CallID, "err", err)
	}
	h.metrics.RecordToolCall(ctx, call.Name, status)
	h.metrics.ToolExecutionDuration.Record(ctx, res.Duration.Seconds(),
		metric.WithAttributes(attribute.String("tool", call.Name)))
	return res
}

// dispatch routes call to its builtin handler or MCP server, converting
// panics into errors.
func (h *Host) dispatch(ctx context.Context, call Call) (output string, err error) {
	h.mu.RLock()
	entry, ok := h.tools[call.Name]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownTool, call.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tools: %s panicked: %v", call.Name, r)
		}
	}()

	if entry.builtin != nil {
		return entry.builtin(ctx, call)
	}
	return h.callMCP(ctx, entry, call)
}

// Close disconnects all MCP servers and clears the registry.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, s := range h.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tools: close server %q: %w", name, err))
		}
		delete(h.sessions, name)
		delete(h.breakers, name)
	}
	h.tools = make(map[string]toolEntry)
	return errors.Join(errs...)
}

// nextSeq returns a monotonically increasing registration index. Caller
// holds mu.
func (h *Host) nextSeq() int {
	h.seq++
	return h.seq
}

// ErrorOutput renders msg as the JSON error object returned to the model.
func ErrorOutput(msg string) string {
	b, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"internal error"}`
	}
	return string(b)
}
