package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/realtime"
)

// Defaults for [CaptureConfig].
const (
	DefaultCommitInterval = time.Second
	DefaultMinCommit      = 100 * time.Millisecond

	// defaultMaxQueued bounds the chunks waiting for the sender. At the
	// default chunk size this is several seconds of audio.
	defaultMaxQueued = 512
)

// Sender transmits client messages. *session.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

// CaptureConfig configures a [CaptureDriver].
type CaptureConfig struct {
	// ChunkBytes is the size of every input_audio_buffer.append payload
	// before encoding.
	ChunkBytes int

	// Channels is the channel count the input device was opened with.
	// Multi-channel input is averaged down to mono.
	Channels int

	// CommitInterval is the commit loop period. Defaults to 1s.
	CommitInterval time.Duration

	// MinCommit is the least amount of appended audio that warrants a
	// commit. Defaults to 100ms.
	MinCommit time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// CaptureDriver moves microphone audio to the session.
//
// The device callback only writes into the accumulator and the chunk queue;
// a sender goroutine encodes and transmits, and a commit loop issues
// input_audio_buffer.commit once enough audio was appended.
type CaptureDriver struct {
	acc       *audio.CaptureAccumulator
	sender    Sender
	channels  int
	interval  time.Duration
	minCommit int64
	log       *slog.Logger
	metrics   *observe.Metrics

	// mono is the downmix scratch buffer. Only the callback touches it.
	mono []byte

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}

	// uncommitted counts bytes appended since the last commit.
	uncommitted atomic.Int64

	periods atomic.Int64
	status  atomic.Int64
	dropped atomic.Int64
}

// NewCaptureDriver returns a driver sending through sender.
func NewCaptureDriver(sender Sender, cfg CaptureConfig) *CaptureDriver {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = audio.ChunkBytes(audio.SampleRate, 50*time.Millisecond)
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = DefaultCommitInterval
	}
	if cfg.MinCommit <= 0 {
		cfg.MinCommit = DefaultMinCommit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &CaptureDriver{
		acc:       audio.NewCaptureAccumulator(cfg.ChunkBytes),
		sender:    sender,
		channels:  max(cfg.Channels, 1),
		interval:  cfg.CommitInterval,
		minCommit: int64(audio.ChunkBytes(audio.SampleRate, cfg.MinCommit)),
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		notify:    make(chan struct{}, 1),
	}
}

// Callback is an [audio.InputCallback]. It never blocks on the network.
func (d *CaptureDriver) Callback(in []byte, frames int, status audio.Status) {
	defer func() {
		if r := recover(); r != nil {
			d.dropped.Add(1)
		}
	}()

	d.periods.Add(1)
	if status != 0 {
		d.status.Add(1)
	}

	pcm := in
	if d.channels > 1 {
		want := len(in) / d.channels
		if cap(d.mono) < want {
			d.mono = make([]byte, want)
		}
		pcm = d.mono[:audio.DownmixInto(d.mono[:want], in, d.channels)]
	}
	d.acc.Write(pcm)

	queued := false
	for {
		chunk, ok := d.acc.Next()
		if !ok {
			break
		}
		d.mu.Lock()
		if len(d.queue) >= defaultMaxQueued {
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.dropped.Add(1)
		}
		d.queue = append(d.queue, chunk)
		d.mu.Unlock()
		queued = true
	}
	if queued {
		select {
		case d.notify <- struct{}{}:
		default:
		}
	}
}

// Run sends queued chunks and commits the input buffer until ctx is
// cancelled. It returns nil on cancellation.
func (d *CaptureDriver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { d.sendLoop(ctx); return nil })
	g.Go(func() error { d.commitLoop(ctx); return nil })
	return g.Wait()
}

// ResetUncommitted sets the appended but uncommitted audio to pending bytes.
// Call it when a new server-side input buffer starts, e.g. after
// reconnecting, with the audio already appended to that buffer.
func (d *CaptureDriver) ResetUncommitted(pending int64) {
	d.uncommitted.Store(pending)
}

// Uncommitted returns the bytes appended since the last commit.
func (d *CaptureDriver) Uncommitted() int64 {
	return d.uncommitted.Load()
}

func (d *CaptureDriver) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.notify:
		}
		for {
			chunk := d.pop()
			if chunk == nil {
				break
			}
			d.send(ctx, chunk)
		}
	}
}

func (d *CaptureDriver) pop() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	chunk := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return chunk
}

func (d *CaptureDriver) send(ctx context.Context, chunk []byte) {
	err := d.sender.Send(ctx, realtime.NewAudioAppend(chunk))
	switch {
	case err == nil:
		d.uncommitted.Add(int64(len(chunk)))
		d.metrics.AudioChunksSent.Add(ctx, 1)
	case errors.Is(err, session.ErrBacklogFull):
		// Reported by the session.
	case errors.Is(err, session.ErrClosed), ctx.Err() != nil:
	default:
		d.log.Warn("failed to send audio chunk", "bytes", len(chunk), "err", err)
	}
}

func (d *CaptureDriver) commitLoop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.commit(ctx)
		}
	}
}

// commit sends input_audio_buffer.commit when at least minCommit bytes were
// appended. Appends racing with the commit stay counted for the next one.
func (d *CaptureDriver) commit(ctx context.Context) {
	n := d.uncommitted.Load()
	if n < d.minCommit {
		return
	}
	if err := d.sender.Send(ctx, realtime.Commit()); err != nil {
		if errors.Is(err, session.ErrNotActive) {
			d.log.Debug("skipping commit, session not active", "bytes", n)
		} else if ctx.Err() == nil {
			d.log.Warn("failed to commit input audio", "bytes", n, "err", err)
		}
		return
	}
	d.uncommitted.Add(-n)
	d.metrics.Commits.Add(ctx, 1)
}

// CaptureStats is a snapshot of the driver counters.
type CaptureStats struct {
	Periods     int64
	Status      int64
	Dropped     int64
	Uncommitted int64
}

// Stats returns the counters accumulated so far.
func (d *CaptureDriver) Stats() CaptureStats {
	return CaptureStats{
		Periods:     d.periods.Load(),
		Status:      d.status.Load(),
		Dropped:     d.dropped.Load(),
		Uncommitted: d.uncommitted.Load(),
	}
}
