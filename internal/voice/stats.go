package voice

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/audio"
)

// DefaultStatsInterval is the default period of [StatsReporter].
const DefaultStatsInterval = 10 * time.Second

// StatsReporter logs device driver counters outside of the audio callbacks.
// Either driver may be nil.
type StatsReporter struct {
	Playback *PlaybackDriver
	Capture  *CaptureDriver
	Buffer   *audio.PlaybackBuffer
	Interval time.Duration
	Logger   *slog.Logger

	last Snapshot
}

// Snapshot combines the counters of both drivers.
type Snapshot struct {
	Playback PlaybackStats
	Capture  CaptureStats
	Buffered int
}

// Snapshot reads the current counters.
func (r *StatsReporter) Snapshot() Snapshot {
	var s Snapshot
	if r.Playback != nil {
		s.Playback = r.Playback.Stats()
	}
	if r.Capture != nil {
		s.Capture = r.Capture.Stats()
	}
	if r.Buffer != nil {
		s.Buffered = r.Buffer.Len()
	}
	return s
}

// AudioStats adapts the snapshot for [observe.Metrics.RegisterAudioStats].
func (r *StatsReporter) AudioStats() observe.AudioStats {
	s := r.Snapshot()
	return observe.AudioStats{
		PlaybackPeriods: s.Playback.Periods,
		Underruns:       s.Playback.Underruns,
		OutputStatus:    s.Playback.Status,
		CapturePeriods:  s.Capture.Periods,
		InputStatus:     s.Capture.Status,
		BufferedBytes:   int64(s.Buffered),
	}
}

// Run reports every Interval until ctx is cancelled.
func (r *StatsReporter) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

// report logs the change since the previous report. Device faults are
// warnings; everything else is debug.
func (r *StatsReporter) report() {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	cur := r.Snapshot()
	prev := r.last
	r.last = cur

	underruns := cur.Playback.Underruns - prev.Playback.Underruns
	outStatus := cur.Playback.Status - prev.Playback.Status
	inStatus := cur.Capture.Status - prev.Capture.Status
	dropped := cur.Capture.Dropped - prev.Capture.Dropped
	panics := cur.Playback.Panics - prev.Playback.Panics

	attrs := []any{
		"playback_periods", cur.Playback.Periods - prev.Playback.Periods,
		"capture_periods", cur.Capture.Periods - prev.Capture.Periods,
		"underruns", underruns,
		"output_status", outStatus,
		"input_status", inStatus,
		"capture_dropped", dropped,
		"buffered_bytes", cur.Buffered,
	}
	if underruns > 0 || outStatus > 0 || inStatus > 0 || dropped > 0 || panics > 0 {
		log.Warn("audio device faults", append(attrs, "callback_panics", panics)...)
		return
	}
	log.Debug("audio device stats", attrs...)
}
