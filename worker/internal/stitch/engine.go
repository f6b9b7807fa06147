package stitch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"revoice/shared/storage"
	"revoice/shared/timeline"
	"revoice/worker/internal/wav"

	"go.uber.org/zap"
)

// Sentinel errors for inputs the engine rejects before writing anything.
var (
	// ErrClipFormat is returned when a replacement clip does not match the
	// original track's sample rate or channel count. No hidden resampling.
	ErrClipFormat = errors.New("replacement clip format mismatch")
	// ErrSegmentRange is returned when a segment extends past the end of
	// the original track, or starts before the end of the previous one.
	ErrSegmentRange = errors.New("segment outside original track")
)

// Warning records a non-fatal reconciliation applied during stitching.
type Warning struct {
	SegmentIndex int    `json:"segment_index"`
	Message      string `json:"message"`
}

// Result describes a completed stitch.
type Result struct {
	OutputKey    string        `json:"output_key"`
	Duration     time.Duration `json:"-"`
	DurationMs   int           `json:"duration_ms"`
	ClipsApplied int           `json:"clips_applied"`
	SegmentsKept int           `json:"segments_kept_original"`
	Warnings     []Warning     `json:"warnings,omitempty"`
}

// Engine substitutes replacement clips into an original track along a
// resolved timeline. It holds no per-request state; a single engine is safe
// for concurrent use.
type Engine struct {
	store          storage.ObjectStorage
	logger         *zap.Logger
	crossfade      time.Duration
	padWithSilence bool
}

// Option configures the engine.
type Option func(*Engine)

// WithCrossfade overrides the boundary crossfade length.
func WithCrossfade(d time.Duration) Option {
	return func(e *Engine) {
		e.crossfade = d
	}
}

// WithSilencePadding pads short clips with silence instead of the trailing
// original audio of the segment span.
func WithSilencePadding() Option {
	return func(e *Engine) {
		e.padWithSilence = true
	}
}

// New creates a stitching engine.
func New(store storage.ObjectStorage, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		logger:    logger,
		crossfade: 30 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stitch walks the resolved timeline over the original track, copies
// untouched spans verbatim, substitutes replacement clips with duration
// reconciliation and boundary crossfades, and persists one continuous
// output track under outputKey. Nothing is written unless the whole pass
// succeeds; identical inputs produce byte-identical output.
func (e *Engine) Stitch(ctx context.Context, originalKey string, entries []timeline.Entry, outputKey string) (*Result, error) {
	original, err := e.fetchAudio(ctx, originalKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load original track %s: %w", originalKey, err)
	}

	totalFrames := original.Frames()
	ch := original.Channels
	out := make([]int16, 0, len(original.Samples))
	result := &Result{OutputKey: outputKey}

	cursor := 0
	for i, entry := range entries {
		startF := frameIndex(entry.Segment.Start, original.SampleRate)
		endF := frameIndex(entry.Segment.End, original.SampleRate)
		if endF > totalFrames {
			return nil, fmt.Errorf("segment %d ends at frame %d of %d: %w", i, endF, totalFrames, ErrSegmentRange)
		}
		if startF < cursor {
			return nil, fmt.Errorf("segment %d starts at frame %d before frame %d: %w", i, startF, cursor, ErrSegmentRange)
		}

		// Gap before the segment keeps the original audio verbatim.
		out = append(out, original.Samples[cursor*ch:startF*ch]...)

		if entry.ClipKey == "" {
			out = append(out, original.Samples[startF*ch:endF*ch]...)
			result.SegmentsKept++
			cursor = endF
			continue
		}

		clip, err := e.fetchAudio(ctx, entry.ClipKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load clip %s for segment %d: %w", entry.ClipKey, i, err)
		}
		if clip.SampleRate != original.SampleRate || clip.Channels != original.Channels {
			return nil, fmt.Errorf("clip %s is %dHz/%dch, track is %dHz/%dch: %w",
				entry.ClipKey, clip.SampleRate, clip.Channels,
				original.SampleRate, original.Channels, ErrClipFormat)
		}

		span, warning := e.buildSpan(original, clip, startF, endF)
		if warning != "" {
			result.Warnings = append(result.Warnings, Warning{SegmentIndex: i, Message: warning})
		}
		e.applyCrossfades(span, original, startF, endF)
		out = append(out, span...)
		result.ClipsApplied++
		cursor = endF
	}

	// Trailing original audio after the last segment.
	out = append(out, original.Samples[cursor*ch:]...)

	stitched := &wav.Audio{
		SampleRate: original.SampleRate,
		Channels:   original.Channels,
		Samples:    out,
	}
	data, err := wav.EncodeBytes(stitched)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output track: %w", err)
	}

	if err := e.store.PutObject(ctx, outputKey, bytes.NewReader(data), int64(len(data)), "audio/wav"); err != nil {
		return nil, fmt.Errorf("failed to persist output track: %w", err)
	}

	result.Duration = framesDuration(stitched.Frames(), stitched.SampleRate)
	result.DurationMs = int(result.Duration / time.Millisecond)
	e.logger.Info("stitch completed",
		zap.String("output_key", outputKey),
		zap.Int("clips_applied", result.ClipsApplied),
		zap.Int("segments_kept_original", result.SegmentsKept),
		zap.Int("warnings", len(result.Warnings)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// buildSpan produces exactly endF-startF frames: the clip, truncated if too
// long, padded with the span's trailing original audio (or silence) if too
// short. The span length never shifts subsequent segments.
func (e *Engine) buildSpan(original, clip *wav.Audio, startF, endF int) ([]int16, string) {
	ch := original.Channels
	segFrames := endF - startF
	span := make([]int16, segFrames*ch)

	n := clip.Frames()
	warning := ""
	if n > segFrames {
		warning = fmt.Sprintf("clip truncated from %v to %v",
			framesDuration(n, original.SampleRate), framesDuration(segFrames, original.SampleRate))
		n = segFrames
	}
	copy(span, clip.Samples[:n*ch])

	if n < segFrames && !e.padWithSilence {
		copy(span[n*ch:], original.Samples[(startF+n)*ch:endF*ch])
	}
	return span, warning
}

// applyCrossfades linearly blends the span edges against the original audio
// at the same positions: fade from original into the span at entry, back
// out at exit. Fades are capped at half the span so they never overlap.
func (e *Engine) applyCrossfades(span []int16, original *wav.Audio, startF, endF int) {
	ch := original.Channels
	segFrames := endF - startF
	fadeF := frameIndex(e.crossfade.Seconds(), original.SampleRate)
	if fadeF > segFrames/2 {
		fadeF = segFrames / 2
	}
	if fadeF <= 0 {
		return
	}

	for f := 0; f < fadeF; f++ {
		gain := float64(f+1) / float64(fadeF+1)
		for c := 0; c < ch; c++ {
			entry := f*ch + c
			span[entry] = blend(original.Samples[(startF+f)*ch+c], span[entry], gain)

			exitF := segFrames - 1 - f
			exit := exitF*ch + c
			span[exit] = blend(original.Samples[(startF+exitF)*ch+c], span[exit], gain)
		}
	}
}

// blend mixes original and replacement samples with the given replacement
// gain, clamping to the int16 range.
func blend(orig, repl int16, gain float64) int16 {
	v := float64(orig)*(1-gain) + float64(repl)*gain
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// frameIndex converts seconds to a frame count with floor rounding, so that
// adjacent spans computed from the same boundaries never gap or overlap.
func frameIndex(seconds float64, sampleRate int) int {
	return int(math.Floor(seconds * float64(sampleRate)))
}

func framesDuration(frames, sampleRate int) time.Duration {
	return time.Duration(float64(frames) / float64(sampleRate) * float64(time.Second))
}

func (e *Engine) fetchAudio(ctx context.Context, key string) (*wav.Audio, error) {
	body, err := e.store.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return wav.DecodeBytes(data)
}
