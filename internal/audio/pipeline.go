package audio

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"sync"
)

const (
	// SampleRate is the canonical capture rate for outbound frames.
	SampleRate = 16000
	// BytesPerSample for 16-bit signed PCM.
	BytesPerSample = 2

	// DefaultMinChunkBytes is 10ms of audio at 16kHz/16-bit. Shorter
	// byte payloads are container metadata or framing noise from the
	// capture backend, not speech. Tunable per backend via Config.
	DefaultMinChunkBytes = 320

	defaultFrameBuffer = 256
)

var (
	riffSignature = []byte("RIFF")
	waveSignature = []byte("WAVE")
)

// Frame is one canonical audio frame: PCM16 mono at SampleRate. The
// pipeline hands out independently owned copies; the receiver may hold
// the slice indefinitely.
type Frame []byte

// Pipeline converts raw capture chunks into canonical frames, drops
// non-audio payloads, and emits frames in capture order. One pipeline
// serves one recording session.
type Pipeline struct {
	minChunkBytes int
	log           *slog.Logger
	frames        chan Frame

	mu        sync.Mutex
	paused    bool
	closed    bool
	dropped   int
	levelSubs map[int]func(float64)
	nextSub   int
}

type PipelineConfig struct {
	// MinChunkBytes drops byte payloads below this size. Zero selects
	// DefaultMinChunkBytes.
	MinChunkBytes int
	// FrameBuffer is the emission channel capacity. Zero selects a
	// default sized for ~25s of 100ms frames.
	FrameBuffer int
	Log         *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.MinChunkBytes <= 0 {
		cfg.MinChunkBytes = DefaultMinChunkBytes
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Pipeline{
		minChunkBytes: cfg.MinChunkBytes,
		log:           cfg.Log,
		frames:        make(chan Frame, cfg.FrameBuffer),
		levelSubs:     make(map[int]func(float64)),
	}
}

// Normalize converts a capture chunk to a canonical frame. It returns
// nil for payloads that must not reach the wire: WAV header artifacts,
// sub-minimum byte payloads, undecodable base64, and unrecognized
// kinds. The returned frame never aliases the input.
func (p *Pipeline) Normalize(chunk Chunk) Frame {
	switch chunk.Kind {
	case ChunkPCM16:
		return p.normalizeBytes(chunk.PCM)
	case ChunkBase64:
		raw, err := base64.StdEncoding.DecodeString(chunk.Text)
		if err != nil {
			p.log.Debug("dropping undecodable base64 chunk", "error", err)
			return nil
		}
		return p.normalizeBytes(raw)
	case ChunkFloat32:
		if len(chunk.Samples) == 0 {
			return nil
		}
		return Float32ToPCM16(chunk.Samples)
	default:
		p.log.Debug("dropping chunk of unrecognized kind", "kind", int(chunk.Kind))
		return nil
	}
}

// normalizeBytes applies the byte-payload filters. Some capture
// backends emit the 44-byte WAV container header as the first stream
// event; its 12-byte RIFF....WAVE signature identifies it.
func (p *Pipeline) normalizeBytes(raw []byte) Frame {
	if isWAVHeader(raw) {
		p.log.Debug("dropping WAV header artifact", "bytes", len(raw))
		return nil
	}
	if len(raw) < p.minChunkBytes {
		p.log.Debug("dropping sub-minimum chunk", "bytes", len(raw), "min", p.minChunkBytes)
		return nil
	}
	frame := make(Frame, len(raw))
	copy(frame, raw)
	return frame
}

func isWAVHeader(raw []byte) bool {
	return len(raw) >= 12 &&
		bytes.Equal(raw[0:4], riffSignature) &&
		bytes.Equal(raw[8:12], waveSignature)
}

// Push normalizes and emits one chunk. Chunks arriving while paused are
// discarded. Push never blocks the capture callback: if the consumer
// falls behind the frame is dropped and counted.
func (p *Pipeline) Push(chunk Chunk) {
	p.mu.Lock()
	if p.paused || p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	frame := p.Normalize(chunk)
	if frame == nil {
		return
	}

	p.notifyLevel(Level(frame))

	// The closed check and the send stay under one lock so Close can
	// never close the channel between them.
	p.mu.Lock()
	if p.paused || p.closed {
		p.mu.Unlock()
		return
	}
	select {
	case p.frames <- frame:
		p.mu.Unlock()
	default:
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		p.log.Warn("frame buffer full, dropping frame", "dropped_total", n)
	}
}

// Frames is the ordered emission channel. Closed by Close.
func (p *Pipeline) Frames() <-chan Frame {
	return p.frames
}

func (p *Pipeline) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
}

func (p *Pipeline) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Dropped reports how many frames were discarded due to backpressure.
func (p *Pipeline) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// OnLevel registers a meter callback invoked with the RMS level of each
// emitted frame. The returned func unsubscribes.
func (p *Pipeline) OnLevel(fn func(level float64)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.levelSubs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.levelSubs, id)
		p.mu.Unlock()
	}
}

func (p *Pipeline) notifyLevel(level float64) {
	p.mu.Lock()
	subs := make([]func(float64), 0, len(p.levelSubs))
	for _, fn := range p.levelSubs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(level)
	}
}

// Close stops emission and closes the frame channel. Idempotent.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.frames)
}
