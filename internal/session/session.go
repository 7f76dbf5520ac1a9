// Package session ties one recording together: it pumps normalized
// audio frames into the transcription stream and folds the resulting
// transcript events into the caller's editable buffer.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/eleven-am/voicenotes-core/internal/audio"
	"github.com/eleven-am/voicenotes-core/internal/auth"
	"github.com/eleven-am/voicenotes-core/internal/stream"
	"github.com/eleven-am/voicenotes-core/internal/transcript"
	"github.com/google/uuid"
)

var ErrAlreadyStarted = errors.New("session already started")

// TokenSource supplies the access token used to authorize the stream.
type TokenSource interface {
	Credentials() *auth.CredentialPair
	AwaitValidToken(ctx context.Context) (string, error)
}

// Socket is the streaming connection the session drives. Satisfied by
// stream.Client; tests substitute a fake.
type Socket interface {
	Connect(ctx context.Context, accessToken, language string) error
	Start(language string) error
	SendAudio(frame []byte) error
	Stop() error
	Disconnect()
	State() stream.ConnectionState
}

// SocketFactory builds the socket with the session's event callbacks
// already attached.
type SocketFactory func(cb stream.Callbacks) Socket

type Config struct {
	Tokens TokenSource
	// Buffer receives finalized transcript text. Owned by the caller.
	Buffer transcript.Buffer
	// Stream configures the default socket. Ignored when Socket is set.
	Stream   stream.Config
	Socket   SocketFactory
	Pipeline audio.PipelineConfig
	Log      *slog.Logger

	OnState func(state stream.ConnectionState)
	OnError func(code, message string)
}

// Session is a single recording. Construct one per recording and
// discard it after Close.
type Session struct {
	id         string
	log        *slog.Logger
	tokens     TokenSource
	socket     Socket
	pipeline   *audio.Pipeline
	aggregator *transcript.Aggregator

	onState func(state stream.ConnectionState)
	onError func(code, message string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func New(cfg Config) *Session {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Pipeline.Log == nil {
		cfg.Pipeline.Log = cfg.Log
	}

	s := &Session{
		id:       id,
		log:      cfg.Log.With("session_id", id),
		tokens:   cfg.Tokens,
		pipeline: audio.NewPipeline(cfg.Pipeline),
		aggregator: transcript.NewAggregator(transcript.Config{
			Buffer: cfg.Buffer,
			Log:    cfg.Log,
		}),
		onState: cfg.OnState,
		onError: cfg.OnError,
		ctx:     ctx,
		cancel:  cancel,
	}

	cb := stream.Callbacks{
		OnStateChange: s.onStateChange,
		OnInterim:     s.aggregator.OnInterim,
		OnFinal:       s.aggregator.OnFinal,
		OnError:       s.onStreamError,
	}
	if cfg.Socket != nil {
		s.socket = cfg.Socket(cb)
	} else {
		if cfg.Stream.Log == nil {
			cfg.Stream.Log = cfg.Log
		}
		s.socket = stream.NewClient(cfg.Stream, cb)
	}

	return s
}

func (s *Session) ID() string {
	return s.id
}

// Start authorizes and opens the stream, then begins forwarding
// captured frames. Blocks until the stream is ready or the connect
// fails.
func (s *Session) Start(ctx context.Context, language string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	token, err := s.accessToken(ctx)
	if err != nil {
		return err
	}

	s.aggregator.Reset()

	if err := s.socket.Connect(ctx, token, language); err != nil {
		return err
	}
	if err := s.socket.Start(language); err != nil {
		s.socket.Disconnect()
		return err
	}

	s.log.Info("session started", "language", language)

	s.wg.Add(1)
	go s.pumpFrames()
	return nil
}

func (s *Session) accessToken(ctx context.Context) (string, error) {
	if pair := s.tokens.Credentials(); pair != nil && pair.AccessToken != "" {
		return pair.AccessToken, nil
	}
	return s.tokens.AwaitValidToken(ctx)
}

func (s *Session) pumpFrames() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame, ok := <-s.pipeline.Frames():
			if !ok {
				return
			}
			if err := s.socket.SendAudio(frame); err != nil {
				s.log.Error("failed to send audio frame", "error", err)
			}
		}
	}
}

// Push feeds one captured chunk into the pipeline.
func (s *Session) Push(chunk audio.Chunk) {
	s.pipeline.Push(chunk)
}

func (s *Session) Pause() {
	s.pipeline.Pause()
}

func (s *Session) Resume() {
	s.pipeline.Resume()
}

// OnLevel subscribes to audio level updates. Returns unsubscribe.
func (s *Session) OnLevel(fn func(level float64)) func() {
	return s.pipeline.OnLevel(fn)
}

// Stop asks the server to flush its remaining finals. The transport
// stays open until Close so the flushed results can still arrive.
func (s *Session) Stop() error {
	return s.socket.Stop()
}

func (s *Session) State() stream.ConnectionState {
	return s.socket.State()
}

func (s *Session) Interim() string {
	return s.aggregator.Interim()
}

func (s *Session) FullTranscript() string {
	return s.aggregator.FullTranscript()
}

// Dropped reports frames discarded under backpressure.
func (s *Session) Dropped() int {
	return s.pipeline.Dropped()
}

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	s.cancel()
	s.socket.Disconnect()
	s.pipeline.Close()
	s.wg.Wait()
	s.log.Info("session closed", "dropped_frames", s.pipeline.Dropped())
	return nil
}

func (s *Session) onStateChange(state stream.ConnectionState) {
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Session) onStreamError(code, message string) {
	s.log.Warn("stream error", "code", code, "message", message)
	if s.onError != nil {
		s.onError(code, message)
	}
}
