package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultConnectTimeout = 10 * time.Second

var (
	// ErrConnectTimeout means the transport opened but no READY arrived
	// within the connect deadline.
	ErrConnectTimeout = errors.New("timed out waiting for ready")
	// ErrConnectCancelled is how a connect-in-progress settles when
	// Disconnect is called before READY. The pending call always
	// rejects; it is never left pending.
	ErrConnectCancelled = errors.New("connect cancelled")
	ErrAlreadyConnected = errors.New("already connected")
)

type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/api/v1/transcribe.
	URL string
	// ConnectTimeout bounds dial plus the wait for READY. Zero selects
	// ten seconds.
	ConnectTimeout time.Duration
	Dialer         *websocket.Dialer
	Log            *slog.Logger
}

// Client drives one streaming transcription connection. Construct one
// per recording session and discard it afterwards; Connect may be
// called again after a disconnect or transport error.
type Client struct {
	cfg Config
	cb  Callbacks
	log *slog.Logger

	// writeMu serializes writes; gorilla connections allow only one
	// concurrent writer.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    ConnectionState
	conn     *websocket.Conn
	closing  bool
	cancelCh chan struct{}
}

func NewClient(cfg Config, cb Callbacks) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Client{
		cfg: cfg,
		cb:  cb,
		log: cfg.Log,
	}
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the transport and blocks until the server's READY
// message, the connect deadline, a pre-ready error, or cancellation via
// Disconnect. The deadline is armed at connect start and covers both
// the dial and the READY wait.
func (c *Client) Connect(ctx context.Context, accessToken, language string) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateError {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	cancelCh := make(chan struct{})
	c.cancelCh = cancelCh
	c.closing = false
	c.mu.Unlock()

	c.transition(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	endpoint, err := connectURL(c.cfg.URL, accessToken, language)
	if err != nil {
		c.transition(StateDisconnected)
		return err
	}

	conn, resp, err := c.cfg.Dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.transition(StateDisconnected)
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return ErrConnectTimeout
		}
		return fmt.Errorf("dial stream: %w", err)
	}

	c.mu.Lock()
	if c.closing {
		// Disconnect raced the dial.
		c.mu.Unlock()
		conn.Close()
		return ErrConnectCancelled
	}
	c.conn = conn
	c.mu.Unlock()

	c.transition(StateConnected)

	readyCh := make(chan struct{})
	failCh := make(chan error, 1)
	go c.readLoop(conn, readyCh, failCh)

	select {
	case <-readyCh:
		if !c.transitionReady() {
			return ErrConnectCancelled
		}
		return nil
	case err := <-failCh:
		c.closeTransport(conn)
		return err
	case <-dialCtx.Done():
		c.closeTransport(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrConnectTimeout
	case <-cancelCh:
		return ErrConnectCancelled
	}
}

func connectURL(raw, accessToken, language string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("token", accessToken)
	if language != "" {
		q.Set("language", language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start declares the transcription language. Logged no-op unless Ready.
func (c *Client) Start(language string) error {
	conn, ok := c.readyConn()
	if !ok {
		c.log.Warn("start ignored, stream not ready", "state", c.State().String())
		return nil
	}
	return c.writeJSON(conn, ControlMessage{Type: MessageTypeStart, Language: language})
}

// SendAudio transmits one frame as a binary message. Frames sent while
// not Ready are dropped, not queued: audio captured before readiness is
// stale by the time the stream opens and would desynchronize timing.
func (c *Client) SendAudio(frame []byte) error {
	conn, ok := c.readyConn()
	if !ok {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Stop asks the server to flush remaining finals. It does not close the
// transport; the caller disconnects once the flushed results arrive.
func (c *Client) Stop() error {
	conn, ok := c.readyConn()
	if !ok {
		c.log.Warn("stop ignored, stream not ready", "state", c.State().String())
		return nil
	}
	return c.writeJSON(conn, ControlMessage{Type: MessageTypeStop})
}

// Disconnect tears the connection down from any state. Idempotent and
// safe to call concurrently; a pending Connect rejects with
// ErrConnectCancelled.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	cancelCh := c.cancelCh
	c.cancelCh = nil
	c.mu.Unlock()

	if cancelCh != nil {
		close(cancelCh)
	}
	if conn != nil {
		conn.Close()
	}
	c.transition(StateDisconnected)
}

func (c *Client) readyConn() (*websocket.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.conn == nil {
		return nil, false
	}
	return c.conn, true
}

func (c *Client) writeJSON(conn *websocket.Conn, msg ControlMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (c *Client) readLoop(conn *websocket.Conn, readyCh chan struct{}, failCh chan error) {
	var readyOnce sync.Once

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleTransportClose(err, failCh)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("ignoring malformed control message", "error", err)
			continue
		}

		switch msg.Type {
		case MessageTypeReady:
			readyOnce.Do(func() { close(readyCh) })
		case MessageTypeStarted, MessageTypeStopped:
			c.log.Debug("stream lifecycle message", "type", string(msg.Type))
		case MessageTypeTranscription:
			if msg.IsFinal {
				if c.cb.OnFinal != nil {
					c.cb.OnFinal(msg.Text)
				}
			} else {
				if c.cb.OnInterim != nil {
					c.cb.OnInterim(msg.Text)
				}
			}
		case MessageTypeError:
			c.log.Warn("stream error message", "code", msg.Code, "message", msg.Message)
			if c.cb.OnError != nil {
				c.cb.OnError(msg.Code, msg.Message)
			}
			// Rejects the connect call if one is still pending.
			select {
			case failCh <- fmt.Errorf("stream error %s: %s", msg.Code, msg.Message):
			default:
			}
		default:
			c.log.Debug("ignoring unrecognized control message", "type", string(msg.Type))
		}
	}
}

// handleTransportClose distinguishes a deliberate Disconnect from a
// transport failure. Only the latter surfaces as an error state.
func (c *Client) handleTransportClose(err error, failCh chan error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.log.Error("stream transport error", "error", err)
	} else {
		c.log.Debug("stream closed", "error", err)
	}

	// Enter Error before waking a pending connect: its teardown moves
	// the state on to Disconnected and must land last.
	c.transition(StateError)

	select {
	case failCh <- fmt.Errorf("transport closed: %w", err):
	default:
	}

	if c.cb.OnError != nil {
		c.cb.OnError("transport_error", err.Error())
	}
}

// closeTransport closes the socket after a failed connect without
// treating it as a caller-initiated disconnect.
func (c *Client) closeTransport(conn *websocket.Conn) {
	c.mu.Lock()
	c.closing = true
	if c.conn == conn {
		c.conn = nil
	}
	c.cancelCh = nil
	c.mu.Unlock()

	conn.Close()
	c.transition(StateDisconnected)
}

// transitionReady enters Ready unless a disconnect raced the READY
// message. The closing check and the state swap are atomic, so a
// cancelled connect can never resolve successfully and leave the state
// Ready with no transport underneath.
func (c *Client) transitionReady() bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	prev := c.state
	c.state = StateReady
	c.mu.Unlock()

	c.log.Debug("stream state changed", "from", prev.String(), "to", StateReady.String())
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(StateReady)
	}
	return true
}

func (c *Client) transition(next ConnectionState) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = next
	c.mu.Unlock()

	c.log.Debug("stream state changed", "from", prev.String(), "to", next.String())
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(next)
	}
}
