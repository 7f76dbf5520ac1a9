package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects everything the test server receives.
type recorder struct {
	mu      sync.Mutex
	binary  [][]byte
	control []ControlMessage
	query   map[string]string
}

func (r *recorder) binaryFrames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.binary))
	copy(out, r.binary)
	return out
}

func (r *recorder) controlMessages() []ControlMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ControlMessage, len(r.control))
	copy(out, r.control)
	return out
}

// newWSServer runs an in-process websocket endpoint. The handler owns
// the server side of the connection; readInto pumps inbound messages
// into the recorder until the peer goes away.
func newWSServer(t *testing.T, handler func(conn *websocket.Conn, rec *recorder)) (string, *recorder) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	rec := &recorder{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.query = map[string]string{
			"token":    r.URL.Query().Get("token"),
			"language": r.URL.Query().Get("language"),
		}
		rec.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, rec)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), rec
}

func readInto(conn *websocket.Conn, rec *recorder) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		rec.mu.Lock()
		switch msgType {
		case websocket.BinaryMessage:
			cp := make([]byte, len(data))
			copy(cp, data)
			rec.binary = append(rec.binary, cp)
		case websocket.TextMessage:
			var msg ControlMessage
			if jsonErr := json.Unmarshal(data, &msg); jsonErr == nil {
				rec.control = append(rec.control, msg)
			}
		}
		rec.mu.Unlock()
	}
}

func sendReady(conn *websocket.Conn) error {
	return conn.WriteJSON(ControlMessage{Type: MessageTypeReady})
}

func newTestClient(url string, cb Callbacks, timeout time.Duration) *Client {
	return NewClient(Config{
		URL:            url,
		ConnectTimeout: timeout,
		Log:            testLogger(),
	}, cb)
}

func TestConnect_ReachesReady(t *testing.T) {
	url, rec := newWSServer(t, func(conn *websocket.Conn, rec *recorder) {
		sendReady(conn)
		readInto(conn, rec)
	})

	var mu sync.Mutex
	var states []ConnectionState
	c := newTestClient(url, Callbacks{
		OnStateChange: func(s ConnectionState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	}, 2*time.Second)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "at1", "ja"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if c.State() != StateReady {
		t.Errorf("state = %v, want ready", c.State())
	}

	mu.Lock()
	got := append([]ConnectionState(nil), states...)
	mu.Unlock()
	want := []ConnectionState{StateConnecting, StateConnected, StateReady}
	if len(got) != len(want) {
		t.Fatalf("state sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state sequence = %v, want %v", got, want)
		}
	}

	rec.mu.Lock()
	token, language := rec.query["token"], rec.query["language"]
	rec.mu.Unlock()
	if token != "at1" {
		t.Errorf("token query param = %q, want at1", token)
	}
	if language != "ja" {
		t.Errorf("language query param = %q, want ja", language)
	}
}

func TestConnect_TimeoutWithoutReady(t *testing.T) {
	url, _ := newWSServer(t, func(conn *websocket.Conn, rec *recorder) {
		// Never send READY.
		readInto(conn, rec)
	})

	c := newTestClient(url, Callbacks{}, 150*time.Millisecond)
	err := c.Connect(context.Background(), "at1", "en")
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("error = %v, want ErrConnectTimeout", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected after timeout", c.State())
	}
}

func TestConnect_ErrorMessageRejectsPendingConnect(t *testing.T) {
	url, _ := newWSServer(t, func(conn *websocket.Conn, rec *recorder) {
		conn.WriteJSON(ControlMessage{Type: MessageTypeError, Code: "auth_failed", Message: "bad token"})
		readInto(conn, rec)
	})

	var mu sync.Mutex
	var code string
	c := newTestClient(url, Callbacks{
		OnError: func(cd, _ string) {
			mu.Lock()
			code = cd
			mu.Unlock()
		},
	}, 2*time.Second)

	err := c.Connect(context.Background(), "bad", "en")
	if err == nil {
		t.Fatal("connect should fail on pre-ready error message")
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if code != "auth_failed" {
		t.Errorf("OnError code = %q, want auth_failed", code)
	}
}

func TestConnect_CancelledByDisconnect(t *testing.T) {
	url, _ := newWSServer(t, func(conn *websocket.Conn, rec *recorder) {
		readInto(conn, rec)
	})

	c := newTestClient(url, Callbacks{}, 5*time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Connect(context.Background(), "at1", "en")
	}()

	time.Sleep(100 * time.Millisecond)
	c.Disconnect()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectCancelled) {
			t.Errorf("error = %v, want ErrConnectCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled connect never settled")
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
}

func TestTransitionReady_RefusedWhileClosing(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/stream", Callbacks{}, time.Second)

	c.mu.Lock()
	c.state = StateConnected
	c.closing = true
	c.mu.Unlock()

	if c.transitionReady() {
		t.Fatal("READY after disconnect must not enter Ready")
	}
	if c.State() != StateConnected {
		t.Errorf("state = %v, refused transition must not change state", c.State())
	}
}

func TestConnect_ReadyRacingDisconnectNeverBricks(t *testing.T) {
	triggers := make(chan chan struct{}, 16)
	url, _ := newWSServer(t, func(conn *websocket.Conn, rec *recorder) {
		trigger := make(chan struct{})
		triggers <- trigger
		<-trigger
		sendReady(conn)
		readInto(conn, rec)
	})

	for i := 0; i < 10; i++ {
		c := newTestClient(url, Callbacks{}, 5*time.Second)

		errCh := make(chan error, 1)
		go func() {
			errCh <- c.Connect(context.Background(), "at1", "en")
		}()

		trigger := <-triggers
		// Release READY and tear down at the same time; either may win.
		go close(trigger)
		c.Disconnect()

		select {
		case err := <-errCh:
			// A nil error means READY landed before the teardown, which
			// is a legitimate outcome. What must never happen is the
			// client stuck Ready without a transport.
			if err != nil && !errors.Is(err, ErrConnectCancelled) {
				t.Fatalf("iteration %d: error = %v, want nil or ErrConnectCancelled", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: connect never settled", i)
		}

		if got := c.State(); got == StateReady {
			t.Fatalf("iteration %d: state = ready after disconnect, client is bricked", i)
		}
	}
}

func TestSendAudio_GatedOnReady(t *testing.T) {
	releaseReady := make(chan struct{})
	url, rec := newWSServer(t, func(conn *websocket.Conn, rec *recorder) {
		done := make(chan struct{})
		go func() {
			readInto(conn, rec)
			close(done)
		}()
		<-releaseReady
		sendReady(conn)
		<-done
	})

	c := newTestClient(url, Callbacks{}, 5*time.Second)
	defer c.Disconnect()

	// Not even connected: dropped.
	if err := c.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("pre-connect SendAudio should be a silent no-op, got %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Connect(context.Background(), "at1", "en")
	}()

	// Connecting: still dropped.
	time.Sleep(100 * time.Millisecond)
	if err := c.SendAudio([]byte{3, 4}); err != nil {
		t.Fatalf("connecting SendAudio should be a silent no-op, got %v", err)
	}

	close(releaseReady)
	if err := <-errCh; err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := c.SendAudio([]byte{5, 6}); err != nil {
		t.Fatalf("ready SendAudio failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	frames := rec.binaryFrames()
	if len(frames) != 1 {
		t.Fatalf("server received %d frames, want 1 (pre-ready audio must not hit the wire)", len(frames))
	}
	if frames[0][0] != 5 {
		t.Errorf("received wrong frame: %v", frames[0])
	}
}

func TestStartAndStop_SendControlMessages(t *testing.T) {
	url, rec := newWSServer(t, func(conn *websocket.Conn, rec *recorder) {
		sendReady(conn)
		readInto(conn, rec)
	})

	c := newTestClient(url, Callbacks{}, 2*time.Second)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "at1", "uk"); err != nil {
		t.Fatal(err)
	}
	if err := c.Start("uk"); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	msgs := rec.controlMessages()
	if len(msgs) != 2 {
		t.Fatalf("server received %d control messages, want 2: %v", len(msgs), msgs)
	}
	if msgs[0].Type != MessageTypeStart || msgs[0].Language != "uk" {
		t.Errorf("first message = %+v, want START uk", msgs[0])
	}
	if msgs[1].Type != MessageTypeStop {
		t.Errorf("second message = %+v, want STOP", msgs[1])
	}
}

func TestStart_NoopWhenNotReady(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/stream", Callbacks{}, time.Second)
	if err := c.Start("en"); err != nil {
		t.Errorf("Start while disconnected should be a logged no-op, got %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("Stop while disconnected should be a logged no-op, got %v", err)
	}
}

func TestReadLoop_RoutesTranscriptionEvents(t *testing.T) {
	url, _ := newWSServer(t, func(conn *websocket.Conn, rec *recorder) {
		sendReady(conn)
		conn.WriteJSON(ControlMessage{Type: MessageTypeTranscription, Text: "hel", IsFinal: false})
		conn.WriteJSON(ControlMessage{Type: MessageTypeTranscription, Text: "hello", IsFinal: true})
		readInto(conn, rec)
	})

	var mu sync.Mutex
	var interims, finals []string
	done := make(chan struct{})
	c := newTestClient(url, Callbacks{
		OnInterim: func(text string) {
			mu.Lock()
			interims = append(interims, text)
			mu.Unlock()
		},
		OnFinal: func(text string) {
			mu.Lock()
			finals = append(finals, text)
			mu.Unlock()
			close(done)
		},
	}, 2*time.Second)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "at1", "en"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("final event never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(interims) != 1 || interims[0] != "hel" {
		t.Errorf("interims = %v", interims)
	}
	if len(finals) != 1 || finals[0] != "hello" {
		t.Errorf("finals = %v", finals)
	}
}

func TestReadLoop_IgnoresMalformedMessages(t *testing.T) {
	url, _ := newWSServer(t, func(conn *websocket.Conn, rec *recorder) {
		conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SOMETHING_NEW"}`))
		sendReady(conn)
		conn.WriteJSON(ControlMessage{Type: MessageTypeTranscription, Text: "ok", IsFinal: true})
		readInto(conn, rec)
	})

	done := make(chan struct{})
	var got string
	c := newTestClient(url, Callbacks{
		OnFinal: func(text string) {
			got = text
			close(done)
		},
	}, 2*time.Second)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "at1", "en"); err != nil {
		t.Fatalf("malformed messages must not break connect: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("final event never arrived")
	}
	if got != "ok" {
		t.Errorf("final = %q, want ok", got)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/stream", Callbacks{}, time.Second)

	// Never connected.
	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Errorf("state = %v after second disconnect", c.State())
	}
}

func TestDisconnect_AfterReady(t *testing.T) {
	url, _ := newWSServer(t, func(conn *websocket.Conn, rec *recorder) {
		sendReady(conn)
		readInto(conn, rec)
	})

	c := newTestClient(url, Callbacks{}, 2*time.Second)
	if err := c.Connect(context.Background(), "at1", "en"); err != nil {
		t.Fatal(err)
	}

	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Errorf("state = %v after second disconnect", c.State())
	}
}

func TestTransportError_SurfacesToSubscribers(t *testing.T) {
	url, _ := newWSServer(t, func(conn *websocket.Conn, rec *recorder) {
		sendReady(conn)
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	})

	errCh := make(chan string, 1)
	c := newTestClient(url, Callbacks{
		OnError: func(code, _ string) {
			select {
			case errCh <- code:
			default:
			}
		},
	}, 2*time.Second)
	defer c.Disconnect()

	if err := c.Connect(context.Background(), "at1", "en"); err != nil {
		t.Fatal(err)
	}

	select {
	case code := <-errCh:
		if code != "transport_error" {
			t.Errorf("error code = %q, want transport_error", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transport error never surfaced")
	}
	if c.State() != StateError {
		t.Errorf("state = %v, want error", c.State())
	}
}
