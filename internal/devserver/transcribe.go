package devserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/eleven-am/voicenotes-core/internal/audio"
	"github.com/eleven-am/voicenotes-core/internal/shared"
	"github.com/eleven-am/voicenotes-core/internal/stream"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// transcribeHandler speaks the streaming transcription protocol from
// the server side. It does no actual speech recognition; it emits
// deterministic transcript events derived from the audio it receives,
// which is exactly what a client under development needs.
type transcribeHandler struct {
	auth *authHandler
	log  *slog.Logger

	upgrader websocket.Upgrader
}

func newTranscribeHandler(auth *authHandler, log *slog.Logger) *transcribeHandler {
	return &transcribeHandler{
		auth: auth,
		log:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *transcribeHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/transcribe", h.Stream)
}

func (h *transcribeHandler) Stream(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return shared.Unauthorized("missing_token", "token query parameter required")
	}
	user, err := h.auth.verifyAccessToken(token)
	if err != nil {
		return shared.Unauthorized("invalid_token", "access token is invalid or expired")
	}
	language := c.QueryParam("language")

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	log := h.log.With("username", user, "language", language)
	log.Info("transcription stream opened")
	h.serve(conn, log)
	log.Info("transcription stream closed")
	return nil
}

// serve owns the connection for its lifetime. All writes happen from
// this goroutine, so no write lock is needed.
func (h *transcribeHandler) serve(conn *websocket.Conn, log *slog.Logger) {
	defer conn.Close()

	if err := conn.WriteJSON(stream.ControlMessage{Type: stream.MessageTypeReady}); err != nil {
		return
	}

	var frames, bytes int
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("stream read failed", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			frames++
			bytes += len(data)
			interim := stream.ControlMessage{
				Type: stream.MessageTypeTranscription,
				Text: fmt.Sprintf("%.1f seconds of audio", audioSeconds(bytes)),
			}
			if err := conn.WriteJSON(interim); err != nil {
				return
			}

		case websocket.TextMessage:
			var msg stream.ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Debug("ignoring malformed control message", "error", err)
				continue
			}
			switch msg.Type {
			case stream.MessageTypeStart:
				if err := conn.WriteJSON(stream.ControlMessage{Type: stream.MessageTypeStarted}); err != nil {
					return
				}
			case stream.MessageTypeStop:
				final := stream.ControlMessage{
					Type:    stream.MessageTypeTranscription,
					Text:    fmt.Sprintf("Captured %d frames, %.1f seconds of audio.", frames, audioSeconds(bytes)),
					IsFinal: true,
				}
				if err := conn.WriteJSON(final); err != nil {
					return
				}
				if err := conn.WriteJSON(stream.ControlMessage{Type: stream.MessageTypeStopped}); err != nil {
					return
				}
				frames, bytes = 0, 0
			default:
				log.Debug("ignoring unrecognized control message", "type", string(msg.Type))
			}
		}
	}
}

func audioSeconds(pcmBytes int) float64 {
	return float64(pcmBytes) / float64(audio.SampleRate*audio.BytesPerSample)
}
