package stream

// ConnectionState tracks the streaming connection lifecycle.
type ConnectionState int

const (
	// StateDisconnected is both the initial state and the terminal
	// state after close.
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	// StateReady is entered on the server's READY message. Audio frames
	// are only accepted while Ready.
	StateReady
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type MessageType string

const (
	MessageTypeStart         MessageType = "START"
	MessageTypeStop          MessageType = "STOP"
	MessageTypeReady         MessageType = "READY"
	MessageTypeStarted       MessageType = "STARTED"
	MessageTypeStopped       MessageType = "STOPPED"
	MessageTypeTranscription MessageType = "transcription"
	MessageTypeError         MessageType = "error"
)

// ControlMessage is the JSON text frame exchanged on the stream. Binary
// frames carry raw PCM and have no envelope.
type ControlMessage struct {
	Type     MessageType `json:"type"`
	Text     string      `json:"text,omitempty"`
	IsFinal  bool        `json:"isFinal,omitempty"`
	Language string      `json:"language,omitempty"`
	Code     string      `json:"code,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// Callbacks receive stream events. All callbacks are invoked from the
// client's read goroutine; they must not block on stream operations.
type Callbacks struct {
	OnStateChange func(state ConnectionState)
	OnInterim     func(text string)
	OnFinal       func(text string)
	OnError       func(code, message string)
}
