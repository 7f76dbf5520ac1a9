package main

import (
	"github.com/eleven-am/voicenotes-core/internal/bootstrap"
)

// devserver runs the in-process backend stand-in: auth, notes, and the
// streaming transcription endpoint.
func main() {
	bootstrap.RunServer()
}
