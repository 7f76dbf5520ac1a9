package main

import (
	"github.com/eleven-am/voicenotes-core/internal/bootstrap"
)

// voicenotes streams raw PCM16 audio from stdin to the transcription
// backend and prints finalized transcript text to stdout.
func main() {
	bootstrap.RunClient()
}
