package audio

// ChunkKind discriminates the raw representations a capture backend may
// hand over. Backends produce exactly one of these per event; the
// pipeline pattern-matches on the kind instead of inspecting runtime
// types.
type ChunkKind int

const (
	// ChunkPCM16 is little-endian 16-bit signed mono PCM bytes.
	ChunkPCM16 ChunkKind = iota
	// ChunkBase64 is a base64-encoded PCM16 payload.
	ChunkBase64
	// ChunkFloat32 is normalized float samples in [-1.0, 1.0].
	ChunkFloat32
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkPCM16:
		return "pcm16"
	case ChunkBase64:
		return "base64"
	case ChunkFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// Chunk is one capture event in whatever shape the platform produced it.
type Chunk struct {
	Kind    ChunkKind
	PCM     []byte
	Text    string
	Samples []float32
}

func PCMChunk(pcm []byte) Chunk {
	return Chunk{Kind: ChunkPCM16, PCM: pcm}
}

func Base64Chunk(text string) Chunk {
	return Chunk{Kind: ChunkBase64, Text: text}
}

func FloatChunk(samples []float32) Chunk {
	return Chunk{Kind: ChunkFloat32, Samples: samples}
}
