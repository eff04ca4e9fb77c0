// Package codec provides μ-law/8kHz/mono audio framing utilities shared by
// the telephony TTS adapter (C2) and the media-stream bridge (C4). This
// system never re-encodes or resamples: all telephony audio in and out is
// μ-law/8kHz/mono, so this package only chunks and, where a byte-stream
// rather than already-encoded PCMU bytes is available, encodes it.
package codec

import "github.com/zaf/g711"

// DefaultFrameSize is 160 bytes, ~20ms of μ-law audio at 8kHz.
const DefaultFrameSize = 160

// Chunk splits data into frames of frameSize bytes. The final frame may be
// shorter than frameSize but is never dropped. frameSize must be positive.
func Chunk(data []byte, frameSize int) [][]byte {
	if frameSize <= 0 {
		panic("codec: frameSize must be positive")
	}
	if len(data) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(data)+frameSize-1)/frameSize)
	for offset := 0; offset < len(data); offset += frameSize {
		end := offset + frameSize
		if end > len(data) {
			end = len(data)
		}
		frames = append(frames, data[offset:end])
	}
	return frames
}

// EncodeMuLaw converts 16-bit little-endian PCM samples to μ-law (PCMU)
// bytes using the g711 codec.
func EncodeMuLaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// DecodeMuLaw converts μ-law (PCMU) bytes back to 16-bit little-endian PCM samples.
func DecodeMuLaw(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}
