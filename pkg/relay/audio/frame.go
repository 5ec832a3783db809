// Package audio holds the pure PCM plumbing shared by the relay: splitting
// upstream output buffers into broadcast frames and repacking synthesized
// audio into little-endian 16-bit samples for upstream input.
package audio

import "encoding/binary"

const (
	// FrameBytes is the size of one broadcast frame: 320 samples of 16-bit
	// PCM, 20ms at 16kHz.
	FrameBytes = 640

	// FrameSamples is FrameBytes expressed in 16-bit samples.
	FrameSamples = FrameBytes / 2

	// InjectChunkBytes is the raw chunk size used when streaming synthesized
	// speech into an upstream session.
	InjectChunkBytes = 1024
)

// SplitFrames cuts a variable-length PCM16 buffer into FrameBytes-sized
// frames, in order. A trailing remainder shorter than one frame is dropped,
// not carried over to the next buffer.
//
// TODO: dropping the remainder loses up to one frame of audio at buffer
// boundaries; carrying it over needs a per-session carry buffer and a flush
// on contentEnd.
func SplitFrames(pcm []byte) [][]byte {
	if len(pcm) < FrameBytes {
		return nil
	}
	n := len(pcm) / FrameBytes
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frames = append(frames, pcm[i*FrameBytes:(i+1)*FrameBytes])
	}
	return frames
}

// FrameCount reports how many full frames SplitFrames would produce for a
// buffer of the given byte length.
func FrameCount(byteLen int) int {
	if byteLen < 0 {
		return 0
	}
	return byteLen / FrameBytes
}

// RepackPCM16LE reinterprets a raw byte chunk as little-endian 16-bit
// samples and re-emits it as canonical little-endian PCM. A trailing odd
// byte is dropped. Synthesized audio arrives as raw bytes; upstream expects
// aligned 16-bit samples.
func RepackPCM16LE(chunk []byte) []byte {
	n := len(chunk) / 2
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(chunk[i*2:]))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

// Chunks slices a buffer into size-byte chunks; the final chunk may be
// shorter. It returns nil for an empty buffer or non-positive size.
func Chunks(b []byte, size int) [][]byte {
	if len(b) == 0 || size <= 0 {
		return nil
	}
	out := make([][]byte, 0, (len(b)+size-1)/size)
	for off := 0; off < len(b); off += size {
		end := off + size
		if end > len(b) {
			end = len(b)
		}
		out = append(out, b[off:end])
	}
	return out
}
