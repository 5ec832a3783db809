package audio

import (
	"bytes"
	"testing"
)

func TestSplitFrames_ExactMultiple(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 3*FrameBytes)
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}

	frames := SplitFrames(pcm)
	if len(frames) != 3 {
		t.Fatalf("frames=%d, want 3", len(frames))
	}
	for i, frame := range frames {
		if len(frame) != FrameBytes {
			t.Fatalf("frame %d len=%d, want %d", i, len(frame), FrameBytes)
		}
		if !bytes.Equal(frame, pcm[i*FrameBytes:(i+1)*FrameBytes]) {
			t.Fatalf("frame %d content does not match source slice", i)
		}
	}
}

func TestSplitFrames_RemainderDropped(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 2*FrameBytes+FrameBytes/2)
	if got := len(SplitFrames(pcm)); got != 2 {
		t.Fatalf("frames=%d, want 2 (remainder dropped)", got)
	}
}

func TestSplitFrames_ShortBuffer(t *testing.T) {
	t.Parallel()

	if got := SplitFrames(make([]byte, FrameBytes-1)); got != nil {
		t.Fatalf("frames=%v, want nil for sub-frame buffer", got)
	}
	if got := SplitFrames(nil); got != nil {
		t.Fatalf("frames=%v, want nil for empty buffer", got)
	}
}

func TestFrameCount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		byteLen int
		want    int
	}{
		{0, 0},
		{FrameBytes - 1, 0},
		{FrameBytes, 1},
		{FrameBytes*4 + 639, 4},
		{-10, 0},
	}
	for _, tc := range cases {
		if got := FrameCount(tc.byteLen); got != tc.want {
			t.Fatalf("FrameCount(%d)=%d, want %d", tc.byteLen, got, tc.want)
		}
	}
}

func TestRepackPCM16LE(t *testing.T) {
	t.Parallel()

	in := []byte{0x01, 0x02, 0xff, 0x7f, 0x00, 0x80}
	out := RepackPCM16LE(in)
	if !bytes.Equal(out, in) {
		t.Fatalf("out=%v, want identical little-endian bytes %v", out, in)
	}

	odd := []byte{0x01, 0x02, 0x03}
	if got := RepackPCM16LE(odd); len(got) != 2 {
		t.Fatalf("odd trailing byte: len=%d, want 2", len(got))
	}
}

func TestChunks(t *testing.T) {
	t.Parallel()

	b := make([]byte, 2500)
	chunks := Chunks(b, InjectChunkBytes)
	if len(chunks) != 3 {
		t.Fatalf("chunks=%d, want 3", len(chunks))
	}
	if len(chunks[0]) != InjectChunkBytes || len(chunks[1]) != InjectChunkBytes {
		t.Fatalf("full chunks must be %d bytes", InjectChunkBytes)
	}
	if len(chunks[2]) != 2500-2*InjectChunkBytes {
		t.Fatalf("tail chunk len=%d, want %d", len(chunks[2]), 2500-2*InjectChunkBytes)
	}
	if Chunks(nil, InjectChunkBytes) != nil {
		t.Fatal("empty buffer must yield nil")
	}
	if Chunks(b, 0) != nil {
		t.Fatal("non-positive size must yield nil")
	}
}
