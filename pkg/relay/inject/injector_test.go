package inject

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSynth struct {
	audio []byte
	err   error
	delay time.Duration
}

func (f *fakeSynth) Synthesize(ctx context.Context, _ string) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.audio, f.err
}

type fakeTarget struct {
	id string

	mu        sync.Mutex
	ops       []string
	chunks    [][]byte
	failAfter int // fail SendAudioChunk after this many chunks; -1 never
}

func newFakeTarget(id string) *fakeTarget {
	return &fakeTarget{id: id, failAfter: -1}
}

func (f *fakeTarget) ID() string { return f.id }

func (f *fakeTarget) BeginSyntheticContent(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "start")
	return nil
}

func (f *fakeTarget) SendAudioChunk(_ context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && len(f.chunks) >= f.failAfter {
		return errors.New("stream broken")
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.chunks = append(f.chunks, cp)
	f.ops = append(f.ops, "chunk")
	return nil
}

func (f *fakeTarget) EndSyntheticContent(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "end")
	return nil
}

func (f *fakeTarget) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func newTestInjector(t *testing.T, synth Synthesizer) *Injector {
	t.Helper()
	inj, err := New(Config{Synthesizer: synth, SettleDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return inj
}

func TestInject_ChunksAndMarkers(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 2500) // 2 full chunks + 452-byte tail
	inj := newTestInjector(t, &fakeSynth{audio: pcm})
	target := newFakeTarget("c1")

	if err := inj.Inject(context.Background(), target, "hello there"); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	ops := target.Ops()
	if ops[0] != "start" || ops[len(ops)-1] != "end" {
		t.Fatalf("ops=%v, want start..end bracket", ops)
	}
	if len(target.chunks) != 3 {
		t.Fatalf("chunks=%d, want 3", len(target.chunks))
	}
	if len(target.chunks[0]) != 1024 || len(target.chunks[2]) != 452 {
		t.Fatalf("chunk sizes=%d/%d, want 1024 and 452", len(target.chunks[0]), len(target.chunks[2]))
	}
}

func TestInject_SynthFailureSendsNoMarkers(t *testing.T) {
	t.Parallel()

	inj := newTestInjector(t, &fakeSynth{err: errors.New("tts quota")})
	target := newFakeTarget("c1")

	if err := inj.Inject(context.Background(), target, "hello"); err == nil {
		t.Fatal("expected synthesis error")
	}
	if ops := target.Ops(); len(ops) != 0 {
		t.Fatalf("ops=%v, want none after synthesis failure", ops)
	}
}

func TestInject_MidStreamFailureStillEndsContent(t *testing.T) {
	t.Parallel()

	inj := newTestInjector(t, &fakeSynth{audio: make([]byte, 4096)})
	target := newFakeTarget("c1")
	target.failAfter = 1

	if err := inj.Inject(context.Background(), target, "hello"); err == nil {
		t.Fatal("expected mid-stream error")
	}
	ops := target.Ops()
	if ops[len(ops)-1] != "end" {
		t.Fatalf("ops=%v, want end marker after failed send", ops)
	}
}

func TestInject_SecondInjectionQueuesBehindFirst(t *testing.T) {
	t.Parallel()

	inj := newTestInjector(t, &fakeSynth{audio: make([]byte, 1024), delay: 50 * time.Millisecond})
	target := newFakeTarget("c1")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := inj.Inject(context.Background(), target, "queued"); err != nil {
				t.Errorf("Inject: %v", err)
			}
		}()
	}
	wg.Wait()

	// Two complete, non-interleaved brackets.
	want := []string{"start", "chunk", "end", "start", "chunk", "end"}
	ops := target.Ops()
	if len(ops) != len(want) {
		t.Fatalf("ops=%v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops=%v, want %v", ops, want)
		}
	}
}

func TestInject_DifferentSessionsRunIndependently(t *testing.T) {
	t.Parallel()

	inj := newTestInjector(t, &fakeSynth{audio: make([]byte, 1024)})
	a, b := newFakeTarget("a"), newFakeTarget("b")

	var wg sync.WaitGroup
	for _, target := range []*fakeTarget{a, b} {
		wg.Add(1)
		go func(target *fakeTarget) {
			defer wg.Done()
			if err := inj.Inject(context.Background(), target, "hi"); err != nil {
				t.Errorf("Inject: %v", err)
			}
		}(target)
	}
	wg.Wait()

	if len(a.Ops()) != 3 || len(b.Ops()) != 3 {
		t.Fatalf("ops a=%v b=%v, want one full bracket each", a.Ops(), b.Ops())
	}
}

func TestRelease_DropsFinishedSessionSlot(t *testing.T) {
	t.Parallel()

	inj := newTestInjector(t, &fakeSynth{audio: make([]byte, 1024)})
	target := newFakeTarget("c1")
	if err := inj.Inject(context.Background(), target, "hi"); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	inj.Release("c1")

	inj.mu.Lock()
	n := len(inj.slots)
	inj.mu.Unlock()
	if n != 0 {
		t.Fatalf("slots=%d after release, want 0", n)
	}
}

func TestStripWAVHeader(t *testing.T) {
	t.Parallel()

	wav := append([]byte("RIFF"), make([]byte, 48)...)
	if got := stripWAVHeader(wav); len(got) != len(wav)-44 {
		t.Fatalf("stripped len=%d, want %d", len(got), len(wav)-44)
	}
	raw := []byte{1, 2, 3, 4}
	if got := stripWAVHeader(raw); len(got) != 4 {
		t.Fatalf("raw PCM must pass through, got len=%d", len(got))
	}
}
