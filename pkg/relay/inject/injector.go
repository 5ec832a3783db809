// Package inject pushes synthesized server-originated utterances into a
// live session's input stream, framed so the upstream model hears them as a
// spoken turn.
package inject

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/relay/audio"
)

// Synthesizer turns text into PCM16 audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Target is the session surface an injection writes to.
type Target interface {
	ID() string
	BeginSyntheticContent(ctx context.Context) error
	SendAudioChunk(ctx context.Context, pcm []byte) error
	EndSyntheticContent(ctx context.Context) error
}

// Config carries the injector dependencies.
type Config struct {
	Synthesizer Synthesizer
	Logger      *slog.Logger
	// SettleDelay is the pause between the last audio chunk and the end
	// marker, giving the upstream time to drain the synthetic turn.
	SettleDelay time.Duration
}

// Injector streams synthesized utterances into sessions. Injections on the
// same session are serialized through a per-session slot so two utterances
// never interleave chunks inside one content stream; a second request
// queues until the first has sent its end marker.
type Injector struct {
	synth       Synthesizer
	logger      *slog.Logger
	settleDelay time.Duration

	mu    sync.Mutex
	slots map[string]*sync.Mutex
}

func New(cfg Config) (*Injector, error) {
	if cfg.Synthesizer == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = time.Second
	}
	return &Injector{
		synth:       cfg.Synthesizer,
		logger:      cfg.Logger,
		settleDelay: cfg.SettleDelay,
		slots:       make(map[string]*sync.Mutex),
	}, nil
}

func (inj *Injector) slot(sessionID string) *sync.Mutex {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	s, ok := inj.slots[sessionID]
	if !ok {
		s = &sync.Mutex{}
		inj.slots[sessionID] = s
	}
	return s
}

// Release drops the slot for a finished session so the map does not grow
// with dead channel IDs.
func (inj *Injector) Release(sessionID string) {
	inj.mu.Lock()
	delete(inj.slots, sessionID)
	inj.mu.Unlock()
}

// Inject synthesizes text and streams it into the target session between a
// synthetic content-start and content-end marker. Synthesis failure aborts
// before any marker is sent; a mid-stream send failure still emits the end
// marker so the upstream content block is never left unterminated.
func (inj *Injector) Inject(ctx context.Context, target Target, text string) error {
	slot := inj.slot(target.ID())
	slot.Lock()
	defer slot.Unlock()

	pcm, err := inj.synth.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	if len(pcm) == 0 {
		return fmt.Errorf("synthesize: empty audio for %q", text)
	}

	if err := target.BeginSyntheticContent(ctx); err != nil {
		return fmt.Errorf("content start: %w", err)
	}

	var sendErr error
	for _, chunk := range audio.Chunks(pcm, audio.InjectChunkBytes) {
		if err := target.SendAudioChunk(ctx, audio.RepackPCM16LE(chunk)); err != nil {
			sendErr = fmt.Errorf("send chunk: %w", err)
			break
		}
	}

	if sendErr == nil {
		select {
		case <-time.After(inj.settleDelay):
		case <-ctx.Done():
		}
	}

	if err := target.EndSyntheticContent(ctx); err != nil {
		if sendErr == nil {
			return fmt.Errorf("content end: %w", err)
		}
		inj.logger.Warn("content end failed after send failure", "session_id", target.ID(), "error", err)
	}
	if sendErr != nil {
		return sendErr
	}
	inj.logger.Info("injected utterance", "session_id", target.ID(), "bytes", len(pcm))
	return nil
}
