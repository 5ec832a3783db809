// Package session owns the lifecycle of one upstream bidirectional speech
// stream: ordered setup, audio forwarding, a typed event-subscription
// surface, ordered teardown, and the activity timestamp used for idle
// eviction.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the session lifecycle state. Transitions are one-way:
// Initializing -> Ready -> Closing -> Closed, with any setup failure going
// straight to Closed.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ContentKind tags a content block pushed into the upstream input stream.
type ContentKind int

const (
	// ContentUserSpeech brackets a genuine spoken turn.
	ContentUserSpeech ContentKind = iota
	// ContentSynthetic brackets a server-originated injected utterance.
	ContentSynthetic
)

// Stream is the handle to one upstream bidirectional speech stream. The
// relay depends only on these signatures, not on the collaborator's wire
// protocol.
type Stream interface {
	PromptStart(ctx context.Context) error
	SystemPrompt(ctx context.Context, text string) error
	AudioContentStart(ctx context.Context) error
	AudioInput(ctx context.Context, pcm []byte) error
	MarkerStart(ctx context.Context, kind ContentKind) error
	MarkerEnd(ctx context.Context, kind ContentKind) error
	ToolResult(ctx context.Context, toolUseID string, payload any) error
	AudioContentEnd(ctx context.Context) error
	PromptEnd(ctx context.Context) error
	Close(ctx context.Context) error
	Events() <-chan Event
}

// Streamer creates and force-closes upstream streams, one per channel.
type Streamer interface {
	CreateSession(ctx context.Context, channelID string) (Stream, error)
	Initiate(ctx context.Context, channelID string) error
	IsActive(channelID string) bool
	// CloseSession is the forced-close path used by eviction and teardown
	// fallback.
	CloseSession(ctx context.Context, channelID string) error
	ActiveSessions() []string
	LastActivityTime(channelID string) (time.Time, bool)
}

// Handler consumes one dispatched event. Handlers for a kind run in
// subscription order.
type Handler func(Event)

// Session wraps one upstream Stream with lifecycle state, a typed dispatch
// table, and activity tracking.
type Session struct {
	id     string
	stream Stream
	logger *slog.Logger
	now    func() time.Time

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos

	mu          sync.Mutex
	handlers    [eventKindCount][]Handler
	userTalking bool

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// Config carries the injectable session dependencies.
type Config struct {
	ID     string
	Stream Stream
	Logger *slog.Logger
	Now    func() time.Time
}

func New(cfg Config) (*Session, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.Stream == nil {
		return nil, fmt.Errorf("stream is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Session{
		id:     cfg.ID,
		stream: cfg.Stream,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	s.state.Store(int32(StateInitializing))
	s.touch()
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// LastActivity reports the time of the most recent inbound or outbound
// event on this session.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// On subscribes a handler for one event kind. Multiple handlers per kind are
// permitted and are invoked in subscription order.
func (s *Session) On(kind EventKind, h Handler) {
	if h == nil || kind < 0 || kind >= eventKindCount {
		return
	}
	s.mu.Lock()
	s.handlers[kind] = append(s.handlers[kind], h)
	s.mu.Unlock()
}

func (s *Session) dispatch(ev Event) {
	if ev.Kind < 0 || ev.Kind >= eventKindCount {
		s.logger.Warn("dropping event of unknown kind", "session_id", s.id, "kind", int(ev.Kind))
		return
	}
	s.touch()
	s.mu.Lock()
	hs := make([]Handler, len(s.handlers[ev.Kind]))
	copy(hs, s.handlers[ev.Kind])
	s.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// StartPump begins draining upstream events into the dispatch table. It is
// called once by the registry after setup succeeds.
func (s *Session) StartPump(parent context.Context) {
	s.mu.Lock()
	if s.pumpDone != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.pumpCancel = cancel
	s.pumpDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		events := s.stream.Events()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.dispatch(ev)
			}
		}
	}()
}

func (s *Session) stopPump() {
	s.mu.Lock()
	cancel := s.pumpCancel
	done := s.pumpDone
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Session) requireSetup(op string) error {
	switch s.State() {
	case StateInitializing, StateReady:
		return nil
	default:
		return fmt.Errorf("%s: session %s is %s", op, s.id, s.State())
	}
}

// SetupPromptStart begins the upstream prompt. Safe to retry while the
// session has not started closing.
func (s *Session) SetupPromptStart(ctx context.Context) error {
	if err := s.requireSetup("setup prompt start"); err != nil {
		return err
	}
	s.touch()
	return s.stream.PromptStart(ctx)
}

// SetupSystemPrompt sends the system instruction text upstream.
func (s *Session) SetupSystemPrompt(ctx context.Context, text string) error {
	if err := s.requireSetup("setup system prompt"); err != nil {
		return err
	}
	s.touch()
	return s.stream.SystemPrompt(ctx, text)
}

// SetupStartAudio opens the audio content block and marks the session
// Ready.
func (s *Session) SetupStartAudio(ctx context.Context) error {
	if err := s.requireSetup("setup start audio"); err != nil {
		return err
	}
	s.touch()
	if err := s.stream.AudioContentStart(ctx); err != nil {
		return err
	}
	s.state.CompareAndSwap(int32(StateInitializing), int32(StateReady))
	return nil
}

// MarkFailed moves a session that failed setup straight to Closed.
func (s *Session) MarkFailed() {
	s.state.Store(int32(StateClosed))
}

// SendAudioChunk forwards one inbound audio frame upstream. When the
// session is not Ready the chunk is dropped and logged rather than erroring
// the connection.
func (s *Session) SendAudioChunk(ctx context.Context, pcm []byte) error {
	if s.State() != StateReady {
		s.logger.Debug("dropping audio chunk for non-ready session", "session_id", s.id, "state", s.State().String())
		return nil
	}
	s.touch()
	return s.stream.AudioInput(ctx, pcm)
}

// StartUserTalking brackets the start of a spoken turn. Repeated starts
// without a stop are idempotent.
func (s *Session) StartUserTalking(ctx context.Context) error {
	if s.State() != StateReady {
		return nil
	}
	s.mu.Lock()
	if s.userTalking {
		s.mu.Unlock()
		return nil
	}
	s.userTalking = true
	s.mu.Unlock()
	s.touch()
	return s.stream.MarkerStart(ctx, ContentUserSpeech)
}

// StopUserTalking ends a spoken turn. A stop with no prior start is a
// no-op.
func (s *Session) StopUserTalking(ctx context.Context) error {
	s.mu.Lock()
	if !s.userTalking {
		s.mu.Unlock()
		return nil
	}
	s.userTalking = false
	s.mu.Unlock()
	s.touch()
	return s.stream.MarkerEnd(ctx, ContentUserSpeech)
}

// BeginSyntheticContent emits the content-start marker for an injected
// utterance.
func (s *Session) BeginSyntheticContent(ctx context.Context) error {
	if s.State() != StateReady {
		return fmt.Errorf("inject: session %s is %s", s.id, s.State())
	}
	s.touch()
	return s.stream.MarkerStart(ctx, ContentSynthetic)
}

// EndSyntheticContent emits the content-end marker for an injected
// utterance. It is valid while Closing so a partial injection can still be
// terminated.
func (s *Session) EndSyntheticContent(ctx context.Context) error {
	if s.State() == StateClosed {
		return fmt.Errorf("inject: session %s is closed", s.id)
	}
	s.touch()
	return s.stream.MarkerEnd(ctx, ContentSynthetic)
}

// SendToolResult returns a tool invocation result upstream.
func (s *Session) SendToolResult(ctx context.Context, toolUseID string, payload any) error {
	if s.State() == StateClosed {
		return fmt.Errorf("tool result: session %s is closed", s.id)
	}
	s.touch()
	return s.stream.ToolResult(ctx, toolUseID, payload)
}

// BeginClose atomically moves the session into Closing. It returns false if
// another actor already started (or finished) teardown, so racing closers
// observe the terminal state and skip.
func (s *Session) BeginClose() bool {
	return s.state.CompareAndSwap(int32(StateReady), int32(StateClosing)) ||
		s.state.CompareAndSwap(int32(StateInitializing), int32(StateClosing))
}

// EndAudioContent is the first ordered teardown call.
func (s *Session) EndAudioContent(ctx context.Context) error {
	s.touch()
	return s.stream.AudioContentEnd(ctx)
}

// EndPrompt is the second ordered teardown call.
func (s *Session) EndPrompt(ctx context.Context) error {
	s.touch()
	return s.stream.PromptEnd(ctx)
}

// Close is the final teardown call; afterwards the session is Closed and no
// transition out is possible.
func (s *Session) Close(ctx context.Context) error {
	err := s.stream.Close(ctx)
	s.state.Store(int32(StateClosed))
	s.stopPump()
	return err
}

// Finalize marks the session Closed without calling the graceful path; used
// after a forced close through the collaborator.
func (s *Session) Finalize() {
	s.state.Store(int32(StateClosed))
	s.stopPump()
}
