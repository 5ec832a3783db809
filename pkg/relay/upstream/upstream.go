// Package upstream is the websocket client for the bidirectional
// speech-streaming service. Each channel gets one socket: control frames go
// out as JSON envelopes, audio goes out as raw binary PCM, and service
// events come back as JSON envelopes (or binary audio) that the read loop
// turns into session events.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/voxbridge/pkg/relay/session"
	"github.com/voxbridge/voxbridge/pkg/relay/tools"
)

// Config carries the streamer dependencies.
type Config struct {
	// URL is the service endpoint, ws:// or wss://. The channel id is
	// appended as a query parameter on dial.
	URL    string
	Logger *slog.Logger
	// ToolSpecs are advertised to the service at promptStart so it can
	// emit toolUse events for them.
	ToolSpecs []tools.Spec
	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration
	// WriteTimeout bounds each outbound frame.
	WriteTimeout time.Duration
	Now          func() time.Time
}

var _ session.Streamer = (*Streamer)(nil)

// Streamer dials and tracks one Stream per channel. It implements
// session.Streamer.
type Streamer struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	streams map[string]*Stream
}

func NewStreamer(cfg Config) (*Streamer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("upstream url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Streamer{
		cfg:     cfg,
		logger:  cfg.Logger,
		now:     cfg.Now,
		streams: make(map[string]*Stream),
	}, nil
}

func (s *Streamer) CreateSession(ctx context.Context, channelID string) (session.Stream, error) {
	endpoint, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	q := endpoint.Query()
	q.Set("channel", channelID)
	endpoint.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial upstream for channel %s: %w", channelID, err)
	}

	st := &Stream{
		channelID:    channelID,
		conn:         conn,
		writeTimeout: s.cfg.WriteTimeout,
		toolSpecs:    s.cfg.ToolSpecs,
		logger:       s.logger.With("channel_id", channelID),
		now:          s.now,
		events:       make(chan session.Event, eventBuffer),
		done:         make(chan struct{}),
	}
	st.onClose = func() { s.forget(channelID) }
	st.touch()
	go st.readLoop()

	s.mu.Lock()
	s.streams[channelID] = st
	s.mu.Unlock()
	return st, nil
}

// Initiate announces the channel on a freshly created stream.
func (s *Streamer) Initiate(ctx context.Context, channelID string) error {
	st := s.stream(channelID)
	if st == nil {
		return fmt.Errorf("no upstream stream for channel %s", channelID)
	}
	return st.writeJSON(envelope{Type: "sessionStart", ChannelID: channelID})
}

func (s *Streamer) IsActive(channelID string) bool {
	return s.stream(channelID) != nil
}

// CloseSession is the forced-close path: it tears the socket down without
// the end-of-prompt handshake and forgets the stream.
func (s *Streamer) CloseSession(ctx context.Context, channelID string) error {
	s.mu.Lock()
	st, ok := s.streams[channelID]
	delete(s.streams, channelID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return st.closeConn()
}

func (s *Streamer) ActiveSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.streams))
	for id := range s.streams {
		out = append(out, id)
	}
	return out
}

func (s *Streamer) LastActivityTime(channelID string) (time.Time, bool) {
	st := s.stream(channelID)
	if st == nil {
		return time.Time{}, false
	}
	return st.lastActivity(), true
}

func (s *Streamer) stream(channelID string) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[channelID]
}

func (s *Streamer) forget(channelID string) {
	s.mu.Lock()
	delete(s.streams, channelID)
	s.mu.Unlock()
}
