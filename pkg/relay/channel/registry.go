package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/pkg/relay/protocol"
	"github.com/voxbridge/voxbridge/pkg/relay/session"
)

// Observer receives channel lifecycle notifications. The relay wires an
// implementation that feeds metrics and releases per-channel state; the
// zero value of the registry uses a no-op.
type Observer interface {
	ChannelOpened(channelID string)
	ChannelClosed(channelID, reason string)
}

type nopObserver struct{}

func (nopObserver) ChannelOpened(string)         {}
func (nopObserver) ChannelClosed(string, string) {}

// BindFunc is called exactly once per new channel, before any upstream
// setup, so the caller can subscribe event handlers on the fresh session.
type BindFunc func(channelID string, s *session.Session)

// Config carries the registry dependencies.
type Config struct {
	Streamer        session.Streamer
	Logger          *slog.Logger
	Bind            BindFunc
	Observer        Observer
	TeardownTimeout time.Duration
	// SystemPrompt is the instruction text sent upstream during session
	// setup.
	SystemPrompt string
}

// entry is one channel's session plus its attached clients. Creation is
// single-flight: later resolvers wait on ready instead of opening a second
// upstream stream.
type entry struct {
	ready chan struct{}
	sess  *session.Session
	err   error

	mu      sync.Mutex
	clients map[string]*Client
}

// Registry maps channel IDs to live sessions and fan-out client sets. It is
// the single chokepoint for channel creation, detach teardown, idle
// eviction, and shutdown.
type Registry struct {
	streamer        session.Streamer
	logger          *slog.Logger
	bind            BindFunc
	observer        Observer
	teardownTimeout time.Duration
	systemPrompt    string

	mu       sync.Mutex
	channels map[string]*entry
	byClient map[string]string // client ID -> channel ID
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Streamer == nil {
		return nil, fmt.Errorf("streamer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 3 * time.Second
	}
	return &Registry{
		streamer:        cfg.Streamer,
		logger:          cfg.Logger,
		bind:            cfg.Bind,
		observer:        cfg.Observer,
		teardownTimeout: cfg.TeardownTimeout,
		systemPrompt:    cfg.SystemPrompt,
		channels:        make(map[string]*entry),
		byClient:        make(map[string]string),
	}, nil
}

// Resolve returns the live session for channelID, creating the upstream
// stream and running the full setup sequence when none exists. An empty
// channelID generates a fresh one. The second return reports whether this
// call created the channel. Concurrent resolves for the same channel share
// one creation.
func (r *Registry) Resolve(ctx context.Context, channelID string) (*session.Session, bool, error) {
	if channelID == "" {
		channelID = uuid.NewString()
	}

	r.mu.Lock()
	if e, ok := r.channels[channelID]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if e.err != nil {
			return nil, false, e.err
		}
		return e.sess, false, nil
	}
	e := &entry{ready: make(chan struct{}), clients: make(map[string]*Client)}
	r.channels[channelID] = e
	r.mu.Unlock()

	sess, err := r.openChannel(ctx, channelID)
	if err != nil {
		e.err = err
		close(e.ready)
		r.mu.Lock()
		delete(r.channels, channelID)
		r.mu.Unlock()
		return nil, false, err
	}
	e.sess = sess
	close(e.ready)
	r.observer.ChannelOpened(channelID)
	r.logger.Info("channel opened", "channel_id", channelID)
	return sess, true, nil
}

func (r *Registry) openChannel(ctx context.Context, channelID string) (*session.Session, error) {
	stream, err := r.streamer.CreateSession(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("create upstream session: %w", err)
	}
	sess, err := session.New(session.Config{
		ID:     channelID,
		Stream: stream,
		Logger: r.logger.With("channel_id", channelID),
	})
	if err != nil {
		return nil, err
	}
	if r.bind != nil {
		r.bind(channelID, sess)
	}
	if err := r.streamer.Initiate(ctx, channelID); err != nil {
		sess.MarkFailed()
		return nil, fmt.Errorf("initiate upstream session: %w", err)
	}
	if err := r.setup(ctx, channelID, sess); err != nil {
		sess.MarkFailed()
		if cerr := r.streamer.CloseSession(context.Background(), channelID); cerr != nil {
			r.logger.Error("close after failed setup", "channel_id", channelID, "error", cerr)
		}
		return nil, err
	}
	sess.StartPump(context.Background())
	return sess, nil
}

func (r *Registry) setup(ctx context.Context, channelID string, sess *session.Session) error {
	if err := sess.SetupPromptStart(ctx); err != nil {
		return fmt.Errorf("setup prompt: %w", err)
	}
	if err := sess.SetupSystemPrompt(ctx, r.systemPrompt); err != nil {
		return fmt.Errorf("setup system prompt: %w", err)
	}
	if err := sess.SetupStartAudio(ctx); err != nil {
		return fmt.Errorf("setup audio start: %w", err)
	}
	return nil
}

// Attach records a client as a member of channelID and notifies it that the
// channel is ready, including whether this attach created it.
func (r *Registry) Attach(channelID string, c *Client, isNew bool) error {
	r.mu.Lock()
	e, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("attach: channel %s not found", channelID)
	}
	r.byClient[c.ID()] = channelID
	r.mu.Unlock()

	e.mu.Lock()
	e.clients[c.ID()] = c
	e.mu.Unlock()

	if err := c.SendJSON(protocol.NewSessionReady(channelID, isNew)); err != nil {
		r.logger.Debug("session ready notification failed", "channel_id", channelID, "client_id", c.ID(), "error", err)
	}
	return nil
}

// Detach removes a client. When the last client leaves the channel, the
// channel is removed immediately and the upstream session is torn down in
// the background; a new resolve for the same ID starts a fresh session.
func (r *Registry) Detach(c *Client) {
	r.mu.Lock()
	channelID, ok := r.byClient[c.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byClient, c.ID())
	e, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	e.mu.Lock()
	delete(e.clients, c.ID())
	remaining := len(e.clients)
	e.mu.Unlock()

	if remaining > 0 {
		r.logger.Debug("client detached", "channel_id", channelID, "remaining", remaining)
		return
	}

	r.remove(channelID, e)
	go r.teardown(context.Background(), channelID, e.sess, "last_client_detached")
}

// remove drops the channel from the maps so the ID is resolvable again the
// instant teardown starts.
func (r *Registry) remove(channelID string, e *entry) {
	r.mu.Lock()
	if cur, ok := r.channels[channelID]; ok && cur == e {
		delete(r.channels, channelID)
	}
	r.mu.Unlock()
}

// teardown runs the ordered graceful close and falls back to the forced
// close path when the session does not finish within the teardown timeout.
func (r *Registry) teardown(ctx context.Context, channelID string, sess *session.Session, reason string) {
	defer r.observer.ChannelClosed(channelID, reason)

	if sess == nil || !sess.BeginClose() {
		return
	}

	done := make(chan error, 1)
	tctx, cancel := context.WithTimeout(ctx, r.teardownTimeout)
	defer cancel()
	go func() {
		if err := sess.EndAudioContent(tctx); err != nil {
			done <- err
			return
		}
		if err := sess.EndPrompt(tctx); err != nil {
			done <- err
			return
		}
		done <- sess.Close(tctx)
	}()

	select {
	case err := <-done:
		if err == nil {
			r.logger.Info("channel closed", "channel_id", channelID, "reason", reason)
			sess.Finalize()
			return
		}
		r.logger.Warn("graceful teardown failed, forcing close", "channel_id", channelID, "error", err)
	case <-tctx.Done():
		r.logger.Warn("graceful teardown timed out, forcing close", "channel_id", channelID, "timeout", r.teardownTimeout)
	}

	if err := r.streamer.CloseSession(context.Background(), channelID); err != nil {
		r.logger.Error("forced close failed", "channel_id", channelID, "error", err)
	}
	sess.MarkFailed()
	sess.Finalize()
}

// ForceClose evicts a channel without the graceful sequence: clients are
// disconnected and the upstream session is closed through the forced path.
// The sweeper uses this for idle channels.
func (r *Registry) ForceClose(channelID string) {
	r.mu.Lock()
	e, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.channels, channelID)
	e.mu.Lock()
	for id, c := range e.clients {
		delete(r.byClient, id)
		c.Close()
	}
	e.clients = make(map[string]*Client)
	e.mu.Unlock()
	r.mu.Unlock()

	if e.sess != nil {
		e.sess.BeginClose()
		e.sess.MarkFailed()
		e.sess.Finalize()
	}
	if err := r.streamer.CloseSession(context.Background(), channelID); err != nil {
		r.logger.Error("forced close failed", "channel_id", channelID, "error", err)
	}
	r.observer.ChannelClosed(channelID, "evicted")
	r.logger.Info("channel evicted", "channel_id", channelID)
}

// BroadcastJSON sends one envelope to every client attached to channelID.
// Dead clients are skipped; a full client queue drops the envelope for that
// client only.
func (r *Registry) BroadcastJSON(channelID string, v any) {
	for _, c := range r.clientsOf(channelID) {
		if err := c.SendJSON(v); err != nil {
			r.logger.Debug("envelope dropped for slow client", "channel_id", channelID, "client_id", c.ID(), "error", err)
		}
	}
}

// BroadcastBinary sends one binary frame to every client attached to
// channelID.
func (r *Registry) BroadcastBinary(channelID string, data []byte) {
	for _, c := range r.clientsOf(channelID) {
		if err := c.SendBinary(data); err != nil {
			r.logger.Debug("frame dropped for slow client", "channel_id", channelID, "client_id", c.ID(), "error", err)
		}
	}
}

// Clients lists the open clients attached to a channel, for adapter-aware
// delivery.
func (r *Registry) Clients(channelID string) []*Client {
	return r.clientsOf(channelID)
}

func (r *Registry) clientsOf(channelID string) []*Client {
	r.mu.Lock()
	e, ok := r.channels[channelID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Client, 0, len(e.clients))
	for _, c := range e.clients {
		if c.IsOpen() {
			out = append(out, c)
		}
	}
	return out
}

// Session returns the live session for a channel, if any.
func (r *Registry) Session(channelID string) (*session.Session, bool) {
	r.mu.Lock()
	e, ok := r.channels[channelID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil || e.sess == nil {
		return nil, false
	}
	return e.sess, true
}

// ChannelInfo is one row of the registry snapshot served at /channels.
type ChannelInfo struct {
	ID           string    `json:"channelId"`
	Clients      int       `json:"clients"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"lastActivity"`
}

// Snapshot lists all live channels.
func (r *Registry) Snapshot() []ChannelInfo {
	r.mu.Lock()
	entries := make(map[string]*entry, len(r.channels))
	for id, e := range r.channels {
		entries[id] = e
	}
	r.mu.Unlock()

	out := make([]ChannelInfo, 0, len(entries))
	for id, e := range entries {
		info := ChannelInfo{ID: id}
		e.mu.Lock()
		info.Clients = len(e.clients)
		e.mu.Unlock()
		select {
		case <-e.ready:
			if e.sess != nil {
				info.State = e.sess.State().String()
				info.LastActivity = e.sess.LastActivity()
			}
		default:
			info.State = "initializing"
		}
		out = append(out, info)
	}
	return out
}

// ActiveChannels lists channel IDs with a live session.
func (r *Registry) ActiveChannels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	return out
}

// LastActivity reports the session activity timestamp for a channel.
func (r *Registry) LastActivity(channelID string) (time.Time, bool) {
	sess, ok := r.Session(channelID)
	if !ok {
		return time.Time{}, false
	}
	return sess.LastActivity(), true
}

// Shutdown gracefully tears down every channel in parallel and waits for
// all of them, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	entries := make(map[string]*entry, len(r.channels))
	for id, e := range r.channels {
		entries[id] = e
		delete(r.channels, id)
	}
	r.byClient = make(map[string]string)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for id, e := range entries {
		e.mu.Lock()
		for _, c := range e.clients {
			c.Close()
		}
		e.mu.Unlock()

		wg.Add(1)
		go func(id string, e *entry) {
			defer wg.Done()
			r.teardown(ctx, id, e.sess, "shutdown")
		}(id, e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown wait aborted", "error", ctx.Err())
	}
}
