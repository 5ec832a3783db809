// Package relay wires the channel registry, the tool table, the speech
// injector, and the transport adapters into one message pipeline: client
// messages flow into session input, session events fan out to every client
// attached to the channel.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxbridge/voxbridge/pkg/relay/audio"
	"github.com/voxbridge/voxbridge/pkg/relay/channel"
	"github.com/voxbridge/voxbridge/pkg/relay/inject"
	"github.com/voxbridge/voxbridge/pkg/relay/metrics"
	"github.com/voxbridge/voxbridge/pkg/relay/protocol"
	"github.com/voxbridge/voxbridge/pkg/relay/session"
	"github.com/voxbridge/voxbridge/pkg/relay/telephony"
	"github.com/voxbridge/voxbridge/pkg/relay/tools"
)

// Config carries the relay dependencies.
type Config struct {
	Streamer        session.Streamer
	Tools           *tools.Registry
	Injector        *inject.Injector
	Adapters        []telephony.Adapter
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	SystemPrompt    string
	TeardownTimeout time.Duration
	// ToolTimeout bounds a single tool handler run.
	ToolTimeout time.Duration
}

// Relay is the composition root of the speech pipeline.
type Relay struct {
	registry    *channel.Registry
	tools       *tools.Registry
	injector    *inject.Injector
	adapters    []telephony.Adapter
	metrics     *metrics.Metrics
	logger      *slog.Logger
	toolTimeout time.Duration
}

func New(cfg Config) (*Relay, error) {
	if cfg.Streamer == nil {
		return nil, fmt.Errorf("streamer is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("")
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}

	r := &Relay{
		tools:       cfg.Tools,
		injector:    cfg.Injector,
		adapters:    cfg.Adapters,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		toolTimeout: cfg.ToolTimeout,
	}

	registry, err := channel.NewRegistry(channel.Config{
		Streamer:        cfg.Streamer,
		Logger:          cfg.Logger,
		Bind:            r.bindChannel,
		Observer:        lifecycle{metrics: cfg.Metrics, injector: cfg.Injector},
		TeardownTimeout: cfg.TeardownTimeout,
		SystemPrompt:    cfg.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}
	r.registry = registry
	return r, nil
}

// Registry exposes the channel registry for the HTTP layer and the sweeper.
func (r *Relay) Registry() *channel.Registry { return r.registry }

// ForgetClient clears per-client adapter state after a disconnect.
func (r *Relay) ForgetClient(c *channel.Client) {
	for _, a := range r.adapters {
		a.ClientGone(c.ID())
	}
}

// lifecycle fans registry channel notifications into metrics and frees
// per-channel injector state when a channel goes away.
type lifecycle struct {
	metrics  *metrics.Metrics
	injector *inject.Injector
}

func (l lifecycle) ChannelOpened(string) { l.metrics.ChannelOpened() }

func (l lifecycle) ChannelClosed(channelID, reason string) {
	l.metrics.ChannelClosed(reason)
	if l.injector != nil {
		l.injector.Release(channelID)
	}
}

// bindChannel subscribes the broadcast and tool pipelines on a fresh
// session, before any upstream event can arrive.
func (r *Relay) bindChannel(channelID string, sess *session.Session) {
	sess.On(session.EventAudioOutput, func(ev session.Event) {
		r.broadcastAudio(channelID, ev)
	})
	sess.On(session.EventToolUse, func(ev session.Event) {
		r.registry.BroadcastJSON(channelID, protocol.NewEvent(session.EventToolUse.String(), ev.Payload))
		r.dispatchTool(channelID, sess, ev)
	})
	sess.On(session.EventStreamComplete, func(session.Event) {
		r.registry.BroadcastJSON(channelID, protocol.NewStreamComplete())
	})
	sess.On(session.EventError, func(ev session.Event) {
		msg, _ := ev.Payload["message"].(string)
		details, _ := ev.Payload["details"].(string)
		if msg == "" {
			msg = "upstream error"
		}
		r.metrics.RecordError("upstream")
		r.registry.BroadcastJSON(channelID, protocol.NewError(msg, details))
	})
	for _, kind := range []session.EventKind{
		session.EventContentStart,
		session.EventTextOutput,
		session.EventToolResult,
		session.EventContentEnd,
	} {
		kind := kind
		sess.On(kind, func(ev session.Event) {
			r.registry.BroadcastJSON(channelID, protocol.NewEvent(kind.String(), ev.Payload))
		})
	}
}

// broadcastAudio splits one upstream PCM buffer into fixed frames and
// delivers each, in order, through the adapter for every attached client
// kind.
func (r *Relay) broadcastAudio(channelID string, ev session.Event) {
	pcm := extractAudio(ev.Payload)
	if len(pcm) == 0 {
		return
	}
	frames := audio.SplitFrames(pcm)
	if len(frames) == 0 {
		return
	}

	clients := r.clientsFor(channelID)
	for _, frame := range frames {
		handled := false
		for _, a := range r.adapters {
			if !a.IsOn() {
				continue
			}
			if a.TryProcessAudioOutput(frame, clients) {
				handled = true
			}
		}
		if !handled {
			// No adapter claimed any client; raw frame fan-out keeps
			// dashboard observers working.
			r.registry.BroadcastBinary(channelID, frame)
		}
	}
	r.metrics.RecordFrames("out", len(frames), len(frames)*audio.FrameBytes)
}

func (r *Relay) clientsFor(channelID string) []telephony.Client {
	attached := r.registry.Clients(channelID)
	out := make([]telephony.Client, 0, len(attached))
	for _, c := range attached {
		out = append(out, c)
	}
	return out
}

// dispatchTool runs one tool invocation off the event loop and returns its
// result upstream. Failures come back as structured results, never as a
// dropped invocation.
func (r *Relay) dispatchTool(channelID string, sess *session.Session, ev session.Event) {
	use, ok := session.DecodeToolUse(ev.Payload)
	if !ok {
		r.logger.Warn("malformed toolUse event", "channel_id", channelID)
		r.metrics.RecordError("tool_decode")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.toolTimeout)
		defer cancel()

		result := r.tools.Execute(ctx, use.ToolName, tools.Invocation{
			ToolUseID: use.ToolUseID,
			ChannelID: channelID,
			RawArgs:   use.Content,
		})
		status := "ok"
		if result.Error != "" {
			status = "error"
		}
		r.metrics.RecordToolCall(use.ToolName, status)

		if err := sess.SendToolResult(ctx, use.ToolUseID, result); err != nil {
			r.logger.Error("tool result not delivered", "channel_id", channelID, "tool", use.ToolName, "error", err)
			r.metrics.RecordError("tool_result")
		}
	}()
}

// HandleMessage processes one raw inbound client message: adapter-claimed
// audio first, then control messages. The binary flag carries the websocket
// framing so binary frames are never mistaken for JSON. Per-message failures
// are reported to the originating client and never tear the connection down.
func (r *Relay) HandleMessage(ctx context.Context, c *channel.Client, sess *session.Session, raw []byte, binary bool) {
	in := telephony.Inbound{Data: raw, Binary: binary, Client: c}
	for _, a := range r.adapters {
		if !a.IsOn() || a.Kind() != c.Kind() {
			continue
		}
		handled, err := a.TryProcessAudioInput(ctx, in, sess)
		if err != nil {
			r.logger.Error("adapter audio input failed", "channel_id", sess.ID(), "adapter", a.Kind(), "error", err)
			r.metrics.RecordError("audio_input")
			_ = c.SendJSON(protocol.NewError("audio processing failed", err.Error()))
			return
		}
		if handled {
			return
		}
	}

	if binary {
		// Binary with no adapter claim: the client kind's adapter is off.
		r.logger.Debug("binary frame dropped, no adapter", "channel_id", sess.ID(), "kind", c.Kind())
		return
	}

	ctrl, err := protocol.DecodeClientControl(raw)
	if err != nil {
		_ = c.SendJSON(protocol.NewError("invalid message", err.Error()))
		return
	}
	if ctrl == nil {
		// Valid JSON with no type and no adapter claim: ignore.
		return
	}
	if err := r.applyControl(ctx, sess, ctrl); err != nil {
		r.logger.Warn("control message failed", "channel_id", sess.ID(), "type", ctrl.Type, "error", err)
		r.metrics.RecordError("control")
		_ = c.SendJSON(protocol.NewError(fmt.Sprintf("%s failed", ctrl.Type), err.Error()))
	}
}

func (r *Relay) applyControl(ctx context.Context, sess *session.Session, ctrl *protocol.ClientControl) error {
	switch ctrl.Type {
	case protocol.TypePromptStart:
		return sess.SetupPromptStart(ctx)
	case protocol.TypeSystemPrompt:
		return sess.SetupSystemPrompt(ctx, ctrl.Data)
	case protocol.TypeAudioStart:
		if err := sess.SetupStartAudio(ctx); err != nil {
			return err
		}
		return sess.StartUserTalking(ctx)
	case protocol.TypeStopAudio:
		return sess.StopUserTalking(ctx)
	default:
		return fmt.Errorf("unsupported message type %q", ctrl.Type)
	}
}

// Inject synthesizes text and pushes it into a live channel as a synthetic
// spoken turn.
func (r *Relay) Inject(ctx context.Context, channelID, text string) error {
	if r.injector == nil {
		return fmt.Errorf("injection is not configured")
	}
	sess, ok := r.registry.Session(channelID)
	if !ok {
		return fmt.Errorf("channel %s not found", channelID)
	}
	err := r.injector.Inject(ctx, sess, text)
	if err != nil {
		r.metrics.RecordInjection("error")
		return err
	}
	r.metrics.RecordInjection("ok")
	return nil
}

// extractAudio pulls PCM bytes out of an audioOutput payload, accepting
// either raw bytes or the base64 content field used on the wire.
func extractAudio(payload map[string]any) []byte {
	if payload == nil {
		return nil
	}
	if b, ok := payload["audio"].([]byte); ok {
		return b
	}
	if s, ok := payload["content"].(string); ok && s != "" {
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return b
		}
	}
	return nil
}
