package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/voxbridge/pkg/relay/session"
	"github.com/voxbridge/voxbridge/pkg/relay/tools"
)

const eventBuffer = 64

// envelope is the outbound control frame format.
type envelope struct {
	Type      string       `json:"type"`
	ChannelID string       `json:"channelId,omitempty"`
	Data      string       `json:"data,omitempty"`
	Kind      string       `json:"kind,omitempty"`
	ToolUseID string       `json:"toolUseId,omitempty"`
	Content   any          `json:"content,omitempty"`
	Tools     []tools.Spec `json:"tools,omitempty"`
}

// inbound is the service event frame format.
type inbound struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Stream is one live upstream socket. Writes are serialized under a mutex;
// the read loop owns the receive side and the events channel.
type Stream struct {
	channelID    string
	conn         *websocket.Conn
	writeTimeout time.Duration
	toolSpecs    []tools.Spec
	logger       *slog.Logger
	now          func() time.Time
	onClose      func()

	wmu      sync.Mutex
	closed   bool
	lastSeen atomic.Int64

	events chan session.Event
	done   chan struct{}
}

func (st *Stream) PromptStart(ctx context.Context) error {
	return st.writeJSON(envelope{Type: "promptStart", Tools: st.toolSpecs})
}

func (st *Stream) SystemPrompt(ctx context.Context, text string) error {
	return st.writeJSON(envelope{Type: "systemPrompt", Data: text})
}

func (st *Stream) AudioContentStart(ctx context.Context) error {
	return st.writeJSON(envelope{Type: "audioStart"})
}

// AudioInput forwards one PCM chunk as a binary frame.
func (st *Stream) AudioInput(ctx context.Context, pcm []byte) error {
	return st.write(websocket.BinaryMessage, pcm)
}

func (st *Stream) MarkerStart(ctx context.Context, kind session.ContentKind) error {
	return st.writeJSON(envelope{Type: "contentStart", Kind: contentKindName(kind)})
}

func (st *Stream) MarkerEnd(ctx context.Context, kind session.ContentKind) error {
	return st.writeJSON(envelope{Type: "contentEnd", Kind: contentKindName(kind)})
}

func (st *Stream) ToolResult(ctx context.Context, toolUseID string, payload any) error {
	return st.writeJSON(envelope{Type: "toolResult", ToolUseID: toolUseID, Content: payload})
}

func (st *Stream) AudioContentEnd(ctx context.Context) error {
	return st.writeJSON(envelope{Type: "audioEnd"})
}

func (st *Stream) PromptEnd(ctx context.Context) error {
	return st.writeJSON(envelope{Type: "promptEnd"})
}

// Close performs the graceful shutdown: a close control frame, then the
// socket. The read loop drains until the peer acknowledges or errors.
func (st *Stream) Close(ctx context.Context) error {
	if st.onClose != nil {
		st.onClose()
	}
	st.wmu.Lock()
	if !st.closed {
		deadline := st.now().Add(st.writeTimeout)
		_ = st.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	st.wmu.Unlock()
	return st.closeConn()
}

func (st *Stream) Events() <-chan session.Event { return st.events }

func (st *Stream) writeJSON(env envelope) error {
	st.touch()
	st.wmu.Lock()
	defer st.wmu.Unlock()
	if st.closed {
		return fmt.Errorf("upstream stream for channel %s is closed", st.channelID)
	}
	_ = st.conn.SetWriteDeadline(st.now().Add(st.writeTimeout))
	return st.conn.WriteJSON(env)
}

func (st *Stream) write(messageType int, data []byte) error {
	st.touch()
	st.wmu.Lock()
	defer st.wmu.Unlock()
	if st.closed {
		return fmt.Errorf("upstream stream for channel %s is closed", st.channelID)
	}
	_ = st.conn.SetWriteDeadline(st.now().Add(st.writeTimeout))
	return st.conn.WriteMessage(messageType, data)
}

func (st *Stream) closeConn() error {
	st.wmu.Lock()
	if st.closed {
		st.wmu.Unlock()
		return nil
	}
	st.closed = true
	st.wmu.Unlock()
	err := st.conn.Close()
	<-st.done
	return err
}

func (st *Stream) touch() {
	st.lastSeen.Store(st.now().UnixNano())
}

func (st *Stream) lastActivity() time.Time {
	return time.Unix(0, st.lastSeen.Load())
}

// readLoop turns service frames into session events until the socket dies.
// Binary frames are audio output; JSON frames carry every other event kind.
func (st *Stream) readLoop() {
	defer close(st.done)
	defer close(st.events)

	for {
		messageType, data, err := st.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				st.emit(session.Event{Kind: session.EventStreamComplete})
				return
			}
			st.wmu.Lock()
			wasClosed := st.closed
			st.wmu.Unlock()
			if !wasClosed {
				st.emit(session.Event{
					Kind:    session.EventError,
					Payload: map[string]any{"message": "upstream connection lost", "details": err.Error()},
				})
			}
			return
		}
		st.touch()

		if messageType == websocket.BinaryMessage {
			st.emit(session.Event{
				Kind:    session.EventAudioOutput,
				Payload: map[string]any{"audio": data},
			})
			continue
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			st.logger.Warn("undecodable upstream frame", "error", err)
			continue
		}
		kind, ok := eventKindByName(in.Event)
		if !ok {
			st.logger.Warn("unknown upstream event", "event", in.Event)
			continue
		}
		st.emit(session.Event{Kind: kind, Payload: in.Data})
	}
}

// emit drops events when the consumer has fallen hopelessly behind rather
// than stalling the read loop.
func (st *Stream) emit(ev session.Event) {
	select {
	case st.events <- ev:
	default:
		st.logger.Warn("upstream event dropped, consumer behind", "event", ev.Kind.String())
	}
}

func contentKindName(kind session.ContentKind) string {
	if kind == session.ContentSynthetic {
		return "synthetic"
	}
	return "userSpeech"
}

func eventKindByName(name string) (session.EventKind, bool) {
	for _, kind := range session.Kinds() {
		if kind.String() == name {
			return kind, true
		}
	}
	return 0, false
}
