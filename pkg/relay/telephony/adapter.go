// Package telephony adapts carrier-specific audio transports onto the
// relay's PCM16 core: each adapter claims inbound raw messages for its
// client kind and re-encodes outbound frames before delivery.
package telephony

import "context"

// Session is the slice of the relay session an adapter feeds audio into.
type Session interface {
	SendAudioChunk(ctx context.Context, pcm []byte) error
	StartUserTalking(ctx context.Context) error
	StopUserTalking(ctx context.Context) error
}

// Client is one attached downstream connection as the adapter sees it.
type Client interface {
	ID() string
	Kind() string
	SendBinary(data []byte) error
	SendJSON(v any) error
}

// Inbound is one raw client message with its websocket framing, plus the
// client it arrived on so adapters can keep per-client transport state.
type Inbound struct {
	Data   []byte
	Binary bool
	Client Client
}

// Adapter converts between one carrier's wire format and the relay's
// internal 16kHz PCM16.
type Adapter interface {
	// Kind names the client kind this adapter serves.
	Kind() string
	// IsOn reports whether the adapter is enabled by configuration.
	IsOn() bool
	// TryProcessAudioInput inspects one inbound message from a client of
	// this adapter's kind. It returns true when the message was consumed
	// (audio decoded and forwarded to the session, or transport
	// bookkeeping absorbed); false hands the message back to the relay's
	// control-message path.
	TryProcessAudioInput(ctx context.Context, in Inbound, sess Session) (bool, error)
	// TryProcessAudioOutput delivers one outbound PCM16 frame to the
	// clients of this adapter's kind, re-encoded as needed. It returns true
	// when the adapter handled delivery for those clients.
	TryProcessAudioOutput(frame []byte, clients []Client) bool
	// ClientGone clears any per-client state after a disconnect.
	ClientGone(clientID string)
}

// ForKind filters a client set down to one adapter kind.
func ForKind(kind string, clients []Client) []Client {
	out := make([]Client, 0, len(clients))
	for _, c := range clients {
		if c.Kind() == kind {
			out = append(out, c)
		}
	}
	return out
}
