package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
)

// TwilioAdapter bridges Twilio Media Streams clients: 8kHz mu-law in base64
// JSON envelopes on the wire, PCM16 toward the session.
type TwilioAdapter struct {
	enabled bool

	mu         sync.Mutex
	streamSids map[string]string // client ID -> streamSid from the start event
}

func NewTwilioAdapter(enabled bool) *TwilioAdapter {
	return &TwilioAdapter{enabled: enabled, streamSids: make(map[string]string)}
}

func (a *TwilioAdapter) Kind() string { return "twilio" }
func (a *TwilioAdapter) IsOn() bool   { return a.enabled }

// mediaMessage mirrors the Media Streams wire envelope. Only the events the
// relay acts on are decoded.
type mediaMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Start struct {
		StreamSid string `json:"streamSid"`
	} `json:"start,omitempty"`
}

// RegisterStream remembers which Media Streams sid outbound audio for a
// client must be tagged with.
func (a *TwilioAdapter) RegisterStream(clientID, streamSid string) {
	a.mu.Lock()
	a.streamSids[clientID] = streamSid
	a.mu.Unlock()
}

// Forget drops a disconnected client's stream sid.
func (a *TwilioAdapter) Forget(clientID string) {
	a.mu.Lock()
	delete(a.streamSids, clientID)
	a.mu.Unlock()
}

func (a *TwilioAdapter) streamSid(clientID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streamSids[clientID]
}

func (a *TwilioAdapter) TryProcessAudioInput(ctx context.Context, in Inbound, sess Session) (bool, error) {
	if in.Binary || len(in.Data) == 0 || in.Data[0] != '{' {
		return false, nil
	}
	var msg mediaMessage
	if err := json.Unmarshal(in.Data, &msg); err != nil {
		return false, nil
	}
	switch msg.Event {
	case "media":
		ulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil || len(ulaw) == 0 {
			return true, nil
		}
		return true, sess.SendAudioChunk(ctx, DecodeUlaw(ulaw))
	case "start":
		// The start event carries the sid replies must be tagged with.
		sid := msg.Start.StreamSid
		if sid == "" {
			sid = msg.StreamSid
		}
		if sid != "" && in.Client != nil {
			a.RegisterStream(in.Client.ID(), sid)
		}
		return true, nil
	case "stop":
		return true, sess.StopUserTalking(ctx)
	default:
		return false, nil
	}
}

// ClientGone drops the disconnected client's stream sid.
func (a *TwilioAdapter) ClientGone(clientID string) {
	a.Forget(clientID)
}

// outboundMedia is the envelope for audio pushed back to the carrier.
type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

func (a *TwilioAdapter) TryProcessAudioOutput(frame []byte, clients []Client) bool {
	mine := ForKind(a.Kind(), clients)
	if len(mine) == 0 {
		return false
	}
	payload := base64.StdEncoding.EncodeToString(EncodeUlaw(frame))
	for _, c := range mine {
		msg := outboundMedia{Event: "media", StreamSid: a.streamSid(c.ID())}
		msg.Media.Payload = payload
		_ = c.SendJSON(msg)
	}
	return true
}
