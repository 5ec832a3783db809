package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
)

// BrowserAdapter handles the default socket clients: inbound audio is raw
// binary PCM16 (or a base64 audio message), outbound frames pass through
// untouched.
type BrowserAdapter struct {
	enabled bool
}

func NewBrowserAdapter(enabled bool) *BrowserAdapter {
	return &BrowserAdapter{enabled: enabled}
}

func (a *BrowserAdapter) Kind() string { return "browser" }
func (a *BrowserAdapter) IsOn() bool   { return a.enabled }

// base64Audio is the JSON shape browsers use when they cannot send binary
// frames.
type base64Audio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func (a *BrowserAdapter) TryProcessAudioInput(ctx context.Context, in Inbound, sess Session) (bool, error) {
	// Binary frames are always audio, whatever byte they start with.
	if in.Binary {
		if len(in.Data) == 0 {
			return true, nil
		}
		return true, sess.SendAudioChunk(ctx, in.Data)
	}
	if len(in.Data) == 0 || in.Data[0] != '{' {
		return false, nil
	}
	var msg base64Audio
	if err := json.Unmarshal(in.Data, &msg); err != nil || msg.Type != "audioInput" || msg.Audio == "" {
		return false, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		return false, nil
	}
	return true, sess.SendAudioChunk(ctx, pcm)
}

func (a *BrowserAdapter) ClientGone(string) {}

func (a *BrowserAdapter) TryProcessAudioOutput(frame []byte, clients []Client) bool {
	mine := ForKind(a.Kind(), clients)
	if len(mine) == 0 {
		return false
	}
	for _, c := range mine {
		_ = c.SendBinary(frame)
	}
	return true
}
