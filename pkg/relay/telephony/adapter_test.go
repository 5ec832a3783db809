package telephony

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"
)

type fakeSession struct {
	chunks  [][]byte
	started int
	stopped int
}

func (f *fakeSession) SendAudioChunk(_ context.Context, pcm []byte) error {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.chunks = append(f.chunks, cp)
	return nil
}
func (f *fakeSession) StartUserTalking(context.Context) error { f.started++; return nil }
func (f *fakeSession) StopUserTalking(context.Context) error  { f.stopped++; return nil }

type fakeClient struct {
	id     string
	kind   string
	binary [][]byte
	jsons  []string
}

func (f *fakeClient) ID() string   { return f.id }
func (f *fakeClient) Kind() string { return f.kind }
func (f *fakeClient) SendBinary(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.binary = append(f.binary, cp)
	return nil
}
func (f *fakeClient) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.jsons = append(f.jsons, string(data))
	return nil
}

func TestUlawRoundTrip(t *testing.T) {
	t.Parallel()

	for _, sample := range []int16{0, 1, -1, 100, -100, 8000, -8000, 32000, -32000} {
		got := ulawToLinear(linearToUlaw(sample))
		diff := int32(got) - int32(sample)
		if diff < 0 {
			diff = -diff
		}
		// Companding is lossy; error grows with magnitude.
		limit := int32(sample)/8 + 64
		if limit < 0 {
			limit = -limit
		}
		if diff > limit {
			t.Fatalf("sample %d round-tripped to %d (diff %d > %d)", sample, got, diff, limit)
		}
	}
}

func TestUlawFullScaleNegativeClamps(t *testing.T) {
	t.Parallel()

	// -32768 cannot be negated in int16; it must encode as a loud negative
	// sample, not wrap around to silence.
	got := ulawToLinear(linearToUlaw(-32768))
	if got > -30000 {
		t.Fatalf("full-scale negative round-tripped to %d, want near -32124", got)
	}
}

func TestDecodeUlawUpsamples(t *testing.T) {
	t.Parallel()

	pcm := DecodeUlaw([]byte{0xFF, 0x7F})
	if len(pcm) != 8 {
		t.Fatalf("len=%d, want 8 (two samples duplicated, 2 bytes each)", len(pcm))
	}
	first := binary.LittleEndian.Uint16(pcm[0:])
	second := binary.LittleEndian.Uint16(pcm[2:])
	if first != second {
		t.Fatalf("duplicated samples differ: %d vs %d", first, second)
	}
}

func TestEncodeUlawDownsamples(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 640)
	if got := len(EncodeUlaw(pcm)); got != 160 {
		t.Fatalf("encoded len=%d, want 160 (320 samples halved)", got)
	}
}

func TestBrowserAdapter_BinaryInput(t *testing.T) {
	t.Parallel()

	a := NewBrowserAdapter(true)
	sess := &fakeSession{}

	handled, err := a.TryProcessAudioInput(context.Background(), Inbound{Data: []byte{1, 2, 3, 4}, Binary: true}, sess)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v, want binary consumed", handled, err)
	}
	if len(sess.chunks) != 1 {
		t.Fatalf("chunks=%d, want 1", len(sess.chunks))
	}
}

func TestBrowserAdapter_BinaryFrameStartingWithBrace(t *testing.T) {
	t.Parallel()

	a := NewBrowserAdapter(true)
	sess := &fakeSession{}

	// PCM frames can legitimately begin with 0x7B; binary framing must win
	// over content sniffing.
	pcm := make([]byte, 640)
	pcm[0] = '{'
	handled, err := a.TryProcessAudioInput(context.Background(), Inbound{Data: pcm, Binary: true}, sess)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v, want binary frame consumed as audio", handled, err)
	}
	if len(sess.chunks) != 1 || len(sess.chunks[0]) != 640 {
		t.Fatalf("chunks=%d, want the full frame forwarded", len(sess.chunks))
	}
}

func TestBrowserAdapter_Base64Input(t *testing.T) {
	t.Parallel()

	a := NewBrowserAdapter(true)
	sess := &fakeSession{}
	pcm := []byte{10, 20, 30, 40}
	raw, _ := json.Marshal(map[string]string{
		"type":  "audioInput",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})

	handled, err := a.TryProcessAudioInput(context.Background(), Inbound{Data: raw}, sess)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v, want base64 audio consumed", handled, err)
	}
	if len(sess.chunks) != 1 || len(sess.chunks[0]) != 4 {
		t.Fatalf("chunks=%v, want decoded pcm", sess.chunks)
	}
}

func TestBrowserAdapter_ControlMessagePassedThrough(t *testing.T) {
	t.Parallel()

	a := NewBrowserAdapter(true)
	sess := &fakeSession{}

	handled, err := a.TryProcessAudioInput(context.Background(), Inbound{Data: []byte(`{"type":"promptStart"}`)}, sess)
	if err != nil || handled {
		t.Fatalf("handled=%v err=%v, control message must not be consumed", handled, err)
	}
	if len(sess.chunks) != 0 {
		t.Fatal("control message forwarded as audio")
	}
}

func TestTwilioAdapter_MediaInput(t *testing.T) {
	t.Parallel()

	a := NewTwilioAdapter(true)
	sess := &fakeSession{}
	raw, _ := json.Marshal(map[string]any{
		"event": "media",
		"media": map[string]string{"payload": base64.StdEncoding.EncodeToString([]byte{0xFF, 0xFF})},
	})

	handled, err := a.TryProcessAudioInput(context.Background(), Inbound{Data: raw}, sess)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v, want media consumed", handled, err)
	}
	if len(sess.chunks) != 1 || len(sess.chunks[0]) != 8 {
		t.Fatalf("chunks=%v, want one 8-byte upsampled chunk", sess.chunks)
	}
}

func TestTwilioAdapter_StartEventRegistersStream(t *testing.T) {
	t.Parallel()

	a := NewTwilioAdapter(true)
	sess := &fakeSession{}
	twilioClient := &fakeClient{id: "t1", kind: "twilio"}
	raw, _ := json.Marshal(map[string]any{
		"event": "start",
		"start": map[string]string{"streamSid": "MZ777"},
	})

	handled, err := a.TryProcessAudioInput(context.Background(), Inbound{Data: raw, Client: twilioClient}, sess)
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v, want start event consumed", handled, err)
	}

	if !a.TryProcessAudioOutput(make([]byte, 640), []Client{twilioClient}) {
		t.Fatal("adapter must deliver to the registered client")
	}
	if len(twilioClient.jsons) != 1 || !strings.Contains(twilioClient.jsons[0], "MZ777") {
		t.Fatalf("outbound=%v, want envelope tagged with the start sid", twilioClient.jsons)
	}
}

func TestTwilioAdapter_ClientGoneForgetsStream(t *testing.T) {
	t.Parallel()

	a := NewTwilioAdapter(true)
	a.RegisterStream("t1", "MZ123")
	a.ClientGone("t1")

	if sid := a.streamSid("t1"); sid != "" {
		t.Fatalf("streamSid=%q after disconnect, want forgotten", sid)
	}
}

func TestTwilioAdapter_OutputOnlyToOwnKind(t *testing.T) {
	t.Parallel()

	a := NewTwilioAdapter(true)
	a.RegisterStream("t1", "MZ123")
	twilioClient := &fakeClient{id: "t1", kind: "twilio"}
	browserClient := &fakeClient{id: "b1", kind: "browser"}

	frame := make([]byte, 640)
	if !a.TryProcessAudioOutput(frame, []Client{twilioClient, browserClient}) {
		t.Fatal("adapter must handle its own clients")
	}
	if len(twilioClient.jsons) != 1 {
		t.Fatalf("twilio messages=%d, want 1", len(twilioClient.jsons))
	}
	if !strings.Contains(twilioClient.jsons[0], "MZ123") {
		t.Fatalf("message=%s, want streamSid tag", twilioClient.jsons[0])
	}
	if len(browserClient.jsons) != 0 && len(browserClient.binary) != 0 {
		t.Fatal("browser client must not receive carrier envelopes")
	}
}

func TestTwilioAdapter_NoClientsNotHandled(t *testing.T) {
	t.Parallel()

	a := NewTwilioAdapter(true)
	if a.TryProcessAudioOutput(make([]byte, 640), nil) {
		t.Fatal("no matching clients must report unhandled")
	}
}
