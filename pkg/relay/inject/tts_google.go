package inject

import (
	"bytes"
	"context"
	"fmt"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
)

// GoogleSynthesizer produces 16 kHz PCM16 speech through the Cloud
// Text-to-Speech API.
type GoogleSynthesizer struct {
	client       *texttospeech.Client
	languageCode string
	voiceName    string
	sampleRate   int32
}

// GoogleConfig selects the synthesis voice. Credentials come from the
// ambient application-default chain.
type GoogleConfig struct {
	LanguageCode string
	VoiceName    string
	SampleRate   int32
}

func NewGoogleSynthesizer(ctx context.Context, cfg GoogleConfig) (*GoogleSynthesizer, error) {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	client, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("text-to-speech client: %w", err)
	}
	return &GoogleSynthesizer{
		client:       client,
		languageCode: cfg.LanguageCode,
		voiceName:    cfg.VoiceName,
		sampleRate:   cfg.SampleRate,
	}, nil
}

func (g *GoogleSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := g.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: g.languageCode,
			Name:         g.voiceName,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
			SampleRateHertz: g.sampleRate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}
	return stripWAVHeader(resp.GetAudioContent()), nil
}

func (g *GoogleSynthesizer) Close() error {
	return g.client.Close()
}

// stripWAVHeader drops the RIFF container LINEAR16 responses arrive in,
// leaving raw PCM samples.
func stripWAVHeader(b []byte) []byte {
	const headerLen = 44
	if len(b) > headerLen && bytes.HasPrefix(b, []byte("RIFF")) {
		return b[headerLen:]
	}
	return b
}
