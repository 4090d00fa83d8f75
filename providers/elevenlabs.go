package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	VoiceFemale = "8jHHF8rMqMlg8if2mOUe"
	VoiceMale   = "jB1Cifc2UQbq1gR3wnb0"
)

// VoiceFor picks the narration voice for a gender setting.
func VoiceFor(gender string) string {
	if gender == "male" {
		return VoiceMale
	}
	return VoiceFemale
}

type elevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type ElevenLabs struct {
	APIKey  string
	BaseURL string
	ModelID string
	Client  *http.Client
}

func NewElevenLabs(apiKey, baseURL, modelID string, client *http.Client) *ElevenLabs {
	return &ElevenLabs{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(baseURL, "/"),
		ModelID: modelID,
		Client:  newHTTPClient(client),
	}
}

// Synthesize returns mp3 audio of text spoken by voiceID.
func (e *ElevenLabs) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	payload, err := json.Marshal(elevenLabsRequest{
		Text:          text,
		ModelID:       e.ModelID,
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: encode request: %w", err)
	}
	url := e.BaseURL + "/v1/text-to-speech/" + voiceID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.APIKey)

	audio, err := send(e.Client, "elevenlabs", req)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("elevenlabs: empty audio for voice %s", voiceID)
	}
	return audio, nil
}
