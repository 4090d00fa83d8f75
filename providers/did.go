package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// D-ID talk states.
const (
	TalkCreated    = "created"
	TalkProcessing = "processing"
	TalkDone       = "done"
	TalkError      = "error"
	TalkRejected   = "rejected"
)

type DID struct {
	APIKey     string
	BaseURL    string
	WebhookURL string
	Client     *http.Client
}

func NewDID(apiKey, baseURL, webhookURL string, client *http.Client) *DID {
	return &DID{
		APIKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		WebhookURL: webhookURL,
		Client:     newHTTPClient(client),
	}
}

type talkScript struct {
	Type     string `json:"type"`
	AudioURL string `json:"audio_url"`
}

type talkConfig struct {
	Fluent   bool `json:"fluent"`
	PadAudio int  `json:"pad_audio"`
	Stitch   bool `json:"stitch"`
}

type createTalkRequest struct {
	SourceURL string     `json:"source_url"`
	Script    talkScript `json:"script"`
	Config    talkConfig `json:"config"`
	Webhook   string     `json:"webhook,omitempty"`
}

// TalkStatus is one observation of a lip-sync job.
type TalkStatus struct {
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	Error     *struct {
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

func (s TalkStatus) ErrorMessage() string {
	if s.Error != nil && s.Error.Description != "" {
		return s.Error.Description
	}
	return "Unknown error"
}

// CreateTalk starts a lip-sync render of imageURL speaking audioURL and
// returns the talk id.
func (d *DID) CreateTalk(ctx context.Context, imageURL, audioURL string) (string, error) {
	body := createTalkRequest{
		SourceURL: imageURL,
		Script:    talkScript{Type: "audio", AudioURL: audioURL},
		Config:    talkConfig{Fluent: true, PadAudio: 0, Stitch: true},
	}
	// D-ID only calls back over https.
	if strings.HasPrefix(d.WebhookURL, "https://") {
		body.Webhook = d.WebhookURL
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("d-id: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/talks", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("d-id: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	d.authorize(req)

	raw, err := send(d.Client, "d-id", req)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("d-id: decode talk: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("d-id: talk created without id")
	}
	return out.ID, nil
}

func (d *DID) TalkStatus(ctx context.Context, talkID string) (TalkStatus, error) {
	var st TalkStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+"/talks/"+talkID, nil)
	if err != nil {
		return st, fmt.Errorf("d-id: %w", err)
	}
	d.authorize(req)
	raw, err := send(d.Client, "d-id", req)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("d-id: decode status: %w", err)
	}
	return st, nil
}

func (d *DID) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Basic "+d.APIKey)
}
