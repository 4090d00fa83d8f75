package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// DefaultVideoPrompt is used when a scene carries no video prompt.
const DefaultVideoPrompt = "Slow camera movement, subtle scene changes, 8 seconds duration, cinematic motion"

// Veo drives image-to-video generation on Vertex AI through its long-running
// operation endpoints.
type Veo struct {
	ProjectID string
	Location  string
	Model     string
	// BaseURL overrides the regional endpoint.
	BaseURL string
	Client  *http.Client
}

// NewVeo authenticates with application default credentials.
func NewVeo(ctx context.Context, projectID, location, model string) (*Veo, error) {
	ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("veo: credentials: %w", err)
	}
	client := oauth2.NewClient(ctx, ts)
	client.Timeout = defaultTimeout
	return &Veo{ProjectID: projectID, Location: location, Model: model, Client: client}, nil
}

// VideoRequest is one image-to-video job.
type VideoRequest struct {
	Image           []byte
	MimeType        string
	Prompt          string
	DurationSeconds int
}

// VideoStatus is one observation of a video operation. Video is set only when
// Done and the operation produced a clip.
type VideoStatus struct {
	Done  bool
	Video []byte
	Error string
}

type veoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

type veoInstance struct {
	Prompt string   `json:"prompt"`
	Image  veoImage `json:"image"`
}

type veoParameters struct {
	DurationSeconds int    `json:"durationSeconds"`
	AspectRatio     string `json:"aspectRatio"`
	SampleCount     int    `json:"sampleCount"`
}

type veoOperation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Response *struct {
		Videos []struct {
			BytesBase64Encoded string `json:"bytesBase64Encoded"`
			GcsURI             string `json:"gcsUri"`
			MimeType           string `json:"mimeType"`
		} `json:"videos"`
		RaiMediaFilteredCount int `json:"raiMediaFilteredCount"`
	} `json:"response,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (v *Veo) modelURL(method string) string {
	base := v.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s-aiplatform.googleapis.com", v.Location)
	}
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		strings.TrimRight(base, "/"), v.ProjectID, v.Location, v.Model, method)
}

// StartVideo submits the job and returns the operation name to poll.
func (v *Veo) StartVideo(ctx context.Context, r VideoRequest) (string, error) {
	mime := r.MimeType
	if mime == "" {
		mime = "image/png"
	}
	body := map[string]interface{}{
		"instances": []veoInstance{{
			Prompt: r.Prompt,
			Image:  veoImage{BytesBase64Encoded: base64.StdEncoding.EncodeToString(r.Image), MimeType: mime},
		}},
		"parameters": veoParameters{DurationSeconds: r.DurationSeconds, AspectRatio: "16:9", SampleCount: 1},
	}
	var op veoOperation
	if err := v.post(ctx, "predictLongRunning", body, &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", fmt.Errorf("veo: operation started without a name")
	}
	return op.Name, nil
}

// CheckVideo fetches the state of operation name.
func (v *Veo) CheckVideo(ctx context.Context, name string) (VideoStatus, error) {
	var op veoOperation
	if err := v.post(ctx, "fetchPredictOperation", map[string]string{"operationName": name}, &op); err != nil {
		return VideoStatus{}, err
	}
	st := VideoStatus{Done: op.Done}
	if op.Error != nil {
		st.Done = true
		st.Error = op.Error.Message
		return st, nil
	}
	if !op.Done || op.Response == nil {
		return st, nil
	}
	for _, vid := range op.Response.Videos {
		if vid.BytesBase64Encoded == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(vid.BytesBase64Encoded)
		if err != nil {
			return st, fmt.Errorf("veo: decode video: %w", err)
		}
		st.Video = data
		return st, nil
	}
	if op.Response.RaiMediaFilteredCount > 0 {
		st.Error = "video filtered by safety policy"
	}
	return st, nil
}

func (v *Veo) post(ctx context.Context, method string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("veo: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.modelURL(method), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("veo: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	raw, err := send(v.Client, "veo", req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("veo: decode %s: %w", method, err)
	}
	return nil
}

// VideoDuration maps a measured narration length onto the clip lengths Veo
// accepts.
func VideoDuration(audioSeconds *float64) int {
	if audioSeconds == nil || *audioSeconds <= 0 {
		return 8
	}
	switch d := *audioSeconds; {
	case d <= 4:
		return 4
	case d <= 6:
		return 6
	default:
		return 8
	}
}

var (
	durationFragment = regexp.MustCompile(`(?i)\b\d+\s*seconds?\s*duration\b`)
	doubleComma      = regexp.MustCompile(`,\s*,`)
	commaPeriod      = regexp.MustCompile(`,\s*\.`)
)

// VideoPrompt strips any hard-coded duration from prompt and appends seconds.
func VideoPrompt(prompt string, seconds int) string {
	base := durationFragment.ReplaceAllString(prompt, "")
	base = doubleComma.ReplaceAllString(base, ",")
	base = commaPeriod.ReplaceAllString(base, ".")
	base = strings.TrimSpace(base)
	base = strings.TrimSpace(strings.TrimSuffix(base, ","))
	base = strings.TrimSpace(strings.TrimPrefix(base, ","))
	if base == "" {
		return fmt.Sprintf("Slow camera movement, subtle scene changes, %d seconds duration, cinematic motion", seconds)
	}
	return fmt.Sprintf("%s, %d seconds duration", base, seconds)
}
