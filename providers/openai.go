package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"AvatarVideo-server/models"

	openaigo "github.com/sashabaranov/go-openai"
)

// DefaultImagePrompt is used when a scene has neither an image prompt nor a
// visual description.
const DefaultImagePrompt = "Modern professional presentation environment featuring clean minimalist design. " +
	"Sophisticated office or conference setting with contemporary architecture and elegant furnishings. " +
	"Subtle business context elements including workspace details and professional ambiance."

const scriptSystemPrompt = `You turn presentation material into a script for a talking presenter avatar.
Split the material into scenes of about 15 seconds each. For every scene return:
- "script": what the presenter says
- "visualDescription": what the background should show
- "priority": "high" (animated background), "medium" (still image) or "low" (plain fill)
- "emotion": one word for the tone, for example "professional" or "excited"
- "imagePrompt": a prompt for the background still
- "videoPrompt": a short camera motion prompt for the background clip
Answer with JSON only: {"scenes":[{...}]}`

// OpenAI generates scripts and images.
type OpenAI struct {
	client      *openaigo.Client
	scriptModel string
	imageModel  string
}

func NewOpenAI(apiKey, scriptModel, imageModel string) *OpenAI {
	return NewOpenAIWithConfig(openaigo.DefaultConfig(apiKey), scriptModel, imageModel)
}

// NewOpenAIWithConfig is used to point the client at another base URL.
func NewOpenAIWithConfig(cfg openaigo.ClientConfig, scriptModel, imageModel string) *OpenAI {
	return &OpenAI{client: openaigo.NewClientWithConfig(cfg), scriptModel: scriptModel, imageModel: imageModel}
}

type scriptScene struct {
	Script            string `json:"script"`
	VisualDescription string `json:"visualDescription"`
	Priority          string `json:"priority"`
	Emotion           string `json:"emotion"`
	ImagePrompt       string `json:"imagePrompt"`
	VideoPrompt       string `json:"videoPrompt"`
}

// GenerateScript splits source into scene drafts for a video of
// durationSeconds.
func (o *OpenAI) GenerateScript(ctx context.Context, source string, durationSeconds int) ([]models.SceneDraft, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("openai: empty source text")
	}
	scenes := durationSeconds / 15
	if scenes < 1 {
		scenes = 1
	}
	user := fmt.Sprintf("Target length: %d seconds, %d scenes.\n\nMaterial:\n%s", durationSeconds, scenes, source)
	resp, err := o.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model: o.scriptModel,
		Messages: []openaigo.ChatCompletionMessage{
			{Role: openaigo.ChatMessageRoleSystem, Content: scriptSystemPrompt},
			{Role: openaigo.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openaigo.ChatCompletionResponseFormat{Type: openaigo.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0.7,
	})
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, errors.New("openai: empty script response")
	}
	return ParseScript(resp.Choices[0].Message.Content)
}

// ParseScript decodes a {"scenes":[...]} answer into drafts. Every scene is
// planned at 8 seconds, the longest clip the video model renders.
func ParseScript(content string) ([]models.SceneDraft, error) {
	start, end := strings.Index(content, "{"), strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("openai: no JSON object in script response")
	}
	var out struct {
		Scenes []scriptScene `json:"scenes"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("openai: decode script: %w", err)
	}
	if len(out.Scenes) == 0 {
		return nil, errors.New("openai: script has no scenes")
	}
	drafts := make([]models.SceneDraft, 0, len(out.Scenes))
	for _, s := range out.Scenes {
		priority := s.Priority
		if priority == "" {
			priority = models.PriorityHigh
		}
		drafts = append(drafts, models.SceneDraft{
			ScriptText:        s.Script,
			VisualDescription: s.VisualDescription,
			DurationSeconds:   8,
			Priority:          priority,
			Emotion:           s.Emotion,
			ImagePrompt:       s.ImagePrompt,
			VideoPrompt:       s.VideoPrompt,
		})
	}
	return drafts, nil
}

// GenerateBackground renders a 16:9 still for prompt, lit for emotion.
func (o *OpenAI) GenerateBackground(ctx context.Context, prompt, emotion string) ([]byte, error) {
	if emotion == "" {
		emotion = "professional"
	}
	full := fmt.Sprintf("%s Lighting and color grading convey a %s mood. No text, no people.", prompt, emotion)
	return o.image(ctx, full, openaigo.CreateImageSize1792x1024)
}

// GenerateAvatarDesign renders a front-facing presenter portrait.
func (o *OpenAI) GenerateAvatarDesign(ctx context.Context, s models.AvatarDesignSettings) ([]byte, error) {
	parts := []string{"Photorealistic head-and-shoulders portrait of a presenter facing the camera, mouth closed, neutral expression"}
	if s.Gender != "" {
		parts = append(parts, "gender: "+s.Gender)
	}
	if s.AgeRange != "" {
		parts = append(parts, "age: "+s.AgeRange)
	}
	if s.Style != "" {
		parts = append(parts, "style: "+s.Style)
	}
	if s.Attire != "" {
		parts = append(parts, "attire: "+s.Attire)
	}
	if s.Background != "" {
		parts = append(parts, "background: "+s.Background)
	}
	if s.Description != "" {
		parts = append(parts, s.Description)
	}
	return o.image(ctx, strings.Join(parts, "; ")+".", openaigo.CreateImageSize1024x1024)
}

func (o *OpenAI) image(ctx context.Context, prompt, size string) ([]byte, error) {
	resp, err := o.client.CreateImage(ctx, openaigo.ImageRequest{
		Prompt:         prompt,
		Model:          o.imageModel,
		N:              1,
		Size:           size,
		ResponseFormat: openaigo.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, errors.New("openai: image response without data")
	}
	img, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("openai: decode image: %w", err)
	}
	return img, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return fmt.Errorf("openai: %s: %w", apiErr.Message, ErrQuotaExceeded)
		case 404:
			return fmt.Errorf("openai: %s: %w", apiErr.Message, ErrNotFound)
		}
	}
	var reqErr *openaigo.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == 429 {
		return fmt.Errorf("openai: %v: %w", reqErr.Err, ErrQuotaExceeded)
	}
	return fmt.Errorf("openai: %w", err)
}
