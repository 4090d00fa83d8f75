// Package events is the topic vocabulary shared by the orchestrator, the stage
// workers and the pollers. Every payload is a concrete type bound to exactly
// one topic; Decode is the only place raw bytes become a payload.
package events

import (
	"encoding/json"
	"fmt"
)

type Topic string

const (
	TopicTTSRequested           Topic = "tts/generation.requested"
	TopicTTSCompleted           Topic = "tts/completed"
	TopicAvatarRequested        Topic = "avatar/generation.requested"
	TopicAvatarCompleted        Topic = "avatar/completed"
	TopicAvatarPollingRequested Topic = "avatar/polling.requested"
	TopicBackgroundRequested    Topic = "background/generation.requested"
	TopicBackgroundCompleted    Topic = "background/completed"
	TopicVeoRequested           Topic = "veo/generation.requested"
	TopicVeoPollingRequested    Topic = "veo/polling.requested"
	TopicSceneProcessRequested  Topic = "scene/process.requested"
	TopicVideoComposeRequested  Topic = "video/compose.requested"
	TopicAvatarDesignRequested  Topic = "avatar-design/generation.requested"
)

// Topics lists the whole vocabulary in pipeline order.
var Topics = []Topic{
	TopicSceneProcessRequested,
	TopicAvatarDesignRequested,
	TopicTTSRequested,
	TopicTTSCompleted,
	TopicAvatarRequested,
	TopicAvatarPollingRequested,
	TopicAvatarCompleted,
	TopicBackgroundRequested,
	TopicVeoRequested,
	TopicVeoPollingRequested,
	TopicBackgroundCompleted,
	TopicVideoComposeRequested,
}

type Payload interface {
	Topic() Topic
}

// SceneRef keys every per-scene payload so waiters can pick their scene out of
// concurrently running projects.
type SceneRef struct {
	SceneID   string `json:"sceneId"`
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
}

func (r SceneRef) Scene() string { return r.SceneID }

type TTSRequested struct {
	SceneRef
}

type TTSCompleted struct {
	SceneRef
	AssetID         string  `json:"assetId"`
	AudioURL        string  `json:"audioUrl"`
	DurationSeconds float64 `json:"durationSeconds"`
}

type AvatarRequested struct {
	SceneRef
}

type AvatarCompleted struct {
	SceneRef
	AssetID  string `json:"assetId"`
	VideoURL string `json:"videoUrl"`
}

type AvatarPolling struct {
	SceneRef
	RenderJobID string `json:"renderJobId"`
	TalkID      string `json:"talkId"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
}

type BackgroundRequested struct {
	SceneRef
}

type BackgroundCompleted struct {
	SceneRef
	AssetID        string `json:"assetId,omitempty"`
	URL            string `json:"url,omitempty"`
	BackgroundType string `json:"backgroundType"`
}

type VeoRequested struct {
	SceneRef
	ImageAssetID string `json:"imageAssetId"`
	ImageURL     string `json:"imageUrl"`
	VideoPrompt  string `json:"videoPrompt,omitempty"`
	Emotion      string `json:"emotion,omitempty"`
}

type VeoPolling struct {
	SceneRef
	RenderJobID   string `json:"renderJobId"`
	OperationName string `json:"operationName"`
	ImageAssetID  string `json:"imageAssetId"`
	Attempt       int    `json:"attempt"`
	MaxAttempts   int    `json:"maxAttempts"`
}

type SceneProcess struct {
	SceneRef
}

type VideoCompose struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
}

type AvatarDesign struct {
	ProjectID    string `json:"projectId"`
	UserID       string `json:"userId"`
	StartSceneID string `json:"startSceneId"`
}

func (TTSRequested) Topic() Topic        { return TopicTTSRequested }
func (TTSCompleted) Topic() Topic        { return TopicTTSCompleted }
func (AvatarRequested) Topic() Topic     { return TopicAvatarRequested }
func (AvatarCompleted) Topic() Topic     { return TopicAvatarCompleted }
func (AvatarPolling) Topic() Topic       { return TopicAvatarPollingRequested }
func (BackgroundRequested) Topic() Topic { return TopicBackgroundRequested }
func (BackgroundCompleted) Topic() Topic { return TopicBackgroundCompleted }
func (VeoRequested) Topic() Topic        { return TopicVeoRequested }
func (VeoPolling) Topic() Topic          { return TopicVeoPollingRequested }
func (SceneProcess) Topic() Topic        { return TopicSceneProcessRequested }
func (VideoCompose) Topic() Topic        { return TopicVideoComposeRequested }
func (AvatarDesign) Topic() Topic        { return TopicAvatarDesignRequested }

func Encode(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Topic(), err)
	}
	return b, nil
}

// Decode turns a stored event back into its typed payload. Unknown topics are
// rejected so a renamed topic can never be silently ignored.
func Decode(topic Topic, data []byte) (Payload, error) {
	var p Payload
	switch topic {
	case TopicTTSRequested:
		p = &TTSRequested{}
	case TopicTTSCompleted:
		p = &TTSCompleted{}
	case TopicAvatarRequested:
		p = &AvatarRequested{}
	case TopicAvatarCompleted:
		p = &AvatarCompleted{}
	case TopicAvatarPollingRequested:
		p = &AvatarPolling{}
	case TopicBackgroundRequested:
		p = &BackgroundRequested{}
	case TopicBackgroundCompleted:
		p = &BackgroundCompleted{}
	case TopicVeoRequested:
		p = &VeoRequested{}
	case TopicVeoPollingRequested:
		p = &VeoPolling{}
	case TopicSceneProcessRequested:
		p = &SceneProcess{}
	case TopicVideoComposeRequested:
		p = &VideoCompose{}
	case TopicAvatarDesignRequested:
		p = &AvatarDesign{}
	default:
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", topic, err)
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *TTSRequested:
		return *v
	case *TTSCompleted:
		return *v
	case *AvatarRequested:
		return *v
	case *AvatarCompleted:
		return *v
	case *AvatarPolling:
		return *v
	case *BackgroundRequested:
		return *v
	case *BackgroundCompleted:
		return *v
	case *VeoRequested:
		return *v
	case *VeoPolling:
		return *v
	case *SceneProcess:
		return *v
	case *VideoCompose:
		return *v
	case *AvatarDesign:
		return *v
	}
	return p
}

// ForScene matches payloads addressed to sceneID.
func ForScene(sceneID string) func(Payload) bool {
	return func(p Payload) bool {
		s, ok := p.(interface{ Scene() string })
		return ok && s.Scene() == sceneID
	}
}

func (r SceneRef) Project() string     { return r.ProjectID }
func (c VideoCompose) Project() string { return c.ProjectID }
func (d AvatarDesign) Project() string { return d.ProjectID }

// ForProject matches payloads that belong to projectID.
func ForProject(projectID string) func(Payload) bool {
	return func(p Payload) bool {
		s, ok := p.(interface{ Project() string })
		return ok && s.Project() == projectID
	}
}
