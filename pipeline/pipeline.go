// Package pipeline holds the functions that turn a scripted project into a
// finished video: the per-scene orchestrator, one worker per stage, the
// pollers for long-running provider jobs and the compositor. Every function
// is a workflow.Function, so its side effects run as durable steps.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"AvatarVideo-server/config"
	"AvatarVideo-server/events"
	"AvatarVideo-server/logger"
	"AvatarVideo-server/media"
	"AvatarVideo-server/metrics"
	"AvatarVideo-server/models"
	"AvatarVideo-server/providers"
	"AvatarVideo-server/workflow"

	"gorm.io/gorm"
)

const (
	FnSceneProcessor = "scene-processor"
	FnTTS            = "tts-generator"
	FnAvatar         = "avatar-generator"
	FnAvatarPoller   = "avatar-poller"
	FnBackground     = "background-generator"
	FnVeo            = "veo-generator"
	FnVeoPoller      = "veo-poller"
	FnAvatarDesign   = "avatar-design-generator"
	FnCompositor     = "video-compositor"
)

// ObjectStore keeps generated media. Paths are bucket-relative; the returned
// string is a URL providers can download from.
type ObjectStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	UploadFile(ctx context.Context, path, localPath, contentType string) (string, error)
	Download(ctx context.Context, path, localPath string) error
}

type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

type TalkingHeads interface {
	CreateTalk(ctx context.Context, imageURL, audioURL string) (string, error)
	TalkStatus(ctx context.Context, talkID string) (providers.TalkStatus, error)
}

type ImageGenerator interface {
	GenerateBackground(ctx context.Context, prompt, emotion string) ([]byte, error)
	GenerateAvatarDesign(ctx context.Context, settings models.AvatarDesignSettings) ([]byte, error)
}

type VideoGenerator interface {
	StartVideo(ctx context.Context, req providers.VideoRequest) (string, error)
	CheckVideo(ctx context.Context, operation string) (providers.VideoStatus, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type MediaToolkit interface {
	MeasureAudio(ctx context.Context, data []byte, ext string) (float64, error)
	Render(ctx context.Context, workDir string, scenes []media.SceneInput, out string) error
}

type Deps struct {
	DB      *gorm.DB
	Store   ObjectStore
	Speech  SpeechSynthesizer
	Talks   TalkingHeads
	Images  ImageGenerator
	Video   VideoGenerator
	Fetch   Fetcher
	Media   MediaToolkit
	Config  config.Pipeline
	// AvatarURL is the preset presenter image.
	AvatarURL string
	WorkDir   string
	Log       *logger.Logger
	Metrics   *metrics.Metrics
}

type Pipeline struct {
	Deps
	engine *workflow.Engine
}

func New(engine *workflow.Engine, deps Deps) *Pipeline {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Pipeline{Deps: deps, engine: engine}
}

func policy(sp config.StagePolicy) workflow.Policy {
	return workflow.Policy{
		Retries:      sp.Retries,
		Concurrency:  sp.Concurrency,
		RetryBackoff: sp.RetryBackoff,
		Timeout:      sp.Timeout,
	}
}

// notQuota keeps quota exhaustion from being retried.
func notQuota(err error) bool {
	return !providers.IsQuota(err)
}

// Register binds every pipeline function to its trigger topic.
func (p *Pipeline) Register() {
	c := p.Config
	p.engine.Register(workflow.Function{
		Name:      FnSceneProcessor,
		Trigger:   events.TopicSceneProcessRequested,
		Policy:    policy(c.Orchestrator),
		Handler:   p.processScene,
		OnFailure: p.sceneFaulted,
	})
	p.engine.Register(workflow.Function{
		Name:      FnTTS,
		Trigger:   events.TopicTTSRequested,
		Policy:    policy(c.TTS),
		Retryable: notQuota,
		Handler:   p.generateSpeech,
		OnFailure: p.stageFailed(models.StageTTS),
	})
	p.engine.Register(workflow.Function{
		Name:      FnAvatar,
		Trigger:   events.TopicAvatarRequested,
		Policy:    policy(c.Avatar),
		Retryable: notQuota,
		Handler:   p.generateAvatar,
		OnFailure: p.stageFailed(models.StageAvatar),
	})
	p.engine.Register(workflow.Function{
		Name:      FnAvatarPoller,
		Trigger:   events.TopicAvatarPollingRequested,
		Policy:    policy(c.AvatarPoll),
		Handler:   p.pollAvatar,
		OnFailure: p.pollFailed(models.StageAvatar),
	})
	p.engine.Register(workflow.Function{
		Name:      FnBackground,
		Trigger:   events.TopicBackgroundRequested,
		Policy:    policy(c.Background),
		Retryable: notQuota,
		Handler:   p.generateBackground,
		OnFailure: p.stageFailed(models.StageBackground),
	})
	p.engine.Register(workflow.Function{
		Name:      FnVeo,
		Trigger:   events.TopicVeoRequested,
		Policy:    policy(c.Veo),
		Retryable: notQuota,
		Handler:   p.generateVideo,
		OnFailure: p.stageFailed(models.StageBackground),
	})
	p.engine.Register(workflow.Function{
		Name:      FnVeoPoller,
		Trigger:   events.TopicVeoPollingRequested,
		Policy:    policy(c.VeoPoll),
		Handler:   p.pollVideo,
		OnFailure: p.pollFailed(models.StageBackground),
	})
	p.engine.Register(workflow.Function{
		Name:      FnAvatarDesign,
		Trigger:   events.TopicAvatarDesignRequested,
		Policy:    policy(c.AvatarDesign),
		Retryable: notQuota,
		Handler:   p.generateAvatarDesign,
		OnFailure: p.avatarDesignFailed,
	})
	p.engine.Register(workflow.Function{
		Name:    FnCompositor,
		Trigger: events.TopicVideoComposeRequested,
		Policy:  policy(c.Compose),
		Retryable: func(err error) bool {
			var toolErr *media.ToolError
			return !errors.As(err, &toolErr)
		},
		Handler:   p.composeVideo,
		OnFailure: p.composeFailed,
	})
}

// storedFile is an uploaded object.
type storedFile struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

func (p *Pipeline) db(ctx context.Context) *gorm.DB {
	return p.DB.WithContext(ctx)
}

func (p *Pipeline) fetchScene(r *workflow.Run, sceneID string) (models.Scene, error) {
	return workflow.Step(r, "fetch-scene", func(ctx context.Context) (models.Scene, error) {
		sc, err := models.GetSceneByIDGorm(p.db(ctx), sceneID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Scene{}, workflow.Permanent(fmt.Errorf("scene %s not found", sceneID))
		}
		if err != nil {
			return models.Scene{}, err
		}
		return *sc, nil
	})
}

func (p *Pipeline) fetchProject(r *workflow.Run, projectID string) (models.Project, error) {
	return workflow.Step(r, "fetch-project", func(ctx context.Context) (models.Project, error) {
		pr, err := models.GetProjectByIDGorm(p.db(ctx), projectID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Project{}, workflow.Permanent(fmt.Errorf("project %s not found", projectID))
		}
		if err != nil {
			return models.Project{}, err
		}
		return *pr, nil
	})
}

// markStage moves a stage forward inside a durable step. A refused move is
// logged and not treated as an error.
func (p *Pipeline) markStage(r *workflow.Run, key, sceneID string, stage models.Stage, status string, extra map[string]interface{}) error {
	return r.Do(key, func(ctx context.Context) error {
		ok, err := models.SetStageStatus(p.db(ctx), sceneID, stage, status, extra)
		if err != nil {
			return err
		}
		if !ok {
			r.Logger().Warn("stage transition refused", "scene_id", sceneID, "stage", stage, "to", status)
		}
		return nil
	})
}

// failStage records a stage failure outside of any step. Used by failure
// handlers, which run once.
func (p *Pipeline) failStage(ctx context.Context, log *logger.Logger, sceneID string, stage models.Stage, msg string) {
	ok, err := models.SetStageStatus(p.db(ctx), sceneID, stage, models.StageStatusFailed, map[string]interface{}{"error_message": msg})
	if err != nil {
		log.Error("recording stage failure failed", "scene_id", sceneID, "stage", stage, "error", err)
		return
	}
	if ok {
		log.Warn("stage failed", "scene_id", sceneID, "stage", stage, "reason", msg)
	}
}

// stageFailed is the failure handler of the stage workers.
func (p *Pipeline) stageFailed(stage models.Stage) func(*workflow.Run, error) {
	return func(r *workflow.Run, cause error) {
		ref, ok := sceneRef(r.Event.Payload)
		if !ok {
			return
		}
		p.failStage(r.Context(), r.Logger(), ref.SceneID, stage, cause.Error())
	}
}

func sceneRef(pl events.Payload) (events.SceneRef, bool) {
	switch v := pl.(type) {
	case events.TTSRequested:
		return v.SceneRef, true
	case events.AvatarRequested:
		return v.SceneRef, true
	case events.AvatarPolling:
		return v.SceneRef, true
	case events.BackgroundRequested:
		return v.SceneRef, true
	case events.VeoRequested:
		return v.SceneRef, true
	case events.VeoPolling:
		return v.SceneRef, true
	case events.SceneProcess:
		return v.SceneRef, true
	}
	return events.SceneRef{}, false
}

func (p *Pipeline) createAsset(ctx context.Context, a *models.Asset) (string, error) {
	if err := models.CreateAsset(p.db(ctx), a); err != nil {
		return "", err
	}
	return a.ID, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
