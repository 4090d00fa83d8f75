package pipeline

import (
	"context"
	"errors"
	"fmt"

	"AvatarVideo-server/events"
	"AvatarVideo-server/models"
	"AvatarVideo-server/providers"
	"AvatarVideo-server/workflow"
)

type speechResult struct {
	storedFile
	DurationSeconds float64 `json:"durationSeconds"`
	VoiceID         string  `json:"voiceId"`
}

// generateSpeech narrates the scene script and stores the measured length of
// the audio on the scene.
func (p *Pipeline) generateSpeech(r *workflow.Run) error {
	ev, err := workflow.Payload[events.TTSRequested](r)
	if err != nil {
		return err
	}
	sc, err := p.fetchScene(r, ev.SceneID)
	if err != nil {
		return err
	}
	if sc.ScriptText == "" {
		return workflow.Permanent(errors.New("scene has no script text"))
	}
	project, err := p.fetchProject(r, ev.ProjectID)
	if err != nil {
		return err
	}
	if err := p.markStage(r, "mark-generating", sc.ID, models.StageTTS, models.StageStatusGenerating, nil); err != nil {
		return err
	}

	voice := providers.VoiceFemale
	if project.AvatarMode == models.AvatarModeCustom {
		voice = providers.VoiceFor(project.Settings.Gender())
	}
	speech, err := workflow.Step(r, "synthesize-and-upload", func(ctx context.Context) (speechResult, error) {
		audio, err := p.Speech.Synthesize(ctx, sc.ScriptText, voice)
		if err != nil {
			return speechResult{}, err
		}
		seconds, err := p.Media.MeasureAudio(ctx, audio, ".mp3")
		if err != nil {
			return speechResult{}, fmt.Errorf("measure audio: %w", err)
		}
		path := fmt.Sprintf("projects/%s/audio/scene_%d_audio.mp3", sc.ProjectID, sc.Position)
		url, err := p.Store.Upload(ctx, path, audio, "audio/mpeg")
		if err != nil {
			return speechResult{}, err
		}
		return speechResult{storedFile: storedFile{URL: url, Path: path}, DurationSeconds: seconds, VoiceID: voice}, nil
	})
	if err != nil {
		return err
	}

	assetID, err := workflow.Step(r, "create-audio-asset", func(ctx context.Context) (string, error) {
		a := &models.Asset{
			ProjectID:   sc.ProjectID,
			SceneID:     &sc.ID,
			Kind:        models.AssetAudio,
			URL:         speech.URL,
			StoragePath: speech.Path,
			Metadata: models.JSONMap{
				"provider":        "elevenlabs",
				"voiceId":         speech.VoiceID,
				"durationSeconds": speech.DurationSeconds,
			},
		}
		return p.createAsset(ctx, a)
	})
	if err != nil {
		return err
	}

	if err := p.markStage(r, "mark-completed", sc.ID, models.StageTTS, models.StageStatusCompleted, map[string]interface{}{
		"audio_asset_id":         assetID,
		"audio_duration_seconds": speech.DurationSeconds,
	}); err != nil {
		return err
	}
	_, err = r.Publish("tts-completed", events.TTSCompleted{
		SceneRef:        ev.SceneRef,
		AssetID:         assetID,
		AudioURL:        speech.URL,
		DurationSeconds: speech.DurationSeconds,
	})
	return err
}
