package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"AvatarVideo-server/config"
	"AvatarVideo-server/events"
	"AvatarVideo-server/logger"
	"AvatarVideo-server/media"
	"AvatarVideo-server/metrics"
	"AvatarVideo-server/models"
	"AvatarVideo-server/providers"
	"AvatarVideo-server/workflow"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const presetAvatar = "https://presets.test/presenter.webp"

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *fakeStore) Upload(_ context.Context, path string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return "https://cdn.test/" + path, nil
}

func (s *fakeStore) UploadFile(ctx context.Context, path, localPath, contentType string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	return s.Upload(ctx, path, data, contentType)
}

func (s *fakeStore) Download(_ context.Context, path, localPath string) error {
	s.mu.Lock()
	data, ok := s.objects[path]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no object %s", path)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (s *fakeStore) has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[path]
	return ok
}

type fakeSpeech struct {
	mu     sync.Mutex
	voices []string
	block  bool
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	f.mu.Lock()
	f.voices = append(f.voices, voiceID)
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []byte("mp3:" + text), nil
}

type fakeTalks struct {
	mu     sync.Mutex
	images []string
	stuck  bool
	n      int
}

func (f *fakeTalks) CreateTalk(_ context.Context, imageURL, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.images = append(f.images, imageURL)
	return fmt.Sprintf("tlk_%d", f.n), nil
}

func (f *fakeTalks) TalkStatus(_ context.Context, talkID string) (providers.TalkStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stuck {
		return providers.TalkStatus{Status: providers.TalkProcessing}, nil
	}
	return providers.TalkStatus{Status: providers.TalkDone, ResultURL: "https://did.test/" + talkID + ".mp4"}, nil
}

func (f *fakeTalks) imageURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.images...)
}

type fakeImages struct {
	mu              sync.Mutex
	designErr       error
	designCalls     int
	backgroundCalls int
}

func (f *fakeImages) GenerateBackground(_ context.Context, prompt, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backgroundCalls++
	return []byte("png:" + prompt), nil
}

func (f *fakeImages) GenerateAvatarDesign(context.Context, models.AvatarDesignSettings) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.designCalls++
	if f.designErr != nil {
		return nil, f.designErr
	}
	return []byte("png:design"), nil
}

// fakeVideo reports an operation done on its second check unless respond
// says otherwise.
type fakeVideo struct {
	mu      sync.Mutex
	checks  map[string]int
	n       int
	respond func(op string, check int) (providers.VideoStatus, error)
}

func (f *fakeVideo) StartVideo(context.Context, providers.VideoRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("operations/%d", f.n), nil
}

func (f *fakeVideo) CheckVideo(_ context.Context, op string) (providers.VideoStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks[op]++
	if f.respond != nil {
		return f.respond(op, f.checks[op])
	}
	if f.checks[op] < 2 {
		return providers.VideoStatus{}, nil
	}
	return providers.VideoStatus{Done: true, Video: []byte("mp4:" + op)}, nil
}

func (f *fakeVideo) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *fakeVideo) totalChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.checks {
		n += c
	}
	return n
}

type fakeFetch struct{}

func (fakeFetch) Fetch(_ context.Context, url string) ([]byte, error) {
	return []byte("fetched:" + url), nil
}

type fakeMedia struct {
	mu        sync.Mutex
	renders   [][]media.SceneInput
	renderErr error
}

func (f *fakeMedia) MeasureAudio(context.Context, []byte, string) (float64, error) {
	return 4.2, nil
}

func (f *fakeMedia) Render(_ context.Context, _ string, scenes []media.SceneInput, out string) error {
	for _, sc := range scenes {
		if _, err := os.Stat(sc.AvatarPath); err != nil {
			return err
		}
		if sc.BackgroundPath != "" {
			if _, err := os.Stat(sc.BackgroundPath); err != nil {
				return err
			}
		}
	}
	f.mu.Lock()
	f.renders = append(f.renders, append([]media.SceneInput(nil), scenes...))
	err := f.renderErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(out, []byte("final"), 0o644)
}

func (f *fakeMedia) calls() [][]media.SceneInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renders
}

type harness struct {
	db     *gorm.DB
	engine *workflow.Engine
	pipe   *Pipeline
	store  *fakeStore
	speech *fakeSpeech
	talks  *fakeTalks
	images *fakeImages
	video  *fakeVideo
	media  *fakeMedia
}

func testConfig() config.Pipeline {
	stage := config.StagePolicy{RetryBackoff: time.Millisecond, Timeout: 5 * time.Second}
	poll := stage
	poll.MaxAttempts = 5
	poll.FirstInterval = time.Millisecond
	poll.Interval = time.Millisecond
	return config.Pipeline{
		TTSWait:         5 * time.Second,
		AvatarWait:      5 * time.Second,
		BackgroundWait:  5 * time.Second,
		InterSceneDelay: time.Millisecond,
		StuckAfter:      time.Minute,
		Orchestrator:    config.StagePolicy{RetryBackoff: time.Millisecond, Timeout: 30 * time.Second},
		TTS:             stage,
		Avatar:          stage,
		AvatarPoll:      poll,
		Background:      stage,
		Veo:             stage,
		VeoPoll:         poll,
		AvatarDesign:    config.StagePolicy{Retries: 2, RetryBackoff: time.Millisecond, Timeout: 5 * time.Second},
		Compose:         stage,
	}
}

// newHarness runs every dispatched run on its own goroutine.
func newHarness(t *testing.T, tune func(*config.Pipeline)) *harness {
	t.Helper()
	h := buildHarness(t, tune)
	ctx, cancel := context.WithCancel(context.Background())
	d := workflow.NewInlineDispatcher(ctx, h.engine)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})
	return h
}

// newPoolHarness runs dispatched runs on a fixed number of workers.
func newPoolHarness(t *testing.T, workers int, tune func(*config.Pipeline)) *harness {
	t.Helper()
	h := buildHarness(t, tune)
	h.engine.RequeueDelay = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	d := workflow.NewPoolDispatcher(ctx, h.engine, workers)
	t.Cleanup(func() {
		cancel()
		d.Close()
	})
	return h
}

func buildHarness(t *testing.T, tune func(*config.Pipeline)) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.Migrate(db))

	m := metrics.New()
	bus := workflow.NewBus(db, logger.Nop(), m)
	bus.PollInterval = 20 * time.Millisecond
	engine := workflow.NewEngine(db, bus, logger.Nop(), m)

	cfg := testConfig()
	if tune != nil {
		tune(&cfg)
	}
	h := &harness{
		db:     db,
		engine: engine,
		store:  &fakeStore{objects: map[string][]byte{}},
		speech: &fakeSpeech{},
		talks:  &fakeTalks{},
		images: &fakeImages{},
		video:  &fakeVideo{checks: map[string]int{}},
		media:  &fakeMedia{},
	}
	h.pipe = New(engine, Deps{
		DB:        db,
		Store:     h.store,
		Speech:    h.speech,
		Talks:     h.talks,
		Images:    h.images,
		Video:     h.video,
		Fetch:     fakeFetch{},
		Media:     h.media,
		Config:    cfg,
		AvatarURL: presetAvatar,
		WorkDir:   t.TempDir(),
		Metrics:   m,
	})
	h.pipe.Register()
	return h
}

func (h *harness) seed(t *testing.T, mode string, priorities ...string) (*models.Project, []models.Scene) {
	t.Helper()
	p := &models.Project{ID: uuid.NewString(), UserID: "u1", Title: "Onboarding", DurationSeconds: 30, AvatarMode: mode}
	if mode == models.AvatarModeCustom {
		p.Settings = models.ProjectSettings{AvatarDesign: &models.AvatarDesignSettings{Gender: "male", Style: "corporate"}}
	}
	require.NoError(t, models.CreateProject(h.db, p))
	drafts := make([]models.SceneDraft, len(priorities))
	for i, pr := range priorities {
		drafts[i] = models.SceneDraft{ScriptText: fmt.Sprintf("Scene %d narration.", i+1), DurationSeconds: 8, Priority: pr, Emotion: "calm"}
	}
	scenes, err := models.CreateScenesFromScript(h.db, p.ID, drafts)
	require.NoError(t, err)
	return p, scenes
}

func (h *harness) waitProject(t *testing.T, id, status string) *models.Project {
	t.Helper()
	var got *models.Project
	require.Eventually(t, func() bool {
		p, err := models.GetProjectByIDGorm(h.db, id)
		if err != nil {
			return false
		}
		got = p
		return p.Status == status
	}, 15*time.Second, 20*time.Millisecond, "project never reached %s", status)
	return got
}

func (h *harness) scene(t *testing.T, id string) *models.Scene {
	t.Helper()
	sc, err := models.GetSceneByIDGorm(h.db, id)
	require.NoError(t, err)
	return sc
}

func (h *harness) countAssets(t *testing.T, projectID, kind string) int64 {
	t.Helper()
	n, err := models.CountAssets(h.db, projectID, kind)
	require.NoError(t, err)
	return n
}

func (h *harness) countEvents(t *testing.T, topic events.Topic) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&workflow.EventRecord{}).Where("topic = ?", string(topic)).Count(&n).Error)
	return n
}

func TestRenderProjectEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityMedium, models.PriorityMedium)

	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	got := h.waitProject(t, p.ID, models.ProjectStatusRendered)

	require.NotNil(t, got.FinalVideoAssetID)
	final, err := models.GetAssetByIDGorm(h.db, *got.FinalVideoAssetID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetFinalVideo, final.Kind)
	assert.True(t, h.store.has(fmt.Sprintf("projects/%s/final/final_video.mp4", p.ID)))

	assert.EqualValues(t, 2, h.countAssets(t, p.ID, models.AssetAudio))
	assert.EqualValues(t, 2, h.countAssets(t, p.ID, models.AssetAvatarVideo))
	assert.EqualValues(t, 2, h.countAssets(t, p.ID, models.AssetBackgroundImage))
	assert.EqualValues(t, 0, h.countAssets(t, p.ID, models.AssetBackgroundVideo))
	assert.EqualValues(t, 1, h.countAssets(t, p.ID, models.AssetFinalVideo))

	for _, s := range scenes {
		sc := h.scene(t, s.ID)
		assert.True(t, sc.Done(), "scene %d", sc.Position)
		require.NotNil(t, sc.AudioDurationSeconds)
		assert.InDelta(t, 4.2, *sc.AudioDurationSeconds, 0.001)
	}

	renders := h.media.calls()
	require.Len(t, renders, 1)
	require.Len(t, renders[0], 2)
	for i, in := range renders[0] {
		assert.Equal(t, i+1, in.Position)
		assert.Equal(t, media.BackgroundImage, in.BackgroundKind)
		assert.Equal(t, fmt.Sprintf("scene_%d_avatar.mp4", i+1), filepath.Base(in.AvatarPath))
	}

	for _, img := range h.talks.imageURLs() {
		assert.Equal(t, presetAvatar, img)
	}
	assert.EqualValues(t, 2, h.countEvents(t, events.TopicSceneProcessRequested))
	assert.EqualValues(t, 1, h.countEvents(t, events.TopicVideoComposeRequested))
}

func TestBackgroundFollowsPriority(t *testing.T) {
	h := newHarness(t, nil)
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityLow, models.PriorityHigh)

	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	h.waitProject(t, p.ID, models.ProjectStatusRendered)

	low := h.scene(t, scenes[0].ID)
	assert.Nil(t, low.BackgroundAssetID)
	assert.Equal(t, BackgroundGradient, low.Metadata["backgroundType"])

	high := h.scene(t, scenes[1].ID)
	require.NotNil(t, high.BackgroundAssetID)
	bg, err := models.GetAssetByIDGorm(h.db, *high.BackgroundAssetID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetBackgroundVideo, bg.Kind)

	assert.EqualValues(t, 1, h.countAssets(t, p.ID, models.AssetBackgroundImage))
	assert.EqualValues(t, 1, h.countAssets(t, p.ID, models.AssetBackgroundVideo))
	// The video poller answered "processing" once before finishing.
	assert.EqualValues(t, 2, h.countEvents(t, events.TopicVeoPollingRequested))

	renders := h.media.calls()
	require.Len(t, renders, 1)
	assert.Equal(t, media.BackgroundGradient, renders[0][0].BackgroundKind)
	assert.Empty(t, renders[0][0].BackgroundPath)
	assert.Equal(t, media.BackgroundVideo, renders[0][1].BackgroundKind)
	assert.Equal(t, ".mp4", filepath.Ext(renders[0][1].BackgroundPath))
}

func TestBackgroundProviderCallsFollowPriority(t *testing.T) {
	cases := []struct {
		priority    string
		imageCalls  int
		videoStarts int
	}{
		{models.PriorityLow, 0, 0},
		{models.PriorityMedium, 1, 0},
		{models.PriorityHigh, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.priority, func(t *testing.T) {
			h := newHarness(t, nil)
			p, _ := h.seed(t, models.AvatarModePreset, tc.priority)

			require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
			h.waitProject(t, p.ID, models.ProjectStatusRendered)

			h.images.mu.Lock()
			images := h.images.backgroundCalls
			h.images.mu.Unlock()
			assert.Equal(t, tc.imageCalls, images)
			assert.Equal(t, tc.videoStarts, h.video.starts())
		})
	}
}

func (h *harness) veoJob(t *testing.T, sceneID string) models.RenderJob {
	t.Helper()
	var job models.RenderJob
	require.NoError(t, h.db.Where("scene_id = ? AND provider = ?", sceneID, models.ProviderVeo).First(&job).Error)
	return job
}

func TestVideoDoneWithoutVideoFailsBackground(t *testing.T) {
	h := newHarness(t, func(c *config.Pipeline) { c.BackgroundWait = 30 * time.Second })
	h.video.respond = func(string, int) (providers.VideoStatus, error) {
		return providers.VideoStatus{Done: true}, nil
	}
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityHigh)

	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	require.Eventually(t, func() bool {
		return h.scene(t, scenes[0].ID).BackgroundStatus == models.StageStatusFailed
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, "Veo operation is done but returned no video", h.scene(t, scenes[0].ID).ErrorMessage)
	job := h.veoJob(t, scenes[0].ID)
	assert.Equal(t, models.RenderJobFailed, job.Status)
	assert.Equal(t, "Veo operation is done but returned no video", job.ErrorMessage)
	assert.Equal(t, 1, h.video.totalChecks())
	assert.Zero(t, h.countAssets(t, p.ID, models.AssetBackgroundVideo))
}

func TestVideoNotFoundKeepsPolling(t *testing.T) {
	h := newHarness(t, nil)
	h.video.respond = func(op string, check int) (providers.VideoStatus, error) {
		if check <= 2 {
			return providers.VideoStatus{}, &providers.HTTPError{Provider: "veo", Status: 404, Body: "not found"}
		}
		return providers.VideoStatus{Done: true, Video: []byte("mp4:" + op)}, nil
	}
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityHigh)

	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	h.waitProject(t, p.ID, models.ProjectStatusRendered)

	assert.Equal(t, models.StageStatusCompleted, h.scene(t, scenes[0].ID).BackgroundStatus)
	assert.Equal(t, models.RenderJobCompleted, h.veoJob(t, scenes[0].ID).Status)
	assert.Equal(t, 3, h.video.totalChecks())
	assert.EqualValues(t, 3, h.countEvents(t, events.TopicVeoPollingRequested))
	assert.EqualValues(t, 1, h.countAssets(t, p.ID, models.AssetBackgroundVideo))
}

func TestVideoCheckErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, func(c *config.Pipeline) { c.BackgroundWait = 30 * time.Second })
	h.video.respond = func(string, int) (providers.VideoStatus, error) {
		return providers.VideoStatus{}, &providers.HTTPError{Provider: "veo", Status: 500, Body: "backend exploded"}
	}
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityHigh)

	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	require.Eventually(t, func() bool {
		return h.scene(t, scenes[0].ID).BackgroundStatus == models.StageStatusFailed
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, "veo: status 500: backend exploded", h.scene(t, scenes[0].ID).ErrorMessage)
	assert.Equal(t, models.RenderJobFailed, h.veoJob(t, scenes[0].ID).Status)
	assert.Equal(t, 1, h.video.totalChecks())
	assert.EqualValues(t, 1, h.countEvents(t, events.TopicVeoPollingRequested))
}

func TestComposeToolErrorFailsProject(t *testing.T) {
	h := newHarness(t, nil)
	h.media.renderErr = &media.ToolError{Tool: "ffmpeg", ExitCode: 1, Stderr: "boom"}
	p, _ := h.seed(t, models.AvatarModePreset, models.PriorityLow)

	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	got := h.waitProject(t, p.ID, models.ProjectStatusFailed)

	assert.Equal(t, "Video composition failed: ffmpeg exited with code 1: boom", got.ErrorMessage)
	assert.Nil(t, got.FinalVideoAssetID)
	assert.Zero(t, h.countAssets(t, p.ID, models.AssetFinalVideo))
	assert.Len(t, h.media.calls(), 1)
	// Scene assets stay for the next render.
	assert.EqualValues(t, 1, h.countAssets(t, p.ID, models.AssetAvatarVideo))
}

func TestRenderOnSingleWorker(t *testing.T) {
	h := newPoolHarness(t, 1, nil)
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityHigh, models.PriorityMedium)

	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	h.waitProject(t, p.ID, models.ProjectStatusRendered)

	for _, s := range scenes {
		assert.True(t, h.scene(t, s.ID).Done())
	}
	assert.EqualValues(t, 1, h.countAssets(t, p.ID, models.AssetBackgroundVideo))
	assert.EqualValues(t, 1, h.countAssets(t, p.ID, models.AssetBackgroundImage))
	assert.EqualValues(t, 1, h.countAssets(t, p.ID, models.AssetFinalVideo))
	assert.Len(t, h.media.calls(), 1)

	require.Eventually(t, func() bool {
		var open int64
		err := h.db.Model(&workflow.RunRecord{}).
			Where("status IN ?", []string{workflow.RunSuspended, workflow.RunRunning, workflow.RunPending}).
			Count(&open).Error
		return err == nil && open == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAvatarPollingTimesOut(t *testing.T) {
	h := newHarness(t, func(c *config.Pipeline) {
		c.AvatarPoll.MaxAttempts = 3
		c.AvatarWait = 2 * time.Second
	})
	h.talks.stuck = true
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityLow)

	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	require.Eventually(t, func() bool {
		return h.scene(t, scenes[0].ID).AvatarStatus == models.StageStatusFailed
	}, 10*time.Second, 20*time.Millisecond)

	sc := h.scene(t, scenes[0].ID)
	assert.Equal(t, "Polling timeout after 3 attempts", sc.ErrorMessage)
	assert.EqualValues(t, 3, h.countEvents(t, events.TopicAvatarPollingRequested))
	assert.Zero(t, h.countEvents(t, events.TopicAvatarCompleted))

	var jobs []models.RenderJob
	require.NoError(t, h.db.Where("scene_id = ?", sc.ID).Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.RenderJobFailed, jobs[0].Status)
	assert.EqualValues(t, 3, jobs[0].Metadata["pollAttempts"])
}

func TestStageWaitTimeoutFaultsScene(t *testing.T) {
	h := newHarness(t, func(c *config.Pipeline) {
		c.TTSWait = 200 * time.Millisecond
		c.TTS.Timeout = time.Second
	})
	h.speech.block = true
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityLow, models.PriorityLow)

	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	require.Eventually(t, func() bool {
		var run workflow.RunRecord
		err := h.db.Where("function_name = ?", FnSceneProcessor).First(&run).Error
		return err == nil && run.Status == workflow.RunFailed
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, models.StageStatusFailed, h.scene(t, scenes[0].ID).TTSStatus)
	assert.Equal(t, models.StageStatusPending, h.scene(t, scenes[1].ID).TTSStatus)
	assert.EqualValues(t, 1, h.countEvents(t, events.TopicSceneProcessRequested))
	assert.Zero(t, h.countEvents(t, events.TopicVideoComposeRequested))
}

func TestCustomAvatarDesignIsUsed(t *testing.T) {
	h := newHarness(t, nil)
	p, _ := h.seed(t, models.AvatarModeCustom, models.PriorityLow)

	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	got := h.waitProject(t, p.ID, models.ProjectStatusRendered)

	assert.Equal(t, models.DesignStatusCompleted, got.AvatarDesignStatus)
	require.NotNil(t, got.AvatarDesignAssetID)
	design, err := models.GetAssetByIDGorm(h.db, *got.AvatarDesignAssetID)
	require.NoError(t, err)
	assert.Equal(t, []string{design.URL}, h.talks.imageURLs())

	h.speech.mu.Lock()
	defer h.speech.mu.Unlock()
	assert.Equal(t, []string{providers.VoiceMale}, h.speech.voices)
}

func TestAvatarDesignQuotaFallsBackToPreset(t *testing.T) {
	h := newHarness(t, nil)
	h.images.designErr = &providers.HTTPError{Provider: "openai", Status: 429, Body: "rate limited"}
	p, _ := h.seed(t, models.AvatarModeCustom, models.PriorityLow, models.PriorityLow)

	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	got := h.waitProject(t, p.ID, models.ProjectStatusRendered)

	assert.Equal(t, models.DesignStatusFailed, got.AvatarDesignStatus)
	assert.Equal(t, true, got.AvatarDesignMetadata["fallbackToPreset"])
	assert.Equal(t, true, got.AvatarDesignMetadata["quotaExceeded"])
	assert.Equal(t, []string{presetAvatar, presetAvatar}, h.talks.imageURLs())

	h.images.mu.Lock()
	defer h.images.mu.Unlock()
	assert.Equal(t, 1, h.images.designCalls)
}

func TestStartWithoutScenesFailsProject(t *testing.T) {
	h := newHarness(t, nil)
	p := &models.Project{ID: uuid.NewString(), UserID: "u1", Title: "Empty"}
	require.NoError(t, models.CreateProject(h.db, p))

	err := h.pipe.Start(context.Background(), p.ID, p.UserID)
	assert.ErrorIs(t, err, ErrNoScenes)
	got, err := models.GetProjectByIDGorm(h.db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusFailed, got.Status)
	assert.Equal(t, "No scenes to render", got.ErrorMessage)
}

func TestStartRefusesBusyAndRestartsStalled(t *testing.T) {
	h := newHarness(t, nil)
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityLow, models.PriorityMedium)
	ctx := context.Background()

	require.NoError(t, models.BeginRender(h.db, p.ID))
	_, err := models.SetStageStatus(h.db, scenes[0].ID, models.StageTTS, models.StageStatusGenerating, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, h.pipe.Start(ctx, p.ID, p.UserID), models.ErrProjectBusy)

	// Nothing drives the project once the stage has failed.
	_, err = models.SetStageStatus(h.db, scenes[0].ID, models.StageTTS, models.StageStatusFailed, map[string]interface{}{"error_message": "boom"})
	require.NoError(t, err)
	require.NoError(t, h.pipe.Start(ctx, p.ID, p.UserID))
	h.waitProject(t, p.ID, models.ProjectStatusRendered)
	assert.Empty(t, h.scene(t, scenes[0].ID).ErrorMessage)
}

func TestStartResumesAfterCompletedScenes(t *testing.T) {
	h := newHarness(t, nil)
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityLow, models.PriorityLow)
	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	h.waitProject(t, p.ID, models.ProjectStatusRendered)

	require.NoError(t, h.pipe.Start(context.Background(), p.ID, p.UserID))
	h.waitProject(t, p.ID, models.ProjectStatusRendered)
	require.Eventually(t, func() bool {
		n, err := models.CountAssets(h.db, p.ID, models.AssetFinalVideo)
		return err == nil && n == 2
	}, 10*time.Second, 20*time.Millisecond)

	// Every scene was done, so the second render only recomposed.
	assert.EqualValues(t, 2, h.countAssets(t, p.ID, models.AssetAudio))
	assert.EqualValues(t, 2, h.countEvents(t, events.TopicVideoComposeRequested))
	assert.True(t, h.scene(t, scenes[1].ID).Done())
}

func TestRetryVideoValidation(t *testing.T) {
	h := newHarness(t, nil)
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityHigh)
	other, _ := h.seed(t, models.AvatarModePreset, models.PriorityHigh)
	ctx := context.Background()
	id := scenes[0].ID

	assert.ErrorIs(t, h.pipe.RetryVideo(ctx, other.ID, id, "u1", "", ""), ErrSceneNotInProject)
	assert.ErrorIs(t, h.pipe.RetryVideo(ctx, p.ID, id, "u1", "", ""), ErrNoBackgroundImage)

	img := &models.Asset{ProjectID: p.ID, SceneID: &id, Kind: models.AssetBackgroundImage,
		URL: "https://cdn.test/bg.png", StoragePath: "bg.png"}
	require.NoError(t, models.CreateAsset(h.db, img))
	assert.ErrorIs(t, h.pipe.RetryVideo(ctx, p.ID, id, "u1", "", ""), ErrStageNotFailed)

	err := h.pipe.RetryVideo(ctx, p.ID, "missing", "u1", "", "")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestRetryVideoAnimatesLatestImage(t *testing.T) {
	h := newHarness(t, nil)
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityHigh)
	id := scenes[0].ID
	img := &models.Asset{ProjectID: p.ID, SceneID: &id, Kind: models.AssetBackgroundImage,
		URL: "https://cdn.test/bg.png", StoragePath: "bg.png"}
	require.NoError(t, models.CreateAsset(h.db, img))
	_, err := models.SetStageStatus(h.db, id, models.StageBackground, models.StageStatusFailed, map[string]interface{}{"error_message": "Veo operation failed: filtered"})
	require.NoError(t, err)

	require.NoError(t, h.pipe.RetryVideo(context.Background(), p.ID, id, "u1", "slow pan across the skyline", "hopeful"))
	require.Eventually(t, func() bool {
		return h.scene(t, id).BackgroundStatus == models.StageStatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	sc := h.scene(t, id)
	assert.Equal(t, "slow pan across the skyline", sc.VideoPrompt)
	require.NotNil(t, sc.BackgroundAssetID)
	bg, err := models.GetAssetByIDGorm(h.db, *sc.BackgroundAssetID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetBackgroundVideo, bg.Kind)
	assert.Equal(t, img.ID, bg.Metadata["imageAssetId"])
	assert.EqualValues(t, 1, h.countEvents(t, events.TopicBackgroundCompleted))
}

func TestRecoverStuckScenes(t *testing.T) {
	h := newHarness(t, nil)
	p, scenes := h.seed(t, models.AvatarModePreset, models.PriorityLow, models.PriorityLow)
	stuck := scenes[0].ID

	_, err := models.SetStageStatus(h.db, stuck, models.StageAvatar, models.StageStatusGenerating, nil)
	require.NoError(t, err)
	_, err = models.SetStageStatus(h.db, stuck, models.StageAvatar, models.StageStatusProcessing, nil)
	require.NoError(t, err)
	job := &models.RenderJob{ProjectID: p.ID, SceneID: stuck, Provider: models.ProviderDID, ExternalID: "tlk_1"}
	require.NoError(t, models.CreateRenderJob(h.db, job))
	require.NoError(t, h.db.Model(&models.Scene{}).Where("id = ?", stuck).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	n, err := h.pipe.RecoverStuckScenes(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sc := h.scene(t, stuck)
	assert.Equal(t, models.StageStatusFailed, sc.AvatarStatus)
	assert.Equal(t, models.StageStatusPending, sc.TTSStatus)
	assert.Contains(t, sc.ErrorMessage, "stuck")
	got, err := models.GetRenderJobByIDGorm(h.db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RenderJobFailed, got.Status)

	n, err = h.pipe.RecoverStuckScenes(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCollectSceneAssetsRequiresAvatar(t *testing.T) {
	h := newHarness(t, nil)
	p, _ := h.seed(t, models.AvatarModePreset, models.PriorityLow)
	_, err := h.pipe.collectSceneAssets(context.Background(), p.ID)
	require.Error(t, err)
	assert.True(t, workflow.IsPermanent(err))
}

func TestSceneRefCoversSceneTopics(t *testing.T) {
	ref := events.SceneRef{SceneID: "s1", ProjectID: "p1"}
	payloads := []events.Payload{
		events.TTSRequested{SceneRef: ref},
		events.AvatarRequested{SceneRef: ref},
		events.AvatarPolling{SceneRef: ref},
		events.BackgroundRequested{SceneRef: ref},
		events.VeoRequested{SceneRef: ref},
		events.VeoPolling{SceneRef: ref},
		events.SceneProcess{SceneRef: ref},
	}
	for _, pl := range payloads {
		got, ok := sceneRef(pl)
		assert.True(t, ok, "%T", pl)
		assert.Equal(t, ref, got)
	}
	_, ok := sceneRef(events.VideoCompose{ProjectID: "p1"})
	assert.False(t, ok)
}
