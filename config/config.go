package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port" env:"SERVER_PORT"`
	} `yaml:"server"`
	Log struct {
		Mode string `yaml:"mode" env:"LOG_MODE"`
	} `yaml:"log"`
	MySQL struct {
		DSN string `yaml:"dsn" env:"MYSQL_DSN"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR"`
		Password string `yaml:"password" env:"REDIS_PASSWORD"`
	} `yaml:"redis"`
	Worker struct {
		// Concurrency is the asynq server pool size. Stage caps live in Pipeline.
		Concurrency int `yaml:"concurrency" env:"WORKER_CONCURRENCY"`
	} `yaml:"worker"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
		AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"MINIO_BUCKET"`
		UseSSL    bool   `yaml:"use_ssl" env:"MINIO_USE_SSL"`
		Domain    string `yaml:"domain" env:"MINIO_DOMAIN"`
	} `yaml:"minio"`
	Providers Providers `yaml:"providers"`
	Media     Media     `yaml:"media"`
	Pipeline  Pipeline  `yaml:"pipeline"`
}

type Providers struct {
	ElevenLabs struct {
		APIKey  string `yaml:"api_key" env:"ELEVENLABS_API_KEY"`
		BaseURL string `yaml:"base_url"`
		ModelID string `yaml:"model_id"`
	} `yaml:"elevenlabs"`
	OpenAI struct {
		APIKey      string `yaml:"api_key" env:"OPENAI_API_KEY"`
		ScriptModel string `yaml:"script_model"`
		ImageModel  string `yaml:"image_model"`
	} `yaml:"openai"`
	DID struct {
		APIKey    string `yaml:"api_key" env:"DID_API_KEY"`
		BaseURL   string `yaml:"base_url"`
		AvatarURL string `yaml:"avatar_url" env:"DID_AVATAR_URL"`
		// WebhookURL is only sent when it is https.
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"did"`
	Veo struct {
		ProjectID string `yaml:"project_id" env:"GOOGLE_CLOUD_PROJECT"`
		Location  string `yaml:"location"`
		Model     string `yaml:"model"`
	} `yaml:"veo"`
}

type Media struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
	WorkDir     string `yaml:"work_dir"`
}

// StagePolicy is the retry, admission and waiting policy of one function type.
type StagePolicy struct {
	Retries       int           `yaml:"retries"`
	Concurrency   int           `yaml:"concurrency"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	FirstInterval time.Duration `yaml:"first_interval"`
	Interval      time.Duration `yaml:"interval"`
}

type Pipeline struct {
	TTSWait         time.Duration `yaml:"tts_wait"`
	AvatarWait      time.Duration `yaml:"avatar_wait"`
	BackgroundWait  time.Duration `yaml:"background_wait"`
	InterSceneDelay time.Duration `yaml:"inter_scene_delay"`
	StuckAfter      time.Duration `yaml:"stuck_after"`

	Orchestrator StagePolicy `yaml:"orchestrator"`
	TTS          StagePolicy `yaml:"tts"`
	Avatar       StagePolicy `yaml:"avatar"`
	AvatarPoll   StagePolicy `yaml:"avatar_poll"`
	Background   StagePolicy `yaml:"background"`
	Veo          StagePolicy `yaml:"veo"`
	VeoPoll      StagePolicy `yaml:"veo_poll"`
	AvatarDesign StagePolicy `yaml:"avatar_design"`
	Compose      StagePolicy `yaml:"compose"`
}

// InitConfig reads the yaml file, applies .env and environment overrides and
// fills defaults.
func InitConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if f, err := os.Open(path); err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "dev"
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 50
	}
	if c.Providers.ElevenLabs.BaseURL == "" {
		c.Providers.ElevenLabs.BaseURL = "https://api.elevenlabs.io"
	}
	if c.Providers.ElevenLabs.ModelID == "" {
		c.Providers.ElevenLabs.ModelID = "eleven_multilingual_v2"
	}
	if c.Providers.OpenAI.ScriptModel == "" {
		c.Providers.OpenAI.ScriptModel = "gpt-4o-mini"
	}
	if c.Providers.OpenAI.ImageModel == "" {
		c.Providers.OpenAI.ImageModel = "dall-e-3"
	}
	if c.Providers.DID.BaseURL == "" {
		c.Providers.DID.BaseURL = "https://api.d-id.com"
	}
	if c.Providers.DID.AvatarURL == "" {
		c.Providers.DID.AvatarURL = "https://create-images-results.d-id.com/default_presenter_image_url.webp"
	}
	if c.Providers.Veo.Location == "" {
		c.Providers.Veo.Location = "us-central1"
	}
	if c.Providers.Veo.Model == "" {
		c.Providers.Veo.Model = "veo-3.0-generate-001"
	}
	if c.Media.FFmpegPath == "" {
		c.Media.FFmpegPath = "ffmpeg"
	}
	if c.Media.FFprobePath == "" {
		c.Media.FFprobePath = "ffprobe"
	}
	if c.Media.WorkDir == "" {
		c.Media.WorkDir = os.TempDir()
	}
	c.Pipeline.ApplyDefaults()
}

func (p *Pipeline) ApplyDefaults() {
	setDuration(&p.TTSWait, 5*time.Minute)
	setDuration(&p.AvatarWait, 5*time.Minute)
	setDuration(&p.BackgroundWait, 15*time.Minute)
	setDuration(&p.InterSceneDelay, 2*time.Second)
	setDuration(&p.StuckAfter, 15*time.Minute)

	p.Orchestrator.fill(StagePolicy{Retries: 2, RetryBackoff: 2 * time.Second, Timeout: 45 * time.Minute})
	p.TTS.fill(StagePolicy{Retries: 2, Concurrency: 3, RetryBackoff: 2 * time.Second, Timeout: 5 * time.Minute})
	p.Avatar.fill(StagePolicy{Retries: 2, Concurrency: 2, RetryBackoff: 2 * time.Second, Timeout: 5 * time.Minute})
	p.AvatarPoll.fill(StagePolicy{Retries: 2, RetryBackoff: 2 * time.Second, Timeout: 5 * time.Minute,
		MaxAttempts: 20, FirstInterval: 10 * time.Second, Interval: 5 * time.Second})
	p.Background.fill(StagePolicy{Retries: 2, Concurrency: 1, RetryBackoff: 2 * time.Second, Timeout: 5 * time.Minute})
	p.Veo.fill(StagePolicy{Retries: 2, Concurrency: 2, RetryBackoff: 2 * time.Second, Timeout: 5 * time.Minute})
	p.VeoPoll.fill(StagePolicy{Retries: 2, RetryBackoff: 2 * time.Second, Timeout: 5 * time.Minute,
		MaxAttempts: 120, FirstInterval: 30 * time.Second, Interval: 5 * time.Second})
	p.AvatarDesign.fill(StagePolicy{Retries: 2, Concurrency: 1, RetryBackoff: 2 * time.Second, Timeout: 5 * time.Minute})
	p.Compose.fill(StagePolicy{Retries: 1, Concurrency: 1, RetryBackoff: 5 * time.Second, Timeout: 30 * time.Minute})
}

// fill copies every zero field from def. Retries and Concurrency treat zero as
// "unset", so a policy that really wants zero retries uses -1.
func (s *StagePolicy) fill(def StagePolicy) {
	if s.Retries == 0 {
		s.Retries = def.Retries
	}
	if s.Retries < 0 {
		s.Retries = 0
	}
	if s.Concurrency == 0 {
		s.Concurrency = def.Concurrency
	}
	setDuration(&s.RetryBackoff, def.RetryBackoff)
	setDuration(&s.Timeout, def.Timeout)
	if s.MaxAttempts == 0 {
		s.MaxAttempts = def.MaxAttempts
	}
	setDuration(&s.FirstInterval, def.FirstInterval)
	setDuration(&s.Interval, def.Interval)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
