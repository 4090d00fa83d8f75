// Package media wraps the ffmpeg and ffprobe binaries used to measure audio
// and to composite the final video.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Background kinds a scene can be composed over.
const (
	BackgroundImage    = "image"
	BackgroundVideo    = "video"
	BackgroundGradient = "gradient"
)

const (
	outWidth  = 1920
	outHeight = 1080
	// GradientColor fills scenes that have no background asset.
	GradientColor = "0x1e293b"
)

// ToolError is a non-zero exit of ffmpeg or ffprobe.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.Stderr)
}

// Runner executes a tool and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return nil, &ToolError{Tool: filepath.Base(name), ExitCode: exitErr.ExitCode(), Stderr: tail(stderr.String(), 2048)}
		}
		return nil, fmt.Errorf("run %s: %w", filepath.Base(name), err)
	}
	return stdout.Bytes(), nil
}

// SceneInput is one scene's local media for composition.
type SceneInput struct {
	Position       int
	AvatarPath     string
	BackgroundPath string
	BackgroundKind string
}

type Toolkit struct {
	FFmpeg  string
	FFprobe string
	// WorkDir holds scratch files written by MeasureAudio.
	WorkDir string
	Runner  Runner
}

func NewToolkit(ffmpeg, ffprobe, workDir string) *Toolkit {
	return &Toolkit{FFmpeg: ffmpeg, FFprobe: ffprobe, WorkDir: workDir, Runner: ExecRunner{}}
}

// ProbeDuration returns the container duration of path in seconds.
func (t *Toolkit) ProbeDuration(ctx context.Context, path string) (float64, error) {
	out, err := t.Runner.Run(ctx, t.FFprobe, "-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(out))
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}

// MeasureAudio reads the duration of an in-memory clip.
func (t *Toolkit) MeasureAudio(ctx context.Context, data []byte, ext string) (float64, error) {
	f, err := os.CreateTemp(t.WorkDir, "measure-*"+ext)
	if err != nil {
		return 0, fmt.Errorf("measure audio: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return 0, fmt.Errorf("measure audio: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("measure audio: %w", err)
	}
	return t.ProbeDuration(ctx, f.Name())
}

// HasAudio reports whether path carries at least one audio stream.
func (t *Toolkit) HasAudio(ctx context.Context, path string) (bool, error) {
	out, err := t.Runner.Run(ctx, t.FFprobe, "-v", "error", "-select_streams", "a",
		"-show_entries", "stream=index", "-of", "csv=p=0", path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// The avatar is cut to a circle and placed bottom-right over a cover-scaled
// background.
var videoFilter = fmt.Sprintf(
	"[0:v]scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d[bg];"+
		"[1:v]scale=iw*0.28:-1,format=rgba,"+
		"geq=r='r(X,Y)':g='g(X,Y)':b='b(X,Y)':a='if(lt(hypot(X-(W/2),Y-(H/2)),min(W,H)/2),255,0)'[avatar];"+
		"[bg][avatar]overlay=x=W-w-64:y=H-h-64:format=auto[video_out]",
	outWidth, outHeight, outWidth, outHeight)

const audioMixFilter = "[0:a]volume=0.35[bg_audio];[1:a]volume=1.0[avatar_audio];" +
	"[bg_audio][avatar_audio]amix=inputs=2:duration=shortest:dropout_transition=2[audio_out]"

var encodeArgs = []string{"-c:v", "libx264", "-pix_fmt", "yuv420p", "-r", "30", "-c:a", "aac", "-ar", "44100", "-shortest", "-y"}

// ComposeArgs builds the ffmpeg arguments that render one scene to out. The
// avatar clip decides the scene length; background clips are looped.
func ComposeArgs(in SceneInput, bgHasAudio bool, out string) []string {
	var args []string
	filter := videoFilter
	audioMap := "1:a?"
	switch in.BackgroundKind {
	case BackgroundImage:
		args = []string{"-loop", "1", "-i", in.BackgroundPath}
	case BackgroundVideo:
		args = []string{"-stream_loop", "-1", "-i", in.BackgroundPath}
		if bgHasAudio {
			filter += ";" + audioMixFilter
			audioMap = "[audio_out]"
		}
	default:
		args = []string{"-f", "lavfi", "-i", fmt.Sprintf("color=c=%s:s=%dx%d:r=30", GradientColor, outWidth, outHeight)}
	}
	args = append(args, "-i", in.AvatarPath, "-filter_complex", filter, "-map", "[video_out]", "-map", audioMap)
	args = append(args, encodeArgs...)
	return append(args, out)
}

func ConcatArgs(listPath, out string) []string {
	return []string{"-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", "-y", out}
}

// WriteConcatList writes the concat demuxer list for paths, in order.
func WriteConcatList(path string, paths []string) error {
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// Render composes every scene in workDir and concatenates them, in position
// order, into out.
func (t *Toolkit) Render(ctx context.Context, workDir string, scenes []SceneInput, out string) error {
	if len(scenes) == 0 {
		return errors.New("render: no scenes")
	}
	ordered := append([]SceneInput(nil), scenes...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	parts := make([]string, 0, len(ordered))
	for _, sc := range ordered {
		if sc.AvatarPath == "" {
			return fmt.Errorf("render: scene %d has no avatar clip", sc.Position)
		}
		bgAudio := false
		if sc.BackgroundKind == BackgroundVideo {
			var err error
			if bgAudio, err = t.HasAudio(ctx, sc.BackgroundPath); err != nil {
				return fmt.Errorf("render: inspect scene %d background: %w", sc.Position, err)
			}
		}
		part := filepath.Join(workDir, fmt.Sprintf("scene_%d_composed.mp4", sc.Position))
		if _, err := t.Runner.Run(ctx, t.FFmpeg, ComposeArgs(sc, bgAudio, part)...); err != nil {
			return fmt.Errorf("render: compose scene %d: %w", sc.Position, err)
		}
		parts = append(parts, part)
	}

	list := filepath.Join(workDir, "concat.txt")
	if err := WriteConcatList(list, parts); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if _, err := t.Runner.Run(ctx, t.FFmpeg, ConcatArgs(list, out)...); err != nil {
		return fmt.Errorf("render: concat: %w", err)
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
