package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/forPelevin/unmark/internal/types"
)

// Runner executes a tool and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Adapter struct {
	ffmpeg  string
	ffprobe string
	run     Runner
	log     *zap.Logger

	// NoHardware skips the CUDA decode and NVENC attempts.
	NoHardware bool

	capsOnce sync.Once
	cuda     bool
	nvenc    bool
}

func New(ffmpegPath, ffprobePath string, log *zap.Logger) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{ffmpeg: ffmpegPath, ffprobe: ffprobePath, run: execRunner, log: log}
}

// WithRunner replaces the process runner. Used by tests.
func (a *Adapter) WithRunner(r Runner) *Adapter {
	a.run = r
	return a
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (a *Adapter) Probe(ctx context.Context, video string) (types.VideoInfo, error) {
	b, err := a.run(ctx, a.ffprobe,
		"-v", "error",
		"-show_entries", "stream=codec_type,codec_name,width,height,avg_frame_rate,r_frame_rate,nb_frames:format=duration",
		"-of", "json",
		video,
	)
	if err != nil {
		return types.VideoInfo{}, fmt.Errorf("ffprobe: %w\n%s", err, string(b))
	}
	return parseProbe(b)
}

func parseProbe(b []byte) (types.VideoInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(b, &out); err != nil {
		return types.VideoInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var info types.VideoInfo
	if out.Format.Duration != "" {
		d, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return types.VideoInfo{}, fmt.Errorf("parse duration %q: %w", out.Format.Duration, err)
		}
		info.Duration = d
	}

	var haveVideo bool
	var nbFrames string
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if haveVideo {
				continue
			}
			haveVideo = true
			info.Width, info.Height = s.Width, s.Height
			info.FPS = parseRate(s.AvgFrameRate)
			if info.FPS == 0 {
				info.FPS = parseRate(s.RFrameRate)
			}
			nbFrames = s.NbFrames
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		}
	}
	if !haveVideo {
		return types.VideoInfo{}, fmt.Errorf("no video stream")
	}
	if info.FPS <= 0 {
		return types.VideoInfo{}, fmt.Errorf("unknown frame rate")
	}

	if n, err := strconv.Atoi(nbFrames); err == nil && n > 0 {
		info.TotalFrames = n
	} else {
		info.TotalFrames = int(math.Round(info.Duration * info.FPS))
	}
	return info, nil
}

// parseRate reads "num/den" or a plain number. Zero means unknown.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// detectCaps asks ffmpeg once whether CUDA decode and NVENC are built in.
func (a *Adapter) detectCaps(ctx context.Context) {
	a.capsOnce.Do(func() {
		if a.NoHardware {
			return
		}
		if b, err := a.run(ctx, a.ffmpeg, "-hide_banner", "-hwaccels"); err == nil {
			a.cuda = strings.Contains(string(b), "cuda")
		}
		if b, err := a.run(ctx, a.ffmpeg, "-hide_banner", "-encoders"); err == nil {
			a.nvenc = strings.Contains(string(b), "h264_nvenc")
		}
		a.log.Debug("ffmpeg capabilities", zap.Bool("cuda", a.cuda), zap.Bool("nvenc", a.nvenc))
	})
}

// ExtractFrames decodes every frame of video into dir as 0.jpg, 1.jpg, ...
// CUDA decode is tried first when ffmpeg lists it.
func (a *Adapter) ExtractFrames(ctx context.Context, video, dir string) (int, error) {
	a.detectCaps(ctx)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	pattern := filepath.Join(dir, "%d.jpg")
	tail := []string{"-i", video, "-q:v", "1", "-start_number", "0", pattern}

	if a.cuda {
		args := append([]string{"-y", "-hwaccel", "cuda"}, tail...)
		b, err := a.run(ctx, a.ffmpeg, args...)
		if err == nil {
			return countFrames(dir)
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		a.log.Info("cuda decode unavailable, using software decode", zap.String("output", truncate(string(b), 300)))
	}

	args := append([]string{"-y"}, tail...)
	b, err := a.run(ctx, a.ffmpeg, args...)
	if err != nil {
		return 0, fmt.Errorf("ffmpeg extract frames: %w\n%s", err, string(b))
	}
	return countFrames(dir)
}

// countFrames returns the length of the contiguous 0.jpg.. run in dir.
func countFrames(dir string) (int, error) {
	n := 0
	for {
		_, err := os.Stat(filepath.Join(dir, strconv.Itoa(n)+".jpg"))
		if err != nil {
			if os.IsNotExist(err) {
				return n, nil
			}
			return 0, err
		}
		n++
	}
}

// MergeFrames encodes dir/0.jpg.. into outVideo at fps. NVENC is tried
// before libx264 when ffmpeg lists it.
func (a *Adapter) MergeFrames(ctx context.Context, dir string, fps float64, outVideo string) error {
	a.detectCaps(ctx)
	if err := os.MkdirAll(filepath.Dir(outVideo), 0o755); err != nil {
		return err
	}
	head := []string{
		"-y",
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-start_number", "0",
		"-i", filepath.Join(dir, "%d.jpg"),
	}

	if a.nvenc {
		args := append(append([]string{}, head...),
			"-c:v", "h264_nvenc",
			"-preset", "p5",
			"-rc", "vbr",
			"-cq", "7",
			"-b:v", "0",
			"-pix_fmt", "yuv420p",
			outVideo,
		)
		b, err := a.run(ctx, a.ffmpeg, args...)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.Info("nvenc unavailable, using libx264", zap.String("output", truncate(string(b), 300)))
	}

	args := append(append([]string{}, head...),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "7",
		"-pix_fmt", "yuv420p",
		outVideo,
	)
	b, err := a.run(ctx, a.ffmpeg, args...)
	if err != nil {
		return fmt.Errorf("ffmpeg merge frames: %w\n%s", err, string(b))
	}
	return nil
}

// MuxAudio copies the audio track of source onto video and writes out. When
// source has no audio the video is copied as is.
func (a *Adapter) MuxAudio(ctx context.Context, source, video, out string) error {
	info, err := a.Probe(ctx, source)
	if err != nil {
		return err
	}
	if !info.HasAudio() {
		return copyFile(video, out)
	}

	b, err := a.run(ctx, a.ffmpeg,
		"-y",
		"-i", video,
		"-i", source,
		"-c:v", "copy",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-shortest",
		out,
	)
	if err != nil {
		return fmt.Errorf("ffmpeg mux audio: %w\n%s", err, string(b))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
