package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Motion effect types for animating stills (Ken Burns)
// ---------------------------------------------------------------------------

// ClipEffect defines the type of Ken Burns / motion effect applied to a still image
type ClipEffect string

const (
	EffectZoomIn         ClipEffect = "zoom_in"           // Strong zoom toward center
	EffectZoomOut        ClipEffect = "zoom_out"          // Starts zoomed, pulls back wide
	EffectPanDown        ClipEffect = "pan_down"          // Drifts top to bottom
	EffectPanUp          ClipEffect = "pan_up"            // Drifts bottom to top
	EffectPanLeft        ClipEffect = "pan_left"          // Drifts right to left
	EffectPanRight       ClipEffect = "pan_right"         // Drifts left to right
	EffectZoomInPanUp    ClipEffect = "zoom_in_pan_up"    // Zoom in while drifting up
	EffectZoomInPanDown  ClipEffect = "zoom_in_pan_down"  // Zoom in while drifting down
	EffectZoomInPanLeft  ClipEffect = "zoom_in_pan_left"  // Zoom in while drifting left
	EffectZoomInPanRight ClipEffect = "zoom_in_pan_right" // Zoom in while drifting right
)

var allEffects = []ClipEffect{
	EffectZoomIn,
	EffectZoomOut,
	EffectPanDown,
	EffectPanUp,
	EffectPanLeft,
	EffectPanRight,
	EffectZoomInPanUp,
	EffectZoomInPanDown,
	EffectZoomInPanLeft,
	EffectZoomInPanRight,
}

// EffectFor picks the motion for a scene. Same index, same effect, so a
// re-run renders the same video.
func EffectFor(index int) ClipEffect {
	if index < 0 {
		index = -index
	}
	return allEffects[index%len(allEffects)]
}

const (
	videoFPS = 30

	// Breathing pulse layered on the primary motion: ±3% zoom, about one
	// breath every two seconds.
	breathAmplitude = 0.03
	breathFrequency = 0.12
)

// Frame is the output raster. Every clip is normalised to it so the concat
// demuxer can copy streams.
type Frame struct {
	Width  int
	Height int
}

func (f Frame) String() string { return fmt.Sprintf("%dx%d", f.Width, f.Height) }

// FrameFor maps an aspect ratio option to its output raster. Unknown values
// get portrait.
func FrameFor(aspect string) Frame {
	switch aspect {
	case "16:9":
		return Frame{Width: 1920, Height: 1080}
	case "1:1":
		return Frame{Width: 1080, Height: 1080}
	default:
		return Frame{Width: 1080, Height: 1920}
	}
}

// ProbeResult is what ffprobe says about a media file.
type ProbeResult struct {
	DurationS  float64
	AudioCodec string
	VideoCodec string
}

// MuxInput describes the final audio/video mux.
type MuxInput struct {
	VideoPath    string
	AudioPath    string
	OutputPath   string
	DurationS    float64
	SubtitlePath string
}

// MediaTool is the local media toolchain the clip generator and composer
// drive.
type MediaTool interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	FitClip(ctx context.Context, inputPath, outputPath string, durationS float64, frame Frame) error
	RenderStill(ctx context.Context, imagePath, outputPath string, durationS float64, frame Frame, effect ClipEffect) error
	Concat(ctx context.Context, clipPaths []string, outputPath string) error
	MuxAudio(ctx context.Context, in MuxInput) error
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	ffmpegPath  string
	ffprobePath string
	logger      *zap.Logger
}

var _ MediaTool = (*FFmpegService)(nil)

func NewFFmpegService(logger *zap.Logger) *FFmpegService {
	return &FFmpegService{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		logger:      logger.Named("ffmpeg"),
	}
}

// run executes a tool and folds the tail of stderr into the error.
func (s *FFmpegService) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s failed: %w: %s", filepath.Base(bin), err, tail(stderr.String(), 500))
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Probe reads container duration and the first audio/video codec names.
func (s *FFmpegService) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	out, err := s.run(ctx, s.ffprobePath, probeArgs(path)...)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}
	return parseProbe(out)
}

func probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type,codec_name",
		"-of", "json",
		path,
	}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecName string `json:"codec_name"`
		CodecType string `json:"codec_type"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	res := &ProbeResult{}
	if out.Format.Duration != "" && out.Format.Duration != "N/A" {
		d, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse duration %q: %w", out.Format.Duration, err)
		}
		res.DurationS = d
	}
	for _, st := range out.Streams {
		switch st.CodecType {
		case "audio":
			if res.AudioCodec == "" {
				res.AudioCodec = st.CodecName
			}
		case "video":
			if res.VideoCodec == "" {
				res.VideoCodec = st.CodecName
			}
		}
	}
	return res, nil
}

// FitClip re-encodes a provider clip to exactly durationS seconds at the
// output raster: letterboxed, 30fps, silent. Short clips hold their last
// frame; long clips are cut.
func (s *FFmpegService) FitClip(ctx context.Context, inputPath, outputPath string, durationS float64, frame Frame) error {
	s.logger.Debug("fitting clip", zap.String("input", filepath.Base(inputPath)), zap.Float64("duration_s", durationS), zap.Stringer("frame", frame))
	if _, err := s.run(ctx, s.ffmpegPath, fitClipArgs(inputPath, outputPath, durationS, frame)...); err != nil {
		return fmt.Errorf("ffmpeg fit clip: %w", err)
	}
	return nil
}

func fitClipArgs(inputPath, outputPath string, durationS float64, frame Frame) []string {
	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d,tpad=stop_mode=clone:stop_duration=%s",
		frame.Width, frame.Height, frame.Width, frame.Height, videoFPS, seconds(durationS),
	)
	args := []string{"-i", inputPath, "-vf", vf, "-an"}
	args = append(args, clipEncodeArgs(durationS)...)
	return append(args, "-y", outputPath)
}

// clipEncodeArgs is shared by every per-scene encode so the concat demuxer
// sees identical stream parameters.
func clipEncodeArgs(durationS float64) []string {
	return []string{
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(videoFPS),
		"-video_track_timescale", "15360",
		"-t", seconds(durationS),
	}
}

// RenderStill animates a still image for durationS seconds with a Ken Burns
// effect.
func (s *FFmpegService) RenderStill(ctx context.Context, imagePath, outputPath string, durationS float64, frame Frame, effect ClipEffect) error {
	s.logger.Debug("rendering still", zap.String("effect", string(effect)), zap.Float64("duration_s", durationS))
	if _, err := s.run(ctx, s.ffmpegPath, renderStillArgs(imagePath, outputPath, durationS, frame, effect)...); err != nil {
		return fmt.Errorf("ffmpeg render still (effect=%s): %w", effect, err)
	}
	return nil
}

func renderStillArgs(imagePath, outputPath string, durationS float64, frame Frame, effect ClipEffect) []string {
	// Scale up first so zoom and pan have resolution headroom
	pre := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d",
		frame.Width*2, frame.Height*2, frame.Width*2, frame.Height*2)
	vf := pre + "," + buildMotionFilter(effect, durationS, frame)

	args := []string{"-i", imagePath, "-vf", vf, "-an"}
	args = append(args, clipEncodeArgs(durationS)...)
	return append(args, "-y", outputPath)
}

// buildMotionFilter constructs the zoompan filter for an effect with the
// breathing pulse baked into the zoom expression.
func buildMotionFilter(effect ClipEffect, durationS float64, frame Frame) string {
	// One extra second of frames; -t trims to the exact span
	totalFrames := int(math.Ceil(durationS*videoFPS)) + videoFPS
	if totalFrames < videoFPS {
		totalFrames = videoFPS
	}

	breathExpr := fmt.Sprintf("%.3f*sin(on*%.3f)", breathAmplitude, breathFrequency)

	// Center expressions:
	//   cx = "iw/2-(iw/zoom/2)"
	//   cy = "ih/2-(ih/zoom/2)"
	var zExpr, xExpr, yExpr string

	switch effect {
	case EffectZoomIn:
		zExpr = fmt.Sprintf("1.0+0.5*on/%d+%s", totalFrames, breathExpr)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = "ih/2-(ih/zoom/2)"

	case EffectZoomOut:
		zExpr = fmt.Sprintf("1.5-0.5*on/%d+%s", totalFrames, breathExpr)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = "ih/2-(ih/zoom/2)"

	case EffectPanDown:
		zExpr = fmt.Sprintf("1.3+%s", breathExpr)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = fmt.Sprintf("(ih-ih/zoom)*on/%d", totalFrames)

	case EffectPanUp:
		zExpr = fmt.Sprintf("1.3+%s", breathExpr)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = fmt.Sprintf("(ih-ih/zoom)*(1-on/%d)", totalFrames)

	case EffectPanRight:
		zExpr = fmt.Sprintf("1.3+%s", breathExpr)
		xExpr = fmt.Sprintf("(iw-iw/zoom)*on/%d", totalFrames)
		yExpr = "ih/2-(ih/zoom/2)"

	case EffectPanLeft:
		zExpr = fmt.Sprintf("1.3+%s", breathExpr)
		xExpr = fmt.Sprintf("(iw-iw/zoom)*(1-on/%d)", totalFrames)
		yExpr = "ih/2-(ih/zoom/2)"

	case EffectZoomInPanUp:
		zExpr = fmt.Sprintf("1.0+0.4*on/%d+%s", totalFrames, breathExpr)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = fmt.Sprintf("max(0,(ih-ih/zoom)*(1-on/%d))", totalFrames)

	case EffectZoomInPanDown:
		zExpr = fmt.Sprintf("1.0+0.4*on/%d+%s", totalFrames, breathExpr)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = fmt.Sprintf("min(ih-ih/zoom,(ih-ih/zoom)*on/%d)", totalFrames)

	case EffectZoomInPanRight:
		zExpr = fmt.Sprintf("1.0+0.4*on/%d+%s", totalFrames, breathExpr)
		xExpr = fmt.Sprintf("min(iw-iw/zoom,(iw-iw/zoom)*on/%d)", totalFrames)
		yExpr = "ih/2-(ih/zoom/2)"

	case EffectZoomInPanLeft:
		zExpr = fmt.Sprintf("1.0+0.4*on/%d+%s", totalFrames, breathExpr)
		xExpr = fmt.Sprintf("max(0,(iw-iw/zoom)*(1-on/%d))", totalFrames)
		yExpr = "ih/2-(ih/zoom/2)"

	default:
		zExpr = fmt.Sprintf("1.0+0.4*on/%d+%s", totalFrames, breathExpr)
		xExpr = "iw/2-(iw/zoom/2)"
		yExpr = "ih/2-(ih/zoom/2)"
	}

	return fmt.Sprintf(
		"zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d",
		zExpr, xExpr, yExpr,
		totalFrames,
		frame.Width, frame.Height,
		videoFPS,
	)
}

// Concat joins normalised clips with the concat demuxer without re-encoding.
func (s *FFmpegService) Concat(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	listPath := outputPath + ".txt"
	if err := os.WriteFile(listPath, []byte(concatList(clipPaths)), 0o644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}
	if _, err := s.run(ctx, s.ffmpegPath, args...); err != nil {
		return fmt.Errorf("ffmpeg concatenate: %w", err)
	}
	return nil
}

// concatList renders the concat demuxer script. Single quotes in paths are
// closed, escaped and reopened.
func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	return b.String()
}

// MuxAudio lays the original audio under the concatenated video. The audio
// stream is copied untouched; the video is re-encoded once to hold the last
// frame, burn captions and cut at exactly DurationS.
func (s *FFmpegService) MuxAudio(ctx context.Context, in MuxInput) error {
	s.logger.Info("muxing audio",
		zap.Float64("duration_s", in.DurationS),
		zap.Bool("captions", in.SubtitlePath != ""),
		zap.String("output", filepath.Base(in.OutputPath)))
	if _, err := s.run(ctx, s.ffmpegPath, muxArgs(in)...); err != nil {
		return fmt.Errorf("ffmpeg mux audio: %w", err)
	}
	return nil
}

func muxArgs(in MuxInput) []string {
	filter := fmt.Sprintf("[0:v]tpad=stop_mode=clone:stop_duration=%s", seconds(in.DurationS))
	if in.SubtitlePath != "" {
		filter += fmt.Sprintf(",ass='%s'", escapeFFmpegFilterPath(in.SubtitlePath))
	}
	filter += "[v]"

	return []string{
		"-i", in.VideoPath,
		"-i", in.AudioPath,
		"-filter_complex", filter,
		"-map", "[v]",
		"-map", "1:a:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-c:a", "copy",
		"-t", seconds(in.DurationS),
		"-y",
		in.OutputPath,
	}
}

// escapeFFmpegFilterPath escapes special characters in file paths for FFmpeg filter syntax.
func escapeFFmpegFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

// ContainerFor picks the final container for a source audio codec so the
// audio can be stream-copied. PCM and anything MP4 cannot carry go to MOV.
func ContainerFor(audioCodec string) (ext, contentType string) {
	switch {
	case strings.HasPrefix(audioCodec, "pcm_"):
		return "mov", "video/quicktime"
	case audioCodec == "aac", audioCodec == "mp3", audioCodec == "alac",
		audioCodec == "ac3", audioCodec == "eac3", audioCodec == "opus", audioCodec == "flac":
		return "mp4", "video/mp4"
	default:
		return "mov", "video/quicktime"
	}
}

// seconds formats a duration for -t and filter arguments at millisecond
// precision.
func seconds(d float64) string {
	return strconv.FormatFloat(d, 'f', 3, 64)
}
