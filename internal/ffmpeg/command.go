package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
)

// CommandSpec describes one FFmpeg invocation producing MPEG-TS on stdout.
type CommandSpec struct {
	Input string
	// Seek into the input before decoding.
	Seek time.Duration
	// Limit output duration (zero = play to EOF).
	Limit time.Duration
	// Realtime paces reads at input speed; required for file inputs feeding a
	// live channel so FFmpeg does not race hours ahead of the wall clock.
	Realtime bool
	// UserAgent for HTTP inputs.
	UserAgent string

	Profile   catalog.FFmpegProfile
	Watermark catalog.Watermark
	HWAccel   string // overrides Profile.HWAccel when set
}

// mpegtsFlags keep PAT/PMT repeating so clients can join mid-stream, and mark
// the first packet discontinuous so downstream demuxers resync cleanly across
// item handovers.
const mpegtsFlags = "+resend_headers+pat_pmt_at_frames+initial_discontinuity"

// Args renders the argv (excluding the ffmpeg binary itself).
func (s CommandSpec) Args() []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-fflags", "+discardcorrupt+genpts",
	}

	hw := s.HWAccel
	if hw == "" {
		hw = s.Profile.HWAccel
	}
	if hw != "" {
		args = append(args, "-hwaccel", hw)
	}

	if s.Realtime {
		args = append(args, "-re")
	}
	if s.Seek > 0 {
		args = append(args, "-ss", formatSeconds(s.Seek))
	}
	if isHTTPInput(s.Input) {
		ua := s.UserAgent
		if ua == "" {
			ua = "EXStreamTV/1.0"
		}
		args = append(args,
			"-user_agent", ua,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "2",
		)
	}
	args = append(args, "-i", s.Input)

	if s.Watermark.Path != "" {
		args = append(args, "-i", s.Watermark.Path)
		args = append(args, "-filter_complex", watermarkFilter(s.Watermark))
	}

	if s.Limit > 0 {
		args = append(args, "-t", formatSeconds(s.Limit))
	}

	args = append(args, codecArgs(s.Profile, s.Watermark.Path != "")...)
	args = append(args,
		"-mpegts_flags", mpegtsFlags,
		"-f", "mpegts",
		"pipe:1",
	)
	return args
}

func codecArgs(p catalog.FFmpegProfile, forceEncode bool) []string {
	vcodec := p.VideoCodec
	if vcodec == "" {
		if forceEncode {
			vcodec = "libx264"
		} else {
			vcodec = "copy"
		}
	}
	acodec := p.AudioCodec
	if acodec == "" {
		acodec = "aac"
	}
	args := []string{"-c:v", vcodec, "-c:a", acodec}
	if vcodec != "copy" {
		if p.VideoBitrate != "" {
			args = append(args, "-b:v", p.VideoBitrate)
		}
		if p.Resolution != "" {
			args = append(args, "-s", p.Resolution)
		}
		if p.FrameRate != "" {
			args = append(args, "-r", p.FrameRate)
		}
		args = append(args, "-preset", "veryfast", "-g", "50")
	}
	if acodec != "copy" && p.AudioBitrate != "" {
		args = append(args, "-b:a", p.AudioBitrate)
	}
	return args
}

// watermarkFilter builds the overlay graph for the second input.
func watermarkFilter(w catalog.Watermark) string {
	margin := w.MarginPx
	if margin <= 0 {
		margin = 10
	}
	var x, y string
	switch w.Position {
	case catalog.WatermarkTopLeft:
		x, y = strconv.Itoa(margin), strconv.Itoa(margin)
	case catalog.WatermarkTopRight:
		x, y = fmt.Sprintf("main_w-overlay_w-%d", margin), strconv.Itoa(margin)
	case catalog.WatermarkBottomLeft:
		x, y = strconv.Itoa(margin), fmt.Sprintf("main_h-overlay_h-%d", margin)
	default:
		x, y = fmt.Sprintf("main_w-overlay_w-%d", margin), fmt.Sprintf("main_h-overlay_h-%d", margin)
	}

	scale := "[1:v]"
	chain := ""
	if w.WidthPct > 0 {
		chain = fmt.Sprintf("[1:v]scale=iw*%0.2f:-1[wm];", w.WidthPct)
		scale = "[wm]"
	}
	if w.Opacity > 0 && w.Opacity < 1 {
		pre := scale
		chain += fmt.Sprintf("%sformat=rgba,colorchannelmixer=aa=%0.2f[wma];", pre, w.Opacity)
		scale = "[wma]"
	}
	return fmt.Sprintf("%s[0:v]%soverlay=%s:%s", chain, scale, x, y)
}

// SlateArgs renders the argv for a synthesized filler/offline slate: color
// background with a centred message, silent audio, realtime pacing.
func SlateArgs(message string, limit time.Duration) []string {
	text := strings.ReplaceAll(message, "'", "\\'")
	src := fmt.Sprintf("color=c=0x101820:s=1280x720:r=25,drawtext=text='%s':fontcolor=white:fontsize=42:x=(w-text_w)/2:y=(h-text_h)/2", text)
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-re",
		"-f", "lavfi", "-i", src,
		"-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=48000",
	}
	if limit > 0 {
		args = append(args, "-t", formatSeconds(limit))
	}
	args = append(args,
		"-c:v", "libx264", "-preset", "veryfast", "-tune", "stillimage",
		"-c:a", "aac",
		"-mpegts_flags", mpegtsFlags,
		"-f", "mpegts",
		"pipe:1",
	)
	return args
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func isHTTPInput(input string) bool {
	return strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
}
