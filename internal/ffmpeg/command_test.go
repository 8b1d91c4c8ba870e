package ffmpeg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
)

func argString(args []string) string { return strings.Join(args, " ") }

func TestArgsLocalFileRealtime(t *testing.T) {
	spec := CommandSpec{Input: "/media/movie.mkv", Realtime: true}
	s := argString(spec.Args())
	require.Contains(t, s, "-re")
	require.Contains(t, s, "-i /media/movie.mkv")
	require.Contains(t, s, "-c:v copy")
	require.Contains(t, s, "-f mpegts pipe:1")
	require.Contains(t, s, "-mpegts_flags "+mpegtsFlags)
	require.NotContains(t, s, "-reconnect")
}

func TestArgsHTTPInputGetsReconnect(t *testing.T) {
	spec := CommandSpec{Input: "https://example.com/v.mp4"}
	s := argString(spec.Args())
	require.Contains(t, s, "-reconnect 1")
	require.Contains(t, s, "-user_agent EXStreamTV/1.0")
}

func TestArgsSeekAndLimit(t *testing.T) {
	spec := CommandSpec{Input: "/a.mkv", Seek: 42 * time.Second, Limit: 90 * time.Second}
	s := argString(spec.Args())
	require.Contains(t, s, "-ss 42.000")
	require.Contains(t, s, "-t 90.000")
}

func TestArgsProfileTranscode(t *testing.T) {
	spec := CommandSpec{
		Input: "/a.mkv",
		Profile: catalog.FFmpegProfile{
			VideoCodec: "libx264", AudioCodec: "aac",
			VideoBitrate: "4M", AudioBitrate: "192k",
			Resolution: "1920x1080", FrameRate: "25",
			HWAccel: "vaapi",
		},
	}
	s := argString(spec.Args())
	require.Contains(t, s, "-hwaccel vaapi")
	require.Contains(t, s, "-c:v libx264")
	require.Contains(t, s, "-b:v 4M")
	require.Contains(t, s, "-s 1920x1080")
	require.Contains(t, s, "-r 25")
	require.Contains(t, s, "-b:a 192k")
}

func TestArgsWatermarkOverlay(t *testing.T) {
	spec := CommandSpec{
		Input: "/a.mkv",
		Watermark: catalog.Watermark{
			Path: "/logo.png", Position: catalog.WatermarkTopLeft, Opacity: 0.5, MarginPx: 20,
		},
	}
	args := spec.Args()
	s := argString(args)
	require.Contains(t, s, "-i /logo.png")
	require.Contains(t, s, "-filter_complex")
	var filter string
	for i, a := range args {
		if a == "-filter_complex" {
			filter = args[i+1]
		}
	}
	require.Contains(t, filter, "overlay=20:20")
	require.Contains(t, filter, "colorchannelmixer=aa=0.50")
	// Overlaying forces an encode.
	require.Contains(t, s, "-c:v libx264")
}

func TestSlateArgs(t *testing.T) {
	args := SlateArgs("Channel offline", 5*time.Minute)
	s := argString(args)
	require.Contains(t, s, "lavfi")
	require.Contains(t, s, "Channel offline")
	require.Contains(t, s, "-t 300.000")
	require.Contains(t, s, "-re")
	require.Contains(t, s, "-f mpegts pipe:1")
}

func TestSlateArgsEscapesQuotes(t *testing.T) {
	args := SlateArgs("it's fine", 0)
	s := argString(args)
	require.Contains(t, s, `it\'s fine`)
}
