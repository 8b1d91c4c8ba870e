package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		line     string
		class    IssueClass
		severity Severity
	}{
		{"[tcp @ 0x55] Connection timed out", IssueConnectionTimeout, SeverityError},
		{"[tcp @ 0x55] Connection refused", IssueConnectionRefused, SeverityError},
		{"[https @ 0x55] Server returned 403 Forbidden (access denied)", IssueHTTPError, SeverityError},
		{"[https @ 0x55] HTTP error 404 Not Found", IssueHTTPError, SeverityError},
		{"[h264 @ 0x55] error while decoding MB 12 34", IssueDecoderError, SeverityWarning},
		{"Unknown encoder 'libx265'", IssueEncoderError, SeverityCritical},
		{"[mov @ 0x55] moov atom not found", IssueFormatError, SeverityError},
		{"/media/a.mkv: Permission denied", IssuePermissionError, SeverityCritical},
		{"av_interleaved_write_frame(): Broken pipe", IssueIOError, SeverityError},
		{"Cannot allocate memory", IssueMemoryError, SeverityCritical},
		{"[h264_nvenc @ 0x55] Cannot init CUDA: error 100", IssueHardwareError, SeverityCritical},
		{"[mpegts @ 0x55] Non-monotonous DTS in output stream", IssueStreamError, SeverityWarning},
		{"frame= 2843 fps= 25 q=23.0 size=   12288KiB", IssueUnknown, SeverityInfo},
		{"", IssueUnknown, SeverityInfo},
	}
	for _, tc := range cases {
		class, severity := Classify(tc.line)
		require.Equal(t, tc.class, class, "line %q", tc.line)
		require.Equal(t, tc.severity, severity, "line %q", tc.line)
	}
}

func TestTransientClasses(t *testing.T) {
	require.True(t, IssueConnectionTimeout.Transient())
	require.True(t, IssueHTTPError.Transient())
	require.False(t, IssueHardwareError.Transient())
	require.False(t, IssueMemoryError.Transient())
}
