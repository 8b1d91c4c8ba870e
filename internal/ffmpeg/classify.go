package ffmpeg

import (
	"regexp"
	"strings"
	"time"
)

// IssueClass buckets an FFmpeg stderr line by failure kind.
type IssueClass string

const (
	IssueConnectionTimeout IssueClass = "connection_timeout"
	IssueConnectionRefused IssueClass = "connection_refused"
	IssueHTTPError         IssueClass = "http_error"
	IssueDecoderError      IssueClass = "decoder_error"
	IssueEncoderError      IssueClass = "encoder_error"
	IssueFormatError       IssueClass = "format_error"
	IssuePermissionError   IssueClass = "permission_error"
	IssueIOError           IssueClass = "io_error"
	IssueMemoryError       IssueClass = "memory_error"
	IssueHardwareError     IssueClass = "hardware_error"
	IssueStreamError       IssueClass = "stream_error"
	IssueUnknown           IssueClass = "unknown"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is one classified stderr line, tagged with its origin.
type Event struct {
	ChannelID int64
	PID       int
	Class     IssueClass
	Severity  Severity
	Line      string
	At        time.Time
}

type rule struct {
	re       *regexp.Regexp
	class    IssueClass
	severity Severity
}

// Classification rules, first match wins. Order matters: specific network
// failures before the generic HTTP bucket, hardware before encoder.
var rules = []rule{
	{regexp.MustCompile(`(?i)connection timed? ?out|timeout.*(?:connect|read)|operation timed out`), IssueConnectionTimeout, SeverityError},
	{regexp.MustCompile(`(?i)connection refused`), IssueConnectionRefused, SeverityError},
	{regexp.MustCompile(`(?i)server returned (4\d\d|5\d\d)|http error (4\d\d|5\d\d)|403 forbidden|404 not found|410 gone`), IssueHTTPError, SeverityError},
	{regexp.MustCompile(`(?i)cannot allocate memory|out of memory|malloc.*failed`), IssueMemoryError, SeverityCritical},
	{regexp.MustCompile(`(?i)permission denied|operation not permitted`), IssuePermissionError, SeverityCritical},
	{regexp.MustCompile(`(?i)(cuda|cuvid|nvenc|nvdec|vaapi|qsv|videotoolbox).*(error|fail)|hardware.*(error|not supported)|failed to create.*hw`), IssueHardwareError, SeverityCritical},
	{regexp.MustCompile(`(?i)unknown encoder|encoder not found|error while encoding|encoding failed`), IssueEncoderError, SeverityCritical},
	{regexp.MustCompile(`(?i)error while decoding|decode_slice|corrupt decoded frame|invalid nal unit`), IssueDecoderError, SeverityWarning},
	{regexp.MustCompile(`(?i)invalid data found|moov atom not found|could not find codec parameters|unknown format`), IssueFormatError, SeverityError},
	{regexp.MustCompile(`(?i)no such file or directory|input/output error|broken pipe|end of file`), IssueIOError, SeverityError},
	{regexp.MustCompile(`(?i)non-monotonous dts|pts has no value|packet too large|discontinuity detected`), IssueStreamError, SeverityWarning},
}

// Classify buckets one stderr line. Lines that match nothing are
// IssueUnknown/info, which downstream consumers ignore.
func Classify(line string) (IssueClass, Severity) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return IssueUnknown, SeverityInfo
	}
	for _, r := range rules {
		if r.re.MatchString(trimmed) {
			return r.class, r.severity
		}
	}
	return IssueUnknown, SeverityInfo
}

// Transient reports whether the class typically clears with a refresh or
// restart rather than operator action.
func (c IssueClass) Transient() bool {
	switch c {
	case IssueConnectionTimeout, IssueConnectionRefused, IssueHTTPError,
		IssueDecoderError, IssueStreamError, IssueIOError:
		return true
	}
	return false
}
