package selfheal

import (
	"fmt"
	"sync"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/ffmpeg"
)

// Pattern is a higher-level signal derived from repeated events.
type Pattern struct {
	Name      string
	ChannelID int64
	Risk      float64
	Count     int
}

// PatternDetector counts recent events per (channel, class) and surfaces
// named patterns once thresholds trip.
type PatternDetector struct {
	window    time.Duration
	threshold int

	mu     sync.Mutex
	events map[patternKey][]time.Time
}

type patternKey struct {
	channelID int64
	class     ffmpeg.IssueClass
}

// NewPatternDetector builds a detector. threshold events inside window trip
// a pattern.
func NewPatternDetector(window time.Duration, threshold int) *PatternDetector {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &PatternDetector{
		window:    window,
		threshold: threshold,
		events:    make(map[patternKey][]time.Time),
	}
}

// Observe records an event and returns a tripped pattern, if any.
func (d *PatternDetector) Observe(ev ffmpeg.Event) (Pattern, bool) {
	key := patternKey{channelID: ev.ChannelID, class: ev.Class}

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := ev.At.Add(-d.window)
	kept := d.events[key][:0]
	for _, t := range d.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, ev.At)
	d.events[key] = kept

	if len(kept) < d.threshold {
		return Pattern{}, false
	}
	return Pattern{
		Name:      patternName(ev.Class),
		ChannelID: ev.ChannelID,
		Risk:      patternRisk(ev.Class),
		Count:     len(kept),
	}, true
}

func patternName(class ffmpeg.IssueClass) string {
	switch class {
	case ffmpeg.IssueHTTPError, ffmpeg.IssueConnectionTimeout:
		return "repeated_url_expiration"
	case ffmpeg.IssueMemoryError:
		return "memory_pressure"
	case ffmpeg.IssueHardwareError:
		return "hardware_degradation"
	default:
		return fmt.Sprintf("repeated_%s", class)
	}
}

func patternRisk(class ffmpeg.IssueClass) float64 {
	switch class {
	case ffmpeg.IssueMemoryError, ffmpeg.IssueHardwareError, ffmpeg.IssuePermissionError:
		return 0.8
	case ffmpeg.IssueEncoderError:
		return 0.6
	default:
		return 0.3
	}
}
