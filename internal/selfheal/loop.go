package selfheal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/exstreamtv/exstreamtv/internal/ffmpeg"
	"github.com/exstreamtv/exstreamtv/internal/metrics"
)

// Controller is the capability surface fixes are applied through. The
// composition root wires it to the channel manager and resolver.
type Controller interface {
	// Restart tears down and relaunches a channel's pipeline.
	Restart(ctx context.Context, channelID int64) error
	// Refresh re-mints the URL of the media the channel is transmitting.
	Refresh(ctx context.Context, channelID int64) error
	// Reduce lowers the channel's transcode cost (dropping to a safer
	// profile); implementations may treat it as a restart.
	Reduce(ctx context.Context, channelID int64) error
	// Escalate notifies the operator.
	Escalate(channelID int64, issue string)
}

// Config mirrors the self_heal configuration section.
type Config struct {
	Enabled                  bool
	MaxAutoFixesPerHour      int
	MaxConsecutiveFailures   int
	RequireApprovalAboveRisk float64
	UseErrorScreenFallback   bool
	FixTimeout               time.Duration
	CoolDown                 time.Duration
}

// Issue is one tracked problem moving through the resolution state machine.
type Issue struct {
	ChannelID int64
	Class     ffmpeg.IssueClass
	Severity  ffmpeg.Severity
	State     IssueState
	Strategy  Strategy
	Detected  time.Time
}

// Loop consumes pool events and applies fixes.
type Loop struct {
	cfg      Config
	events   <-chan ffmpeg.Event
	control  Controller
	patterns *PatternDetector
	log      zerolog.Logger
	metrics  *metrics.Metrics

	limiter *rate.Limiter

	mu           sync.Mutex
	consecutive  int
	gatedUntil   time.Time
	lastFix      map[int64]time.Time
	recentIssues []Issue
}

// minFixGap avoids hammering one channel with back-to-back fixes for the
// same burst of stderr lines.
const minFixGap = 15 * time.Second

// New builds the loop.
func New(cfg Config, events <-chan ffmpeg.Event, control Controller, log zerolog.Logger, m *metrics.Metrics) *Loop {
	if cfg.MaxAutoFixesPerHour <= 0 {
		cfg.MaxAutoFixesPerHour = 20
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = 30 * time.Second
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 10 * time.Minute
	}
	return &Loop{
		cfg:      cfg,
		events:   events,
		control:  control,
		patterns: NewPatternDetector(10*time.Minute, 3),
		log:      log.With().Str("component", "selfheal").Logger(),
		metrics:  m,
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.MaxAutoFixesPerHour)/3600.0), cfg.MaxAutoFixesPerHour),
		lastFix:  make(map[int64]time.Time),
	}
}

// Issues returns a snapshot of recently handled issues (newest last).
func (l *Loop) Issues() []Issue {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Issue, len(l.recentIssues))
	copy(out, l.recentIssues)
	return out
}

// Serve consumes events until ctx ends. Satisfies suture.Service.
func (l *Loop) Serve(ctx context.Context) error {
	if !l.cfg.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-l.events:
			if !ok {
				return nil
			}
			l.handle(ctx, ev)
		}
	}
}

// handle runs one event through detection, analysis, gating, and execution.
func (l *Loop) handle(ctx context.Context, ev ffmpeg.Event) {
	if ev.Severity == ffmpeg.SeverityInfo {
		return
	}

	issue := Issue{
		ChannelID: ev.ChannelID,
		Class:     ev.Class,
		Severity:  ev.Severity,
		State:     StateDetected,
		Detected:  ev.At,
	}

	if pattern, tripped := l.patterns.Observe(ev); tripped {
		l.log.Warn().Str("pattern", pattern.Name).Int64("channel", pattern.ChannelID).
			Int("count", pattern.Count).Float64("risk", pattern.Risk).Msg("pattern detected")
	}

	// Warnings alone don't trigger fixes; they feed the pattern detector.
	if ev.Severity == ffmpeg.SeverityWarning {
		return
	}

	candidate, ok := l.analyze(&issue)
	if !ok {
		l.record(issue)
		return
	}

	if !l.admitFix(&issue, candidate) {
		l.record(issue)
		return
	}

	l.apply(ctx, &issue, candidate)
	l.record(issue)
}

// analyze picks the best candidate fix. Returns false when the decision is
// to ignore.
func (l *Loop) analyze(issue *Issue) (Candidate, bool) {
	issue.State = StateAnalyzed
	for _, c := range candidatesFor(issue.Class) {
		switch c.Strategy {
		case StrategyIgnore:
			return Candidate{}, false
		case StrategyFallback:
			if !l.cfg.UseErrorScreenFallback {
				continue
			}
		case StrategyExpand, StrategyReduce:
			// Capacity changes ride the same execution path as restarts but
			// carry more risk; the risk gate in admitFix decides on them.
		}
		issue.Strategy = c.Strategy
		return c, true
	}
	return Candidate{}, false
}

// admitFix applies the budget and approval gates.
func (l *Loop) admitFix(issue *Issue, c Candidate) bool {
	if c.Strategy == StrategyEscalate {
		issue.State = StateEscalated
		l.control.Escalate(issue.ChannelID, string(issue.Class))
		return false
	}

	if c.Risk > l.cfg.RequireApprovalAboveRisk {
		issue.State = StateEscalated
		l.log.Warn().Int64("channel", issue.ChannelID).Str("strategy", string(c.Strategy)).
			Float64("risk", c.Risk).Msg("fix exceeds risk threshold, escalating")
		l.control.Escalate(issue.ChannelID, string(issue.Class))
		if l.metrics != nil {
			l.metrics.HealFixesRejected.Inc()
		}
		return false
	}

	l.mu.Lock()
	gated := time.Now().Before(l.gatedUntil)
	last, seen := l.lastFix[issue.ChannelID]
	l.mu.Unlock()

	if gated {
		l.log.Warn().Int64("channel", issue.ChannelID).Msg("self-heal gated after consecutive failures")
		if l.metrics != nil {
			l.metrics.HealFixesRejected.Inc()
		}
		return false
	}
	if seen && time.Since(last) < minFixGap {
		return false
	}
	if !l.limiter.Allow() {
		l.log.Warn().Int64("channel", issue.ChannelID).Msg("hourly fix budget exhausted")
		if l.metrics != nil {
			l.metrics.HealFixesRejected.Inc()
		}
		issue.State = StateEscalated
		l.control.Escalate(issue.ChannelID, string(issue.Class))
		return false
	}

	issue.State = StateApproved
	return true
}

// apply executes a fix with the configured timeout and feeds the outcome
// back into the failure gate.
func (l *Loop) apply(ctx context.Context, issue *Issue, c Candidate) {
	issue.State = StateInProgress
	fixCtx, cancel := context.WithTimeout(ctx, l.cfg.FixTimeout)
	defer cancel()

	var err error
	switch c.Strategy {
	case StrategyRefresh:
		err = l.control.Refresh(fixCtx, issue.ChannelID)
	case StrategyRestart, StrategyFallback, StrategyExpand:
		err = l.control.Restart(fixCtx, issue.ChannelID)
	case StrategyReduce:
		err = l.control.Reduce(fixCtx, issue.ChannelID)
	}

	l.mu.Lock()
	l.lastFix[issue.ChannelID] = time.Now()
	if err != nil {
		l.consecutive++
		if l.consecutive >= l.cfg.MaxConsecutiveFailures {
			l.gatedUntil = time.Now().Add(l.cfg.CoolDown)
			l.consecutive = 0
		}
	} else {
		l.consecutive = 0
	}
	l.mu.Unlock()

	if err != nil {
		issue.State = StateFailed
		l.log.Error().Err(err).Int64("channel", issue.ChannelID).
			Str("strategy", string(c.Strategy)).Msg("fix failed")
		return
	}
	issue.State = StateSuccess
	if l.metrics != nil {
		l.metrics.HealFixesApplied.WithLabelValues(string(c.Strategy)).Inc()
	}
	l.log.Info().Int64("channel", issue.ChannelID).Str("strategy", string(c.Strategy)).
		Str("class", string(issue.Class)).Msg("fix applied")
}

const maxRecentIssues = 100

func (l *Loop) record(issue Issue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recentIssues = append(l.recentIssues, issue)
	if len(l.recentIssues) > maxRecentIssues {
		l.recentIssues = l.recentIssues[len(l.recentIssues)-maxRecentIssues:]
	}
}
