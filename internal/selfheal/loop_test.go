package selfheal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/ffmpeg"
	"github.com/exstreamtv/exstreamtv/internal/metrics"
	"github.com/exstreamtv/exstreamtv/internal/xlog"
)

type fakeControl struct {
	mu         sync.Mutex
	restarts   []int64
	refreshes  []int64
	reduces    []int64
	escalated  []int64
	restartErr error
}

func (f *fakeControl) Restart(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, id)
	return f.restartErr
}
func (f *fakeControl) Refresh(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = append(f.refreshes, id)
	return nil
}
func (f *fakeControl) Reduce(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reduces = append(f.reduces, id)
	return nil
}
func (f *fakeControl) Escalate(id int64, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, id)
}

func (f *fakeControl) counts() (restarts, refreshes, reduces, escalated int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts), len(f.refreshes), len(f.reduces), len(f.escalated)
}

func newLoop(control Controller, cfg Config) *Loop {
	cfg.Enabled = true
	if cfg.MaxAutoFixesPerHour == 0 {
		cfg.MaxAutoFixesPerHour = 100
	}
	if cfg.RequireApprovalAboveRisk == 0 {
		cfg.RequireApprovalAboveRisk = 0.7
	}
	return New(cfg, nil, control, xlog.Nop(), metrics.New())
}

func event(chID int64, class ffmpeg.IssueClass, sev ffmpeg.Severity) ffmpeg.Event {
	return ffmpeg.Event{ChannelID: chID, Class: class, Severity: sev, At: time.Now().UTC()}
}

func TestHTTPErrorTriggersRefresh(t *testing.T) {
	control := &fakeControl{}
	l := newLoop(control, Config{})

	l.handle(context.Background(), event(1, ffmpeg.IssueHTTPError, ffmpeg.SeverityError))
	_, refreshes, _, _ := control.counts()
	require.Equal(t, 1, refreshes)

	issues := l.Issues()
	require.Len(t, issues, 1)
	require.Equal(t, StateSuccess, issues[0].State)
	require.Equal(t, StrategyRefresh, issues[0].Strategy)
}

func TestWarningsDoNotTriggerFixes(t *testing.T) {
	control := &fakeControl{}
	l := newLoop(control, Config{})

	l.handle(context.Background(), event(1, ffmpeg.IssueDecoderError, ffmpeg.SeverityWarning))
	restarts, refreshes, reduces, escalated := control.counts()
	require.Zero(t, restarts+refreshes+reduces+escalated)
}

func TestPermissionErrorEscalates(t *testing.T) {
	control := &fakeControl{}
	l := newLoop(control, Config{})

	l.handle(context.Background(), event(2, ffmpeg.IssuePermissionError, ffmpeg.SeverityCritical))
	restarts, _, _, escalated := control.counts()
	require.Zero(t, restarts)
	require.Equal(t, 1, escalated)

	issues := l.Issues()
	require.Equal(t, StateEscalated, issues[len(issues)-1].State)
}

func TestRiskyFixRequiresApproval(t *testing.T) {
	control := &fakeControl{}
	l := newLoop(control, Config{RequireApprovalAboveRisk: 0.4})

	// Hardware errors lead with REDUCE (risk 0.5 > 0.4) → escalate.
	l.handle(context.Background(), event(3, ffmpeg.IssueHardwareError, ffmpeg.SeverityCritical))
	_, _, reduces, escalated := control.counts()
	require.Zero(t, reduces)
	require.Equal(t, 1, escalated)
}

func TestHourlyBudgetGatesFixes(t *testing.T) {
	control := &fakeControl{}
	l := newLoop(control, Config{MaxAutoFixesPerHour: 2})

	for i := int64(1); i <= 4; i++ {
		l.handle(context.Background(), event(i, ffmpeg.IssueHTTPError, ffmpeg.SeverityError))
	}
	_, refreshes, _, escalated := control.counts()
	require.Equal(t, 2, refreshes)
	require.Equal(t, 2, escalated)
}

func TestMinFixGapPerChannel(t *testing.T) {
	control := &fakeControl{}
	l := newLoop(control, Config{})

	l.handle(context.Background(), event(1, ffmpeg.IssueHTTPError, ffmpeg.SeverityError))
	l.handle(context.Background(), event(1, ffmpeg.IssueHTTPError, ffmpeg.SeverityError))
	_, refreshes, _, _ := control.counts()
	require.Equal(t, 1, refreshes, "second fix within the gap must be suppressed")
}

func TestConsecutiveFailuresGateLoop(t *testing.T) {
	control := &fakeControl{restartErr: errors.New("restart failed")}
	l := newLoop(control, Config{MaxConsecutiveFailures: 2})

	// IO errors fix via restart, which always fails here. Use distinct
	// channels to dodge the per-channel gap.
	l.handle(context.Background(), event(1, ffmpeg.IssueIOError, ffmpeg.SeverityError))
	l.handle(context.Background(), event(2, ffmpeg.IssueIOError, ffmpeg.SeverityError))

	// Gate is now active: the next fix is rejected without a control call.
	l.handle(context.Background(), event(3, ffmpeg.IssueIOError, ffmpeg.SeverityError))
	restarts, _, _, _ := control.counts()
	require.Equal(t, 2, restarts)
}

func TestPatternDetectorTrips(t *testing.T) {
	d := NewPatternDetector(10*time.Minute, 3)
	ev := event(5, ffmpeg.IssueHTTPError, ffmpeg.SeverityError)

	_, tripped := d.Observe(ev)
	require.False(t, tripped)
	_, tripped = d.Observe(ev)
	require.False(t, tripped)
	p, tripped := d.Observe(ev)
	require.True(t, tripped)
	require.Equal(t, "repeated_url_expiration", p.Name)
	require.Equal(t, 3, p.Count)
}

func TestPatternDetectorWindowExpiry(t *testing.T) {
	d := NewPatternDetector(time.Minute, 2)
	old := ffmpeg.Event{ChannelID: 1, Class: ffmpeg.IssueIOError, At: time.Now().Add(-2 * time.Minute)}
	fresh := ffmpeg.Event{ChannelID: 1, Class: ffmpeg.IssueIOError, At: time.Now()}

	_, tripped := d.Observe(old)
	require.False(t, tripped)
	_, tripped = d.Observe(fresh)
	require.False(t, tripped, "expired events must not count toward the threshold")
}
