// Package ffmpeg owns every FFmpeg child process in the headend: the
// admission-controlled pool, per-process supervision, the argv builder, and
// stderr classification.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/exstreamtv/exstreamtv/internal/metrics"
)

// RejectReason says which budget refused a spawn.
type RejectReason string

const (
	RejectCapacity   RejectReason = "capacity"
	RejectMemory     RejectReason = "memory"
	RejectFD         RejectReason = "fd"
	RejectChannelCap RejectReason = "channel_cap"
)

// RejectedError is returned when admission refuses a spawn.
type RejectedError struct {
	Reason RejectReason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ffmpeg pool: spawn rejected (%s)", e.Reason)
}

// IsRejected extracts the rejection reason from an error chain.
func IsRejected(err error) (RejectReason, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

// defaultMemEstimate is assumed when a spawn request carries no estimate.
const defaultMemEstimate = 256 << 20

// PoolConfig carries the budgets.
type PoolConfig struct {
	FFmpegPath        string
	MaxProcesses      int
	MemoryBudgetBytes int64
	FDBudget          int
	MaxProcsPerChan   int           // current + pre-spawned next (default 2)
	MaxAge            time.Duration // graceful restart age, 0 = unlimited
	StopGrace         time.Duration
	MonitorInterval   time.Duration
	QueueTimeout      time.Duration // cap on wait=true admission blocking
}

// SpawnRequest describes one child to start.
type SpawnRequest struct {
	ChannelID   int64
	ChannelName string
	Tag         string // "current" | "next" | "fallback"
	Argv        []string
	EstMemory   int64
	// Wait blocks (up to QueueTimeout) until admission is possible instead of
	// returning RejectedError immediately.
	Wait bool
}

// Pool is the sole gatekeeper for FFmpeg children.
type Pool struct {
	cfg     PoolConfig
	log     zerolog.Logger
	metrics *metrics.Metrics
	events  chan Event

	mu     sync.Mutex
	nextID int64
	procs  map[int64]*Process
	closed bool
}

// NewPool builds the pool. events carries classified stderr lines to the
// self-healing loop.
func NewPool(cfg PoolConfig, log zerolog.Logger, m *metrics.Metrics) *Pool {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.MaxProcsPerChan <= 0 {
		cfg.MaxProcsPerChan = 2
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 10 * time.Second
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 15 * time.Second
	}
	p := &Pool{
		cfg:     cfg,
		log:     log.With().Str("component", "ffmpeg-pool").Logger(),
		metrics: m,
		events:  make(chan Event, 256),
		procs:   make(map[int64]*Process),
	}
	return p
}

// Events exposes classified stderr events for the self-healing loop.
func (p *Pool) Events() <-chan Event { return p.events }

// Active returns the number of running children.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs)
}

// ActiveForChannel counts running children tagged with the channel.
func (p *Pool) ActiveForChannel(channelID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeForChannelLocked(channelID)
}

func (p *Pool) activeForChannelLocked(channelID int64) int {
	n := 0
	for _, proc := range p.procs {
		if proc.ChannelID == channelID {
			n++
		}
	}
	return n
}

// admitLocked checks budgets; the caller holds p.mu. Returns nil on success.
func (p *Pool) admitLocked(req SpawnRequest) *RejectedError {
	if len(p.procs) >= p.cfg.MaxProcesses {
		return &RejectedError{Reason: RejectCapacity}
	}
	if req.Tag != "fallback" && p.activeForChannelLocked(req.ChannelID) >= p.cfg.MaxProcsPerChan {
		return &RejectedError{Reason: RejectChannelCap}
	}
	est := req.EstMemory
	if est <= 0 {
		est = defaultMemEstimate
	}
	var sum int64
	for _, proc := range p.procs {
		sum += proc.estMem
	}
	if sum+est > p.cfg.MemoryBudgetBytes {
		return &RejectedError{Reason: RejectMemory}
	}
	if p.cfg.FDBudget > 0 {
		open, limit, err := fdUsage()
		if err == nil && limit-open < p.cfg.FDBudget {
			return &RejectedError{Reason: RejectFD}
		}
	}
	return nil
}

func (p *Pool) countReject(reason RejectReason) {
	if p.metrics == nil {
		return
	}
	switch reason {
	case RejectMemory:
		p.metrics.SpawnRejectedMemory.Inc()
	case RejectFD:
		p.metrics.SpawnRejectedFD.Inc()
	default:
		p.metrics.SpawnRejectedCapacity.Inc()
	}
}

// TrySpawn admits and starts a child. With req.Wait, the call blocks until a
// slot frees or the queue timeout elapses.
func (p *Pool) TrySpawn(ctx context.Context, req SpawnRequest) (*Process, error) {
	deadline := time.Now().Add(p.cfg.QueueTimeout)

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New("ffmpeg pool: stopped")
		}
		rej := p.admitLocked(req)
		if rej == nil {
			break
		}
		p.mu.Unlock()
		if !req.Wait || time.Now().After(deadline) || ctx.Err() != nil {
			p.countReject(rej.Reason)
			return nil, rej
		}
		// Queued admission: poll until a slot frees or the deadline passes.
		select {
		case <-ctx.Done():
			p.countReject(rej.Reason)
			return nil, rej
		case <-time.After(100 * time.Millisecond):
		}
		p.mu.Lock()
	}

	est := req.EstMemory
	if est <= 0 {
		est = defaultMemEstimate
	}
	p.nextID++
	proc := &Process{
		ID:        p.nextID,
		ChannelID: req.ChannelID,
		Tag:       req.Tag,
		Argv:      req.Argv,
		started:   time.Now(),
		estMem:    est,
		done:      make(chan struct{}),
	}
	p.procs[proc.ID] = proc
	p.mu.Unlock()

	if err := p.start(proc); err != nil {
		p.remove(proc)
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.FFmpegProcessesActive.Set(float64(p.Active()))
	}
	p.log.Info().
		Int64("channel", req.ChannelID).
		Str("tag", req.Tag).
		Int("pid", proc.PID()).
		Msg("ffmpeg child started")
	return proc, nil
}

func (p *Pool) start(proc *Process) error {
	cmd := exec.Command(p.cfg.FFmpegPath, proc.Argv...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	proc.cmd = cmd
	proc.stdout = stdout

	go pumpStderr(proc, stderr, p.events)
	go p.reap(proc)
	return nil
}

// reap waits for the child and releases its slot.
func (p *Pool) reap(proc *Process) {
	err := proc.cmd.Wait()
	proc.setExitErr(err)
	p.remove(proc)
	if p.metrics != nil {
		p.metrics.FFmpegProcessesActive.Set(float64(p.Active()))
	}
	// Done implies the slot is already free, so a waiter woken by Done can
	// respawn without racing admission.
	close(proc.done)
	evt := p.log.Debug()
	if err != nil {
		evt = p.log.Warn().Err(err)
	}
	evt.Int64("channel", proc.ChannelID).Str("tag", proc.Tag).Int("pid", proc.PID()).
		Int64("bytes_out", proc.BytesOut()).Msg("ffmpeg child exited")
}

func (p *Pool) remove(proc *Process) {
	p.mu.Lock()
	delete(p.procs, proc.ID)
	p.mu.Unlock()
}

// Stop terminates one child and waits for it to be reaped.
func (p *Pool) Stop(proc *Process) {
	if proc == nil {
		return
	}
	proc.terminate(p.cfg.StopGrace)
	<-proc.done
}

// StopChannel terminates every child tagged with the channel and waits.
func (p *Pool) StopChannel(channelID int64) {
	p.mu.Lock()
	var victims []*Process
	for _, proc := range p.procs {
		if proc.ChannelID == channelID {
			victims = append(victims, proc)
		}
	}
	p.mu.Unlock()
	for _, proc := range victims {
		p.Stop(proc)
	}
}

// Shutdown terminates all children and refuses further spawns.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	var victims []*Process
	for _, proc := range p.procs {
		victims = append(victims, proc)
	}
	p.mu.Unlock()
	for _, proc := range victims {
		p.Stop(proc)
	}
}

// Serve periodically samples per-process CPU/RSS and enforces max age.
// Satisfies suture.Service.
func (p *Pool) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sample()
		}
	}
}

func (p *Pool) sample() {
	p.mu.Lock()
	procs := make([]*Process, 0, len(p.procs))
	for _, proc := range p.procs {
		procs = append(procs, proc)
	}
	p.mu.Unlock()

	for _, proc := range procs {
		pid := proc.PID()
		if pid == 0 || proc.Exited() {
			continue
		}
		if p.metrics != nil {
			label := fmt.Sprintf("%d", proc.ChannelID)
			if cpu, rss, err := procStats(pid); err == nil {
				p.metrics.ProcessCPUPercent.WithLabelValues(label).Set(cpu)
				p.metrics.ProcessRSSBytes.WithLabelValues(label).Set(float64(rss))
			}
		}
		if p.cfg.MaxAge > 0 && proc.Age() > p.cfg.MaxAge {
			p.log.Info().Int64("channel", proc.ChannelID).Int("pid", pid).
				Dur("age", proc.Age()).Msg("ffmpeg child exceeded max age, recycling")
			go proc.terminate(p.cfg.StopGrace)
		}
	}
}
