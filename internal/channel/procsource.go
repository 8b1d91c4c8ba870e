package channel

import (
	"context"
	"io"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/ffmpeg"
)

// Child is the slice of an FFmpeg process the stream supervisor needs.
// *ffmpeg.Process satisfies it; tests script their own.
type Child interface {
	Stdout() io.ReadCloser
	NoteOutput(n int)
	FirstByteSeen() bool
	SinceLastOutput() time.Duration
	Done() <-chan struct{}
	ExitErr() error
	PID() int
}

// ProcSource spawns and stops children. The production implementation is the
// admission-controlled FFmpeg pool.
type ProcSource interface {
	Spawn(ctx context.Context, req ffmpeg.SpawnRequest) (Child, error)
	Stop(c Child)
}

// PoolSource adapts *ffmpeg.Pool to ProcSource.
type PoolSource struct {
	Pool *ffmpeg.Pool
}

func (p PoolSource) Spawn(ctx context.Context, req ffmpeg.SpawnRequest) (Child, error) {
	proc, err := p.Pool.TrySpawn(ctx, req)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func (p PoolSource) Stop(c Child) {
	if proc, ok := c.(*ffmpeg.Process); ok {
		p.Pool.Stop(proc)
	}
}
