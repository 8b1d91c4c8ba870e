package ffmpeg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/metrics"
	"github.com/exstreamtv/exstreamtv/internal/xlog"
)

// testPool spawns /bin/sleep instead of ffmpeg so tests exercise admission
// and supervision without a transcoder on the machine.
func testPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	cfg.FFmpegPath = "sleep"
	if cfg.MaxProcesses == 0 {
		cfg.MaxProcesses = 4
	}
	if cfg.MemoryBudgetBytes == 0 {
		cfg.MemoryBudgetBytes = 1 << 40
	}
	if cfg.QueueTimeout == 0 {
		cfg.QueueTimeout = 500 * time.Millisecond
	}
	p := NewPool(cfg, xlog.Nop(), metrics.New())
	t.Cleanup(p.Shutdown)
	return p
}

func TestSpawnAndStop(t *testing.T) {
	p := testPool(t, PoolConfig{})
	proc, err := p.TrySpawn(context.Background(), SpawnRequest{
		ChannelID: 1, Tag: "current", Argv: []string{"30"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, p.Active())
	require.NotZero(t, proc.PID())

	p.Stop(proc)
	require.True(t, proc.Exited())
	require.Equal(t, 0, p.Active())
}

func TestCapacityRejection(t *testing.T) {
	p := testPool(t, PoolConfig{MaxProcesses: 2})
	for i := int64(1); i <= 2; i++ {
		_, err := p.TrySpawn(context.Background(), SpawnRequest{ChannelID: i, Tag: "current", Argv: []string{"30"}})
		require.NoError(t, err)
	}

	_, err := p.TrySpawn(context.Background(), SpawnRequest{ChannelID: 3, Tag: "current", Argv: []string{"30"}})
	reason, ok := IsRejected(err)
	require.True(t, ok)
	require.Equal(t, RejectCapacity, reason)
}

func TestMemoryRejection(t *testing.T) {
	p := testPool(t, PoolConfig{MemoryBudgetBytes: 300 << 20})
	_, err := p.TrySpawn(context.Background(), SpawnRequest{ChannelID: 1, Tag: "current", Argv: []string{"30"}})
	require.NoError(t, err)

	_, err = p.TrySpawn(context.Background(), SpawnRequest{ChannelID: 2, Tag: "current", Argv: []string{"30"}})
	reason, ok := IsRejected(err)
	require.True(t, ok)
	require.Equal(t, RejectMemory, reason)
}

func TestChannelCapRejection(t *testing.T) {
	p := testPool(t, PoolConfig{MaxProcsPerChan: 2})
	for _, tag := range []string{"current", "next"} {
		_, err := p.TrySpawn(context.Background(), SpawnRequest{ChannelID: 7, Tag: tag, Argv: []string{"30"}})
		require.NoError(t, err)
	}
	_, err := p.TrySpawn(context.Background(), SpawnRequest{ChannelID: 7, Tag: "next", Argv: []string{"30"}})
	reason, ok := IsRejected(err)
	require.True(t, ok)
	require.Equal(t, RejectChannelCap, reason)
}

func TestWaitAdmissionSucceedsWhenSlotFrees(t *testing.T) {
	p := testPool(t, PoolConfig{MaxProcesses: 1, QueueTimeout: 5 * time.Second})
	first, err := p.TrySpawn(context.Background(), SpawnRequest{ChannelID: 1, Tag: "current", Argv: []string{"30"}})
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		p.Stop(first)
	}()

	second, err := p.TrySpawn(context.Background(), SpawnRequest{
		ChannelID: 2, Tag: "current", Argv: []string{"30"}, Wait: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), second.ChannelID)
}

func TestStopChannelLeavesNoChildren(t *testing.T) {
	p := testPool(t, PoolConfig{})
	for _, tag := range []string{"current", "next"} {
		_, err := p.TrySpawn(context.Background(), SpawnRequest{ChannelID: 9, Tag: tag, Argv: []string{"30"}})
		require.NoError(t, err)
	}
	_, err := p.TrySpawn(context.Background(), SpawnRequest{ChannelID: 10, Tag: "current", Argv: []string{"30"}})
	require.NoError(t, err)

	p.StopChannel(9)
	require.Equal(t, 0, p.ActiveForChannel(9))
	require.Equal(t, 1, p.ActiveForChannel(10))
}

func TestNaturalExitFreesSlot(t *testing.T) {
	p := testPool(t, PoolConfig{})
	proc, err := p.TrySpawn(context.Background(), SpawnRequest{ChannelID: 1, Tag: "current", Argv: []string{"0.1"}})
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child never reaped")
	}
	require.NoError(t, proc.ExitErr())
	require.Equal(t, 0, p.Active())
}
