package ffmpeg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// fdUsage returns the process's open descriptor count and the soft rlimit.
func fdUsage() (open, limit int, err error) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0, 0, err
	}
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
		return 0, 0, err
	}
	lim := int(rl.Cur)
	if rl.Cur > uint64(1<<30) {
		lim = 1 << 30
	}
	return len(entries), lim, nil
}

// cpuSample remembers the previous utime+stime reading per pid so CPU% can be
// computed as a delta.
var cpuSamples = struct {
	sync.Mutex
	prev map[int]cpuSample
}{prev: make(map[int]cpuSample)}

type cpuSample struct {
	ticks uint64
	at    time.Time
}

// procStats reads CPU percent (since the previous sample) and RSS bytes for
// pid from /proc.
func procStats(pid int) (cpuPercent float64, rssBytes int64, err error) {
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	raw, err := os.ReadFile(statPath)
	if err != nil {
		return 0, 0, err
	}
	// comm may contain spaces; fields start after the closing paren.
	s := string(raw)
	closeIdx := strings.LastIndexByte(s, ')')
	if closeIdx < 0 {
		return 0, 0, fmt.Errorf("malformed %s", statPath)
	}
	fields := strings.Fields(s[closeIdx+1:])
	// Post-paren indices: utime=11, stime=12, rss=21 (pages).
	if len(fields) < 22 {
		return 0, 0, fmt.Errorf("short %s", statPath)
	}
	utime, _ := strconv.ParseUint(fields[11], 10, 64)
	stime, _ := strconv.ParseUint(fields[12], 10, 64)
	rssPages, _ := strconv.ParseInt(fields[21], 10, 64)
	rssBytes = rssPages * int64(os.Getpagesize())

	now := time.Now()
	total := utime + stime
	cpuSamples.Lock()
	prev, ok := cpuSamples.prev[pid]
	cpuSamples.prev[pid] = cpuSample{ticks: total, at: now}
	cpuSamples.Unlock()
	if !ok || now.Sub(prev.at) <= 0 || total < prev.ticks {
		return 0, rssBytes, nil
	}

	const clkTck = 100 // USER_HZ on linux
	deltaSec := float64(total-prev.ticks) / clkTck
	cpuPercent = deltaSec / now.Sub(prev.at).Seconds() * 100
	return cpuPercent, rssBytes, nil
}
