// Package proc reads per-service process statistics from /proc for
// status reporting.
package proc

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Stats is one sample of a running service's process.
type Stats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   int64   `json:"memory_mb"`
	State      string  `json:"state"`
	Threads    int     `json:"threads"`
}

type cpuSample struct {
	jiffies uint64
	at      time.Time
}

// Sampler computes CPU percentage between successive samples of the
// same pid.
type Sampler struct {
	prev map[int]cpuSample
}

func NewSampler() *Sampler {
	return &Sampler{prev: map[int]cpuSample{}}
}

// Sample reads /proc/<pid>/stat. The first sample of a pid reports zero
// CPU; later samples report usage since the previous one.
func (s *Sampler) Sample(pid int) (*Stats, error) {
	if pid <= 0 {
		return nil, errors.New("invalid pid")
	}
	ps, err := readProcStat(pid)
	if err != nil {
		return nil, err
	}

	pageSize := int64(os.Getpagesize())
	stats := &Stats{
		PID:      pid,
		MemoryMB: ps.rss * pageSize / (1024 * 1024),
		State:    string(ps.state),
		Threads:  ps.threads,
	}

	now := time.Now()
	total := ps.utime + ps.stime
	if prev, ok := s.prev[pid]; ok {
		elapsed := now.Sub(prev.at).Seconds()
		if elapsed > 0 && total >= prev.jiffies {
			// Jiffies to seconds at the standard 100 Hz.
			stats.CPUPercent = float64(total-prev.jiffies) / 100.0 / elapsed * 100.0
		}
	}
	s.prev[pid] = cpuSample{jiffies: total, at: now}
	return stats, nil
}

// Forget drops samples for pids no longer tracked.
func (s *Sampler) Forget(activePIDs []int) {
	active := map[int]bool{}
	for _, pid := range activePIDs {
		active[pid] = true
	}
	for pid := range s.prev {
		if !active[pid] {
			delete(s.prev, pid)
		}
	}
}

type procStat struct {
	state   byte
	utime   uint64
	stime   uint64
	threads int
	rss     int64
}

// readProcStat parses /proc/<pid>/stat. The comm field may contain
// spaces and parentheses, so fields are counted from the last ')'.
func readProcStat(pid int) (*procStat, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return nil, errors.Wrap(err, "read stat file")
	}
	content := string(data)
	closeParen := strings.LastIndex(content, ")")
	if closeParen < 0 {
		return nil, errors.New("malformed stat file")
	}
	fields := strings.Fields(strings.TrimSpace(content[closeParen+1:]))
	if len(fields) < 22 {
		return nil, errors.Errorf("malformed stat file: %d fields", len(fields))
	}

	ps := &procStat{state: fields[0][0]}
	if ps.utime, err = strconv.ParseUint(fields[11], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse utime")
	}
	if ps.stime, err = strconv.ParseUint(fields[12], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse stime")
	}
	if ps.threads, err = strconv.Atoi(fields[17]); err != nil {
		return nil, errors.Wrap(err, "parse num_threads")
	}
	if ps.rss, err = strconv.ParseInt(fields[21], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse rss")
	}
	return ps, nil
}
