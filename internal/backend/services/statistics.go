package services

import (
	"sync"
	"time"
)

// ExecutionStats is a point-in-time copy of the daily execution counters.
type ExecutionStats struct {
	Executions int64
	Success    int64
	Failure    int64
	MinMs      int64
	AvgMs      float64
	MaxMs      int64
	Since      time.Time
}

// Statistics keeps today's execution counters. They reset at local midnight.
type Statistics struct {
	mu    sync.Mutex
	day   time.Time
	stats ExecutionStats
	now   func() time.Time
}

func NewStatistics() *Statistics {
	s := &Statistics{now: time.Now}
	s.resetLocked(s.now())
	return s
}

func (s *Statistics) RecordExecution(success bool, durationMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()

	st := &s.stats
	st.Executions++
	if success {
		st.Success++
	} else {
		st.Failure++
	}
	if durationMs < 0 {
		durationMs = 0
	}
	if st.Executions == 1 || durationMs < st.MinMs {
		st.MinMs = durationMs
	}
	if durationMs > st.MaxMs {
		st.MaxMs = durationMs
	}
	st.AvgMs += (float64(durationMs) - st.AvgMs) / float64(st.Executions)
}

func (s *Statistics) Snapshot() ExecutionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
	return s.stats
}

// Roll resets the counters if the day has changed since the last call.
func (s *Statistics) Roll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
}

func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(s.now())
}

func (s *Statistics) rollLocked() {
	now := s.now()
	if !startOfDay(now).Equal(s.day) {
		s.resetLocked(now)
	}
}

func (s *Statistics) resetLocked(now time.Time) {
	s.day = startOfDay(now)
	s.stats = ExecutionStats{Since: s.day}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
