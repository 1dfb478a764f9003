package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatisticsMinAvgMax(t *testing.T) {
	clock := newTestClock()
	s := NewStatistics()
	s.now = clock.Now
	s.Reset()

	s.RecordExecution(true, 100)
	s.RecordExecution(false, 300)
	s.RecordExecution(true, 50)

	snap := s.Snapshot()
	assert.Equal(t, int64(3), snap.Executions)
	assert.Equal(t, int64(2), snap.Success)
	assert.Equal(t, int64(1), snap.Failure)
	assert.Equal(t, int64(50), snap.MinMs)
	assert.Equal(t, int64(300), snap.MaxMs)
	assert.InDelta(t, 150, snap.AvgMs, 0.001)
}

func TestStatisticsRollOverAtMidnight(t *testing.T) {
	clock := newTestClock()
	s := NewStatistics()
	s.now = clock.Now
	s.Reset()

	s.RecordExecution(true, 10)
	clock.Advance(11 * time.Hour)
	assert.Equal(t, int64(1), s.Snapshot().Executions)

	clock.Advance(time.Hour)
	s.Roll()
	snap := s.Snapshot()
	assert.Zero(t, snap.Executions)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), snap.Since)
}
