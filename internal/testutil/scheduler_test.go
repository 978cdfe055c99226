package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeScheduler_FiresInDeadlineOrder(t *testing.T) {
	s := NewFakeScheduler(epoch)
	var order []string

	s.AfterFunc(300*time.Millisecond, func() { order = append(order, "slow") })
	s.AfterFunc(100*time.Millisecond, func() { order = append(order, "fast") })
	s.AfterFunc(100*time.Millisecond, func() { order = append(order, "fast-2") })

	s.Advance(99 * time.Millisecond)
	assert.Empty(t, order)

	s.Advance(time.Second)
	assert.Equal(t, []string{"fast", "fast-2", "slow"}, order)
	assert.Equal(t, epoch.Add(1099*time.Millisecond), s.Now())
	assert.Equal(t, 0, s.Pending())
}

func TestFakeScheduler_Stop(t *testing.T) {
	s := NewFakeScheduler(epoch)
	fired := false
	timer := s.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop is a no-op")

	s.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestFakeScheduler_CallbackMaySchedule(t *testing.T) {
	s := NewFakeScheduler(epoch)
	count := 0
	s.AfterFunc(10*time.Millisecond, func() {
		count++
		s.AfterFunc(10*time.Millisecond, func() { count++ })
	})

	s.Advance(15 * time.Millisecond)
	assert.Equal(t, 1, count)
	s.Advance(5 * time.Millisecond)
	assert.Equal(t, 2, count)
}

func TestFakeTimer_StopAfterFire(t *testing.T) {
	s := NewFakeScheduler(epoch)
	timer := s.AfterFunc(time.Millisecond, func() {})
	s.Advance(time.Millisecond)
	assert.False(t, timer.Stop())
}
