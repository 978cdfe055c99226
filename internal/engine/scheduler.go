package engine

import "time"

// Timer is a cancellable pending callback. Stop reports whether the call
// prevented the callback from running.
type Timer = interface{ Stop() bool }

// Scheduler runs callbacks after a delay. The engine owns every timer it
// creates and cancels them on edit, formula switch and Close.
//
// Callbacks run on a goroutine chosen by the scheduler and must not block;
// the engine's callbacks only enqueue an Event for the Run loop.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// realScheduler schedules with the runtime timer heap.
type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
