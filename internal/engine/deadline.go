package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// Deadline aborts a stream shortly before the host's hard execution limit so
// cleanup can finish inside the budget. A preemptive abort is distinguishable
// from a user abort downstream: the work was cut short by the platform, not
// chosen, so it still gets a real finish reason.
type Deadline struct {
	timer     *time.Timer
	preempted atomic.Bool
	clear     sync.Once
}

// StartDeadline schedules abort to run at hostMax minus safetyBuffer.
func StartDeadline(hostMax, safetyBuffer time.Duration, abort func()) *Deadline {
	d := &Deadline{}
	fire := hostMax - safetyBuffer
	if fire <= 0 {
		fire = time.Millisecond
	}
	d.timer = time.AfterFunc(fire, func() {
		d.preempted.Store(true)
		abort()
	})
	return d
}

// Clear stops the timer. Must run on every completion path so a dangling
// abort cannot fire after the response is already out. Idempotent.
func (d *Deadline) Clear() {
	d.clear.Do(func() { d.timer.Stop() })
}

// Preempted reports whether the abort that fired came from this timer.
func (d *Deadline) Preempted() bool {
	return d.preempted.Load()
}
