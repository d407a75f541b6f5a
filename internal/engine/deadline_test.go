package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeadlineFiresPreemptively(t *testing.T) {
	var fired atomic.Bool
	d := StartDeadline(30*time.Millisecond, 10*time.Millisecond, func() { fired.Store(true) })
	defer d.Clear()

	assert.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
	assert.True(t, d.Preempted())
}

func TestDeadlineClearedBeforeFiring(t *testing.T) {
	var fired atomic.Bool
	d := StartDeadline(40*time.Millisecond, 0, func() { fired.Store(true) })
	d.Clear()
	d.Clear() // idempotent

	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.False(t, d.Preempted())
}
