package handoff

import (
	"sync"
	"time"

	"github.com/ashureev/handoffd/internal/clock"
)

// escalationTimers tracks one pending SLA timer per session, tagged with the
// trigger time of the escalation it belongs to.
type escalationTimers struct {
	clock  clock.Clock
	mu     sync.Mutex
	timers map[string]*armedTimer
}

type armedTimer struct {
	triggeredAt time.Time
	timer       *clock.Timer
}

func newEscalationTimers(clk clock.Clock) *escalationTimers {
	return &escalationTimers{clock: clk, timers: make(map[string]*armedTimer)}
}

// arm schedules fire after d unless a timer for the same trigger is already
// pending. A timer for an older trigger is replaced.
func (e *escalationTimers) arm(name string, triggeredAt time.Time, d time.Duration, fire func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.timers[name]; ok {
		if cur.triggeredAt.Equal(triggeredAt) {
			return
		}
		cur.timer.Stop()
	}
	e.timers[name] = &armedTimer{
		triggeredAt: triggeredAt,
		timer:       e.clock.AfterFunc(d, fire),
	}
}

// cancel stops and forgets the timer for name, if any.
func (e *escalationTimers) cancel(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.timers[name]; ok {
		cur.timer.Stop()
		delete(e.timers, name)
	}
}

// forget drops the entry for name if it still belongs to triggeredAt. Fired
// timers call it before acting.
func (e *escalationTimers) forget(name string, triggeredAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.timers[name]; ok && cur.triggeredAt.Equal(triggeredAt) {
		delete(e.timers, name)
	}
}

func (e *escalationTimers) armed(name string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.timers[name]
	if !ok {
		return time.Time{}, false
	}
	return cur.triggeredAt, true
}

func (e *escalationTimers) stopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cur := range e.timers {
		cur.timer.Stop()
		delete(e.timers, name)
	}
}

func (e *escalationTimers) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}
