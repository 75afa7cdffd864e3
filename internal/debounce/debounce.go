// Package debounce provides keyed timers that fire once after a quiet
// period. Every Reset supersedes the previous arming of the same key;
// a superseded or cancelled arming never fires.
package debounce

import (
	"sync"
	"time"

	"collabspace/internal/clock"
)

// Group holds one timer per key, all sharing a delay and callback.
type Group struct {
	clock clock.Clock
	delay time.Duration
	fire  func(key string)

	mu      sync.Mutex
	gen     uint64
	entries map[string]*entry
}

type entry struct {
	gen   uint64
	timer *clock.Timer
}

// New returns a Group. delay must be positive.
func New(c clock.Clock, delay time.Duration, fire func(key string)) *Group {
	if delay <= 0 {
		panic("debounce: non-positive delay")
	}
	return &Group{
		clock:   c,
		delay:   delay,
		fire:    fire,
		entries: make(map[string]*entry),
	}
}

// Reset arms the timer for key, restarting it if already armed.
func (g *Group) Reset(key string) {
	g.arm(key, true)
}

// Start arms the timer for key unless it is already armed. It reports
// whether a new arming happened.
func (g *Group) Start(key string) bool {
	return g.arm(key, false)
}

func (g *Group) arm(key string, restart bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[key]; ok {
		if !restart {
			return false
		}
		e.timer.Stop()
	}
	g.gen++
	gen := g.gen
	e := &entry{gen: gen}
	e.timer = g.clock.AfterFunc(g.delay, func() { g.expire(key, gen) })
	g.entries[key] = e
	return true
}

func (g *Group) expire(key string, gen uint64) {
	g.mu.Lock()
	e, ok := g.entries[key]
	if !ok || e.gen != gen {
		g.mu.Unlock()
		return
	}
	delete(g.entries, key)
	g.mu.Unlock()

	g.fire(key)
}

// Cancel disarms key. It reports whether a timer was pending.
func (g *Group) Cancel(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(g.entries, key)
	return true
}

// Flush fires key now if it is pending.
func (g *Group) Flush(key string) bool {
	if !g.Cancel(key) {
		return false
	}
	g.fire(key)
	return true
}

// Pending reports whether key is armed.
func (g *Group) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.entries[key]
	return ok
}

// Len returns the number of armed keys.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Stop disarms every key without firing.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, e := range g.entries {
		e.timer.Stop()
		delete(g.entries, key)
	}
}
