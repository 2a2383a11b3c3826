package server

import "time"

// Ticker drives the fixed-rate simulation step for every room known to a
// Registry. A single shared time.Ticker fires at the nominal tick rate;
// each firing enqueues one Tick command per room (rooms not PLAYING treat
// it as a no-op). If a firing would overlap the previous one because a
// room's command loop is still draining, the new tick simply queues
// behind it — ticks for a given room never run concurrently with
// themselves, and one slow room cannot desynchronize another's cadence.
type Ticker struct {
	registry *Registry
	interval time.Duration
	dt       float64

	stop chan struct{}
	done chan struct{}
}

// NewTicker builds a Ticker for tickRate ticks per second (rounded to
// integer milliseconds, matching the reference server).
func NewTicker(registry *Registry, tickRate int) *Ticker {
	if tickRate <= 0 {
		tickRate = 20
	}
	return &Ticker{
		registry: registry,
		interval: time.Duration((1000+tickRate/2)/tickRate) * time.Millisecond,
		dt:       1.0 / float64(tickRate),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, firing the tick loop until Stop is called. Call it from its
// own goroutine.
func (t *Ticker) Run() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.fire()
		case <-t.stop:
			return
		}
	}
}

func (t *Ticker) fire() {
	for _, room := range t.registry.All() {
		room.Tick(t.dt)
	}
}

// Stop ends the tick loop and waits for Run to return.
func (t *Ticker) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	<-t.done
}
