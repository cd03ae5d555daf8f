package ctrl

import (
	"sync"
	"sync/atomic"
	"time"
)

// keepAlive expires when a whole interval passes without admin traffic
type keepAlive struct {
	interval  time.Duration
	traffic   atomic.Bool
	onTimeout func()

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64 // bumped on every arm and stop; stale timers compare unequal
}

// newKeepAlive rounds the KATO (milliseconds) up to a multiple of unit.
// A zero KATO disables the monitor.
func newKeepAlive(kato uint32, unit time.Duration, onTimeout func()) *keepAlive {
	k := &keepAlive{onTimeout: onTimeout}
	if kato == 0 {
		return k
	}
	d := time.Duration(kato) * time.Millisecond
	k.interval = (d + unit - 1) / unit * unit
	return k
}

// touch records admin traffic for the current interval
func (k *keepAlive) touch() {
	k.traffic.Store(true)
}

// arm (re)starts the monitor
func (k *keepAlive) arm() {
	if k.interval == 0 {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.timer != nil {
		k.timer.Stop()
	}
	k.gen++
	k.traffic.Store(true)
	k.schedule(k.gen)
}

func (k *keepAlive) schedule(gen uint64) {
	k.timer = time.AfterFunc(k.interval, func() { k.fire(gen) })
}

func (k *keepAlive) fire(gen uint64) {
	k.mu.Lock()
	if gen != k.gen {
		k.mu.Unlock()
		return
	}
	if k.traffic.Swap(false) {
		k.schedule(gen)
		k.mu.Unlock()
		return
	}
	k.gen++
	k.timer = nil
	k.mu.Unlock()

	k.onTimeout()
}

// stop disarms the monitor. A timer already running fire is neutralized.
func (k *keepAlive) stop() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.gen++
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
}
