package relay

// sweeper.go implements the reliability sweep: a recurring timer that
// re-publishes the full registry snapshot to admin consoles, healing state
// drift from events lost to transient network issues. It is not required
// for correctness of any single operation, only for eventual convergence of
// admin-observed state with actual registry state, bounded by one interval.

import (
	"log"
	"sync"
	"time"
)

// sweeper periodically calls NotifyAdmins while the registry is non-empty.
// Sweeps run sequentially from one goroutine, so a sweep never overlaps
// itself, and NotifyAdmins takes the same registry lock as connection-driven
// operations, so a sweep never observes a torn snapshot.
type sweeper struct {
	server   *Server
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	started  bool
}

func newSweeper(s *Server, interval time.Duration) *sweeper {
	return &sweeper{
		server:   s,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// start launches the sweep loop. Safe to call more than once.
func (sw *sweeper) start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.started {
		return
	}
	sw.started = true

	log.Printf("relay: registry sweep every %s", sw.interval)
	go sw.run()
}

func (sw *sweeper) run() {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.done:
			return
		case <-ticker.C:
			// An empty registry means nobody is online and nobody is
			// listening; publishing would be churn.
			if sw.server.registry.Len() == 0 {
				continue
			}
			sw.server.NotifyAdmins()
		}
	}
}

// stop halts the sweep loop. Safe to call more than once.
func (sw *sweeper) stop() {
	sw.stopOnce.Do(func() {
		close(sw.done)
	})
}
