package reconciler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/longhouse-sh/control-plane/internal/events"
	"github.com/longhouse-sh/control-plane/internal/logging"
	"github.com/longhouse-sh/control-plane/internal/metrics"
	"github.com/longhouse-sh/control-plane/internal/store"
)

// observedStates is every gauge bucket the sweep publishes, so states with
// zero instances still report.
var observedStates = []store.ObservedState{
	store.ObservedAbsent, store.ObservedCreating, store.ObservedStarting,
	store.ObservedHealthy, store.ObservedUnhealthy, store.ObservedStopping,
	store.ObservedFailed,
}

// Sweeper periodically re-enqueues every unconverged instance, catching
// drift that produced no trigger (lost enqueues, external container
// changes, crashes between mutation and commit).
type Sweeper struct {
	store   Store
	pool    *Pool
	log     *logging.Logger
	bus     *events.Bus
	cron    *cron.Cron
	clockFn func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(st Store, pool *Pool, log *logging.Logger, bus *events.Bus) *Sweeper {
	return &Sweeper{
		store:   st,
		pool:    pool,
		log:     log,
		bus:     bus,
		clockFn: time.Now,
	}
}

// Start schedules the sweep at the given interval.
func (s *Sweeper) Start(interval time.Duration) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.Sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep enqueues every unconverged instance and refreshes the state gauges.
func (s *Sweeper) Sweep() {
	unconverged, err := s.store.ListUnconverged()
	if err != nil {
		s.log.Error("sweep: list unconverged", "error", err)
		return
	}
	for _, inst := range unconverged {
		s.pool.Enqueue(inst.ID)
	}

	s.publishGauges()

	if len(unconverged) > 0 {
		s.log.Info("sweep enqueued unconverged instances", "count", len(unconverged))
	}
	if s.bus != nil {
		s.bus.Publish(events.SSEEvent{
			Type:      events.EventSweepComplete,
			Message:   fmt.Sprintf("%d unconverged", len(unconverged)),
			Timestamp: s.clockFn().UTC(),
		})
	}
}

func (s *Sweeper) publishGauges() {
	all, err := s.store.ListInstances()
	if err != nil {
		s.log.Error("sweep: list instances", "error", err)
		return
	}
	counts := make(map[store.ObservedState]int)
	for _, inst := range all {
		counts[inst.ObservedState]++
	}
	for _, state := range observedStates {
		metrics.InstancesByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
