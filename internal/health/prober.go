// Package health periodically probes running instances over HTTP and feeds
// the results back into the store's probe hysteresis.
package health

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/longhouse-sh/control-plane/internal/clock"
	"github.com/longhouse-sh/control-plane/internal/events"
	"github.com/longhouse-sh/control-plane/internal/logging"
	"github.com/longhouse-sh/control-plane/internal/metrics"
	"github.com/longhouse-sh/control-plane/internal/store"
)

const (
	probeTimeout = 5 * time.Second
	probePath    = "/api/health"
)

// InstanceStore is the slice of the store the prober needs.
type InstanceStore interface {
	ListLiveInstances() ([]store.Instance, error)
	RecordProbe(id string, ok bool, threshold int) (store.ObservedState, bool, error)
}

// AddressResolver resolves a container ID to a routable IP on the
// instance network.
type AddressResolver interface {
	IP(ctx context.Context, containerID string) (string, error)
}

// Prober sweeps live instances at a fixed cadence and records probe results.
type Prober struct {
	store   InstanceStore
	runtime AddressResolver
	client  *http.Client
	clock   clock.Clock
	log     *logging.Logger
	bus     *events.Bus
	enqueue func(instanceID string)

	interval  time.Duration
	threshold int
	port      int
}

// NewProber creates a Prober. enqueue is called with an instance ID when a
// probe flips that instance's observed state.
func NewProber(st InstanceStore, rt AddressResolver, clk clock.Clock, log *logging.Logger, bus *events.Bus, enqueue func(string), interval time.Duration, threshold, port int) *Prober {
	if enqueue == nil {
		enqueue = func(string) {}
	}
	return &Prober{
		store:     st,
		runtime:   rt,
		client:    &http.Client{Timeout: probeTimeout},
		clock:     clk,
		log:       log,
		bus:       bus,
		enqueue:   enqueue,
		interval:  interval,
		threshold: threshold,
		port:      port,
	}
}

// Run starts the probe loop. Exits when ctx is cancelled. A small jitter is
// added to each wait so probes don't align with other periodic work.
func (p *Prober) Run(ctx context.Context) error {
	for {
		select {
		case <-p.clock.After(p.interval + p.jitter()):
			p.Sweep(ctx)
		case <-ctx.Done():
			p.log.Info("prober stopped")
			return nil
		}
	}
}

func (p *Prober) jitter() time.Duration {
	span := int64(p.interval / 10)
	if span <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(span))
}

// Sweep probes every live instance once.
func (p *Prober) Sweep(ctx context.Context) {
	instances, err := p.store.ListLiveInstances()
	if err != nil {
		p.log.Error("prober: list instances", "error", err)
		return
	}

	for _, inst := range instances {
		if ctx.Err() != nil {
			return
		}
		p.probeOne(ctx, inst)
	}
}

// probeOne probes a single instance and records the result. Instances the
// reconciler is still mid-mutation on (creating, stopping, failed, absent)
// are left alone.
func (p *Prober) probeOne(ctx context.Context, inst store.Instance) {
	switch inst.ObservedState {
	case store.ObservedStarting, store.ObservedHealthy, store.ObservedUnhealthy:
	default:
		return
	}
	if inst.ContainerID == "" {
		return
	}

	ok := p.check(ctx, inst.ContainerID)
	if ok {
		metrics.ProbeResults.WithLabelValues("ok").Inc()
	} else {
		metrics.ProbeResults.WithLabelValues("fail").Inc()
	}

	state, changed, err := p.store.RecordProbe(inst.ID, ok, p.threshold)
	if err != nil {
		p.log.Error("prober: record probe", "subdomain", inst.Subdomain, "error", err)
		return
	}
	if !changed {
		return
	}

	p.log.Info("probe flipped instance state",
		"subdomain", inst.Subdomain, "from", inst.ObservedState, "to", state)
	if p.bus != nil {
		p.bus.Publish(events.SSEEvent{
			Type:      events.EventInstanceHealth,
			Subdomain: inst.Subdomain,
			Message:   fmt.Sprintf("health: %s -> %s", inst.ObservedState, state),
			Timestamp: p.clock.Now(),
		})
	}
	p.enqueue(inst.ID)
}

// check performs one HTTP GET against the instance's health endpoint.
func (p *Prober) check(ctx context.Context, containerID string) bool {
	ip, err := p.runtime.IP(ctx, containerID)
	if err != nil || ip == "" {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d%s", ip, p.port, probePath)
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
