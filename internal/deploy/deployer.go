// Package deploy rolls a new instance image across the fleet in bounded
// batches, pausing when too many instances fail to converge.
package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/longhouse-sh/control-plane/internal/clock"
	"github.com/longhouse-sh/control-plane/internal/events"
	"github.com/longhouse-sh/control-plane/internal/logging"
	"github.com/longhouse-sh/control-plane/internal/metrics"
	"github.com/longhouse-sh/control-plane/internal/store"
)

const (
	defaultConvergeTimeout = 5 * time.Minute
	defaultPollInterval    = 2 * time.Second
)

// Store is the slice of the relational store the deployer uses.
type Store interface {
	ListLiveInstances() ([]store.Instance, error)
	GetInstance(id string) (*store.Instance, error)
	SetTargetImage(id, imageRef, actor string) error
	CreateDeployment(d *store.Deployment) error
	GetDeployment(id string) (*store.Deployment, error)
	UpdateDeploymentProgress(id string, status store.DeploymentStatus, failureCount, completed int) error
	SetDeploymentTotal(id string, total int) error
}

// Puller pre-fetches the rollout image so every batch starts warm.
type Puller interface {
	Pull(ctx context.Context, imageRef string) error
}

// Deployer executes rolling deployments. Retargeting an instance and
// waiting for the reconciler to converge it is the whole mechanism; the
// deployer itself never touches the runtime beyond the pre-pull.
type Deployer struct {
	store   Store
	puller  Puller
	enqueue func(instanceID string)
	clock   clock.Clock
	log     *logging.Logger
	bus     *events.Bus

	convergeTimeout time.Duration
	pollInterval    time.Duration

	mu      sync.Mutex
	running bool
}

// New creates a Deployer.
func New(st Store, puller Puller, enqueue func(string), clk clock.Clock, log *logging.Logger, bus *events.Bus) *Deployer {
	if enqueue == nil {
		enqueue = func(string) {}
	}
	return &Deployer{
		store:           st,
		puller:          puller,
		enqueue:         enqueue,
		clock:           clk,
		log:             log,
		bus:             bus,
		convergeTimeout: defaultConvergeTimeout,
		pollInterval:    defaultPollInterval,
	}
}

// Start records a new deployment and runs it in the background. At most one
// deployment runs at a time.
func (d *Deployer) Start(ctx context.Context, imageRef string, maxParallel, failureThreshold int) (*store.Deployment, error) {
	if imageRef == "" {
		return nil, fmt.Errorf("deployment needs an image ref")
	}
	if maxParallel < 1 {
		maxParallel = 1
	}
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil, fmt.Errorf("a deployment is already in progress")
	}
	d.running = true
	d.mu.Unlock()

	dep := &store.Deployment{
		ID:               uuid.NewString(),
		ImageRef:         imageRef,
		Status:           store.DeployPending,
		MaxParallel:      maxParallel,
		FailureThreshold: failureThreshold,
	}
	if err := d.store.CreateDeployment(dep); err != nil {
		d.clearRunning()
		return nil, err
	}

	go func() {
		defer d.clearRunning()
		d.run(ctx, dep)
	}()
	return dep, nil
}

func (d *Deployer) clearRunning() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Deployer) run(ctx context.Context, dep *store.Deployment) {
	d.log.Info("deployment started", "deployment", dep.ID, "image", dep.ImageRef)

	// Pre-pull once so per-instance creates don't each pay the fetch.
	if err := d.puller.Pull(ctx, dep.ImageRef); err != nil {
		d.log.Error("deployment pre-pull failed", "deployment", dep.ID, "error", err)
		d.finish(dep, store.DeployFailed, 0, 0)
		return
	}

	instances, err := d.store.ListLiveInstances()
	if err != nil {
		d.log.Error("deployment: list instances", "deployment", dep.ID, "error", err)
		d.finish(dep, store.DeployFailed, 0, 0)
		return
	}

	// Instances already converged on the target image need no work.
	var todo []store.Instance
	completed := 0
	for _, inst := range instances {
		if inst.ImageRef == dep.ImageRef && inst.ObservedState == store.ObservedHealthy {
			completed++
			continue
		}
		todo = append(todo, inst)
	}
	if err := d.store.SetDeploymentTotal(dep.ID, len(instances)); err != nil {
		d.log.Error("deployment: set total", "deployment", dep.ID, "error", err)
	}

	failures := 0
	_ = d.store.UpdateDeploymentProgress(dep.ID, store.DeployInProgress, failures, completed)

	for start := 0; start < len(todo); start += dep.MaxParallel {
		if ctx.Err() != nil {
			d.finish(dep, store.DeployPaused, failures, completed)
			return
		}

		end := start + dep.MaxParallel
		if end > len(todo) {
			end = len(todo)
		}
		batch := todo[start:end]

		ok := d.rollBatch(ctx, dep, batch)
		completed += ok
		failures += len(batch) - ok
		_ = d.store.UpdateDeploymentProgress(dep.ID, store.DeployInProgress, failures, completed)

		if failures >= dep.FailureThreshold {
			d.log.Error("deployment paused at failure threshold",
				"deployment", dep.ID, "failures", failures)
			d.finish(dep, store.DeployPaused, failures, completed)
			return
		}
	}

	d.finish(dep, store.DeployCompleted, failures, completed)
}

// rollBatch retargets a batch and waits for every instance to converge.
// Returns how many reached healthy on the new image; the rest are rolled
// back to their last healthy image.
func (d *Deployer) rollBatch(ctx context.Context, dep *store.Deployment, batch []store.Instance) int {
	var wg sync.WaitGroup
	results := make([]bool, len(batch))

	for i, inst := range batch {
		wg.Add(1)
		go func(i int, inst store.Instance) {
			defer wg.Done()
			results[i] = d.rollOne(ctx, dep, inst)
		}(i, inst)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r {
			ok++
		}
	}
	return ok
}

func (d *Deployer) rollOne(ctx context.Context, dep *store.Deployment, inst store.Instance) bool {
	if err := d.store.SetTargetImage(inst.ID, dep.ImageRef, "deployer"); err != nil {
		d.log.Error("deployment: retarget", "subdomain", inst.Subdomain, "error", err)
		return false
	}
	d.enqueue(inst.ID)

	if d.waitConverged(ctx, inst.ID, dep.ImageRef) {
		d.publish(dep, inst.Subdomain, "updated")
		return true
	}

	// Converge failed; roll the instance back to its last healthy image.
	if inst.LastHealthyRef != "" && inst.LastHealthyRef != dep.ImageRef {
		d.log.Warn("deployment rolling instance back",
			"subdomain", inst.Subdomain, "image", inst.LastHealthyRef)
		if err := d.store.SetTargetImage(inst.ID, inst.LastHealthyRef, "deployer"); err != nil {
			d.log.Error("deployment: rollback", "subdomain", inst.Subdomain, "error", err)
		} else {
			d.enqueue(inst.ID)
		}
	}
	d.publish(dep, inst.Subdomain, "update failed")
	return false
}

// waitConverged polls until the instance reports healthy on the target
// image, it lands in failed, or the timeout expires.
func (d *Deployer) waitConverged(ctx context.Context, instanceID, imageRef string) bool {
	deadline := d.clock.Now().Add(d.convergeTimeout)
	for {
		inst, err := d.store.GetInstance(instanceID)
		if err == nil {
			if inst.ObservedState == store.ObservedHealthy && inst.ImageRef == imageRef {
				return true
			}
			if inst.ObservedState == store.ObservedFailed {
				return false
			}
		}
		if d.clock.Now().After(deadline) {
			return false
		}
		select {
		case <-d.clock.After(d.pollInterval):
		case <-ctx.Done():
			return false
		}
	}
}

func (d *Deployer) finish(dep *store.Deployment, status store.DeploymentStatus, failures, completed int) {
	if err := d.store.UpdateDeploymentProgress(dep.ID, status, failures, completed); err != nil {
		d.log.Error("deployment: final update", "deployment", dep.ID, "error", err)
	}
	metrics.DeploymentsTotal.WithLabelValues(string(status)).Inc()
	d.log.Info("deployment finished",
		"deployment", dep.ID, "status", status, "completed", completed, "failures", failures)
	d.publish(dep, "", string(status))
}

func (d *Deployer) publish(dep *store.Deployment, subdomain, msg string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.SSEEvent{
		Type:      events.EventDeployment,
		Subdomain: subdomain,
		Message:   fmt.Sprintf("deployment %s: %s", dep.ID, msg),
		Timestamp: d.clock.Now(),
	})
}
