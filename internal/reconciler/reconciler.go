// Package reconciler drives instances from observed state toward desired
// state, one externally-visible mutation per pass.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/longhouse-sh/control-plane/internal/clock"
	"github.com/longhouse-sh/control-plane/internal/events"
	"github.com/longhouse-sh/control-plane/internal/logging"
	"github.com/longhouse-sh/control-plane/internal/metrics"
	"github.com/longhouse-sh/control-plane/internal/proxy"
	"github.com/longhouse-sh/control-plane/internal/runtime"
	"github.com/longhouse-sh/control-plane/internal/store"
)

// Outcome classifies one reconcile pass.
type Outcome int

const (
	// OutcomeConverged means observed matches desired; nothing was done.
	OutcomeConverged Outcome = iota
	// OutcomeMutated means one mutation was performed; the instance needs
	// another pass.
	OutcomeMutated
	// OutcomeBlocked means a transient failure stopped the pass; retry with
	// backoff.
	OutcomeBlocked
	// OutcomeFailed means a permanent failure was recorded; no retry until
	// an external change.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConverged:
		return "converged"
	case OutcomeMutated:
		return "mutated"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Store is the slice of the relational store the reconciler uses.
type Store interface {
	GetInstance(id string) (*store.Instance, error)
	GetTenant(id string) (*store.Tenant, error)
	ListInstances() ([]store.Instance, error)
	ListUnconverged() ([]store.Instance, error)
	CreateInstance(inst *store.Instance, actor string) error
	ApplyObserved(id string, expectedGen int64, u store.ObservedUpdate) error
	SetSecretEnvelope(id string, envelope []byte) error
	ClearDataPurge(id string) error
}

// Runtime is the container adapter surface the reconciler mutates through.
type Runtime interface {
	Observe(ctx context.Context, subdomain string) (runtime.Observation, error)
	Pull(ctx context.Context, imageRef string) error
	Create(ctx context.Context, spec runtime.Spec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	ListManaged(ctx context.Context) (map[string]runtime.Observation, error)
	Address(subdomain string) string
}

// Reconciler performs single convergence passes. It is the only writer of
// observed-state fields.
type Reconciler struct {
	store   Store
	runtime Runtime
	proxy   proxy.Publisher
	mint    Minter
	clock   clock.Clock
	log     *logging.Logger
	bus     *events.Bus
}

// Minter is the secret-mint surface the reconciler needs: fresh credentials
// for first creates, envelope-derived environments for recreates.
type Minter interface {
	MintForInstance(subdomain, ownerEmail string) (env map[string]string, envelope []byte, err error)
	EnvFromEnvelope(subdomain string, sealed []byte) (map[string]string, error)
}

// New creates a Reconciler.
func New(st Store, rt Runtime, pub proxy.Publisher, mint Minter, clk clock.Clock, log *logging.Logger, bus *events.Bus) *Reconciler {
	return &Reconciler{
		store:   st,
		runtime: rt,
		proxy:   pub,
		mint:    mint,
		clock:   clk,
		log:     log,
		bus:     bus,
	}
}

// Reconcile runs one pass for an instance: read the row, observe the
// runtime, perform at most one mutation, commit the new observed state with
// a CAS on generation.
func (r *Reconciler) Reconcile(ctx context.Context, instanceID string) Outcome {
	start := r.clock.Now()
	outcome := r.pass(ctx, instanceID)
	metrics.ReconcilePasses.WithLabelValues(outcome.String()).Inc()
	metrics.ReconcileDuration.Observe(r.clock.Since(start).Seconds())
	return outcome
}

func (r *Reconciler) pass(ctx context.Context, instanceID string) Outcome {
	inst, err := r.store.GetInstance(instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.log.Warn("reconcile for unknown instance", "instance", instanceID)
			return OutcomeConverged
		}
		r.log.Error("reconcile: load instance", "instance", instanceID, "error", err)
		return OutcomeBlocked
	}

	obs, err := r.runtime.Observe(ctx, inst.Subdomain)
	if err != nil {
		return r.classifyFailure(inst, "observe", err)
	}

	if inst.DesiredState == store.DesiredAbsent {
		return r.teardown(ctx, inst, obs)
	}
	return r.converge(ctx, inst, obs)
}

// teardown walks a live instance down to absent: retract the route, stop the
// container, remove it. One step per pass.
func (r *Reconciler) teardown(ctx context.Context, inst *store.Instance, obs runtime.Observation) Outcome {
	// Retract first so no traffic reaches a container being torn down.
	if inst.ObservedState != store.ObservedStopping && inst.ObservedState != store.ObservedAbsent {
		if err := r.proxy.Retract(ctx, inst.Subdomain); err != nil {
			return r.classifyFailure(inst, "retract", err)
		}
		return r.commit(inst, obs.ContainerID, inst.ImageRef, store.ObservedStopping, "route retracted")
	}

	if obs.Exists && obs.Running {
		if err := r.runtime.Stop(ctx, obs.ContainerID); err != nil {
			return r.classifyFailure(inst, "stop", err)
		}
		return r.commit(inst, obs.ContainerID, inst.ImageRef, store.ObservedStopping, "container stopped")
	}

	if obs.Exists {
		if err := r.runtime.Remove(ctx, obs.ContainerID); err != nil {
			return r.classifyFailure(inst, "remove", err)
		}
		return r.commit(inst, "", inst.ImageRef, store.ObservedAbsent, "container removed")
	}

	if inst.ObservedState != store.ObservedAbsent {
		return r.commit(inst, "", inst.ImageRef, store.ObservedAbsent, "nothing to remove")
	}
	if inst.PurgeData {
		return r.purgeData(inst)
	}
	return OutcomeConverged
}

// purgeData removes the instance data directory. Runs only after teardown
// converged to absent, so nothing can still be writing the path.
func (r *Reconciler) purgeData(inst *store.Instance) Outcome {
	if inst.DataPath != "" {
		if err := os.RemoveAll(inst.DataPath); err != nil {
			r.log.Error("purge instance data", "subdomain", inst.Subdomain, "path", inst.DataPath, "error", err)
			return OutcomeBlocked
		}
	}
	if err := r.store.ClearDataPurge(inst.ID); err != nil {
		r.log.Error("clear data purge flag", "instance", inst.ID, "error", err)
		return OutcomeBlocked
	}
	r.log.Info("instance data removed", "subdomain", inst.Subdomain, "path", inst.DataPath)
	return OutcomeMutated
}

// converge walks an instance toward running+healthy.
func (r *Reconciler) converge(ctx context.Context, inst *store.Instance, obs runtime.Observation) Outcome {
	// Generation fence: a container from an earlier generation (reprovision,
	// image change) is stale and must go before the new one is created.
	if obs.Exists && obs.Generation != inst.Generation {
		if obs.Running {
			if err := r.runtime.Stop(ctx, obs.ContainerID); err != nil {
				return r.classifyFailure(inst, "stop stale", err)
			}
			return r.commit(inst, obs.ContainerID, inst.ImageRef, store.ObservedStopping,
				fmt.Sprintf("stopping stale generation %d", obs.Generation))
		}
		if err := r.runtime.Remove(ctx, obs.ContainerID); err != nil {
			return r.classifyFailure(inst, "remove stale", err)
		}
		return r.commit(inst, "", inst.ImageRef, store.ObservedCreating,
			fmt.Sprintf("removed stale generation %d", obs.Generation))
	}

	// A failed instance stays failed until an external change bumps the
	// generation; the only remaining work is taking its container down.
	// Retract pairs with the stop since the route must not outlive it.
	if inst.ObservedState == store.ObservedFailed {
		if obs.Exists && obs.Running {
			if err := r.proxy.Retract(ctx, inst.Subdomain); err != nil {
				return r.classifyFailure(inst, "retract failed instance", err)
			}
			if err := r.runtime.Stop(ctx, obs.ContainerID); err != nil {
				return r.classifyFailure(inst, "stop failed instance", err)
			}
			return r.commit(inst, obs.ContainerID, inst.ImageRef, store.ObservedFailed, "stopped after failure")
		}
		if obs.Exists {
			if err := r.runtime.Remove(ctx, obs.ContainerID); err != nil {
				return r.classifyFailure(inst, "remove failed instance", err)
			}
			return r.commit(inst, "", inst.ImageRef, store.ObservedFailed, "removed after failure")
		}
		return OutcomeConverged
	}

	if !obs.Exists {
		return r.create(ctx, inst)
	}

	// Crash between Create and commit leaves a container the row doesn't
	// know about. The generation label already matched, so adopt the handle.
	if obs.ContainerID != inst.ContainerID {
		state := store.ObservedCreating
		if obs.Running {
			state = store.ObservedStarting
		}
		return r.commit(inst, obs.ContainerID, obs.ImageRef, state, "adopted existing container")
	}

	if !obs.Running {
		if err := r.runtime.Start(ctx, obs.ContainerID); err != nil {
			return r.classifyFailure(inst, "start", err)
		}
		return r.commit(inst, obs.ContainerID, obs.ImageRef, store.ObservedCreating, "container started")
	}

	switch inst.ObservedState {
	case store.ObservedStarting, store.ObservedHealthy, store.ObservedUnhealthy:
		// Running and routed; health transitions belong to the prober.
		return OutcomeConverged
	default:
		// Running but not yet routed: publish and hand over to the prober.
		if err := r.proxy.Publish(ctx, inst.Subdomain, r.runtime.Address(inst.Subdomain)); err != nil {
			return r.classifyFailure(inst, "publish", err)
		}
		return r.commit(inst, obs.ContainerID, obs.ImageRef, store.ObservedStarting, "route published")
	}
}

// create mints credentials if needed, pulls the image and creates the
// container. The container name is the lock: a conflict means someone else
// holds the name, and we either adopt it or fail.
func (r *Reconciler) create(ctx context.Context, inst *store.Instance) Outcome {
	env, outcome := r.instanceEnv(inst)
	if outcome != OutcomeMutated {
		return outcome
	}

	if err := r.runtime.Pull(ctx, inst.TargetImageRef); err != nil {
		return r.classifyFailure(inst, "pull", err)
	}

	spec := runtime.Spec{
		Subdomain:  inst.Subdomain,
		Generation: inst.Generation,
		ImageRef:   inst.TargetImageRef,
		Env:        env,
		Labels:     r.proxy.Labels(inst.Subdomain),
	}
	containerID, err := r.runtime.Create(ctx, spec)
	if err != nil {
		if runtime.Classify(err) == runtime.KindConflict {
			return r.adoptAfterConflict(ctx, inst, err)
		}
		return r.classifyFailure(inst, "create", err)
	}
	return r.commit(inst, containerID, inst.TargetImageRef, store.ObservedCreating, "container created")
}

// instanceEnv returns the container environment, minting fresh credentials
// on first provision. Returns OutcomeMutated when env is usable.
func (r *Reconciler) instanceEnv(inst *store.Instance) (map[string]string, Outcome) {
	if len(inst.SecretEnvelope) > 0 {
		env, err := r.mint.EnvFromEnvelope(inst.Subdomain, inst.SecretEnvelope)
		if err != nil {
			// A corrupt envelope never fixes itself.
			return nil, r.recordFailed(inst, fmt.Sprintf("open secret envelope: %v", err))
		}
		return env, OutcomeMutated
	}

	tenant, err := r.store.GetTenant(inst.TenantID)
	if err != nil {
		r.log.Error("reconcile: load tenant", "instance", inst.ID, "error", err)
		return nil, OutcomeBlocked
	}
	env, envelope, err := r.mint.MintForInstance(inst.Subdomain, tenant.Email)
	if err != nil {
		return nil, r.recordFailed(inst, fmt.Sprintf("mint secrets: %v", err))
	}
	if err := r.store.SetSecretEnvelope(inst.ID, envelope); err != nil {
		r.log.Error("reconcile: store envelope", "instance", inst.ID, "error", err)
		return nil, OutcomeBlocked
	}
	return env, OutcomeMutated
}

// adoptAfterConflict handles a duplicate-name error from Create: if the
// name holder carries our generation we lost the handle in a crash and can
// adopt it; otherwise a foreign container squats the name.
func (r *Reconciler) adoptAfterConflict(ctx context.Context, inst *store.Instance, cause error) Outcome {
	obs, err := r.runtime.Observe(ctx, inst.Subdomain)
	if err != nil || !obs.Exists {
		r.log.Warn("create conflict but no container visible", "instance", inst.ID, "error", err)
		return OutcomeBlocked
	}
	if obs.Generation == inst.Generation {
		state := store.ObservedCreating
		if obs.Running {
			state = store.ObservedStarting
		}
		return r.commit(inst, obs.ContainerID, obs.ImageRef, state, "adopted container after create conflict")
	}
	return r.recordFailed(inst, fmt.Sprintf("container name held by foreign container (generation %d): %v", obs.Generation, cause))
}

// commit records the pass outcome with a CAS on generation. A stale
// generation means desired state changed underneath us; the enqueue that
// changed it will re-enter, so the pass result is simply dropped.
func (r *Reconciler) commit(inst *store.Instance, containerID, imageRef string, state store.ObservedState, reason string) Outcome {
	err := r.store.ApplyObserved(inst.ID, inst.Generation, store.ObservedUpdate{
		State:       state,
		ContainerID: containerID,
		ImageRef:    imageRef,
		Reason:      reason,
		Actor:       "reconciler",
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleGeneration) {
			r.log.Info("observed commit fenced by generation bump", "instance", inst.ID)
			return OutcomeConverged
		}
		r.log.Error("reconcile: commit observed", "instance", inst.ID, "error", err)
		return OutcomeBlocked
	}

	if state != inst.ObservedState {
		r.log.Info("instance state", "subdomain", inst.Subdomain,
			"from", inst.ObservedState, "to", state, "reason", reason)
		if r.bus != nil {
			r.bus.Publish(events.SSEEvent{
				Type:      events.EventInstanceState,
				Subdomain: inst.Subdomain,
				Message:   fmt.Sprintf("%s -> %s: %s", inst.ObservedState, state, reason),
				Timestamp: r.clock.Now(),
			})
		}
	}
	return OutcomeMutated
}

// classifyFailure maps a runtime error onto an outcome: transient errors
// retry with backoff, everything else is recorded as failed.
func (r *Reconciler) classifyFailure(inst *store.Instance, action string, err error) Outcome {
	kind := runtime.Classify(err)
	if kind == runtime.KindTransient {
		r.log.Warn("transient reconcile failure",
			"instance", inst.ID, "action", action, "error", err)
		return OutcomeBlocked
	}
	return r.recordFailed(inst, fmt.Sprintf("%s: %v", action, err))
}

// recordFailed commits observed=failed with the error as the reason.
func (r *Reconciler) recordFailed(inst *store.Instance, reason string) Outcome {
	err := r.store.ApplyObserved(inst.ID, inst.Generation, store.ObservedUpdate{
		State:       store.ObservedFailed,
		ContainerID: inst.ContainerID,
		ImageRef:    inst.ImageRef,
		Reason:      reason,
		Actor:       "reconciler",
	})
	if err != nil && !errors.Is(err, store.ErrStaleGeneration) {
		r.log.Error("reconcile: record failure", "instance", inst.ID, "error", err)
	}
	r.log.Error("instance failed", "subdomain", inst.Subdomain, "reason", reason)
	if r.bus != nil {
		r.bus.Publish(events.SSEEvent{
			Type:      events.EventInstanceState,
			Subdomain: inst.Subdomain,
			Message:   "failed: " + reason,
			Timestamp: r.clock.Now(),
		})
	}
	return OutcomeFailed
}
