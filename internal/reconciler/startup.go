package reconciler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/longhouse-sh/control-plane/internal/store"
)

// StartupReconcile runs once at process start: it computes the symmetric
// difference between instance rows and managed containers, enqueues a pass
// for everything unconverged, and deals with orphan containers that have no
// row. Orphans are logged and left alone unless adoptOrphans is set, in
// which case a row is synthesized and the normal pass adopts the container.
func (r *Reconciler) StartupReconcile(ctx context.Context, pool *Pool, adoptOrphans bool) error {
	rows, err := r.store.ListInstances()
	if err != nil {
		return fmt.Errorf("startup: list instances: %w", err)
	}
	managed, err := r.runtime.ListManaged(ctx)
	if err != nil {
		return fmt.Errorf("startup: list managed containers: %w", err)
	}

	known := make(map[string]store.Instance, len(rows))
	enqueued := 0
	for _, inst := range rows {
		known[inst.Subdomain] = inst

		obs, hasContainer := managed[inst.Subdomain]
		converged := (inst.DesiredState == store.DesiredRunning && inst.ObservedState == store.ObservedHealthy && hasContainer && obs.Running) ||
			(inst.DesiredState == store.DesiredAbsent && inst.ObservedState == store.ObservedAbsent && !hasContainer)
		if converged {
			continue
		}
		pool.Enqueue(inst.ID)
		enqueued++
	}

	orphans := 0
	for subdomain, obs := range managed {
		if _, ok := known[subdomain]; ok {
			continue
		}
		orphans++
		if !adoptOrphans {
			r.log.Warn("orphan container left alone",
				"subdomain", subdomain, "container", obs.ContainerID)
			continue
		}

		gen := obs.Generation
		if gen == 0 {
			gen = 1
		}
		inst := &store.Instance{
			ID:             uuid.NewString(),
			Subdomain:      subdomain,
			DesiredState:   store.DesiredRunning,
			Generation:     gen,
			TargetImageRef: obs.ImageRef,
			ImageRef:       obs.ImageRef,
		}
		if err := r.store.CreateInstance(inst, "startup"); err != nil {
			r.log.Error("adopt orphan: create row",
				"subdomain", subdomain, "error", err)
			continue
		}
		r.log.Info("orphan container adopted",
			"subdomain", subdomain, "container", obs.ContainerID, "generation", gen)
		pool.Enqueue(inst.ID)
		enqueued++
	}

	r.log.Info("startup reconciliation complete",
		"rows", len(rows), "containers", len(managed),
		"enqueued", enqueued, "orphans", orphans)
	return nil
}
