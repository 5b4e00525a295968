package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateInstance inserts a new instance with desired_state=running and
// observed_state=absent, and appends the initial transition in the same
// transaction. The subdomain must be valid, never used before, and the
// tenant must not already own a live instance.
func (s *Store) CreateInstance(inst *Instance, actor string) error {
	if !ValidSubdomain(inst.Subdomain) {
		return fmt.Errorf("subdomain %q: %w", inst.Subdomain, ErrInvalidSubdomain)
	}

	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	if inst.DesiredState == "" {
		inst.DesiredState = DesiredRunning
	}
	inst.ObservedState = ObservedAbsent
	if inst.Generation == 0 {
		inst.Generation = 1
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM instances WHERE subdomain = ?`, inst.Subdomain).Scan(&exists); err != nil {
		return fmt.Errorf("check subdomain: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("subdomain %q: %w", inst.Subdomain, ErrSubdomainTaken)
	}

	if inst.DesiredState != DesiredAbsent {
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM instances WHERE tenant_id = ? AND desired_state != 'absent'`,
			inst.TenantID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check tenant instances: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("tenant %s: %w", inst.TenantID, ErrTenantHasInstance)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO instances (
			id, tenant_id, subdomain, desired_state, observed_state, generation,
			target_image_ref, image_ref, last_healthy_ref, container_id, data_path,
			secret_envelope, probe_failures, last_probe_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
		inst.ID, inst.TenantID, inst.Subdomain, string(inst.DesiredState), string(inst.ObservedState),
		inst.Generation, inst.TargetImageRef, inst.ImageRef, inst.LastHealthyRef,
		inst.ContainerID, inst.DataPath, inst.SecretEnvelope,
		inst.CreatedAt.Unix(), inst.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("instance %s: %w", inst.Subdomain, ErrSubdomainTaken)
		}
		return fmt.Errorf("create instance: %w", err)
	}

	if err := appendTransition(tx, inst.ID, "", ObservedAbsent, "instance created", actor, now); err != nil {
		return err
	}
	return tx.Commit()
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(id string) (*Instance, error) {
	return s.scanInstance(s.db.QueryRow(instanceSelect+` WHERE id = ?`, id))
}

// GetInstanceBySubdomain retrieves an instance by its unique subdomain.
func (s *Store) GetInstanceBySubdomain(subdomain string) (*Instance, error) {
	return s.scanInstance(s.db.QueryRow(instanceSelect+` WHERE subdomain = ?`, subdomain))
}

// GetLiveInstanceForTenant returns the tenant's instance with desired_state
// != absent, or ErrNotFound.
func (s *Store) GetLiveInstanceForTenant(tenantID string) (*Instance, error) {
	return s.scanInstance(s.db.QueryRow(
		instanceSelect+` WHERE tenant_id = ? AND desired_state != 'absent'`, tenantID))
}

// ListInstances returns all instances ordered by creation time.
func (s *Store) ListInstances() ([]Instance, error) {
	return s.queryInstances(instanceSelect + ` ORDER BY created_at`)
}

// ListLiveInstances returns instances whose desired state is not absent.
func (s *Store) ListLiveInstances() ([]Instance, error) {
	return s.queryInstances(instanceSelect + ` WHERE desired_state != 'absent' ORDER BY created_at`)
}

// ListUnconverged returns instances whose observed state differs from the
// terminal state implied by their desired state, plus torn-down instances
// whose data directory is still awaiting removal. Used by the re-sweep.
func (s *Store) ListUnconverged() ([]Instance, error) {
	return s.queryInstances(instanceSelect + `
		WHERE NOT (desired_state = 'running' AND observed_state = 'healthy')
		  AND NOT (desired_state = 'absent' AND observed_state = 'absent' AND purge_data = 0)
		ORDER BY created_at`)
}

// SetDesiredState changes the desired state and bumps the generation so any
// container carrying the old generation label is fenced out. The change is
// recorded in the transition log with the acting principal.
func (s *Store) SetDesiredState(id string, desired DesiredState, reason, actor string) error {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := scanInstanceRow(tx.QueryRow(instanceSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}
		return err
	}
	if cur.DesiredState == desired {
		return tx.Commit() // idempotent
	}

	_, err = tx.Exec(`
		UPDATE instances SET desired_state = ?, generation = generation + 1, updated_at = ?
		WHERE id = ?`,
		string(desired), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("set desired state: %w", err)
	}

	msg := fmt.Sprintf("desired %s -> %s: %s", cur.DesiredState, desired, reason)
	if err := appendTransition(tx, id, cur.ObservedState, cur.ObservedState, msg, actor, now); err != nil {
		return err
	}
	return tx.Commit()
}

// SetTargetImage retargets the instance image and bumps the generation.
// Used by rolling deployments; the reconciler recreates the container.
func (s *Store) SetTargetImage(id, imageRef, actor string) error {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := scanInstanceRow(tx.QueryRow(instanceSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}
		return err
	}
	if cur.TargetImageRef == imageRef {
		return tx.Commit()
	}

	_, err = tx.Exec(`
		UPDATE instances SET target_image_ref = ?, generation = generation + 1, updated_at = ?
		WHERE id = ?`,
		imageRef, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("set target image: %w", err)
	}

	msg := fmt.Sprintf("image %s -> %s", cur.TargetImageRef, imageRef)
	if err := appendTransition(tx, id, cur.ObservedState, cur.ObservedState, msg, actor, now); err != nil {
		return err
	}
	return tx.Commit()
}

// Reprovision bumps the generation without changing desired state or target
// image, forcing the reconciler to fence out the current container and build
// a fresh one from the persisted envelope. A failed instance is reset to
// absent in the same transaction so the create path runs again.
func (s *Store) Reprovision(id, actor string) error {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := scanInstanceRow(tx.QueryRow(instanceSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}
		return err
	}

	_, err = tx.Exec(`
		UPDATE instances SET generation = generation + 1, updated_at = ?
		WHERE id = ?`,
		now.Unix(), id)
	if err != nil {
		return fmt.Errorf("reprovision: %w", err)
	}

	to := cur.ObservedState
	if cur.ObservedState == ObservedFailed {
		to = ObservedAbsent
		_, err = tx.Exec(`UPDATE instances SET observed_state = ?, probe_failures = 0 WHERE id = ?`,
			string(to), id)
		if err != nil {
			return fmt.Errorf("reprovision: %w", err)
		}
	}
	if err := appendTransition(tx, id, cur.ObservedState, to, "reprovision requested", actor, now); err != nil {
		return err
	}
	return tx.Commit()
}

// ObservedUpdate carries the fields the reconciler writes after a mutation.
type ObservedUpdate struct {
	State       ObservedState
	ContainerID string
	ImageRef    string
	Reason      string
	Actor       string
}

// ApplyObserved records the outcome of one reconcile mutation with a
// compare-and-swap on generation. Returns ErrStaleGeneration when another
// writer bumped the generation since the caller loaded the row. Reaching
// healthy also records the image as the last known-healthy reference.
func (s *Store) ApplyObserved(id string, expectedGen int64, u ObservedUpdate) error {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := scanInstanceRow(tx.QueryRow(instanceSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}
		return err
	}
	if cur.Generation != expectedGen {
		return fmt.Errorf("instance %s gen %d != %d: %w", id, cur.Generation, expectedGen, ErrStaleGeneration)
	}

	lastHealthy := cur.LastHealthyRef
	if u.State == ObservedHealthy && u.ImageRef != "" {
		lastHealthy = u.ImageRef
	}

	// A successful probe result resets the failure counter.
	failures := cur.ProbeFailures
	if u.State == ObservedHealthy {
		failures = 0
	}

	_, err = tx.Exec(`
		UPDATE instances
		SET observed_state = ?, container_id = ?, image_ref = ?, last_healthy_ref = ?,
		    probe_failures = ?, updated_at = ?
		WHERE id = ? AND generation = ?`,
		string(u.State), u.ContainerID, u.ImageRef, lastHealthy, failures, now.Unix(), id, expectedGen)
	if err != nil {
		return fmt.Errorf("apply observed: %w", err)
	}

	if cur.ObservedState != u.State {
		if err := appendTransition(tx, id, cur.ObservedState, u.State, u.Reason, u.Actor, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetSecretEnvelope replaces the sealed secret blob for an instance.
func (s *Store) SetSecretEnvelope(id string, envelope []byte) error {
	res, err := s.db.Exec(`UPDATE instances SET secret_envelope = ?, updated_at = ? WHERE id = ?`,
		envelope, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("set secret envelope: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkDataPurge flags the instance's data directory for removal once its
// teardown converges. The flag is durable; the reconciler clears it after
// deleting the directory.
func (s *Store) MarkDataPurge(id string) error {
	res, err := s.db.Exec(`UPDATE instances SET purge_data = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark data purge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClearDataPurge drops the pending data-removal flag.
func (s *Store) ClearDataPurge(id string) error {
	res, err := s.db.Exec(`UPDATE instances SET purge_data = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("clear data purge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordProbe applies one health probe result. Only the health fields are
// written; the observed state flips starting/unhealthy -> healthy on a single
// success and healthy -> unhealthy after threshold consecutive failures. An
// instance that never leaves starting is marked failed after the same number
// of consecutive failures, so the reconciler tears its container down.
// Returns the new observed state and whether the classification changed.
func (s *Store) RecordProbe(id string, ok bool, threshold int) (ObservedState, bool, error) {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	cur, err := scanInstanceRow(tx.QueryRow(instanceSelect+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}
		return "", false, err
	}

	// The prober only reclassifies instances the reconciler considers up.
	switch cur.ObservedState {
	case ObservedStarting, ObservedHealthy, ObservedUnhealthy:
	default:
		return cur.ObservedState, false, tx.Commit()
	}

	failures := cur.ProbeFailures
	state := cur.ObservedState
	if ok {
		failures = 0
		state = ObservedHealthy
	} else {
		failures++
		if failures >= threshold {
			switch state {
			case ObservedHealthy:
				state = ObservedUnhealthy
			case ObservedStarting:
				state = ObservedFailed
			}
		}
	}

	lastHealthy := cur.LastHealthyRef
	if state == ObservedHealthy && cur.ImageRef != "" {
		lastHealthy = cur.ImageRef
	}

	_, err = tx.Exec(`
		UPDATE instances
		SET observed_state = ?, probe_failures = ?, last_probe_at = ?, last_healthy_ref = ?, updated_at = ?
		WHERE id = ?`,
		string(state), failures, now.Unix(), lastHealthy, now.Unix(), id)
	if err != nil {
		return "", false, fmt.Errorf("record probe: %w", err)
	}

	changed := state != cur.ObservedState
	if changed {
		reason := "probe succeeded"
		switch {
		case state == ObservedFailed:
			reason = fmt.Sprintf("never became healthy after %d probes", failures)
		case !ok:
			reason = fmt.Sprintf("probe failed %d times", failures)
		}
		if err := appendTransition(tx, id, cur.ObservedState, state, reason, "prober", now); err != nil {
			return "", false, err
		}
	}
	return state, changed, tx.Commit()
}

// ListTransitions returns the most recent transitions for an instance,
// newest first.
func (s *Store) ListTransitions(instanceID string, limit int) ([]Transition, error) {
	rows, err := s.db.Query(`
		SELECT id, instance_id, from_state, to_state, reason, actor, at
		FROM instance_transitions WHERE instance_id = ?
		ORDER BY id DESC LIMIT ?`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		var at int64
		if err := rows.Scan(&tr.ID, &tr.InstanceID, &from, &to, &tr.Reason, &tr.Actor, &at); err != nil {
			return nil, err
		}
		tr.FromState = ObservedState(from)
		tr.ToState = ObservedState(to)
		tr.At = time.Unix(at, 0).UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}

func appendTransition(tx *sql.Tx, instanceID string, from, to ObservedState, reason, actor string, at time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO instance_transitions (instance_id, from_state, to_state, reason, actor, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		instanceID, string(from), string(to), reason, actor, at.Unix())
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

const instanceSelect = `
	SELECT id, tenant_id, subdomain, desired_state, observed_state, generation,
	       target_image_ref, image_ref, last_healthy_ref, container_id, data_path,
	       purge_data, secret_envelope, probe_failures, last_probe_at, created_at, updated_at
	FROM instances`

func (s *Store) scanInstance(row *sql.Row) (*Instance, error) {
	inst, err := scanInstanceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

func (s *Store) queryInstances(query string, args ...any) ([]Instance, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func scanInstanceRow(row rowScanner) (*Instance, error) {
	var inst Instance
	var desired, observed string
	var purge int
	var lastProbe sql.NullInt64
	var created, updated int64
	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.Subdomain, &desired, &observed, &inst.Generation,
		&inst.TargetImageRef, &inst.ImageRef, &inst.LastHealthyRef, &inst.ContainerID,
		&inst.DataPath, &purge, &inst.SecretEnvelope, &inst.ProbeFailures, &lastProbe, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	inst.PurgeData = purge != 0
	inst.DesiredState = DesiredState(desired)
	inst.ObservedState = ObservedState(observed)
	inst.LastProbeAt = fromNullableUnix(lastProbe)
	inst.CreatedAt = time.Unix(created, 0).UTC()
	inst.UpdatedAt = time.Unix(updated, 0).UTC()
	return &inst, nil
}
