package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeploymentStatus is the lifecycle state of a rolling deployment.
type DeploymentStatus string

const (
	DeployPending    DeploymentStatus = "pending"
	DeployInProgress DeploymentStatus = "in_progress"
	DeployPaused     DeploymentStatus = "paused"
	DeployCompleted  DeploymentStatus = "completed"
	DeployFailed     DeploymentStatus = "failed"
)

// Deployment tracks a rolling image rollout across instances.
type Deployment struct {
	ID               string
	ImageRef         string
	Status           DeploymentStatus
	MaxParallel      int
	FailureThreshold int
	FailureCount     int
	Total            int
	Completed        int
	CreatedAt        time.Time
	FinishedAt       time.Time
}

// CreateDeployment inserts a new deployment record.
func (s *Store) CreateDeployment(d *Deployment) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = DeployPending
	}
	_, err := s.db.Exec(`
		INSERT INTO deployments (id, image_ref, status, max_parallel, failure_threshold,
			failure_count, total, completed, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		d.ID, d.ImageRef, string(d.Status), d.MaxParallel, d.FailureThreshold,
		d.FailureCount, d.Total, d.Completed, d.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (s *Store) GetDeployment(id string) (*Deployment, error) {
	row := s.db.QueryRow(`
		SELECT id, image_ref, status, max_parallel, failure_threshold,
		       failure_count, total, completed, created_at, finished_at
		FROM deployments WHERE id = ?`, id)

	var d Deployment
	var status string
	var created int64
	var finished sql.NullInt64
	err := row.Scan(&d.ID, &d.ImageRef, &status, &d.MaxParallel, &d.FailureThreshold,
		&d.FailureCount, &d.Total, &d.Completed, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = DeploymentStatus(status)
	d.CreatedAt = time.Unix(created, 0).UTC()
	d.FinishedAt = fromNullableUnix(finished)
	return &d, nil
}

// UpdateDeploymentProgress writes the running counters for a deployment.
func (s *Store) UpdateDeploymentProgress(id string, status DeploymentStatus, failureCount, completed int) error {
	var finished any
	switch status {
	case DeployCompleted, DeployFailed, DeployPaused:
		finished = time.Now().UTC().Unix()
	}
	res, err := s.db.Exec(`
		UPDATE deployments SET status = ?, failure_count = ?, completed = ?, finished_at = ?
		WHERE id = ?`,
		string(status), failureCount, completed, finished, id)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetDeploymentTotal records how many instances the rollout will touch.
func (s *Store) SetDeploymentTotal(id string, total int) error {
	_, err := s.db.Exec(`UPDATE deployments SET total = ? WHERE id = ?`, total, id)
	if err != nil {
		return fmt.Errorf("set deployment total: %w", err)
	}
	return nil
}
