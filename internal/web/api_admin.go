package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/longhouse-sh/control-plane/internal/proxy"
	"github.com/longhouse-sh/control-plane/internal/store"
)

// transitionLimit caps the history returned by the instance detail endpoint.
const transitionLimit = 20

type instanceSummary struct {
	ID          string    `json:"id"`
	TenantEmail string    `json:"tenant_email"`
	Subdomain   string    `json:"subdomain"`
	Desired     string    `json:"desired"`
	Observed    string    `json:"observed"`
	ImageRef    string    `json:"image_ref"`
	Generation  int64     `json:"generation"`
	CreatedAt   time.Time `json:"created_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// apiListInstances returns every instance row with its owning tenant's email.
func (s *Server) apiListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.deps.Instances.ListInstances()
	if err != nil {
		s.deps.Log.Error("failed to list instances", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list instances")
		return
	}

	result := make([]instanceSummary, 0, len(instances))
	for _, inst := range instances {
		result = append(result, s.summarize(inst))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) summarize(inst store.Instance) instanceSummary {
	sum := instanceSummary{
		ID:         inst.ID,
		Subdomain:  inst.Subdomain,
		Desired:    string(inst.DesiredState),
		Observed:   string(inst.ObservedState),
		ImageRef:   inst.ImageRef,
		Generation: inst.Generation,
		CreatedAt:  inst.CreatedAt,
	}
	if tenant, err := s.deps.Tenants.GetTenant(inst.TenantID); err == nil {
		sum.TenantEmail = tenant.Email
	}
	// A failed instance surfaces the reason from its latest transition.
	if inst.ObservedState == store.ObservedFailed {
		if transitions, err := s.deps.Instances.ListTransitions(inst.ID, 1); err == nil && len(transitions) > 0 {
			sum.LastError = transitions[0].Reason
		}
	}
	return sum
}

// apiCreateInstance provisions a new instance for a tenant, creating the
// tenant account on first use. The row is the claim: uniqueness conflicts
// surface here as 409 before any container work happens.
func (s *Server) apiCreateInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email     string `json:"email"`
		Subdomain string `json:"subdomain"`
		ImageRef  string `json:"image_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := mail.ParseAddress(body.Email); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid email address")
		return
	}
	if !store.ValidSubdomain(body.Subdomain) {
		writeError(w, http.StatusUnprocessableEntity, "invalid subdomain")
		return
	}
	imageRef := body.ImageRef
	if imageRef == "" {
		imageRef = s.deps.DefaultImageRef
	}

	tenant, err := s.deps.Tenants.GetTenantByEmail(body.Email)
	if err != nil || tenant == nil {
		tenant = &store.Tenant{
			ID:    uuid.NewString(),
			Email: body.Email,
		}
		if err := s.deps.Tenants.CreateTenant(tenant); err != nil {
			s.deps.Log.Error("failed to create tenant", "email", body.Email, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create tenant")
			return
		}
	}

	inst := &store.Instance{
		ID:             uuid.NewString(),
		TenantID:       tenant.ID,
		Subdomain:      body.Subdomain,
		DesiredState:   store.DesiredRunning,
		TargetImageRef: imageRef,
		DataPath:       filepath.Join(s.deps.DataRoot, body.Subdomain),
	}
	if err := s.deps.Instances.CreateInstance(inst, "admin"); err != nil {
		switch {
		case errors.Is(err, store.ErrSubdomainTaken):
			writeError(w, http.StatusConflict, "subdomain-taken")
		case errors.Is(err, store.ErrTenantHasInstance):
			writeError(w, http.StatusConflict, "tenant-has-instance")
		default:
			s.deps.Log.Error("failed to create instance", "subdomain", body.Subdomain, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create instance")
		}
		return
	}

	s.deps.Enqueue(inst.ID)
	s.deps.Log.Info("instance provisioned",
		"subdomain", body.Subdomain, "tenant", tenant.Email, "image", imageRef)

	writeJSON(w, http.StatusCreated, map[string]string{"id": inst.ID})
}

// apiInstanceDetail returns one instance with its recent transitions.
func (s *Server) apiInstanceDetail(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instanceByID(w, r)
	if !ok {
		return
	}

	transitions, err := s.deps.Instances.ListTransitions(inst.ID, transitionLimit)
	if err != nil {
		s.deps.Log.Warn("failed to list transitions", "instance", inst.ID, "error", err)
	}

	type transitionInfo struct {
		From   string    `json:"from"`
		To     string    `json:"to"`
		Reason string    `json:"reason,omitempty"`
		Actor  string    `json:"actor"`
		At     time.Time `json:"at"`
	}
	history := make([]transitionInfo, 0, len(transitions))
	for _, tr := range transitions {
		history = append(history, transitionInfo{
			From:   string(tr.FromState),
			To:     string(tr.ToState),
			Reason: tr.Reason,
			Actor:  tr.Actor,
			At:     tr.At,
		})
	}

	detail := struct {
		instanceSummary
		TargetImageRef string           `json:"target_image_ref"`
		LastHealthyRef string           `json:"last_healthy_ref,omitempty"`
		ContainerID    string           `json:"container_id,omitempty"`
		URL            string           `json:"url"`
		Transitions    []transitionInfo `json:"transitions"`
	}{
		instanceSummary: s.summarize(*inst),
		TargetImageRef:  inst.TargetImageRef,
		LastHealthyRef:  inst.LastHealthyRef,
		ContainerID:     inst.ContainerID,
		URL:             "https://" + proxy.Host(inst.Subdomain, s.deps.RootDomain),
		Transitions:     history,
	}
	writeJSON(w, http.StatusOK, detail)
}

// apiReprovision forces a container recreate by bumping the instance
// generation; the reconciler tears down the stale container and rebuilds it
// from the persisted envelope.
func (s *Server) apiReprovision(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instanceByID(w, r)
	if !ok {
		return
	}

	if err := s.deps.Instances.Reprovision(inst.ID, "admin"); err != nil {
		s.deps.Log.Error("failed to reprovision", "instance", inst.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reprovision")
		return
	}
	s.deps.Enqueue(inst.ID)
	s.deps.Log.Info("instance reprovision requested", "subdomain", inst.Subdomain)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "reprovisioning",
		"id":     inst.ID,
	})
}

// apiDeprovision retires an instance. With retain=false the per-instance
// data directory is removed once the teardown converges.
func (s *Server) apiDeprovision(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.instanceByID(w, r)
	if !ok {
		return
	}

	var body struct {
		Retain bool `json:"retain"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	// The purge intent is flagged on the row before the teardown starts so
	// it survives a restart; the reconciler deletes the directory only after
	// the teardown converges to absent.
	if !body.Retain && inst.DataPath != "" {
		if err := s.deps.Instances.MarkDataPurge(inst.ID); err != nil {
			s.deps.Log.Error("failed to flag data purge", "instance", inst.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to deprovision")
			return
		}
	}

	reason := "deprovision requested"
	if body.Retain {
		reason = "deprovision requested (data retained)"
	}
	if err := s.deps.Instances.SetDesiredState(inst.ID, store.DesiredAbsent, reason, "admin"); err != nil {
		s.deps.Log.Error("failed to deprovision", "instance", inst.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to deprovision")
		return
	}
	s.deps.Enqueue(inst.ID)
	s.deps.Log.Info("instance deprovision requested",
		"subdomain", inst.Subdomain, "retain", body.Retain)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "deprovisioning",
		"id":     inst.ID,
	})
}

// apiRotatePassword mints a fresh bootstrap password, replaces the sealed
// envelope, and forces a recreate so the new hash reaches the container. The
// plaintext is returned exactly once and never stored.
func (s *Server) apiRotatePassword(w http.ResponseWriter, r *http.Request) {
	if s.deps.Secrets == nil {
		writeError(w, http.StatusNotImplemented, "secret mint not available")
		return
	}
	inst, ok := s.instanceByID(w, r)
	if !ok {
		return
	}
	tenant, err := s.deps.Tenants.GetTenant(inst.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve tenant")
		return
	}

	minted, err := s.deps.Secrets.RotatePassword(inst.Subdomain, tenant.Email)
	if err != nil {
		s.deps.Log.Error("failed to rotate password", "subdomain", inst.Subdomain, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to rotate password")
		return
	}
	if err := s.deps.Instances.SetSecretEnvelope(inst.ID, minted.Envelope); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist envelope")
		return
	}
	// Recreate so the container picks up the new hash.
	if err := s.deps.Instances.Reprovision(inst.ID, "admin"); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to schedule recreate")
		return
	}
	s.deps.Enqueue(inst.ID)
	s.deps.Log.Info("instance password rotated", "subdomain", inst.Subdomain)

	writeJSON(w, http.StatusOK, map[string]string{
		"password_once": minted.Password,
	})
}

// apiStartDeployment begins a rolling deployment of a new instance image.
func (s *Server) apiStartDeployment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deployer == nil {
		writeError(w, http.StatusNotImplemented, "deployments not available")
		return
	}
	var body struct {
		ImageRef         string `json:"image_ref"`
		MaxParallel      int    `json:"max_parallel"`
		FailureThreshold int    `json:"failure_threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ImageRef == "" {
		writeError(w, http.StatusUnprocessableEntity, "image_ref required")
		return
	}

	dep, err := s.deps.Deployer.Start(context.Background(), body.ImageRef, body.MaxParallel, body.FailureThreshold)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": dep.ID})
}

// apiDeploymentDetail returns the progress of one deployment.
func (s *Server) apiDeploymentDetail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deployments == nil {
		writeError(w, http.StatusNotImplemented, "deployments not available")
		return
	}
	dep, err := s.deps.Deployments.GetDeployment(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load deployment")
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// apiBillingEvents lists the most recently processed billing events.
func (s *Server) apiBillingEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.BillingLog == nil {
		writeJSON(w, http.StatusOK, []store.BillingEvent{})
		return
	}
	list, err := s.deps.BillingLog.ListBillingEvents(100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list billing events")
		return
	}
	if list == nil {
		list = []store.BillingEvent{}
	}
	writeJSON(w, http.StatusOK, list)
}

// instanceByID loads the path-addressed instance or writes the error response.
func (s *Server) instanceByID(w http.ResponseWriter, r *http.Request) (*store.Instance, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "instance id required")
		return nil, false
	}
	inst, err := s.deps.Instances.GetInstance(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "instance not found")
		return nil, false
	}
	if err != nil {
		s.deps.Log.Error("failed to load instance", "instance", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load instance")
		return nil, false
	}
	return inst, true
}
