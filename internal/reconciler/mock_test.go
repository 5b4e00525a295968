package reconciler

import (
	"context"
	"fmt"
	"sync"

	"github.com/longhouse-sh/control-plane/internal/runtime"
	"github.com/longhouse-sh/control-plane/internal/store"
)

// mockStore is an in-memory Store with CAS semantics matching the real one.
type mockStore struct {
	mu        sync.Mutex
	instances map[string]*store.Instance
	tenants   map[string]*store.Tenant

	commits []store.ObservedUpdate
}

func newMockStore() *mockStore {
	return &mockStore{
		instances: make(map[string]*store.Instance),
		tenants:   make(map[string]*store.Tenant),
	}
}

func (m *mockStore) GetInstance(id string) (*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *mockStore) GetTenant(id string) (*store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) ListInstances() ([]store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Instance
	for _, inst := range m.instances {
		out = append(out, *inst)
	}
	return out, nil
}

func (m *mockStore) ListUnconverged() ([]store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Instance
	for _, inst := range m.instances {
		if inst.DesiredState == store.DesiredRunning && inst.ObservedState == store.ObservedHealthy {
			continue
		}
		if inst.DesiredState == store.DesiredAbsent && inst.ObservedState == store.ObservedAbsent && !inst.PurgeData {
			continue
		}
		out = append(out, *inst)
	}
	return out, nil
}

func (m *mockStore) CreateInstance(inst *store.Instance, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.instances {
		if existing.Subdomain == inst.Subdomain {
			return store.ErrSubdomainTaken
		}
	}
	if inst.Generation == 0 {
		inst.Generation = 1
	}
	inst.ObservedState = store.ObservedAbsent
	cp := *inst
	m.instances[inst.ID] = &cp
	return nil
}

func (m *mockStore) ApplyObserved(id string, expectedGen int64, u store.ObservedUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	if inst.Generation != expectedGen {
		return store.ErrStaleGeneration
	}
	inst.ObservedState = u.State
	inst.ContainerID = u.ContainerID
	inst.ImageRef = u.ImageRef
	if u.State == store.ObservedHealthy && u.ImageRef != "" {
		inst.LastHealthyRef = u.ImageRef
	}
	m.commits = append(m.commits, u)
	return nil
}

func (m *mockStore) SetSecretEnvelope(id string, envelope []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	inst.SecretEnvelope = envelope
	return nil
}

func (m *mockStore) ClearDataPurge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	inst.PurgeData = false
	return nil
}

// bumpGeneration simulates a concurrent desired-state change.
func (m *mockStore) bumpGeneration(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[id].Generation++
}

// conflictErr satisfies the errdefs conflict interface.
type conflictErr struct{}

func (conflictErr) Error() string { return "name is already in use" }
func (conflictErr) Conflict()     {}

// invalidErr satisfies the errdefs invalid-parameter interface.
type invalidErr struct{}

func (invalidErr) Error() string     { return "invalid reference format" }
func (invalidErr) InvalidParameter() {}

// transientErr looks like a network timeout to the classifier.
type transientErr struct{}

func (transientErr) Error() string   { return "dial unix /var/run/docker.sock: timeout" }
func (transientErr) Timeout() bool   { return true }
func (transientErr) Temporary() bool { return true }

// mockRuntime scripts container observations and records mutations.
type mockRuntime struct {
	mu sync.Mutex

	containers map[string]runtime.Observation // by subdomain

	pullErr   error
	createErr error
	startErr  error
	stopErr   error
	removeErr error

	// createHook runs inside Create before the error check, simulating
	// concurrent activity in the narrow create window.
	createHook func()

	calls []string
}

func newMockRuntime() *mockRuntime {
	return &mockRuntime{containers: make(map[string]runtime.Observation)}
}

func (m *mockRuntime) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockRuntime) Observe(ctx context.Context, subdomain string) (runtime.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("observe:" + subdomain)
	if obs, ok := m.containers[subdomain]; ok {
		return obs, nil
	}
	return runtime.Observation{Exists: false, Name: runtime.ContainerName(subdomain)}, nil
}

func (m *mockRuntime) Pull(ctx context.Context, imageRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("pull:" + imageRef)
	return m.pullErr
}

func (m *mockRuntime) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create:" + spec.Subdomain)
	if m.createHook != nil {
		m.createHook()
	}
	if m.createErr != nil {
		return "", m.createErr
	}
	id := "ctr-" + spec.Subdomain
	m.containers[spec.Subdomain] = runtime.Observation{
		Exists:      true,
		ContainerID: id,
		Name:        runtime.ContainerName(spec.Subdomain),
		ImageRef:    spec.ImageRef,
		Generation:  spec.Generation,
	}
	return id, nil
}

func (m *mockRuntime) Start(ctx context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("start:" + containerID)
	if m.startErr != nil {
		return m.startErr
	}
	for sub, obs := range m.containers {
		if obs.ContainerID == containerID {
			obs.Running = true
			m.containers[sub] = obs
		}
	}
	return nil
}

func (m *mockRuntime) Stop(ctx context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("stop:" + containerID)
	if m.stopErr != nil {
		return m.stopErr
	}
	for sub, obs := range m.containers {
		if obs.ContainerID == containerID {
			obs.Running = false
			m.containers[sub] = obs
		}
	}
	return nil
}

func (m *mockRuntime) Remove(ctx context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("remove:" + containerID)
	if m.removeErr != nil {
		return m.removeErr
	}
	for sub, obs := range m.containers {
		if obs.ContainerID == containerID {
			delete(m.containers, sub)
		}
	}
	return nil
}

func (m *mockRuntime) ListManaged(ctx context.Context) (map[string]runtime.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]runtime.Observation, len(m.containers))
	for sub, obs := range m.containers {
		out[sub] = obs
	}
	return out, nil
}

func (m *mockRuntime) Address(subdomain string) string {
	return runtime.ContainerName(subdomain)
}

// mutations counts externally-visible runtime mutations (not observes).
func (m *mockRuntime) mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		switch {
		case len(c) >= 7 && c[:7] == "create:",
			len(c) >= 6 && c[:6] == "start:",
			len(c) >= 5 && c[:5] == "stop:",
			len(c) >= 7 && c[:7] == "remove:":
			n++
		}
	}
	return n
}

// mockProxy records publish/retract calls.
type mockProxy struct {
	mu        sync.Mutex
	published map[string]string
	retracts  int
}

func newMockProxy() *mockProxy {
	return &mockProxy{published: make(map[string]string)}
}

func (m *mockProxy) Labels(subdomain string) map[string]string {
	return map[string]string{"caddy": subdomain + ".example.com"}
}

func (m *mockProxy) Publish(ctx context.Context, subdomain, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[subdomain] = addr
	return nil
}

func (m *mockProxy) Retract(ctx context.Context, subdomain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.published, subdomain)
	m.retracts++
	return nil
}

// mockMinter returns deterministic envs.
type mockMinter struct {
	minted int
}

func (m *mockMinter) MintForInstance(subdomain, ownerEmail string) (map[string]string, []byte, error) {
	m.minted++
	return map[string]string{"INSTANCE_ID": subdomain, "OWNER_EMAIL": ownerEmail},
		[]byte("envelope-" + subdomain), nil
}

func (m *mockMinter) EnvFromEnvelope(subdomain string, sealed []byte) (map[string]string, error) {
	if len(sealed) == 0 {
		return nil, fmt.Errorf("empty envelope")
	}
	return map[string]string{"INSTANCE_ID": subdomain}, nil
}
