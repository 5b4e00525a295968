package runtime

import (
	"context"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// mockDocker implements API for testing. Per-call errors and results are
// keyed by container name or ID; calls are recorded for assertions.
type mockDocker struct {
	inspectResults map[string]container.InspectResponse
	inspectErrs    map[string]error
	createErr      error
	createdID      string
	startErr       error
	stopErr        error
	removeErr      error
	pullErr        error
	listResult     []container.Summary
	listErr        error
	ipResult       string
	ipErr          error

	calls []string
}

func newMockDocker() *mockDocker {
	return &mockDocker{
		inspectResults: make(map[string]container.InspectResponse),
		inspectErrs:    make(map[string]error),
		createdID:      "cid-1234567890ab",
	}
}

func (m *mockDocker) record(call string) { m.calls = append(m.calls, call) }

func (m *mockDocker) ListByLabel(ctx context.Context, key, value string) ([]container.Summary, error) {
	m.record("list:" + key + "=" + value)
	return m.listResult, m.listErr
}

func (m *mockDocker) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	m.record("inspect:" + id)
	if err, ok := m.inspectErrs[id]; ok {
		return container.InspectResponse{}, err
	}
	if resp, ok := m.inspectResults[id]; ok {
		return resp, nil
	}
	return container.InspectResponse{}, notFoundErr{}
}

func (m *mockDocker) StopContainer(ctx context.Context, id string, timeout int) error {
	m.record("stop:" + id)
	return m.stopErr
}

func (m *mockDocker) RemoveContainer(ctx context.Context, id string) error {
	m.record("remove:" + id)
	return m.removeErr
}

func (m *mockDocker) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	m.record("create:" + name)
	if m.createErr != nil {
		return "", m.createErr
	}
	return m.createdID, nil
}

func (m *mockDocker) StartContainer(ctx context.Context, id string) error {
	m.record("start:" + id)
	return m.startErr
}

func (m *mockDocker) PullImage(ctx context.Context, refStr string) error {
	m.record("pull:" + refStr)
	return m.pullErr
}

func (m *mockDocker) ContainerIP(ctx context.Context, id, networkName string) (string, error) {
	m.record("ip:" + id)
	return m.ipResult, m.ipErr
}

func (m *mockDocker) Ping(ctx context.Context) error { return nil }
func (m *mockDocker) Close() error                   { return nil }

// notFoundErr satisfies the errdefs NotFound interface.
type notFoundErr struct{}

func (notFoundErr) Error() string { return "no such container" }
func (notFoundErr) NotFound()     {}

// conflictErr satisfies the errdefs Conflict interface.
type conflictErr struct{}

func (conflictErr) Error() string { return "name is already in use" }
func (conflictErr) Conflict()     {}
