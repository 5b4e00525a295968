package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/longhouse-sh/control-plane/internal/logging"
	"github.com/longhouse-sh/control-plane/internal/metrics"
)

// stopTimeoutSeconds is how long a container gets to shut down cleanly.
const stopTimeoutSeconds = 30

// Options configures the runtime adapter.
type Options struct {
	Network      string // proxy network all instances attach to
	DataRoot     string // host directory holding per-instance data dirs
	PublishPorts bool   // publish container ports to the host (dev only)
}

// Spec describes the container one instance should be running.
type Spec struct {
	Subdomain  string
	Generation int64
	ImageRef   string
	Env        map[string]string
	Labels     map[string]string // extra labels (proxy routing)
}

// Observation is what the adapter saw for one instance's container.
type Observation struct {
	Exists      bool
	ContainerID string
	Name        string
	ImageRef    string
	Generation  int64 // 0 when the label is missing or unparsable
	Running     bool
	Restarting  bool
	ExitCode    int
}

// Adapter executes container mutations for the reconciler. All operations
// are idempotent at the adapter level; the caller decides what to do with
// conflicts.
type Adapter struct {
	docker API
	opts   Options
	log    *logging.Logger
}

// NewAdapter creates a runtime adapter.
func NewAdapter(docker API, opts Options, log *logging.Logger) *Adapter {
	return &Adapter{docker: docker, opts: opts, log: log}
}

// Observe inspects the canonical container for a subdomain.
func (a *Adapter) Observe(ctx context.Context, subdomain string) (Observation, error) {
	name := ContainerName(subdomain)
	inspect, err := a.docker.InspectContainer(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return Observation{Exists: false, Name: name}, nil
		}
		return Observation{}, fmt.Errorf("inspect %s: %w", name, err)
	}

	obs := Observation{
		Exists:      true,
		ContainerID: inspect.ID,
		Name:        name,
	}
	if inspect.Config != nil {
		obs.ImageRef = inspect.Config.Image
		if gen, ok := GenerationFromLabels(inspect.Config.Labels); ok {
			obs.Generation = gen
		}
	}
	if inspect.State != nil {
		obs.Running = inspect.State.Running
		obs.Restarting = inspect.State.Restarting
		obs.ExitCode = inspect.State.ExitCode
	}
	return obs, nil
}

// Pull fetches the instance image.
func (a *Adapter) Pull(ctx context.Context, imageRef string) error {
	metrics.RuntimeMutations.WithLabelValues("pull").Inc()
	if err := a.docker.PullImage(ctx, imageRef); err != nil {
		return fmt.Errorf("pull %s: %w", imageRef, err)
	}
	return nil
}

// Create creates the instance container. The container name acts as the
// lock: a second creator loses with a conflict error. The per-instance data
// directory is created on first use and bind-mounted read-write at /data.
func (a *Adapter) Create(ctx context.Context, spec Spec) (string, error) {
	name := ContainerName(spec.Subdomain)

	dataPath := filepath.Join(a.opts.DataRoot, spec.Subdomain)
	if err := os.MkdirAll(dataPath, 0o750); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataPath, err)
	}

	labels := ManagedLabels(spec.Subdomain, spec.Generation)
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:  spec.ImageRef,
		Env:    envSlice(spec.Env),
		Labels: labels,
	}
	hostCfg := &container.HostConfig{
		Binds: []string{dataPath + ":/data:rw"},
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: 5,
		},
		PublishAllPorts: a.opts.PublishPorts,
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			a.opts.Network: {
				Aliases: []string{name},
			},
		},
	}

	metrics.RuntimeMutations.WithLabelValues("create").Inc()
	id, err := a.docker.CreateContainer(ctx, name, cfg, hostCfg, netCfg)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	a.log.Info("container created", "name", name, "id", truncateID(id), "generation", spec.Generation)
	return id, nil
}

// Start starts a created container.
func (a *Adapter) Start(ctx context.Context, containerID string) error {
	metrics.RuntimeMutations.WithLabelValues("start").Inc()
	if err := a.docker.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("start %s: %w", truncateID(containerID), err)
	}
	return nil
}

// Stop stops a running container gracefully. A missing container is success.
func (a *Adapter) Stop(ctx context.Context, containerID string) error {
	metrics.RuntimeMutations.WithLabelValues("stop").Inc()
	if err := a.docker.StopContainer(ctx, containerID, stopTimeoutSeconds); err != nil && !IsNotFound(err) {
		return fmt.Errorf("stop %s: %w", truncateID(containerID), err)
	}
	return nil
}

// Remove force-removes a container. The data directory is never touched:
// volumes survive container removal. A missing container is success.
func (a *Adapter) Remove(ctx context.Context, containerID string) error {
	metrics.RuntimeMutations.WithLabelValues("remove").Inc()
	if err := a.docker.RemoveContainer(ctx, containerID); err != nil && !IsNotFound(err) {
		return fmt.Errorf("remove %s: %w", truncateID(containerID), err)
	}
	return nil
}

// ListManaged returns observations for every container carrying the managed
// label, keyed by subdomain. Used for startup reconciliation and orphan
// detection.
func (a *Adapter) ListManaged(ctx context.Context) (map[string]Observation, error) {
	items, err := a.docker.ListByLabel(ctx, LabelManaged, "true")
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", err)
	}

	out := make(map[string]Observation, len(items))
	for _, c := range items {
		sub := c.Labels[LabelSubdomain]
		if sub == "" && len(c.Names) > 0 {
			sub = SubdomainFromName(c.Names[0])
		}
		if sub == "" {
			continue
		}
		obs := Observation{
			Exists:      true,
			ContainerID: c.ID,
			Name:        ContainerName(sub),
			ImageRef:    c.Image,
			Running:     c.State == container.StateRunning,
		}
		if gen, ok := GenerationFromLabels(c.Labels); ok {
			obs.Generation = gen
		}
		out[sub] = obs
	}
	return out, nil
}

// Address returns the network address the proxy should route to for a
// subdomain: the container name, which is also its alias on the proxy
// network.
func (a *Adapter) Address(subdomain string) string {
	return ContainerName(subdomain)
}

// IP resolves the container's address on the proxy network. Used by the
// health prober, which runs outside the proxy network's DNS.
func (a *Adapter) IP(ctx context.Context, containerID string) (string, error) {
	return a.docker.ContainerIP(ctx, containerID, a.opts.Network)
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
