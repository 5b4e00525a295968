package runtime

import (
	"context"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// API defines the subset of Docker operations used by the control plane.
// Implemented by Client for production, and by mocks for testing.
type API interface {
	ListByLabel(ctx context.Context, key, value string) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	StopContainer(ctx context.Context, id string, timeout int) error
	RemoveContainer(ctx context.Context, id string) error
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	PullImage(ctx context.Context, refStr string) error
	ContainerIP(ctx context.Context, id, networkName string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
