package runtime

import (
	"context"
	"fmt"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// ListByLabel returns all containers (any state) carrying the given label.
func (c *Client) ListByLabel(ctx context.Context, key, value string) ([]container.Summary, error) {
	opts := client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("label", key+"="+value),
	}
	result, err := c.api.ContainerList(ctx, opts)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// InspectContainer returns full container details by ID or name.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, err
	}
	return result.Container, nil
}

// StopContainer stops a running container with the given timeout in seconds.
func (c *Client) StopContainer(ctx context.Context, id string, timeout int) error {
	_, err := c.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout})
	return err
}

// RemoveContainer removes a container (force).
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true})
	return err
}

// CreateContainer creates a new container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

// PullImage pulls an image by reference, waiting for pull to complete.
func (c *Client) PullImage(ctx context.Context, refStr string) error {
	resp, err := c.api.ImagePull(ctx, refStr, client.ImagePullOptions{})
	if err != nil {
		return err
	}
	return resp.Wait(ctx)
}

// ContainerIP returns the container's IP address on the given network.
func (c *Client) ContainerIP(ctx context.Context, id, networkName string) (string, error) {
	inspect, err := c.InspectContainer(ctx, id)
	if err != nil {
		return "", err
	}
	return endpointIP(inspect.NetworkSettings, id, networkName)
}

// endpointIP picks the container's address on the named network.
func endpointIP(settings *container.NetworkSettings, id, networkName string) (string, error) {
	if settings == nil {
		return "", fmt.Errorf("container %s: no network settings", id)
	}
	ep, ok := settings.Networks[networkName]
	if !ok || ep == nil || !ep.IPAddress.IsValid() {
		return "", fmt.Errorf("container %s not attached to network %s", id, networkName)
	}
	return ep.IPAddress.String(), nil
}
