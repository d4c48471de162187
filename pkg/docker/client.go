// Package docker resolves observed processes and ports to the containers
// they belong to.
package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

type apiClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	Close() error
}

type Client struct {
	cli        apiClient
	labels     map[string]string
	idSource   string
	portEnvVar string
}

func NewClient(labels map[string]string, idSource, portEnvVar string) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newClient(cli, labels, idSource, portEnvVar), nil
}

func newClient(cli apiClient, labels map[string]string, idSource, portEnvVar string) *Client {
	return &Client{
		cli:        cli,
		labels:     labels,
		idSource:   idSource,
		portEnvVar: portEnvVar,
	}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// DiscoverContainers lists running containers matching the configured labels
// together with their init pid and ports.
func (c *Client) DiscoverContainers(ctx context.Context) ([]ContainerMetadata, error) {
	filterArgs := filters.NewArgs()
	for key, value := range c.labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}
	filterArgs.Add("status", "running")

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ContainerMetadata, 0, len(containers))
	now := time.Now()

	for _, ctr := range containers {
		inspect, err := c.cli.ContainerInspect(ctx, ctr.ID)
		if err != nil || inspect.ContainerJSONBase == nil || inspect.Config == nil {
			continue
		}

		name := c.extractID(inspect)
		if name == "" {
			continue
		}

		var pid int
		if inspect.State != nil {
			pid = inspect.State.Pid
		}

		var containerName string
		if len(ctr.Names) > 0 {
			containerName = strings.TrimPrefix(ctr.Names[0], "/")
		}

		out = append(out, ContainerMetadata{
			Name:          name,
			ContainerID:   ctr.ID,
			ContainerName: containerName,
			PID:           pid,
			Ports:         c.extractPorts(inspect, ctr.Ports),
			LastUpdated:   now,
		})
	}

	return out, nil
}

func (c *Client) extractID(inspect types.ContainerJSON) string {
	switch c.idSource {
	case "hostname":
		return inspect.Config.Hostname
	case "id":
		return inspect.ID
	case "name":
		return strings.TrimPrefix(inspect.Name, "/")
	default:
		if strings.HasPrefix(c.idSource, "label:") {
			labelKey := strings.TrimPrefix(c.idSource, "label:")
			if val, ok := inspect.Config.Labels[labelKey]; ok {
				return val
			}
		} else if strings.HasPrefix(c.idSource, "env:") {
			if val, ok := lookupEnv(inspect.Config.Env, strings.TrimPrefix(c.idSource, "env:")); ok {
				return val
			}
		}
		return inspect.Config.Hostname
	}
}

// extractPorts returns the port named by the port env var, if set, followed
// by every published private port. Duplicates are dropped.
func (c *Client) extractPorts(inspect types.ContainerJSON, ports []container.Port) []int {
	var out []int
	seen := make(map[int]bool)
	add := func(p int) {
		if p > 0 && p <= 65535 && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	if c.portEnvVar != "" {
		if val, ok := lookupEnv(inspect.Config.Env, c.portEnvVar); ok {
			if port, err := strconv.Atoi(val); err == nil {
				add(port)
			}
		}
	}
	for _, port := range ports {
		add(int(port.PrivatePort))
	}
	return out
}

func lookupEnv(env []string, key string) (string, bool) {
	for _, e := range env {
		if strings.HasPrefix(e, key+"=") {
			return strings.TrimPrefix(e, key+"="), true
		}
	}
	return "", false
}
