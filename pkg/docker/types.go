package docker

import "time"

// ContainerMetadata describes a running container whose processes are
// observed.
type ContainerMetadata struct {
	// Name is the identifier chosen by the configured id source.
	Name          string    `json:"name"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	PID           int       `json:"pid"`
	Ports         []int     `json:"ports,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
}
