package docker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/procfs"
)

// Discoverer lists the containers to resolve against.
type Discoverer interface {
	DiscoverContainers(ctx context.Context) ([]ContainerMetadata, error)
}

// Resolver maps pids and local ports to containers. Pids are matched by
// container init pid first and by cgroup path otherwise.
type Resolver struct {
	source Discoverer
	fs     procfs.FS

	mu         sync.RWMutex
	containers []ContainerMetadata
	byPort     map[int]int
	byPID      map[uint32]int
	generation uint64
}

// NewResolver creates a resolver reading cgroups from the proc filesystem at
// procRoot.
func NewResolver(source Discoverer, procRoot string) (*Resolver, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", procRoot, err)
	}
	return &Resolver{
		source: source,
		fs:     fs,
		byPort: make(map[int]int),
		byPID:  make(map[uint32]int),
	}, nil
}

// Refresh re-discovers containers and returns how many were found.
func (r *Resolver) Refresh(ctx context.Context) (int, error) {
	containers, err := r.source.DiscoverContainers(ctx)
	if err != nil {
		return 0, err
	}
	r.Update(containers)
	return len(containers), nil
}

// Update replaces the known containers.
func (r *Resolver) Update(containers []ContainerMetadata) {
	byPort := make(map[int]int)
	byPID := make(map[uint32]int)
	for i, c := range containers {
		for _, p := range c.Ports {
			byPort[p] = i
		}
		if c.PID > 0 {
			byPID[uint32(c.PID)] = i
		}
	}

	r.mu.Lock()
	r.containers = containers
	r.byPort = byPort
	r.byPID = byPID
	r.generation++
	r.mu.Unlock()
}

// Containers returns the known containers.
func (r *Resolver) Containers() []ContainerMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ContainerMetadata(nil), r.containers...)
}

// ByPort returns the container publishing port.
func (r *Resolver) ByPort(port int) (ContainerMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byPort[port]
	if !ok {
		return ContainerMetadata{}, false
	}
	return r.containers[i], true
}

// ByPID returns the container running pid. Successful cgroup lookups are
// remembered until the next Update.
func (r *Resolver) ByPID(pid uint32) (ContainerMetadata, bool) {
	r.mu.RLock()
	i, ok := r.byPID[pid]
	containers, gen := r.containers, r.generation
	r.mu.RUnlock()
	if ok {
		return containers[i], true
	}
	if len(containers) == 0 {
		return ContainerMetadata{}, false
	}

	proc, err := r.fs.Proc(int(pid))
	if err != nil {
		return ContainerMetadata{}, false
	}
	cgroups, err := proc.Cgroups()
	if err != nil {
		return ContainerMetadata{}, false
	}
	for i, c := range containers {
		if c.ContainerID == "" {
			continue
		}
		for _, cg := range cgroups {
			if strings.Contains(cg.Path, c.ContainerID) {
				r.remember(pid, i, gen)
				return c, true
			}
		}
	}
	return ContainerMetadata{}, false
}

func (r *Resolver) remember(pid uint32, i int, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation == gen {
		r.byPID[pid] = i
	}
}
