package docker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	list    []types.Container
	inspect map[string]types.ContainerJSON
	listErr error
	opts    container.ListOptions
}

func (f *fakeAPI) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	f.opts = opts
	return f.list, f.listErr
}

func (f *fakeAPI) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	c, ok := f.inspect[id]
	if !ok {
		return types.ContainerJSON{}, errors.New("no such container")
	}
	return c, nil
}

func (f *fakeAPI) Close() error { return nil }

func inspected(id, name string, pid int, cfg *container.Config) types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    id,
			Name:  "/" + name,
			State: &types.ContainerState{Pid: pid},
		},
		Config: cfg,
	}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		list: []types.Container{
			{ID: "abc123", Names: []string{"/web"}, Ports: []container.Port{{PrivatePort: 8080, PublicPort: 80}, {PrivatePort: 8080}}},
			{ID: "def456", Names: []string{"/db"}, Ports: []container.Port{{PrivatePort: 5432}}},
			{ID: "gone"},
		},
		inspect: map[string]types.ContainerJSON{
			"abc123": inspected("abc123", "web", 1000, &container.Config{
				Hostname: "web-host",
				Labels:   map[string]string{"app.id": "web-1"},
				Env:      []string{"PATH=/bin", "APP_PORT=9000"},
			}),
			"def456": inspected("def456", "db", 2000, &container.Config{Hostname: "db-host"}),
		},
	}
}

func TestDiscoverContainers(t *testing.T) {
	api := newFakeAPI()
	c := newClient(api, map[string]string{"kernlens.observe": "true"}, "label:app.id", "APP_PORT")

	got, err := c.DiscoverContainers(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "web-1", got[0].Name)
	assert.Equal(t, "web", got[0].ContainerName)
	assert.Equal(t, 1000, got[0].PID)
	assert.Equal(t, []int{9000, 8080}, got[0].Ports)

	assert.Equal(t, "db-host", got[1].Name, "missing label falls back to hostname")
	assert.Equal(t, []int{5432}, got[1].Ports)

	assert.True(t, api.opts.Filters.ExactMatch("label", "kernlens.observe=true"))
	assert.True(t, api.opts.Filters.ExactMatch("status", "running"))
}

func TestDiscoverContainersListError(t *testing.T) {
	api := newFakeAPI()
	api.listErr = errors.New("daemon down")
	_, err := newClient(api, nil, "id", "").DiscoverContainers(context.Background())
	assert.ErrorContains(t, err, "failed to list containers")
}

func TestExtractID(t *testing.T) {
	inspect := inspected("abc123", "web", 1, &container.Config{
		Hostname: "host",
		Labels:   map[string]string{"svc": "labelled"},
		Env:      []string{"SVC_ID=from-env"},
	})
	tests := []struct {
		source string
		want   string
	}{
		{"hostname", "host"},
		{"id", "abc123"},
		{"name", "web"},
		{"label:svc", "labelled"},
		{"label:missing", "host"},
		{"env:SVC_ID", "from-env"},
		{"env:MISSING", "host"},
		{"", "host"},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			c := newClient(nil, nil, tt.source, "")
			assert.Equal(t, tt.want, c.extractID(inspect))
		})
	}
}

func TestResolver(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "3000")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup"),
		[]byte("0::/system.slice/docker-def456.scope\n"), 0o644))

	r, err := NewResolver(newClient(newFakeAPI(), nil, "name", ""), root)
	require.NoError(t, err)

	_, ok := r.ByPID(3000)
	assert.False(t, ok, "nothing discovered yet")

	n, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, r.Containers(), 2)

	c, ok := r.ByPID(1000)
	require.True(t, ok)
	assert.Equal(t, "web", c.Name)

	c, ok = r.ByPID(3000)
	require.True(t, ok)
	assert.Equal(t, "db", c.Name)
	c, ok = r.ByPID(3000)
	require.True(t, ok, "cached lookup")
	assert.Equal(t, "def456", c.ContainerID)

	_, ok = r.ByPID(4000)
	assert.False(t, ok)

	c, ok = r.ByPort(5432)
	require.True(t, ok)
	assert.Equal(t, "db", c.Name)
	_, ok = r.ByPort(1)
	assert.False(t, ok)
}
