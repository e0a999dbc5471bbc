package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/artpar/dockship/internal/core/verify"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Compose labels set on every container of a project.
const (
	LabelProject = "com.docker.compose.project"
	LabelService = "com.docker.compose.service"
)

// DefaultDockerSocket is the Docker daemon socket on the remote host.
const DefaultDockerSocket = "/var/run/docker.sock"

// engineAPI is the part of the Docker SDK client the driver uses.
type engineAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// dialFunc opens a connection to the remote Docker socket.
type dialFunc func(ctx context.Context) (net.Conn, error)

// newEngineClient builds a Docker SDK client whose every connection is
// tunnelled through dial. Nothing is dialled until the first request.
func newEngineClient(dial dialFunc) (engineAPI, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+DefaultDockerSocket),
		client.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dial(ctx)
		}),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}
	return cli, nil
}

// =============================================================================
// Engine API Queries
// =============================================================================

func listProject(ctx context.Context, api engineAPI, project string) ([]container.Summary, error) {
	return api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelProject+"="+project)),
	})
}

// engineStatus lists every container labelled with the compose project.
func engineStatus(ctx context.Context, api engineAPI, project string) ([]domain.ServiceStatus, error) {
	containers, err := listProject(ctx, api, project)
	if err != nil {
		return nil, err
	}

	services := make([]domain.ServiceStatus, 0, len(containers))
	for _, c := range containers {
		state := verify.NormalizeState(string(c.State), c.Status)
		health := healthFromStatus(c.Status)
		services = append(services, domain.ServiceStatus{
			Service:   c.Labels[LabelService],
			Container: containerName(c),
			State:     state,
			Health:    health,
			Healthy:   verify.Healthy(state, health),
			Status:    c.Status,
		})
	}
	sortServices(services)
	return services, nil
}

// engineLogs fetches the last tail lines of every project container,
// prefixed with the service name the way compose prints them.
func engineLogs(ctx context.Context, api engineAPI, project string, tail int) (string, error) {
	containers, err := listProject(ctx, api, project)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, c := range sortSummaries(containers) {
		reader, err := api.ContainerLogs(ctx, c.ID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Tail:       strconv.Itoa(tail),
		})
		if err != nil {
			return "", fmt.Errorf("logs for %s: %w", containerName(c), err)
		}

		var buf bytes.Buffer
		_, err = stdcopy.StdCopy(&buf, &buf, reader)
		reader.Close()
		if err != nil {
			return "", fmt.Errorf("demultiplex logs for %s: %w", containerName(c), err)
		}

		prefix := c.Labels[LabelService]
		if prefix == "" {
			prefix = containerName(c)
		}
		scanner := bufio.NewScanner(&buf)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			fmt.Fprintf(&out, "%s  | %s\n", prefix, scanner.Text())
		}
	}
	return out.String(), nil
}

func containerName(c container.Summary) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

func sortSummaries(containers []container.Summary) []container.Summary {
	sorted := make([]container.Summary, len(containers))
	copy(sorted, containers)
	sort.SliceStable(sorted, func(i, j int) bool { return summaryLess(sorted[i], sorted[j]) })
	return sorted
}

func summaryLess(a, b container.Summary) bool {
	if a.Labels[LabelService] != b.Labels[LabelService] {
		return a.Labels[LabelService] < b.Labels[LabelService]
	}
	return containerName(a) < containerName(b)
}
