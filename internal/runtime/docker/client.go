// Package docker implements the sandbox runtime driver on top of the
// Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/kweaver-ai/sandbox/internal/common/logger"
)

// containerConfig holds the translated settings for one sandbox
// container on a Docker node.
type containerConfig struct {
	Name          string
	Image         string
	Cmd           []string
	Env           []string
	WorkingDir    string
	WorkspaceHost string // host path bind-mounted at /workspace
	NetworkMode   string
	Memory        int64
	NanoCPUs      int64
	PidsLimit     int64
	Labels        map[string]string
}

// containerInfo is the subset of inspect output the driver needs.
type containerInfo struct {
	ID       string
	Name     string
	State    string
	ExitCode int
	Labels   map[string]string
}

// nodeClient wraps the Docker SDK client for a single runtime node.
type nodeClient struct {
	cli    *client.Client
	logger *logger.Logger
}

func newNodeClient(host string, log *logger.Logger) (*nodeClient, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created", zap.String("host", host))
	return &nodeClient{cli: cli, logger: log}, nil
}

func (c *nodeClient) Close() error {
	return c.cli.Close()
}

// pullImage pulls an image if it is not already present on the node.
func (c *nodeClient) pullImage(ctx context.Context, imageName string) error {
	_, err := c.cli.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	c.logger.Info("Pulling image", zap.String("image", imageName))
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}

	c.logger.Info("Image pulled", zap.String("image", imageName))
	return nil
}

// createContainer creates a hardened sandbox container. The sandbox
// process runs as uid 1000 with a bounded pid table, a writable tmpfs
// at /tmp and no extra capabilities.
func (c *nodeClient) createContainer(ctx context.Context, cfg containerConfig) (string, error) {
	c.logger.Info("Creating container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image),
	)

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
		User:       "1000:1000",
	}

	pids := cfg.PidsLimit
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: cfg.WorkspaceHost,
				Target: "/workspace",
			},
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=268435456",
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    cfg.Memory,
			NanoCPUs:  cfg.NanoCPUs,
			PidsLimit: &pids,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	c.logger.Info("Container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

func (c *nodeClient) startContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	c.logger.Info("Container started", zap.String("container_id", containerID))
	return nil
}

func (c *nodeClient) stopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

func (c *nodeClient) removeContainer(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	c.logger.Info("Container removed", zap.String("container_id", containerID))
	return nil
}

func (c *nodeClient) inspect(ctx context.Context, containerID string) (*containerInfo, error) {
	resp, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	info := &containerInfo{
		ID:   resp.ID,
		Name: resp.Name,
	}
	if resp.State != nil {
		info.State = resp.State.Status
		info.ExitCode = resp.State.ExitCode
	}
	if resp.Config != nil {
		info.Labels = resp.Config.Labels
	}
	return info, nil
}

// containerLogs returns the tail of the container's combined output
// with the stream multiplexing headers stripped.
func (c *nodeClient) containerLogs(ctx context.Context, containerID string, tail int) ([]byte, error) {
	tailStr := "all"
	if tail > 0 {
		tailStr = strconv.Itoa(tail)
	}

	rc, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailStr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of container %s: %w", containerID, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("error demultiplexing logs of container %s: %w", containerID, err)
	}
	return buf.Bytes(), nil
}

// containerIP returns the sandbox's address on the node's network.
func (c *nodeClient) containerIP(ctx context.Context, containerID string) (string, error) {
	resp, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	if resp.NetworkSettings != nil {
		if resp.NetworkSettings.IPAddress != "" {
			return resp.NetworkSettings.IPAddress, nil
		}
		for _, netSettings := range resp.NetworkSettings.Networks {
			if netSettings.IPAddress != "" {
				return netSettings.IPAddress, nil
			}
		}
	}
	return "", fmt.Errorf("no IP address found for container %s", containerID)
}

// listManaged lists sandbox containers created by this control plane.
func (c *nodeClient) listManaged(ctx context.Context) ([]containerInfo, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", fmt.Sprintf("%s=%s", labelManagedBy, managedByValue))

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]containerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, containerInfo{
			ID:     ctr.ID,
			Name:   name,
			State:  ctr.State,
			Labels: ctr.Labels,
		})
	}
	return infos, nil
}

func (c *nodeClient) ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}
