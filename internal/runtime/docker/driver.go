package docker

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kweaver-ai/sandbox/internal/common/config"
	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/runtime"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

const (
	labelManagedBy = runtime.LabelManagedBy
	labelSessionID = runtime.LabelSessionID
	managedByValue = runtime.ManagedByValue

	stopTimeout = 10 * time.Second
)

// Driver runs sandboxes as containers on a static set of Docker nodes.
type Driver struct {
	nodes      map[string]*nodeClient
	workspaces map[string]string // node id -> host workspace root
	network    string
	logger     *logger.Logger
}

var _ runtime.Driver = (*Driver)(nil)

// NewDriver connects to every configured Docker node. Nodes that fail
// to connect are skipped; the health prober will mark them offline.
func NewDriver(cfg config.RuntimeConfig, log *logger.Logger) (*Driver, error) {
	d := &Driver{
		nodes:      make(map[string]*nodeClient),
		workspaces: make(map[string]string),
		network:    cfg.Network,
		logger:     log.WithFields(zap.String("component", "docker-driver")),
	}

	for _, node := range cfg.DockerNodes {
		nc, err := newNodeClient(node.Host, d.logger.WithNodeID(node.ID))
		if err != nil {
			d.logger.WithNodeID(node.ID).WithError(err).Warn("Skipping unreachable docker node")
			continue
		}
		d.nodes[node.ID] = nc
		d.workspaces[node.ID] = node.WorkspaceDir
	}

	if len(d.nodes) == 0 {
		return nil, apperrors.DriverError("no docker nodes could be connected", nil)
	}
	return d, nil
}

func (d *Driver) Kind() v1.RuntimeKind { return v1.RuntimeKindDocker }

func (d *Driver) client(node string) (*nodeClient, error) {
	nc, ok := d.nodes[node]
	if !ok {
		return nil, apperrors.DriverError(fmt.Sprintf("unknown docker node %s", node), nil)
	}
	return nc, nil
}

// CreateSandbox pulls the image if needed, then creates and starts the
// sandbox container. The container name doubles as the handle.
func (d *Driver) CreateSandbox(ctx context.Context, node string, spec runtime.SandboxSpec) (string, error) {
	nc, err := d.client(node)
	if err != nil {
		return "", err
	}

	if err := nc.pullImage(ctx, spec.Image); err != nil {
		return "", apperrors.DriverError(fmt.Sprintf("pull image %s", spec.Image), err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	networkMode := "none"
	if spec.NetworkEnabled {
		networkMode = d.network
		if networkMode == "" {
			networkMode = "bridge"
		}
	}

	workspaceRoot := d.workspaces[node]
	if workspaceRoot == "" {
		workspaceRoot = "/var/lib/sandbox/workspaces"
	}

	cfg := containerConfig{
		Name:          "sandbox-" + spec.SessionID,
		Image:         spec.Image,
		Cmd:           sandboxCommand(spec.Packages),
		Env:           env,
		WorkingDir:    "/workspace",
		WorkspaceHost: filepath.Join(workspaceRoot, spec.SessionID),
		NetworkMode:   networkMode,
		Memory:        spec.Resources.MemoryBytes,
		NanoCPUs:      int64(spec.Resources.CPUCores * 1e9),
		PidsLimit:     128,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelSessionID: spec.SessionID,
		},
	}

	handle, err := nc.createContainer(ctx, cfg)
	if err != nil {
		return "", apperrors.DriverError("create sandbox container", err)
	}

	if err := nc.startContainer(ctx, handle); err != nil {
		// Roll back the half-created container so a retry can reuse the name.
		if rmErr := nc.removeContainer(ctx, handle, true); rmErr != nil {
			d.logger.WithError(rmErr).Warn("Failed to remove container after start failure")
		}
		return "", apperrors.DriverError("start sandbox container", err)
	}

	return handle, nil
}

// sandboxCommand builds the container command. When packages are
// requested the installer runs first so the executor only accepts work
// once dependencies are in place.
func sandboxCommand(packages []string) []string {
	if len(packages) == 0 {
		return nil // image default: the executor entrypoint
	}
	install := "sandbox-install " + strings.Join(packages, " ")
	return []string{"/bin/sh", "-c", install + " && exec sandbox-executor"}
}

func (d *Driver) DestroySandbox(ctx context.Context, node, handle string) error {
	nc, err := d.client(node)
	if err != nil {
		return err
	}
	if err := nc.stopContainer(ctx, handle, stopTimeout); err != nil {
		d.logger.WithError(err).Warn("Graceful stop failed, forcing removal")
	}
	if err := nc.removeContainer(ctx, handle, true); err != nil {
		return apperrors.DriverError("remove sandbox container", err)
	}
	return nil
}

// RemoveWorkspace is a no-op on Docker nodes. Workspace bind
// directories live on the node host under the configured workspace
// root; reclaiming them is the node's local garbage collection.
func (d *Driver) RemoveWorkspace(context.Context, string, string) error { return nil }

func (d *Driver) Logs(ctx context.Context, node, handle string, tail int) ([]byte, error) {
	nc, err := d.client(node)
	if err != nil {
		return nil, err
	}
	out, err := nc.containerLogs(ctx, handle, tail)
	if err != nil {
		return nil, apperrors.DriverError("read sandbox logs", err)
	}
	return out, nil
}

func (d *Driver) IsRunning(ctx context.Context, node, handle string) (bool, error) {
	nc, err := d.client(node)
	if err != nil {
		return false, err
	}
	info, err := nc.inspect(ctx, handle)
	if err != nil {
		return false, apperrors.DriverError("inspect sandbox container", err)
	}
	if info == nil {
		return false, nil
	}
	return info.State == "running", nil
}

func (d *Driver) ExecutorURL(ctx context.Context, node, handle string) (string, error) {
	nc, err := d.client(node)
	if err != nil {
		return "", err
	}
	ip, err := nc.containerIP(ctx, handle)
	if err != nil {
		return "", apperrors.DriverError("resolve sandbox address", err)
	}
	return fmt.Sprintf("http://%s:%d", ip, runtime.ExecutorPort), nil
}

func (d *Driver) ListSandboxes(ctx context.Context, node string) ([]runtime.SandboxInfo, error) {
	nc, err := d.client(node)
	if err != nil {
		return nil, err
	}
	containers, err := nc.listManaged(ctx)
	if err != nil {
		return nil, apperrors.DriverError("list sandbox containers", err)
	}
	infos := make([]runtime.SandboxInfo, 0, len(containers))
	for _, ctr := range containers {
		infos = append(infos, runtime.SandboxInfo{
			Handle:    ctr.ID,
			SessionID: ctr.Labels[labelSessionID],
			Running:   ctr.State == "running",
		})
	}
	return infos, nil
}

func (d *Driver) Ping(ctx context.Context, node string) error {
	nc, err := d.client(node)
	if err != nil {
		return err
	}
	if err := nc.ping(ctx); err != nil {
		return apperrors.DriverError("docker node unreachable", err)
	}
	return nil
}

// NodeIDs returns the ids of the nodes this driver connected to, for
// registration at startup.
func (d *Driver) NodeIDs() []string {
	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Driver) Close() error {
	var firstErr error
	for _, nc := range d.nodes {
		if err := nc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
