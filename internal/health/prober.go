// Package health watches runtime node liveness and exposes the
// control plane's aggregate readiness endpoint.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/events/bus"
	"github.com/kweaver-ai/sandbox/internal/runtime"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

const (
	defaultProbeInterval = 10 * time.Second
	probeDeadline        = 5 * time.Second
	offlineThreshold     = 3
)

// Prober pings every online node on a fixed cadence and marks nodes
// offline after consecutive failures. Lost nodes trigger a targeted
// reconcile so their sessions relocate.
type Prober struct {
	repo   store.Repository
	driver runtime.Driver
	bus    bus.EventBus

	interval time.Duration
	logger   *logger.Logger

	// onNodeLost relocates a lost node's sessions. Set at wiring time.
	onNodeLost func(ctx context.Context, nodeID string)
}

func NewProber(repo store.Repository, driver runtime.Driver, eventBus bus.EventBus, interval time.Duration, log *logger.Logger) *Prober {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &Prober{
		repo:     repo,
		driver:   driver,
		bus:      eventBus,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "health-prober")),
	}
}

// SetNodeLostHandler registers the hook called after a node is marked
// offline.
func (p *Prober) SetNodeLostHandler(fn func(ctx context.Context, nodeID string)) {
	p.onNodeLost = fn
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce pings every routable node once.
func (p *Prober) ProbeOnce(ctx context.Context) {
	nodes, err := p.repo.ListNodes(ctx)
	if err != nil {
		p.logger.WithError(err).Error("Node probe query failed")
		return
	}
	for _, node := range nodes {
		if node.Status == v1.NodeStatusOffline {
			p.probeOffline(ctx, node)
			continue
		}
		p.probe(ctx, node)
	}
}

func (p *Prober) probe(ctx context.Context, node *store.RuntimeNode) {
	pingCtx, cancel := context.WithTimeout(ctx, probeDeadline)
	err := p.driver.Ping(pingCtx, node.ID)
	cancel()

	if err == nil {
		node.ConsecutiveFailures = 0
		node.LastHeartbeatAt = time.Now().UTC()
		p.correctUsage(ctx, node)
		if err := p.repo.UpdateNode(ctx, node); err != nil {
			p.logger.WithNodeID(node.ID).WithError(err).Debug("Failed to record node heartbeat")
		}
		return
	}

	node.ConsecutiveFailures++
	p.logger.WithNodeID(node.ID).WithError(err).Warn("Node probe failed",
		zap.Int("consecutive_failures", node.ConsecutiveFailures))

	if node.ConsecutiveFailures >= offlineThreshold {
		node.Status = v1.NodeStatusOffline
	}
	if err := p.repo.UpdateNode(ctx, node); err != nil {
		p.logger.WithNodeID(node.ID).WithError(err).Error("Failed to record node probe failure")
		return
	}

	if node.Status == v1.NodeStatusOffline {
		p.logger.WithNodeID(node.ID).Error("Node marked offline")
		p.publishOffline(ctx, node)
		if p.onNodeLost != nil {
			p.onNodeLost(ctx, node.ID)
		}
	}
}

// probeOffline checks whether a previously lost node came back; a
// single successful ping brings it online again.
func (p *Prober) probeOffline(ctx context.Context, node *store.RuntimeNode) {
	pingCtx, cancel := context.WithTimeout(ctx, probeDeadline)
	err := p.driver.Ping(pingCtx, node.ID)
	cancel()
	if err != nil {
		return
	}

	node.Status = v1.NodeStatusOnline
	node.ConsecutiveFailures = 0
	node.LastHeartbeatAt = time.Now().UTC()
	if err := p.repo.UpdateNode(ctx, node); err != nil {
		p.logger.WithNodeID(node.ID).WithError(err).Error("Failed to bring node back online")
		return
	}
	p.logger.WithNodeID(node.ID).Info("Node back online")
}

// correctUsage replaces the advisory container count with the
// backend's actual figure. The scheduler's view may briefly drift
// between probes; this is where it converges.
func (p *Prober) correctUsage(ctx context.Context, node *store.RuntimeNode) {
	sandboxes, err := p.driver.ListSandboxes(ctx, node.ID)
	if err != nil {
		return
	}
	count := 0
	for _, sb := range sandboxes {
		if sb.Running {
			count++
		}
	}
	node.ContainerCount = count
}

func (p *Prober) publishOffline(ctx context.Context, node *store.RuntimeNode) {
	event := bus.NewEvent("node.offline", "sandboxd", map[string]any{
		"node_id": node.ID,
		"kind":    string(node.Kind),
	})
	if err := p.bus.Publish(ctx, bus.SubjectNodeOffline, event); err != nil {
		p.logger.WithNodeID(node.ID).WithError(err).Debug("Failed to publish node offline event")
	}
}
