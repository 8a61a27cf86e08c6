// Package scheduler picks the runtime node a new session lands on.
package scheduler

import (
	"context"
	"sort"

	"go.uber.org/zap"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

// Scoring weights. Free capacity dominates, with a strong bonus for
// nodes that already hold the session's image.
const (
	weightCPU        = 0.28
	weightMemory     = 0.28
	weightContainers = 0.14
	weightAffinity   = 0.30
)

// Request describes the placement needs of one session.
type Request struct {
	SessionID string
	ImageRef  string
	Resources v1.ResourceLimits
}

// Scheduler ranks online runtime nodes for session placement.
type Scheduler struct {
	repo   store.Repository
	logger *logger.Logger
}

func New(repo store.Repository, log *logger.Logger) *Scheduler {
	return &Scheduler{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "scheduler")),
	}
}

type candidate struct {
	node  *store.RuntimeNode
	score float64
}

// Pick returns the best node for the request, or a no-capacity error
// when no online node can fit it.
func (s *Scheduler) Pick(ctx context.Context, req Request) (*store.RuntimeNode, error) {
	nodes, err := s.repo.ListNodesByStatus(ctx, v1.NodeStatusOnline)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(nodes))
	for _, node := range nodes {
		if !fits(node, req.Resources) {
			continue
		}
		candidates = append(candidates, candidate{node: node, score: score(node, req)})
	}

	if len(candidates) == 0 {
		return nil, apperrors.NoCapacity("no runtime node can fit the requested resources")
	}

	// Highest score wins. Ties go to the emptier node, then the lower
	// id, so repeated scheduling decisions are deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.node.ContainerCount != b.node.ContainerCount {
			return a.node.ContainerCount < b.node.ContainerCount
		}
		return a.node.ID < b.node.ID
	})

	best := candidates[0]
	s.logger.WithSessionID(req.SessionID).Debug("Scheduled session",
		zap.String("node_id", best.node.ID),
		zap.Float64("score", best.score),
	)
	return best.node, nil
}

func fits(node *store.RuntimeNode, res v1.ResourceLimits) bool {
	if node.CapacityCap > 0 && node.ContainerCount >= node.CapacityCap {
		return false
	}
	if node.ResidualCPU() < res.CPUCores {
		return false
	}
	if node.ResidualMemory() < res.MemoryBytes {
		return false
	}
	return true
}

func score(node *store.RuntimeNode, req Request) float64 {
	var cpuFree, memFree, slotFree float64
	if node.CPUTotal > 0 {
		cpuFree = node.ResidualCPU() / node.CPUTotal
	}
	if node.MemoryTotal > 0 {
		memFree = float64(node.ResidualMemory()) / float64(node.MemoryTotal)
	}
	if node.CapacityCap > 0 {
		slotFree = float64(node.CapacityCap-node.ContainerCount) / float64(node.CapacityCap)
	}

	total := weightCPU*cpuFree + weightMemory*memFree + weightContainers*slotFree
	if node.HasCachedImage(req.ImageRef) {
		total += weightAffinity
	}
	return total
}
