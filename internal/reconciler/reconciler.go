// Package reconciler repairs drift between the entity store's view of
// sessions and the containers that actually exist on the runtime
// backends.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/runtime"
	"github.com/kweaver-ai/sandbox/internal/session"
	"github.com/kweaver-ai/sandbox/internal/store"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

const (
	defaultInterval = 30 * time.Second

	// sweepConcurrency bounds parallel is_running probes per sweep.
	sweepConcurrency = 8
)

// Reconciler walks active sessions, verifies their containers are
// live and routes dead ones through session recovery. It runs one
// full sweep at startup and then periodically.
type Reconciler struct {
	repo     store.Repository
	driver   runtime.Driver
	sessions *session.Manager

	interval       time.Duration
	createDeadline time.Duration
	logger         *logger.Logger
}

func New(
	repo store.Repository,
	driver runtime.Driver,
	sessions *session.Manager,
	interval, createDeadline time.Duration,
	log *logger.Logger,
) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		repo:           repo,
		driver:         driver,
		sessions:       sessions,
		interval:       interval,
		createDeadline: createDeadline,
		logger:         log.WithFields(zap.String("component", "reconciler")),
	}
}

// Run sweeps once immediately and then on every tick until ctx is
// cancelled. Callers should invoke SweepAll once before serving
// traffic so restarts converge before accepting new work.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepAll(ctx)
		}
	}
}

// SweepAll reconciles every active session against its backend.
// Per-session checks run in parallel; recovery itself serializes on
// the session's version column.
func (r *Reconciler) SweepAll(ctx context.Context) {
	sessions, err := r.repo.ListSessionsByStatus(ctx, v1.SessionStatusCreating, v1.SessionStatusRunning)
	if err != nil {
		r.logger.WithError(err).Error("Reconcile sweep query failed")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, sess := range sessions {
		g.Go(func() error {
			r.reconcileSession(gctx, sess)
			return nil
		})
	}
	g.Wait() //nolint:errcheck
}

// ReconcileNode reconciles only the sessions bound to one node, used
// by the health probe after marking the node offline.
func (r *Reconciler) ReconcileNode(ctx context.Context, nodeID string) {
	sessions, err := r.repo.ListSessionsByNode(ctx, nodeID)
	if err != nil {
		r.logger.WithNodeID(nodeID).WithError(err).Error("Node reconcile query failed")
		return
	}
	for _, sess := range sessions {
		if !sess.Status.IsActive() {
			continue
		}
		r.recover(ctx, sess.ID)
	}
}

func (r *Reconciler) reconcileSession(ctx context.Context, sess *store.Session) {
	if sess.ContainerHandle == nil {
		// A creating session without a container either predates a
		// control-plane restart (its readiness timer is gone) or lost a
		// race with provisioning. Only the former is safe to fail.
		if sess.Status == v1.SessionStatusCreating && r.creationExpired(sess) {
			r.logger.WithSessionID(sess.ID).Warn("Abandoning session stuck in creation")
			r.sessions.MarkFailed(ctx, sess.ID, "session never acquired a container")
		}
		return
	}

	nodeID := ""
	if sess.RuntimeNodeID != nil {
		nodeID = *sess.RuntimeNodeID
	}
	running, err := r.driver.IsRunning(ctx, nodeID, *sess.ContainerHandle)
	if err != nil {
		// Backend unreachable; the health probe owns that failure mode.
		r.logger.WithSessionID(sess.ID).WithError(err).Debug("Skipping session on unreachable backend")
		return
	}
	if running {
		return
	}

	r.logger.WithSessionID(sess.ID).Warn("Container is gone, recovering session")
	r.recover(ctx, sess.ID)
}

func (r *Reconciler) recover(ctx context.Context, sessionID string) {
	if err := r.sessions.Recover(ctx, sessionID); err != nil && !errors.IsConflict(err) {
		r.logger.WithSessionID(sessionID).WithError(err).Error("Session recovery failed")
	}
}

func (r *Reconciler) creationExpired(sess *store.Session) bool {
	deadline := r.createDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	// UpdatedAt moves when the session re-enters creating during
	// recovery, so it is the right clock for both first creation and
	// reincarnation.
	return time.Since(sess.UpdatedAt) > deadline+deadline
}
