package store

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

const nodeColumns = `id, kind, endpoint, status, cpu_total, cpu_used, memory_total, memory_used,
	container_count, capacity_cap, cached_images, workspace_dir,
	last_heartbeat_at, consecutive_failures, updated_at`

// UpsertNode inserts the node or replaces its registration row.
func (r *SQLRepository) UpsertNode(ctx context.Context, node *RuntimeNode) error {
	node.UpdatedAt = time.Now().UTC()
	if node.LastHeartbeatAt.IsZero() {
		node.LastHeartbeatAt = node.UpdatedAt
	}

	query := r.rebind(`INSERT INTO runtime_nodes (` + nodeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			endpoint = EXCLUDED.endpoint,
			status = EXCLUDED.status,
			cpu_total = EXCLUDED.cpu_total,
			memory_total = EXCLUDED.memory_total,
			capacity_cap = EXCLUDED.capacity_cap,
			workspace_dir = EXCLUDED.workspace_dir,
			updated_at = EXCLUDED.updated_at`)
	_, err := r.db.ExecContext(ctx, query,
		node.ID, node.Kind, node.Endpoint, node.Status, node.CPUTotal,
		node.CPUUsed, node.MemoryTotal, node.MemoryUsed, node.ContainerCount,
		node.CapacityCap, marshalStrings(node.CachedImages), node.WorkspaceDir,
		node.LastHeartbeatAt, node.ConsecutiveFailures, node.UpdatedAt,
	)
	return wrapStoreErr("upsert node", err)
}

// GetNode returns the runtime node with the given id.
func (r *SQLRepository) GetNode(ctx context.Context, id string) (*RuntimeNode, error) {
	query := r.rebind(`SELECT ` + nodeColumns + ` FROM runtime_nodes WHERE id = ?`)
	node, err := scanNode(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("runtime node", id)
	}
	if err != nil {
		return nil, wrapStoreErr("get node", err)
	}
	return node, nil
}

// UpdateNode rewrites the node's load, status, and health fields.
func (r *SQLRepository) UpdateNode(ctx context.Context, node *RuntimeNode) error {
	node.UpdatedAt = time.Now().UTC()
	query := r.rebind(`UPDATE runtime_nodes SET
		status = ?, cpu_total = ?, cpu_used = ?, memory_total = ?, memory_used = ?,
		container_count = ?, capacity_cap = ?, cached_images = ?,
		last_heartbeat_at = ?, consecutive_failures = ?, updated_at = ?
		WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query,
		node.Status, node.CPUTotal, node.CPUUsed, node.MemoryTotal,
		node.MemoryUsed, node.ContainerCount, node.CapacityCap,
		marshalStrings(node.CachedImages), node.LastHeartbeatAt,
		node.ConsecutiveFailures, node.UpdatedAt, node.ID,
	)
	if err != nil {
		return wrapStoreErr("update node", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperrors.NotFound("runtime node", node.ID)
	}
	return nil
}

// ListNodes returns all registered runtime nodes ordered by id.
func (r *SQLRepository) ListNodes(ctx context.Context) ([]*RuntimeNode, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM runtime_nodes ORDER BY id`)
	if err != nil {
		return nil, wrapStoreErr("list nodes", err)
	}
	defer rows.Close()
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, wrapStoreErr("list nodes", err)
	}
	return nodes, nil
}

// ListNodesByStatus returns nodes in the given status ordered by id.
func (r *SQLRepository) ListNodesByStatus(ctx context.Context, status v1.NodeStatus) ([]*RuntimeNode, error) {
	query := r.rebind(`SELECT ` + nodeColumns + ` FROM runtime_nodes WHERE status = ? ORDER BY id`)
	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, wrapStoreErr("list nodes by status", err)
	}
	defer rows.Close()
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, wrapStoreErr("list nodes by status", err)
	}
	return nodes, nil
}

func scanNode(row rowScanner) (*RuntimeNode, error) {
	var (
		n      RuntimeNode
		images string
	)
	err := row.Scan(&n.ID, &n.Kind, &n.Endpoint, &n.Status, &n.CPUTotal,
		&n.CPUUsed, &n.MemoryTotal, &n.MemoryUsed, &n.ContainerCount,
		&n.CapacityCap, &images, &n.WorkspaceDir, &n.LastHeartbeatAt,
		&n.ConsecutiveFailures, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.CachedImages = unmarshalStrings(images)
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*RuntimeNode, error) {
	nodes := []*RuntimeNode{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
