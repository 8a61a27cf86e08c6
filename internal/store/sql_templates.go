package store

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
)

const templateColumns = `id, name, image_ref, default_resources, packages, security_context,
	created_at, updated_at`

// CreateTemplate inserts a new template.
func (r *SQLRepository) CreateTemplate(ctx context.Context, template *Template) error {
	now := time.Now().UTC()
	template.CreatedAt = now
	template.UpdatedAt = now

	query := r.rebind(`INSERT INTO templates (` + templateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		template.ID, template.Name, template.ImageRef,
		marshalJSON(template.DefaultResources), marshalStrings(template.Packages),
		rawOrNull(template.SecurityContext), template.CreatedAt, template.UpdatedAt,
	)
	return wrapStoreErr("create template", err)
}

// GetTemplate returns the template with the given id.
func (r *SQLRepository) GetTemplate(ctx context.Context, id string) (*Template, error) {
	query := r.rebind(`SELECT ` + templateColumns + ` FROM templates WHERE id = ?`)
	template, err := scanTemplate(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("template", id)
	}
	if err != nil {
		return nil, wrapStoreErr("get template", err)
	}
	return template, nil
}

// GetTemplateByName returns the template with the given unique name.
func (r *SQLRepository) GetTemplateByName(ctx context.Context, name string) (*Template, error) {
	query := r.rebind(`SELECT ` + templateColumns + ` FROM templates WHERE name = ?`)
	template, err := scanTemplate(r.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("template", name)
	}
	if err != nil {
		return nil, wrapStoreErr("get template by name", err)
	}
	return template, nil
}

// UpdateTemplate rewrites the template's mutable fields.
func (r *SQLRepository) UpdateTemplate(ctx context.Context, template *Template) error {
	template.UpdatedAt = time.Now().UTC()
	query := r.rebind(`UPDATE templates SET
		name = ?, image_ref = ?, default_resources = ?, packages = ?,
		security_context = ?, updated_at = ?
		WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query,
		template.Name, template.ImageRef, marshalJSON(template.DefaultResources),
		marshalStrings(template.Packages), rawOrNull(template.SecurityContext),
		template.UpdatedAt, template.ID,
	)
	if err != nil {
		return wrapStoreErr("update template", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperrors.NotFound("template", template.ID)
	}
	return nil
}

// DeleteTemplate removes the template unless a non-terminal session still
// references it.
func (r *SQLRepository) DeleteTemplate(ctx context.Context, id string) error {
	active, err := r.CountActiveSessionsByTemplate(ctx, id)
	if err != nil {
		return err
	}
	if active > 0 {
		return apperrors.Conflict("template is referenced by active sessions")
	}

	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM templates WHERE id = ?`), id)
	if err != nil {
		return wrapStoreErr("delete template", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperrors.NotFound("template", id)
	}
	return nil
}

// ListTemplates returns all templates ordered by name.
func (r *SQLRepository) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, wrapStoreErr("list templates", err)
	}
	defer rows.Close()

	templates := []*Template{}
	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, wrapStoreErr("list templates", err)
		}
		templates = append(templates, template)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("list templates", err)
	}
	return templates, nil
}

func scanTemplate(row rowScanner) (*Template, error) {
	var (
		t                   Template
		resources, packages string
		securityContext     string
	)
	err := row.Scan(&t.ID, &t.Name, &t.ImageRef, &resources, &packages,
		&securityContext, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = unmarshalInto(resources, &t.DefaultResources)
	t.Packages = unmarshalStrings(packages)
	t.SecurityContext = rawJSON(securityContext)
	return &t, nil
}
