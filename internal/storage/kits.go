package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clerkhq/clerk/internal/model"
)

// ListKits returns all kits ordered by slug.
func (db *DB) ListKits(ctx context.Context) ([]model.Kit, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, slug, name, description, is_public, current_version_id, created_at, updated_at
		FROM reasoning_kits
		ORDER BY slug
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list kits: %w", err)
	}
	defer rows.Close()

	var kits []model.Kit
	for rows.Next() {
		var k model.Kit
		if err := rows.Scan(&k.ID, &k.Slug, &k.Name, &k.Description, &k.IsPublic,
			&k.CurrentVersionID, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan kit: %w", err)
		}
		kits = append(kits, k)
	}
	return kits, rows.Err()
}

// GetKitBySlug returns a single kit by its slug.
func (db *DB) GetKitBySlug(ctx context.Context, slug string) (model.Kit, error) {
	var k model.Kit
	err := db.pool.QueryRow(ctx, `
		SELECT id, slug, name, description, is_public, current_version_id, created_at, updated_at
		FROM reasoning_kits
		WHERE slug = $1
	`, slug).Scan(&k.ID, &k.Slug, &k.Name, &k.Description, &k.IsPublic,
		&k.CurrentVersionID, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Kit{}, ErrNotFound
	}
	if err != nil {
		return model.Kit{}, fmt.Errorf("storage: get kit %q: %w", slug, err)
	}
	return k, nil
}

// LoadKitDefinition loads the full contents of a kit version: resources,
// workflow steps, and tool references, along with the owning kit's name
// and slug. The returned definition is an immutable snapshot; runs pinned
// to the version see the same contents regardless of later edits.
func (db *DB) LoadKitDefinition(ctx context.Context, versionID uuid.UUID) (model.KitDefinition, error) {
	def := model.KitDefinition{
		VersionID: versionID,
		Resources: make(map[string]model.Resource),
		Steps:     make(map[int]model.WorkflowStep),
		Tools:     make(map[int]model.ToolRef),
	}

	err := db.pool.QueryRow(ctx, `
		SELECT k.name, k.slug
		FROM kit_versions v
		JOIN reasoning_kits k ON k.id = v.kit_id
		WHERE v.id = $1
	`, versionID).Scan(&def.Name, &def.Slug)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.KitDefinition{}, ErrNotFound
	}
	if err != nil {
		return model.KitDefinition{}, fmt.Errorf("storage: load kit version %s: %w", versionID, err)
	}

	if err := db.loadResources(ctx, versionID, &def); err != nil {
		return model.KitDefinition{}, err
	}
	if err := db.loadSteps(ctx, versionID, &def); err != nil {
		return model.KitDefinition{}, err
	}
	if err := db.loadTools(ctx, versionID, &def); err != nil {
		return model.KitDefinition{}, err
	}
	return def, nil
}

func (db *DB) loadResources(ctx context.Context, versionID uuid.UUID, def *model.KitDefinition) error {
	rows, err := db.pool.Query(ctx, `
		SELECT resource_number, filename, COALESCE(extracted_text, ''), is_dynamic, COALESCE(display_name, '')
		FROM resources
		WHERE version_id = $1
		ORDER BY resource_number
	`, versionID)
	if err != nil {
		return fmt.Errorf("storage: load resources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r model.Resource
		if err := rows.Scan(&r.Number, &r.Filename, &r.Content, &r.IsDynamic, &r.DisplayName); err != nil {
			return fmt.Errorf("storage: scan resource: %w", err)
		}
		def.Resources[r.ResourceID()] = r
	}
	return rows.Err()
}

func (db *DB) loadSteps(ctx context.Context, versionID uuid.UUID, def *model.KitDefinition) error {
	rows, err := db.pool.Query(ctx, `
		SELECT step_number, prompt_template, COALESCE(display_name, '')
		FROM workflow_steps
		WHERE version_id = $1
		ORDER BY step_number
	`, versionID)
	if err != nil {
		return fmt.Errorf("storage: load workflow steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s model.WorkflowStep
		if err := rows.Scan(&s.Number, &s.Prompt, &s.DisplayName); err != nil {
			return fmt.Errorf("storage: scan workflow step: %w", err)
		}
		def.Steps[s.Number] = s
	}
	return rows.Err()
}

func (db *DB) loadTools(ctx context.Context, versionID uuid.UUID, def *model.KitDefinition) error {
	rows, err := db.pool.Query(ctx, `
		SELECT tool_number, tool_name, COALESCE(display_name, ''), configuration
		FROM kit_tools
		WHERE version_id = $1
		ORDER BY tool_number
	`, versionID)
	if err != nil {
		return fmt.Errorf("storage: load kit tools: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t model.ToolRef
		if err := rows.Scan(&t.Number, &t.ToolName, &t.DisplayName, &t.Configuration); err != nil {
			return fmt.Errorf("storage: scan kit tool: %w", err)
		}
		def.Tools[t.Number] = t
	}
	return rows.Err()
}

// CreateKit inserts a new kit. Used by seeding and tests; the execution
// API itself never creates kits.
func (db *DB) CreateKit(ctx context.Context, slug, name string, description *string) (model.Kit, error) {
	var k model.Kit
	err := db.pool.QueryRow(ctx, `
		INSERT INTO reasoning_kits (slug, name, description)
		VALUES ($1, $2, $3)
		RETURNING id, slug, name, description, is_public, current_version_id, created_at, updated_at
	`, slug, name, description).Scan(&k.ID, &k.Slug, &k.Name, &k.Description, &k.IsPublic,
		&k.CurrentVersionID, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return model.Kit{}, fmt.Errorf("storage: create kit %q: %w", slug, err)
	}
	return k, nil
}

// CreateKitVersion inserts a new version for a kit and marks it current.
func (db *DB) CreateKitVersion(ctx context.Context, kitID uuid.UUID, versionNumber int, commitMessage *string) (model.KitVersion, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.KitVersion{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var v model.KitVersion
	err = tx.QueryRow(ctx, `
		INSERT INTO kit_versions (kit_id, version_number, commit_message)
		VALUES ($1, $2, $3)
		RETURNING id, kit_id, version_number, commit_message, created_at
	`, kitID, versionNumber, commitMessage).Scan(&v.ID, &v.KitID, &v.VersionNumber, &v.CommitMessage, &v.CreatedAt)
	if err != nil {
		return model.KitVersion{}, fmt.Errorf("storage: create kit version: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reasoning_kits SET current_version_id = $1, updated_at = now() WHERE id = $2
	`, v.ID, kitID); err != nil {
		return model.KitVersion{}, fmt.Errorf("storage: set current version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.KitVersion{}, fmt.Errorf("storage: commit tx: %w", err)
	}
	return v, nil
}

// AddResource attaches a resource to a kit version.
func (db *DB) AddResource(ctx context.Context, versionID uuid.UUID, r model.Resource) error {
	var content *string
	if r.Content != "" {
		content = &r.Content
	}
	_, err := db.pool.Exec(ctx, `
		INSERT INTO resources (version_id, resource_number, filename, extracted_text, is_dynamic, display_name)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, versionID, r.Number, r.Filename, content, r.IsDynamic, r.DisplayName)
	if err != nil {
		return fmt.Errorf("storage: add resource %d: %w", r.Number, err)
	}
	return nil
}

// AddWorkflowStep attaches a workflow step to a kit version.
func (db *DB) AddWorkflowStep(ctx context.Context, versionID uuid.UUID, s model.WorkflowStep) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO workflow_steps (version_id, step_number, prompt_template, display_name)
		VALUES ($1, $2, $3, NULLIF($4, ''))
	`, versionID, s.Number, s.Prompt, s.DisplayName)
	if err != nil {
		return fmt.Errorf("storage: add workflow step %d: %w", s.Number, err)
	}
	return nil
}

// AddTool attaches a tool reference to a kit version.
func (db *DB) AddTool(ctx context.Context, versionID uuid.UUID, t model.ToolRef) error {
	cfg := t.Configuration
	if cfg == nil {
		cfg = map[string]any{}
	}
	_, err := db.pool.Exec(ctx, `
		INSERT INTO kit_tools (version_id, tool_number, tool_name, display_name, configuration)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
	`, versionID, t.Number, t.ToolName, t.DisplayName, cfg)
	if err != nil {
		return fmt.Errorf("storage: add tool %d: %w", t.Number, err)
	}
	return nil
}
