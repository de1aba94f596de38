package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/buildbox/internal/workspace"
)

// WorkspaceRepository implements workspace.Catalog using GORM.
type WorkspaceRepository struct {
	db *gorm.DB
}

// NewWorkspaceRepository creates a WorkspaceRepository.
func NewWorkspaceRepository(db *gorm.DB) *WorkspaceRepository {
	return &WorkspaceRepository{db: db}
}

// Upsert inserts a record or refreshes its provider state. created_by,
// created_at and deleted_at are never overwritten.
func (r *WorkspaceRepository) Upsert(ctx context.Context, rec workspace.Record) error {
	m := toWorkspaceModel(rec)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "status", "ports", "provider", "updated_at"}),
		}).
		Create(m).Error
	if err != nil {
		return fmt.Errorf("upserting workspace %q: %w", rec.ID, err)
	}
	return nil
}

func (r *WorkspaceRepository) Get(ctx context.Context, id string) (*workspace.Record, error) {
	var m WorkspaceModel
	err := r.db.WithContext(ctx).Unscoped().First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting workspace %q: %w", id, err)
	}
	rec := toWorkspaceRecord(&m)
	return &rec, nil
}

func (r *WorkspaceRepository) List(ctx context.Context) ([]workspace.Record, error) {
	var models []WorkspaceModel
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	out := make([]workspace.Record, 0, len(models))
	for i := range models {
		out = append(out, toWorkspaceRecord(&models[i]))
	}
	return out, nil
}

// MarkDeleted soft-deletes a record. Deleting an already deleted record is a no-op.
func (r *WorkspaceRepository) MarkDeleted(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&WorkspaceModel{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("deleting workspace %q: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *WorkspaceRepository) DeletedIDs(ctx context.Context) (map[string]bool, error) {
	var ids []string
	err := r.db.WithContext(ctx).Unscoped().
		Model(&WorkspaceModel{}).
		Where("deleted_at IS NOT NULL").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing deleted workspaces: %w", err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

var _ workspace.Catalog = (*WorkspaceRepository)(nil)
