package postgres

import (
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/buildbox/internal/workspace"
)

// WorkspaceModel maps to the "workspaces" table.
// Soft deletes use gorm.DeletedAt, so default queries only see live rows.
type WorkspaceModel struct {
	ID        string `gorm:"size:128;primaryKey"`
	Name      string `gorm:"size:128;not null"`
	Status    string `gorm:"size:32;not null;index"`
	Ports     []int  `gorm:"type:text;serializer:json"`
	Provider  string `gorm:"size:32;not null;default:''"`
	CreatedBy string `gorm:"size:255;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (WorkspaceModel) TableName() string { return "workspaces" }

// Models lists every model in migration order. Shared with the SQLite backend.
func Models() []any {
	return []any{&WorkspaceModel{}}
}

func toWorkspaceModel(rec workspace.Record) *WorkspaceModel {
	return &WorkspaceModel{
		ID:        rec.ID,
		Name:      rec.Name,
		Status:    string(rec.Status),
		Ports:     append([]int(nil), rec.Ports...),
		Provider:  rec.Provider,
		CreatedBy: rec.CreatedBy,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func toWorkspaceRecord(m *WorkspaceModel) workspace.Record {
	return workspace.Record{
		Sandbox: workspace.Sandbox{
			ID:        m.ID,
			Name:      m.Name,
			Status:    workspace.Status(m.Status),
			Ports:     m.Ports,
			Provider:  m.Provider,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		CreatedBy: m.CreatedBy,
		Deleted:   m.DeletedAt.Valid,
	}
}
