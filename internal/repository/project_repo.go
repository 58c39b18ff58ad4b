package repository

import (
	"context"
	"errors"
	"fmt"

	"collab-engine/internal/models"

	"gorm.io/gorm"
)

// ProjectRepositoryImpl resolves project ids against the projects table.
// It backs the lifecycle API's InvalidProject check.
type ProjectRepositoryImpl struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) *ProjectRepositoryImpl {
	return &ProjectRepositoryImpl{db: db}
}

// ResolveProject reports whether the project exists.
func (r *ProjectRepositoryImpl) ResolveProject(ctx context.Context, projectID string) (bool, error) {
	var project models.Project
	err := r.db.WithContext(ctx).
		Select("id").
		First(&project, "id = ?", projectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve project: %w", err)
	}
	return true, nil
}
