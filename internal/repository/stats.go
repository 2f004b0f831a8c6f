package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
)

// StatsRepository — агрегаты каталога для статуса синхронизации.
type StatsRepository interface {
	Get(ctx context.Context) (*model.CatalogStats, error)
}

type statsRepo struct {
	db DBTX
}

// NewStatsRepository создаёт репозиторий агрегатов каталога.
func NewStatsRepository(db DBTX) StatsRepository {
	return &statsRepo{db: db}
}

func (r *statsRepo) Get(ctx context.Context) (*model.CatalogStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM folders),
			(SELECT COUNT(*) FROM folders WHERE exists_remotely),
			(SELECT COUNT(*) FROM files),
			(SELECT COUNT(*) FROM files WHERE exists_remotely)`

	s := &model.CatalogStats{}
	if err := r.db.QueryRow(ctx, query).Scan(
		&s.FoldersTotal, &s.FoldersPresent, &s.FilesTotal, &s.FilesPresent,
	); err != nil {
		return nil, fmt.Errorf("ошибка подсчёта каталога: %w", err)
	}
	return s, nil
}
