package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
)

// FolderRepository — интерфейс для таблицы folders.
type FolderRepository interface {
	// Upsert создаёт папку или обновляет name/path по file_id.
	// Возвращает true, если запись создана.
	Upsert(ctx context.Context, f *model.FolderRecord) (bool, error)
	// GetByFileID возвращает папку по удалённому file_id.
	GetByFileID(ctx context.Context, fileID string) (*model.FolderRecord, error)
	// GetByPath возвращает папку по точному пути.
	GetByPath(ctx context.Context, path string) (*model.FolderRecord, error)
	// GetByName возвращает папку по имени (присутствующие в приоритете).
	GetByName(ctx context.Context, name string) (*model.FolderRecord, error)
	// SetImagesFullySynced выставляет флаг images_fully_synced.
	SetImagesFullySynced(ctx context.Context, id string, synced bool) error
	// MarkAbsent помечает папку и её файлы отсутствующими. Возвращает число файлов.
	MarkAbsent(ctx context.Context, id string, at time.Time) (int, error)
	// MarkAbsentExcept помечает отсутствующими присутствующие папки, чьих file_id
	// нет в списке, вместе с их файлами.
	MarkAbsentExcept(ctx context.Context, fileIDs []string, at time.Time) (folders, files int, err error)
	// Count возвращает общее число папок в каталоге.
	Count(ctx context.Context) (int, error)
}

// folderRepo — реализация FolderRepository.
type folderRepo struct {
	db DBTX
}

// NewFolderRepository создаёт репозиторий папок.
func NewFolderRepository(db DBTX) FolderRepository {
	return &folderRepo{db: db}
}

const folderColumns = `id, file_id, name, path, images_fully_synced, exists_remotely,
	first_seen_at, synced_at`

// scanFolder сканирует строку результата в модель FolderRecord.
func scanFolder(row pgx.Row) (*model.FolderRecord, error) {
	f := &model.FolderRecord{}
	err := row.Scan(
		&f.ID, &f.FileID, &f.Name, &f.Path, &f.ImagesFullySynced, &f.ExistsRemotely,
		&f.FirstSeenAt, &f.SyncedAt,
	)
	return f, err
}

func (r *folderRepo) Upsert(ctx context.Context, f *model.FolderRecord) (bool, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	syncedAt := f.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO folders (id, file_id, name, path, images_fully_synced, exists_remotely,
			first_seen_at, synced_at)
		VALUES ($1, $2, $3, $4, false, true, $5, $5)
		ON CONFLICT (file_id) DO UPDATE SET
			name = EXCLUDED.name,
			path = EXCLUDED.path,
			exists_remotely = true,
			synced_at = EXCLUDED.synced_at
		RETURNING id, images_fully_synced, first_seen_at, synced_at, (xmax = 0) AS is_insert`

	var isInsert bool
	err := r.db.QueryRow(ctx, query, f.ID, f.FileID, f.Name, f.Path, syncedAt).Scan(
		&f.ID, &f.ImagesFullySynced, &f.FirstSeenAt, &f.SyncedAt, &isInsert,
	)
	if err != nil {
		return false, fmt.Errorf("ошибка upsert папки %s: %w", f.FileID, err)
	}
	f.ExistsRemotely = true
	return isInsert, nil
}

func (r *folderRepo) get(ctx context.Context, where string, arg any) (*model.FolderRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM folders WHERE %s
		ORDER BY exists_remotely DESC, synced_at DESC LIMIT 1`, folderColumns, where)
	f, err := scanFolder(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения папки: %w", err)
	}
	return f, nil
}

func (r *folderRepo) GetByFileID(ctx context.Context, fileID string) (*model.FolderRecord, error) {
	return r.get(ctx, "file_id = $1", fileID)
}

func (r *folderRepo) GetByPath(ctx context.Context, path string) (*model.FolderRecord, error) {
	return r.get(ctx, "path = $1", path)
}

func (r *folderRepo) GetByName(ctx context.Context, name string) (*model.FolderRecord, error) {
	return r.get(ctx, "name = $1", name)
}

func (r *folderRepo) SetImagesFullySynced(ctx context.Context, id string, synced bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE folders SET images_fully_synced = $2 WHERE id = $1`, id, synced)
	if err != nil {
		return fmt.Errorf("ошибка обновления images_fully_synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *folderRepo) MarkAbsent(ctx context.Context, id string, at time.Time) (int, error) {
	query := `
		WITH f AS (
			UPDATE folders SET exists_remotely = false, synced_at = $2
			WHERE id = $1
			RETURNING id
		), fl AS (
			UPDATE files SET exists_remotely = false, synced_at = $2
			WHERE folder_id IN (SELECT id FROM f) AND exists_remotely
			RETURNING 1
		)
		SELECT (SELECT COUNT(*) FROM f), (SELECT COUNT(*) FROM fl)`

	var folders, files int
	if err := r.db.QueryRow(ctx, query, id, at).Scan(&folders, &files); err != nil {
		return 0, fmt.Errorf("ошибка пометки папки отсутствующей: %w", err)
	}
	if folders == 0 {
		return 0, ErrNotFound
	}
	return files, nil
}

func (r *folderRepo) MarkAbsentExcept(ctx context.Context, fileIDs []string, at time.Time) (int, int, error) {
	query := `
		WITH f AS (
			UPDATE folders SET exists_remotely = false, synced_at = $2
			WHERE exists_remotely AND file_id != ALL($1)
			RETURNING id
		), fl AS (
			UPDATE files SET exists_remotely = false, synced_at = $2
			WHERE folder_id IN (SELECT id FROM f) AND exists_remotely
			RETURNING 1
		)
		SELECT (SELECT COUNT(*) FROM f), (SELECT COUNT(*) FROM fl)`

	var folders, files int
	if err := r.db.QueryRow(ctx, query, nonNil(fileIDs), at).Scan(&folders, &files); err != nil {
		return 0, 0, fmt.Errorf("ошибка пометки удалённых папок: %w", err)
	}
	return folders, files, nil
}

func (r *folderRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM folders`).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта папок: %w", err)
	}
	return count, nil
}
