package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/catalog-sync/internal/domain/model"
)

// FileRepository — интерфейс для таблицы files.
type FileRepository interface {
	// GetByHash возвращает файл по SHA-256 содержимого.
	GetByHash(ctx context.Context, hash string) (*model.FileRecord, error)
	// Insert создаёт запись файла. При конфликте хэша — ErrConflict.
	Insert(ctx context.Context, f *model.FileRecord) error
	// Update обновляет имя, путь, папку, метаданные и признак присутствия.
	Update(ctx context.Context, f *model.FileRecord) error
	// GetByPath возвращает файл по точному пути.
	GetByPath(ctx context.Context, path string) (*model.FileRecord, error)
	// GetByPathSuffix возвращает файл, путь которого оканчивается на "/name".
	GetByPathSuffix(ctx context.Context, name string) (*model.FileRecord, error)
	// GetInFolderByName возвращает файл папки folderID с именем name.
	GetInFolderByName(ctx context.Context, folderID, name string) (*model.FileRecord, error)
	// GetByRemoteFileID возвращает файл по идентификатору Nextcloud.
	GetByRemoteFileID(ctx context.Context, remoteFileID string) (*model.FileRecord, error)
	// MarkAbsent помечает файл отсутствующим.
	MarkAbsent(ctx context.Context, hash string, at time.Time) error
	// MarkAbsentInFolderExcept помечает отсутствующими файлы папки,
	// чьих remote_file_id нет в списке.
	MarkAbsentInFolderExcept(ctx context.Context, folderID string, remoteFileIDs []string, at time.Time) (int, error)
	// MarkSuperseded помечает отсутствующими записи с тем же remote_file_id,
	// но другим хэшем: прежние версии перезаписанного файла.
	MarkSuperseded(ctx context.Context, remoteFileID, currentHash string, at time.Time) (int, error)
}

// fileRepo — реализация FileRepository.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

const fileColumns = `content_hash, name, path, COALESCE(remote_file_id, ''), folder_id,
	exists_remotely, metadata, first_seen_at, synced_at`

// scanFile сканирует строку результата в модель FileRecord.
func scanFile(row pgx.Row) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	var meta []byte
	err := row.Scan(
		&f.ContentHash, &f.Name, &f.Path, &f.RemoteFileID, &f.FolderID,
		&f.ExistsRemotely, &meta, &f.FirstSeenAt, &f.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &f.Metadata); err != nil {
			return nil, fmt.Errorf("ошибка разбора metadata файла %s: %w", f.ContentHash, err)
		}
	}
	return f, nil
}

// nullableID превращает пустой идентификатор в NULL.
func nullableID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func (r *fileRepo) get(ctx context.Context, where string, args ...any) (*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE %s
		ORDER BY exists_remotely DESC, synced_at DESC LIMIT 1`, fileColumns, where)
	f, err := scanFile(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

func (r *fileRepo) GetByHash(ctx context.Context, hash string) (*model.FileRecord, error) {
	return r.get(ctx, "content_hash = $1", hash)
}

func (r *fileRepo) GetByPath(ctx context.Context, path string) (*model.FileRecord, error) {
	return r.get(ctx, "path = $1", path)
}

func (r *fileRepo) GetByPathSuffix(ctx context.Context, name string) (*model.FileRecord, error) {
	return r.get(ctx, `path LIKE ('%/' || $1::text)`, escapeLike(name))
}

func (r *fileRepo) GetInFolderByName(ctx context.Context, folderID, name string) (*model.FileRecord, error) {
	return r.get(ctx, "folder_id = $1 AND name = $2", folderID, name)
}

func (r *fileRepo) GetByRemoteFileID(ctx context.Context, remoteFileID string) (*model.FileRecord, error) {
	return r.get(ctx, "remote_file_id = $1", remoteFileID)
}

func (r *fileRepo) Insert(ctx context.Context, f *model.FileRecord) error {
	meta, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("ошибка сериализации metadata: %w", err)
	}
	if f.SyncedAt.IsZero() {
		f.SyncedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO files (content_hash, name, path, remote_file_id, folder_id,
			exists_remotely, metadata, first_seen_at, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING first_seen_at`

	err = r.db.QueryRow(ctx, query,
		f.ContentHash, f.Name, f.Path, nullableID(f.RemoteFileID), f.FolderID,
		f.ExistsRemotely, meta, f.SyncedAt,
	).Scan(&f.FirstSeenAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл с хэшем %s уже в каталоге", ErrConflict, f.ContentHash)
		}
		return fmt.Errorf("ошибка создания файла: %w", err)
	}
	return nil
}

func (r *fileRepo) Update(ctx context.Context, f *model.FileRecord) error {
	meta, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("ошибка сериализации metadata: %w", err)
	}
	if f.SyncedAt.IsZero() {
		f.SyncedAt = time.Now().UTC()
	}

	query := `
		UPDATE files SET name = $2, path = $3, remote_file_id = $4, folder_id = $5,
			exists_remotely = $6, metadata = $7, synced_at = $8
		WHERE content_hash = $1`

	tag, err := r.db.Exec(ctx, query,
		f.ContentHash, f.Name, f.Path, nullableID(f.RemoteFileID), f.FolderID,
		f.ExistsRemotely, meta, f.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) MarkAbsent(ctx context.Context, hash string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE files SET exists_remotely = false, synced_at = $2 WHERE content_hash = $1`,
		hash, at,
	)
	if err != nil {
		return fmt.Errorf("ошибка пометки файла отсутствующим: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) MarkAbsentInFolderExcept(ctx context.Context, folderID string, remoteFileIDs []string, at time.Time) (int, error) {
	query := `
		UPDATE files SET exists_remotely = false, synced_at = $3
		WHERE folder_id = $1 AND exists_remotely
			AND remote_file_id IS NOT NULL AND remote_file_id != ALL($2)`

	tag, err := r.db.Exec(ctx, query, folderID, nonNil(remoteFileIDs), at)
	if err != nil {
		return 0, fmt.Errorf("ошибка пометки удалённых файлов: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *fileRepo) MarkSuperseded(ctx context.Context, remoteFileID, currentHash string, at time.Time) (int, error) {
	query := `
		UPDATE files SET exists_remotely = false, synced_at = $3
		WHERE remote_file_id = $1 AND content_hash != $2 AND exists_remotely`

	tag, err := r.db.Exec(ctx, query, remoteFileID, currentHash, at)
	if err != nil {
		return 0, fmt.Errorf("ошибка пометки прежних версий файла: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
